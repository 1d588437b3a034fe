package actuator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpeedRecordRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fan_speeds.txt")
	fans := []string{"fan1", "fan2", "fan3"}

	r := NewSpeedRecord(path, fans)
	require.NoError(t, r.SetTargets([]string{"fan1", "fan3"}, 45))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "45\n0\n45\n", string(data))

	// A fresh record seeded from the same file sees the same values.
	again := NewSpeedRecord(path, fans)
	assert.Equal(t, []int{45, 0, 45}, again.Values())
}

func TestSpeedRecordToleratesShortOrGarbledFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fan_speeds.txt")
	require.NoError(t, os.WriteFile(path, []byte("30\nnot-a-number\n"), 0o644))

	r := NewSpeedRecord(path, []string{"fan1", "fan2", "fan3"})
	assert.Equal(t, []int{30, 0, 0}, r.Values())

	v, ok := r.Get("fan1")
	assert.True(t, ok)
	assert.Equal(t, 30, v)

	_, ok = r.Get("fan3")
	assert.False(t, ok)
}
