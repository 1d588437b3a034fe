package history_test

import (
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/bmcfanctl/internal/cmdlog"
	"codeberg.org/mutker/bmcfanctl/internal/history"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepository(t *testing.T) *history.Repository {
	t.Helper()
	repo, err := history.NewRepository(history.Config{
		DBPath:    filepath.Join(t.TempDir(), "history.db"),
		BatchSize: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	return repo
}

func TestRecordAndRecent(t *testing.T) {
	repo := newTestRepository(t)

	base := time.Now()
	for i, cmd := range []string{"version", "show /system1", "fan p 0 max 186"} {
		require.NoError(t, repo.Record(cmdlog.Entry{
			Command:   cmd,
			ExitCode:  0,
			Duration:  time.Duration(i+1) * 100 * time.Millisecond,
			Output:    "ok",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}

	entries, err := repo.Recent(2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "show /system1", entries[0].Command, "oldest of the returned window comes first")
	assert.Equal(t, "fan p 0 max 186", entries[1].Command)
	assert.Equal(t, 300*time.Millisecond, entries[1].Duration)
}

func TestInvalidDBPath(t *testing.T) {
	_, err := history.NewRepository(history.Config{})
	require.Error(t, err)
}
