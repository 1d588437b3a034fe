package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckDaemonMissingPidfile(t *testing.T) {
	status := CheckDaemon(filepath.Join(t.TempDir(), "absent.pid"))
	assert.False(t, status.Running)
}

func TestCheckDaemonGarbledPidfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid"), 0o600))

	status := CheckDaemon(path)
	assert.False(t, status.Running)
}

func TestCheckDaemonOwnProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o600))

	status := CheckDaemon(path)
	assert.True(t, status.Running, "the test's own pid must probe as alive")
	assert.Equal(t, os.Getpid(), status.PID)
}
