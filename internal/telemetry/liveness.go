package telemetry

import (
	"os"
	"strconv"
	"strings"
	"syscall"
)

// DaemonStatus reports whether the sibling fan daemon looks alive.
type DaemonStatus struct {
	Running bool
	PID     int
}

// CheckDaemon probes the sibling daemon through its pidfile: the process
// exists and answers signal 0. The daemon holds the same controller lock
// this process uses, so its liveness matters to the dashboard.
func CheckDaemon(pidPath string) DaemonStatus {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return DaemonStatus{}
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return DaemonStatus{}
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return DaemonStatus{PID: pid}
	}

	if err := process.Signal(syscall.Signal(0)); err != nil {
		return DaemonStatus{PID: pid}
	}

	return DaemonStatus{Running: true, PID: pid}
}
