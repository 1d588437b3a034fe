package controller_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/bmcfanctl/internal/config"
	"codeberg.org/mutker/bmcfanctl/internal/controller"
	"codeberg.org/mutker/bmcfanctl/internal/errors"
	"codeberg.org/mutker/bmcfanctl/internal/scheduler"
	"codeberg.org/mutker/bmcfanctl/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedExecutor answers known commands from a map and fails the rest,
// standing in for the SSH transport.
type scriptedExecutor struct {
	mu        sync.Mutex
	responses map[string]string
	commands  []string
}

func (e *scriptedExecutor) Execute(_ context.Context, command string, _ time.Duration) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.commands = append(e.commands, command)
	if out, ok := e.responses[command]; ok {
		return out, nil
	}

	return "", errors.New().WithData(transport.ErrCommandFailed, command)
}

func (e *scriptedExecutor) Commands() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]string(nil), e.commands...)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	return &config.Config{
		Host:           "bmc.local",
		Port:           22,
		User:           "Administrator",
		Mode:           config.ModeDirect,
		Hysteresis:     4,
		CommandTimeout: 1,
		RetryAttempts:  1,
		Interval:       5,
		Fans:           []string{"fan1", "fan2"},
		ActuatorIDs:    []int{1, 2},
		CandidatePaths: []string{"/system1", "/system1/fans1"},
		CandidateProps: []string{"speed", "pwm"},
		PingCommand:    "version",
		SpeedFile:      filepath.Join(dir, "fan_speeds.txt"),
		LockFile:       filepath.Join(dir, "ctl.lock"),
		Set:            -1,
		Fan:            "all",
	}
}

func newTestService(t *testing.T, cfg *config.Config, exec *scriptedExecutor) *controller.Service {
	t.Helper()
	svc, err := controller.New(cfg,
		controller.WithExecutor(exec),
		controller.WithLockProvider(scheduler.NopLock{}))
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	return svc
}

func TestNewRequiresHost(t *testing.T) {
	cfg := testConfig(t)
	cfg.Host = ""

	_, err := controller.New(cfg)
	require.Error(t, err)
	assert.Equal(t, errors.ErrMissingConfig, errors.CodeOf(err))
}

func TestSetSpeedIssuesDirectCommands(t *testing.T) {
	exec := &scriptedExecutor{responses: map[string]string{
		"show -l1 /system1/fans1": "fan1\nfan2\n",
		"fan p 2 max 186":         "ok",
		"fan p 2 min 182":         "ok",
	}}
	svc := newTestService(t, testConfig(t), exec)

	result, err := svc.SetSpeed(context.Background(), 73, "fan2")
	require.NoError(t, err)
	assert.True(t, result.Ok)

	commands := exec.Commands()
	assert.Contains(t, commands, "fan p 2 max 186")
	assert.Contains(t, commands, "fan p 2 min 182")
	assert.NotContains(t, commands, "fan p 1 max 186", "only the targeted fan is driven")
}

func TestMonitorModeIsReadOnly(t *testing.T) {
	exec := &scriptedExecutor{responses: map[string]string{}}
	cfg := testConfig(t)
	cfg.Monitor = true
	svc := newTestService(t, cfg, exec)

	_, err := svc.SetSpeed(context.Background(), 50, "all")
	require.Error(t, err)
	assert.Equal(t, errors.ErrInvalidOperation, errors.CodeOf(err))
	assert.Empty(t, exec.Commands(), "no command reaches the controller")
}

func TestConnectivityReportsRawOutput(t *testing.T) {
	exec := &scriptedExecutor{responses: map[string]string{
		"version": "SM-CLP Version 1.0\nFirmware 2.33\n",
	}}
	svc := newTestService(t, testConfig(t), exec)

	result := svc.TestConnectivity(context.Background())
	assert.True(t, result.Ok)
	assert.Equal(t, "ssh", result.Method)
	assert.Contains(t, result.RawOutput, "Firmware 2.33")
}

func TestConnectivityFailure(t *testing.T) {
	exec := &scriptedExecutor{responses: map[string]string{}}
	svc := newTestService(t, testConfig(t), exec)

	result := svc.TestConnectivity(context.Background())
	assert.False(t, result.Ok)
	assert.Equal(t, "ssh", result.Method)
	assert.NotEmpty(t, result.RawOutput)
}

func TestDiscoverFansUsesOverrideMapping(t *testing.T) {
	exec := &scriptedExecutor{responses: map[string]string{
		"show -l1 /system1/fans1": "fan1\nfan2\n",
	}}
	svc := newTestService(t, testConfig(t), exec)

	result := svc.DiscoverFans(context.Background())
	assert.True(t, result.Ok)
	assert.Equal(t, []string{"fan1", "fan2"}, result.Fans)
	assert.Equal(t, []int{1, 2}, result.ActuatorIDs)
	assert.Equal(t, "override", result.MappingUsed)
}

func TestActualsFallsBackToSpeedRecord(t *testing.T) {
	exec := &scriptedExecutor{responses: map[string]string{
		"show -l1 /system1/fans1": "fan1\nfan2\n",
		"fan p 1 max 153":         "ok",
		"fan p 1 min 149":         "ok",
		"fan p 2 max 153":         "ok",
		"fan p 2 min 149":         "ok",
	}}
	svc := newTestService(t, testConfig(t), exec)

	_, err := svc.SetSpeed(context.Background(), 60, "all")
	require.NoError(t, err)

	// Every controller read fails, so the refresher never produces a
	// snapshot and the last-known-speed record stands in.
	speeds, age := svc.Actuals(context.Background())
	assert.Equal(t, map[string]int{"fan1": 60, "fan2": 60}, speeds)
	assert.Zero(t, age)
}

func TestReloadAppliesActuationSettings(t *testing.T) {
	exec := &scriptedExecutor{responses: map[string]string{
		"show -l1 /system1/fans1": "fan1\nfan2\n",
		"fan p 2 max 186":         "ok",
		"fan p 2 min 182":         "ok",
		"fan p 2 min 176":         "ok",
	}}
	svc := newTestService(t, testConfig(t), exec)

	_, err := svc.SetSpeed(context.Background(), 73, "fan2")
	require.NoError(t, err)
	assert.Contains(t, exec.Commands(), "fan p 2 min 182")

	fresh := testConfig(t)
	fresh.Hysteresis = 10
	svc.Reload(fresh)

	_, err = svc.SetSpeed(context.Background(), 73, "fan2")
	require.NoError(t, err)
	assert.Contains(t, exec.Commands(), "fan p 2 min 176",
		"reloaded hysteresis must drive the next set")
}

func TestReloadedMonitorModeBlocksSets(t *testing.T) {
	exec := &scriptedExecutor{responses: map[string]string{
		"show -l1 /system1/fans1": "fan1\nfan2\n",
		"fan p 1 max 128":         "ok",
		"fan p 1 min 124":         "ok",
	}}
	svc := newTestService(t, testConfig(t), exec)

	_, err := svc.SetSpeed(context.Background(), 50, "fan1")
	require.NoError(t, err)

	fresh := testConfig(t)
	fresh.Monitor = true
	svc.Reload(fresh)

	_, err = svc.SetSpeed(context.Background(), 50, "fan1")
	require.Error(t, err)
	assert.Equal(t, errors.ErrInvalidOperation, errors.CodeOf(err))
}

func TestDiagnosticsExportEmptyWithoutTraffic(t *testing.T) {
	exec := &scriptedExecutor{responses: map[string]string{}}
	svc := newTestService(t, testConfig(t), exec)

	assert.Empty(t, svc.Diagnostics())
	assert.Empty(t, svc.DiagnosticsExport())
}
