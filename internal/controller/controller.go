// Package controller wires the command core together and exposes the
// narrow surface the dashboard layer consumes: speed control, actuals,
// diagnostics, connectivity, and discovery.
package controller

import (
	"context"
	"strings"
	"sync"
	"time"

	"codeberg.org/mutker/bmcfanctl/internal/accel"
	"codeberg.org/mutker/bmcfanctl/internal/actuator"
	"codeberg.org/mutker/bmcfanctl/internal/cmdlog"
	"codeberg.org/mutker/bmcfanctl/internal/config"
	"codeberg.org/mutker/bmcfanctl/internal/discovery"
	"codeberg.org/mutker/bmcfanctl/internal/errors"
	"codeberg.org/mutker/bmcfanctl/internal/history"
	"codeberg.org/mutker/bmcfanctl/internal/logger"
	"codeberg.org/mutker/bmcfanctl/internal/scheduler"
	"codeberg.org/mutker/bmcfanctl/internal/telemetry"
	"codeberg.org/mutker/bmcfanctl/internal/transport"
)

const (
	accelCacheKey   = "accel"
	sensorsCacheKey = "sensors"
	daemonCacheKey  = "daemon"

	accelTTL   = 5 * time.Second
	sensorsTTL = 30 * time.Second
	daemonTTL  = 10 * time.Second

	connectivityOutputLimit = 800
)

// ConnectivityResult is what testConnectivity returns to the dashboard.
type ConnectivityResult struct {
	Ok        bool
	Method    string
	RawOutput string
}

// DiscoveryResult reports the fan schema to the dashboard.
type DiscoveryResult struct {
	Ok          bool
	Fans        []string
	ActuatorIDs []int
	MappingUsed string
}

type Service struct {
	ring      *cmdlog.Ring
	sched     *scheduler.Scheduler
	disco     *discovery.Service
	refresher *telemetry.Refresher
	cache     *telemetry.Cache
	sensors   *telemetry.SensorSource
	accelSrc  *accel.Source
	repo      *history.Repository

	// mu guards the parts Reload swaps out mid-session.
	mu      sync.RWMutex
	cfg     *config.Config
	control *actuator.Control
	record  *actuator.SpeedRecord
}

// Option overrides parts of the component graph, mainly for tests and
// dry runs.
type Option func(*options)

type options struct {
	executor transport.Executor
	lock     scheduler.LockProvider
}

// WithExecutor replaces the SSH transport.
func WithExecutor(executor transport.Executor) Option {
	return func(o *options) {
		o.executor = executor
	}
}

// WithLockProvider replaces the cross-process file lock.
func WithLockProvider(lock scheduler.LockProvider) Option {
	return func(o *options) {
		o.lock = lock
	}
}

// New builds the full command core from configuration. The accelerator
// source and history repository are optional: their absence degrades the
// dashboard, never the controller.
func New(cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg.Host == "" {
		return nil, errors.New().WithData(errors.ErrMissingConfig, "controller host not configured")
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	ring := cmdlog.NewRing(cfg.RingCapacity)

	var repo *history.Repository
	if cfg.History {
		var err error
		repo, err = history.NewRepository(history.Config{DBPath: cfg.HistoryDB})
		if err != nil {
			logger.Warn().Err(err).Msg("command history disabled")
		} else {
			ring.AddSink(repo)
		}
	}

	executor := o.executor
	if executor == nil {
		executor = transport.NewSSHExecutor(transport.Options{
			Host:           cfg.Host,
			Port:           cfg.Port,
			User:           cfg.User,
			IdentityFile:   cfg.IdentityFile,
			LegacyCrypto:   cfg.LegacyCrypto,
			ForcePTY:       cfg.ForcePTY,
			ControlPersist: cfg.ControlPersist,
			ServerAlive:    cfg.ServerAlive,
		}, ring)
	}

	lock := o.lock
	if lock == nil {
		lock = scheduler.NewFlockProvider(cfg.LockFile)
	}

	sched := scheduler.New(executor, lock)

	commandTimeout := time.Duration(cfg.CommandTimeout) * time.Second

	disco := discovery.NewService(sched, discoveryConfig(cfg))

	record := actuator.NewSpeedRecord(cfg.SpeedFile, cfg.Fans)
	control := actuator.NewControl(sched, disco, record, actuatorConfig(cfg))

	refresher := telemetry.NewRefresher(sched, disco, telemetry.RefresherConfig{
		Staleness:      time.Duration(cfg.ActualsStaleSec) * time.Second,
		FanDelay:       time.Duration(cfg.FanReadDelayMS) * time.Millisecond,
		CommandTimeout: commandTimeout,
	})

	s := &Service{
		cfg:       cfg,
		ring:      ring,
		sched:     sched,
		disco:     disco,
		control:   control,
		record:    record,
		refresher: refresher,
		cache:     telemetry.NewCache(),
		sensors:   telemetry.NewSensorSource(sched, cfg.SensorsPath, commandTimeout),
		repo:      repo,
	}

	if src, err := accel.NewSource(); err == nil {
		s.accelSrc = src
	} else {
		logger.Info().Err(err).Msg("accelerator telemetry unavailable")
	}

	return s, nil
}

func discoveryConfig(cfg *config.Config) discovery.Config {
	return discovery.Config{
		CandidatePaths: cfg.CandidatePaths,
		CandidateProps: cfg.CandidateProps,
		StaticFans:     cfg.Fans,
		ActuatorIDs:    cfg.ActuatorIDs,
		ActuatorOffset: cfg.ActuatorOffset,
		Model:          cfg.Model,
		CommandTimeout: time.Duration(cfg.CommandTimeout) * time.Second,
		RetryAttempts:  cfg.RetryAttempts,
		RetryBackoff:   time.Duration(cfg.RetryBackoffMS) * time.Millisecond,
	}
}

func actuatorConfig(cfg *config.Config) actuator.Config {
	strategy := actuator.StrategyDirect
	if cfg.Mode == config.ModeProperty {
		strategy = actuator.StrategyProperty
	}

	return actuator.Config{
		Strategy:       strategy,
		Hysteresis:     cfg.Hysteresis,
		Pacing:         time.Duration(cfg.PacingMS) * time.Millisecond,
		CommandTimeout: time.Duration(cfg.CommandTimeout) * time.Second,
		RetryAttempts:  cfg.RetryAttempts,
		RetryBackoff:   time.Duration(cfg.RetryBackoffMS) * time.Millisecond,
		CandidatePaths: cfg.CandidatePaths,
		CandidateProps: cfg.CandidateProps,
	}
}

// Config returns the currently active configuration.
func (s *Service) Config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.cfg
}

// Run starts the background actuals refresher until ctx ends.
func (s *Service) Run(ctx context.Context) {
	s.refresher.Run(ctx, time.Duration(s.Config().Interval)*time.Second)
}

// SetSpeed drives the targeted fan (or "all") to percent.
func (s *Service) SetSpeed(ctx context.Context, percent int, target string) (actuator.Result, error) {
	s.mu.RLock()
	monitor := s.cfg.Monitor
	control := s.control
	s.mu.RUnlock()

	if monitor {
		return actuator.Result{}, errors.New().WithData(errors.ErrInvalidOperation, "monitor mode is read-only")
	}

	return control.SetSpeed(ctx, percent, target)
}

// Actuals returns the last observed per-fan speeds and their age in
// seconds, nudging the refresher when the snapshot has gone stale. Before
// the first refresh completes, the last-known-speed record stands in so
// the dashboard is never empty.
func (s *Service) Actuals(ctx context.Context) (map[string]int, float64) {
	s.refresher.MaybeRefresh(ctx)

	speeds, age := s.refresher.Snapshot()
	if len(speeds) > 0 {
		return speeds, age.Seconds()
	}

	s.mu.RLock()
	fans := s.cfg.Fans
	record := s.record
	s.mu.RUnlock()

	fallback := make(map[string]int, len(fans))
	for _, fan := range fans {
		if v, ok := record.Get(fan); ok {
			fallback[fan] = v
		}
	}

	return fallback, 0
}

// Diagnostics returns the in-memory command history, oldest first.
func (s *Service) Diagnostics() []cmdlog.Entry {
	return s.ring.Snapshot()
}

// DiagnosticsExport renders the command history for download.
func (s *Service) DiagnosticsExport() string {
	return s.ring.Export()
}

// TestConnectivity runs the configured harmless probe command and reports
// the raw result.
func (s *Service) TestConnectivity(ctx context.Context) ConnectivityResult {
	cfg := s.Config()
	timeout := time.Duration(cfg.CommandTimeout) * time.Second
	output, err := s.sched.Retry(ctx, cfg.PingCommand, timeout, scheduler.PriorityControl,
		cfg.RetryAttempts, time.Duration(cfg.RetryBackoffMS)*time.Millisecond)

	result := ConnectivityResult{
		Ok:        err == nil,
		Method:    "ssh",
		RawOutput: cmdlog.Truncate(strings.TrimSpace(output), connectivityOutputLimit),
	}
	if err != nil {
		result.RawOutput = cmdlog.Truncate(err.Error(), connectivityOutputLimit)
	}

	return result
}

// DiscoverFans reports the fan schema, probing on first call.
func (s *Service) DiscoverFans(ctx context.Context) DiscoveryResult {
	fans := s.disco.Fans(ctx)
	ids := s.disco.ActuatorIDs(ctx)

	return DiscoveryResult{
		Ok:          len(fans) > 0,
		Fans:        fans,
		ActuatorIDs: ids,
		MappingUsed: s.disco.MappingSource(),
	}
}

// AccelStatus serves the cached accelerator snapshot.
func (s *Service) AccelStatus() (accel.Snapshot, bool) {
	if s.accelSrc == nil {
		return accel.Snapshot{}, false
	}

	return telemetry.Get(s.cache, accelCacheKey, accelTTL, s.accelSrc.Load)
}

// Sensors serves the cached hardware sensor summary.
func (s *Service) Sensors(ctx context.Context) (telemetry.SensorSummary, bool) {
	return telemetry.Get(s.cache, sensorsCacheKey, sensorsTTL, func() (telemetry.SensorSummary, error) {
		return s.sensors.Load(ctx)
	})
}

// DaemonAlive serves the cached liveness of the sibling fan daemon.
func (s *Service) DaemonAlive() telemetry.DaemonStatus {
	status, _ := telemetry.Get(s.cache, daemonCacheKey, daemonTTL, func() (telemetry.DaemonStatus, error) {
		return telemetry.CheckDaemon(s.Config().DaemonPIDFile), nil
	})

	return status
}

// Reload applies a fresh configuration mid-session: discovery caches are
// reset (the only place that happens), and the actuation layer is rebuilt
// so mode, hysteresis, pacing, and the fan list take effect immediately.
// The transport endpoint and refresher cadence are fixed at startup and
// change only on restart.
func (s *Service) Reload(cfg *config.Config) {
	s.disco.Reset(discoveryConfig(cfg))

	s.mu.Lock()
	s.cfg = cfg
	s.record = actuator.NewSpeedRecord(cfg.SpeedFile, cfg.Fans)
	s.control = actuator.NewControl(s.sched, s.disco, s.record, actuatorConfig(cfg))
	s.mu.Unlock()

	logger.Info().Msg("configuration reloaded")
}

// Close shuts the scheduler and optional resources down.
func (s *Service) Close() {
	s.sched.Close()
	if s.repo != nil {
		if err := s.repo.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close command history")
		}
	}
	if s.accelSrc != nil {
		if err := s.accelSrc.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to shut accelerator telemetry down")
		}
	}
}
