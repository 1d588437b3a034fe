package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/mutker/bmcfanctl/internal/codec"
	"codeberg.org/mutker/bmcfanctl/internal/config"
	"codeberg.org/mutker/bmcfanctl/internal/controller"
	"codeberg.org/mutker/bmcfanctl/internal/logger"
	"codeberg.org/mutker/bmcfanctl/internal/pid"
)

var (
	cfg *config.Config
	svc *controller.Service
)

func init() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Debug, cfg.Verbose, logger.IsService())
	logger.Debug().Msg("Config loaded")

	svc, err = controller.New(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize controller")
	}
}

func main() {
	defer svc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if runOneShot(ctx) {
		return
	}

	if err := pid.Write(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start")
	}
	defer func() {
		if err := pid.Remove(); err != nil {
			logger.Error().Err(err).Msg("failed to remove PID file")
		}
	}()

	go handleSignals(cancel)

	config.Watch(func(fresh *config.Config) {
		svc.Reload(fresh)
	}, func(err error) {
		logger.Error().Err(err).Msg("ignoring invalid configuration change")
	})

	if cfg.Monitor {
		logger.Info().Msg("Monitor mode activated. Logging fan status...")
	}

	loop(ctx)
	logger.Info().Msg("Exiting...")
}

// runOneShot performs a single requested operation. Returns true when one
// ran and the process should exit.
func runOneShot(ctx context.Context) bool {
	switch {
	case cfg.Test:
		result := svc.TestConnectivity(ctx)
		if !result.Ok {
			logger.Fatal().
				Str("method", result.Method).
				Str("output", result.RawOutput).
				Msg("controller unreachable")
		}
		logger.Info().Str("method", result.Method).Msg("controller reachable")
		fmt.Println(result.RawOutput)

		return true

	case cfg.Discover:
		result := svc.DiscoverFans(ctx)
		if !result.Ok {
			logger.Fatal().Msg("fan discovery failed")
		}
		logger.Info().
			Strs("fans", result.Fans).
			Ints("actuator_ids", result.ActuatorIDs).
			Str("mapping", result.MappingUsed).
			Msg("fan schema discovered")

		return true

	case cfg.Set >= 0:
		result, err := svc.SetSpeed(ctx, cfg.Set, cfg.Fan)
		if err != nil {
			logger.Fatal().
				Err(err).
				Str("diagnostic", result.Diagnostic).
				Msg("failed to set fan speed")
		}
		logger.Info().
			Int("percent", cfg.Set).
			Int("raw", codec.PercentToRaw(cfg.Set)).
			Str("target", cfg.Fan).
			Str("strategy", string(result.Strategy)).
			Msg("fan speed set")

		return true
	}

	return false
}

func loop(ctx context.Context) {
	go svc.Run(ctx)

	ticker := time.NewTicker(time.Duration(cfg.Interval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logStatus(ctx)
			// Re-read the interval so a reloaded config takes effect on
			// the next tick.
			ticker.Reset(time.Duration(svc.Config().Interval) * time.Second)
		}
	}
}

func logStatus(ctx context.Context) {
	current := svc.Config()
	if !current.Debug && !current.Verbose && !current.Monitor {
		return
	}

	speeds, age := svc.Actuals(ctx)
	event := logger.Info()
	if current.Debug {
		event = logger.Debug()
	}

	for fan, pct := range speeds {
		value := pct
		if current.DisplayRaw {
			value = codec.PercentToRaw(pct)
		}
		event.Int(fan, value)
	}
	event.Float64("age_seconds", age)

	if status := svc.DaemonAlive(); status.Running {
		event.Int("daemon_pid", status.PID)
	}
	if accel, ok := svc.AccelStatus(); ok {
		event.Int("accel_temperature", accel.Temperature).
			Int("accel_fan_percent", accel.FanPercent)
	}

	event.Msg("")
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}
