package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/bmcfanctl/internal/discovery"
	"codeberg.org/mutker/bmcfanctl/internal/logger"
	"codeberg.org/mutker/bmcfanctl/internal/scheduler"
)

// Reader is the slice of the scheduler the refresher needs. Reads go out
// at the lowest priority so they never delay a user-triggered set.
type Reader interface {
	Submit(ctx context.Context, command string, timeout time.Duration, priority scheduler.Priority) (string, error)
}

// FanSource supplies the discovered fan schema.
type FanSource interface {
	Fans(ctx context.Context) []string
	Detect(ctx context.Context) (discovery.Address, error)
}

// Snapshot is the last observed per-fan speed map. Replaced whole on each
// completed refresh cycle; readers never see a partially updated map.
type Snapshot struct {
	Speeds map[string]int
	Taken  time.Time
}

type RefresherConfig struct {
	Staleness      time.Duration
	FanDelay       time.Duration
	CommandTimeout time.Duration
	// DefaultAddress is read from when discovery has no detected address.
	DefaultAddress discovery.Address
}

// Refresher re-reads the controller's reported fan speeds in the
// background. Cycles are throttled by the staleness threshold and an
// in-flight flag prevents overlap.
type Refresher struct {
	commander Reader
	source    FanSource
	cfg       RefresherConfig

	mu       sync.Mutex
	snapshot Snapshot

	refreshing atomic.Bool
	sleep      func(time.Duration)
}

func NewRefresher(commander Reader, source FanSource, cfg RefresherConfig) *Refresher {
	if cfg.Staleness <= 0 {
		cfg.Staleness = 30 * time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 10 * time.Second
	}
	if cfg.DefaultAddress == (discovery.Address{}) {
		cfg.DefaultAddress = discovery.Address{Property: "speed", Path: "/system1"}
	}

	return &Refresher{
		commander: commander,
		source:    source,
		cfg:       cfg,
		sleep:     time.Sleep,
	}
}

// Snapshot returns a copy of the current speed map and its age.
func (r *Refresher) Snapshot() (map[string]int, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]int, len(r.snapshot.Speeds))
	for fan, pct := range r.snapshot.Speeds {
		out[fan] = pct
	}

	var age time.Duration
	if !r.snapshot.Taken.IsZero() {
		age = time.Since(r.snapshot.Taken)
	}

	return out, age
}

// MaybeRefresh starts a refresh cycle in the background when the snapshot
// is stale and no cycle is already running.
func (r *Refresher) MaybeRefresh(ctx context.Context) {
	r.mu.Lock()
	fresh := !r.snapshot.Taken.IsZero() && time.Since(r.snapshot.Taken) < r.cfg.Staleness
	r.mu.Unlock()
	if fresh {
		return
	}

	if !r.refreshing.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer r.refreshing.Store(false)
		r.refresh(ctx)
	}()
}

// Run drives MaybeRefresh on a ticker until the context ends.
func (r *Refresher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.MaybeRefresh(ctx)
		}
	}
}

// refresh reads each fan's reported speed with a deliberate gap between
// fans so a full cycle does not monopolize the scheduler. Per-fan read
// failures carry the previous observation forward; the snapshot is
// swapped whole at the end of the cycle.
func (r *Refresher) refresh(ctx context.Context) {
	fans := r.source.Fans(ctx)
	if len(fans) == 0 {
		return
	}

	addr, err := r.source.Detect(ctx)
	if err != nil {
		addr = r.cfg.DefaultAddress
	}

	previous, _ := r.Snapshot()
	speeds := make(map[string]int, len(fans))

	for i, fan := range fans {
		command := "show " + addr.Path + "/" + fan + " " + addr.Property
		output, err := r.commander.Submit(ctx, command, r.cfg.CommandTimeout, scheduler.PriorityRead)
		if err == nil {
			if pct, ok := discovery.PropertyValue(output, addr.Property); ok {
				speeds[fan] = pct
			} else if prev, ok := previous[fan]; ok {
				speeds[fan] = prev
			}
		} else if prev, ok := previous[fan]; ok {
			speeds[fan] = prev
		}

		if i < len(fans)-1 {
			r.sleep(r.cfg.FanDelay)
		}
	}

	r.mu.Lock()
	r.snapshot = Snapshot{Speeds: speeds, Taken: time.Now()}
	r.mu.Unlock()

	logger.Debug().Int("fans", len(speeds)).Msg("actuals snapshot refreshed")
}
