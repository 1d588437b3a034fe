// Package actuator issues speed-set commands to the controller, using the
// direct actuator-id command form or SMASH-CLP property addressing, with
// fallback across candidate addresses when the primary fails.
package actuator

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"codeberg.org/mutker/bmcfanctl/internal/codec"
	"codeberg.org/mutker/bmcfanctl/internal/discovery"
	"codeberg.org/mutker/bmcfanctl/internal/errors"
	"codeberg.org/mutker/bmcfanctl/internal/logger"
	"codeberg.org/mutker/bmcfanctl/internal/scheduler"
)

// Strategy selects the command form used for speed sets.
type Strategy string

const (
	StrategyDirect   Strategy = "direct"
	StrategyProperty Strategy = "property"
)

// TargetAll addresses every discovered fan.
const TargetAll = "all"

// Commander is the slice of the scheduler the actuator needs.
type Commander interface {
	Retry(ctx context.Context, command string, timeout time.Duration, priority scheduler.Priority, attempts int, backoff time.Duration) (string, error)
}

// Discoverer supplies the runtime-learned schema.
type Discoverer interface {
	Fans(ctx context.Context) []string
	ActuatorIDs(ctx context.Context) []int
	Detect(ctx context.Context) (discovery.Address, error)
	Confirm(addr discovery.Address)
}

type Config struct {
	Strategy       Strategy
	Hysteresis     int
	Pacing         time.Duration
	CommandTimeout time.Duration
	RetryAttempts  int
	RetryBackoff   time.Duration
	CandidatePaths []string
	CandidateProps []string
}

// Result reports what a set operation did, for the dashboard's error
// surface: which strategy ran and which address or actuator it used.
type Result struct {
	Ok          bool
	Strategy    Strategy
	AddressUsed string
	Diagnostic  string
}

type Control struct {
	commander Commander
	disco     Discoverer
	record    *SpeedRecord
	cfg       Config

	// sleep is swapped out in tests so pacing gaps do not slow them.
	sleep func(time.Duration)
}

func NewControl(commander Commander, disco Discoverer, record *SpeedRecord, cfg Config) *Control {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 10 * time.Second
	}
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}

	return &Control{
		commander: commander,
		disco:     disco,
		record:    record,
		cfg:       cfg,
		sleep:     time.Sleep,
	}
}

// SetSpeed drives the targeted fan (or all fans) to the given percent.
// The returned Result is populated even on error so callers can display
// which strategy and address were attempted.
func (c *Control) SetSpeed(ctx context.Context, percent int, target string) (Result, error) {
	if percent < 0 || percent > 100 {
		return Result{}, errors.New().WithData(errors.ErrInvalidArgument, "percent out of range")
	}

	fans, err := c.targets(ctx, target)
	if err != nil {
		return Result{}, err
	}

	var result Result
	switch c.cfg.Strategy {
	case StrategyProperty:
		result, err = c.setByProperty(ctx, percent, fans)
	default:
		result, err = c.setDirect(ctx, percent, fans)
	}

	if result.Ok && c.record != nil {
		// Best effort: the dashboard reads this file before the actuals
		// refresher observes the true device state.
		if recErr := c.record.SetTargets(fans, percent); recErr != nil {
			logger.Warn().Err(recErr).Msg("failed to persist last-known speeds")
		}
	}

	return result, err
}

func (c *Control) targets(ctx context.Context, target string) ([]string, error) {
	fans := c.disco.Fans(ctx)
	if len(fans) == 0 {
		return nil, errors.New().WithData(errors.ErrResourceNotFound, "no fans discovered or configured")
	}

	if target == "" || target == TargetAll {
		return fans, nil
	}

	for _, fan := range fans {
		if strings.EqualFold(fan, target) {
			return []string{fan}, nil
		}
	}

	return nil, errors.New().WithData(errors.ErrResourceNotFound, "unknown fan "+target)
}

// setDirect issues the low-level actuator-id command pair per fan: a max
// setpoint, a pacing gap, then the min setpoint that closes the hysteresis
// band. Sending both without a gap is unreliable on some firmware. Both
// commands are always attempted; the operation counts as successful when
// every max landed, since max is what bounds the speed the controller
// holds.
func (c *Control) setDirect(ctx context.Context, percent int, fans []string) (Result, error) {
	allFans := c.disco.Fans(ctx)
	ids := c.disco.ActuatorIDs(ctx)
	if len(ids) < len(allFans) {
		return Result{Strategy: StrategyDirect}, errors.New().WithData(ErrSetFailed, "actuator mapping shorter than fan list")
	}

	raw := codec.PercentToRaw(percent)
	floor := codec.MinFloor(raw, c.cfg.Hysteresis)

	result := Result{Ok: true, Strategy: StrategyDirect}
	var lastErr error

	for _, fan := range fans {
		id, ok := actuatorFor(fan, allFans, ids)
		if !ok {
			continue
		}
		result.AddressUsed = fmt.Sprintf("actuator %d", id)

		if _, err := c.submit(ctx, fmt.Sprintf("fan p %d max %d", id, raw)); err != nil {
			result.Ok = false
			result.Diagnostic = err.Error()
			lastErr = err
		}
		c.sleep(c.cfg.Pacing)

		if _, err := c.submit(ctx, fmt.Sprintf("fan p %d min %d", id, floor)); err != nil {
			// Tolerated: the max setpoint already landed, the band is just
			// wider than intended until the next set.
			result.Diagnostic = err.Error()
			logger.Warn().Str("fan", fan).Err(err).Msg("min setpoint failed after successful max")
		}
		c.sleep(c.cfg.Pacing)
	}

	if !result.Ok {
		return result, errors.New().Wrap(ErrSetFailed, lastErr)
	}

	return result, nil
}

// setByProperty writes percent through the discovered property/path pair,
// walking the remaining candidate combinations when the cached one fails.
// The first combination that works becomes the new cached address; a later
// failure elsewhere does not invalidate it.
func (c *Control) setByProperty(ctx context.Context, percent int, fans []string) (Result, error) {
	candidates := c.candidates(ctx)
	result := Result{Strategy: StrategyProperty}
	var lastErr error

	for _, addr := range candidates {
		err := c.applyProperty(ctx, addr, percent, fans)
		if err == nil {
			result.Ok = true
			result.AddressUsed = addr.Property + "@" + addr.Path
			c.disco.Confirm(addr)

			return result, nil
		}
		lastErr = err
		result.AddressUsed = addr.Property + "@" + addr.Path
		result.Diagnostic = err.Error()

		logger.Debug().
			Str("property", addr.Property).
			Str("path", addr.Path).
			Err(err).
			Msg("property combination rejected; trying next")
	}

	return result, errors.New().Wrap(ErrSetFailed, lastErr)
}

// candidates orders the address space: the cached/detected pair first,
// then every other property x path combination.
func (c *Control) candidates(ctx context.Context) []discovery.Address {
	var out []discovery.Address
	seen := map[discovery.Address]bool{}

	if addr, err := c.disco.Detect(ctx); err == nil {
		out = append(out, addr)
		seen[addr] = true
	}

	for _, prop := range c.cfg.CandidateProps {
		for _, path := range c.cfg.CandidatePaths {
			addr := discovery.Address{Property: prop, Path: path}
			if seen[addr] {
				continue
			}
			seen[addr] = true
			out = append(out, addr)
		}
	}

	return out
}

func (c *Control) applyProperty(ctx context.Context, addr discovery.Address, percent int, fans []string) error {
	for i, fan := range fans {
		command := fmt.Sprintf("set %s/%s %s=%d", addr.Path, fan, addr.Property, percent)
		output, err := c.submit(ctx, command)
		if err != nil {
			return err
		}
		if commandRejected(output) {
			return errors.New().WithData(ErrSetFailed, strings.TrimSpace(output))
		}
		if i < len(fans)-1 {
			c.sleep(c.cfg.Pacing)
		}
	}

	return nil
}

func (c *Control) submit(ctx context.Context, command string) (string, error) {
	return c.commander.Retry(ctx, command, c.cfg.CommandTimeout, scheduler.PriorityControl,
		c.cfg.RetryAttempts, c.cfg.RetryBackoff)
}

func actuatorFor(fan string, fans []string, ids []int) (int, bool) {
	for i, name := range fans {
		if name == fan {
			return ids[i], true
		}
	}

	return 0, false
}

// rejectScanLimit bounds the keyword fallback: set replies are short, so
// a long output is a dump where loose keywords prove nothing.
const rejectScanLimit = 256

var (
	clpStatus = regexp.MustCompile(`(?im)^\s*status\s*=\s*(\d+)\s*$`)

	// Word-bounded so "0 errors" and key names like invalid_threshold do
	// not count as rejections.
	rejectKeyword = regexp.MustCompile(`(?i)\b(?:error|invalid)\b`)
)

// commandRejected catches firmware that reports failure with a zero exit.
// The CLP status block is authoritative when present; the keyword scan is
// a fallback for firmware that prints none.
func commandRejected(output string) bool {
	if m := clpStatus.FindStringSubmatch(output); m != nil {
		return m[1] != "0"
	}

	lower := strings.ToLower(output)
	if strings.Contains(lower, "status_tag=command error") ||
		strings.Contains(lower, "command processing failed") {
		return true
	}

	return len(output) <= rejectScanLimit && rejectKeyword.MatchString(output)
}
