// Package discovery probes the controller at runtime to learn its fan
// schema: which fans exist, which object path and property expose speed,
// and how fan names map to the numeric actuator ids used by the direct
// command form. Nothing about this is stable across firmware revisions,
// so all three are inferred, memoized for the process lifetime, and only
// reset on an explicit configuration reload.
package discovery

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"codeberg.org/mutker/bmcfanctl/internal/errors"
	"codeberg.org/mutker/bmcfanctl/internal/logger"
	"codeberg.org/mutker/bmcfanctl/internal/scheduler"
)

// Commander is the slice of the scheduler that discovery needs. Probes go
// through Retry so a single dropped session does not abort a whole pass.
type Commander interface {
	Retry(ctx context.Context, command string, timeout time.Duration, priority scheduler.Priority, attempts int, backoff time.Duration) (string, error)
}

// Address is the controller-specific pair needed to set speed through the
// property-addressing command form.
type Address struct {
	Property string
	Path     string
}

type Config struct {
	ListCommand    string
	CandidatePaths []string
	CandidateProps []string
	StaticFans     []string
	ActuatorIDs    []int
	ActuatorOffset int
	Model          string
	CommandTimeout time.Duration
	RetryAttempts  int
	RetryBackoff   time.Duration
}

// knownModels maps hardware variants with quirky actuator numbering to
// fixed id tables, replacing the numeric derivation entirely.
var knownModels = map[string][]int{
	"ml350-g8": {0, 1, 2, 3, 4, 5},
	"dl380-g7": {1, 2, 3, 4, 5, 6},
}

var (
	fanToken  = regexp.MustCompile(`(?i)\bfan(\d+)\b`)
	propLine  = regexp.MustCompile(`(?m)^\s*([A-Za-z_][A-Za-z0-9_]*)\s*=\s*(\d+)\s*$`)
	speedLike = []string{"speed", "pwm", "duty"}
)

type Service struct {
	commander Commander
	cfg       Config

	// Each memoized result carries an in-flight channel so concurrent
	// first callers coalesce onto one probe sequence instead of doubling
	// the controller traffic.
	mu           sync.Mutex
	fans         []string
	fansOnce     bool
	fansInflight chan struct{}
	addr         *Address
	addrInflight chan struct{}
	ids          []int
	idsOnce      bool
	idsInflight  chan struct{}
	mappedFrom   string
}

func NewService(commander Commander, cfg Config) *Service {
	if cfg.ListCommand == "" {
		cfg.ListCommand = "show -l1 /system1/fans1"
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 10 * time.Second
	}
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}

	return &Service{
		commander: commander,
		cfg:       cfg,
	}
}

// Reset drops all memoized results. Called on configuration reload; never
// mid-session.
func (s *Service) Reset(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg.ListCommand != "" {
		s.cfg = cfg
	}
	s.fans = nil
	s.fansOnce = false
	s.addr = nil
	s.ids = nil
	s.idsOnce = false
	s.mappedFrom = ""

	logger.Info().Msg("discovery cache reset")
}

// Fans returns the discovered fan names, sorted by their embedded number.
// Discovery failure is non-fatal: the statically configured list keeps the
// system controllable in degraded mode.
func (s *Service) Fans(ctx context.Context) []string {
	for {
		s.mu.Lock()
		if s.fansOnce {
			fans := s.fans
			s.mu.Unlock()
			return fans
		}
		if s.fansInflight != nil {
			wait := s.fansInflight
			s.mu.Unlock()
			<-wait
			continue
		}
		inflight := make(chan struct{})
		s.fansInflight = inflight
		s.mu.Unlock()

		fans := s.enumerate(ctx)

		s.mu.Lock()
		s.fans = fans
		s.fansOnce = true
		if s.fansInflight == inflight {
			s.fansInflight = nil
		}
		s.mu.Unlock()
		close(inflight)

		return fans
	}
}

func (s *Service) enumerate(ctx context.Context) []string {
	if output, err := s.probe(ctx, s.cfg.ListCommand); err == nil {
		if fans := extractFans(output); len(fans) > 0 {
			logger.Info().Strs("fans", fans).Msg("fans discovered via listing command")
			return fans
		}
	}

	for _, path := range s.cfg.CandidatePaths {
		output, err := s.probe(ctx, "show "+path)
		if err != nil {
			continue
		}
		if fans := extractFans(output); len(fans) > 0 {
			logger.Info().Strs("fans", fans).Str("path", path).Msg("fans discovered via path probe")
			return fans
		}
	}

	logger.Warn().Strs("fans", s.cfg.StaticFans).Msg("fan discovery exhausted; using configured list")

	return append([]string(nil), s.cfg.StaticFans...)
}

// Detect returns the property/path pair for percent-based speed setting,
// probing on first use. Only success is memoized: after a failed pass the
// next caller probes again.
func (s *Service) Detect(ctx context.Context) (Address, error) {
	for {
		s.mu.Lock()
		if s.addr != nil {
			addr := *s.addr
			s.mu.Unlock()
			return addr, nil
		}
		if s.addrInflight != nil {
			wait := s.addrInflight
			s.mu.Unlock()
			<-wait
			continue
		}
		inflight := make(chan struct{})
		s.addrInflight = inflight
		s.mu.Unlock()

		addr, err := s.detectSample(ctx)

		s.mu.Lock()
		if err == nil && s.addr == nil {
			s.addr = &addr
		}
		if s.addrInflight == inflight {
			s.addrInflight = nil
		}
		s.mu.Unlock()
		close(inflight)

		if err != nil {
			return Address{}, err
		}

		return addr, nil
	}
}

func (s *Service) detectSample(ctx context.Context) (Address, error) {
	fans := s.Fans(ctx)
	if len(fans) == 0 {
		return Address{}, errors.New().WithData(ErrExhausted, "no fans to sample")
	}

	return s.detect(ctx, fans[0])
}

// Confirm overwrites the cached address. The actuator calls this when a
// fallback combination succeeded where the cached one failed, so later
// writes reuse the working pair. Subsequent failures elsewhere do not
// invalidate it.
func (s *Service) Confirm(addr Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addr = &addr

	logger.Info().
		Str("property", addr.Property).
		Str("path", addr.Path).
		Msg("speed address updated")
}

func (s *Service) detect(ctx context.Context, sample string) (Address, error) {
	// Pass one: structured attribute dump, looking for a speed-like
	// key with a plausible percent value.
	for _, path := range s.cfg.CandidatePaths {
		output, err := s.probe(ctx, fmt.Sprintf("show -a %s/%s", path, sample))
		if err != nil {
			continue
		}
		if prop, ok := findSpeedProperty(output); ok {
			logger.Info().Str("property", prop).Str("path", path).Msg("speed property detected from attributes")
			return Address{Property: prop, Path: path}, nil
		}
	}

	// Pass two: walk the candidate property list with targeted reads.
	// Some firmware omits settable properties from the attribute dump but
	// answers a direct property query. Confirm each hit with an identical
	// write: writing back the value just read is harmless and proves the
	// property accepts sets.
	for _, prop := range s.cfg.CandidateProps {
		for _, path := range s.cfg.CandidatePaths {
			output, err := s.probe(ctx, fmt.Sprintf("show %s/%s %s", path, sample, prop))
			if err != nil {
				continue
			}
			value, ok := PropertyValue(output, prop)
			if !ok {
				continue
			}
			if _, err := s.probe(ctx, fmt.Sprintf("set %s/%s %s=%d", path, sample, prop, value)); err != nil {
				continue
			}

			logger.Info().Str("property", prop).Str("path", path).Msg("speed property confirmed by round trip")

			return Address{Property: prop, Path: path}, nil
		}
	}

	return Address{}, errors.New().WithData(ErrExhausted, "no candidate property accepted a write")
}

// ActuatorIDs maps discovered fans to the numeric ids used by the direct
// command form, in discovery order.
func (s *Service) ActuatorIDs(ctx context.Context) []int {
	for {
		s.mu.Lock()
		if s.idsOnce {
			ids := s.ids
			s.mu.Unlock()
			return ids
		}
		if s.idsInflight != nil {
			wait := s.idsInflight
			s.mu.Unlock()
			<-wait
			continue
		}
		inflight := make(chan struct{})
		s.idsInflight = inflight
		s.mu.Unlock()

		fans := s.Fans(ctx)
		ids := s.mapActuators(fans)

		s.mu.Lock()
		s.ids = ids
		s.idsOnce = true
		if s.idsInflight == inflight {
			s.idsInflight = nil
		}
		s.mu.Unlock()
		close(inflight)

		return ids
	}
}

// MappingSource names how actuator ids were derived: "override",
// "model-table", or "derived". Empty until ActuatorIDs has run.
func (s *Service) MappingSource() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mappedFrom
}

func (s *Service) setMappingSource(source string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappedFrom = source
}

func (s *Service) mapActuators(fans []string) []int {
	if len(s.cfg.ActuatorIDs) > 0 {
		s.setMappingSource("override")
		ids := append([]int(nil), s.cfg.ActuatorIDs...)
		if len(ids) > len(fans) {
			ids = ids[:len(fans)]
		}

		return ids
	}

	if table, ok := knownModels[strings.ToLower(s.cfg.Model)]; ok && len(table) >= len(fans) {
		s.setMappingSource("model-table")
		logger.Info().Str("model", s.cfg.Model).Msg("using fixed actuator table for known model")
		return append([]int(nil), table[:len(fans)]...)
	}

	s.setMappingSource("derived")
	ids := make([]int, 0, len(fans))
	for _, fan := range fans {
		n := embeddedNumber(fan)
		id := n + s.cfg.ActuatorOffset
		if id < 0 {
			id = 0
		}
		ids = append(ids, id)
	}

	return ids
}

func (s *Service) probe(ctx context.Context, command string) (string, error) {
	return s.commander.Retry(ctx, command, s.cfg.CommandTimeout, scheduler.PriorityProbe,
		s.cfg.RetryAttempts, s.cfg.RetryBackoff)
}

func extractFans(output string) []string {
	seen := map[int]bool{}
	var numbers []int
	for _, match := range fanToken.FindAllStringSubmatch(output, -1) {
		n, err := strconv.Atoi(match[1])
		if err != nil || seen[n] {
			continue
		}
		seen[n] = true
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)

	fans := make([]string, 0, len(numbers))
	for _, n := range numbers {
		fans = append(fans, fmt.Sprintf("fan%d", n))
	}

	return fans
}

func findSpeedProperty(output string) (string, bool) {
	for _, match := range propLine.FindAllStringSubmatch(output, -1) {
		key := match[1]
		value, err := strconv.Atoi(match[2])
		if err != nil || value < 0 || value > 100 {
			continue
		}
		lower := strings.ToLower(key)
		for _, hint := range speedLike {
			if strings.Contains(lower, hint) {
				return key, true
			}
		}
	}

	return "", false
}

// PropertyValue extracts a named key=value percent from controller output.
// Shared with the actuals refresher, which reads the same property form.
func PropertyValue(output, prop string) (int, bool) {
	for _, match := range propLine.FindAllStringSubmatch(output, -1) {
		if !strings.EqualFold(match[1], prop) {
			continue
		}
		value, err := strconv.Atoi(match[2])
		if err != nil || value < 0 || value > 100 {
			continue
		}

		return value, true
	}

	return 0, false
}

func embeddedNumber(fan string) int {
	match := fanToken.FindStringSubmatch(fan)
	if match == nil {
		return 0
	}
	n, err := strconv.Atoi(match[1])
	if err != nil {
		return 0
	}

	return n
}
