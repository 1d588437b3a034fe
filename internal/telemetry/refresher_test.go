package telemetry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/bmcfanctl/internal/discovery"
	"codeberg.org/mutker/bmcfanctl/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	mu         sync.Mutex
	responses  map[string]string
	commands   []string
	priorities []scheduler.Priority
}

func newFakeReader() *fakeReader {
	return &fakeReader{responses: map[string]string{}}
}

func (f *fakeReader) Submit(_ context.Context, command string, _ time.Duration, priority scheduler.Priority) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, command)
	f.priorities = append(f.priorities, priority)

	if response, ok := f.responses[command]; ok {
		return response, nil
	}

	return "", fmt.Errorf("unscripted: %s", command)
}

type fakeSource struct {
	fans []string
	addr discovery.Address
	err  error
}

func (s *fakeSource) Fans(context.Context) []string { return s.fans }
func (s *fakeSource) Detect(context.Context) (discovery.Address, error) {
	return s.addr, s.err
}

func newTestRefresher(reader *fakeReader, source *fakeSource) *Refresher {
	r := NewRefresher(reader, source, RefresherConfig{
		Staleness:      50 * time.Millisecond,
		FanDelay:       time.Millisecond,
		CommandTimeout: time.Second,
	})
	r.sleep = func(time.Duration) {}

	return r
}

func waitForRefresh(t *testing.T, r *Refresher) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, age := r.Snapshot()
		if speeds, _ := r.Snapshot(); len(speeds) > 0 || age > 0 {
			return
		}
		require.True(t, time.Now().Before(deadline), "refresh never completed")
		time.Sleep(time.Millisecond)
	}
}

func TestRefreshReadsEveryFanAtLowPriority(t *testing.T) {
	reader := newFakeReader()
	reader.responses["show /system1/fan1 speed"] = "speed=40\n"
	reader.responses["show /system1/fan2 speed"] = "speed=55\n"
	source := &fakeSource{
		fans: []string{"fan1", "fan2"},
		addr: discovery.Address{Property: "speed", Path: "/system1"},
	}
	r := newTestRefresher(reader, source)

	r.MaybeRefresh(context.Background())
	waitForRefresh(t, r)

	speeds, age := r.Snapshot()
	assert.Equal(t, map[string]int{"fan1": 40, "fan2": 55}, speeds)
	assert.GreaterOrEqual(t, age, time.Duration(0))

	reader.mu.Lock()
	defer reader.mu.Unlock()
	require.Len(t, reader.commands, 2)
	for _, p := range reader.priorities {
		assert.Equal(t, scheduler.PriorityRead, p, "actuals reads must never outrank user commands")
	}
}

func TestRefreshCarriesForwardOnReadFailure(t *testing.T) {
	reader := newFakeReader()
	reader.responses["show /system1/fan1 speed"] = "speed=40\n"
	reader.responses["show /system1/fan2 speed"] = "speed=55\n"
	source := &fakeSource{
		fans: []string{"fan1", "fan2"},
		addr: discovery.Address{Property: "speed", Path: "/system1"},
	}
	r := newTestRefresher(reader, source)

	r.MaybeRefresh(context.Background())
	waitForRefresh(t, r)

	// Second cycle: fan2 stops answering, its previous reading survives.
	delete(reader.responses, "show /system1/fan2 speed")
	reader.responses["show /system1/fan1 speed"] = "speed=42\n"
	r.mu.Lock()
	r.snapshot.Taken = time.Now().Add(-time.Minute)
	r.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for {
		r.MaybeRefresh(context.Background())
		speeds, _ := r.Snapshot()
		if speeds["fan1"] == 42 {
			assert.Equal(t, 55, speeds["fan2"], "failed read must keep the previous observation")
			return
		}
		require.True(t, time.Now().Before(deadline), "second refresh never landed")
		time.Sleep(time.Millisecond)
	}
}

func TestMaybeRefreshThrottledWhileFresh(t *testing.T) {
	reader := newFakeReader()
	reader.responses["show /system1/fan1 speed"] = "speed=40\n"
	source := &fakeSource{
		fans: []string{"fan1"},
		addr: discovery.Address{Property: "speed", Path: "/system1"},
	}
	r := newTestRefresher(reader, source)

	r.MaybeRefresh(context.Background())
	waitForRefresh(t, r)

	// Snapshot is fresh; further triggers must not issue commands.
	r.MaybeRefresh(context.Background())
	r.MaybeRefresh(context.Background())
	time.Sleep(10 * time.Millisecond)

	reader.mu.Lock()
	defer reader.mu.Unlock()
	assert.Len(t, reader.commands, 1)
}

func TestRefreshCyclesDoNotOverlap(t *testing.T) {
	reader := newFakeReader()
	source := &fakeSource{
		fans: []string{"fan1"},
		addr: discovery.Address{Property: "speed", Path: "/system1"},
	}

	block := make(chan struct{})
	slowReader := &blockingReader{inner: reader, gate: block}
	r := NewRefresher(slowReader, source, RefresherConfig{
		Staleness:      time.Millisecond,
		CommandTimeout: time.Second,
	})
	r.sleep = func(time.Duration) {}

	r.MaybeRefresh(context.Background())
	r.MaybeRefresh(context.Background())
	r.MaybeRefresh(context.Background())
	close(block)

	deadline := time.Now().Add(2 * time.Second)
	for r.refreshing.Load() {
		require.True(t, time.Now().Before(deadline))
		time.Sleep(time.Millisecond)
	}

	reader.mu.Lock()
	defer reader.mu.Unlock()
	assert.Len(t, reader.commands, 1, "overlapping triggers must coalesce into one cycle")
}

type blockingReader struct {
	inner *fakeReader
	gate  chan struct{}
}

func (b *blockingReader) Submit(ctx context.Context, command string, timeout time.Duration, priority scheduler.Priority) (string, error) {
	<-b.gate
	return b.inner.Submit(ctx, command, timeout, priority)
}

func TestDetectFailureFallsBackToDefaultAddress(t *testing.T) {
	reader := newFakeReader()
	reader.responses["show /system1 fan1 speed"] = "never asked"
	reader.responses["show /system1/fan1 speed"] = "speed=33\n"
	source := &fakeSource{
		fans: []string{"fan1"},
		err:  fmt.Errorf("discovery exhausted"),
	}
	r := newTestRefresher(reader, source)

	r.MaybeRefresh(context.Background())
	waitForRefresh(t, r)

	speeds, _ := r.Snapshot()
	assert.Equal(t, 33, speeds["fan1"])
}
