// Package cmdlog keeps a bounded in-memory history of controller commands
// for diagnostics. Every transport invocation lands here, success or not.
package cmdlog

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultCapacity bounds the ring; oldest entries are evicted first.
	DefaultCapacity = 200

	// maxOutputLen truncates stored command output so a chatty firmware
	// response cannot bloat the ring.
	maxOutputLen = 512
)

// Entry is one recorded command invocation.
type Entry struct {
	Command   string
	ExitCode  int
	Duration  time.Duration
	Output    string
	Timestamp time.Time
}

// Sink receives a copy of every appended entry. Used to tee entries into
// persistent storage.
type Sink interface {
	Record(entry Entry) error
}

// Ring is a fixed-capacity command history buffer.
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
	sinks   []Sink
}

// NewRing creates a ring with the given capacity. Non-positive capacities
// fall back to DefaultCapacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	return &Ring{
		entries: make([]Entry, capacity),
	}
}

// AddSink registers a sink that observes every subsequent append. Sink
// errors are ignored here; persistence is best-effort.
func (r *Ring) AddSink(sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, sink)
}

// Append records an invocation, truncating its output, and fans it out to
// any registered sinks.
func (r *Ring) Append(command string, exitCode int, duration time.Duration, output string) {
	entry := Entry{
		Command:   command,
		ExitCode:  exitCode,
		Duration:  duration,
		Output:    Truncate(output, maxOutputLen),
		Timestamp: time.Now(),
	}

	r.mu.Lock()
	r.entries[r.next] = entry
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
	sinks := r.sinks
	r.mu.Unlock()

	for _, sink := range sinks {
		_ = sink.Record(entry)
	}
}

// Snapshot returns a copy of the stored entries, oldest first.
func (r *Ring) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]Entry, r.next)
		copy(out, r.entries[:r.next])

		return out
	}

	out := make([]Entry, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	out = append(out, r.entries[:r.next]...)

	return out
}

// Len reports how many entries are currently held.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.full {
		return len(r.entries)
	}

	return r.next
}

// Export renders the history as newline-delimited text for the dashboard's
// diagnostic download.
func (r *Ring) Export() string {
	entries := r.Snapshot()
	var b strings.Builder
	for i := range entries {
		e := &entries[i]
		fmt.Fprintf(&b, "%s rc=%d dur=%dms cmd=%q out=%q\n",
			e.Timestamp.Format(time.RFC3339), e.ExitCode, e.Duration.Milliseconds(), e.Command, e.Output)
	}

	return b.String()
}

// Truncate shortens s to at most n bytes, marking the cut.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[:n] + "...(truncated)"
}
