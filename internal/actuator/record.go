package actuator

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"codeberg.org/mutker/bmcfanctl/internal/errors"
)

const recordFilePerm = 0o644

// SpeedRecord is the last-known-speed file shared with the dashboard: one
// percent value per configured fan, newline-delimited, in fan order. The
// dashboard reads it directly, so the on-disk shape is part of the
// external contract.
type SpeedRecord struct {
	path string
	fans []string

	mu     sync.Mutex
	values map[string]int
}

// NewSpeedRecord binds the record to its file and seeds values from any
// existing content. Unparseable or missing lines read as zero, matching
// how the dashboard treats them.
func NewSpeedRecord(path string, fans []string) *SpeedRecord {
	r := &SpeedRecord{
		path:   path,
		fans:   append([]string(nil), fans...),
		values: make(map[string]int, len(fans)),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return r
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	for i, fan := range r.fans {
		if i >= len(lines) {
			break
		}
		if v, err := strconv.Atoi(strings.TrimSpace(lines[i])); err == nil {
			r.values[fan] = v
		}
	}

	return r
}

// SetTargets records percent for the given fans and rewrites the file.
func (r *SpeedRecord) SetTargets(fans []string, percent int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, fan := range fans {
		r.values[fan] = percent
	}

	return r.write()
}

// Values returns the recorded percents in configured fan order.
func (r *SpeedRecord) Values() []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]int, len(r.fans))
	for i, fan := range r.fans {
		out[i] = r.values[fan]
	}

	return out
}

// Get returns the recorded percent for one fan.
func (r *SpeedRecord) Get(fan string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.values[fan]

	return v, ok
}

func (r *SpeedRecord) write() error {
	errFactory := errors.New()

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return errFactory.Wrap(errors.ErrOperationFailed, err)
	}

	var b strings.Builder
	for _, fan := range r.fans {
		fmt.Fprintf(&b, "%d\n", r.values[fan])
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), recordFilePerm); err != nil {
		return errFactory.Wrap(errors.ErrOperationFailed, err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return errFactory.Wrap(errors.ErrOperationFailed, err)
	}

	return nil
}
