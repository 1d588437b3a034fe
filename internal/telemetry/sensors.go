package telemetry

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/bmcfanctl/internal/scheduler"
)

// SensorSummary is the hardware sensor snapshot served to the dashboard.
// Readings are best-effort parsed; Raw carries the full controller output
// for display.
type SensorSummary struct {
	Raw      string
	Readings map[string]int
}

var sensorReading = regexp.MustCompile(`(?m)^\s*(CurrentReading|Reading(?:Celsius)?)\s*=\s*(-?\d+)\s*$`)
var sensorName = regexp.MustCompile(`(?m)^\s*(?:ElementName|DeviceID)\s*=\s*(\S+)\s*$`)

// SensorSource loads the controller's sensor section through the
// scheduler at read priority.
type SensorSource struct {
	commander Reader
	path      string
	timeout   time.Duration
}

func NewSensorSource(commander Reader, path string, timeout time.Duration) *SensorSource {
	if path == "" {
		path = "/system1/sensors1"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &SensorSource{
		commander: commander,
		path:      path,
		timeout:   timeout,
	}
}

// Load fetches and parses the sensor summary. Sensor sections vary a lot
// by firmware; names and readings are paired positionally, and anything
// unpaired is still visible through Raw.
func (s *SensorSource) Load(ctx context.Context) (SensorSummary, error) {
	output, err := s.commander.Submit(ctx, "show -a "+s.path, s.timeout, scheduler.PriorityRead)
	if err != nil {
		return SensorSummary{}, err
	}

	summary := SensorSummary{
		Raw:      strings.TrimSpace(output),
		Readings: map[string]int{},
	}

	names := sensorName.FindAllStringSubmatch(output, -1)
	readings := sensorReading.FindAllStringSubmatch(output, -1)
	for i, reading := range readings {
		value, err := strconv.Atoi(reading[2])
		if err != nil {
			continue
		}
		name := "sensor" + strconv.Itoa(i+1)
		if i < len(names) {
			name = names[i][1]
		}
		summary.Readings[name] = value
	}

	return summary, nil
}
