package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSensorSourceParsesReadings(t *testing.T) {
	reader := newFakeReader()
	reader.responses["show -a /system1/sensors1"] = `
/system1/sensors1/sensor1
  Properties:
    DeviceID=01-Inlet
    CurrentReading=24
/system1/sensors1/sensor2
  Properties:
    DeviceID=02-CPU
    CurrentReading=58
`
	source := NewSensorSource(reader, "/system1/sensors1", time.Second)

	summary, err := source.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 24, summary.Readings["01-Inlet"])
	assert.Equal(t, 58, summary.Readings["02-CPU"])
	assert.Contains(t, summary.Raw, "CurrentReading=58")
}

func TestSensorSourcePropagatesTransportError(t *testing.T) {
	reader := newFakeReader()
	source := NewSensorSource(reader, "/system1/sensors1", time.Second)

	_, err := source.Load(context.Background())
	require.Error(t, err)
}

func TestSensorSourceUnnamedReadings(t *testing.T) {
	reader := newFakeReader()
	reader.responses["show -a /system1/sensors1"] = "CurrentReading=31\n"
	source := NewSensorSource(reader, "/system1/sensors1", time.Second)

	summary, err := source.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 31, summary.Readings["sensor1"])
}
