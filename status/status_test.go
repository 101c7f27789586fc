package status

import (
	"testing"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Supermagnum/gr-sleipnir/bus"
)

func counterValue(t *testing.T, c *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.WithLabelValues(labels...).(prometheus.Metric).Write(m))
	return m.GetCounter().GetValue()
}

func TestObserveRecordsRoutineDelivery(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	sink := NewSink("rx", metrics, log.Level(0))

	ev := bus.StatusEvent{
		SuperframeCounter: 10,
		Position:          3,
		SyncState:         bus.SyncSynced,
		DecoderConverged:  true,
		SyndromeResidual:  0,
		SenderCallsign:    [5]byte{'N', '0', 'C', 'A', 'L'},
	}
	sink.Observe(ev)

	assert.Equal(t, float64(1), counterValue(t, metrics.syncStateTransitions, "rx", "N0CAL", "synced"))
	assert.Equal(t, float64(1), counterValue(t, metrics.decoderConverged, "rx", "N0CAL", "true"))
}

func TestObserveRecordsFrameDropByReason(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	sink := NewSink("rx", metrics, log.Level(0))

	ev := bus.StatusEvent{
		SenderCallsign: [5]byte{'N', '0', 'C', 'A', 'L'},
		SyncState:      bus.SyncLost,
		Kind:           "MacInvalid",
	}
	sink.Observe(ev)

	assert.Equal(t, float64(1), counterValue(t, metrics.frameDropsTotal, "rx", "N0CAL", "MacInvalid"))
}

func TestObserveRecordsSignatureAndMacValidity(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	sink := NewSink("rx", metrics, log.Level(0))

	sigValid := true
	macValid := false
	ev := bus.StatusEvent{
		SenderCallsign: [5]byte{'W', '1', 'A', 'W', ' '},
		SignatureValid: &sigValid,
		MacValid:       &macValid,
	}
	sink.Observe(ev)

	assert.Equal(t, float64(1), counterValue(t, metrics.signatureValid, "rx", "W1AW ", "true"))
	assert.Equal(t, float64(1), counterValue(t, metrics.macValid, "rx", "W1AW ", "false"))
}

func TestResidualStatsTracksRollingWindow(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	sink := NewSink("rx", metrics, log.Level(0))

	mean, stddev := sink.ResidualStats()
	assert.Zero(t, mean)
	assert.Zero(t, stddev)

	for _, residual := range []int{0, 2, 4} {
		sink.Observe(bus.StatusEvent{SyndromeResidual: residual, SenderCallsign: [5]byte{'N', '0', 'C', 'A', 'L'}})
	}
	mean, stddev = sink.ResidualStats()
	assert.InDelta(t, 2.0, mean, 1e-9)
	assert.Greater(t, stddev, 0.0)
}

func TestResidualWindowIsBounded(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	sink := NewSink("rx", metrics, log.Level(0))

	for i := 0; i < maxResidualWindow+10; i++ {
		sink.Observe(bus.StatusEvent{SyndromeResidual: 1, SenderCallsign: [5]byte{'N', '0', 'C', 'A', 'L'}})
	}
	assert.LessOrEqual(t, len(sink.residuals), maxResidualWindow)
}
