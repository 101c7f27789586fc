// Package status turns bus.StatusEvent values into two observable forms:
// a structured log line (charmbracelet/log, matching the register the rest
// of the module logs at) and a set of Prometheus metrics mirroring the
// status queue, grounded on the teacher's NewPrometheusMetrics
// (prometheus.go) construction pattern.
package status

import (
	"os"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gonum.org/v1/gonum/stat"

	"github.com/Supermagnum/gr-sleipnir/bus"
)

// Metrics holds every Prometheus collector the status sink updates, all
// labeled by direction and callsign as SPEC_FULL.md §4.10 specifies.
type Metrics struct {
	frameDropsTotal      *prometheus.CounterVec
	syncStateTransitions *prometheus.CounterVec
	decoderConverged     *prometheus.CounterVec
	syndromeResidual     *prometheus.GaugeVec
	signatureValid       *prometheus.CounterVec
	macValid             *prometheus.CounterVec
}

// NewMetrics registers the status collectors against reg. Pass
// prometheus.NewRegistry() in tests to avoid polluting the default
// registry; production callers typically pass prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		frameDropsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sleipnir_frame_drops_total",
				Help: "Frames dropped at frame granularity, by reason.",
			},
			[]string{"direction", "callsign", "reason"},
		),
		syncStateTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sleipnir_sync_state_transitions_total",
				Help: "Sync acquisition state machine transitions.",
			},
			[]string{"direction", "callsign", "state"},
		),
		decoderConverged: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sleipnir_ldpc_decode_total",
				Help: "LDPC hard-decision decode attempts, by convergence outcome.",
			},
			[]string{"direction", "callsign", "converged"},
		),
		syndromeResidual: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sleipnir_ldpc_syndrome_residual",
				Help: "Most recent residual failing parity checks after decode.",
			},
			[]string{"direction", "callsign"},
		),
		signatureValid: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sleipnir_signature_valid_total",
				Help: "Auth-frame signature verification outcomes.",
			},
			[]string{"direction", "callsign", "valid"},
		),
		macValid: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sleipnir_mac_valid_total",
				Help: "Per-frame MAC verification outcomes.",
			},
			[]string{"direction", "callsign", "valid"},
		),
	}
}

// Sink logs and records metrics for every StatusEvent it is handed. It
// also keeps a bounded rolling window of syndrome-residual samples to
// report mean and standard deviation, the one place this module uses gonum/stat rather
// than hand-rolled accumulation.
type Sink struct {
	Direction string // "tx" or "rx"
	Metrics   *Metrics
	logger    *log.Logger

	residuals []float64
}

// NewSink constructs a status sink that writes structured log lines to
// os.Stderr, prefixed with direction.
func NewSink(direction string, metrics *Metrics, level log.Level) *Sink {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "sleipnir " + direction,
		Level:           level,
	})
	return &Sink{Direction: direction, Metrics: metrics, logger: logger}
}

// maxResidualWindow bounds the rolling-stats sample slice so long-running
// sessions don't grow it without limit.
const maxResidualWindow = 1024

// Observe records ev, logging it and updating every matching metric.
func (s *Sink) Observe(ev bus.StatusEvent) {
	callsign := string(ev.SenderCallsign[:])

	switch {
	case ev.Kind != "":
		s.Metrics.frameDropsTotal.WithLabelValues(s.Direction, callsign, ev.Kind).Inc()
		s.logger.Warn("frame event", "kind", ev.Kind, "superframe", ev.SuperframeCounter, "position", ev.Position)
	default:
		s.logger.Debug("frame delivered", "superframe", ev.SuperframeCounter, "position", ev.Position)
	}

	s.Metrics.syncStateTransitions.WithLabelValues(s.Direction, callsign, ev.SyncState.String()).Inc()

	convergedLabel := "false"
	if ev.DecoderConverged {
		convergedLabel = "true"
	}
	s.Metrics.decoderConverged.WithLabelValues(s.Direction, callsign, convergedLabel).Inc()
	s.Metrics.syndromeResidual.WithLabelValues(s.Direction, callsign).Set(float64(ev.SyndromeResidual))

	s.residuals = append(s.residuals, float64(ev.SyndromeResidual))
	if len(s.residuals) > maxResidualWindow {
		s.residuals = s.residuals[len(s.residuals)-maxResidualWindow:]
	}

	if ev.SignatureValid != nil {
		label := "false"
		if *ev.SignatureValid {
			label = "true"
		}
		s.Metrics.signatureValid.WithLabelValues(s.Direction, callsign, label).Inc()
	}
	if ev.MacValid != nil {
		label := "false"
		if *ev.MacValid {
			label = "true"
		}
		s.Metrics.macValid.WithLabelValues(s.Direction, callsign, label).Inc()
	}
}

// ResidualStats reports the rolling mean and standard deviation of
// syndrome-residual samples observed so far, or (0, 0) if none have been
// recorded yet.
func (s *Sink) ResidualStats() (mean, stddev float64) {
	if len(s.residuals) == 0 {
		return 0, 0
	}
	mean = stat.Mean(s.residuals, nil)
	stddev = stat.StdDev(s.residuals, nil)
	return mean, stddev
}
