package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "modsec_extractor"

// ExtractMetrics holds all Prometheus metrics for the extraction pipeline.
// Every helper method is safe to call on a nil receiver so components can run
// without metrics in tests and one-shot runs.
type ExtractMetrics struct {
	LinesTotal           prometheus.Counter
	BytesTotal           prometheus.Counter
	DecodeReplacements   prometheus.Counter
	RecordsTotal         *prometheus.CounterVec
	RowsTotal            prometheus.Counter
	RotationsTotal       prometheus.Counter
	DiscardedPartials    prometheus.Counter
	SourceOffset         prometheus.Gauge
	SourceState          prometheus.Gauge
	WALActive            prometheus.Gauge
	ConsumerBatchesTotal *prometheus.CounterVec
}

// NewExtractMetrics initializes the metrics and registers them with reg.
func NewExtractMetrics(reg prometheus.Registerer) *ExtractMetrics {
	f := promauto.With(reg)
	return &ExtractMetrics{
		LinesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "lines_total",
			Help:      "Total number of lines read from the audit log.",
		}),
		BytesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "bytes_total",
			Help:      "Total number of bytes read from the audit log.",
		}),
		DecodeReplacements: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "decode_replacements_total",
			Help:      "Lines that contained undecodable bytes replaced by U+FFFD.",
		}),
		RecordsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "records_total",
			Help:      "Logical records by outcome.",
		}, []string{"outcome"}), // outcome: matched, filtered, invalid, incomplete
		RowsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "rows_total",
			Help:      "Rows handed to the sink.",
		}),
		RotationsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "rotations_total",
			Help:      "Times the audit log was reopened after rotation or truncation.",
		}),
		DiscardedPartials: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "discarded_partial_records_total",
			Help:      "Partial records dropped because the source rotated underneath them.",
		}),
		SourceOffset: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "offset_bytes",
			Help:      "Line-aligned byte offset consumed in the current file.",
		}),
		SourceState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "state",
			Help:      "Source state (0 opening, 1 reading, 2 waiting, 3 reopening, 4 closed).",
		}),
		WALActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "wal_active_gauge",
			Help:      "Indicates if the Write-Ahead Log is currently active (1 for active, 0 for inactive).",
		}),
		ConsumerBatchesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "batches_total",
			Help:      "Row batches drained from the buffer by status.",
		}, []string{"status"}), // status: stored, dead_lettered, read_error, ack_error, dlq_error
	}
}

func (m *ExtractMetrics) LineRead(bytes int) {
	if m == nil {
		return
	}
	m.LinesTotal.Inc()
	m.BytesTotal.Add(float64(bytes))
}

func (m *ExtractMetrics) DecodeReplaced() {
	if m == nil {
		return
	}
	m.DecodeReplacements.Inc()
}

func (m *ExtractMetrics) Record(outcome string) {
	if m == nil {
		return
	}
	m.RecordsTotal.WithLabelValues(outcome).Inc()
}

func (m *ExtractMetrics) RowEmitted() {
	if m == nil {
		return
	}
	m.RowsTotal.Inc()
}

func (m *ExtractMetrics) Rotated() {
	if m == nil {
		return
	}
	m.RotationsTotal.Inc()
}

func (m *ExtractMetrics) PartialDiscarded() {
	if m == nil {
		return
	}
	m.DiscardedPartials.Inc()
}

func (m *ExtractMetrics) Offset(off int64) {
	if m == nil {
		return
	}
	m.SourceOffset.Set(float64(off))
}

func (m *ExtractMetrics) State(s int) {
	if m == nil {
		return
	}
	m.SourceState.Set(float64(s))
}

func (m *ExtractMetrics) WAL(active bool) {
	if m == nil {
		return
	}
	if active {
		m.WALActive.Set(1)
	} else {
		m.WALActive.Set(0)
	}
}

func (m *ExtractMetrics) Batch(status string) {
	if m == nil {
		return
	}
	m.ConsumerBatchesTotal.WithLabelValues(status).Inc()
}
