package contacts

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "callmanager"

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	// MutationsTotal counts accepted writes by kind (edit, outcome, create,
	// import, automation, delete).
	MutationsTotal *prometheus.CounterVec

	// RejectionsTotal counts refused writes by reason.
	RejectionsTotal *prometheus.CounterVec

	ImportBatchesTotal prometheus.Counter
	ImportRowsTotal    *prometheus.CounterVec

	// EventsPublishedTotal and EventsDroppedTotal track broadcast fan-out.
	EventsPublishedTotal *prometheus.CounterVec
	EventsDroppedTotal   prometheus.Counter
	Subscribers          prometheus.Gauge

	LeasesSweptTotal prometheus.Counter
	ActiveLeases     prometheus.Gauge

	SnapshotsTotal *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg. A nil reg uses a private
// registry so tests can build engines repeatedly.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		MutationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "contacts",
				Name:      "mutations_total",
				Help:      "Accepted contact writes by kind",
			},
			[]string{"kind"},
		),
		RejectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "contacts",
				Name:      "rejections_total",
				Help:      "Refused contact writes by reason",
			},
			[]string{"reason"},
		),
		ImportBatchesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "import",
				Name:      "batches_total",
				Help:      "Import batches accepted past the rate limiter",
			},
		),
		ImportRowsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "import",
				Name:      "rows_total",
				Help:      "Import rows by outcome",
			},
			[]string{"outcome"},
		),
		EventsPublishedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "broadcast",
				Name:      "events_total",
				Help:      "Events published by type",
			},
			[]string{"type"},
		),
		EventsDroppedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "broadcast",
				Name:      "dropped_total",
				Help:      "Per-subscriber deliveries dropped because the buffer was full",
			},
		),
		Subscribers: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "broadcast",
				Name:      "subscribers",
				Help:      "Currently attached subscribers",
			},
		),
		LeasesSweptTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "locks",
				Name:      "swept_total",
				Help:      "Expired leases cleared by the sweeper",
			},
		),
		ActiveLeases: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "locks",
				Name:      "active",
				Help:      "Live leases after the last sweep",
			},
		),
		SnapshotsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "snapshot",
				Name:      "runs_total",
				Help:      "Snapshot attempts by sink and result",
			},
			[]string{"sink", "result"},
		),
	}
}

func (m *Metrics) mutation(kind string) {
	if m == nil {
		return
	}
	m.MutationsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) rejection(reason string) {
	if m == nil {
		return
	}
	m.RejectionsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) importBatch(result ImportResult) {
	if m == nil {
		return
	}
	m.ImportBatchesTotal.Inc()
	m.ImportRowsTotal.WithLabelValues("inserted").Add(float64(result.Inserted))
	m.ImportRowsTotal.WithLabelValues("updated").Add(float64(result.Updated))
	m.ImportRowsTotal.WithLabelValues("rejected").Add(float64(len(result.Errors)))
}

func (m *Metrics) published(eventType string) {
	if m == nil {
		return
	}
	m.EventsPublishedTotal.WithLabelValues(eventType).Inc()
}

func (m *Metrics) dropped() {
	if m == nil {
		return
	}
	m.EventsDroppedTotal.Inc()
}

func (m *Metrics) subscribers(n int) {
	if m == nil {
		return
	}
	m.Subscribers.Set(float64(n))
}

func (m *Metrics) swept(cleared, active int) {
	if m == nil {
		return
	}
	m.LeasesSweptTotal.Add(float64(cleared))
	m.ActiveLeases.Set(float64(active))
}

func (m *Metrics) Snapshot(sink string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.SnapshotsTotal.WithLabelValues(sink, result).Inc()
}
