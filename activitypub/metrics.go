package activitypub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus collectors of the federation engine.
type Metrics struct {
	InboxActivities  *prometheus.CounterVec
	InboxQueued      prometheus.Gauge
	ActorFetches     *prometheus.CounterVec
	Deliveries       *prometheus.CounterVec
	DeliveryDuration prometheus.Histogram
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		InboxActivities: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fedi",
			Subsystem: "inbox",
			Name:      "activities_total",
			Help:      "Inbound activities by type and outcome.",
		}, []string{"type", "outcome"}),
		InboxQueued: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "fedi",
			Subsystem: "inbox",
			Name:      "queued",
			Help:      "Inbound activities waiting behind an earlier activity from the same actor.",
		}),
		ActorFetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fedi",
			Subsystem: "resolver",
			Name:      "fetches_total",
			Help:      "Remote actor fetches by result.",
		}, []string{"result"}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fedi",
			Subsystem: "outbox",
			Name:      "deliveries_total",
			Help:      "Delivery attempts by outcome.",
		}, []string{"outcome"}),
		DeliveryDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fedi",
			Subsystem: "outbox",
			Name:      "delivery_duration_seconds",
			Help:      "Duration of delivery attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}
}
