package commission

import "github.com/prometheus/client_golang/prometheus"

var (
	ticketsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atelier",
		Subsystem: "commission",
		Name:      "tickets_created_total",
		Help:      "Tickets and uploads created, by kind.",
	}, []string{"kind"})

	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atelier",
		Subsystem: "commission",
		Name:      "transitions_total",
		Help:      "State transitions by entity kind and resulting status.",
	}, []string{"kind", "status"})

	autoResolvedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atelier",
		Subsystem: "commission",
		Name:      "auto_resolved_total",
		Help:      "Transitions applied by timeout, by entity kind.",
	}, []string{"kind"})

	resolutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atelier",
		Subsystem: "commission",
		Name:      "resolutions_total",
		Help:      "Closed resolution tickets by status and outcome.",
	}, []string{"status", "outcome"})

	settlementsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atelier",
		Subsystem: "commission",
		Name:      "settlements_total",
		Help:      "Settlement executions by result.",
	}, []string{"result"}) // result: "applied", "failed"

	settlementCents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atelier",
		Subsystem: "commission",
		Name:      "settlement_cents_total",
		Help:      "Cents moved by applied settlements, by movement kind.",
	}, []string{"kind"})

	sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "atelier",
		Subsystem: "commission",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of one expiry sweep.",
		Buckets:   prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(
		ticketsCreated,
		transitionsTotal,
		autoResolvedTotal,
		resolutionsTotal,
		settlementsTotal,
		settlementCents,
		sweepDuration,
	)
}
