package escrow

import "github.com/prometheus/client_golang/prometheus"

var (
	movementsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atelier",
		Subsystem: "escrow",
		Name:      "movements_total",
		Help:      "Escrow movements by kind and result.",
	}, []string{"kind", "result"}) // result: "applied", "duplicate", "failed"

	movementCents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atelier",
		Subsystem: "escrow",
		Name:      "movement_cents_total",
		Help:      "Total cents moved by kind.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(movementsTotal, movementCents)
}
