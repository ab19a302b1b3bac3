package knowledge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	upsertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "factlog",
			Subsystem: "knowledge",
			Name:      "upserts_total",
			Help:      "Upserts by outcome (accepted, rejected, invalid, persist_failed)",
		},
		[]string{"outcome"},
	)

	loadFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "factlog",
			Subsystem: "knowledge",
			Name:      "load_failures_total",
			Help:      "Snapshot loads that fell back to an empty store, by cause (io, parse)",
		},
		[]string{"cause"},
	)

	factsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "factlog",
			Subsystem: "knowledge",
			Name:      "facts",
			Help:      "Number of facts in the last loaded or saved snapshot",
		},
	)
)
