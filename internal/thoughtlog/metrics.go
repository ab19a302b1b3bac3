package thoughtlog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var appendsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "factlog",
		Subsystem: "thoughtlog",
		Name:      "appends_total",
		Help:      "Thought log appends by kind and outcome (ok, failed, invalid)",
	},
	[]string{"kind", "outcome"},
)
