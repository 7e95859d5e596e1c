package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	forwardedRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "norm_forward_records_total",
		Help: "Total number of response records forwarded to Longbow",
	}, []string{"status"})

	breakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "norm_forward_circuit_state",
		Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
	})
)
