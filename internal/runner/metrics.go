package runner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "norm_runner_requests_total",
		Help: "Total number of operator requests executed by the runner",
	}, []string{"op", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "norm_runner_request_duration_seconds",
		Help:    "Time spent executing one operator request",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	elementsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "norm_runner_elements_total",
		Help: "Total number of input elements processed",
	}, []string{"op"})

	throughput = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "norm_runner_throughput",
		Help: "Elements per second of the last completed request",
	}, []string{"op"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "norm_runner_queue_depth",
		Help: "Requests of the current run not yet handed to a worker",
	})
)
