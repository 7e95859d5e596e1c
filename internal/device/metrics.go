package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "norm_engine_pool_hits_total",
		Help: "Total number of successful buffer pool retrievals",
	})

	poolMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "norm_engine_pool_misses_total",
		Help: "Total number of buffer pool misses (allocations)",
	})

	poolSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "norm_engine_pool_size_bytes",
		Help: "Approximate total size of buffers returned to the pool in bytes",
	})

	poolBuffers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "norm_engine_pool_buffers_count",
		Help: "Approximate number of buffers returned to the pool",
	})

	primitiveExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "norm_engine_primitive_executions_total",
		Help: "Total number of primitive executions submitted to streams",
	}, []string{"primitive", "prop_kind"})
)
