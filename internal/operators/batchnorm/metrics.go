package batchnorm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	kernelInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "norm_kernel_invocations_total",
		Help: "Total number of batch_norm kernel invocations",
	}, []string{"op", "mode"})

	kernelErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "norm_kernel_errors_total",
		Help: "Total number of batch_norm kernel invocations that failed",
	}, []string{"op"})

	kernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "norm_kernel_duration_seconds",
		Help:    "Time spent computing batch_norm kernels",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10), // 10us to ~2.6s
	}, []string{"op"})

	kernelElements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "norm_kernel_elements_total",
		Help: "Total number of input elements normalized",
	}, []string{"op"})
)
