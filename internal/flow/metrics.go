package flow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	gatewayCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flow_gateway_calls_total",
		Help: "Gateway invocations made by payment flows, by operation and outcome.",
	}, []string{"operation", "outcome"})

	gatewayCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flow_gateway_call_duration_seconds",
		Help:    "Latency of gateway invocations made by payment flows.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
)

// GetGatewayCallsTotal exposes the gateway call counter for tests and dashboards.
func GetGatewayCallsTotal() *prometheus.CounterVec {
	return gatewayCallsTotal
}

// GetGatewayCallDuration exposes the gateway latency histogram.
func GetGatewayCallDuration() *prometheus.HistogramVec {
	return gatewayCallDuration
}
