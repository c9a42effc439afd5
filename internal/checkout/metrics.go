package checkout

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "checkout_sessions_active",
		Help: "Checkout sessions currently held in memory.",
	})

	sessionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_sessions_created_total",
		Help: "Checkout sessions created since start.",
	})
)

// GetSessionsActive exposes the active-sessions gauge.
func GetSessionsActive() prometheus.Gauge { return sessionsActive }

// GetSessionsCreatedTotal exposes the created-sessions counter.
func GetSessionsCreatedTotal() prometheus.Counter { return sessionsCreatedTotal }
