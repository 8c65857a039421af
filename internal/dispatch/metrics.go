package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	intentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clubledger_intents_total",
		Help: "Notification intents accepted for dispatch, labeled by kind",
	}, []string{"kind"})

	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clubledger_delivery_attempts_total",
		Help: "Delivery attempt outcomes, labeled by channel and state",
	}, []string{"channel", "state"})

	sendDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clubledger_send_duration_seconds",
		Help:    "Latency distribution of channel send calls",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"channel"})

	dispatchDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clubledger_dispatch_dropped_total",
		Help: "Deliveries dropped because a channel queue was full",
	}, []string{"channel"})
)
