package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clubledger_ledger_events_total",
		Help: "Ledger events appended, labeled by kind",
	}, []string{"kind"})

	duplicatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clubledger_ledger_duplicate_events_total",
		Help: "Appends rejected because the idempotency key was already used",
	})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clubledger_ledger_transitions_total",
		Help: "Status-category transitions, labeled by resulting status",
	}, []string{"to"})
)
