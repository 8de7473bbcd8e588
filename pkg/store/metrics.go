package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nostrelay_store_events_stored_total",
		Help: "Events persisted to the store.",
	})
	eventsReplaced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nostrelay_store_events_replaced_total",
		Help: "Replaceable events superseded by a newer version.",
	})
	eventsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nostrelay_store_events_deleted_total",
		Help: "Events soft-deleted via deletion events.",
	})
	eventsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nostrelay_store_events_pruned_total",
		Help: "Events removed by retention enforcement.",
	})
)
