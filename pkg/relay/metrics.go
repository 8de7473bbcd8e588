package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nostrelay_connections_active",
		Help: "Currently open client connections.",
	})
	subscriptionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nostrelay_subscriptions_active",
		Help: "Currently registered subscriptions.",
	})
	messagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nostrelay_messages_received_total",
		Help: "Inbound protocol frames.",
	})
	eventsFannedOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nostrelay_events_fanned_out_total",
		Help: "Live event deliveries to matching subscriptions.",
	})
	eventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nostrelay_events_rejected_total",
		Help: "Events rejected during admission, by reason.",
	}, []string{"reason"})
)
