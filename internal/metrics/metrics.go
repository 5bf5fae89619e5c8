// Package metrics exposes the bridge's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	NotificationsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "twitch_bridge",
			Name:      "notifications_received_total",
			Help:      "Upstream notifications accepted, by upstream transport",
		},
		[]string{"transport"}, // "websocket", "webhook"
	)

	EventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "twitch_bridge",
			Name:      "events_delivered_total",
			Help:      "Envelopes delivered to consumers, by downstream transport",
		},
		[]string{"transport"},
	)

	SubscriptionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "twitch_bridge",
			Name:      "subscription_errors_total",
			Help:      "Subscription failures surfaced to consumers, by error code",
		},
		[]string{"code"},
	)

	ChatAssetCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "twitch_bridge",
			Name:      "chat_asset_cache_hits_total",
			Help:      "Chat asset cache hits, by asset kind",
		},
		[]string{"kind"},
	)

	ChatAssetCacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "twitch_bridge",
			Name:      "chat_asset_cache_misses_total",
			Help:      "Chat asset cache misses, by asset kind",
		},
		[]string{"kind"},
	)

	DownstreamWSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "twitch_bridge",
			Name:      "downstream_ws_connections",
			Help:      "Currently open downstream websocket connections",
		},
	)

	UpstreamSessionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "twitch_bridge",
			Name:      "upstream_ws_active",
			Help:      "1 when the upstream EventSub websocket session is active",
		},
	)
)
