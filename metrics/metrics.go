// Package metrics exposes Prometheus collectors for the ledger, the
// suppression list, tracking beacons and newsletter dispatch.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LedgerWritesTotal counts ledger writes by bucket and result
	// (created, refreshed, error).
	LedgerWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_writes_total",
			Help: "Total number of ledger writes",
		},
		[]string{"bucket", "result"},
	)

	TrackingEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracking_events_total",
			Help: "Total number of tracking beacon hits",
		},
		[]string{"kind", "result"},
	)

	UnsubscribesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unsubscribes_total",
			Help: "Total number of unsubscribe requests",
		},
		[]string{"result"},
	)

	NewsletterDispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsletter_dispatch_total",
			Help: "Newsletter recipients processed by outcome",
		},
		[]string{"outcome"},
	)

	BouncesProcessedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bounces_processed_total",
			Help: "Delivery status notifications written to the failed bucket",
		},
	)

	LiveFeedSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "live_feed_subscribers",
			Help: "Connected staff websocket subscribers",
		},
	)
)
