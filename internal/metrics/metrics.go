// Package metrics exposes the exchange's prometheus collectors.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector bundles every metric the exchange emits. Construct one per
// registry; Default() serves the process-wide instance.
type Collector struct {
	OrdersPlaced     *prometheus.CounterVec
	OrdersRejected   *prometheus.CounterVec
	OrdersCancelled  *prometheus.CounterVec
	TradesExecuted   *prometheus.CounterVec
	VolumeRUB        *prometheus.CounterVec
	RestingOrders    *prometheus.GaugeVec
	PlacementSeconds prometheus.Histogram
}

// New builds a Collector and registers it on reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		OrdersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "exchange",
			Name:      "orders_placed_total",
			Help:      "Orders accepted by the matching engine.",
		}, []string{"ticker", "side", "type"}),
		OrdersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "exchange",
			Name:      "orders_rejected_total",
			Help:      "Orders rejected before or during matching, by reason.",
		}, []string{"reason"}),
		OrdersCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "exchange",
			Name:      "orders_cancelled_total",
			Help:      "Orders cancelled by their owner.",
		}, []string{"ticker"}),
		TradesExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "exchange",
			Name:      "trades_executed_total",
			Help:      "Deals written to the trade log.",
		}, []string{"ticker"}),
		VolumeRUB: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "exchange",
			Name:      "traded_volume_rub_total",
			Help:      "Cash value of executed deals.",
		}, []string{"ticker"}),
		RestingOrders: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "exchange",
			Name:      "resting_orders",
			Help:      "Limit orders currently resting on the book.",
		}, []string{"ticker", "side"}),
		PlacementSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "exchange",
			Name:      "order_placement_seconds",
			Help:      "Wall time of order placement including matching.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.OrdersPlaced,
		c.OrdersRejected,
		c.OrdersCancelled,
		c.TradesExecuted,
		c.VolumeRUB,
		c.RestingOrders,
		c.PlacementSeconds,
	)
	return c
}

var (
	defaultOnce      sync.Once
	defaultCollector *Collector
)

// Default returns the Collector registered on the default prometheus
// registry.
func Default() *Collector {
	defaultOnce.Do(func() {
		defaultCollector = New(prometheus.DefaultRegisterer)
	})
	return defaultCollector
}
