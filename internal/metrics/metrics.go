// Package metrics exposes Prometheus collectors for ledger operations.
//
// The counters answer the operational questions that matter for a token
// economy: how many grants and charges are flowing, how often reservations
// are declined for insufficient balance, and how long store transactions
// take. Serve them via promhttp next to the health endpoints.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the ledger's Prometheus metrics. Safe for concurrent use.
type Collector struct {
	grantsTotal     *prometheus.CounterVec
	chargesTotal    prometheus.Counter
	chargesDeclined prometheus.Counter
	opDuration      *prometheus.HistogramVec
}

// NewCollector creates the ledger collectors and registers them on reg.
// A nil reg leaves them unregistered, which tests use to avoid duplicate
// registration panics.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		grantsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_grants_total",
			Help: "Credit entries applied, by entry type (grant, refund).",
		}, []string{"type"}),
		chargesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_charges_total",
			Help: "Charge entries applied for generation jobs.",
		}),
		chargesDeclined: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_charges_declined_total",
			Help: "Reservations declined for insufficient tokens.",
		}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_operation_duration_seconds",
			Help:    "Duration of ledger store transactions by operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}
	if reg != nil {
		reg.MustRegister(c.grantsTotal, c.chargesTotal, c.chargesDeclined, c.opDuration)
	}
	return c
}

func (c *Collector) ObserveGrant(entryType string) {
	c.grantsTotal.WithLabelValues(entryType).Inc()
}

func (c *Collector) ObserveCharge() {
	c.chargesTotal.Inc()
}

func (c *Collector) ObserveChargeDeclined() {
	c.chargesDeclined.Inc()
}

func (c *Collector) ObserveDuration(operation string, d time.Duration) {
	c.opDuration.WithLabelValues(operation).Observe(d.Seconds())
}
