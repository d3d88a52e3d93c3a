// Package metrics holds the prometheus collectors of the fulfillment core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Reservations    *prometheus.CounterVec
	ReserveDuration prometheus.Histogram
	PaymentEvents   *prometheus.CounterVec
	SweepReleases   *prometheus.CounterVec
	TrackingUpdates *prometheus.CounterVec
	Transitions     *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reservations_total",
			Help: "Reservation engine operations by operation and outcome.",
		}, []string{"op", "outcome"}),
		ReserveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reserve_duration_seconds",
			Help:    "Latency of reserve including retries.",
			Buckets: prometheus.DefBuckets,
		}),
		PaymentEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_events_total",
			Help: "Payment outcome notifications by outcome and result.",
		}, []string{"outcome", "result"}),
		SweepReleases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sweeper_reservations_total",
			Help: "Expired reservations handled by the sweeper.",
		}, []string{"result"}),
		TrackingUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracking_updates_total",
			Help: "Carrier tracking observations by result.",
		}, []string{"result"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "order_transitions_total",
			Help: "Committed order status transitions.",
		}, []string{"from", "to"}),
	}
	if reg != nil {
		reg.MustRegister(m.Reservations, m.ReserveDuration, m.PaymentEvents, m.SweepReleases, m.TrackingUpdates, m.Transitions)
	}
	return m
}

func (m *Metrics) Reservation(op, outcome string) {
	if m == nil {
		return
	}
	m.Reservations.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) ObserveReserve(d time.Duration) {
	if m == nil {
		return
	}
	m.ReserveDuration.Observe(d.Seconds())
}

func (m *Metrics) PaymentEvent(outcome, result string) {
	if m == nil {
		return
	}
	m.PaymentEvents.WithLabelValues(outcome, result).Inc()
}

func (m *Metrics) Sweep(result string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.SweepReleases.WithLabelValues(result).Add(float64(n))
}

func (m *Metrics) Tracking(result string) {
	if m == nil {
		return
	}
	m.TrackingUpdates.WithLabelValues(result).Inc()
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}
