// Package sweeper releases HELD reservations whose hold ran out.
package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/ariefcatur/go-realtime-fulfillment/internal/inventory"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/lifecycle"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/metrics"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/orders"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/store"
	"go.uber.org/zap"
)

type Stats struct {
	Scanned  int `json:"scanned"`
	Expired  int `json:"expired"`
	Resolved int `json:"resolved"` // confirmed or released by someone else first
	Failed   int `json:"failed"`
}

type Sweeper struct {
	store    store.Store
	engine   *inventory.Engine
	machine  *lifecycle.Machine
	interval time.Duration
	batch    int
	now      func() time.Time
	log      *zap.Logger
	metrics  *metrics.Metrics
}

type Option func(*Sweeper)

func WithInterval(d time.Duration) Option { return func(s *Sweeper) { s.interval = d } }

func WithBatch(n int) Option { return func(s *Sweeper) { s.batch = n } }

func WithClock(now func() time.Time) Option { return func(s *Sweeper) { s.now = now } }

func WithLogger(l *zap.Logger) Option { return func(s *Sweeper) { s.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Sweeper) { s.metrics = m } }

func New(st store.Store, engine *inventory.Engine, machine *lifecycle.Machine, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:    st,
		engine:   engine,
		machine:  machine,
		interval: time.Minute,
		batch:    100,
		now:      func() time.Time { return time.Now().UTC() },
		log:      zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SweepOnce handles one batch. Each reservation gets its own transaction, and
// a failure on one does not stop the rest.
func (s *Sweeper) SweepOnce(ctx context.Context) (Stats, error) {
	var st Stats
	now := s.now()
	expired, err := s.store.ExpiredReservations(ctx, now, s.batch)
	if err != nil {
		return st, err
	}
	st.Scanned = len(expired)

	for _, r := range expired {
		if ctx.Err() != nil {
			break
		}
		released, err := store.Atomic(ctx, s.store, s.engine.RetryPolicy(), "sweep", func(ctx context.Context, tx store.Tx) (bool, error) {
			return s.expire(ctx, tx, r.ID, now)
		})
		switch {
		case err != nil:
			st.Failed++
			s.log.Warn("sweep_release_failed", zap.String("reservation_id", r.ID), zap.Error(err))
		case released:
			st.Expired++
			s.log.Info("reservation_expired", zap.String("reservation_id", r.ID), zap.String("order_id", r.OrderID))
		default:
			st.Resolved++
		}
	}

	s.metrics.Sweep("expired", st.Expired)
	s.metrics.Sweep("resolved", st.Resolved)
	s.metrics.Sweep("failed", st.Failed)
	if st.Scanned > 0 {
		s.log.Info("sweep_completed",
			zap.Int("scanned", st.Scanned), zap.Int("expired", st.Expired),
			zap.Int("resolved", st.Resolved), zap.Int("failed", st.Failed))
	}
	return st, ctx.Err()
}

// expire re-reads the reservation under lock; the listing was only a snapshot.
func (s *Sweeper) expire(ctx context.Context, tx store.Tx, id string, now time.Time) (bool, error) {
	r, err := tx.Reservation(ctx, id)
	if err != nil {
		return false, err
	}
	if r.Status != orders.ReservationHeld || !r.ExpiresAt.Before(now) {
		return false, nil
	}
	if _, err := s.engine.ReleaseTx(ctx, tx, id, orders.ReasonExpired); err != nil {
		if orders.IsInvalidState(err) {
			return false, nil
		}
		return false, err
	}

	o, err := tx.Order(ctx, r.OrderID)
	if errors.Is(err, store.ErrNotFound) {
		// a reservation without an order is still worth releasing
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if o.Status != orders.StatusPending {
		return true, nil
	}
	if o.PaymentStatus == orders.PaymentPending || o.PaymentStatus == orders.PaymentProcessing {
		if _, err := s.machine.SetPaymentStatusTx(ctx, tx, o.ID, orders.PaymentFailed); err != nil && !orders.IsInvalidState(err) {
			return false, err
		}
	}
	if _, err := s.machine.TransitionTx(ctx, tx, o.ID, orders.StatusCancelled, orders.ReasonExpired); err != nil {
		if orders.IsIllegalTransition(err) {
			return true, nil
		}
		return false, err
	}
	return true, nil
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("sweep_failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
