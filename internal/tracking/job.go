// Package tracking reconciles carrier tracking with order status. Progress
// only moves forward: an observation ranked at or below what is recorded is
// dropped, whatever order the carrier reports it in.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ariefcatur/go-realtime-fulfillment/internal/lifecycle"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/metrics"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/orders"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/store"
	"go.uber.org/zap"
)

type Result string

const (
	ResultAdvanced  Result = "advanced"
	ResultStale     Result = "stale"
	ResultException Result = "exception"
	ResultUnknown   Result = "unknown"
)

type Stats struct {
	Checked    int `json:"checked"`
	Advanced   int `json:"advanced"`
	Stale      int `json:"stale"`
	Exceptions int `json:"exceptions"`
	Failed     int `json:"failed"`
}

type Job struct {
	store    store.Store
	machine  *lifecycle.Machine
	carrier  Carrier
	retry    store.RetryPolicy
	interval time.Duration
	batch    int
	now      func() time.Time
	log      *zap.Logger
	metrics  *metrics.Metrics
}

type Option func(*Job)

func WithInterval(d time.Duration) Option { return func(j *Job) { j.interval = d } }

func WithBatch(n int) Option { return func(j *Job) { j.batch = n } }

func WithClock(now func() time.Time) Option { return func(j *Job) { j.now = now } }

func WithLogger(l *zap.Logger) Option { return func(j *Job) { j.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(j *Job) { j.metrics = m } }

func WithRetryPolicy(p store.RetryPolicy) Option { return func(j *Job) { j.retry = p } }

func NewJob(st store.Store, machine *lifecycle.Machine, carrier Carrier, opts ...Option) *Job {
	j := &Job{
		store:    st,
		machine:  machine,
		carrier:  carrier,
		retry:    store.DefaultRetryPolicy(),
		interval: 5 * time.Minute,
		batch:    100,
		now:      func() time.Time { return time.Now().UTC() },
		log:      zap.NewNop(),
	}
	for _, o := range opts {
		o(j)
	}
	return j
}

// RegisterShipment records the carrier and tracking number of a shipment.
// The order must be PROCESSING or SHIPPED.
func (j *Job) RegisterShipment(ctx context.Context, orderID, carrier, trackingNumber string) (orders.ShippingTrackingState, error) {
	if carrier == "" || trackingNumber == "" {
		return orders.ShippingTrackingState{}, fmt.Errorf("%w: carrier and tracking_number required", orders.ErrInvalidOrder)
	}
	return store.Atomic(ctx, j.store, j.retry, "register_shipment", func(ctx context.Context, tx store.Tx) (orders.ShippingTrackingState, error) {
		o, err := tx.Order(ctx, orderID)
		if errors.Is(err, store.ErrNotFound) {
			return orders.ShippingTrackingState{}, fmt.Errorf("order %s: %w", orderID, orders.ErrNotFound)
		}
		if err != nil {
			return orders.ShippingTrackingState{}, err
		}
		if o.Status != orders.StatusProcessing && o.Status != orders.StatusShipped {
			return orders.ShippingTrackingState{}, &orders.InvalidStateError{Entity: "order", ID: orderID, State: string(o.Status), Op: "register shipment"}
		}
		ts, err := tx.Tracking(ctx, orderID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return ts, err
		}
		ts.OrderID = orderID
		ts.Carrier = carrier
		ts.TrackingNumber = trackingNumber
		ts.UpdatedAt = j.now()
		return ts, tx.PutTracking(ctx, ts)
	})
}

// Apply ingests one carrier observation. It is the path for both polling and
// carrier push.
func (j *Job) Apply(ctx context.Context, orderID, raw string, at time.Time) (Result, error) {
	res, err := store.Atomic(ctx, j.store, j.retry, "tracking_apply", func(ctx context.Context, tx store.Tx) (Result, error) {
		return j.apply(ctx, tx, orderID, raw, at)
	})
	if err != nil {
		j.metrics.Tracking("error")
		return res, err
	}
	j.metrics.Tracking(string(res))
	return res, nil
}

func (j *Job) apply(ctx context.Context, tx store.Tx, orderID, raw string, at time.Time) (Result, error) {
	ts, err := tx.Tracking(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("shipment for order %s: %w", orderID, orders.ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	n, ok := Normalize(raw)
	if !ok {
		j.log.Debug("tracking_status_unknown", zap.String("order_id", orderID), zap.String("raw", raw))
		return ResultUnknown, nil
	}
	now := j.now()

	if n == orders.TrackingException {
		if ts.LastExceptionAt != nil && !at.After(*ts.LastExceptionAt) {
			return ResultStale, nil
		}
		ts.LastExceptionAt = &at
		ts.UpdatedAt = now
		if err := tx.PutTracking(ctx, ts); err != nil {
			return "", err
		}
		if _, err := j.machine.FlagTx(ctx, tx, orderID, orders.NoteTrackingException,
			fmt.Sprintf("%s %s reported %q at %s", ts.Carrier, ts.TrackingNumber, raw, at.Format(time.RFC3339))); err != nil {
			return "", err
		}
		return ResultException, nil
	}

	if n.Rank() <= ts.NormalizedStatus.Rank() {
		return ResultStale, nil
	}
	active, err := j.advance(ctx, tx, orderID, n)
	if err != nil {
		return "", err
	}
	if !active {
		// tracking rank ikut order; jangan maju sendiri
		return ResultStale, nil
	}
	ts.NormalizedStatus = n
	ts.CarrierStatus = raw
	if at.After(ts.LastEventAt) {
		ts.LastEventAt = at
	}
	ts.UpdatedAt = now
	if err := tx.PutTracking(ctx, ts); err != nil {
		return "", err
	}
	return ResultAdvanced, nil
}

// advance walks the order forward to the status n implies, passing through
// SHIPPED when a delivery is the first thing seen. It reports false, and
// changes nothing, for a PENDING or terminal order.
func (j *Job) advance(ctx context.Context, tx store.Tx, orderID string, n orders.NormalizedStatus) (bool, error) {
	target, _ := n.Target()
	o, err := tx.Order(ctx, orderID)
	if err != nil {
		return false, err
	}
	if o.Status.Terminal() || o.Status == orders.StatusPending {
		j.log.Warn("tracking_for_inactive_order", zap.String("order_id", orderID), zap.String("status", string(o.Status)))
		return false, nil
	}
	for o.Status.Progress() < target.Progress() {
		next := orders.StatusShipped
		if o.Status == orders.StatusShipped {
			next = orders.StatusDelivered
		}
		if o, err = j.machine.TransitionTx(ctx, tx, orderID, next, "carrier "+string(n)); err != nil {
			return false, err
		}
	}
	return true, nil
}

// ReconcileOnce polls the carrier for every active shipment in one batch.
// Carrier failures are logged and left for the next pass.
func (j *Job) ReconcileOnce(ctx context.Context) (Stats, error) {
	var st Stats
	active, err := j.store.ActiveShipments(ctx, j.batch)
	if err != nil {
		return st, err
	}
	for _, ts := range active {
		if ctx.Err() != nil {
			break
		}
		st.Checked++
		log := j.log.With(zap.String("order_id", ts.OrderID), zap.String("carrier", ts.Carrier))
		cs, err := j.carrier.Track(ctx, ts.Carrier, ts.TrackingNumber)
		if err != nil {
			st.Failed++
			log.Warn("carrier_poll_failed", zap.Error(err))
			continue
		}
		for _, ev := range observations(cs) {
			res, err := j.Apply(ctx, ts.OrderID, ev.Status, ev.At)
			if err != nil {
				st.Failed++
				log.Warn("tracking_apply_failed", zap.String("raw", ev.Status), zap.Error(err))
				break
			}
			switch res {
			case ResultAdvanced:
				st.Advanced++
				log.Info("shipment_advanced", zap.String("raw", ev.Status))
			case ResultStale:
				st.Stale++
			case ResultException:
				st.Exceptions++
				log.Warn("shipment_exception", zap.String("raw", ev.Status))
			}
		}
	}
	return st, ctx.Err()
}

// observations lists events oldest first, falling back to the summary status.
func observations(cs CarrierStatus) []CarrierEvent {
	evs := append([]CarrierEvent(nil), cs.Events...)
	if len(evs) == 0 && cs.Status != "" {
		evs = append(evs, CarrierEvent{Status: cs.Status, At: cs.LastUpdate})
	}
	sort.SliceStable(evs, func(a, b int) bool { return evs[a].At.Before(evs[b].At) })
	return evs
}

func (j *Job) Run(ctx context.Context) error {
	t := time.NewTicker(j.interval)
	defer t.Stop()
	for {
		if st, err := j.ReconcileOnce(ctx); err != nil && ctx.Err() == nil {
			j.log.Error("tracking_reconcile_failed", zap.Error(err))
		} else if st.Checked > 0 {
			j.log.Info("tracking_reconcile_completed",
				zap.Int("checked", st.Checked), zap.Int("advanced", st.Advanced),
				zap.Int("exceptions", st.Exceptions), zap.Int("failed", st.Failed))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
