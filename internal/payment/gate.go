// Package payment turns payment outcome notifications into exactly one
// effect per provider event id, however often they are delivered.
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-realtime-fulfillment/internal/inventory"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/lifecycle"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/metrics"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/orders"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/store"
	"go.uber.org/zap"
)

var ErrInvalidEvent = errors.New("invalid payment event")

type Event struct {
	ProviderEventID string         `json:"provider_event_id"`
	OrderID         string         `json:"order_id"`
	Outcome         orders.Outcome `json:"outcome"`
	Reason          string         `json:"reason,omitempty"`
}

type Result string

const (
	// ResultApplied: the event changed the order.
	ResultApplied Result = "applied"
	// ResultDuplicate: the event id was already processed; nothing changed.
	ResultDuplicate Result = "duplicate"
	// ResultIgnored: recorded, but the order had already moved on.
	ResultIgnored Result = "ignored"
)

// Dedupe is a fast-path hint in front of the durable processed-event table.
// Mark is only called after the event row committed.
type Dedupe interface {
	Seen(ctx context.Context, providerEventID string) (bool, error)
	Mark(ctx context.Context, providerEventID string) error
}

type Gate struct {
	store   store.Store
	engine  *inventory.Engine
	machine *lifecycle.Machine
	dedupe  Dedupe
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time
}

type Option func(*Gate)

func WithDedupe(d Dedupe) Option { return func(g *Gate) { g.dedupe = d } }

func WithMetrics(m *metrics.Metrics) Option { return func(g *Gate) { g.metrics = m } }

func WithLogger(l *zap.Logger) Option { return func(g *Gate) { g.log = l } }

func WithClock(now func() time.Time) Option { return func(g *Gate) { g.now = now } }

func NewGate(st store.Store, engine *inventory.Engine, machine *lifecycle.Machine, opts ...Option) *Gate {
	g := &Gate{
		store:   st,
		engine:  engine,
		machine: machine,
		log:     zap.NewNop(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// errEventRace marks a lost insert race on the processed-event row.
var errEventRace = errors.New("payment event recorded concurrently")

// HandlePaymentEvent applies ev at most once. The order row is locked before
// the processed-event check, so concurrent deliveries of one id serialize.
func (g *Gate) HandlePaymentEvent(ctx context.Context, ev Event) (Result, error) {
	if ev.ProviderEventID == "" || ev.OrderID == "" || !ev.Outcome.Valid() {
		return "", fmt.Errorf("%w: provider_event_id, order_id and outcome SUCCEEDED|FAILED required", ErrInvalidEvent)
	}
	log := g.log.With(zap.String("provider_event_id", ev.ProviderEventID), zap.String("order_id", ev.OrderID))

	if g.dedupe != nil {
		seen, err := g.dedupe.Seen(ctx, ev.ProviderEventID)
		if err != nil {
			log.Warn("payment_dedupe_hint_failed", zap.Error(err))
		} else if seen {
			g.metrics.PaymentEvent(string(ev.Outcome), string(ResultDuplicate))
			return ResultDuplicate, nil
		}
	}

	res, err := store.Atomic(ctx, g.store, g.engine.RetryPolicy(), "payment_event", func(ctx context.Context, tx store.Tx) (Result, error) {
		return g.apply(ctx, tx, ev)
	})
	if errors.Is(err, errEventRace) {
		res, err = ResultDuplicate, nil
	}
	if err != nil {
		g.metrics.PaymentEvent(string(ev.Outcome), "error")
		log.Error("payment_event_failed", zap.Error(err))
		return "", err
	}
	g.metrics.PaymentEvent(string(ev.Outcome), string(res))
	log.Info("payment_event_handled", zap.String("outcome", string(ev.Outcome)), zap.String("result", string(res)))
	return res, nil
}

func (g *Gate) apply(ctx context.Context, tx store.Tx, ev Event) (Result, error) {
	o, err := tx.Order(ctx, ev.OrderID)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("order %s: %w", ev.OrderID, orders.ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	done, err := tx.PaymentEventProcessed(ctx, ev.ProviderEventID)
	if err != nil {
		return "", err
	}
	if done {
		return ResultDuplicate, nil
	}

	var res Result
	switch ev.Outcome {
	case orders.OutcomeSucceeded:
		res, err = g.succeeded(ctx, tx, o)
	case orders.OutcomeFailed:
		res, err = g.failed(ctx, tx, o, ev.Reason)
	}
	if err != nil {
		return "", err
	}

	err = tx.InsertPaymentEvent(ctx, orders.ProcessedPaymentEvent{
		ProviderEventID: ev.ProviderEventID,
		OrderID:         ev.OrderID,
		Outcome:         ev.Outcome,
		ProcessedAt:     g.now(),
	})
	if errors.Is(err, store.ErrDuplicate) {
		return "", errEventRace
	}
	if err != nil {
		return "", err
	}
	if g.dedupe != nil {
		id := ev.ProviderEventID
		tx.AfterCommit(func(ctx context.Context) {
			if err := g.dedupe.Mark(ctx, id); err != nil {
				g.log.Warn("payment_dedupe_mark_failed", zap.String("provider_event_id", id), zap.Error(err))
			}
		})
	}
	return res, nil
}

func (g *Gate) succeeded(ctx context.Context, tx store.Tx, o orders.Order) (Result, error) {
	switch {
	case o.PaymentStatus == orders.PaymentCompleted || o.Status.Progress() >= orders.StatusProcessing.Progress():
		return ResultIgnored, nil
	case o.Status.Terminal():
		// captured money for an order that is already gone
		_, err := g.machine.FlagTx(ctx, tx, o.ID, orders.NoteRefundRequired,
			fmt.Sprintf("payment succeeded for %s order", o.Status))
		return ResultIgnored, err
	}

	r, err := g.reservation(ctx, tx, o)
	if err == nil {
		_, err = g.engine.ConfirmTx(ctx, tx, r.ID)
	}
	if err != nil {
		if !orders.IsInvalidState(err) {
			return "", err
		}
		// expired or released: stock is gone, the money has to go back
		_, err = g.machine.FlagTx(ctx, tx, o.ID, orders.NoteRefundRequired, "payment succeeded but "+err.Error())
		return ResultIgnored, err
	}
	if _, err := g.machine.SetPaymentStatusTx(ctx, tx, o.ID, orders.PaymentCompleted); err != nil {
		return "", err
	}
	if _, err := g.machine.TransitionTx(ctx, tx, o.ID, orders.StatusProcessing, "payment_succeeded"); err != nil {
		return "", err
	}
	return ResultApplied, nil
}

func (g *Gate) failed(ctx context.Context, tx store.Tx, o orders.Order, reason string) (Result, error) {
	switch {
	case o.Status == orders.StatusCancelled:
		return ResultIgnored, nil
	case o.PaymentStatus == orders.PaymentCompleted || o.Status != orders.StatusPending:
		// a failure arriving after capture needs a human
		_, err := g.machine.FlagTx(ctx, tx, o.ID, orders.NotePayment,
			fmt.Sprintf("payment failure received for %s order with payment %s", o.Status, o.PaymentStatus))
		return ResultIgnored, err
	}

	if _, err := g.machine.SetPaymentStatusTx(ctx, tx, o.ID, orders.PaymentFailed); err != nil {
		return "", err
	}
	if _, err := g.machine.TransitionTx(ctx, tx, o.ID, orders.StatusCancelled, orders.ReasonPaymentFailed); err != nil {
		return "", err
	}
	if reason != "" {
		n := orders.Note{At: g.now(), Kind: orders.NotePayment, Message: "provider: " + reason}
		if err := tx.AddNote(ctx, o.ID, n); err != nil {
			return "", err
		}
	}
	return ResultApplied, nil
}

func (g *Gate) reservation(ctx context.Context, tx store.Tx, o orders.Order) (orders.Reservation, error) {
	var (
		r   orders.Reservation
		err error
	)
	if o.ReservationID != "" {
		r, err = tx.Reservation(ctx, o.ReservationID)
	} else {
		r, err = tx.ReservationByOrder(ctx, o.ID)
	}
	if errors.Is(err, store.ErrNotFound) {
		return r, &orders.InvalidStateError{Entity: "order", ID: o.ID, State: "no reservation", Op: "confirm payment"}
	}
	return r, err
}

// MarkProcessing records that a payment intent exists for the order.
func (g *Gate) MarkProcessing(ctx context.Context, orderID string) (orders.Order, error) {
	return g.machine.SetPaymentStatus(ctx, orderID, orders.PaymentProcessing)
}
