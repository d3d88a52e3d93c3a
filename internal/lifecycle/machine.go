// Package lifecycle owns order and payment status transitions. Every status
// write goes through the transition tables in package orders.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ariefcatur/go-realtime-fulfillment/internal/inventory"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/metrics"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/orders"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/store"
)

// Change is one committed write to an order. From is empty when the status
// itself did not move (payment status, review flag, reservation attach).
type Change struct {
	Order  orders.Order
	From   orders.Status
	Reason string
}

// Observer is told about committed changes, after commit.
type Observer interface {
	OrderChanged(ctx context.Context, c Change)
}

type ObserverFunc func(ctx context.Context, c Change)

func (f ObserverFunc) OrderChanged(ctx context.Context, c Change) { f(ctx, c) }

type Machine struct {
	store     store.Store
	engine    *inventory.Engine
	observers []Observer
	now       func() time.Time
	metrics   *metrics.Metrics
}

type Option func(*Machine)

func WithObserver(o Observer) Option {
	return func(m *Machine) { m.observers = append(m.observers, o) }
}

func WithClock(now func() time.Time) Option { return func(m *Machine) { m.now = now } }

func WithMetrics(mt *metrics.Metrics) Option { return func(m *Machine) { m.metrics = mt } }

func New(st store.Store, engine *inventory.Engine, opts ...Option) *Machine {
	m := &Machine{
		store:  st,
		engine: engine,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Machine) Get(ctx context.Context, orderID string) (orders.Order, error) {
	o, err := m.store.GetOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return o, fmt.Errorf("order %s: %w", orderID, orders.ErrNotFound)
	}
	return o, err
}

// CreateTx inserts a PENDING order. Status fields of o are ignored.
func (m *Machine) CreateTx(ctx context.Context, tx store.Tx, o orders.Order) (orders.Order, error) {
	if o.ID == "" {
		return o, fmt.Errorf("%w: id required", orders.ErrInvalidOrder)
	}
	if err := o.Totals.Validate(); err != nil {
		return o, err
	}
	now := m.now()
	o.Status = orders.StatusPending
	o.PaymentStatus = orders.PaymentPending
	o.CreatedAt = now
	o.UpdatedAt = now
	if err := tx.InsertOrder(ctx, o); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return o, fmt.Errorf("order %s: %w", o.ID, orders.ErrOrderExists)
		}
		return o, err
	}
	m.notify(tx, Change{Order: o, From: "", Reason: "created"})
	return o, nil
}

func (m *Machine) AttachReservationTx(ctx context.Context, tx store.Tx, orderID, reservationID string) (orders.Order, error) {
	o, err := m.load(ctx, tx, orderID)
	if err != nil {
		return o, err
	}
	if o.ReservationID == reservationID {
		return o, nil
	}
	if o.ReservationID != "" {
		return o, &orders.InvalidStateError{Entity: "order", ID: orderID, State: "reservation " + o.ReservationID, Op: "attach reservation"}
	}
	o.ReservationID = reservationID
	o.UpdatedAt = m.now()
	if err := tx.UpdateOrder(ctx, o); err != nil {
		return o, err
	}
	m.notify(tx, Change{Order: o, Reason: "reservation_attached"})
	return o, nil
}

// Transition moves an order along the status table in its own transaction.
func (m *Machine) Transition(ctx context.Context, orderID string, to orders.Status, reason string) (orders.Order, error) {
	return store.Atomic(ctx, m.store, m.engine.RetryPolicy(), "transition", func(ctx context.Context, tx store.Tx) (orders.Order, error) {
		return m.TransitionTx(ctx, tx, orderID, to, reason)
	})
}

func (m *Machine) Cancel(ctx context.Context, orderID, reason string) (orders.Order, error) {
	return m.Transition(ctx, orderID, orders.StatusCancelled, reason)
}

func (m *Machine) Refund(ctx context.Context, orderID, reason string) (orders.Order, error) {
	return m.Transition(ctx, orderID, orders.StatusRefunded, reason)
}

// TransitionTx applies one edge of the status table together with its side
// effects on the reservation. Guard failures (IllegalTransitionError and
// InvalidStateError) are returned before anything is written through tx.
func (m *Machine) TransitionTx(ctx context.Context, tx store.Tx, orderID string, to orders.Status, reason string) (orders.Order, error) {
	o, err := m.load(ctx, tx, orderID)
	if err != nil {
		return o, err
	}
	from := o.Status

	// Cancellation and refund converge: whichever path lands first wins.
	if from == to && (to == orders.StatusCancelled || to == orders.StatusRefunded) {
		return o, nil
	}
	if !orders.CanTransition(from, to) {
		return o, &orders.IllegalTransitionError{From: from, To: to}
	}

	switch to {
	case orders.StatusProcessing:
		r, err := m.reservation(ctx, tx, o)
		if err != nil {
			return o, err
		}
		if r.Status != orders.ReservationConfirmed {
			return o, &orders.InvalidStateError{Entity: "order", ID: o.ID, State: "reservation " + string(r.Status), Op: "process"}
		}

	case orders.StatusCancelled:
		if err := m.cancelReservation(ctx, tx, &o, reason); err != nil {
			return o, err
		}

	case orders.StatusRefunded:
		if o.PaymentStatus != orders.PaymentCompleted {
			return o, &orders.InvalidStateError{Entity: "order", ID: o.ID, State: "payment " + string(o.PaymentStatus), Op: "refund"}
		}
		if err := m.settleRefund(ctx, tx, o); err != nil {
			return o, err
		}
		o.PaymentStatus = orders.PaymentRefunded

	case orders.StatusDelivered:
		if o.ReservationID != "" {
			if _, err := m.engine.FinalizeTx(ctx, tx, o.ReservationID); err != nil {
				return o, err
			}
		}
	}

	now := m.now()
	o.Status = to
	o.UpdatedAt = now
	if err := tx.UpdateOrder(ctx, o); err != nil {
		return o, err
	}
	note := orders.Note{At: now, Kind: orders.NoteStatus, Message: fmt.Sprintf("%s -> %s", from, to)}
	if reason != "" {
		note.Message += ": " + reason
	}
	if err := tx.AddNote(ctx, o.ID, note); err != nil {
		return o, err
	}
	o.Notes = append(o.Notes, note)
	m.notify(tx, Change{Order: o, From: from, Reason: reason})
	return o, nil
}

// cancelReservation releases a HELD reservation. A CONFIRMED one means money
// was taken: stock goes back and the order is flagged for a refund.
func (m *Machine) cancelReservation(ctx context.Context, tx store.Tx, o *orders.Order, reason string) error {
	r, found, err := m.findReservation(ctx, tx, *o)
	if err != nil || !found {
		return err
	}
	switch r.Status {
	case orders.ReservationHeld:
		if reason == "" {
			reason = orders.ReasonAdminCancel
		}
		_, err = m.engine.ReleaseTx(ctx, tx, r.ID, reason)
		return err
	case orders.ReservationConfirmed:
		if _, err := m.engine.CompensateTx(ctx, tx, r.ID, orders.ReasonRefunded); err != nil {
			return err
		}
		if o.PaymentStatus == orders.PaymentCompleted {
			o.NeedsReview = true
			return tx.AddNote(ctx, o.ID, orders.Note{At: m.now(), Kind: orders.NoteRefundRequired, Message: "cancelled after payment captured"})
		}
	}
	return nil
}

// settleRefund returns unsold stock; goods already shipped count as sold.
func (m *Machine) settleRefund(ctx context.Context, tx store.Tx, o orders.Order) error {
	if o.ReservationID == "" {
		return nil
	}
	var err error
	switch o.Status {
	case orders.StatusProcessing:
		_, err = m.engine.CompensateTx(ctx, tx, o.ReservationID, orders.ReasonRefunded)
	default:
		_, err = m.engine.FinalizeTx(ctx, tx, o.ReservationID)
	}
	return err
}

// SetPaymentStatusTx follows the payment status table. Same-state writes are no-ops.
func (m *Machine) SetPaymentStatusTx(ctx context.Context, tx store.Tx, orderID string, to orders.PaymentStatus) (orders.Order, error) {
	o, err := m.load(ctx, tx, orderID)
	if err != nil {
		return o, err
	}
	if o.PaymentStatus == to {
		return o, nil
	}
	if !orders.CanTransitionPayment(o.PaymentStatus, to) {
		return o, &orders.InvalidStateError{Entity: "payment", ID: orderID, State: string(o.PaymentStatus), Op: "set " + string(to)}
	}
	o.PaymentStatus = to
	o.UpdatedAt = m.now()
	if err := tx.UpdateOrder(ctx, o); err != nil {
		return o, err
	}
	m.notify(tx, Change{Order: o, Reason: "payment_" + strings.ToLower(string(to))})
	return o, nil
}

func (m *Machine) SetPaymentStatus(ctx context.Context, orderID string, to orders.PaymentStatus) (orders.Order, error) {
	return store.Atomic(ctx, m.store, m.engine.RetryPolicy(), "payment_status", func(ctx context.Context, tx store.Tx) (orders.Order, error) {
		return m.SetPaymentStatusTx(ctx, tx, orderID, to)
	})
}

// FlagTx appends a note and marks the order for manual review.
func (m *Machine) FlagTx(ctx context.Context, tx store.Tx, orderID, kind, message string) (orders.Order, error) {
	o, err := m.load(ctx, tx, orderID)
	if err != nil {
		return o, err
	}
	n := orders.Note{At: m.now(), Kind: kind, Message: message}
	if err := tx.AddNote(ctx, orderID, n); err != nil {
		return o, err
	}
	o.Notes = append(o.Notes, n)
	if !o.NeedsReview {
		o.NeedsReview = true
		o.UpdatedAt = n.At
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return o, err
		}
	}
	m.notify(tx, Change{Order: o, Reason: kind})
	return o, nil
}

func (m *Machine) load(ctx context.Context, tx store.Tx, orderID string) (orders.Order, error) {
	o, err := tx.Order(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return o, fmt.Errorf("order %s: %w", orderID, orders.ErrNotFound)
	}
	return o, err
}

func (m *Machine) reservation(ctx context.Context, tx store.Tx, o orders.Order) (orders.Reservation, error) {
	r, found, err := m.findReservation(ctx, tx, o)
	if err == nil && !found {
		err = &orders.InvalidStateError{Entity: "order", ID: o.ID, State: "no reservation", Op: "use reservation"}
	}
	return r, err
}

// findReservation falls back to the order id lookup for a reservation that
// was created but never attached.
func (m *Machine) findReservation(ctx context.Context, tx store.Tx, o orders.Order) (orders.Reservation, bool, error) {
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
		return r, false, nil
	}
	return r, err == nil, err
}

func (m *Machine) notify(tx store.Tx, c Change) {
	if c.From != "" {
		from, to := string(c.From), string(c.Order.Status)
		tx.AfterCommit(func(context.Context) { m.metrics.Transition(from, to) })
	}
	if len(m.observers) == 0 {
		return
	}
	c.Order = c.Order.Clone()
	tx.AfterCommit(func(ctx context.Context) {
		for _, o := range m.observers {
			o.OrderChanged(ctx, c)
		}
	})
}
