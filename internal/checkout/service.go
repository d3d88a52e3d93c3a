// Package checkout is the entry point of an order: fraud screen, PENDING
// order, stock hold. A payment intent may only be created for a checkout
// that returned without error.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ariefcatur/go-realtime-fulfillment/internal/inventory"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/lifecycle"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/orders"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/payment"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Request struct {
	OrderID    string        `json:"order_id,omitempty"`
	CustomerID string        `json:"customer_id"`
	Lines      []orders.Line `json:"lines"`
	Totals     orders.Totals `json:"totals"`
}

type Result struct {
	Order       orders.Order       `json:"order"`
	Reservation orders.Reservation `json:"reservation"`
}

type Service struct {
	store   store.Store
	engine  *inventory.Engine
	machine *lifecycle.Machine
	fraud   payment.FraudScorer
	log     *zap.Logger
	now     func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func New(st store.Store, engine *inventory.Engine, machine *lifecycle.Machine, fraud payment.FraudScorer, log *zap.Logger, opts ...Option) *Service {
	if fraud == nil {
		fraud = payment.AllowAll{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{store: st, engine: engine, machine: machine, fraud: fraud, log: log, now: func() time.Time { return time.Now().UTC() }}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Checkout is idempotent on OrderID: repeating a successful call returns the
// same order and reservation.
func (s *Service) Checkout(ctx context.Context, req Request) (Result, error) {
	if req.CustomerID == "" {
		return Result{}, fmt.Errorf("%w: customer_id required", orders.ErrInvalidOrder)
	}
	if err := req.Totals.Validate(); err != nil {
		return Result{}, err
	}
	if req.OrderID == "" {
		req.OrderID = uuid.NewString()
	}
	log := s.log.With(zap.String("order_id", req.OrderID))

	if res, ok, err := s.existing(ctx, req); ok || err != nil {
		return res, err
	}

	assessment, err := s.fraud.Score(ctx, payment.FraudRequest{
		OrderID: req.OrderID, CustomerID: req.CustomerID, Total: req.Totals.Total, Lines: req.Lines,
	})
	if err != nil {
		return Result{}, fmt.Errorf("checkout %s: %w", req.OrderID, err)
	}
	if assessment.Decision == payment.DecisionBlock {
		log.Warn("checkout_blocked", zap.Float64("score", assessment.Score))
		return Result{}, &orders.FraudBlockedError{OrderID: req.OrderID, Score: assessment.Score}
	}

	order := orders.Order{ID: req.OrderID, CustomerID: req.CustomerID, Totals: req.Totals}
	if assessment.Decision == payment.DecisionReview {
		order.NeedsReview = true
		order.Notes = []orders.Note{{At: s.now(), Kind: orders.NoteFraudReview, Message: fmt.Sprintf("score %.2f: %s", assessment.Score, assessment.Reason)}}
	}

	var outOfStock *orders.InsufficientStockError
	res, err := store.Atomic(ctx, s.store, s.engine.RetryPolicy(), "checkout", func(ctx context.Context, tx store.Tx) (Result, error) {
		outOfStock = nil
		o, err := s.machine.CreateTx(ctx, tx, order)
		if err != nil {
			return Result{}, err
		}
		r, err := s.engine.ReserveTx(ctx, tx, o.ID, req.Lines)
		if errors.As(err, &outOfStock) {
			// nothing was held; keep the order as a CANCELLED record
			if o, err = s.machine.TransitionTx(ctx, tx, o.ID, orders.StatusCancelled, orders.ReasonOutOfStock); err != nil {
				return Result{}, err
			}
			n := stockNote(s.now(), outOfStock)
			o.Notes = append(o.Notes, n)
			return Result{Order: o}, tx.AddNote(ctx, o.ID, n)
		}
		if err != nil {
			return Result{}, err
		}
		o, err = s.machine.AttachReservationTx(ctx, tx, o.ID, r.ID)
		return Result{Order: o, Reservation: r}, err
	})

	switch {
	case err == nil && outOfStock != nil:
		log.Info("checkout_out_of_stock", zap.String("unit_id", outOfStock.UnitID),
			zap.Int("requested", outOfStock.Requested), zap.Int("available", outOfStock.Available))
		return res, outOfStock
	case errors.Is(err, orders.ErrOrderExists):
		// lost a race with a concurrent checkout of the same id
		if res, ok, lookupErr := s.existing(ctx, req); ok || lookupErr != nil {
			return res, lookupErr
		}
		return Result{}, err
	case err != nil:
		return Result{}, err
	}
	log.Info("checkout_reserved", zap.String("reservation_id", res.Reservation.ID), zap.Time("expires_at", res.Reservation.ExpiresAt))
	return res, nil
}

// existing returns the stored result of an earlier checkout with the same id.
func (s *Service) existing(ctx context.Context, req Request) (Result, bool, error) {
	o, err := s.machine.Get(ctx, req.OrderID)
	if errors.Is(err, orders.ErrNotFound) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, err
	}
	if o.CustomerID != req.CustomerID {
		return Result{}, false, fmt.Errorf("order %s: %w", req.OrderID, orders.ErrOrderExists)
	}
	if o.ReservationID == "" {
		if o.Status == orders.StatusCancelled {
			if e, ok := shortage(o, req.Lines); ok {
				return Result{Order: o}, false, e
			}
			return Result{Order: o}, false, &orders.InvalidStateError{Entity: "order", ID: o.ID, State: string(o.Status), Op: "checkout"}
		}
		return Result{Order: o}, true, nil
	}
	r, err := s.engine.Reservation(ctx, o.ReservationID)
	if err != nil {
		return Result{}, false, err
	}
	if !r.SameLines(req.Lines) {
		return Result{}, false, &orders.DuplicateReservationError{OrderID: o.ID, ReservationID: r.ID, Status: r.Status}
	}
	return Result{Order: o, Reservation: r}, true, nil
}

// stockNote records the shortage that cancelled a checkout. A retry that asks
// for the same quantity of that unit gets the same error back.
func stockNote(at time.Time, e *orders.InsufficientStockError) orders.Note {
	return orders.Note{At: at, Kind: orders.NoteOutOfStock, Message: fmt.Sprintf("requested %d, available %d: %s", e.Requested, e.Available, e.UnitID)}
}

func shortage(o orders.Order, lines []orders.Line) (*orders.InsufficientStockError, bool) {
	for i := len(o.Notes) - 1; i >= 0; i-- {
		n := o.Notes[i]
		if n.Kind != orders.NoteOutOfStock {
			continue
		}
		counts, unit, ok := strings.Cut(n.Message, ": ")
		if !ok {
			return nil, false
		}
		e := &orders.InsufficientStockError{UnitID: unit}
		if _, err := fmt.Sscanf(counts, "requested %d, available %d", &e.Requested, &e.Available); err != nil {
			return nil, false
		}
		for _, l := range lines {
			if l.UnitID == e.UnitID && l.Quantity == e.Requested {
				return e, true
			}
		}
		return nil, false
	}
	return nil, false
}
