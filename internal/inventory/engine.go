// Package inventory is the stock ledger and reservation engine. It is the
// only code allowed to write stock rows.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ariefcatur/go-realtime-fulfillment/internal/metrics"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/orders"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/store"
	"github.com/google/uuid"
)

const DefaultHoldDuration = 15 * time.Minute

type Engine struct {
	store        store.Store
	holdDuration time.Duration
	retry        store.RetryPolicy
	now          func() time.Time
	newID        func() string
	metrics      *metrics.Metrics
}

type Option func(*Engine)

func WithHoldDuration(d time.Duration) Option { return func(e *Engine) { e.holdDuration = d } }

// WithMaxAttempts bounds how many times a conflicting transaction is retried.
func WithMaxAttempts(n int) Option { return func(e *Engine) { e.retry.MaxAttempts = n } }

// WithTimeout bounds the total time a reserve may spend blocked on locks.
func WithTimeout(d time.Duration) Option { return func(e *Engine) { e.retry.Timeout = d } }

func WithRetryPolicy(p store.RetryPolicy) Option { return func(e *Engine) { e.retry = p } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

func NewEngine(st store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:        st,
		holdDuration: DefaultHoldDuration,
		retry:        store.DefaultRetryPolicy(),
		now:          func() time.Time { return time.Now().UTC() },
		newID:        uuid.NewString,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) HoldDuration() time.Duration { return e.holdDuration }

func (e *Engine) RetryPolicy() store.RetryPolicy { return e.retry }

// Reserve holds stock for every line or for none.
func (e *Engine) Reserve(ctx context.Context, orderID string, lines []orders.Line) (orders.Reservation, error) {
	lines, err := normalizeLines(lines)
	if err != nil {
		return orders.Reservation{}, err
	}
	start := time.Now()
	defer func() { e.metrics.ObserveReserve(time.Since(start)) }()

	res, err := store.Atomic(ctx, e.store, e.retry, "reserve", func(ctx context.Context, tx store.Tx) (orders.Reservation, error) {
		return e.ReserveTx(ctx, tx, orderID, lines)
	})
	e.metrics.Reservation("reserve", outcome(err))
	return res, err
}

func (e *Engine) ReserveTx(ctx context.Context, tx store.Tx, orderID string, lines []orders.Line) (orders.Reservation, error) {
	lines, err := normalizeLines(lines)
	if err != nil {
		return orders.Reservation{}, err
	}

	existing, err := tx.ReservationByOrder(ctx, orderID)
	switch {
	case err == nil:
		if existing.Status == orders.ReservationHeld && existing.SameLines(lines) {
			return existing, nil
		}
		return orders.Reservation{}, &orders.DuplicateReservationError{
			OrderID: orderID, ReservationID: existing.ID, Status: existing.Status,
		}
	case !errors.Is(err, store.ErrNotFound):
		return orders.Reservation{}, err
	}

	recs, err := tx.LockStock(ctx, unitIDs(lines))
	if err != nil {
		return orders.Reservation{}, err
	}
	for _, l := range lines {
		rec, ok := recs[l.UnitID]
		avail := 0
		if ok {
			avail = rec.Available()
		}
		if avail < l.Quantity {
			return orders.Reservation{}, &orders.InsufficientStockError{
				UnitID: l.UnitID, Requested: l.Quantity, Available: avail,
			}
		}
	}

	now := e.now()
	for _, l := range lines {
		rec := recs[l.UnitID]
		rec.ReservedQuantity += l.Quantity
		rec.UpdatedAt = now
		if err := tx.PutStock(ctx, rec); err != nil {
			return orders.Reservation{}, err
		}
	}

	r := orders.Reservation{
		ID:        e.newID(),
		OrderID:   orderID,
		Lines:     lines,
		Status:    orders.ReservationHeld,
		CreatedAt: now,
		ExpiresAt: now.Add(e.holdDuration),
	}
	if err := tx.InsertReservation(ctx, r); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// A concurrent reserve for the same order won; retrying sees it.
			return orders.Reservation{}, fmt.Errorf("%w: %w", store.ErrConflict, err)
		}
		return orders.Reservation{}, err
	}
	return r, nil
}

// Confirm moves HELD to CONFIRMED. Repeating it is a no-op.
func (e *Engine) Confirm(ctx context.Context, reservationID string) (orders.Reservation, error) {
	res, err := store.Atomic(ctx, e.store, e.retry, "confirm", func(ctx context.Context, tx store.Tx) (orders.Reservation, error) {
		return e.ConfirmTx(ctx, tx, reservationID)
	})
	e.metrics.Reservation("confirm", outcome(err))
	return res, err
}

func (e *Engine) ConfirmTx(ctx context.Context, tx store.Tx, reservationID string) (orders.Reservation, error) {
	r, err := e.load(ctx, tx, reservationID)
	if err != nil {
		return r, err
	}
	switch r.Status {
	case orders.ReservationConfirmed:
		return r, nil
	case orders.ReservationReleased, orders.ReservationExpired:
		return r, invalid(r, "confirm")
	}
	now := e.now()
	r.Status = orders.ReservationConfirmed
	r.ConfirmedAt = &now
	return r, tx.UpdateReservation(ctx, r)
}

// Release hands HELD stock back. Repeating it is a no-op; releasing a
// CONFIRMED reservation fails with InvalidStateError.
func (e *Engine) Release(ctx context.Context, reservationID, reason string) (orders.Reservation, error) {
	res, err := store.Atomic(ctx, e.store, e.retry, "release", func(ctx context.Context, tx store.Tx) (orders.Reservation, error) {
		return e.ReleaseTx(ctx, tx, reservationID, reason)
	})
	e.metrics.Reservation("release", outcome(err))
	return res, err
}

func (e *Engine) ReleaseTx(ctx context.Context, tx store.Tx, reservationID, reason string) (orders.Reservation, error) {
	r, err := e.load(ctx, tx, reservationID)
	if err != nil {
		return r, err
	}
	switch r.Status {
	case orders.ReservationReleased, orders.ReservationExpired:
		return r, nil
	case orders.ReservationConfirmed:
		return r, invalid(r, "release")
	}
	if err := e.returnReserved(ctx, tx, r, false); err != nil {
		return r, err
	}
	now := e.now()
	r.Status = orders.ReservationReleased
	if reason == orders.ReasonExpired {
		r.Status = orders.ReservationExpired
	}
	r.Reason = reason
	r.ReleasedAt = &now
	return r, tx.UpdateReservation(ctx, r)
}

// FinalizeTx commits a CONFIRMED reservation as sold: the quantities leave
// both total and reserved. Repeating it is a no-op.
func (e *Engine) FinalizeTx(ctx context.Context, tx store.Tx, reservationID string) (orders.Reservation, error) {
	r, err := e.load(ctx, tx, reservationID)
	if err != nil {
		return r, err
	}
	if r.Status != orders.ReservationConfirmed {
		return r, invalid(r, "finalize")
	}
	if r.Settled() {
		return r, nil
	}
	if err := e.returnReserved(ctx, tx, r, true); err != nil {
		return r, err
	}
	now := e.now()
	r.FinalizedAt = &now
	return r, tx.UpdateReservation(ctx, r)
}

// CompensateTx is the refund path for a CONFIRMED reservation whose goods
// never left: reserved stock goes back to available. Status stays CONFIRMED.
func (e *Engine) CompensateTx(ctx context.Context, tx store.Tx, reservationID, reason string) (orders.Reservation, error) {
	r, err := e.load(ctx, tx, reservationID)
	if err != nil {
		return r, err
	}
	if r.Status != orders.ReservationConfirmed {
		return r, invalid(r, "compensate")
	}
	if r.Settled() {
		return r, nil
	}
	if err := e.returnReserved(ctx, tx, r, false); err != nil {
		return r, err
	}
	now := e.now()
	r.Reason = reason
	r.ReleasedAt = &now
	return r, tx.UpdateReservation(ctx, r)
}

// returnReserved takes each line out of reserved, and out of total too when sold.
func (e *Engine) returnReserved(ctx context.Context, tx store.Tx, r orders.Reservation, sold bool) error {
	recs, err := tx.LockStock(ctx, unitIDs(r.Lines))
	if err != nil {
		return err
	}
	now := e.now()
	for _, l := range r.Lines {
		rec, ok := recs[l.UnitID]
		if !ok {
			return fmt.Errorf("reservation %s references unknown unit %s", r.ID, l.UnitID)
		}
		rec.ReservedQuantity -= l.Quantity
		if sold {
			rec.TotalQuantity -= l.Quantity
		}
		rec.UpdatedAt = now
		if err := tx.PutStock(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// Restock sets the physical total of a unit, creating the row if needed.
func (e *Engine) Restock(ctx context.Context, unitID string, total int) (orders.StockRecord, error) {
	if unitID == "" || total < 0 {
		return orders.StockRecord{}, fmt.Errorf("%w: unit id and non-negative total required", orders.ErrInvalidLines)
	}
	return store.Atomic(ctx, e.store, e.retry, "restock", func(ctx context.Context, tx store.Tx) (orders.StockRecord, error) {
		return e.setTotal(ctx, tx, unitID, func(int) int { return total })
	})
}

// AdjustStock adds delta (possibly negative) to the total of an existing unit.
func (e *Engine) AdjustStock(ctx context.Context, unitID string, delta int) (orders.StockRecord, error) {
	return store.Atomic(ctx, e.store, e.retry, "adjust", func(ctx context.Context, tx store.Tx) (orders.StockRecord, error) {
		recs, err := tx.LockStock(ctx, []string{unitID})
		if err != nil {
			return orders.StockRecord{}, err
		}
		if _, ok := recs[unitID]; !ok {
			return orders.StockRecord{}, fmt.Errorf("unit %s: %w", unitID, orders.ErrNotFound)
		}
		return e.setTotal(ctx, tx, unitID, func(cur int) int { return cur + delta })
	})
}

func (e *Engine) setTotal(ctx context.Context, tx store.Tx, unitID string, next func(int) int) (orders.StockRecord, error) {
	recs, err := tx.LockStock(ctx, []string{unitID})
	if err != nil {
		return orders.StockRecord{}, err
	}
	rec, ok := recs[unitID]
	if !ok {
		rec = orders.StockRecord{UnitID: unitID}
	}
	total := next(rec.TotalQuantity)
	if total < rec.ReservedQuantity || total < 0 {
		return rec, &orders.InvalidStateError{
			Entity: "stock", ID: unitID, Op: fmt.Sprintf("set total to %d", total),
			State: fmt.Sprintf("reserved=%d", rec.ReservedQuantity),
		}
	}
	rec.TotalQuantity = total
	rec.UpdatedAt = e.now()
	if err := tx.PutStock(ctx, rec); err != nil {
		return rec, err
	}
	rec.Version++
	return rec, nil
}

func (e *Engine) Stock(ctx context.Context, unitID string) (orders.StockRecord, error) {
	rec, err := e.store.Stock(ctx, unitID)
	if errors.Is(err, store.ErrNotFound) {
		return rec, fmt.Errorf("unit %s: %w", unitID, orders.ErrNotFound)
	}
	return rec, err
}

func (e *Engine) Reservation(ctx context.Context, id string) (orders.Reservation, error) {
	r, err := e.store.GetReservation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return r, fmt.Errorf("reservation %s: %w", id, orders.ErrNotFound)
	}
	return r, err
}

func (e *Engine) load(ctx context.Context, tx store.Tx, id string) (orders.Reservation, error) {
	r, err := tx.Reservation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return r, fmt.Errorf("reservation %s: %w", id, orders.ErrNotFound)
	}
	return r, err
}

func normalizeLines(lines []orders.Line) ([]orders.Line, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: at least one line required", orders.ErrInvalidLines)
	}
	seen := make(map[string]bool, len(lines))
	out := make([]orders.Line, 0, len(lines))
	for _, l := range lines {
		if l.UnitID == "" {
			return nil, fmt.Errorf("%w: empty unit id", orders.ErrInvalidLines)
		}
		if l.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity for %s must be positive", orders.ErrInvalidLines, l.UnitID)
		}
		if seen[l.UnitID] {
			return nil, fmt.Errorf("%w: duplicate unit %s", orders.ErrInvalidLines, l.UnitID)
		}
		seen[l.UnitID] = true
		out = append(out, l)
	}
	return out, nil
}

func unitIDs(lines []orders.Line) []string {
	ids := make([]string, 0, len(lines))
	for _, l := range lines {
		ids = append(ids, l.UnitID)
	}
	sort.Strings(ids)
	return ids
}

func invalid(r orders.Reservation, op string) error {
	return &orders.InvalidStateError{Entity: "reservation", ID: r.ID, State: string(r.Status), Op: op}
}

func outcome(err error) string {
	var (
		insufficient *orders.InsufficientStockError
		exhausted    *orders.ConcurrencyExhaustedError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &insufficient):
		return "insufficient"
	case errors.As(err, &exhausted):
		return "exhausted"
	case orders.IsInvalidState(err):
		return "invalid_state"
	}
	return "error"
}
