package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ariefcatur/go-realtime-fulfillment/internal/orders"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/store"
	"github.com/jackc/pgx/v5"
)

type tx struct {
	q     querier
	after []func(ctx context.Context)
}

var _ store.Tx = (*tx)(nil)

const (
	selectReservation = `SELECT id, order_id, lines, status, reason, created_at, expires_at,
		confirmed_at, released_at, finalized_at FROM reservations`
	selectOrder = `SELECT id, customer_id, status, payment_status, reservation_id,
		subtotal_cents, tax_cents, shipping_cents, discount_cents, total_cents,
		needs_review, created_at, updated_at FROM orders`
	selectTracking = `SELECT order_id, carrier, tracking_number, carrier_status, normalized_status,
		last_event_at, last_exception_at, updated_at FROM shipping_tracking_states`
)

// LockStock takes row locks in unit id order so concurrent multi-line
// reservations cannot deadlock each other.
func (t *tx) LockStock(ctx context.Context, unitIDs []string) (map[string]orders.StockRecord, error) {
	ids := append([]string(nil), unitIDs...)
	sort.Strings(ids)

	rows, err := t.q.Query(ctx, `
		SELECT unit_id, total_quantity, reserved_quantity, version, updated_at
		FROM stock_records WHERE unit_id = ANY($1)
		ORDER BY unit_id FOR UPDATE`, ids)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	out := make(map[string]orders.StockRecord, len(ids))
	for rows.Next() {
		var r orders.StockRecord
		if err := rows.Scan(&r.UnitID, &r.TotalQuantity, &r.ReservedQuantity, &r.Version, &r.UpdatedAt); err != nil {
			return nil, mapErr(err)
		}
		out[r.UnitID] = r
	}
	return out, mapErr(rows.Err())
}

func (t *tx) PutStock(ctx context.Context, rec orders.StockRecord) error {
	if err := rec.Check(); err != nil {
		return err
	}
	_, err := t.q.Exec(ctx, `
		INSERT INTO stock_records(unit_id, total_quantity, reserved_quantity, version, updated_at)
		VALUES ($1, $2, $3, 1, $4)
		ON CONFLICT (unit_id) DO UPDATE
		SET total_quantity = EXCLUDED.total_quantity,
		    reserved_quantity = EXCLUDED.reserved_quantity,
		    version = stock_records.version + 1,
		    updated_at = EXCLUDED.updated_at`,
		rec.UnitID, rec.TotalQuantity, rec.ReservedQuantity, rec.UpdatedAt)
	return mapErr(err)
}

func (t *tx) Reservation(ctx context.Context, id string) (orders.Reservation, error) {
	return scanReservation(t.q.QueryRow(ctx, selectReservation+` WHERE id=$1 FOR UPDATE`, id))
}

func (t *tx) ReservationByOrder(ctx context.Context, orderID string) (orders.Reservation, error) {
	return scanReservation(t.q.QueryRow(ctx, selectReservation+` WHERE order_id=$1 FOR UPDATE`, orderID))
}

func (t *tx) InsertReservation(ctx context.Context, r orders.Reservation) error {
	lines, err := json.Marshal(r.Lines)
	if err != nil {
		return fmt.Errorf("encode lines: %w", err)
	}
	_, err = t.q.Exec(ctx, `
		INSERT INTO reservations(id, order_id, lines, status, reason, created_at, expires_at,
			confirmed_at, released_at, finalized_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		r.ID, r.OrderID, string(lines), string(r.Status), r.Reason, r.CreatedAt, r.ExpiresAt,
		r.ConfirmedAt, r.ReleasedAt, r.FinalizedAt)
	return mapErr(err)
}

func (t *tx) UpdateReservation(ctx context.Context, r orders.Reservation) error {
	ct, err := t.q.Exec(ctx, `
		UPDATE reservations
		SET status=$2, reason=$3, confirmed_at=$4, released_at=$5, finalized_at=$6
		WHERE id=$1`,
		r.ID, string(r.Status), r.Reason, r.ConfirmedAt, r.ReleasedAt, r.FinalizedAt)
	if err != nil {
		return mapErr(err)
	}
	if ct.RowsAffected() != 1 {
		return store.ErrNotFound
	}
	return nil
}

func (t *tx) Order(ctx context.Context, id string) (orders.Order, error) {
	return getOrder(ctx, t.q, id, true)
}

func (t *tx) InsertOrder(ctx context.Context, o orders.Order) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO orders(id, customer_id, status, payment_status, reservation_id,
			subtotal_cents, tax_cents, shipping_cents, discount_cents, total_cents,
			needs_review, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		o.ID, o.CustomerID, string(o.Status), string(o.PaymentStatus), nullable(o.ReservationID),
		o.Totals.Subtotal, o.Totals.Tax, o.Totals.Shipping, o.Totals.Discount, o.Totals.Total,
		o.NeedsReview, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}
	for _, n := range o.Notes {
		if err := t.AddNote(ctx, o.ID, n); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) UpdateOrder(ctx context.Context, o orders.Order) error {
	ct, err := t.q.Exec(ctx, `
		UPDATE orders
		SET status=$2, payment_status=$3, reservation_id=$4, needs_review=$5, updated_at=$6
		WHERE id=$1`,
		o.ID, string(o.Status), string(o.PaymentStatus), nullable(o.ReservationID), o.NeedsReview, o.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}
	if ct.RowsAffected() != 1 {
		return store.ErrNotFound
	}
	return nil
}

func (t *tx) AddNote(ctx context.Context, orderID string, n orders.Note) error {
	_, err := t.q.Exec(ctx, `INSERT INTO order_notes(order_id, at, kind, message) VALUES ($1,$2,$3,$4)`,
		orderID, n.At, n.Kind, n.Message)
	return mapErr(err)
}

func (t *tx) PaymentEventProcessed(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := t.q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM processed_payment_events WHERE provider_event_id=$1)`, id).Scan(&exists)
	return exists, mapErr(err)
}

func (t *tx) InsertPaymentEvent(ctx context.Context, e orders.ProcessedPaymentEvent) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO processed_payment_events(provider_event_id, order_id, outcome, processed_at)
		VALUES ($1,$2,$3,$4)`, e.ProviderEventID, e.OrderID, string(e.Outcome), e.ProcessedAt)
	return mapErr(err)
}

func (t *tx) Tracking(ctx context.Context, orderID string) (orders.ShippingTrackingState, error) {
	return scanTracking(t.q.QueryRow(ctx, selectTracking+` WHERE order_id=$1 FOR UPDATE`, orderID))
}

func (t *tx) PutTracking(ctx context.Context, st orders.ShippingTrackingState) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO shipping_tracking_states(order_id, carrier, tracking_number, carrier_status,
			normalized_status, last_event_at, last_exception_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (order_id) DO UPDATE
		SET carrier=EXCLUDED.carrier, tracking_number=EXCLUDED.tracking_number,
		    carrier_status=EXCLUDED.carrier_status, normalized_status=EXCLUDED.normalized_status,
		    last_event_at=EXCLUDED.last_event_at, last_exception_at=EXCLUDED.last_exception_at,
		    updated_at=EXCLUDED.updated_at`,
		st.OrderID, st.Carrier, st.TrackingNumber, st.CarrierStatus, string(st.NormalizedStatus),
		st.LastEventAt, st.LastExceptionAt, st.UpdatedAt)
	return mapErr(err)
}

func (t *tx) AfterCommit(fn func(ctx context.Context)) {
	t.after = append(t.after, fn)
}

func getStock(ctx context.Context, q querier, unitID string) (orders.StockRecord, error) {
	var r orders.StockRecord
	err := q.QueryRow(ctx, `
		SELECT unit_id, total_quantity, reserved_quantity, version, updated_at
		FROM stock_records WHERE unit_id=$1`, unitID).Scan(&r.UnitID, &r.TotalQuantity, &r.ReservedQuantity, &r.Version, &r.UpdatedAt)
	return r, mapErr(err)
}

func getOrder(ctx context.Context, q querier, id string, lock bool) (orders.Order, error) {
	sql := selectOrder + ` WHERE id=$1`
	if lock {
		sql += ` FOR UPDATE`
	}
	var (
		o      orders.Order
		status string
		pay    string
		resID  *string
	)
	err := q.QueryRow(ctx, sql, id).Scan(&o.ID, &o.CustomerID, &status, &pay, &resID,
		&o.Totals.Subtotal, &o.Totals.Tax, &o.Totals.Shipping, &o.Totals.Discount, &o.Totals.Total,
		&o.NeedsReview, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return o, mapErr(err)
	}
	o.Status = orders.Status(status)
	o.PaymentStatus = orders.PaymentStatus(pay)
	if resID != nil {
		o.ReservationID = *resID
	}

	rows, err := q.Query(ctx, `SELECT at, kind, message FROM order_notes WHERE order_id=$1 ORDER BY id`, id)
	if err != nil {
		return o, mapErr(err)
	}
	defer rows.Close()
	for rows.Next() {
		var n orders.Note
		if err := rows.Scan(&n.At, &n.Kind, &n.Message); err != nil {
			return o, mapErr(err)
		}
		o.Notes = append(o.Notes, n)
	}
	return o, mapErr(rows.Err())
}

func scanReservation(row pgx.Row) (orders.Reservation, error) {
	var (
		r      orders.Reservation
		lines  []byte
		status string
	)
	err := row.Scan(&r.ID, &r.OrderID, &lines, &status, &r.Reason, &r.CreatedAt, &r.ExpiresAt,
		&r.ConfirmedAt, &r.ReleasedAt, &r.FinalizedAt)
	if err != nil {
		return r, mapErr(err)
	}
	r.Status = orders.ReservationStatus(status)
	if err := json.Unmarshal(lines, &r.Lines); err != nil {
		return r, fmt.Errorf("decode lines of %s: %w", r.ID, err)
	}
	return r, nil
}

func scanTracking(row pgx.Row) (orders.ShippingTrackingState, error) {
	var (
		st   orders.ShippingTrackingState
		norm string
	)
	err := row.Scan(&st.OrderID, &st.Carrier, &st.TrackingNumber, &st.CarrierStatus, &norm,
		&st.LastEventAt, &st.LastExceptionAt, &st.UpdatedAt)
	if err != nil {
		return st, mapErr(err)
	}
	st.NormalizedStatus = orders.NormalizedStatus(norm)
	return st, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
