package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ariefcatur/go-realtime-fulfillment/internal/orders"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	DB *pgxpool.Pool
	// LockTimeout bounds how long a statement waits on a row lock before the
	// transaction fails with store.ErrConflict. Zero leaves the server default.
	LockTimeout time.Duration
}

var _ store.Store = (*Store)(nil)

func New(db *pgxpool.Pool, lockTimeout time.Duration) *Store {
	return &Store{DB: db, LockTimeout: lockTimeout}
}

// Migrate applies schema.sql. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";\n") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.DB.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	pgtx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return mapErr(err)
	}
	defer func() { _ = pgtx.Rollback(ctx) }()

	if s.LockTimeout > 0 {
		// SET does not take bind parameters.
		if _, err := pgtx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.LockTimeout.Milliseconds())); err != nil {
			return mapErr(err)
		}
	}

	t := &tx{q: pgtx}
	if err := fn(ctx, t); err != nil {
		return err
	}
	if err := pgtx.Commit(ctx); err != nil {
		return mapErr(err)
	}
	for _, f := range t.after {
		f(ctx)
	}
	return nil
}

func (s *Store) Stock(ctx context.Context, unitID string) (orders.StockRecord, error) {
	return getStock(ctx, s.DB, unitID)
}

func (s *Store) GetOrder(ctx context.Context, id string) (orders.Order, error) {
	return getOrder(ctx, s.DB, id, false)
}

func (s *Store) GetReservation(ctx context.Context, id string) (orders.Reservation, error) {
	return scanReservation(s.DB.QueryRow(ctx, selectReservation+` WHERE id=$1`, id))
}

func (s *Store) PaymentEvent(ctx context.Context, id string) (orders.ProcessedPaymentEvent, error) {
	var e orders.ProcessedPaymentEvent
	var outcome string
	err := s.DB.QueryRow(ctx, `
		SELECT provider_event_id, order_id, outcome, processed_at
		FROM processed_payment_events WHERE provider_event_id=$1`, id).
		Scan(&e.ProviderEventID, &e.OrderID, &outcome, &e.ProcessedAt)
	if err != nil {
		return e, mapErr(err)
	}
	e.Outcome = orders.Outcome(outcome)
	return e, nil
}

func (s *Store) GetTracking(ctx context.Context, orderID string) (orders.ShippingTrackingState, error) {
	return scanTracking(s.DB.QueryRow(ctx, selectTracking+` WHERE order_id=$1`, orderID))
}

func (s *Store) ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]orders.Reservation, error) {
	rows, err := s.DB.Query(ctx, selectReservation+`
		WHERE status='HELD' AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []orders.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, mapErr(rows.Err())
}

func (s *Store) ActiveShipments(ctx context.Context, limit int) ([]orders.ShippingTrackingState, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT t.order_id, t.carrier, t.tracking_number, t.carrier_status, t.normalized_status,
		       t.last_event_at, t.last_exception_at, t.updated_at
		FROM shipping_tracking_states t
		JOIN orders o ON o.id = t.order_id
		WHERE t.tracking_number <> '' AND o.status IN ('PROCESSING','SHIPPED')
		ORDER BY t.updated_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []orders.ShippingTrackingState
	for rows.Next() {
		st, err := scanTracking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, mapErr(rows.Err())
}

// mapErr translates driver errors into store sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03", "40001", "40P01": // lock_not_available, serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.Message)
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", store.ErrDuplicate, pgErr.ConstraintName)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", store.ErrConflict, err)
	}
	return err
}
