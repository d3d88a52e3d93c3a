// Package store defines the transactional persistence ports of the
// fulfillment core. Every mutation happens inside InTx; reads outside a
// transaction are snapshots and must not be used to decide a write.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ariefcatur/go-realtime-fulfillment/internal/orders"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrConflict covers lock timeouts, deadlocks and serialization failures.
	// The operation is safe to retry.
	ErrConflict = errors.New("store: conflict")
	// ErrDuplicate is a unique-key violation.
	ErrDuplicate = errors.New("store: duplicate key")
)

// Tx is one isolation boundary. Getters that feed a write lock the row for
// the rest of the transaction.
type Tx interface {
	// LockStock locks the given units in ascending id order. Units without a
	// row are absent from the result.
	LockStock(ctx context.Context, unitIDs []string) (map[string]orders.StockRecord, error)
	// PutStock upserts a stock row. Only the inventory engine calls it.
	PutStock(ctx context.Context, rec orders.StockRecord) error

	Reservation(ctx context.Context, id string) (orders.Reservation, error)
	ReservationByOrder(ctx context.Context, orderID string) (orders.Reservation, error)
	InsertReservation(ctx context.Context, r orders.Reservation) error
	UpdateReservation(ctx context.Context, r orders.Reservation) error

	Order(ctx context.Context, id string) (orders.Order, error)
	InsertOrder(ctx context.Context, o orders.Order) error
	// UpdateOrder writes every field except Notes.
	UpdateOrder(ctx context.Context, o orders.Order) error
	AddNote(ctx context.Context, orderID string, n orders.Note) error

	PaymentEventProcessed(ctx context.Context, providerEventID string) (bool, error)
	InsertPaymentEvent(ctx context.Context, e orders.ProcessedPaymentEvent) error

	Tracking(ctx context.Context, orderID string) (orders.ShippingTrackingState, error)
	PutTracking(ctx context.Context, st orders.ShippingTrackingState) error

	// AfterCommit registers fn to run once the transaction has committed.
	// It never runs on rollback.
	AfterCommit(fn func(ctx context.Context))
}

type Store interface {
	// InTx runs fn in a transaction. A non-nil error from fn rolls back
	// every write made through tx.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	Stock(ctx context.Context, unitID string) (orders.StockRecord, error)
	GetOrder(ctx context.Context, id string) (orders.Order, error)
	GetReservation(ctx context.Context, id string) (orders.Reservation, error)
	PaymentEvent(ctx context.Context, providerEventID string) (orders.ProcessedPaymentEvent, error)
	GetTracking(ctx context.Context, orderID string) (orders.ShippingTrackingState, error)

	// ExpiredReservations lists HELD reservations with ExpiresAt before now,
	// oldest first.
	ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]orders.Reservation, error)
	// ActiveShipments lists tracking states with a tracking number whose
	// order is PROCESSING or SHIPPED.
	ActiveShipments(ctx context.Context, limit int) ([]orders.ShippingTrackingState, error)
}
