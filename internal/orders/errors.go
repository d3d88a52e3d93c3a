package orders

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidLines = errors.New("invalid reservation lines")
	ErrInvalidOrder = errors.New("invalid order")
	ErrOrderExists  = errors.New("order already exists")
)

// InsufficientStockError is user-facing; the caller may retry with a smaller quantity.
type InsufficientStockError struct {
	UnitID    string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", e.UnitID, e.Requested, e.Available)
}

type DuplicateReservationError struct {
	OrderID       string
	ReservationID string
	Status        ReservationStatus
}

func (e *DuplicateReservationError) Error() string {
	return fmt.Sprintf("order %s already has reservation %s (%s)", e.OrderID, e.ReservationID, e.Status)
}

type InvalidStateError struct {
	Entity string
	ID     string
	State  string
	Op     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s %s %s in state %s", e.Op, e.Entity, e.ID, e.State)
}

// ConcurrencyExhaustedError is transient; surface as "try again".
type ConcurrencyExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ConcurrencyExhaustedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ConcurrencyExhaustedError) Unwrap() error { return e.Err }

type IllegalTransitionError struct {
	From Status
	To   Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal order transition %s -> %s", e.From, e.To)
}

type FraudBlockedError struct {
	OrderID string
	Score   float64
}

func (e *FraudBlockedError) Error() string {
	return fmt.Sprintf("checkout for order %s blocked by fraud scoring (score %.2f)", e.OrderID, e.Score)
}

func IsInvalidState(err error) bool {
	var e *InvalidStateError
	return errors.As(err, &e)
}

func IsIllegalTransition(err error) bool {
	var e *IllegalTransitionError
	return errors.As(err, &e)
}
