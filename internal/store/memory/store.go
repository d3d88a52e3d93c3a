package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-realtime-fulfillment/internal/orders"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/store"
)

// Store keeps everything in process memory. Transactions are serialized by
// a single cancellable lock and staged writes are discarded on error, so the
// rollback behaviour matches the postgres store.
type Store struct {
	lock chan struct{}

	mu           sync.RWMutex
	stock        map[string]orders.StockRecord
	reservations map[string]orders.Reservation
	byOrder      map[string]string
	orders       map[string]orders.Order
	events       map[string]orders.ProcessedPaymentEvent
	tracking     map[string]orders.ShippingTrackingState

	fault func(op string) error
}

type Option func(*Store)

// WithFault installs a hook called before every Tx operation; a non-nil
// return aborts that operation. Used to simulate crashes mid-transaction.
func WithFault(fn func(op string) error) Option {
	return func(s *Store) { s.fault = fn }
}

func New(opts ...Option) *Store {
	s := &Store{
		lock:         make(chan struct{}, 1),
		stock:        map[string]orders.StockRecord{},
		reservations: map[string]orders.Reservation{},
		byOrder:      map[string]string{},
		orders:       map[string]orders.Order{},
		events:       map[string]orders.ProcessedPaymentEvent{},
		tracking:     map[string]orders.ShippingTrackingState{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

var _ store.Store = (*Store)(nil)

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	select {
	case s.lock <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", store.ErrConflict, ctx.Err())
	}

	t := newTx(s)
	err := fn(ctx, t)
	if err == nil {
		s.commit(t)
	}
	<-s.lock

	if err != nil {
		return err
	}
	for _, f := range t.after {
		f(ctx)
	}
	return nil
}

func (s *Store) commit(t *tx) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range t.stock {
		s.stock[k] = v
	}
	for k, v := range t.reservations {
		s.reservations[k] = v
		s.byOrder[v.OrderID] = k
	}
	for k, v := range t.orders {
		s.orders[k] = v
	}
	for k, notes := range t.notes {
		o := s.orders[k]
		o.Notes = append(o.Notes, notes...)
		s.orders[k] = o
	}
	for k, v := range t.events {
		s.events[k] = v
	}
	for k, v := range t.tracking {
		s.tracking[k] = v
	}
}

func (s *Store) Stock(_ context.Context, unitID string) (orders.StockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.stock[unitID]
	if !ok {
		return orders.StockRecord{}, store.ErrNotFound
	}
	return rec, nil
}

func (s *Store) GetOrder(_ context.Context, id string) (orders.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return orders.Order{}, store.ErrNotFound
	}
	return o.Clone(), nil
}

func (s *Store) GetReservation(_ context.Context, id string) (orders.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reservations[id]
	if !ok {
		return orders.Reservation{}, store.ErrNotFound
	}
	return r.Clone(), nil
}

func (s *Store) PaymentEvent(_ context.Context, id string) (orders.ProcessedPaymentEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	if !ok {
		return orders.ProcessedPaymentEvent{}, store.ErrNotFound
	}
	return e, nil
}

func (s *Store) GetTracking(_ context.Context, orderID string) (orders.ShippingTrackingState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.tracking[orderID]
	if !ok {
		return orders.ShippingTrackingState{}, store.ErrNotFound
	}
	return st, nil
}

// PaymentEventCount is for tests and diagnostics.
func (s *Store) PaymentEventCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func (s *Store) ExpiredReservations(_ context.Context, now time.Time, limit int) ([]orders.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []orders.Reservation
	for _, r := range s.reservations {
		if r.Status == orders.ReservationHeld && r.ExpiresAt.Before(now) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ActiveShipments(_ context.Context, limit int) ([]orders.ShippingTrackingState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []orders.ShippingTrackingState
	for id, st := range s.tracking {
		if st.TrackingNumber == "" {
			continue
		}
		o, ok := s.orders[id]
		if !ok || (o.Status != orders.StatusProcessing && o.Status != orders.StatusShipped) {
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
