package memory

import (
	"context"
	"sort"

	"github.com/ariefcatur/go-realtime-fulfillment/internal/orders"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/store"
)

// tx stages writes; reads fall through to the committed maps.
type tx struct {
	s *Store

	stock        map[string]orders.StockRecord
	reservations map[string]orders.Reservation
	orders       map[string]orders.Order
	notes        map[string][]orders.Note
	events       map[string]orders.ProcessedPaymentEvent
	tracking     map[string]orders.ShippingTrackingState

	after []func(ctx context.Context)
}

func newTx(s *Store) *tx {
	return &tx{
		s:            s,
		stock:        map[string]orders.StockRecord{},
		reservations: map[string]orders.Reservation{},
		orders:       map[string]orders.Order{},
		notes:        map[string][]orders.Note{},
		events:       map[string]orders.ProcessedPaymentEvent{},
		tracking:     map[string]orders.ShippingTrackingState{},
	}
}

var _ store.Tx = (*tx)(nil)

func (t *tx) check(op string) error {
	if t.s.fault == nil {
		return nil
	}
	return t.s.fault(op)
}

func (t *tx) LockStock(_ context.Context, unitIDs []string) (map[string]orders.StockRecord, error) {
	if err := t.check("LockStock"); err != nil {
		return nil, err
	}
	ids := append([]string(nil), unitIDs...)
	sort.Strings(ids)

	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	out := make(map[string]orders.StockRecord, len(ids))
	for _, id := range ids {
		if rec, ok := t.stock[id]; ok {
			out[id] = rec
			continue
		}
		if rec, ok := t.s.stock[id]; ok {
			out[id] = rec
		}
	}
	return out, nil
}

func (t *tx) PutStock(_ context.Context, rec orders.StockRecord) error {
	if err := t.check("PutStock"); err != nil {
		return err
	}
	if err := rec.Check(); err != nil {
		return err
	}
	rec.Version++
	t.stock[rec.UnitID] = rec
	return nil
}

func (t *tx) Reservation(_ context.Context, id string) (orders.Reservation, error) {
	if err := t.check("Reservation"); err != nil {
		return orders.Reservation{}, err
	}
	if r, ok := t.reservations[id]; ok {
		return r.Clone(), nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	r, ok := t.s.reservations[id]
	if !ok {
		return orders.Reservation{}, store.ErrNotFound
	}
	return r.Clone(), nil
}

func (t *tx) ReservationByOrder(ctx context.Context, orderID string) (orders.Reservation, error) {
	if err := t.check("ReservationByOrder"); err != nil {
		return orders.Reservation{}, err
	}
	for _, r := range t.reservations {
		if r.OrderID == orderID {
			return r.Clone(), nil
		}
	}
	t.s.mu.RLock()
	id, ok := t.s.byOrder[orderID]
	t.s.mu.RUnlock()
	if !ok {
		return orders.Reservation{}, store.ErrNotFound
	}
	return t.Reservation(ctx, id)
}

func (t *tx) InsertReservation(ctx context.Context, r orders.Reservation) error {
	if err := t.check("InsertReservation"); err != nil {
		return err
	}
	if _, err := t.ReservationByOrder(ctx, r.OrderID); err == nil {
		return store.ErrDuplicate
	}
	if _, err := t.Reservation(ctx, r.ID); err == nil {
		return store.ErrDuplicate
	}
	t.reservations[r.ID] = r.Clone()
	return nil
}

func (t *tx) UpdateReservation(ctx context.Context, r orders.Reservation) error {
	if err := t.check("UpdateReservation"); err != nil {
		return err
	}
	if _, err := t.Reservation(ctx, r.ID); err != nil {
		return err
	}
	t.reservations[r.ID] = r.Clone()
	return nil
}

func (t *tx) Order(_ context.Context, id string) (orders.Order, error) {
	if err := t.check("Order"); err != nil {
		return orders.Order{}, err
	}
	o, ok := t.orders[id]
	if !ok {
		t.s.mu.RLock()
		o, ok = t.s.orders[id]
		t.s.mu.RUnlock()
		if !ok {
			return orders.Order{}, store.ErrNotFound
		}
	}
	o = o.Clone()
	o.Notes = append(o.Notes, t.notes[id]...)
	return o, nil
}

func (t *tx) InsertOrder(ctx context.Context, o orders.Order) error {
	if err := t.check("InsertOrder"); err != nil {
		return err
	}
	if _, err := t.Order(ctx, o.ID); err == nil {
		return store.ErrDuplicate
	}
	t.orders[o.ID] = o.Clone()
	return nil
}

func (t *tx) UpdateOrder(_ context.Context, o orders.Order) error {
	if err := t.check("UpdateOrder"); err != nil {
		return err
	}
	cur, ok := t.orders[o.ID]
	if !ok {
		t.s.mu.RLock()
		cur, ok = t.s.orders[o.ID]
		t.s.mu.RUnlock()
		if !ok {
			return store.ErrNotFound
		}
	}
	next := o.Clone()
	next.Notes = append([]orders.Note(nil), cur.Notes...)
	t.orders[o.ID] = next
	return nil
}

func (t *tx) AddNote(ctx context.Context, orderID string, n orders.Note) error {
	if err := t.check("AddNote"); err != nil {
		return err
	}
	if _, err := t.Order(ctx, orderID); err != nil {
		return err
	}
	t.notes[orderID] = append(t.notes[orderID], n)
	return nil
}

func (t *tx) PaymentEventProcessed(_ context.Context, id string) (bool, error) {
	if err := t.check("PaymentEventProcessed"); err != nil {
		return false, err
	}
	if _, ok := t.events[id]; ok {
		return true, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	_, ok := t.s.events[id]
	return ok, nil
}

func (t *tx) InsertPaymentEvent(ctx context.Context, e orders.ProcessedPaymentEvent) error {
	if err := t.check("InsertPaymentEvent"); err != nil {
		return err
	}
	if done, _ := t.PaymentEventProcessed(ctx, e.ProviderEventID); done {
		return store.ErrDuplicate
	}
	t.events[e.ProviderEventID] = e
	return nil
}

func (t *tx) Tracking(_ context.Context, orderID string) (orders.ShippingTrackingState, error) {
	if err := t.check("Tracking"); err != nil {
		return orders.ShippingTrackingState{}, err
	}
	if st, ok := t.tracking[orderID]; ok {
		return st, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	st, ok := t.s.tracking[orderID]
	if !ok {
		return orders.ShippingTrackingState{}, store.ErrNotFound
	}
	return st, nil
}

func (t *tx) PutTracking(_ context.Context, st orders.ShippingTrackingState) error {
	if err := t.check("PutTracking"); err != nil {
		return err
	}
	t.tracking[st.OrderID] = st
	return nil
}

func (t *tx) AfterCommit(fn func(ctx context.Context)) {
	t.after = append(t.after, fn)
}
