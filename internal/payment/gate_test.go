package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ariefcatur/go-realtime-fulfillment/internal/inventory"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/lifecycle"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/orders"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/store"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/store/memory"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	st      *memory.Store
	engine  *inventory.Engine
	machine *lifecycle.Machine
	gate    *Gate
}

func newFixture(t *testing.T, opts ...memory.Option) *fixture {
	t.Helper()
	st := memory.New(opts...)
	engine := inventory.NewEngine(st)
	machine := lifecycle.New(st, engine)
	_, err := engine.Restock(context.Background(), "sku-1", 5)
	require.NoError(t, err)
	return &fixture{st: st, engine: engine, machine: machine, gate: NewGate(st, engine, machine)}
}

// placeOrder creates a PENDING order holding qty of sku-1.
func (f *fixture) placeOrder(t *testing.T, id string, qty int) orders.Reservation {
	t.Helper()
	r, err := store.Atomic(context.Background(), f.st, f.engine.RetryPolicy(), "test", func(ctx context.Context, tx store.Tx) (orders.Reservation, error) {
		if _, err := f.machine.CreateTx(ctx, tx, orders.Order{ID: id, CustomerID: "c-1"}); err != nil {
			return orders.Reservation{}, err
		}
		r, err := f.engine.ReserveTx(ctx, tx, id, []orders.Line{{UnitID: "sku-1", Quantity: qty}})
		if err != nil {
			return r, err
		}
		_, err = f.machine.AttachReservationTx(ctx, tx, id, r.ID)
		return r, err
	})
	require.NoError(t, err)
	return r
}

func (f *fixture) stock(t *testing.T) orders.StockRecord {
	t.Helper()
	rec, err := f.engine.Stock(context.Background(), "sku-1")
	require.NoError(t, err)
	return rec
}

func TestSucceededIsAppliedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.placeOrder(t, "o-1", 2)

	ev := Event{ProviderEventID: "evt-1", OrderID: "o-1", Outcome: orders.OutcomeSucceeded}
	res, err := f.gate.HandlePaymentEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, ResultApplied, res)

	for i := 0; i < 5; i++ {
		res, err := f.gate.HandlePaymentEvent(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, ResultDuplicate, res)
	}

	o, err := f.machine.Get(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusProcessing, o.Status)
	assert.Equal(t, orders.PaymentCompleted, o.PaymentStatus)

	got, err := f.engine.Reservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.ReservationConfirmed, got.Status)
	assert.Equal(t, 1, f.st.PaymentEventCount())
	assert.Equal(t, 2, f.stock(t).ReservedQuantity)
}

func TestFailedReleasesAndCancels(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.placeOrder(t, "o-1", 3)

	res, err := f.gate.HandlePaymentEvent(ctx, Event{ProviderEventID: "evt-f", OrderID: "o-1", Outcome: orders.OutcomeFailed, Reason: "card_declined"})
	require.NoError(t, err)
	assert.Equal(t, ResultApplied, res)

	o, err := f.machine.Get(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCancelled, o.Status)
	assert.Equal(t, orders.PaymentFailed, o.PaymentStatus)

	got, err := f.engine.Reservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.ReservationReleased, got.Status)
	assert.Equal(t, orders.ReasonPaymentFailed, got.Reason)
	assert.Equal(t, 5, f.stock(t).Available())
}

func TestFailedAfterSucceededIsRecordedAndFlagged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.placeOrder(t, "o-1", 1)

	_, err := f.gate.HandlePaymentEvent(ctx, Event{ProviderEventID: "evt-s", OrderID: "o-1", Outcome: orders.OutcomeSucceeded})
	require.NoError(t, err)
	res, err := f.gate.HandlePaymentEvent(ctx, Event{ProviderEventID: "evt-f", OrderID: "o-1", Outcome: orders.OutcomeFailed})
	require.NoError(t, err)
	assert.Equal(t, ResultIgnored, res)

	o, err := f.machine.Get(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusProcessing, o.Status)
	assert.True(t, o.NeedsReview)
	assert.Equal(t, 2, f.st.PaymentEventCount())
}

func TestSucceededAfterExpiryFlagsRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.placeOrder(t, "o-1", 1)
	_, err := f.engine.Release(ctx, r.ID, orders.ReasonExpired)
	require.NoError(t, err)

	res, err := f.gate.HandlePaymentEvent(ctx, Event{ProviderEventID: "evt-s", OrderID: "o-1", Outcome: orders.OutcomeSucceeded})
	require.NoError(t, err)
	assert.Equal(t, ResultIgnored, res)

	o, err := f.machine.Get(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPending, o.Status)
	assert.True(t, o.NeedsReview)
	require.NotEmpty(t, o.Notes)
	assert.Equal(t, orders.NoteRefundRequired, o.Notes[len(o.Notes)-1].Kind)
}

func TestFaultRollsBackThenRedeliveryApplies(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	f := newFixture(t, memory.WithFault(func(op string) error {
		if op == "InsertPaymentEvent" && failing.Load() {
			return errors.New("disk on fire")
		}
		return nil
	}))
	ctx := context.Background()
	r := f.placeOrder(t, "o-1", 2)
	ev := Event{ProviderEventID: "evt-1", OrderID: "o-1", Outcome: orders.OutcomeSucceeded}

	_, err := f.gate.HandlePaymentEvent(ctx, ev)
	require.Error(t, err)

	o, err := f.machine.Get(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPending, o.Status)
	assert.Equal(t, orders.PaymentPending, o.PaymentStatus)
	got, err := f.engine.Reservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.ReservationHeld, got.Status)
	assert.Equal(t, 0, f.st.PaymentEventCount())

	failing.Store(false)
	res, err := f.gate.HandlePaymentEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, ResultApplied, res)
}

func TestConcurrentDuplicatesApplyOnce(t *testing.T) {
	f := newFixture(t)
	f.placeOrder(t, "o-1", 2)
	ev := Event{ProviderEventID: "evt-1", OrderID: "o-1", Outcome: orders.OutcomeSucceeded}

	var (
		wg      sync.WaitGroup
		applied atomic.Int32
		dupes   atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.gate.HandlePaymentEvent(context.Background(), ev)
			if err != nil {
				return
			}
			switch res {
			case ResultApplied:
				applied.Add(1)
			case ResultDuplicate:
				dupes.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), applied.Load())
	assert.Equal(t, 1, f.st.PaymentEventCount())
	assert.Equal(t, 2, f.stock(t).ReservedQuantity)
}

type memDedupe struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (d *memDedupe) Seen(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen[id], nil
}

func (d *memDedupe) Mark(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[id] = true
	return nil
}

func TestDedupeHintMarkedAfterCommit(t *testing.T) {
	f := newFixture(t)
	d := &memDedupe{seen: map[string]bool{}}
	f.gate = NewGate(f.st, f.engine, f.machine, WithDedupe(d))
	f.placeOrder(t, "o-1", 1)

	_, err := f.gate.HandlePaymentEvent(context.Background(), Event{ProviderEventID: "evt-x", OrderID: "missing", Outcome: orders.OutcomeSucceeded})
	require.ErrorIs(t, err, orders.ErrNotFound)
	assert.False(t, d.seen["evt-x"])

	_, err = f.gate.HandlePaymentEvent(context.Background(), Event{ProviderEventID: "evt-1", OrderID: "o-1", Outcome: orders.OutcomeSucceeded})
	require.NoError(t, err)
	assert.True(t, d.seen["evt-1"])

	res, err := f.gate.HandlePaymentEvent(context.Background(), Event{ProviderEventID: "evt-1", OrderID: "o-1", Outcome: orders.OutcomeSucceeded})
	require.NoError(t, err)
	assert.Equal(t, ResultDuplicate, res)
}

func TestInvalidEvent(t *testing.T) {
	f := newFixture(t)
	_, err := f.gate.HandlePaymentEvent(context.Background(), Event{OrderID: "o-1", Outcome: orders.OutcomeSucceeded})
	assert.ErrorIs(t, err, ErrInvalidEvent)
	_, err = f.gate.HandlePaymentEvent(context.Background(), Event{ProviderEventID: "e", OrderID: "o-1", Outcome: "MAYBE"})
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestHandleMessage(t *testing.T) {
	f := newFixture(t)
	f.placeOrder(t, "o-1", 1)

	payload, _ := json.Marshal(orders.PaymentOutcomePayload{ProviderEventID: "evt-k", OrderID: "o-1"})
	value, _ := json.Marshal(orders.Envelope{EventID: "env-1", EventType: orders.EventPaymentSucceeded, Payload: payload})
	require.NoError(t, f.gate.HandleMessage(context.Background(), kafkago.Message{Value: value}))

	o, err := f.machine.Get(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusProcessing, o.Status)

	// garbage and unknown orders are acknowledged, not retried forever
	assert.NoError(t, f.gate.HandleMessage(context.Background(), kafkago.Message{Value: []byte("{")}))
	payload, _ = json.Marshal(orders.PaymentOutcomePayload{ProviderEventID: "evt-z", OrderID: "nope"})
	value, _ = json.Marshal(orders.Envelope{EventType: orders.EventPaymentFailed, Payload: payload})
	assert.NoError(t, f.gate.HandleMessage(context.Background(), kafkago.Message{Value: value}))
}

func TestMarkProcessing(t *testing.T) {
	f := newFixture(t)
	f.placeOrder(t, "o-1", 1)
	o, err := f.gate.MarkProcessing(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, orders.PaymentProcessing, o.PaymentStatus)

	res, err := f.gate.HandlePaymentEvent(context.Background(), Event{ProviderEventID: "evt-1", OrderID: "o-1", Outcome: orders.OutcomeSucceeded})
	require.NoError(t, err)
	assert.Equal(t, ResultApplied, res)
}

func TestHTTPFraudScorer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req FraudRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		d := DecisionAllow
		if req.Total > 100000 {
			d = DecisionBlock
		}
		_ = json.NewEncoder(w).Encode(FraudAssessment{Score: 0.5, Decision: d})
	}))
	defer srv.Close()

	s := NewHTTPFraudScorer(srv.URL)
	a, err := s.Score(context.Background(), FraudRequest{OrderID: "o-1", Total: 500})
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, a.Decision)

	a, err = s.Score(context.Background(), FraudRequest{OrderID: "o-2", Total: 200000})
	require.NoError(t, err)
	assert.Equal(t, DecisionBlock, a.Decision)
}

func TestHTTPFraudScorerRejectsBadResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/down" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"decision":"shrug"}`))
	}))
	defer srv.Close()

	_, err := NewHTTPFraudScorer(srv.URL+"/down").Score(context.Background(), FraudRequest{})
	assert.Error(t, err)
	_, err = NewHTTPFraudScorer(srv.URL).Score(context.Background(), FraudRequest{})
	assert.Error(t, err)
}
