package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ariefcatur/go-realtime-fulfillment/internal/inventory"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/lifecycle"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/orders"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/store"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type fakeCarrier struct {
	statuses map[string]CarrierStatus
	err      error
}

func (c *fakeCarrier) Track(_ context.Context, _, number string) (CarrierStatus, error) {
	if c.err != nil {
		return CarrierStatus{}, c.err
	}
	return c.statuses[number], nil
}

type env struct {
	st      *memory.Store
	engine  *inventory.Engine
	machine *lifecycle.Machine
	carrier *fakeCarrier
	job     *Job
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st := memory.New()
	engine := inventory.NewEngine(st)
	_, err := engine.Restock(context.Background(), "sku-1", 10)
	require.NoError(t, err)
	machine := lifecycle.New(st, engine)
	c := &fakeCarrier{statuses: map[string]CarrierStatus{}}
	return &env{st: st, engine: engine, machine: machine, carrier: c, job: NewJob(st, machine, c)}
}

// paidOrder creates an order in PROCESSING with a confirmed reservation and a
// registered shipment.
func (e *env) paidOrder(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	_, err := store.Atomic(ctx, e.st, e.engine.RetryPolicy(), "test", func(ctx context.Context, tx store.Tx) (orders.Order, error) {
		if _, err := e.machine.CreateTx(ctx, tx, orders.Order{ID: id, CustomerID: "c"}); err != nil {
			return orders.Order{}, err
		}
		r, err := e.engine.ReserveTx(ctx, tx, id, []orders.Line{{UnitID: "sku-1", Quantity: 1}})
		if err != nil {
			return orders.Order{}, err
		}
		if _, err := e.machine.AttachReservationTx(ctx, tx, id, r.ID); err != nil {
			return orders.Order{}, err
		}
		if _, err := e.engine.ConfirmTx(ctx, tx, r.ID); err != nil {
			return orders.Order{}, err
		}
		if _, err := e.machine.SetPaymentStatusTx(ctx, tx, id, orders.PaymentCompleted); err != nil {
			return orders.Order{}, err
		}
		return e.machine.TransitionTx(ctx, tx, id, orders.StatusProcessing, "paid")
	})
	require.NoError(t, err)
	_, err = e.job.RegisterShipment(ctx, id, "acme", "TRK-"+id)
	require.NoError(t, err)
}

func (e *env) status(t *testing.T, id string) orders.Order {
	t.Helper()
	o, err := e.machine.Get(context.Background(), id)
	require.NoError(t, err)
	return o
}

func TestDeliveredBeforeInTransit(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.paidOrder(t, "o-1")

	res, err := e.job.Apply(ctx, "o-1", "Delivered", t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, ResultAdvanced, res)
	assert.Equal(t, orders.StatusDelivered, e.status(t, "o-1").Status)

	res, err = e.job.Apply(ctx, "o-1", "in transit", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, ResultStale, res)

	o := e.status(t, "o-1")
	assert.Equal(t, orders.StatusDelivered, o.Status)

	ts, err := e.st.GetTracking(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, orders.TrackingDelivered, ts.NormalizedStatus)
	assert.Equal(t, t0.Add(2*time.Hour), ts.LastEventAt)

	// delivery sells the stock
	rec, err := e.engine.Stock(ctx, "sku-1")
	require.NoError(t, err)
	assert.Equal(t, 9, rec.TotalQuantity)
	assert.Equal(t, 0, rec.ReservedQuantity)
}

func TestInTransitThenDelivered(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.paidOrder(t, "o-1")

	_, err := e.job.Apply(ctx, "o-1", "picked-up", t0)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusShipped, e.status(t, "o-1").Status)

	res, err := e.job.Apply(ctx, "o-1", "out_for_delivery", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, ResultStale, res)

	_, err = e.job.Apply(ctx, "o-1", "DELIVERED", t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, orders.StatusDelivered, e.status(t, "o-1").Status)
}

func TestDeliveredForCancelledOrderIsStale(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.paidOrder(t, "o-1")
	before, err := e.st.GetTracking(ctx, "o-1")
	require.NoError(t, err)
	_, err = e.machine.Cancel(ctx, "o-1", "customer")
	require.NoError(t, err)

	res, err := e.job.Apply(ctx, "o-1", "Delivered", t0)
	require.NoError(t, err)
	assert.Equal(t, ResultStale, res)
	assert.Equal(t, orders.StatusCancelled, e.status(t, "o-1").Status)

	ts, err := e.st.GetTracking(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, before.NormalizedStatus, ts.NormalizedStatus)
	assert.Equal(t, before.LastEventAt, ts.LastEventAt)
}

func TestExceptionFlagsWithoutRegressing(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.paidOrder(t, "o-1")
	_, err := e.job.Apply(ctx, "o-1", "in_transit", t0)
	require.NoError(t, err)

	res, err := e.job.Apply(ctx, "o-1", "customs hold", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, ResultException, res)

	o := e.status(t, "o-1")
	assert.Equal(t, orders.StatusShipped, o.Status)
	assert.True(t, o.NeedsReview)
	assert.Equal(t, orders.NoteTrackingException, o.Notes[len(o.Notes)-1].Kind)

	// the same exception again is not a new note
	res, err = e.job.Apply(ctx, "o-1", "customs hold", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, ResultStale, res)
	assert.Len(t, e.status(t, "o-1").Notes, len(o.Notes))
}

func TestUnknownStatusIgnored(t *testing.T) {
	e := newEnv(t)
	e.paidOrder(t, "o-1")
	res, err := e.job.Apply(context.Background(), "o-1", "label printed?", t0)
	require.NoError(t, err)
	assert.Equal(t, ResultUnknown, res)
	assert.Equal(t, orders.StatusProcessing, e.status(t, "o-1").Status)
}

func TestApplyWithoutShipment(t *testing.T) {
	e := newEnv(t)
	_, err := e.job.Apply(context.Background(), "nope", "delivered", t0)
	assert.ErrorIs(t, err, orders.ErrNotFound)
}

func TestRegisterShipmentRequiresPaidOrder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := store.Atomic(ctx, e.st, e.engine.RetryPolicy(), "test", func(ctx context.Context, tx store.Tx) (orders.Order, error) {
		return e.machine.CreateTx(ctx, tx, orders.Order{ID: "o-2", CustomerID: "c"})
	})
	require.NoError(t, err)

	_, err = e.job.RegisterShipment(ctx, "o-2", "acme", "TRK")
	assert.True(t, orders.IsInvalidState(err))
	_, err = e.job.RegisterShipment(ctx, "o-2", "", "TRK")
	assert.ErrorIs(t, err, orders.ErrInvalidOrder)
}

func TestReconcileOnceOutOfOrderEvents(t *testing.T) {
	e := newEnv(t)
	e.paidOrder(t, "o-1")
	e.paidOrder(t, "o-2")
	e.carrier.statuses["TRK-o-1"] = CarrierStatus{Events: []CarrierEvent{
		{Status: "delivered", At: t0.Add(3 * time.Hour)},
		{Status: "in_transit", At: t0.Add(time.Hour)},
	}}
	e.carrier.statuses["TRK-o-2"] = CarrierStatus{Status: "in_transit", LastUpdate: t0}

	st, err := e.job.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, st.Checked)
	assert.Equal(t, 3, st.Advanced)

	assert.Equal(t, orders.StatusDelivered, e.status(t, "o-1").Status)
	assert.Equal(t, orders.StatusShipped, e.status(t, "o-2").Status)

	// delivered orders drop out of the active set
	st, err = e.job.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Checked)
	assert.Equal(t, 1, st.Stale)
}

func TestReconcileOnceCarrierDown(t *testing.T) {
	e := newEnv(t)
	e.paidOrder(t, "o-1")
	e.carrier.err = errors.New("503")

	st, err := e.job.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Failed)
	assert.Equal(t, orders.StatusProcessing, e.status(t, "o-1").Status)
}

func TestNormalize(t *testing.T) {
	cases := map[string]orders.NormalizedStatus{
		"In Transit":       orders.TrackingInTransit,
		"out-for-delivery": orders.TrackingInTransit,
		" delivered ":      orders.TrackingDelivered,
		"FAILED_ATTEMPT":   orders.TrackingException,
	}
	for raw, want := range cases {
		got, ok := Normalize(raw)
		assert.True(t, ok, raw)
		assert.Equal(t, want, got, raw)
	}
	_, ok := Normalize("teleported")
	assert.False(t, ok)
}

func TestHTTPCarrier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/track/acme/TRK-1":
			_ = json.NewEncoder(w).Encode(CarrierStatus{Status: "delivered", LastUpdate: t0})
		case "/track/acme/TRK-500":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewHTTPCarrier(srv.URL+"/", 100)
	cs, err := c.Track(context.Background(), "acme", "TRK-1")
	require.NoError(t, err)
	assert.Equal(t, "delivered", cs.Status)
	assert.True(t, cs.LastUpdate.Equal(t0))

	_, err = c.Track(context.Background(), "acme", "TRK-404")
	assert.ErrorIs(t, err, orders.ErrNotFound)
	_, err = c.Track(context.Background(), "acme", "TRK-500")
	assert.Error(t, err)
}
