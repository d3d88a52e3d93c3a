package lifecycle

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ariefcatur/go-realtime-fulfillment/internal/orders"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	key, value []byte
	headers    []kafkago.Header
}

type fakeProducer struct{ msgs []published }

func (p *fakeProducer) Publish(key, value []byte, headers ...kafkago.Header) {
	p.msgs = append(p.msgs, published{key, value, headers})
}

func TestPublisherEmitsStatusChanges(t *testing.T) {
	prod := &fakeProducer{}
	pub := &Publisher{Producer: prod, Service: "fulfillment"}

	pub.OrderChanged(context.Background(), Change{Order: orders.Order{ID: "o-1", Status: orders.StatusPending}})
	assert.Empty(t, prod.msgs, "creation is not a status change")

	pub.OrderChanged(context.Background(), Change{
		Order:  orders.Order{ID: "o-1", Status: orders.StatusCancelled, PaymentStatus: orders.PaymentFailed, ReservationID: "r-1"},
		From:   orders.StatusPending,
		Reason: orders.ReasonPaymentFailed,
	})
	require.Len(t, prod.msgs, 1)
	m := prod.msgs[0]
	assert.Equal(t, orders.PartitionKey("o-1"), m.key)

	var env orders.Envelope
	require.NoError(t, json.Unmarshal(m.value, &env))
	assert.Equal(t, orders.EventOrderStatusChanged, env.EventType)
	assert.Equal(t, "fulfillment", env.Producer)
	assert.Equal(t, "o-1", env.CorrelationID)

	var p orders.OrderStatusChangedPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, orders.StatusPending, p.From)
	assert.Equal(t, orders.StatusCancelled, p.To)
	assert.Equal(t, orders.ReasonPaymentFailed, p.Reason)

	require.Len(t, m.headers, 2)
	assert.Equal(t, "x-event-type", m.headers[0].Key)
}

func TestMachineFeedsPublisher(t *testing.T) {
	prod := &fakeProducer{}
	e := newEnv(t)
	e.machine = New(e.st, e.engine, WithObserver(&Publisher{Producer: prod, Service: "test"}))
	e.pending(t, "o-1", 1)

	_, err := e.machine.Cancel(context.Background(), "o-1", orders.ReasonCustomerCancel)
	require.NoError(t, err)
	assert.Len(t, prod.msgs, 1)
}
