package lifecycle

import (
	"context"
	"time"

	kafkax "github.com/ariefcatur/go-realtime-fulfillment/internal/kafka"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/orders"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
)

type producer interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

// Publisher emits OrderStatusChanged envelopes for committed transitions.
type Publisher struct {
	Producer producer
	Service  string
}

func (p *Publisher) OrderChanged(_ context.Context, c Change) {
	if c.From == "" {
		return
	}
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     orders.EventOrderStatusChanged,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      p.Service,
		CorrelationID: c.Order.ID,
		Payload: kafkax.MustMarshal(orders.OrderStatusChangedPayload{
			OrderID:       c.Order.ID,
			From:          c.From,
			To:            c.Order.Status,
			PaymentStatus: c.Order.PaymentStatus,
			ReservationID: c.Order.ReservationID,
			Reason:        c.Reason,
		}),
	}
	p.Producer.Publish(orders.PartitionKey(c.Order.ID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(orders.EventOrderStatusChanged)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}
