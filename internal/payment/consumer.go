package payment

import (
	"context"
	"encoding/json"
	"errors"

	kafkax "github.com/ariefcatur/go-realtime-fulfillment/internal/kafka"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/orders"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// HandleMessage is the kafka.Handler for order.payment.events. Messages that
// can never succeed are logged and acknowledged; transient failures return an
// error so the offset is not committed.
func (g *Gate) HandleMessage(ctx context.Context, m kafkago.Message) error {
	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		g.log.Error("payment_message_undecodable", zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	eventType := env.EventType
	if eventType == "" {
		eventType = kafkax.Header(m, "x-event-type")
	}

	var outcome orders.Outcome
	switch eventType {
	case orders.EventPaymentSucceeded:
		outcome = orders.OutcomeSucceeded
	case orders.EventPaymentFailed:
		outcome = orders.OutcomeFailed
	default:
		g.log.Debug("payment_message_skipped", zap.String("event_type", eventType))
		return nil
	}

	p, err := kafkax.UnwrapPayload[orders.PaymentOutcomePayload](env.Payload)
	if err != nil {
		g.log.Error("payment_message_undecodable", zap.String("event_id", env.EventID), zap.Error(err))
		return nil
	}
	if p.ProviderEventID == "" {
		// older producers only set the envelope id
		p.ProviderEventID = env.EventID
	}
	if p.OrderID == "" {
		p.OrderID = env.CorrelationID
	}

	_, err = g.HandlePaymentEvent(ctx, Event{
		ProviderEventID: p.ProviderEventID,
		OrderID:         p.OrderID,
		Outcome:         outcome,
		Reason:          p.Reason,
	})
	if errors.Is(err, ErrInvalidEvent) || errors.Is(err, orders.ErrNotFound) {
		return nil
	}
	return err
}
