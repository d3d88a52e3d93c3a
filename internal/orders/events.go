package orders

import (
	"encoding/json"
	"time"
)

const (
	EventOrderStatusChanged = "OrderStatusChanged"
	EventPaymentSucceeded   = "PaymentSucceeded"
	EventPaymentFailed      = "PaymentFailed"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order id
	Payload       json.RawMessage `json:"payload"`
}

type OrderStatusChangedPayload struct {
	OrderID       string        `json:"order_id"`
	From          Status        `json:"from"`
	To            Status        `json:"to"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	ReservationID string        `json:"reservation_id,omitempty"`
	Reason        string        `json:"reason,omitempty"`
}

// PaymentOutcomePayload is what the payment collaborator publishes. The
// provider event id is stable across redeliveries.
type PaymentOutcomePayload struct {
	ProviderEventID string `json:"provider_event_id"`
	OrderID         string `json:"order_id"`
	Reason          string `json:"reason,omitempty"`
}
