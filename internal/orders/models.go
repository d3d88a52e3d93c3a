package orders

import (
	"fmt"
	"time"
)

type Line struct {
	UnitID   string `json:"unit_id"`
	Quantity int    `json:"quantity"`
}

// StockRecord is the single authoritative row per sellable unit.
type StockRecord struct {
	UnitID           string    `json:"unit_id"`
	TotalQuantity    int       `json:"total_quantity"`
	ReservedQuantity int       `json:"reserved_quantity"`
	Version          int64     `json:"version"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (s StockRecord) Available() int {
	return s.TotalQuantity - s.ReservedQuantity
}

func (s StockRecord) Check() error {
	if s.TotalQuantity < 0 || s.ReservedQuantity < 0 || s.ReservedQuantity > s.TotalQuantity {
		return fmt.Errorf("stock invariant violated for %s: total=%d reserved=%d", s.UnitID, s.TotalQuantity, s.ReservedQuantity)
	}
	return nil
}

type Reservation struct {
	ID          string            `json:"id"`
	OrderID     string            `json:"order_id"`
	Lines       []Line            `json:"lines"`
	Status      ReservationStatus `json:"status"`
	Reason      string            `json:"reason,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
	ConfirmedAt *time.Time        `json:"confirmed_at,omitempty"`
	ReleasedAt  *time.Time        `json:"released_at,omitempty"`
	FinalizedAt *time.Time        `json:"finalized_at,omitempty"`
}

// SameLines compares line sets regardless of order.
func (r Reservation) SameLines(lines []Line) bool {
	if len(r.Lines) != len(lines) {
		return false
	}
	want := make(map[string]int, len(r.Lines))
	for _, l := range r.Lines {
		want[l.UnitID] = l.Quantity
	}
	for _, l := range lines {
		q, ok := want[l.UnitID]
		if !ok || q != l.Quantity {
			return false
		}
	}
	return true
}

// Settled reports whether a CONFIRMED reservation's stock has left the
// reserved pool, either sold (FinalizedAt) or handed back by a refund.
func (r Reservation) Settled() bool {
	return r.FinalizedAt != nil || (r.Status == ReservationConfirmed && r.ReleasedAt != nil)
}

func (r Reservation) Clone() Reservation {
	c := r
	c.Lines = append([]Line(nil), r.Lines...)
	return c
}

// Totals are integer cents.
type Totals struct {
	Subtotal int64 `json:"subtotal"`
	Tax      int64 `json:"tax"`
	Shipping int64 `json:"shipping"`
	Discount int64 `json:"discount"`
	Total    int64 `json:"total"`
}

func (t Totals) Validate() error {
	if t.Subtotal < 0 || t.Tax < 0 || t.Shipping < 0 || t.Discount < 0 || t.Total < 0 {
		return fmt.Errorf("%w: totals must be non-negative", ErrInvalidOrder)
	}
	if want := t.Subtotal + t.Tax + t.Shipping - t.Discount; t.Total != want {
		return fmt.Errorf("%w: total %d != subtotal+tax+shipping-discount (%d)", ErrInvalidOrder, t.Total, want)
	}
	return nil
}

type Note struct {
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
}

// Note kinds.
const (
	NoteStatus            = "status"
	NotePayment           = "payment"
	NoteFraudReview       = "fraud_review"
	NoteTrackingException = "tracking_exception"
	NoteRefundRequired    = "refund_required"
	NoteOutOfStock        = "out_of_stock"
)

type Order struct {
	ID            string        `json:"id"`
	CustomerID    string        `json:"customer_id"`
	Status        Status        `json:"status"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	ReservationID string        `json:"reservation_id,omitempty"`
	Totals        Totals        `json:"totals"`
	NeedsReview   bool          `json:"needs_review"`
	Notes         []Note        `json:"notes,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

func (o Order) Clone() Order {
	c := o
	c.Notes = append([]Note(nil), o.Notes...)
	return c
}

// ProcessedPaymentEvent is append-only.
type ProcessedPaymentEvent struct {
	ProviderEventID string    `json:"provider_event_id"`
	OrderID         string    `json:"order_id"`
	Outcome         Outcome   `json:"outcome"`
	ProcessedAt     time.Time `json:"processed_at"`
}

type ShippingTrackingState struct {
	OrderID          string           `json:"order_id"`
	Carrier          string           `json:"carrier"`
	TrackingNumber   string           `json:"tracking_number"`
	CarrierStatus    string           `json:"carrier_status,omitempty"`
	NormalizedStatus NormalizedStatus `json:"normalized_status,omitempty"`
	LastEventAt      time.Time        `json:"last_event_at"`
	LastExceptionAt  *time.Time       `json:"last_exception_at,omitempty"`
	UpdatedAt        time.Time        `json:"updated_at"`
}
