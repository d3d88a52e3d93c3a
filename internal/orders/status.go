package orders

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusShipped    Status = "SHIPPED"
	StatusDelivered  Status = "DELIVERED"
	StatusCancelled  Status = "CANCELLED"
	StatusRefunded   Status = "REFUNDED"
)

// validNext is the complete edge set; anything missing is illegal.
var validNext = map[Status]map[Status]bool{
	StatusPending:    {StatusProcessing: true, StatusCancelled: true},
	StatusProcessing: {StatusShipped: true, StatusCancelled: true, StatusRefunded: true},
	StatusShipped:    {StatusDelivered: true, StatusRefunded: true},
	StatusDelivered:  {StatusRefunded: true},
	StatusCancelled:  {},
	StatusRefunded:   {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}

func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusRefunded
}

// Progress orders the forward chain PENDING < PROCESSING < SHIPPED < DELIVERED.
// Escape states report -1.
func (s Status) Progress() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusShipped:
		return 2
	case StatusDelivered:
		return 3
	}
	return -1
}

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "PENDING"
	PaymentProcessing PaymentStatus = "PROCESSING"
	PaymentCompleted  PaymentStatus = "COMPLETED"
	PaymentFailed     PaymentStatus = "FAILED"
	PaymentRefunded   PaymentStatus = "REFUNDED"
)

var validPaymentNext = map[PaymentStatus]map[PaymentStatus]bool{
	PaymentPending:    {PaymentProcessing: true, PaymentCompleted: true, PaymentFailed: true},
	PaymentProcessing: {PaymentCompleted: true, PaymentFailed: true},
	PaymentCompleted:  {PaymentRefunded: true},
	PaymentFailed:     {},
	PaymentRefunded:   {},
}

func CanTransitionPayment(from, to PaymentStatus) bool {
	return validPaymentNext[from][to]
}

func (s PaymentStatus) Valid() bool {
	_, ok := validPaymentNext[s]
	return ok
}

type ReservationStatus string

const (
	ReservationHeld      ReservationStatus = "HELD"
	ReservationConfirmed ReservationStatus = "CONFIRMED"
	ReservationReleased  ReservationStatus = "RELEASED"
	ReservationExpired   ReservationStatus = "EXPIRED"
)

// Terminal is true for every state except HELD. A CONFIRMED reservation can
// still be settled (finalized or compensated) but never changes status again.
func (s ReservationStatus) Terminal() bool {
	return s != ReservationHeld
}

type Outcome string

const (
	OutcomeSucceeded Outcome = "SUCCEEDED"
	OutcomeFailed    Outcome = "FAILED"
)

func (o Outcome) Valid() bool {
	return o == OutcomeSucceeded || o == OutcomeFailed
}

type NormalizedStatus string

const (
	TrackingInTransit NormalizedStatus = "in_transit"
	TrackingDelivered NormalizedStatus = "delivered"
	TrackingException NormalizedStatus = "exception"
)

// Rank is the monotonic progress rank. Exceptions carry no progress.
func (n NormalizedStatus) Rank() int {
	switch n {
	case TrackingInTransit:
		return 1
	case TrackingDelivered:
		return 2
	}
	return 0
}

// Target is the order status a tracking status implies, if any.
func (n NormalizedStatus) Target() (Status, bool) {
	switch n {
	case TrackingInTransit:
		return StatusShipped, true
	case TrackingDelivered:
		return StatusDelivered, true
	}
	return "", false
}

// Release reasons.
const (
	ReasonExpired        = "expired"
	ReasonPaymentFailed  = "payment_failed"
	ReasonCustomerCancel = "customer_cancelled"
	ReasonAdminCancel    = "admin_cancelled"
	ReasonOutOfStock     = "out_of_stock"
	ReasonRefunded       = "refunded"
)
