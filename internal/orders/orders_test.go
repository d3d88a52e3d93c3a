package orders

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTransitionTable(t *testing.T) {
	all := []Status{StatusPending, StatusProcessing, StatusShipped, StatusDelivered, StatusCancelled, StatusRefunded}
	allowed := map[[2]Status]bool{
		{StatusPending, StatusProcessing}:   true,
		{StatusPending, StatusCancelled}:    true,
		{StatusProcessing, StatusShipped}:   true,
		{StatusProcessing, StatusCancelled}: true,
		{StatusProcessing, StatusRefunded}:  true,
		{StatusShipped, StatusDelivered}:    true,
		{StatusShipped, StatusRefunded}:     true,
		{StatusDelivered, StatusRefunded}:   true,
	}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]Status{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	assert.False(t, CanTransition("BOGUS", StatusPending))
	assert.False(t, Status("BOGUS").Valid())
}

func TestForwardOnlyProgress(t *testing.T) {
	for from, next := range validNext {
		for to := range next {
			if to.Terminal() {
				continue
			}
			assert.Greater(t, to.Progress(), from.Progress(), "%s -> %s", from, to)
		}
	}
}

func TestPaymentTable(t *testing.T) {
	assert.True(t, CanTransitionPayment(PaymentPending, PaymentCompleted))
	assert.True(t, CanTransitionPayment(PaymentCompleted, PaymentRefunded))
	assert.False(t, CanTransitionPayment(PaymentFailed, PaymentCompleted))
	assert.False(t, CanTransitionPayment(PaymentRefunded, PaymentPending))
}

func TestTrackingRank(t *testing.T) {
	assert.Less(t, TrackingInTransit.Rank(), TrackingDelivered.Rank())
	assert.Zero(t, TrackingException.Rank())
	_, ok := TrackingException.Target()
	assert.False(t, ok)
	s, ok := TrackingDelivered.Target()
	assert.True(t, ok)
	assert.Equal(t, StatusDelivered, s)
}

func TestTotalsValidate(t *testing.T) {
	assert.NoError(t, Totals{Subtotal: 1000, Tax: 80, Shipping: 500, Discount: 100, Total: 1480}.Validate())
	assert.ErrorIs(t, Totals{Subtotal: 1000, Total: 999}.Validate(), ErrInvalidOrder)
	assert.ErrorIs(t, Totals{Subtotal: 100, Discount: 200, Total: -100}.Validate(), ErrInvalidOrder)
}

func TestSameLinesIgnoresOrder(t *testing.T) {
	r := Reservation{Lines: []Line{{"a", 1}, {"b", 2}}}
	assert.True(t, r.SameLines([]Line{{"b", 2}, {"a", 1}}))
	assert.False(t, r.SameLines([]Line{{"a", 1}}))
	assert.False(t, r.SameLines([]Line{{"a", 1}, {"b", 3}}))
}

func TestStockCheck(t *testing.T) {
	assert.NoError(t, StockRecord{UnitID: "a", TotalQuantity: 5, ReservedQuantity: 5}.Check())
	assert.Error(t, StockRecord{UnitID: "a", TotalQuantity: 5, ReservedQuantity: 6}.Check())
	assert.Error(t, StockRecord{UnitID: "a", TotalQuantity: -1}.Check())
	assert.Equal(t, 2, StockRecord{TotalQuantity: 5, ReservedQuantity: 3}.Available())
}

func TestSettled(t *testing.T) {
	r := Reservation{Status: ReservationConfirmed}
	assert.False(t, r.Settled())
	now := time.Now()
	r.ReleasedAt = &now
	assert.True(t, r.Settled())
}
