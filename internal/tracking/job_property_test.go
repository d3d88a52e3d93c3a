package tracking

import (
	"context"
	"testing"
	"time"

	"github.com/ariefcatur/go-realtime-fulfillment/internal/orders"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var rawStatuses = []string{"in_transit", "delivered", "exception", "out for delivery", "mystery"}

// Whatever order observations arrive in, order progress never goes back and
// ends at the highest rank seen.
func TestTrackingIsMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 60
	properties := gopter.NewProperties(parameters)

	properties.Property("order progress never regresses", prop.ForAll(
		func(picks []int, offsets []int) bool {
			e := newEnv(t)
			e.paidOrder(t, "o-1")
			ctx := context.Background()

			best := 0
			last := e.status(t, "o-1").Status.Progress()
			for i, p := range picks {
				raw := rawStatuses[p]
				at := t0
				if i < len(offsets) {
					at = t0.Add(time.Duration(offsets[i]) * time.Minute)
				}
				if _, err := e.job.Apply(ctx, "o-1", raw, at); err != nil {
					t.Logf("apply %s: %v", raw, err)
					return false
				}
				if n, ok := Normalize(raw); ok && n.Rank() > best {
					best = n.Rank()
				}
				cur := e.status(t, "o-1").Status.Progress()
				if cur < last {
					return false
				}
				last = cur
			}

			want := orders.StatusProcessing
			switch best {
			case 1:
				want = orders.StatusShipped
			case 2:
				want = orders.StatusDelivered
			}
			got := e.status(t, "o-1").Status
			if got != want {
				t.Logf("picks %v: got %s want %s", picks, got, want)
				return false
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, len(rawStatuses)-1)),
		gen.SliceOf(gen.IntRange(-600, 600)),
	))

	properties.TestingRun(t)
}
