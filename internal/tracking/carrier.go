package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ariefcatur/go-realtime-fulfillment/internal/orders"
	"golang.org/x/time/rate"
)

type CarrierEvent struct {
	Status   string    `json:"status"`
	At       time.Time `json:"at"`
	Location string    `json:"location,omitempty"`
}

// CarrierStatus is a carrier's view of one shipment. Events may arrive in
// any order.
type CarrierStatus struct {
	Status     string         `json:"status"`
	Events     []CarrierEvent `json:"events"`
	LastUpdate time.Time      `json:"last_update"`
}

type Carrier interface {
	Track(ctx context.Context, carrier, trackingNumber string) (CarrierStatus, error)
}

// HTTPCarrier polls a carrier aggregator at GET {BaseURL}/track/{carrier}/{number}.
type HTTPCarrier struct {
	BaseURL string
	Client  *http.Client
	limiter *rate.Limiter
}

func NewHTTPCarrier(baseURL string, rps float64) *HTTPCarrier {
	if rps <= 0 {
		rps = 1
	}
	return &HTTPCarrier{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 5 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

func (c *HTTPCarrier) Track(ctx context.Context, carrier, trackingNumber string) (CarrierStatus, error) {
	var out CarrierStatus
	if err := c.limiter.Wait(ctx); err != nil {
		return out, err
	}
	u := fmt.Sprintf("%s/track/%s/%s", c.BaseURL, url.PathEscape(carrier), url.PathEscape(trackingNumber))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return out, err
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return out, fmt.Errorf("carrier %s: %w", carrier, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return out, fmt.Errorf("carrier %s tracking %s: %w", carrier, trackingNumber, orders.ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return out, fmt.Errorf("carrier %s: unexpected status %d", carrier, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("carrier %s: decode: %w", carrier, err)
	}
	return out, nil
}

var normalized = map[string]orders.NormalizedStatus{
	"accepted":         orders.TrackingInTransit,
	"picked_up":        orders.TrackingInTransit,
	"shipped":          orders.TrackingInTransit,
	"in_transit":       orders.TrackingInTransit,
	"transit":          orders.TrackingInTransit,
	"arrived_at_hub":   orders.TrackingInTransit,
	"out_for_delivery": orders.TrackingInTransit,
	"delivered":        orders.TrackingDelivered,
	"exception":        orders.TrackingException,
	"failed_attempt":   orders.TrackingException,
	"delivery_failed":  orders.TrackingException,
	"customs_hold":     orders.TrackingException,
	"returned":         orders.TrackingException,
	"lost":             orders.TrackingException,
	"damaged":          orders.TrackingException,
}

// Normalize maps a raw carrier status onto the three tracked states. Case,
// spaces and dashes are ignored; unknown statuses report false.
func Normalize(raw string) (orders.NormalizedStatus, bool) {
	k := strings.ToLower(strings.TrimSpace(raw))
	k = strings.NewReplacer(" ", "_", "-", "_").Replace(k)
	n, ok := normalized[k]
	return n, ok
}
