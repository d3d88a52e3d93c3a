package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ariefcatur/go-realtime-fulfillment/internal/orders"
)

type Decision string

const (
	DecisionAllow  Decision = "allow"
	DecisionReview Decision = "review"
	DecisionBlock  Decision = "block"
)

type FraudRequest struct {
	OrderID    string        `json:"order_id"`
	CustomerID string        `json:"customer_id"`
	Total      int64         `json:"total_cents"`
	Lines      []orders.Line `json:"lines"`
}

type FraudAssessment struct {
	Score    float64  `json:"score"`
	Decision Decision `json:"decision"`
	Reason   string   `json:"reason,omitempty"`
}

// FraudScorer is consulted before stock is held.
type FraudScorer interface {
	Score(ctx context.Context, req FraudRequest) (FraudAssessment, error)
}

// AllowAll approves everything. Local development only.
type AllowAll struct{}

func (AllowAll) Score(context.Context, FraudRequest) (FraudAssessment, error) {
	return FraudAssessment{Decision: DecisionAllow}, nil
}

// HTTPFraudScorer posts the request as JSON to URL and expects a FraudAssessment back.
type HTTPFraudScorer struct {
	URL    string
	Client *http.Client
}

func NewHTTPFraudScorer(url string) *HTTPFraudScorer {
	return &HTTPFraudScorer{URL: url, Client: &http.Client{Timeout: 2 * time.Second}}
}

func (s *HTTPFraudScorer) Score(ctx context.Context, req FraudRequest) (FraudAssessment, error) {
	var out FraudAssessment
	body, err := json.Marshal(req)
	if err != nil {
		return out, err
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return out, err
	}
	hreq.Header.Set("Content-Type", "application/json")
	resp, err := s.Client.Do(hreq)
	if err != nil {
		return out, fmt.Errorf("fraud score: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("fraud score: unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("fraud score: decode: %w", err)
	}
	switch out.Decision {
	case DecisionAllow, DecisionReview, DecisionBlock:
	default:
		return out, fmt.Errorf("fraud score: unknown decision %q", out.Decision)
	}
	return out, nil
}
