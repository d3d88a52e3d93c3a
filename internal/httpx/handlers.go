package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ariefcatur/go-realtime-fulfillment/internal/checkout"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/inventory"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/lifecycle"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/logging"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/orders"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/payment"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/redisx"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/tracking"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type Handlers struct {
	Checkout *checkout.Service
	Gate     *payment.Gate
	Machine  *lifecycle.Machine
	Engine   *inventory.Engine
	Tracking *tracking.Job
	// Cache is optional; GET /orders/{id} reads the store when nil.
	Cache *redisx.StatusCache
}

func (h *Handlers) Register(r chi.Router) {
	r.Post("/checkout", h.checkout)
	r.Post("/webhooks/payments", h.paymentWebhook)
	r.Post("/webhooks/tracking", h.trackingWebhook)

	r.Route("/orders/{id}", func(r chi.Router) {
		r.Get("/", h.getOrder)
		r.Post("/status", h.transition)
		r.Post("/cancel", h.cancel)
		r.Post("/refund", h.refund)
		r.Post("/payment", h.markProcessing)
		r.Post("/shipment", h.registerShipment)
	})

	r.Get("/stock/{unit}", h.getStock)
	r.Put("/stock/{unit}", h.restock)
	r.Post("/stock/{unit}/adjust", h.adjustStock)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return false
	}
	return true
}

// writeError maps domain errors to status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		insufficient *orders.InsufficientStockError
		duplicate    *orders.DuplicateReservationError
		exhausted    *orders.ConcurrencyExhaustedError
		blocked      *orders.FraudBlockedError
	)
	switch {
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":     err.Error(),
			"unit_id":   insufficient.UnitID,
			"requested": insufficient.Requested,
			"available": insufficient.Available,
		})
	case errors.As(err, &duplicate), orders.IsInvalidState(err), orders.IsIllegalTransition(err), errors.Is(err, orders.ErrOrderExists):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.As(err, &exhausted):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "try again"})
	case errors.As(err, &blocked):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "checkout blocked"})
	case errors.Is(err, orders.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, orders.ErrInvalidLines), errors.Is(err, orders.ErrInvalidOrder), errors.Is(err, payment.ErrInvalidEvent):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		logging.FromContext(r.Context()).Error("request_failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func (h *Handlers) checkout(w http.ResponseWriter, r *http.Request) {
	var req checkout.Request
	if !decode(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	res, err := h.Checkout.Checkout(ctx, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handlers) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	var ev payment.Event
	if !decode(w, r, &ev) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	res, err := h.Gate.HandlePaymentEvent(ctx, ev)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"provider_event_id": ev.ProviderEventID, "result": res})
}

type trackingPush struct {
	OrderID string    `json:"order_id"`
	Status  string    `json:"status"`
	At      time.Time `json:"at"`
}

func (h *Handlers) trackingWebhook(w http.ResponseWriter, r *http.Request) {
	var req trackingPush
	if !decode(w, r, &req) {
		return
	}
	if req.OrderID == "" || req.Status == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing fields"})
		return
	}
	if req.At.IsZero() {
		req.At = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	res, err := h.Tracking.Apply(ctx, req.OrderID, req.Status, req.At)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": req.OrderID, "result": res})
}

func (h *Handlers) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	// 1) coba cache
	if h.Cache != nil {
		s, ok, err := h.Cache.Get(ctx, orderID)
		if err != nil {
			logging.FromContext(r.Context()).Warn("status_cache_read_failed", zap.String("order_id", orderID), zap.Error(err))
		}
		if ok {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}

	// 2) fallback store
	o, err := h.Machine.Get(ctx, orderID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s := redisx.StatusOf(o)
	if h.Cache != nil {
		_ = h.Cache.Put(ctx, s)
	}
	writeJSON(w, http.StatusOK, s)
}

type transitionReq struct {
	Status orders.Status `json:"status"`
	Reason string        `json:"reason"`
}

func (h *Handlers) transition(w http.ResponseWriter, r *http.Request) {
	var req transitionReq
	if !decode(w, r, &req) {
		return
	}
	if !req.Status.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown status"})
		return
	}
	h.orderOp(w, r, func(ctx context.Context, id string) (orders.Order, error) {
		return h.Machine.Transition(ctx, id, req.Status, req.Reason)
	})
}

type reasonReq struct {
	Reason string `json:"reason"`
}

func (h *Handlers) cancel(w http.ResponseWriter, r *http.Request) {
	req := reasonReq{Reason: orders.ReasonCustomerCancel}
	if r.ContentLength > 0 && !decode(w, r, &req) {
		return
	}
	h.orderOp(w, r, func(ctx context.Context, id string) (orders.Order, error) {
		return h.Machine.Cancel(ctx, id, req.Reason)
	})
}

func (h *Handlers) refund(w http.ResponseWriter, r *http.Request) {
	req := reasonReq{Reason: orders.ReasonRefunded}
	if r.ContentLength > 0 && !decode(w, r, &req) {
		return
	}
	h.orderOp(w, r, func(ctx context.Context, id string) (orders.Order, error) {
		return h.Machine.Refund(ctx, id, req.Reason)
	})
}

// markProcessing records that a payment intent was created for the order.
func (h *Handlers) markProcessing(w http.ResponseWriter, r *http.Request) {
	h.orderOp(w, r, h.Gate.MarkProcessing)
}

func (h *Handlers) orderOp(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id string) (orders.Order, error)) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	o, err := fn(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type shipmentReq struct {
	Carrier        string `json:"carrier"`
	TrackingNumber string `json:"tracking_number"`
}

func (h *Handlers) registerShipment(w http.ResponseWriter, r *http.Request) {
	var req shipmentReq
	if !decode(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ts, err := h.Tracking.RegisterShipment(ctx, chi.URLParam(r, "id"), req.Carrier, req.TrackingNumber)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

type stockView struct {
	orders.StockRecord
	Available int `json:"available"`
}

func viewOf(rec orders.StockRecord) stockView {
	return stockView{StockRecord: rec, Available: rec.Available()}
}

func (h *Handlers) getStock(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	rec, err := h.Engine.Stock(ctx, chi.URLParam(r, "unit"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rec))
}

type restockReq struct {
	Total int `json:"total"`
}

func (h *Handlers) restock(w http.ResponseWriter, r *http.Request) {
	var req restockReq
	if !decode(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	rec, err := h.Engine.Restock(ctx, chi.URLParam(r, "unit"), req.Total)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rec))
}

type adjustReq struct {
	Delta int `json:"delta"`
}

func (h *Handlers) adjustStock(w http.ResponseWriter, r *http.Request) {
	var req adjustReq
	if !decode(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	rec, err := h.Engine.AdjustStock(ctx, chi.URLParam(r, "unit"), req.Delta)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rec))
}
