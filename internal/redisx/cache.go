package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-realtime-fulfillment/internal/lifecycle"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/orders"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// CachedStatus is the read model behind GET /orders/{id}. The store stays
// the source of truth; a miss or a redis error falls back to it.
type CachedStatus struct {
	OrderID       string               `json:"order_id"`
	Status        orders.Status        `json:"status"`
	PaymentStatus orders.PaymentStatus `json:"payment_status"`
	ReservationID string               `json:"reservation_id,omitempty"`
	NeedsReview   bool                 `json:"needs_review"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

func StatusOf(o orders.Order) CachedStatus {
	return CachedStatus{
		OrderID:       o.ID,
		Status:        o.Status,
		PaymentStatus: o.PaymentStatus,
		ReservationID: o.ReservationID,
		NeedsReview:   o.NeedsReview,
		UpdatedAt:     o.UpdatedAt,
	}
}

type StatusCache struct {
	rdb *redis.Client
	log *zap.Logger
}

func NewStatusCache(rdb *redis.Client, log *zap.Logger) *StatusCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &StatusCache{rdb: rdb, log: log}
}

func (c *StatusCache) Put(ctx context.Context, s CachedStatus) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, fmt.Sprintf(KeyOrderStatus, s.OrderID), b, TTLStatusCache).Err()
}

func (c *StatusCache) Get(ctx context.Context, orderID string) (CachedStatus, bool, error) {
	var s CachedStatus
	b, err := c.rdb.Get(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return s, false, nil
	}
	if err != nil {
		return s, false, err
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return s, false, err
	}
	return s, true, nil
}

// OrderChanged refreshes the cache after any committed change, status or not.
func (c *StatusCache) OrderChanged(ctx context.Context, ch lifecycle.Change) {
	if err := c.Put(ctx, StatusOf(ch.Order)); err != nil {
		c.log.Warn("status_cache_write_failed", zap.String("order_id", ch.Order.ID), zap.Error(err))
	}
}

var _ lifecycle.Observer = (*StatusCache)(nil)

// Dedupe marks provider events that already committed.
type Dedupe struct {
	rdb   *redis.Client
	scope string
}

func NewDedupe(rdb *redis.Client, scope string) *Dedupe {
	return &Dedupe{rdb: rdb, scope: scope}
}

func (d *Dedupe) Seen(ctx context.Context, id string) (bool, error) {
	return Exists(ctx, d.rdb, fmt.Sprintf(KeyDedup, d.scope, id))
}

func (d *Dedupe) Mark(ctx context.Context, id string) error {
	return d.rdb.Set(ctx, fmt.Sprintf(KeyDedup, d.scope, id), "1", TTLDedup).Err()
}
