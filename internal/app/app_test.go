package app

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewWithMemoryStore(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Load()
	cfg.Store = "memory"
	cfg.RedisAddr = mr.Addr()
	cfg.KafkaBrokers = []string{"127.0.0.1:1"}

	ctx, cancel := context.WithCancel(context.Background())
	a, err := New(ctx, cfg, zap.NewNop())
	require.NoError(t, err)

	rec, err := a.Engine.Restock(ctx, "sku-1", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Available())
	assert.Equal(t, cfg.HoldDuration, a.Engine.HoldDuration())

	mfs, err := a.Registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, mfs)

	cancel()
	a.Close()
}

func TestNewRejectsUnknownStore(t *testing.T) {
	cfg := config.Load()
	cfg.Store = "sqlite"
	_, err := New(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
}
