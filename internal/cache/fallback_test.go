package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andeerc/pg-multiverse/internal/events"
)

// flakyCache wraps a Memory provider with a switchable health flag.
type flakyCache struct {
	*Memory
	healthy bool
}

func (f *flakyCache) IsHealthy() bool { return f.healthy }

func newFallbackPair(t *testing.T) (*Fallback, *flakyCache, *Memory, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	primary := &flakyCache{Memory: NewMemory(MemoryConfig{}, bus), healthy: true}
	secondary := NewMemory(MemoryConfig{}, bus)
	t.Cleanup(func() {
		primary.Close()
		secondary.Close()
	})
	return NewFallback(primary, secondary, true, bus), primary, secondary, bus
}

func TestFallback_SetWritesBoth(t *testing.T) {
	f, primary, secondary, _ := newFallbackPair(t)
	ctx := context.Background()

	require.NoError(t, f.Set(ctx, "k", "v", Options{}))

	_, ok, _ := primary.Memory.Get(ctx, "k")
	assert.True(t, ok)
	_, ok, _ = secondary.Get(ctx, "k")
	assert.True(t, ok)
}

func TestFallback_GetPrefersPrimary(t *testing.T) {
	f, primary, secondary, _ := newFallbackPair(t)
	ctx := context.Background()

	require.NoError(t, primary.Memory.Set(ctx, "k", "primary", Options{}))
	require.NoError(t, secondary.Set(ctx, "k", "secondary", Options{}))

	v, ok, err := f.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "primary", v)
}

func TestFallback_GetDegradesToSecondary(t *testing.T) {
	f, primary, secondary, _ := newFallbackPair(t)
	ctx := context.Background()

	require.NoError(t, secondary.Set(ctx, "k", "secondary", Options{}))
	primary.healthy = false

	v, ok, err := f.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "secondary", v)
}

func TestFallback_SetSkipsDownPrimary(t *testing.T) {
	f, primary, secondary, _ := newFallbackPair(t)
	ctx := context.Background()

	primary.healthy = false
	require.NoError(t, f.Set(ctx, "k", "v", Options{}))

	_, ok, _ := primary.Memory.Get(ctx, "k")
	assert.False(t, ok)
	_, ok, _ = secondary.Get(ctx, "k")
	assert.True(t, ok)
}

func TestFallback_DeleteFansOut(t *testing.T) {
	f, primary, secondary, _ := newFallbackPair(t)
	ctx := context.Background()

	require.NoError(t, primary.Memory.Set(ctx, "k", 1, Options{}))
	require.NoError(t, secondary.Set(ctx, "k", 1, Options{}))

	ok, err := f.Delete(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	_, found, _ := primary.Memory.Get(ctx, "k")
	assert.False(t, found)
	_, found, _ = secondary.Get(ctx, "k")
	assert.False(t, found)
}

func TestFallback_InvalidateFansOut(t *testing.T) {
	f, primary, secondary, _ := newFallbackPair(t)
	ctx := context.Background()

	require.NoError(t, primary.Memory.Set(ctx, "a", 1, Options{Schema: "users"}))
	require.NoError(t, secondary.Set(ctx, "a", 1, Options{Schema: "users"}))

	n, err := f.InvalidateBySchema(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok, _ := primary.Memory.Get(ctx, "a")
	assert.False(t, ok)
	_, ok, _ = secondary.Get(ctx, "a")
	assert.False(t, ok)
}

func TestFallback_SyncEmittedOnRecovery(t *testing.T) {
	f, primary, _, bus := newFallbackPair(t)
	ctx := context.Background()

	synced := 0
	bus.Subscribe(events.CacheSync, func(any) { synced++ })

	primary.healthy = false
	_, _, err := f.Get(ctx, "k")
	require.NoError(t, err)

	primary.healthy = true
	_, _, err = f.Get(ctx, "k")
	require.NoError(t, err)

	assert.Equal(t, 1, synced)
}

func TestFallback_IsHealthy(t *testing.T) {
	f, primary, _, _ := newFallbackPair(t)

	assert.True(t, f.IsHealthy())
	primary.healthy = false
	assert.True(t, f.IsHealthy(), "memory fallback keeps the cache usable")
}

// errCache fails every Set; used to check error propagation.
type errCache struct{ Memory }

func (e *errCache) Set(ctx context.Context, key string, value any, opts Options) error {
	return errors.New("backend unavailable")
}

func TestFallback_SecondaryErrorSurfaces(t *testing.T) {
	bus := events.NewBus()
	primary := &flakyCache{Memory: NewMemory(MemoryConfig{}, bus), healthy: false}
	defer primary.Close()
	secondary := &errCache{}

	f := NewFallback(primary, secondary, false, bus)
	err := f.Set(context.Background(), "k", "v", Options{})
	require.Error(t, err)
}
