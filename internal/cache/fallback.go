package cache

import (
	"context"
	"sync"

	"github.com/andeerc/pg-multiverse/internal/events"
)

// Fallback wraps a primary provider with a secondary one. Reads prefer the
// primary while it is healthy; writes go to the primary when healthy and
// always to the fallback, so a primary outage degrades instead of failing.
type Fallback struct {
	primary   Cache
	secondary Cache
	bus       *events.Bus

	syncOnReconnect bool

	mu          sync.Mutex
	primaryDown bool
}

func NewFallback(primary, secondary Cache, syncOnReconnect bool, bus *events.Bus) *Fallback {
	return &Fallback{
		primary:         primary,
		secondary:       secondary,
		bus:             bus,
		syncOnReconnect: syncOnReconnect,
	}
}

// observe tracks primary health transitions and emits a sync request when the
// primary comes back.
func (f *Fallback) observe(healthy bool) {
	f.mu.Lock()
	wasDown := f.primaryDown
	f.primaryDown = !healthy
	f.mu.Unlock()

	if healthy && wasDown && f.syncOnReconnect {
		f.bus.Emit(events.CacheSync, events.CacheSyncPayload{Backend: "primary"})
	}
}

func (f *Fallback) primaryHealthy() bool {
	healthy := f.primary.IsHealthy()
	f.observe(healthy)
	return healthy
}

func (f *Fallback) Get(ctx context.Context, key string) (any, bool, error) {
	if f.primaryHealthy() {
		return f.primary.Get(ctx, key)
	}
	return f.secondary.Get(ctx, key)
}

func (f *Fallback) Set(ctx context.Context, key string, value any, opts Options) error {
	var primaryErr error
	if f.primaryHealthy() {
		primaryErr = f.primary.Set(ctx, key, value, opts)
	}
	if err := f.secondary.Set(ctx, key, value, opts); err != nil {
		return err
	}
	return primaryErr
}

func (f *Fallback) Has(ctx context.Context, key string) (bool, error) {
	if f.primaryHealthy() {
		return f.primary.Has(ctx, key)
	}
	return f.secondary.Has(ctx, key)
}

func (f *Fallback) Delete(ctx context.Context, key string) (bool, error) {
	ok1, err1 := f.primary.Delete(ctx, key)
	ok2, err2 := f.secondary.Delete(ctx, key)
	if err1 != nil {
		return ok2, err1
	}
	return ok1 || ok2, err2
}

func (f *Fallback) GetMetadata(ctx context.Context, key string) (*Metadata, bool, error) {
	if f.primaryHealthy() {
		return f.primary.GetMetadata(ctx, key)
	}
	return f.secondary.GetMetadata(ctx, key)
}

func (f *Fallback) InvalidateBySchema(ctx context.Context, schema string) (int, error) {
	n1, err1 := f.primary.InvalidateBySchema(ctx, schema)
	n2, err2 := f.secondary.InvalidateBySchema(ctx, schema)
	return maxInt(n1, n2), firstErr(err1, err2)
}

func (f *Fallback) InvalidateByTags(ctx context.Context, tags []string) (int, error) {
	n1, err1 := f.primary.InvalidateByTags(ctx, tags)
	n2, err2 := f.secondary.InvalidateByTags(ctx, tags)
	return maxInt(n1, n2), firstErr(err1, err2)
}

func (f *Fallback) InvalidateByCluster(ctx context.Context, cluster string) (int, error) {
	n1, err1 := f.primary.InvalidateByCluster(ctx, cluster)
	n2, err2 := f.secondary.InvalidateByCluster(ctx, cluster)
	return maxInt(n1, n2), firstErr(err1, err2)
}

func (f *Fallback) InvalidateByPattern(ctx context.Context, pattern string) (int, error) {
	n1, err1 := f.primary.InvalidateByPattern(ctx, pattern)
	n2, err2 := f.secondary.InvalidateByPattern(ctx, pattern)
	return maxInt(n1, n2), firstErr(err1, err2)
}

// Stats reports the active provider's statistics.
func (f *Fallback) Stats() Stats {
	if f.primary.IsHealthy() {
		return f.primary.Stats()
	}
	return f.secondary.Stats()
}

func (f *Fallback) Clear(ctx context.Context) error {
	err1 := f.primary.Clear(ctx)
	err2 := f.secondary.Clear(ctx)
	return firstErr(err1, err2)
}

// IsHealthy is true while either provider is usable.
func (f *Fallback) IsHealthy() bool {
	return f.primaryHealthy() || f.secondary.IsHealthy()
}

func (f *Fallback) Close() error {
	err1 := f.primary.Close()
	err2 := f.secondary.Close()
	return firstErr(err1, err2)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
