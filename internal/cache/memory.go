package cache

import (
	"context"
	"encoding/json"
	"regexp"
	"sync"
	"time"

	"github.com/andeerc/pg-multiverse/internal/events"
)

// Eviction strategies for the memory backend.
type EvictionStrategy string

const (
	LRU  EvictionStrategy = "lru"
	LFU  EvictionStrategy = "lfu"
	FIFO EvictionStrategy = "fifo"
)

// MemoryConfig tunes the in-memory backend.
type MemoryConfig struct {
	MaxEntries    int
	DefaultTTL    time.Duration
	Eviction      EvictionStrategy
	SweepInterval time.Duration
}

const (
	defaultMaxEntries    = 1000
	defaultTTL           = 5 * time.Minute
	defaultSweepInterval = 60 * time.Second
)

type entry struct {
	value        any
	expiresAt    time.Time
	createdAt    time.Time
	lastAccessed time.Time
	accessCount  int64
	size         int64
	tags         map[string]struct{}
	schema       string
	cluster      string
}

// Memory is the in-memory provider. TTL expiry is absolute; a background
// sweeper evicts expired entries between accesses.
type Memory struct {
	cfg MemoryConfig
	bus *events.Bus

	mu      sync.Mutex
	entries map[string]*entry
	hits    int64
	misses  int64
	evicted int64

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewMemory(cfg MemoryConfig, bus *events.Bus) *Memory {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = defaultTTL
	}
	if cfg.Eviction == "" {
		cfg.Eviction = LRU
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}

	m := &Memory{
		cfg:     cfg,
		bus:     bus,
		entries: make(map[string]*entry),
		stopCh:  make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

func (m *Memory) sweepLoop() {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Memory) sweep() {
	now := time.Now()
	var expired []string

	m.mu.Lock()
	for key, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, key)
			m.evicted++
			expired = append(expired, key)
		}
	}
	m.mu.Unlock()

	for _, key := range expired {
		m.bus.Emit(events.CacheEviction, events.CacheEvictionPayload{Key: key, Reason: ReasonTTL})
	}
}

func (m *Memory) Get(ctx context.Context, key string) (any, bool, error) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		m.misses++
		m.mu.Unlock()
		return nil, false, nil
	}
	if time.Now().After(e.expiresAt) {
		delete(m.entries, key)
		m.evicted++
		m.misses++
		m.mu.Unlock()
		m.bus.Emit(events.CacheEviction, events.CacheEvictionPayload{Key: key, Reason: ReasonTTL})
		return nil, false, nil
	}
	e.accessCount++
	e.lastAccessed = time.Now()
	m.hits++
	value := e.value
	m.mu.Unlock()
	return value, true, nil
}

func (m *Memory) Set(ctx context.Context, key string, value any, opts Options) error {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = m.cfg.DefaultTTL
	}

	now := time.Now()
	e := &entry{
		value:        value,
		expiresAt:    now.Add(ttl),
		createdAt:    now,
		lastAccessed: now,
		size:         estimateSize(value),
		schema:       opts.Schema,
		cluster:      opts.Cluster,
	}
	if len(opts.Tags) > 0 {
		e.tags = make(map[string]struct{}, len(opts.Tags))
		for _, t := range opts.Tags {
			e.tags[t] = struct{}{}
		}
	}

	var evictedKey string
	m.mu.Lock()
	if _, exists := m.entries[key]; !exists && len(m.entries) >= m.cfg.MaxEntries {
		evictedKey = m.evictOneLocked()
	}
	m.entries[key] = e
	m.mu.Unlock()

	if evictedKey != "" {
		m.bus.Emit(events.CacheEviction, events.CacheEvictionPayload{Key: evictedKey, Reason: ReasonSize})
	}
	return nil
}

// evictOneLocked removes one entry chosen by the configured strategy and
// returns its key.
func (m *Memory) evictOneLocked() string {
	var victim string
	var best time.Time
	var bestCount int64
	first := true

	for key, e := range m.entries {
		switch m.cfg.Eviction {
		case LFU:
			if first || e.accessCount < bestCount {
				victim, bestCount, first = key, e.accessCount, false
			}
		case FIFO:
			if first || e.createdAt.Before(best) {
				victim, best, first = key, e.createdAt, false
			}
		default: // LRU
			if first || e.lastAccessed.Before(best) {
				victim, best, first = key, e.lastAccessed, false
			}
		}
	}
	if victim != "" {
		delete(m.entries, victim)
		m.evicted++
	}
	return victim
}

func (m *Memory) Has(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return false, nil
	}
	if time.Now().After(e.expiresAt) {
		return false, nil
	}
	return true, nil
}

func (m *Memory) Delete(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	_, ok := m.entries[key]
	delete(m.entries, key)
	m.mu.Unlock()
	if ok {
		m.bus.Emit(events.CacheEviction, events.CacheEvictionPayload{Key: key, Reason: ReasonManual})
	}
	return ok, nil
}

func (m *Memory) GetMetadata(ctx context.Context, key string) (*Metadata, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	md := &Metadata{
		CreatedAt:    e.createdAt,
		LastAccessed: e.lastAccessed,
		ExpiresAt:    e.expiresAt,
		AccessCount:  e.accessCount,
		Size:         e.size,
		Schema:       e.schema,
		Cluster:      e.cluster,
	}
	for t := range e.tags {
		md.Tags = append(md.Tags, t)
	}
	return md, true, nil
}

func (m *Memory) InvalidateBySchema(ctx context.Context, schema string) (int, error) {
	return m.invalidate(func(e *entry) bool { return e.schema == schema })
}

func (m *Memory) InvalidateByTags(ctx context.Context, tags []string) (int, error) {
	return m.invalidate(func(e *entry) bool {
		for _, t := range tags {
			if _, ok := e.tags[t]; ok {
				return true
			}
		}
		return false
	})
}

func (m *Memory) InvalidateByCluster(ctx context.Context, cluster string) (int, error) {
	return m.invalidate(func(e *entry) bool { return e.cluster == cluster })
}

func (m *Memory) InvalidateByPattern(ctx context.Context, pattern string) (int, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, err
	}

	var removed []string
	m.mu.Lock()
	for key := range m.entries {
		if re.MatchString(key) {
			delete(m.entries, key)
			removed = append(removed, key)
		}
	}
	m.mu.Unlock()

	for _, key := range removed {
		m.bus.Emit(events.CacheEviction, events.CacheEvictionPayload{Key: key, Reason: ReasonManual})
	}
	return len(removed), nil
}

func (m *Memory) invalidate(match func(*entry) bool) (int, error) {
	var removed []string
	m.mu.Lock()
	for key, e := range m.entries {
		if match(e) {
			delete(m.entries, key)
			removed = append(removed, key)
		}
	}
	m.mu.Unlock()

	for _, key := range removed {
		m.bus.Emit(events.CacheEviction, events.CacheEvictionPayload{Key: key, Reason: ReasonManual})
	}
	return len(removed), nil
}

func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Entries:   len(m.entries),
		Hits:      m.hits,
		Misses:    m.misses,
		Evictions: m.evicted,
	}
	for _, e := range m.entries {
		s.SizeBytes += e.size
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total) * 100
	}
	return s
}

func (m *Memory) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.entries = make(map[string]*entry)
	m.mu.Unlock()
	return nil
}

func (m *Memory) IsHealthy() bool { return true }

func (m *Memory) Close() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	return nil
}

func estimateSize(value any) int64 {
	data, err := json.Marshal(value)
	if err != nil {
		return 0
	}
	return int64(len(data))
}
