// Package coordinator is the public facade: a single query interface over
// the cluster manager, cache, transaction engine, and migration engine.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/andeerc/pg-multiverse/internal/cache"
	"github.com/andeerc/pg-multiverse/internal/cluster"
	"github.com/andeerc/pg-multiverse/internal/config"
	"github.com/andeerc/pg-multiverse/internal/driver"
	"github.com/andeerc/pg-multiverse/internal/events"
	"github.com/andeerc/pg-multiverse/internal/health"
	"github.com/andeerc/pg-multiverse/internal/migrate"
	"github.com/andeerc/pg-multiverse/internal/pool"
	"github.com/andeerc/pg-multiverse/internal/transaction"
)

// ErrNotInitialized is returned by operations before Initialize.
var ErrNotInitialized = errors.New("coordinator is not initialized")

// CacheBackend names a cache construction.
type CacheBackend string

const (
	CacheMemory   CacheBackend = "memory"
	CacheRedis    CacheBackend = "redis"
	CacheFallback CacheBackend = "fallback"
)

// CacheConfig tunes the coordinator's cache.
type CacheConfig struct {
	Enabled         bool
	Backend         CacheBackend
	DefaultTTL      time.Duration
	Memory          cache.MemoryConfig
	Redis           cache.RedisConfig
	SyncOnReconnect bool
}

// Config tunes the coordinator.
type Config struct {
	ConfigPath string
	Cache      CacheConfig
	Health     health.Config
	Migrations migrate.Config
}

// QueryOptions steers one Query call.
type QueryOptions struct {
	Schema      string
	ClusterID   string
	Consistency cluster.Consistency
	Timeout     time.Duration
	Cache       bool
	CacheKey    string
	CacheTTL    time.Duration
}

// InvalidationCriteria selects cache entries to drop. Exactly one criterion
// is honored per call, in field order.
type InvalidationCriteria struct {
	Schema  string
	Tags    []string
	Cluster string
	Pattern string
}

// SystemMetrics merges every component's statistics.
type SystemMetrics struct {
	Clusters        map[string]cluster.Stats `json:"clusters"`
	Cache           *cache.Stats             `json:"cache,omitempty"`
	Transactions    transaction.Metrics      `json:"transactions"`
	UptimeSeconds   float64                  `json:"uptime_seconds"`
	TotalQueries    int64                    `json:"total_queries"`
	AvgResponseTime float64                  `json:"avg_response_time"`
	ErrorRate       float64                  `json:"error_rate"`
}

// Coordinator composes and owns every subsystem.
type Coordinator struct {
	cfg    Config
	bus    *events.Bus
	logger zerolog.Logger

	configMgr  *config.Manager
	clusters   *cluster.Manager
	cache      cache.Cache
	tx         *transaction.Manager
	migrations *migrate.Manager

	startedAt   time.Time
	initialized atomic.Bool
}

// New wires the coordinator. The connector is injected so tests can script
// the wire driver.
func New(cfg Config, connector driver.Connector, logger zerolog.Logger) (*Coordinator, error) {
	bus := events.NewBus()

	c := &Coordinator{
		cfg:       cfg,
		bus:       bus,
		logger:    logger.With().Str("component", "coordinator").Logger(),
		configMgr: config.NewManager(cfg.ConfigPath, bus, logger),
		clusters:  cluster.NewManager(cluster.ManagerConfig{Health: cfg.Health}, connector, bus, logger),
	}
	c.tx = transaction.NewManager(c.clusters, bus, logger)
	c.migrations = migrate.NewManager(cfg.Migrations, c.clusters, bus, logger)

	if cfg.Cache.Enabled {
		provider, err := buildCache(cfg.Cache, bus)
		if err != nil {
			// Cache construction failures degrade to memory-only.
			logger.Warn().Err(err).Msg("cache backend unavailable, using memory cache")
			if provider != nil {
				provider.Close()
			}
			provider = cache.NewMemory(cfg.Cache.Memory, bus)
		}
		c.cache = provider
	}

	return c, nil
}

func buildCache(cfg CacheConfig, bus *events.Bus) (cache.Cache, error) {
	switch cfg.Backend {
	case CacheRedis:
		return cache.NewRedis(context.Background(), cfg.Redis, bus)
	case CacheFallback:
		// An unreachable Redis still yields a usable fallback pair; the
		// wrapper degrades reads to memory until the primary recovers.
		primary, err := cache.NewRedis(context.Background(), cfg.Redis, bus)
		if primary == nil {
			return nil, err
		}
		return cache.NewFallback(primary, cache.NewMemory(cfg.Memory, bus), cfg.SyncOnReconnect, bus), nil
	default:
		return cache.NewMemory(cfg.Memory, bus), nil
	}
}

// Bus exposes the event registry for subscribers.
func (c *Coordinator) Bus() *events.Bus { return c.bus }

// Migrations exposes the migration engine.
func (c *Coordinator) Migrations() *migrate.Manager { return c.migrations }

// Initialize loads (or accepts) the configuration document and brings every
// cluster up. Passing a nil document loads from the configured path.
func (c *Coordinator) Initialize(ctx context.Context, doc config.Document) error {
	if doc == nil {
		loaded, err := c.configMgr.LoadConfig()
		if err != nil {
			return err
		}
		doc = loaded
	} else {
		if err := c.configMgr.SetDocument(doc); err != nil {
			return err
		}
	}

	if err := c.clusters.Initialize(ctx, doc); err != nil {
		return err
	}
	if err := c.migrations.Initialize(ctx); err != nil {
		return err
	}

	// Config file changes feed back into the cluster manager.
	c.bus.Subscribe(events.ConfigChanged, func(any) {
		reloaded, err := c.configMgr.LoadConfig()
		if err != nil {
			c.logger.Error().Err(err).Msg("config reload failed")
			c.bus.Emit(events.ErrorEvent, events.ErrorPayload{Source: "config", Err: err})
			return
		}
		if err := c.clusters.UpdateConfig(context.Background(), reloaded); err != nil {
			c.logger.Error().Err(err).Msg("config update failed")
			c.bus.Emit(events.ErrorEvent, events.ErrorPayload{Source: "config", Err: err})
			return
		}
		c.bus.Emit(events.ConfigReloaded, events.ConfigChangedPayload{Path: c.cfg.ConfigPath})
	})
	if c.cfg.ConfigPath != "" {
		c.configMgr.Watch()
	}

	c.startedAt = time.Now()
	c.initialized.Store(true)
	c.logger.Info().Int("clusters", len(doc)).Msg("coordinator initialized")
	c.bus.Emit(events.Initialized, nil)
	return nil
}

// CacheKey computes the default cache key for a statement.
func CacheKey(sql string, params []any, schema string) string {
	h := fnv.New32a()
	h.Write([]byte(sql))
	h.Write([]byte{'|'})
	if data, err := json.Marshal(params); err == nil {
		h.Write(data)
	}
	h.Write([]byte{'|'})
	h.Write([]byte(schema))
	return "query:" + strconv.FormatUint(uint64(h.Sum32()), 36)
}

// Query routes one statement, consulting the cache for reads when asked.
func (c *Coordinator) Query(ctx context.Context, sql string, params []any, opts QueryOptions) (*driver.Result, error) {
	if !c.initialized.Load() {
		return nil, ErrNotInitialized
	}

	operation := cluster.DetectOperation(sql)
	useCache := opts.Cache && operation == cluster.OpRead && c.cache != nil

	var key string
	if useCache {
		key = opts.CacheKey
		if key == "" {
			key = CacheKey(sql, params, opts.Schema)
		}
		if value, ok, err := c.cache.Get(ctx, key); err == nil && ok {
			c.bus.Emit(events.CacheHit, events.CacheKeyPayload{Key: key})
			if res, ok := decodeCachedResult(value); ok {
				return res, nil
			}
		}
		c.bus.Emit(events.CacheMiss, events.CacheKeyPayload{Key: key})
	}

	start := time.Now()
	res, err := c.clusters.ExecuteQuery(ctx, sql, params, cluster.QueryOptions{
		Schema:      opts.Schema,
		ClusterID:   opts.ClusterID,
		Operation:   operation,
		Consistency: opts.Consistency,
		Timeout:     opts.Timeout,
	})
	duration := time.Since(start)

	clusterID := opts.ClusterID
	if clusterID == "" && opts.Schema != "" {
		if id, resolveErr := c.clusters.ClusterForSchema(opts.Schema); resolveErr == nil {
			clusterID = id
		}
	}

	if err != nil {
		c.bus.Emit(events.QueryError, events.QueryErrorPayload{SQL: sql, Params: params, ClusterID: clusterID, Err: err})
		return nil, err
	}

	if useCache {
		ttl := opts.CacheTTL
		if ttl <= 0 {
			ttl = c.cfg.Cache.DefaultTTL
		}
		cacheOpts := cache.Options{TTL: ttl, Schema: opts.Schema, Cluster: clusterID}
		if opts.Schema != "" {
			cacheOpts.Tags = []string{opts.Schema}
		}
		if setErr := c.cache.Set(ctx, key, res, cacheOpts); setErr != nil {
			c.logger.Warn().Err(setErr).Str("key", key).Msg("cache store failed")
		}
	}

	c.bus.Emit(events.QueryExecuted, events.QueryExecutedPayload{SQL: sql, Params: params, Duration: duration, ClusterID: clusterID})
	return res, nil
}

// decodeCachedResult restores a Result from a cache value, which may come
// back as a deserialized map from the Redis backend.
func decodeCachedResult(value any) (*driver.Result, bool) {
	switch v := value.(type) {
	case *driver.Result:
		return v, true
	case map[string]any:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, false
		}
		var res driver.Result
		if err := json.Unmarshal(data, &res); err != nil {
			return nil, false
		}
		return &res, true
	default:
		return nil, false
	}
}

// GetConnection routes to a pool and returns the wrapped connection.
func (c *Coordinator) GetConnection(ctx context.Context, opts QueryOptions) (*cluster.WrappedConn, error) {
	if !c.initialized.Load() {
		return nil, ErrNotInitialized
	}
	return c.clusters.GetConnection(ctx, cluster.QueryOptions{
		Schema:      opts.Schema,
		ClusterID:   opts.ClusterID,
		Consistency: opts.Consistency,
		Timeout:     opts.Timeout,
	})
}

// BeginTransaction opens a distributed transaction over the given schemas.
func (c *Coordinator) BeginTransaction(ctx context.Context, schemas []string, opts transaction.Options) (string, error) {
	if !c.initialized.Load() {
		return "", ErrNotInitialized
	}
	return c.tx.Begin(ctx, schemas, opts)
}

// ExecuteInTransaction runs one statement inside an open transaction.
func (c *Coordinator) ExecuteInTransaction(ctx context.Context, txID string, stmt transaction.Statement) (*driver.Result, error) {
	return c.tx.Execute(ctx, txID, stmt)
}

// CommitTransaction commits (2PC across clusters when needed).
func (c *Coordinator) CommitTransaction(ctx context.Context, txID string) error {
	return c.tx.Commit(ctx, txID)
}

// RollbackTransaction aborts the transaction.
func (c *Coordinator) RollbackTransaction(ctx context.Context, txID string) error {
	return c.tx.Rollback(ctx, txID)
}

// Tx is the closure-scoped handle WithTransaction passes to its callback.
type Tx struct {
	c  *Coordinator
	id string
}

// ID returns the transaction id.
func (t *Tx) ID() string { return t.id }

// Execute runs one statement in the transaction.
func (t *Tx) Execute(ctx context.Context, sql string, params []any, schema string) (*driver.Result, error) {
	return t.c.ExecuteInTransaction(ctx, t.id, transaction.Statement{SQL: sql, Params: params, Schema: schema})
}

// WithTransaction opens a transaction, runs fn, commits on success, and
// rolls back (re-raising the original error) on failure.
func (c *Coordinator) WithTransaction(ctx context.Context, schemas []string, opts transaction.Options, fn func(tx *Tx) error) error {
	txID, err := c.BeginTransaction(ctx, schemas, opts)
	if err != nil {
		return err
	}

	if err := fn(&Tx{c: c, id: txID}); err != nil {
		if rbErr := c.tx.Rollback(ctx, txID); rbErr != nil {
			c.logger.Warn().Str("tx", txID).Err(rbErr).Msg("rollback failed")
		}
		return err
	}
	return c.tx.Commit(ctx, txID)
}

// RegisterSchema maps a schema to a cluster at runtime.
func (c *Coordinator) RegisterSchema(schema, clusterID string) error {
	if !c.initialized.Load() {
		return ErrNotInitialized
	}
	if err := c.clusters.RegisterSchema(schema, clusterID); err != nil {
		return err
	}
	c.bus.Emit(events.SchemaRegistered, events.SchemaRegisteredPayload{Schema: schema, ClusterID: clusterID})
	return nil
}

// InvalidateCache drops cache entries by the first criterion set.
func (c *Coordinator) InvalidateCache(ctx context.Context, criteria InvalidationCriteria) (int, error) {
	if c.cache == nil {
		return 0, nil
	}
	switch {
	case criteria.Schema != "":
		return c.cache.InvalidateBySchema(ctx, criteria.Schema)
	case len(criteria.Tags) > 0:
		return c.cache.InvalidateByTags(ctx, criteria.Tags)
	case criteria.Cluster != "":
		return c.cache.InvalidateByCluster(ctx, criteria.Cluster)
	case criteria.Pattern != "":
		return c.cache.InvalidateByPattern(ctx, criteria.Pattern)
	default:
		return 0, errors.New("no invalidation criterion given")
	}
}

// HealthCheck returns the latest health snapshot per cluster.
func (c *Coordinator) HealthCheck(ctx context.Context) map[string]health.ClusterHealth {
	return c.clusters.HealthSnapshot()
}

// GetClusterHealth returns one cluster's snapshot.
func (c *Coordinator) GetClusterHealth(clusterID string) (health.ClusterHealth, bool) {
	return c.clusters.GetClusterHealth(clusterID)
}

// ForceHealthCheck probes one cluster immediately.
func (c *Coordinator) ForceHealthCheck(ctx context.Context, clusterID string) (health.ClusterHealth, error) {
	return c.clusters.ForceHealthCheck(ctx, clusterID)
}

// ForceFailover promotes a replica to primary.
func (c *Coordinator) ForceFailover(clusterID string, replicaIdx int) error {
	return c.clusters.ForceFailover(clusterID, replicaIdx)
}

// GetClusters lists registered clusters.
func (c *Coordinator) GetClusters() []cluster.Info {
	return c.clusters.GetClusters()
}

// ValidateConfig validates the current configuration document.
func (c *Coordinator) ValidateConfig() config.ValidationResult {
	return c.configMgr.Validate()
}

// GetMetrics merges cluster, cache, and transaction statistics.
func (c *Coordinator) GetMetrics() SystemMetrics {
	stats := c.clusters.GetStats()

	out := SystemMetrics{
		Clusters:     stats,
		Transactions: c.tx.Metrics(),
	}
	if c.cache != nil {
		s := c.cache.Stats()
		out.Cache = &s
	}
	if !c.startedAt.IsZero() {
		out.UptimeSeconds = time.Since(c.startedAt).Seconds()
	}

	var failed int64
	var rtSum float64
	var rtCount int
	for _, s := range stats {
		out.TotalQueries += s.Queries
		failed += s.Errors
		if s.AvgResponseTime > 0 {
			rtSum += s.AvgResponseTime
			rtCount++
		}
	}
	if rtCount > 0 {
		out.AvgResponseTime = rtSum / float64(rtCount)
	}
	if out.TotalQueries > 0 {
		out.ErrorRate = float64(failed) / float64(out.TotalQueries) * 100
	}
	return out
}

// Pools exposes the pool set for metrics collection.
func (c *Coordinator) Pools() []*pool.Pool {
	return c.clusters.Pools()
}

// Close rolls back active transactions, then drains pools and providers.
func (c *Coordinator) Close(ctx context.Context) error {
	c.tx.Close(ctx)
	c.configMgr.Close()
	c.clusters.Close()
	c.migrations.Close()

	var err error
	if c.cache != nil {
		err = c.cache.Close()
	}
	c.initialized.Store(false)
	c.bus.Emit(events.Closed, nil)
	return err
}
