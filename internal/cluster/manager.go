// Package cluster owns the cluster registry: schema routing, read/write
// splitting, failover promotion, and per-cluster statistics.
package cluster

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/andeerc/pg-multiverse/internal/balancer"
	"github.com/andeerc/pg-multiverse/internal/config"
	"github.com/andeerc/pg-multiverse/internal/driver"
	"github.com/andeerc/pg-multiverse/internal/events"
	"github.com/andeerc/pg-multiverse/internal/health"
	"github.com/andeerc/pg-multiverse/internal/pool"
)

const replicaReadyTimeout = 15 * time.Second

type clusterState struct {
	id       string
	cfg      *config.ClusterConfig
	status   Status
	primary  *pool.Pool
	replicas []*pool.Pool
	balancer *balancer.Balancer

	stats  Stats
	poolRT map[string]float64 // pool id -> biased avg response time (ms)
}

// ManagerConfig tunes the manager.
type ManagerConfig struct {
	Health health.Config
	// ReplicaReadyTimeout bounds how long replica pools may take to become
	// ready during registration before being dropped.
	ReplicaReadyTimeout time.Duration
}

// Manager routes query options to concrete pools.
type Manager struct {
	cfg       ManagerConfig
	connector driver.Connector
	bus       *events.Bus
	logger    zerolog.Logger

	mu          sync.RWMutex
	initialized bool
	clusters    map[string]*clusterState
	schemaMap   map[string]string

	checker *health.Checker
}

func NewManager(cfg ManagerConfig, connector driver.Connector, bus *events.Bus, logger zerolog.Logger) *Manager {
	if cfg.ReplicaReadyTimeout <= 0 {
		cfg.ReplicaReadyTimeout = replicaReadyTimeout
	}
	m := &Manager{
		cfg:       cfg,
		connector: connector,
		bus:       bus,
		logger:    logger.With().Str("component", "cluster").Logger(),
		clusters:  make(map[string]*clusterState),
		schemaMap: make(map[string]string),
	}
	m.checker = health.NewChecker(cfg.Health, bus, logger)
	m.checker.SetStatsFunc(m.queryCounts)

	// Health transitions update routing status; events for a cluster arrive
	// in temporal order because the checker emits them synchronously.
	bus.Subscribe(events.ClusterDown, func(p any) {
		payload := p.(events.ClusterDownPayload)
		m.setStatus(payload.ClusterID, StatusDown)
	})
	bus.Subscribe(events.ClusterUp, func(p any) {
		payload := p.(events.ClusterUpPayload)
		m.setStatus(payload.ClusterID, StatusActive)
	})

	return m
}

func (m *Manager) setStatus(clusterID string, status Status) {
	m.mu.Lock()
	if c, ok := m.clusters[clusterID]; ok {
		c.status = status
	}
	m.mu.Unlock()
}

// Initialize registers every cluster in the document and starts health checks.
func (m *Manager) Initialize(ctx context.Context, doc config.Document) error {
	if res := config.Validate(doc); !res.Valid {
		return fmt.Errorf("invalid cluster configuration: %v", res.Errors)
	}

	for id, cfg := range doc {
		if err := m.registerCluster(ctx, id, cfg); err != nil {
			return fmt.Errorf("register cluster %s: %w", id, err)
		}
	}

	m.mu.Lock()
	m.initialized = true
	targets := make(map[string][]*pool.Pool, len(m.clusters))
	for id, c := range m.clusters {
		targets[id] = append([]*pool.Pool{c.primary}, c.replicas...)
	}
	m.mu.Unlock()

	m.checker.Start(targets)
	return nil
}

// UpdateConfig applies a new document: new clusters are registered, removed
// clusters are closed, and schema mappings are rebuilt for survivors.
func (m *Manager) UpdateConfig(ctx context.Context, doc config.Document) error {
	if res := config.Validate(doc); !res.Valid {
		return fmt.Errorf("invalid cluster configuration: %v", res.Errors)
	}

	m.mu.Lock()
	var removed []*clusterState
	for id, c := range m.clusters {
		if _, keep := doc[id]; !keep {
			removed = append(removed, c)
			delete(m.clusters, id)
		}
	}
	for schema, id := range m.schemaMap {
		if _, keep := doc[id]; !keep {
			delete(m.schemaMap, schema)
		}
	}
	existing := make(map[string]bool, len(m.clusters))
	for id := range m.clusters {
		existing[id] = true
	}
	m.mu.Unlock()

	for _, c := range removed {
		m.checker.RemoveCluster(c.id)
		m.closeCluster(c)
	}

	for id, cfg := range doc {
		if existing[id] {
			m.mu.Lock()
			c := m.clusters[id]
			c.cfg = cfg
			for schema, owner := range m.schemaMap {
				if owner == id {
					delete(m.schemaMap, schema)
				}
			}
			for _, schema := range cfg.Schemas {
				m.schemaMap[schema] = id
			}
			m.mu.Unlock()
			continue
		}
		if err := m.registerCluster(ctx, id, cfg); err != nil {
			return fmt.Errorf("register cluster %s: %w", id, err)
		}
		m.mu.RLock()
		c := m.clusters[id]
		pools := append([]*pool.Pool{c.primary}, c.replicas...)
		m.mu.RUnlock()
		m.checker.AddCluster(id, pools)
	}

	return nil
}

// registerCluster creates the primary pool (its readiness is mandatory) and
// replica pools (degraded on failure), then maps the cluster's schemas.
func (m *Manager) registerCluster(ctx context.Context, id string, cfg *config.ClusterConfig) error {
	poolCfg := poolConfigFrom(cfg)

	primary := pool.New(ctx, id, pool.RolePrimary, 0, m.connector, connConfigFrom(cfg.Primary, cfg), poolCfg, m.bus, m.logger)
	if err := primary.WaitReady(ctx); err != nil {
		primary.Close()
		return fmt.Errorf("primary pool: %w", err)
	}

	replicas := make([]*pool.Pool, len(cfg.Replicas))
	for i, rc := range cfg.Replicas {
		replicas[i] = pool.New(ctx, id, pool.RoleReplica, i, m.connector, connConfigFrom(rc, cfg), poolCfg, m.bus, m.logger)
	}

	// Replicas that do not become ready in time are dropped, not fatal.
	var mu sync.Mutex
	ready := make([]*pool.Pool, 0, len(replicas))
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range replicas {
		r := r
		g.Go(func() error {
			waitCtx, cancel := context.WithTimeout(gctx, m.cfg.ReplicaReadyTimeout)
			defer cancel()
			if err := r.WaitReady(waitCtx); err != nil {
				m.logger.Warn().Str("cluster", id).Str("pool", r.ID()).Err(err).Msg("replica pool dropped")
				r.Close()
				return nil
			}
			mu.Lock()
			ready = append(ready, r)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	sort.Slice(ready, func(i, j int) bool { return ready[i].ID() < ready[j].ID() })

	strategy := balancer.RoundRobin
	if cfg.LoadBalancing != nil {
		strategy = balancer.Strategy(cfg.LoadBalancing.Strategy)
	}
	bal, err := balancer.New(strategy)
	if err != nil {
		primary.Close()
		for _, r := range ready {
			r.Close()
		}
		return err
	}

	state := &clusterState{
		id:       id,
		cfg:      cfg,
		status:   StatusActive,
		primary:  primary,
		replicas: ready,
		balancer: bal,
		poolRT:   make(map[string]float64),
	}

	m.mu.Lock()
	m.clusters[id] = state
	for _, schema := range cfg.Schemas {
		m.schemaMap[schema] = id
	}
	m.mu.Unlock()

	m.logger.Info().Str("cluster", id).Int("replicas", len(ready)).Strs("schemas", cfg.Schemas).Msg("cluster registered")
	m.bus.Emit(events.ClusterRegistered, events.ClusterRegisteredPayload{ClusterID: id, Schemas: cfg.Schemas, Replicas: len(ready)})
	return nil
}

func poolConfigFrom(cfg *config.ClusterConfig) pool.Config {
	out := pool.Config{}
	if cfg.ConnectionPool != nil {
		out.AcquireTimeout = time.Duration(cfg.ConnectionPool.AcquireTimeoutMillis) * time.Millisecond
		out.WarmupConnections = cfg.ConnectionPool.WarmupConnections
	}
	return out
}

func connConfigFrom(conn *config.Connection, cluster *config.ClusterConfig) driver.ConnConfig {
	out := driver.ConnConfig{
		Host:           conn.Host,
		Port:           conn.Port,
		Database:       conn.Database,
		User:           conn.User,
		Password:       conn.Password,
		MaxConns:       int32(conn.MaxConnections),
		MinConns:       int32(conn.MinConnections),
		ConnectTimeout: conn.ConnectTimeout(),
		IdleTimeout:    conn.IdleTimeout(),
		SearchPath:     conn.SearchPath,
	}
	if conn.SSL != nil {
		out.SSL = conn.SSL.Enabled
	}
	if out.MaxConns == 0 && cluster.ConnectionPool != nil {
		out.MaxConns = int32(cluster.ConnectionPool.Max)
		out.MinConns = int32(cluster.ConnectionPool.Min)
	}
	return out
}

// resolveCluster applies the routing rules: explicit cluster id first, then
// schema lookup, then the first active cluster.
func (m *Manager) resolveCluster(opts QueryOptions) (*clusterState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.initialized {
		return nil, ErrNotInitialized
	}

	if opts.ClusterID != "" {
		c, ok := m.clusters[opts.ClusterID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCluster, opts.ClusterID)
		}
		// Explicit targeting bypasses the active check.
		return c, nil
	}

	if opts.Schema != "" {
		id, ok := m.schemaMap[opts.Schema]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSchema, opts.Schema)
		}
		c := m.clusters[id]
		if c.status != StatusActive {
			return nil, fmt.Errorf("%w: %s (%s)", ErrClusterNotActive, id, c.status)
		}
		return c, nil
	}

	ids := make([]string, 0, len(m.clusters))
	for id := range m.clusters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if c := m.clusters[id]; c.status == StatusActive {
			return c, nil
		}
	}
	return nil, ErrNoActiveCluster
}

// ClusterForSchema resolves the owning cluster id for a schema.
func (m *Manager) ClusterForSchema(schema string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.initialized {
		return "", ErrNotInitialized
	}
	id, ok := m.schemaMap[schema]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSchema, schema)
	}
	return id, nil
}

// GetConnection routes to a pool, acquires, and wraps the connection with
// cluster metadata.
func (m *Manager) GetConnection(ctx context.Context, opts QueryOptions) (*WrappedConn, error) {
	c, err := m.resolveCluster(opts)
	if err != nil {
		return nil, err
	}

	target := m.choosePool(c, opts)
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	conn, err := target.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	c.stats.ActiveConnections++
	m.mu.Unlock()

	return &WrappedConn{
		Conn:      conn,
		ClusterID: c.id,
		Schema:    opts.Schema,
		PoolID:    target.ID(),
		onRelease: func() {
			m.mu.Lock()
			c.stats.ActiveConnections--
			m.mu.Unlock()
		},
	}, nil
}

// choosePool applies the read/write split: replicas serve reads unless the
// caller demands strong consistency, the cluster's read preference is
// primary, or the cluster has none ready.
func (m *Manager) choosePool(c *clusterState, opts QueryOptions) *pool.Pool {
	useReplica := opts.Operation != OpWrite && opts.Consistency != ConsistencyStrong

	m.mu.RLock()
	defer m.mu.RUnlock()

	if c.cfg.ReadPreference == config.ReadPrimary {
		useReplica = false
	}
	if !useReplica || len(c.replicas) == 0 {
		return c.primary
	}

	views := make([]balancer.Replica, len(c.replicas))
	for i, r := range c.replicas {
		views[i] = &replicaView{pool: r, avgRT: c.poolRT[r.ID()]}
	}
	balOpts := balancer.Options{}
	if c.cfg.LoadBalancing != nil {
		balOpts.Weights = c.cfg.LoadBalancing.Weights
		balOpts.HealthThreshold = c.cfg.LoadBalancing.HealthThreshold
	}
	idx, err := c.balancer.Select(views, balOpts)
	if err != nil {
		return c.primary
	}
	return c.replicas[idx]
}

type replicaView struct {
	pool  *pool.Pool
	avgRT float64
}

func (v *replicaView) ID() string { return v.pool.ID() }
func (v *replicaView) ActiveConnections() int {
	return int(v.pool.Metrics().Active)
}
func (v *replicaView) MaxConnections() int {
	m := v.pool.Metrics()
	if m.Total > 0 {
		return int(m.Total)
	}
	return 1
}
func (v *replicaView) AvgResponseTime() float64 { return v.avgRT }

// ExecuteQuery routes, executes, and records statistics. The connection is
// released on every path.
func (m *Manager) ExecuteQuery(ctx context.Context, sql string, params []any, opts QueryOptions) (*driver.Result, error) {
	if opts.Operation == "" {
		opts.Operation = DetectOperation(sql)
	}

	conn, err := m.GetConnection(ctx, opts)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	start := time.Now()
	var res *driver.Result
	if opts.Operation == OpWrite {
		tag, execErr := conn.Exec(ctx, sql, params...)
		if execErr == nil {
			res = &driver.Result{RowsAffected: tag.RowsAffected()}
		}
		err = execErr
	} else {
		rows, queryErr := conn.Query(ctx, sql, params...)
		if queryErr == nil {
			res, err = driver.CollectRows(rows)
		} else {
			err = queryErr
		}
	}
	duration := time.Since(start)

	m.recordQuery(conn.ClusterID, conn.PoolID, duration, err == nil)
	if err != nil {
		return nil, fmt.Errorf("execute on %s: %w", conn.ClusterID, err)
	}
	return res, nil
}

// recordQuery folds a sample into the biased running average (old+sample)/2.
func (m *Manager) recordQuery(clusterID, poolID string, duration time.Duration, ok bool) {
	sample := float64(duration.Microseconds()) / 1000.0

	m.mu.Lock()
	defer m.mu.Unlock()
	c, found := m.clusters[clusterID]
	if !found {
		return
	}
	c.stats.Queries++
	if !ok {
		c.stats.Errors++
	}
	if c.stats.AvgResponseTime == 0 {
		c.stats.AvgResponseTime = sample
	} else {
		c.stats.AvgResponseTime = (c.stats.AvgResponseTime + sample) / 2
	}
	if prev, okRT := c.poolRT[poolID]; okRT {
		c.poolRT[poolID] = (prev + sample) / 2
	} else {
		c.poolRT[poolID] = sample
	}
}

func (m *Manager) queryCounts(clusterID string) health.QueryCounts {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clusters[clusterID]
	if !ok {
		return health.QueryCounts{}
	}
	return health.QueryCounts{
		Total:           c.stats.Queries,
		Successful:      c.stats.Queries - c.stats.Errors,
		Failed:          c.stats.Errors,
		AvgResponseTime: c.stats.AvgResponseTime,
	}
}

// Transaction runs fn inside BEGIN/COMMIT on a single cluster's primary.
func (m *Manager) Transaction(ctx context.Context, opts QueryOptions, fn func(q driver.Querier) error) error {
	opts.Operation = OpWrite
	conn, err := m.GetConnection(ctx, opts)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "BEGIN"); err != nil {
		return fmt.Errorf("begin on %s: %w", conn.ClusterID, err)
	}
	if err := fn(conn); err != nil {
		if _, rbErr := conn.Exec(ctx, "ROLLBACK"); rbErr != nil {
			m.logger.Warn().Str("cluster", conn.ClusterID).Err(rbErr).Msg("rollback failed")
		}
		return err
	}
	if _, err := conn.Exec(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("commit on %s: %w", conn.ClusterID, err)
	}
	return nil
}

// PerClusterTransaction runs the same callback once per named cluster, in the
// given order, each inside its own local transaction. It stops at the first
// cluster whose transaction fails and returns that error; clusters handled
// before it stay committed. Side effects are duplicated per cluster; callers
// must want that.
func (m *Manager) PerClusterTransaction(ctx context.Context, clusterIDs []string, fn func(clusterID string, q driver.Querier) error) error {
	for _, id := range clusterIDs {
		id := id
		err := m.Transaction(ctx, QueryOptions{ClusterID: id}, func(q driver.Querier) error {
			return fn(id, q)
		})
		if err != nil {
			return fmt.Errorf("per-cluster transaction on %s: %w", id, err)
		}
	}
	return nil
}

// AcquireWrite hands the distributed-transaction engine a primary connection.
func (m *Manager) AcquireWrite(ctx context.Context, clusterID string) (*WrappedConn, error) {
	return m.GetConnection(ctx, QueryOptions{ClusterID: clusterID, Operation: OpWrite})
}

// QueryOn executes one statement against a cluster's primary; used by the
// migration engine.
func (m *Manager) QueryOn(ctx context.Context, clusterID, sql string, params ...any) (*driver.Result, error) {
	conn, err := m.GetConnection(ctx, QueryOptions{ClusterID: clusterID, Operation: OpWrite})
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, sql, params...)
	if err != nil {
		return nil, fmt.Errorf("query on %s: %w", clusterID, err)
	}
	return driver.CollectRows(rows)
}

// ExecOn executes one non-returning statement against a cluster's primary.
func (m *Manager) ExecOn(ctx context.Context, clusterID, sql string, params ...any) error {
	conn, err := m.GetConnection(ctx, QueryOptions{ClusterID: clusterID, Operation: OpWrite})
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, sql, params...); err != nil {
		return fmt.Errorf("exec on %s: %w", clusterID, err)
	}
	return nil
}

// RegisterSchema maps a schema to a cluster at runtime.
func (m *Manager) RegisterSchema(schema, clusterID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return ErrNotInitialized
	}
	c, ok := m.clusters[clusterID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCluster, clusterID)
	}
	if owner, mapped := m.schemaMap[schema]; mapped && owner != clusterID {
		return fmt.Errorf("schema %s is already mapped to %s", schema, owner)
	}
	m.schemaMap[schema] = clusterID
	found := false
	for _, s := range c.cfg.Schemas {
		if s == schema {
			found = true
			break
		}
	}
	if !found {
		c.cfg.Schemas = append(c.cfg.Schemas, schema)
	}
	return nil
}

// ForceFailover promotes the replica at idx to primary; the old primary joins
// the replica tail.
func (m *Manager) ForceFailover(clusterID string, replicaIdx int) error {
	m.mu.Lock()
	c, ok := m.clusters[clusterID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownCluster, clusterID)
	}
	if replicaIdx < 0 || replicaIdx >= len(c.replicas) {
		m.mu.Unlock()
		return fmt.Errorf("cluster %s has no replica %d", clusterID, replicaIdx)
	}

	oldPrimary := c.primary
	newPrimary := c.replicas[replicaIdx]

	c.replicas = append(c.replicas[:replicaIdx], c.replicas[replicaIdx+1:]...)
	newPrimary.SetRole(pool.RolePrimary, 0)
	oldPrimary.SetRole(pool.RoleReplica, len(c.replicas))
	c.replicas = append(c.replicas, oldPrimary)
	c.primary = newPrimary

	pools := append([]*pool.Pool{c.primary}, c.replicas...)
	m.mu.Unlock()

	m.checker.AddCluster(clusterID, pools)
	m.logger.Info().Str("cluster", clusterID).Str("new_primary", newPrimary.ID()).Str("old_primary", oldPrimary.ID()).Msg("failover")
	m.bus.Emit(events.Failover, events.FailoverPayload{
		ClusterID:  clusterID,
		NewPrimary: newPrimary.ID(),
		OldPrimary: oldPrimary.ID(),
	})
	return nil
}

// GetClusters lists registered clusters sorted by id.
func (m *Manager) GetClusters() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Info, 0, len(m.clusters))
	for _, c := range m.clusters {
		out = append(out, Info{
			ID:       c.id,
			Status:   c.status,
			Schemas:  append([]string(nil), c.cfg.Schemas...),
			Priority: c.cfg.Priority,
			Replicas: len(c.replicas),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetStats returns per-cluster statistics keyed by cluster id.
func (m *Manager) GetStats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Stats, len(m.clusters))
	for id, c := range m.clusters {
		out[id] = c.stats
	}
	return out
}

// GetMetrics returns pool metrics keyed by pool id.
func (m *Manager) GetMetrics() map[string]pool.Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]pool.Metrics)
	for _, c := range m.clusters {
		out[c.primary.ID()] = c.primary.Metrics()
		for _, r := range c.replicas {
			out[r.ID()] = r.Metrics()
		}
	}
	return out
}

// Pools snapshots every pool for metrics collection: each cluster's primary
// followed by its replicas, with clusters in no defined order.
func (m *Manager) Pools() []*pool.Pool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*pool.Pool
	for _, c := range m.clusters {
		out = append(out, c.primary)
		out = append(out, c.replicas...)
	}
	return out
}

// ClusterIDs lists registered cluster ids sorted.
func (m *Manager) ClusterIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.clusters))
	for id := range m.clusters {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Schemas lists all mapped schemas sorted.
func (m *Manager) Schemas() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.schemaMap))
	for schema := range m.schemaMap {
		out = append(out, schema)
	}
	sort.Strings(out)
	return out
}

// GetClusterHealth returns the checker's latest snapshot for one cluster.
func (m *Manager) GetClusterHealth(clusterID string) (health.ClusterHealth, bool) {
	return m.checker.GetHealth(clusterID)
}

// HealthSnapshot returns all cluster healths.
func (m *Manager) HealthSnapshot() map[string]health.ClusterHealth {
	return m.checker.GetAll()
}

// ForceHealthCheck probes one cluster immediately.
func (m *Manager) ForceHealthCheck(ctx context.Context, clusterID string) (health.ClusterHealth, error) {
	return m.checker.ForceCheck(ctx, clusterID)
}

func (m *Manager) closeCluster(c *clusterState) {
	c.primary.Close()
	for _, r := range c.replicas {
		r.Close()
	}
}

// Close stops health checking and drains every pool.
func (m *Manager) Close() {
	m.checker.Stop()

	m.mu.Lock()
	clusters := m.clusters
	m.clusters = make(map[string]*clusterState)
	m.schemaMap = make(map[string]string)
	m.initialized = false
	m.mu.Unlock()

	for _, c := range clusters {
		m.closeCluster(c)
	}
}
