// Package pool wraps one driver pool per (cluster, role, replica index) with
// async ready state, warmup, and merged metrics.
package pool

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/andeerc/pg-multiverse/internal/driver"
	"github.com/andeerc/pg-multiverse/internal/events"
)

var (
	// ErrClosed is returned by Acquire after Close.
	ErrClosed = errors.New("pool is closed")
	// ErrNotReady is returned when the pool did not become ready in time.
	ErrNotReady = errors.New("pool is not ready")
)

// Role of a pool within its cluster.
type Role string

const (
	RolePrimary Role = "primary"
	RoleReplica Role = "replica"
)

// Config tunes pool behavior.
type Config struct {
	AcquireTimeout    time.Duration
	WarmupConnections int
	// WarmupHold is how long warmed connections are held before release.
	WarmupHold time.Duration
}

const defaultAcquireTimeout = 10 * time.Second

// Metrics merges cumulative counters kept by the wrapper with instantaneous
// values from the underlying pool.
type Metrics struct {
	Created   int64 `json:"created"`
	Destroyed int64 `json:"destroyed"`
	Acquired  int64 `json:"acquired"`
	Released  int64 `json:"released"`
	Active    int64 `json:"active"`
	Idle      int64 `json:"idle"`
	Waiting   int64 `json:"waiting"`
	Total     int64 `json:"total"`
}

// Info is a point-in-time description of the pool.
type Info struct {
	ID           string `json:"id"`
	ClusterID    string `json:"cluster_id"`
	Role         Role   `json:"role"`
	ReplicaIndex int    `json:"replica_index,omitempty"`
	Ready        bool   `json:"ready"`
	Closed       bool   `json:"closed"`
}

// ID builds the pool identifier for a (cluster, role, index) triple.
func ID(clusterID string, role Role, replicaIndex int) string {
	if role == RolePrimary {
		return clusterID + "_primary"
	}
	return clusterID + "_replica_" + strconv.Itoa(replicaIndex)
}

// Pool is a lifecycle wrapper around one driver pool. Construction is
// non-blocking: an initializer connects, verifies the endpoint with SELECT 1,
// optionally warms connections, and then marks the pool ready.
type Pool struct {
	id           string
	clusterID    string
	role         Role
	replicaIndex int

	connector driver.Connector
	connCfg   driver.ConnConfig
	cfg       Config
	bus       *events.Bus
	logger    zerolog.Logger

	ready   chan struct{}
	failed  chan struct{}
	initErr error
	pool    driver.Pool

	isReady  atomic.Bool
	isClosed atomic.Bool

	created   atomic.Int64
	destroyed atomic.Int64
	acquired  atomic.Int64
	released  atomic.Int64
}

// New creates the pool and starts its initializer in the background.
func New(ctx context.Context, clusterID string, role Role, replicaIndex int, connector driver.Connector, connCfg driver.ConnConfig, cfg Config, bus *events.Bus, logger zerolog.Logger) *Pool {
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaultAcquireTimeout
	}
	if cfg.WarmupHold <= 0 {
		cfg.WarmupHold = 100 * time.Millisecond
	}

	p := &Pool{
		id:           ID(clusterID, role, replicaIndex),
		clusterID:    clusterID,
		role:         role,
		replicaIndex: replicaIndex,
		connector:    connector,
		connCfg:      connCfg,
		cfg:          cfg,
		bus:          bus,
		ready:        make(chan struct{}),
		failed:       make(chan struct{}),
	}
	p.logger = logger.With().Str("pool", p.id).Logger()

	go p.initialize(ctx)
	return p
}

func (p *Pool) initialize(ctx context.Context) {
	pool, err := p.connector.Connect(ctx, p.connCfg)
	if err != nil {
		p.fail(fmt.Errorf("connect %s: %w", p.connCfg.Addr(), err))
		return
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		pool.Close()
		p.fail(fmt.Errorf("verify %s: %w", p.connCfg.Addr(), err))
		return
	}
	if _, err := conn.Exec(ctx, "SELECT 1"); err != nil {
		conn.Release()
		pool.Close()
		p.fail(fmt.Errorf("verify %s: %w", p.connCfg.Addr(), err))
		return
	}
	conn.Release()

	p.pool = pool
	p.created.Add(1)

	if p.cfg.WarmupConnections > 0 {
		if err := p.warmup(ctx, p.cfg.WarmupConnections); err != nil {
			p.logger.Warn().Err(err).Msg("pool warmup failed")
		}
	}

	p.isReady.Store(true)
	close(p.ready)
	if p.isClosed.Load() {
		pool.Close()
		return
	}
	p.logger.Debug().Msg("pool ready")
	p.bus.Emit(events.PoolReady, events.PoolReadyPayload{PoolID: p.id, ClusterID: p.clusterID})
}

func (p *Pool) fail(err error) {
	p.initErr = err
	close(p.failed)
	p.logger.Error().Err(err).Msg("pool initialization failed")
	p.bus.Emit(events.ErrorEvent, events.ErrorPayload{Source: p.id, Err: err})
}

func (p *Pool) warmup(ctx context.Context, n int) error {
	conns := make([]driver.Conn, 0, n)
	for i := 0; i < n; i++ {
		conn, err := p.pool.Acquire(ctx)
		if err != nil {
			break
		}
		conns = append(conns, conn)
	}
	if len(conns) == 0 {
		return errors.New("no connections warmed")
	}

	time.Sleep(p.cfg.WarmupHold)
	for _, c := range conns {
		c.Release()
	}
	return nil
}

// Warmup acquires and shortly after releases n connections so the underlying
// pool is populated before traffic arrives.
func (p *Pool) Warmup(ctx context.Context, n int) error {
	if err := p.WaitReady(ctx); err != nil {
		return err
	}
	return p.warmup(ctx, n)
}

// WaitReady blocks until the pool is ready, its initializer failed, or the
// context expires.
func (p *Pool) WaitReady(ctx context.Context) error {
	if p.isClosed.Load() {
		return ErrClosed
	}
	select {
	case <-p.ready:
		return nil
	case <-p.failed:
		return p.initErr
	case <-ctx.Done():
		return fmt.Errorf("%w: %s", ErrNotReady, p.id)
	}
}

// Acquire hands out a connection, blocking up to the acquire timeout for
// readiness. The returned connection's Release feeds the released counter.
func (p *Pool) Acquire(ctx context.Context) (driver.Conn, error) {
	if p.isClosed.Load() {
		return nil, fmt.Errorf("%w: %s", ErrClosed, p.id)
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()
	if err := p.WaitReady(waitCtx); err != nil {
		return nil, err
	}
	if p.isClosed.Load() {
		return nil, fmt.Errorf("%w: %s", ErrClosed, p.id)
	}

	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire from %s: %w", p.id, err)
	}
	p.acquired.Add(1)
	return &trackedConn{Conn: conn, pool: p}, nil
}

// Query acquires a connection, runs one row-returning statement, and releases.
func (p *Pool) Query(ctx context.Context, sql string, params ...any) (*driver.Result, error) {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, sql, params...)
	if err != nil {
		return nil, fmt.Errorf("query on %s: %w", p.id, err)
	}
	return driver.CollectRows(rows)
}

// TestConnection probes the pool with SELECT 1.
func (p *Pool) TestConnection(ctx context.Context) bool {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return false
	}
	defer conn.Release()
	_, err = conn.Exec(ctx, "SELECT 1")
	return err == nil
}

// Metrics returns merged cumulative and instantaneous counters.
func (p *Pool) Metrics() Metrics {
	m := Metrics{
		Created:   p.created.Load(),
		Destroyed: p.destroyed.Load(),
		Acquired:  p.acquired.Load(),
		Released:  p.released.Load(),
	}
	if p.isReady.Load() && !p.isClosed.Load() {
		s := p.pool.Stat()
		m.Total = int64(s.Total)
		m.Idle = int64(s.Idle)
		m.Waiting = int64(s.Waiting)
		m.Active = m.Total - m.Idle
	}
	return m
}

func (p *Pool) Info() Info {
	return Info{
		ID:           p.id,
		ClusterID:    p.clusterID,
		Role:         p.role,
		ReplicaIndex: p.replicaIndex,
		Ready:        p.isReady.Load(),
		Closed:       p.isClosed.Load(),
	}
}

func (p *Pool) ID() string        { return p.id }
func (p *Pool) ClusterID() string { return p.clusterID }
func (p *Pool) Role() Role        { return p.role }

// SetRole reassigns the pool's role during failover. The pool id is rebuilt
// so metrics attribution follows the new role.
func (p *Pool) SetRole(role Role, replicaIndex int) {
	p.role = role
	p.replicaIndex = replicaIndex
	p.id = ID(p.clusterID, role, replicaIndex)
	p.logger = p.logger.With().Str("pool", p.id).Logger()
}

func (p *Pool) IsReady() bool  { return p.isReady.Load() }
func (p *Pool) IsClosed() bool { return p.isClosed.Load() }

// Close ends the underlying pool. Subsequent Acquire calls fail with ErrClosed.
func (p *Pool) Close() {
	if p.isClosed.Swap(true) {
		return
	}
	select {
	case <-p.ready:
		p.pool.Close()
		p.destroyed.Add(1)
	default:
	}
}

type trackedConn struct {
	driver.Conn
	pool     *Pool
	released atomic.Bool
}

func (c *trackedConn) Release() {
	if c.released.Swap(true) {
		return
	}
	c.Conn.Release()
	c.pool.released.Add(1)
	c.pool.bus.Emit(events.ConnectionReleased, events.ConnectionReleasedPayload{PoolID: c.pool.id})
}
