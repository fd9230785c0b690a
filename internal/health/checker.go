// Package health runs periodic liveness probes across every pool of each
// registered cluster and emits up/down/recovered transitions.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/andeerc/pg-multiverse/internal/events"
	"github.com/andeerc/pg-multiverse/internal/pool"
)

// Config tunes the checker.
type Config struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
}

const (
	defaultInterval     = 30 * time.Second
	defaultProbeTimeout = 5 * time.Second
)

// ConnectionCounts aggregates pool connection gauges for one cluster.
type ConnectionCounts struct {
	Active int64 `json:"active"`
	Idle   int64 `json:"idle"`
	Total  int64 `json:"total"`
}

// QueryCounts mirrors the cluster's query statistics at probe time.
type QueryCounts struct {
	Total           int64   `json:"total"`
	Successful      int64   `json:"successful"`
	Failed          int64   `json:"failed"`
	AvgResponseTime float64 `json:"avg_response_time"`
}

// ClusterHealth is the result of the most recent probe of one cluster.
type ClusterHealth struct {
	ClusterID    string           `json:"cluster_id"`
	Healthy      bool             `json:"healthy"`
	LastCheck    time.Time        `json:"last_check"`
	ResponseTime time.Duration    `json:"response_time"`
	FailureCount int              `json:"failure_count"`
	Uptime       time.Duration    `json:"uptime"`
	Connections  ConnectionCounts `json:"connections"`
	Queries      QueryCounts      `json:"queries"`
	Error        string           `json:"error,omitempty"`
}

// StatsFunc supplies per-cluster query statistics for health snapshots.
type StatsFunc func(clusterID string) QueryCounts

// Checker probes clusters on a fixed interval.
type Checker struct {
	cfg    Config
	bus    *events.Bus
	logger zerolog.Logger
	stats  StatsFunc

	mu       sync.RWMutex
	clusters map[string][]*pool.Pool
	health   map[string]*ClusterHealth
	started  map[string]time.Time

	runMu  sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewChecker(cfg Config, bus *events.Bus, logger zerolog.Logger) *Checker {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	return &Checker{
		cfg:      cfg,
		bus:      bus,
		logger:   logger.With().Str("component", "health").Logger(),
		clusters: make(map[string][]*pool.Pool),
		health:   make(map[string]*ClusterHealth),
		started:  make(map[string]time.Time),
	}
}

// SetStatsFunc installs the query-statistics supplier.
func (c *Checker) SetStatsFunc(fn StatsFunc) {
	c.mu.Lock()
	c.stats = fn
	c.mu.Unlock()
}

// Start registers the clusters and begins the periodic loop. Each cluster is
// probed once immediately.
func (c *Checker) Start(clusters map[string][]*pool.Pool) {
	c.mu.Lock()
	for id, pools := range clusters {
		c.clusters[id] = pools
		c.started[id] = time.Now()
	}
	c.mu.Unlock()

	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.stopCh != nil {
		return
	}
	c.stopCh = make(chan struct{})

	c.checkAll()

	c.wg.Add(1)
	go c.loop(c.stopCh)
}

func (c *Checker) loop(stopCh chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			c.checkAll()
		}
	}
}

// Stop halts the periodic loop.
func (c *Checker) Stop() {
	c.runMu.Lock()
	if c.stopCh != nil {
		close(c.stopCh)
		c.stopCh = nil
	}
	c.runMu.Unlock()
	c.wg.Wait()
}

// AddCluster registers a cluster for probing.
func (c *Checker) AddCluster(clusterID string, pools []*pool.Pool) {
	c.mu.Lock()
	c.clusters[clusterID] = pools
	if _, ok := c.started[clusterID]; !ok {
		c.started[clusterID] = time.Now()
	}
	c.mu.Unlock()
}

// RemoveCluster drops a cluster and its health record.
func (c *Checker) RemoveCluster(clusterID string) {
	c.mu.Lock()
	delete(c.clusters, clusterID)
	delete(c.health, clusterID)
	delete(c.started, clusterID)
	c.mu.Unlock()
}

// GetHealth returns the latest snapshot for one cluster.
func (c *Checker) GetHealth(clusterID string) (ClusterHealth, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.health[clusterID]
	if !ok {
		return ClusterHealth{}, false
	}
	return *h, true
}

// GetAll returns the latest snapshot of every cluster.
func (c *Checker) GetAll() map[string]ClusterHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]ClusterHealth, len(c.health))
	for id, h := range c.health {
		out[id] = *h
	}
	return out
}

// ForceCheck probes one cluster immediately.
func (c *Checker) ForceCheck(ctx context.Context, clusterID string) (ClusterHealth, error) {
	c.mu.RLock()
	pools, ok := c.clusters[clusterID]
	c.mu.RUnlock()
	if !ok {
		return ClusterHealth{}, fmt.Errorf("unknown cluster %s", clusterID)
	}
	return c.check(ctx, clusterID, pools), nil
}

func (c *Checker) checkAll() {
	c.mu.RLock()
	targets := make(map[string][]*pool.Pool, len(c.clusters))
	for id, pools := range c.clusters {
		targets[id] = pools
	}
	c.mu.RUnlock()

	for id, pools := range targets {
		c.check(context.Background(), id, pools)
	}
}

// check probes the cluster's pools in order, stopping at the first failure,
// and records transitions.
func (c *Checker) check(ctx context.Context, clusterID string, pools []*pool.Pool) ClusterHealth {
	start := time.Now()
	var probeErr error

	for _, p := range pools {
		if err := c.probePool(ctx, p); err != nil {
			probeErr = fmt.Errorf("pool %s: %w", p.ID(), err)
			break
		}
	}

	now := time.Now()
	snapshot := ClusterHealth{
		ClusterID:    clusterID,
		Healthy:      probeErr == nil,
		LastCheck:    now,
		ResponseTime: now.Sub(start),
	}
	for _, p := range pools {
		m := p.Metrics()
		snapshot.Connections.Active += m.Active
		snapshot.Connections.Idle += m.Idle
		snapshot.Connections.Total += m.Total
	}
	if probeErr != nil {
		snapshot.Error = probeErr.Error()
	}

	c.mu.Lock()
	prev := c.health[clusterID]
	wasHealthy := prev != nil && prev.Healthy
	var prevCheck time.Time
	if prev != nil {
		snapshot.FailureCount = prev.FailureCount
		prevCheck = prev.LastCheck
	}
	if snapshot.Healthy {
		snapshot.FailureCount = 0
	} else {
		snapshot.FailureCount++
	}
	if startedAt, ok := c.started[clusterID]; ok {
		snapshot.Uptime = now.Sub(startedAt)
	}
	if c.stats != nil {
		snapshot.Queries = c.stats(clusterID)
	}
	c.health[clusterID] = &snapshot
	c.mu.Unlock()

	known := prev != nil
	switch {
	case known && wasHealthy && !snapshot.Healthy:
		c.logger.Warn().Str("cluster", clusterID).Str("reason", snapshot.Error).Msg("cluster went down")
		c.bus.Emit(events.ClusterDown, events.ClusterDownPayload{ClusterID: clusterID, Reason: snapshot.Error})
	case known && !wasHealthy && snapshot.Healthy:
		downtime := now.Sub(prevCheck)
		c.logger.Info().Str("cluster", clusterID).Dur("downtime", downtime).Msg("cluster recovered")
		c.bus.Emit(events.ClusterRecovered, events.ClusterRecoveredPayload{ClusterID: clusterID, Downtime: downtime})
		c.bus.Emit(events.ClusterUp, events.ClusterUpPayload{ClusterID: clusterID})
	case !known && !snapshot.Healthy:
		c.bus.Emit(events.ClusterDown, events.ClusterDownPayload{ClusterID: clusterID, Reason: snapshot.Error})
	}

	return snapshot
}

func (c *Checker) probePool(ctx context.Context, p *pool.Pool) error {
	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()

	conn, err := p.Acquire(probeCtx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(probeCtx, "SELECT 1"); err != nil {
		return err
	}
	return nil
}
