package health

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andeerc/pg-multiverse/internal/driver"
	"github.com/andeerc/pg-multiverse/internal/driver/drivertest"
	"github.com/andeerc/pg-multiverse/internal/events"
	"github.com/andeerc/pg-multiverse/internal/pool"
)

func newPools(t *testing.T, fake *drivertest.Fake, bus *events.Bus, hosts ...string) []*pool.Pool {
	t.Helper()
	pools := make([]*pool.Pool, 0, len(hosts))
	for i, host := range hosts {
		role := pool.RoleReplica
		idx := i - 1
		if i == 0 {
			role = pool.RolePrimary
			idx = 0
		}
		cfg := driver.ConnConfig{Host: host, Port: 5432, Database: "app", User: "u", Password: "p", MaxConns: 5}
		p := pool.New(context.Background(), "c1", role, idx, fake, cfg,
			pool.Config{AcquireTimeout: time.Second}, bus, zerolog.Nop())
		require.NoError(t, p.WaitReady(context.Background()))
		t.Cleanup(p.Close)
		pools = append(pools, p)
	}
	return pools
}

func TestForceCheck_Healthy(t *testing.T) {
	fake := drivertest.NewFake()
	bus := events.NewBus()
	pools := newPools(t, fake, bus, "p1", "r1", "r2")

	c := NewChecker(Config{Interval: time.Hour}, bus, zerolog.Nop())
	c.AddCluster("c1", pools)

	h, err := c.ForceCheck(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, h.Healthy)
	assert.Equal(t, 0, h.FailureCount)
	assert.Empty(t, h.Error)
	assert.False(t, h.LastCheck.IsZero())

	// The probe ran SELECT 1 against every pool.
	for _, addr := range []string{"p1:5432", "r1:5432", "r2:5432"} {
		probes := 0
		for _, sql := range fake.SQLFor(addr) {
			if strings.Contains(sql, "SELECT 1") {
				probes++
			}
		}
		assert.GreaterOrEqual(t, probes, 2, "addr %s: init + probe", addr)
	}
}

func TestForceCheck_UnknownCluster(t *testing.T) {
	c := NewChecker(Config{}, events.NewBus(), zerolog.Nop())
	_, err := c.ForceCheck(context.Background(), "ghost")
	require.Error(t, err)
}

func TestTransitions_DownThenRecovered(t *testing.T) {
	fake := drivertest.NewFake()
	bus := events.NewBus()
	pools := newPools(t, fake, bus, "p1")

	var kinds []events.Kind
	bus.Subscribe(events.ClusterDown, func(any) { kinds = append(kinds, events.ClusterDown) })
	bus.Subscribe(events.ClusterRecovered, func(any) { kinds = append(kinds, events.ClusterRecovered) })
	bus.Subscribe(events.ClusterUp, func(any) { kinds = append(kinds, events.ClusterUp) })

	c := NewChecker(Config{Interval: time.Hour}, bus, zerolog.Nop())
	c.AddCluster("c1", pools)

	// Healthy baseline.
	_, err := c.ForceCheck(context.Background(), "c1")
	require.NoError(t, err)

	// Backend goes away.
	fake.ExecErr = func(addr, sql string) error { return errors.New("connection refused") }
	h, err := c.ForceCheck(context.Background(), "c1")
	require.NoError(t, err)
	assert.False(t, h.Healthy)
	assert.Equal(t, 1, h.FailureCount)
	assert.Contains(t, h.Error, "connection refused")

	// Still down: failure count climbs, no duplicate transition.
	h, err = c.ForceCheck(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, h.FailureCount)

	// Backend returns.
	fake.ExecErr = nil
	h, err = c.ForceCheck(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, h.Healthy)
	assert.Equal(t, 0, h.FailureCount)

	assert.Equal(t, []events.Kind{events.ClusterDown, events.ClusterRecovered, events.ClusterUp}, kinds)
}

func TestRecovered_CarriesDowntime(t *testing.T) {
	fake := drivertest.NewFake()
	bus := events.NewBus()
	pools := newPools(t, fake, bus, "p1")

	var recovered events.ClusterRecoveredPayload
	bus.Subscribe(events.ClusterRecovered, func(p any) { recovered = p.(events.ClusterRecoveredPayload) })

	c := NewChecker(Config{Interval: time.Hour}, bus, zerolog.Nop())
	c.AddCluster("c1", pools)

	fake.ExecErr = func(addr, sql string) error { return errors.New("down") }
	_, err := c.ForceCheck(context.Background(), "c1")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	fake.ExecErr = nil
	_, err = c.ForceCheck(context.Background(), "c1")
	require.NoError(t, err)

	assert.Equal(t, "c1", recovered.ClusterID)
	assert.GreaterOrEqual(t, recovered.Downtime, 20*time.Millisecond)
}

func TestStart_ProbesImmediately(t *testing.T) {
	fake := drivertest.NewFake()
	bus := events.NewBus()
	pools := newPools(t, fake, bus, "p1")

	c := NewChecker(Config{Interval: time.Hour}, bus, zerolog.Nop())
	c.Start(map[string][]*pool.Pool{"c1": pools})
	defer c.Stop()

	h, ok := c.GetHealth("c1")
	require.True(t, ok)
	assert.True(t, h.Healthy)
}

func TestPeriodicLoop(t *testing.T) {
	fake := drivertest.NewFake()
	bus := events.NewBus()
	pools := newPools(t, fake, bus, "p1")

	c := NewChecker(Config{Interval: 20 * time.Millisecond}, bus, zerolog.Nop())
	c.Start(map[string][]*pool.Pool{"c1": pools})
	defer c.Stop()

	first, ok := c.GetHealth("c1")
	require.True(t, ok)

	require.Eventually(t, func() bool {
		h, _ := c.GetHealth("c1")
		return h.LastCheck.After(first.LastCheck)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRemoveCluster(t *testing.T) {
	fake := drivertest.NewFake()
	bus := events.NewBus()
	pools := newPools(t, fake, bus, "p1")

	c := NewChecker(Config{Interval: time.Hour}, bus, zerolog.Nop())
	c.AddCluster("c1", pools)
	_, err := c.ForceCheck(context.Background(), "c1")
	require.NoError(t, err)

	c.RemoveCluster("c1")
	_, ok := c.GetHealth("c1")
	assert.False(t, ok)
	_, err = c.ForceCheck(context.Background(), "c1")
	require.Error(t, err)
}

func TestStatsFuncFeedsQueries(t *testing.T) {
	fake := drivertest.NewFake()
	bus := events.NewBus()
	pools := newPools(t, fake, bus, "p1")

	c := NewChecker(Config{Interval: time.Hour}, bus, zerolog.Nop())
	c.SetStatsFunc(func(clusterID string) QueryCounts {
		return QueryCounts{Total: 10, Successful: 9, Failed: 1, AvgResponseTime: 4.5}
	})
	c.AddCluster("c1", pools)

	h, err := c.ForceCheck(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), h.Queries.Total)
	assert.Equal(t, int64(1), h.Queries.Failed)
}
