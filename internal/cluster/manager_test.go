package cluster

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andeerc/pg-multiverse/internal/config"
	"github.com/andeerc/pg-multiverse/internal/driver"
	"github.com/andeerc/pg-multiverse/internal/driver/drivertest"
	"github.com/andeerc/pg-multiverse/internal/events"
)

func conn(host string) *config.Connection {
	return &config.Connection{Host: host, Port: 5432, Database: "app", User: "u", Password: "p", MaxConnections: 10}
}

func twoClusterDoc() config.Document {
	return config.Document{
		"cluster_a": &config.ClusterConfig{
			Schemas: []string{"users"},
			Primary: conn("a-primary"),
		},
		"cluster_b": &config.ClusterConfig{
			Schemas: []string{"orders"},
			Primary: conn("b-primary"),
		},
	}
}

func newManager(t *testing.T, fake *drivertest.Fake, doc config.Document) (*Manager, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	m := NewManager(ManagerConfig{ReplicaReadyTimeout: time.Second}, fake, bus, zerolog.Nop())
	require.NoError(t, m.Initialize(context.Background(), doc))
	t.Cleanup(m.Close)
	return m, bus
}

func TestDetectOperation(t *testing.T) {
	assert.Equal(t, OpRead, DetectOperation("SELECT * FROM users"))
	assert.Equal(t, OpRead, DetectOperation("  with x as (select 1) select * from x"))
	assert.Equal(t, OpRead, DetectOperation("EXPLAIN SELECT 1"))
	assert.Equal(t, OpWrite, DetectOperation("INSERT INTO t VALUES (1)"))
	assert.Equal(t, OpWrite, DetectOperation("update t set x = 1"))
	assert.Equal(t, OpWrite, DetectOperation("DELETE FROM t"))
	assert.Equal(t, OpWrite, DetectOperation("MERGE INTO t USING s ON true"))
	assert.Equal(t, OpRead, DetectOperation("SHOW server_version"))
}

func TestSchemaRouting(t *testing.T) {
	fake := drivertest.NewFake()
	m, _ := newManager(t, fake, twoClusterDoc())
	ctx := context.Background()

	res, err := m.ExecuteQuery(ctx, "SELECT 1", nil, QueryOptions{Schema: "users"})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.NotEmpty(t, fake.SQLFor("a-primary:5432"))

	_, err = m.ExecuteQuery(ctx, "SELECT 1", nil, QueryOptions{Schema: "orders"})
	require.NoError(t, err)
	assert.NotEmpty(t, fake.SQLFor("b-primary:5432"))

	_, err = m.ExecuteQuery(ctx, "SELECT 1", nil, QueryOptions{Schema: "ghost"})
	require.ErrorIs(t, err, ErrUnknownSchema)
}

func TestRouting_NotInitialized(t *testing.T) {
	fake := drivertest.NewFake()
	m := NewManager(ManagerConfig{}, fake, events.NewBus(), zerolog.Nop())
	_, err := m.GetConnection(context.Background(), QueryOptions{Schema: "users"})
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestRouting_ExplicitClusterBypassesActiveCheck(t *testing.T) {
	fake := drivertest.NewFake()
	m, _ := newManager(t, fake, twoClusterDoc())

	m.setStatus("cluster_a", StatusMaintenance)

	_, err := m.GetConnection(context.Background(), QueryOptions{Schema: "users"})
	require.ErrorIs(t, err, ErrClusterNotActive)

	wc, err := m.GetConnection(context.Background(), QueryOptions{ClusterID: "cluster_a"})
	require.NoError(t, err)
	wc.Release()
}

func TestRouting_FallsBackToFirstActive(t *testing.T) {
	fake := drivertest.NewFake()
	m, _ := newManager(t, fake, twoClusterDoc())

	wc, err := m.GetConnection(context.Background(), QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, "cluster_a", wc.ClusterID)
	wc.Release()

	m.setStatus("cluster_a", StatusDown)
	wc, err = m.GetConnection(context.Background(), QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, "cluster_b", wc.ClusterID)
	wc.Release()

	m.setStatus("cluster_b", StatusDown)
	_, err = m.GetConnection(context.Background(), QueryOptions{})
	require.ErrorIs(t, err, ErrNoActiveCluster)
}

func replicatedDoc() config.Document {
	return config.Document{
		"cluster_a": &config.ClusterConfig{
			Schemas:  []string{"users"},
			Primary:  conn("a-primary"),
			Replicas: []*config.Connection{conn("a-replica-0"), conn("a-replica-1")},
		},
	}
}

func TestReadWriteSplit(t *testing.T) {
	fake := drivertest.NewFake()
	m, _ := newManager(t, fake, replicatedDoc())
	ctx := context.Background()

	// Six eventual reads round-robin across the two replicas.
	for i := 0; i < 6; i++ {
		_, err := m.ExecuteQuery(ctx, "SELECT 1", nil, QueryOptions{Schema: "users", Consistency: ConsistencyEventual})
		require.NoError(t, err)
	}
	r0 := len(fake.LogFor("a-replica-0:5432"))
	r1 := len(fake.LogFor("a-replica-1:5432"))
	// Initializer SELECT 1 + initial health probe per pool, plus three reads each.
	assert.Equal(t, 5, r0)
	assert.Equal(t, 5, r1)

	// Strong-consistency read goes to the primary.
	before := len(fake.LogFor("a-primary:5432"))
	_, err := m.ExecuteQuery(ctx, "SELECT 1", nil, QueryOptions{Schema: "users", Consistency: ConsistencyStrong})
	require.NoError(t, err)
	assert.Equal(t, before+1, len(fake.LogFor("a-primary:5432")))

	// Writes go to the primary.
	_, err = m.ExecuteQuery(ctx, "UPDATE users SET name = $1", []any{"x"}, QueryOptions{Schema: "users"})
	require.NoError(t, err)
	assert.Equal(t, before+2, len(fake.LogFor("a-primary:5432")))
}

func TestReplicaInitFailureDegrades(t *testing.T) {
	fake := drivertest.NewFake()
	fake.ConnectErr["a-replica-1:5432"] = errors.New("unreachable")

	m, _ := newManager(t, fake, replicatedDoc())

	infos := m.GetClusters()
	require.Len(t, infos, 1)
	assert.Equal(t, 1, infos[0].Replicas)
}

func TestPrimaryInitFailureIsFatal(t *testing.T) {
	fake := drivertest.NewFake()
	fake.ConnectErr["a-primary:5432"] = errors.New("unreachable")

	bus := events.NewBus()
	m := NewManager(ManagerConfig{}, fake, bus, zerolog.Nop())
	err := m.Initialize(context.Background(), replicatedDoc())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "primary pool")
}

func TestExecuteQuery_Stats(t *testing.T) {
	fake := drivertest.NewFake()
	m, _ := newManager(t, fake, twoClusterDoc())
	ctx := context.Background()

	_, err := m.ExecuteQuery(ctx, "SELECT 1", nil, QueryOptions{Schema: "users"})
	require.NoError(t, err)

	fake.ExecErr = func(addr, sql string) error {
		if strings.HasPrefix(sql, "SELECT boom") {
			return errors.New("syntax error")
		}
		return nil
	}
	_, err = m.ExecuteQuery(ctx, "SELECT boom", nil, QueryOptions{Schema: "users"})
	require.Error(t, err)

	stats := m.GetStats()["cluster_a"]
	assert.Equal(t, int64(2), stats.Queries)
	assert.Equal(t, int64(1), stats.Errors)
	assert.GreaterOrEqual(t, stats.AvgResponseTime, 0.0)
}

func TestTransaction_CommitAndRollback(t *testing.T) {
	fake := drivertest.NewFake()
	m, _ := newManager(t, fake, twoClusterDoc())
	ctx := context.Background()

	err := m.Transaction(ctx, QueryOptions{Schema: "users"}, func(q driver.Querier) error {
		_, execErr := q.Exec(ctx, "INSERT INTO users.accounts (id) VALUES (1)")
		return execErr
	})
	require.NoError(t, err)

	sqls := fake.SQLFor("a-primary:5432")
	assert.Contains(t, sqls, "BEGIN")
	assert.Contains(t, sqls, "COMMIT")
	assert.NotContains(t, sqls, "ROLLBACK")

	// A callback error rolls the transaction back.
	err = m.Transaction(ctx, QueryOptions{Schema: "users"}, func(q driver.Querier) error {
		return errors.New("boom")
	})
	require.Error(t, err)
	assert.Contains(t, fake.SQLFor("a-primary:5432"), "ROLLBACK")
}

func TestForceFailover(t *testing.T) {
	fake := drivertest.NewFake()
	m, bus := newManager(t, fake, replicatedDoc())

	var payload events.FailoverPayload
	bus.Subscribe(events.Failover, func(p any) { payload = p.(events.FailoverPayload) })

	require.NoError(t, m.ForceFailover("cluster_a", 0))

	assert.Equal(t, "cluster_a_primary", payload.NewPrimary)
	assert.Equal(t, "cluster_a_replica_1", payload.OldPrimary)

	// Writes now land on the promoted replica's endpoint.
	before := len(fake.LogFor("a-replica-0:5432"))
	_, err := m.ExecuteQuery(context.Background(), "UPDATE users SET x = 1", nil, QueryOptions{Schema: "users"})
	require.NoError(t, err)
	assert.Equal(t, before+1, len(fake.LogFor("a-replica-0:5432")))

	require.Error(t, m.ForceFailover("cluster_a", 9))
	require.Error(t, m.ForceFailover("ghost", 0))
}

func TestRegisterSchema(t *testing.T) {
	fake := drivertest.NewFake()
	m, _ := newManager(t, fake, twoClusterDoc())

	require.NoError(t, m.RegisterSchema("billing", "cluster_b"))
	id, err := m.ClusterForSchema("billing")
	require.NoError(t, err)
	assert.Equal(t, "cluster_b", id)

	err = m.RegisterSchema("billing", "cluster_a")
	require.Error(t, err)

	err = m.RegisterSchema("x", "ghost")
	require.ErrorIs(t, err, ErrUnknownCluster)
}

func TestUpdateConfig_AddAndRemove(t *testing.T) {
	fake := drivertest.NewFake()
	m, _ := newManager(t, fake, twoClusterDoc())
	ctx := context.Background()

	doc := config.Document{
		"cluster_b": &config.ClusterConfig{Schemas: []string{"orders"}, Primary: conn("b-primary")},
		"cluster_c": &config.ClusterConfig{Schemas: []string{"events"}, Primary: conn("c-primary")},
	}
	require.NoError(t, m.UpdateConfig(ctx, doc))

	ids := m.ClusterIDs()
	assert.Equal(t, []string{"cluster_b", "cluster_c"}, ids)

	_, err := m.ClusterForSchema("users")
	require.ErrorIs(t, err, ErrUnknownSchema)

	id, err := m.ClusterForSchema("events")
	require.NoError(t, err)
	assert.Equal(t, "cluster_c", id)
}

func TestHealthEventsDriveStatus(t *testing.T) {
	fake := drivertest.NewFake()
	m, bus := newManager(t, fake, twoClusterDoc())

	bus.Emit(events.ClusterDown, events.ClusterDownPayload{ClusterID: "cluster_a", Reason: "probe failed"})
	_, err := m.GetConnection(context.Background(), QueryOptions{Schema: "users"})
	require.ErrorIs(t, err, ErrClusterNotActive)

	bus.Emit(events.ClusterUp, events.ClusterUpPayload{ClusterID: "cluster_a"})
	wc, err := m.GetConnection(context.Background(), QueryOptions{Schema: "users"})
	require.NoError(t, err)
	wc.Release()
}

func TestActiveConnectionCounter(t *testing.T) {
	fake := drivertest.NewFake()
	m, _ := newManager(t, fake, twoClusterDoc())

	wc, err := m.GetConnection(context.Background(), QueryOptions{Schema: "users"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.GetStats()["cluster_a"].ActiveConnections)

	wc.Release()
	wc.Release() // idempotent
	assert.Equal(t, int64(0), m.GetStats()["cluster_a"].ActiveConnections)
}

func TestPerClusterTransaction(t *testing.T) {
	fake := drivertest.NewFake()
	m, _ := newManager(t, fake, twoClusterDoc())

	var visited []string
	err := m.PerClusterTransaction(context.Background(), []string{"cluster_a", "cluster_b"},
		func(clusterID string, q driver.Querier) error {
			visited = append(visited, clusterID)
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, []string{"cluster_a", "cluster_b"}, visited)

	assert.Contains(t, fake.SQLFor("a-primary:5432"), "COMMIT")
	assert.Contains(t, fake.SQLFor("b-primary:5432"), "COMMIT")
}

func TestGetMetricsKeysByPoolID(t *testing.T) {
	fake := drivertest.NewFake()
	m, _ := newManager(t, fake, replicatedDoc())

	metrics := m.GetMetrics()
	assert.Contains(t, metrics, "cluster_a_primary")
	assert.Contains(t, metrics, "cluster_a_replica_0")
	assert.Contains(t, metrics, "cluster_a_replica_1")
	for id, pm := range metrics {
		assert.Equal(t, pm.Total, pm.Active+pm.Idle, "pool %s", id)
	}
}
