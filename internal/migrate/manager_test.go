package migrate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andeerc/pg-multiverse/internal/driver"
	"github.com/andeerc/pg-multiverse/internal/events"
)

// fakeCluster is an in-memory Cluster implementation with just enough SQL
// dispatch to serve the migration store.
type fakeCluster struct {
	mu       sync.Mutex
	clusters []string
	owners   map[string]string // schema -> cluster

	records map[string][]Record          // cluster -> applied rows
	locks   map[string]map[string]string // cluster -> lock key -> owner
	scripts map[string][]string          // cluster -> executed migration scripts

	failScript func(clusterID, sql string) error
}

func newFakeCluster(owners map[string]string) *fakeCluster {
	clusterSet := map[string]bool{}
	f := &fakeCluster{
		owners:  owners,
		records: map[string][]Record{},
		locks:   map[string]map[string]string{},
		scripts: map[string][]string{},
	}
	for _, c := range owners {
		if !clusterSet[c] {
			clusterSet[c] = true
			f.clusters = append(f.clusters, c)
		}
	}
	return f
}

func (f *fakeCluster) ClusterIDs() []string { return append([]string(nil), f.clusters...) }

func (f *fakeCluster) Schemas() []string {
	out := make([]string, 0, len(f.owners))
	for s := range f.owners {
		out = append(out, s)
	}
	return out
}

func (f *fakeCluster) ClusterForSchema(schema string) (string, error) {
	if c, ok := f.owners[schema]; ok {
		return c, nil
	}
	return "", fmt.Errorf("no cluster registered for schema %s", schema)
}

func (f *fakeCluster) QueryOn(ctx context.Context, clusterID, sql string, params ...any) (*driver.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case strings.Contains(sql, "SELECT version"):
		schema := params[0].(string)
		res := &driver.Result{}
		for _, rec := range f.records[clusterID] {
			if rec.Schema != schema {
				continue
			}
			res.Rows = append(res.Rows, map[string]any{
				"version": rec.Version, "name": rec.Name,
				"schema_name": rec.Schema, "cluster_id": rec.ClusterID,
				"executed_at":    rec.ExecutedAt,
				"execution_time": rec.ExecutionTime.Milliseconds(),
				"checksum":       rec.Checksum, "batch": int64(rec.Batch),
			})
		}
		return res, nil

	case strings.Contains(sql, "MAX(batch)"):
		max := int64(0)
		for _, rec := range f.records[clusterID] {
			if int64(rec.Batch) > max {
				max = int64(rec.Batch)
			}
		}
		return &driver.Result{Rows: []map[string]any{{"batch": max}}}, nil

	case strings.Contains(sql, "ON CONFLICT (lock_key)"):
		key := params[0].(string)
		owner := params[1].(string)
		if f.locks[clusterID] == nil {
			f.locks[clusterID] = map[string]string{}
		}
		if held, ok := f.locks[clusterID][key]; ok && held != owner {
			return &driver.Result{}, nil // live lock held elsewhere
		}
		f.locks[clusterID][key] = owner
		return &driver.Result{Rows: []map[string]any{{"locked_by": owner}}}, nil
	}
	return &driver.Result{}, nil
}

func (f *fakeCluster) ExecOn(ctx context.Context, clusterID, sql string, params ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case strings.Contains(sql, "CREATE TABLE IF NOT EXISTS"):
		return nil

	case strings.Contains(sql, "INSERT INTO pgm_migrations "):
		f.records[clusterID] = append(f.records[clusterID], Record{
			Version:       params[0].(string),
			Name:          params[1].(string),
			Schema:        params[2].(string),
			ClusterID:     params[3].(string),
			ExecutedAt:    time.Now(),
			ExecutionTime: time.Duration(params[4].(int64)) * time.Millisecond,
			Checksum:      params[5].(string),
			Batch:         params[6].(int),
		})
		return nil

	case strings.Contains(sql, "DELETE FROM pgm_migrations "):
		version, schema := params[0].(string), params[1].(string)
		kept := f.records[clusterID][:0]
		for _, rec := range f.records[clusterID] {
			if rec.Version == version && rec.Schema == schema {
				continue
			}
			kept = append(kept, rec)
		}
		f.records[clusterID] = kept
		return nil

	case strings.Contains(sql, "DELETE FROM pgm_migration_locks"):
		key, owner := params[0].(string), params[1].(string)
		if f.locks[clusterID] != nil && f.locks[clusterID][key] == owner {
			delete(f.locks[clusterID], key)
		}
		return nil
	}

	// Everything else is a migration script.
	if f.failScript != nil {
		if err := f.failScript(clusterID, sql); err != nil {
			return err
		}
	}
	f.scripts[clusterID] = append(f.scripts[clusterID], sql)
	return nil
}

func (f *fakeCluster) appliedVersions(clusterID, schema string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, rec := range f.records[clusterID] {
		if rec.Schema == schema {
			out = append(out, rec.Version)
		}
	}
	return out
}

func migration(version, name string, schemas []string, deps ...string) *Migration {
	return &Migration{
		Version:       version,
		Name:          name,
		TargetSchemas: schemas,
		Up:            fmt.Sprintf("CREATE TABLE %s_up ()", name),
		Down:          fmt.Sprintf("DROP TABLE %s_up", name),
		Dependencies:  deps,
	}
}

func newTestManager(t *testing.T, fc *fakeCluster) (*Manager, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	m := NewManager(Config{Dir: t.TempDir()}, fc, bus, zerolog.Nop())
	require.NoError(t, m.Initialize(context.Background()))
	t.Cleanup(m.Close)
	return m, bus
}

func TestAddMigration_Validation(t *testing.T) {
	fc := newFakeCluster(map[string]string{"users": "c1"})
	m, _ := newTestManager(t, fc)

	require.ErrorIs(t, m.AddMigration(&Migration{}), ErrInvalidMigration)
	require.ErrorIs(t, m.AddMigration(&Migration{Version: "1", Name: "x", TargetSchemas: []string{"users"}, Up: "a"}), ErrInvalidMigration)

	mg := migration("20240101120000", "base", []string{"users"})
	require.NoError(t, m.AddMigration(mg))
	require.ErrorIs(t, m.AddMigration(mg), ErrDuplicateVersion)
}

func TestChecksum(t *testing.T) {
	a := migration("1", "a", []string{"users"})
	b := migration("1", "a", []string{"users"})
	assert.Equal(t, a.Checksum(), b.Checksum())

	b.Up = "ALTER TABLE x ADD COLUMN y int"
	assert.NotEqual(t, a.Checksum(), b.Checksum())
}

func TestMigrate_AppliesInOrderWithDependencies(t *testing.T) {
	fc := newFakeCluster(map[string]string{"users": "c1"})
	m, bus := newTestManager(t, fc)

	var completed []string
	bus.Subscribe(events.MigrationCompleted, func(p any) {
		completed = append(completed, p.(events.MigrationPayload).Version)
	})

	m1 := migration("20240101120000", "base", []string{"users"})
	m2 := migration("20240101130000", "next", []string{"users"}, "20240101120000")
	require.NoError(t, m.AddMigration(m2))
	require.NoError(t, m.AddMigration(m1))

	status, err := m.Migrate(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, status.Executed)
	assert.Equal(t, []string{"20240101120000", "20240101130000"}, completed)

	applied := fc.appliedVersions("c1", "users")
	assert.Equal(t, []string{"20240101120000", "20240101130000"}, applied)

	// Checksums are distinct per migration.
	assert.NotEqual(t, fc.records["c1"][0].Checksum, fc.records["c1"][1].Checksum)

	// Re-running finds nothing pending.
	status, err = m.Migrate(context.Background(), Options{})
	require.NoError(t, err)
	assert.Zero(t, status.Executed)
	assert.Zero(t, status.PendingMigrations)
}

func TestMigrate_DependencyMissing(t *testing.T) {
	fc := newFakeCluster(map[string]string{"users": "c1"})
	m, _ := newTestManager(t, fc)

	require.NoError(t, m.AddMigration(migration("20240101130000", "next", []string{"users"}, "20240101120000")))

	_, err := m.Migrate(context.Background(), Options{})
	require.ErrorIs(t, err, ErrDependencyMissing)

	// Force skips the dependency check.
	status, err := m.Migrate(context.Background(), Options{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 1, status.Executed)
}

func TestMigrate_TargetVersionBound(t *testing.T) {
	fc := newFakeCluster(map[string]string{"users": "c1"})
	m, _ := newTestManager(t, fc)

	require.NoError(t, m.AddMigration(migration("20240101120000", "one", []string{"users"})))
	require.NoError(t, m.AddMigration(migration("20240101130000", "two", []string{"users"})))
	require.NoError(t, m.AddMigration(migration("20240101140000", "three", []string{"users"})))

	status, err := m.Migrate(context.Background(), Options{TargetVersion: "20240101130000"})
	require.NoError(t, err)
	assert.Equal(t, 2, status.Executed)
	assert.Equal(t, []string{"20240101120000", "20240101130000"}, fc.appliedVersions("c1", "users"))
}

func TestMigrate_DryRun(t *testing.T) {
	fc := newFakeCluster(map[string]string{"users": "c1"})
	m, _ := newTestManager(t, fc)

	require.NoError(t, m.AddMigration(migration("20240101120000", "base", []string{"users"})))

	status, err := m.Migrate(context.Background(), Options{DryRun: true})
	require.NoError(t, err)
	assert.True(t, status.DryRun)
	assert.Equal(t, 1, status.PendingMigrations)
	assert.Zero(t, status.Executed)
	assert.Empty(t, fc.appliedVersions("c1", "users"))
}

func TestMigrate_SchemaAndClusterFilters(t *testing.T) {
	fc := newFakeCluster(map[string]string{"users": "c1", "orders": "c2"})
	m, _ := newTestManager(t, fc)

	require.NoError(t, m.AddMigration(migration("20240101120000", "both", []string{"users", "orders"})))

	status, err := m.Migrate(context.Background(), Options{Schemas: []string{"users"}})
	require.NoError(t, err)
	assert.Equal(t, 1, status.Executed)
	assert.Len(t, fc.appliedVersions("c1", "users"), 1)
	assert.Empty(t, fc.appliedVersions("c2", "orders"))

	// Cluster filter keeps only lanes on that cluster.
	status, err = m.Migrate(context.Background(), Options{Clusters: []string{"c2"}})
	require.NoError(t, err)
	assert.Equal(t, 1, status.Executed)
	assert.Len(t, fc.appliedVersions("c2", "orders"), 1)
}

func TestMigrate_StopsAtFirstErrorUnlessContinue(t *testing.T) {
	fc := newFakeCluster(map[string]string{"users": "c1"})
	m, _ := newTestManager(t, fc)

	require.NoError(t, m.AddMigration(migration("20240101120000", "bad", []string{"users"})))
	require.NoError(t, m.AddMigration(migration("20240101130000", "good", []string{"users"})))

	fc.failScript = func(clusterID, sql string) error {
		if strings.Contains(sql, "bad_up") {
			return errors.New("syntax error")
		}
		return nil
	}

	_, err := m.Migrate(context.Background(), Options{})
	require.Error(t, err)
	assert.Empty(t, fc.appliedVersions("c1", "users"))

	status, err := m.Migrate(context.Background(), Options{ContinueOnError: true})
	require.NoError(t, err)
	assert.Equal(t, 1, status.Executed)
	require.Len(t, status.Errors, 1)
	assert.Equal(t, []string{"20240101130000"}, fc.appliedVersions("c1", "users"))

	// The failed migration's lock was released.
	assert.Empty(t, fc.locks["c1"])
}

func TestMigrate_Parallel(t *testing.T) {
	fc := newFakeCluster(map[string]string{"users": "c1", "orders": "c2"})
	m, _ := newTestManager(t, fc)

	require.NoError(t, m.AddMigration(migration("20240101120000", "one", []string{"users", "orders"})))
	require.NoError(t, m.AddMigration(migration("20240101130000", "two", []string{"users", "orders"})))

	status, err := m.Migrate(context.Background(), Options{Parallel: true})
	require.NoError(t, err)
	assert.Equal(t, 4, status.Executed)

	// Order is preserved within each lane.
	assert.Equal(t, []string{"20240101120000", "20240101130000"}, fc.appliedVersions("c1", "users"))
	assert.Equal(t, []string{"20240101120000", "20240101130000"}, fc.appliedVersions("c2", "orders"))
}

func TestMigrate_LockHeldElsewhere(t *testing.T) {
	fc := newFakeCluster(map[string]string{"users": "c1"})
	m, _ := newTestManager(t, fc)

	require.NoError(t, m.AddMigration(migration("20240101120000", "base", []string{"users"})))

	fc.locks["c1"] = map[string]string{
		lockKey("20240101120000", "users", "c1"): "someone-else",
	}

	_, err := m.Migrate(context.Background(), Options{})
	require.ErrorIs(t, err, ErrLockNotAcquired)
	assert.Empty(t, fc.appliedVersions("c1", "users"))
}

func TestRollback_Steps(t *testing.T) {
	fc := newFakeCluster(map[string]string{"users": "c1"})
	m, _ := newTestManager(t, fc)

	for _, v := range []string{"20240101120000", "20240101130000", "20240101140000"} {
		require.NoError(t, m.AddMigration(migration(v, "m"+v, []string{"users"})))
	}
	_, err := m.Migrate(context.Background(), Options{})
	require.NoError(t, err)
	require.Len(t, fc.appliedVersions("c1", "users"), 3)

	status, err := m.Rollback(context.Background(), Options{Steps: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, status.RolledBack)
	assert.Equal(t, []string{"20240101120000", "20240101130000"}, fc.appliedVersions("c1", "users"))

	// Steps beyond the applied count drain what is left.
	status, err = m.Rollback(context.Background(), Options{Steps: 5})
	require.NoError(t, err)
	assert.Equal(t, 2, status.RolledBack)
	assert.Empty(t, fc.appliedVersions("c1", "users"))
}

func TestRollback_TargetVersion(t *testing.T) {
	fc := newFakeCluster(map[string]string{"users": "c1"})
	m, _ := newTestManager(t, fc)

	for _, v := range []string{"20240101120000", "20240101130000", "20240101140000"} {
		require.NoError(t, m.AddMigration(migration(v, "m"+v, []string{"users"})))
	}
	_, err := m.Migrate(context.Background(), Options{})
	require.NoError(t, err)

	status, err := m.Rollback(context.Background(), Options{TargetVersion: "20240101120000"})
	require.NoError(t, err)
	assert.Equal(t, 2, status.RolledBack)
	assert.Equal(t, []string{"20240101120000"}, fc.appliedVersions("c1", "users"))
}

func TestRollback_UnknownMigration(t *testing.T) {
	fc := newFakeCluster(map[string]string{"users": "c1"})
	m, _ := newTestManager(t, fc)

	fc.records["c1"] = []Record{{Version: "20230101000000", Name: "legacy", Schema: "users", ClusterID: "c1"}}

	_, err := m.Rollback(context.Background(), Options{Steps: 1})
	require.Error(t, err)

	status, err := m.Rollback(context.Background(), Options{Steps: 1, Force: true})
	require.NoError(t, err)
	assert.Zero(t, status.RolledBack)
	// The unknown record is skipped, not deleted.
	assert.Len(t, fc.appliedVersions("c1", "users"), 1)
}

func TestGetStatus(t *testing.T) {
	fc := newFakeCluster(map[string]string{"users": "c1"})
	m, _ := newTestManager(t, fc)

	require.NoError(t, m.AddMigration(migration("20240101120000", "base", []string{"users"})))
	require.NoError(t, m.AddMigration(migration("20240101130000", "next", []string{"users"}, "20240101120000")))

	status, err := m.GetStatus(context.Background(), Options{})
	require.NoError(t, err)
	assert.Zero(t, status.AppliedMigrations)
	assert.Equal(t, 2, status.PendingMigrations)

	_, err = m.Migrate(context.Background(), Options{})
	require.NoError(t, err)

	status, err = m.GetStatus(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, status.AppliedMigrations)
	assert.Zero(t, status.PendingMigrations)

	_, err = m.Rollback(context.Background(), Options{Steps: 1})
	require.NoError(t, err)

	status, err = m.GetStatus(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, status.AppliedMigrations)
	assert.Equal(t, "20240101120000", status.Applied[0].Version)
	assert.Equal(t, 1, status.PendingMigrations)
}

func TestCreateMigrationAndLoadDir(t *testing.T) {
	fc := newFakeCluster(map[string]string{"users": "c1"})
	dir := t.TempDir()
	bus := events.NewBus()
	m := NewManager(Config{Dir: dir}, fc, bus, zerolog.Nop())
	require.NoError(t, m.Initialize(context.Background()))

	path, err := m.CreateMigration("add users table", CreateOptions{Schemas: []string{"users"}})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, "_add_users_table.json"))

	base := filepath.Base(path)
	assert.Regexp(t, `^\d{14}_`, base)

	_, err = os.Stat(path)
	require.NoError(t, err)

	// A fresh manager discovers the file on Initialize.
	m2 := NewManager(Config{Dir: dir}, fc, bus, zerolog.Nop())
	require.NoError(t, m2.Initialize(context.Background()))
	migrations := m2.GetMigrations()
	require.Len(t, migrations, 1)
	assert.Equal(t, "add users table", migrations[0].Name)
}

func TestNotInitialized(t *testing.T) {
	fc := newFakeCluster(map[string]string{"users": "c1"})
	m := NewManager(Config{}, fc, events.NewBus(), zerolog.Nop())

	_, err := m.Migrate(context.Background(), Options{})
	require.ErrorIs(t, err, ErrNotInitialized)
	_, err = m.Rollback(context.Background(), Options{})
	require.ErrorIs(t, err, ErrNotInitialized)
	_, err = m.GetStatus(context.Background(), Options{})
	require.ErrorIs(t, err, ErrNotInitialized)
}
