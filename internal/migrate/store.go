package migrate

import (
	"context"
	"fmt"
	"time"

	"github.com/andeerc/pg-multiverse/internal/driver"
)

// Cluster is the narrow routing surface the migration engine needs;
// implemented by the cluster manager.
type Cluster interface {
	ClusterIDs() []string
	Schemas() []string
	ClusterForSchema(schema string) (string, error)
	QueryOn(ctx context.Context, clusterID, sql string, params ...any) (*driver.Result, error)
	ExecOn(ctx context.Context, clusterID, sql string, params ...any) error
}

// store persists migration records and locks, one table pair per cluster.
type store struct {
	cluster   Cluster
	table     string
	lockTable string
}

func newStore(cluster Cluster, table, lockTable string) *store {
	if table == "" {
		table = "pgm_migrations"
	}
	if lockTable == "" {
		lockTable = "pgm_migration_locks"
	}
	return &store{cluster: cluster, table: table, lockTable: lockTable}
}

// ensureTables creates the migrations and lock tables on one cluster.
func (s *store) ensureTables(ctx context.Context, clusterID string) error {
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version        TEXT NOT NULL,
			name           TEXT NOT NULL,
			schema_name    TEXT NOT NULL,
			cluster_id     TEXT NOT NULL,
			executed_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			execution_time BIGINT NOT NULL DEFAULT 0,
			checksum       TEXT NOT NULL,
			batch          INT NOT NULL DEFAULT 1,
			UNIQUE (version, schema_name, cluster_id)
		)`, s.table)
	if err := s.cluster.ExecOn(ctx, clusterID, ddl); err != nil {
		return fmt.Errorf("create migrations table on %s: %w", clusterID, err)
	}

	lockDDL := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			lock_key  TEXT PRIMARY KEY,
			locked_by TEXT NOT NULL,
			locked_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			expires_at TIMESTAMPTZ NOT NULL
		)`, s.lockTable)
	if err := s.cluster.ExecOn(ctx, clusterID, lockDDL); err != nil {
		return fmt.Errorf("create lock table on %s: %w", clusterID, err)
	}
	return nil
}

// appliedRecords fetches the applied rows for (schema, cluster), most recent
// version last.
func (s *store) appliedRecords(ctx context.Context, clusterID, schema string) ([]Record, error) {
	sql := fmt.Sprintf(
		`SELECT version, name, schema_name, cluster_id, executed_at, execution_time, checksum, batch
		 FROM %s WHERE schema_name = $1 AND cluster_id = $2 ORDER BY version`, s.table)
	res, err := s.cluster.QueryOn(ctx, clusterID, sql, schema, clusterID)
	if err != nil {
		return nil, fmt.Errorf("load applied migrations on %s: %w", clusterID, err)
	}

	records := make([]Record, 0, len(res.Rows))
	for _, row := range res.Rows {
		rec := Record{
			Version:   stringValue(row["version"]),
			Name:      stringValue(row["name"]),
			Schema:    stringValue(row["schema_name"]),
			ClusterID: stringValue(row["cluster_id"]),
			Checksum:  stringValue(row["checksum"]),
			Batch:     int(intValue(row["batch"])),
		}
		if ts, ok := row["executed_at"].(time.Time); ok {
			rec.ExecutedAt = ts
		}
		rec.ExecutionTime = time.Duration(intValue(row["execution_time"])) * time.Millisecond
		records = append(records, rec)
	}
	return records, nil
}

func (s *store) recordMigration(ctx context.Context, rec Record) error {
	sql := fmt.Sprintf(
		`INSERT INTO %s (version, name, schema_name, cluster_id, executed_at, execution_time, checksum, batch)
		 VALUES ($1, $2, $3, $4, now(), $5, $6, $7)`, s.table)
	err := s.cluster.ExecOn(ctx, rec.ClusterID, sql,
		rec.Version, rec.Name, rec.Schema, rec.ClusterID,
		rec.ExecutionTime.Milliseconds(), rec.Checksum, rec.Batch)
	if err != nil {
		return fmt.Errorf("record migration %s: %w", rec.Version, err)
	}
	return nil
}

func (s *store) deleteRecord(ctx context.Context, clusterID, version, schema string) error {
	sql := fmt.Sprintf(
		`DELETE FROM %s WHERE version = $1 AND schema_name = $2 AND cluster_id = $3`, s.table)
	if err := s.cluster.ExecOn(ctx, clusterID, sql, version, schema, clusterID); err != nil {
		return fmt.Errorf("delete migration record %s: %w", version, err)
	}
	return nil
}

// maxBatch returns the highest recorded batch on one cluster.
func (s *store) maxBatch(ctx context.Context, clusterID string) (int, error) {
	sql := fmt.Sprintf(`SELECT COALESCE(MAX(batch), 0) AS batch FROM %s`, s.table)
	res, err := s.cluster.QueryOn(ctx, clusterID, sql)
	if err != nil {
		return 0, fmt.Errorf("read max batch on %s: %w", clusterID, err)
	}
	if len(res.Rows) == 0 {
		return 0, nil
	}
	return int(intValue(res.Rows[0]["batch"])), nil
}

// acquireLock upserts a lock row; rows whose expiry has passed may be
// overwritten. Returns false when the lock is held by someone else.
func (s *store) acquireLock(ctx context.Context, clusterID, key, owner string, ttl time.Duration) (bool, error) {
	sql := fmt.Sprintf(
		`INSERT INTO %s (lock_key, locked_by, locked_at, expires_at)
		 VALUES ($1, $2, now(), now() + ($3 || ' milliseconds')::interval)
		 ON CONFLICT (lock_key) DO UPDATE
		 SET locked_by = EXCLUDED.locked_by, locked_at = EXCLUDED.locked_at, expires_at = EXCLUDED.expires_at
		 WHERE %s.expires_at < now()
		 RETURNING locked_by`, s.lockTable, s.lockTable)
	res, err := s.cluster.QueryOn(ctx, clusterID, sql, key, owner, fmt.Sprintf("%d", ttl.Milliseconds()))
	if err != nil {
		return false, fmt.Errorf("acquire lock %s on %s: %w", key, clusterID, err)
	}
	// No row returned means the upsert hit a live lock.
	return len(res.Rows) > 0, nil
}

func (s *store) releaseLock(ctx context.Context, clusterID, key, owner string) error {
	sql := fmt.Sprintf(`DELETE FROM %s WHERE lock_key = $1 AND locked_by = $2`, s.lockTable)
	if err := s.cluster.ExecOn(ctx, clusterID, sql, key, owner); err != nil {
		return fmt.Errorf("release lock %s on %s: %w", key, clusterID, err)
	}
	return nil
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

func intValue(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
