package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/andeerc/pg-multiverse/internal/events"
)

// ErrNotInitialized is returned by operations before Initialize.
var ErrNotInitialized = errors.New("migration manager is not initialized")

// Config tunes the engine.
type Config struct {
	Dir         string
	Table       string
	LockTable   string
	LockTimeout time.Duration
	MaxParallel int
}

const (
	defaultLockTimeout = 60 * time.Second
	defaultMaxParallel = 4
)

// Options steers one Migrate or Rollback run.
type Options struct {
	TargetVersion   string
	Schemas         []string
	Clusters        []string
	Steps           int
	DryRun          bool
	Force           bool
	ContinueOnError bool
	Parallel        bool
}

// CreateOptions parameterizes CreateMigration.
type CreateOptions struct {
	Schemas     []string
	Clusters    []string
	Description string
}

// Manager loads, plans, and executes migrations.
type Manager struct {
	cfg     Config
	cluster Cluster
	store   *store
	bus     *events.Bus
	logger  zerolog.Logger

	mu          sync.RWMutex
	initialized bool
	migrations  map[string]*Migration
	lockOwner   string
}

func NewManager(cfg Config, cluster Cluster, bus *events.Bus, logger zerolog.Logger) *Manager {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = defaultLockTimeout
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = defaultMaxParallel
	}
	return &Manager{
		cfg:        cfg,
		cluster:    cluster,
		store:      newStore(cluster, cfg.Table, cfg.LockTable),
		bus:        bus,
		logger:     logger.With().Str("component", "migrate").Logger(),
		migrations: make(map[string]*Migration),
		lockOwner:  uuid.NewString(),
	}
}

// Initialize creates the persistence tables on every cluster and loads the
// migrations directory.
func (m *Manager) Initialize(ctx context.Context) error {
	for _, clusterID := range m.cluster.ClusterIDs() {
		if err := m.store.ensureTables(ctx, clusterID); err != nil {
			return err
		}
	}

	if m.cfg.Dir != "" {
		if err := m.loadDir(); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()
	return nil
}

// LoadFromDir reads migration files without touching persistence; used by
// hosts that only need the registry (listing, file creation).
func (m *Manager) LoadFromDir() error {
	return m.loadDir()
}

// loadDir reads migration files from the configured directory. Invalid files
// fail loading; the directory being absent is fine.
func (m *Manager) loadDir() error {
	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read migrations dir %s: %w", m.cfg.Dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(m.cfg.Dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", path, err)
		}
		var migration Migration
		if err := json.Unmarshal(data, &migration); err != nil {
			return fmt.Errorf("parse migration %s: %w", path, err)
		}
		if err := m.AddMigration(&migration); err != nil {
			return fmt.Errorf("load migration %s: %w", path, err)
		}
	}
	return nil
}

// AddMigration registers a migration, validating it first.
func (m *Manager) AddMigration(migration *Migration) error {
	if err := migration.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.migrations[migration.Version]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateVersion, migration.Version)
	}
	m.migrations[migration.Version] = migration
	return nil
}

// RemoveMigration forgets a registered migration.
func (m *Manager) RemoveMigration(version string) {
	m.mu.Lock()
	delete(m.migrations, version)
	m.mu.Unlock()
}

// GetMigrations lists registered migrations sorted ascending by version.
func (m *Manager) GetMigrations() []*Migration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Migration, 0, len(m.migrations))
	for _, migration := range m.migrations {
		out = append(out, migration)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

// CreateMigration writes a timestamp-versioned migration stub to the
// migrations directory and returns its path.
func (m *Manager) CreateMigration(name string, opts CreateOptions) (string, error) {
	if name == "" {
		return "", errors.New("migration name is required")
	}
	if len(opts.Schemas) == 0 {
		return "", errors.New("at least one target schema is required")
	}

	version := time.Now().UTC().Format("20060102150405")
	migration := Migration{
		Version:        version,
		Name:           name,
		Description:    opts.Description,
		TargetSchemas:  opts.Schemas,
		TargetClusters: opts.Clusters,
		Up:             "-- write the forward migration here",
		Down:           "-- write the rollback here",
		CreatedAt:      time.Now().UTC(),
	}

	if err := os.MkdirAll(m.cfg.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create migrations dir: %w", err)
	}
	path := filepath.Join(m.cfg.Dir, fmt.Sprintf("%s_%s.json", version, sanitizeName(name)))
	data, err := json.MarshalIndent(&migration, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode migration: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write migration %s: %w", path, err)
	}
	return path, nil
}

func sanitizeName(name string) string {
	out := strings.ToLower(strings.TrimSpace(name))
	out = strings.ReplaceAll(out, " ", "_")
	return out
}

// target is one (migration, schema, cluster) execution unit.
type target struct {
	migration *Migration
	schema    string
	clusterID string
}

// resolveTargets expands option filters into (schema, cluster) lanes.
func (m *Manager) resolveTargets(opts Options) ([]string, map[string]string, error) {
	schemas := opts.Schemas
	if len(schemas) == 0 {
		schemas = m.cluster.Schemas()
	}

	clusterFilter := make(map[string]bool, len(opts.Clusters))
	for _, c := range opts.Clusters {
		clusterFilter[c] = true
	}

	owners := make(map[string]string, len(schemas))
	var kept []string
	for _, schema := range schemas {
		clusterID, err := m.cluster.ClusterForSchema(schema)
		if err != nil {
			return nil, nil, err
		}
		if len(clusterFilter) > 0 && !clusterFilter[clusterID] {
			continue
		}
		owners[schema] = clusterID
		kept = append(kept, schema)
	}
	sort.Strings(kept)
	return kept, owners, nil
}

// plan builds the ordered pending list for every (schema, cluster) lane.
func (m *Manager) plan(ctx context.Context, opts Options) ([]target, map[string][]Record, error) {
	schemas, owners, err := m.resolveTargets(opts)
	if err != nil {
		return nil, nil, err
	}

	m.mu.RLock()
	registry := make(map[string]*Migration, len(m.migrations))
	for v, mg := range m.migrations {
		registry[v] = mg
	}
	m.mu.RUnlock()

	applied := make(map[string][]Record, len(schemas))
	appliedVersions := make(map[string]map[string]bool, len(schemas))
	var targets []target

	for _, schema := range schemas {
		clusterID := owners[schema]
		records, err := m.store.appliedRecords(ctx, clusterID, schema)
		if err != nil {
			return nil, nil, err
		}
		laneKey := schema + "@" + clusterID
		applied[laneKey] = records
		appliedVersions[laneKey] = make(map[string]bool, len(records))
		for _, rec := range records {
			appliedVersions[laneKey][rec.Version] = true
		}

		var lane []*Migration
		for _, migration := range registry {
			if !migration.targetsSchema(schema) || !migration.targetsCluster(clusterID) {
				continue
			}
			if appliedVersions[laneKey][migration.Version] {
				continue
			}
			if opts.TargetVersion != "" && migration.Version > opts.TargetVersion {
				continue
			}
			lane = append(lane, migration)
		}
		sort.Slice(lane, func(i, j int) bool { return lane[i].Version < lane[j].Version })

		planned := make(map[string]bool, len(lane))
		for _, migration := range lane {
			planned[migration.Version] = true
		}
		for _, migration := range lane {
			if err := m.checkDependencies(migration, planned, appliedVersions); err != nil && !opts.Force {
				return nil, nil, err
			}
			targets = append(targets, target{migration: migration, schema: schema, clusterID: clusterID})
		}
	}
	return targets, applied, nil
}

// checkDependencies enforces that each dependency is either planned before
// this migration or already applied in every lane targeted by the dependency.
func (m *Manager) checkDependencies(migration *Migration, planned map[string]bool, appliedVersions map[string]map[string]bool) error {
	for _, dep := range migration.Dependencies {
		if planned[dep] && dep < migration.Version {
			continue
		}
		m.mu.RLock()
		depMigration, known := m.migrations[dep]
		m.mu.RUnlock()
		if !known {
			return fmt.Errorf("%w: %s requires unknown %s", ErrDependencyMissing, migration.Version, dep)
		}
		satisfied := true
		for _, schema := range depMigration.TargetSchemas {
			found := false
			for laneKey, versions := range appliedVersions {
				if strings.HasPrefix(laneKey, schema+"@") && versions[dep] {
					found = true
					break
				}
			}
			if !found {
				satisfied = false
				break
			}
		}
		if !satisfied {
			return fmt.Errorf("%w: %s requires %s", ErrDependencyMissing, migration.Version, dep)
		}
	}
	return nil
}

// Migrate plans and executes pending migrations.
func (m *Manager) Migrate(ctx context.Context, opts Options) (*Status, error) {
	if !m.isInitialized() {
		return nil, ErrNotInitialized
	}

	targets, _, err := m.plan(ctx, opts)
	if err != nil {
		return nil, err
	}

	status := &Status{DryRun: opts.DryRun}
	for _, t := range targets {
		status.Pending = append(status.Pending, PlannedMigration{
			Version: t.migration.Version, Name: t.migration.Name,
			Schema: t.schema, ClusterID: t.clusterID,
		})
	}
	status.PendingMigrations = len(status.Pending)
	if opts.DryRun || len(targets) == 0 {
		return status, nil
	}

	if opts.Parallel {
		err = m.runParallel(ctx, targets, opts, status)
	} else {
		err = m.runSequential(ctx, targets, opts, status)
	}
	if err != nil {
		return status, err
	}
	return status, nil
}

func (m *Manager) runSequential(ctx context.Context, targets []target, opts Options, status *Status) error {
	for _, t := range targets {
		if err := m.runOne(ctx, t); err != nil {
			status.Errors = append(status.Errors, err.Error())
			if !opts.ContinueOnError {
				return err
			}
			continue
		}
		m.markExecuted(status, t)
	}
	return nil
}

// runParallel groups targets by (schema, cluster) lane, runs lanes in
// parallel bounded by MaxParallel, and keeps order inside each lane.
func (m *Manager) runParallel(ctx context.Context, targets []target, opts Options, status *Status) error {
	lanes := make(map[string][]target)
	var laneKeys []string
	for _, t := range targets {
		key := t.schema + "@" + t.clusterID
		if _, ok := lanes[key]; !ok {
			laneKeys = append(laneKeys, key)
		}
		lanes[key] = append(lanes[key], t)
	}
	sort.Strings(laneKeys)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.MaxParallel)

	for _, key := range laneKeys {
		lane := lanes[key]
		g.Go(func() error {
			for _, t := range lane {
				if err := m.runOne(gctx, t); err != nil {
					mu.Lock()
					status.Errors = append(status.Errors, err.Error())
					mu.Unlock()
					if !opts.ContinueOnError {
						return err
					}
					continue
				}
				mu.Lock()
				m.markExecuted(status, t)
				mu.Unlock()
			}
			return nil
		})
	}
	return g.Wait()
}

func (m *Manager) markExecuted(status *Status, t target) {
	status.Executed++
	status.Applied = append(status.Applied, AppliedMigration{
		Version: t.migration.Version, Name: t.migration.Name,
		Schema: t.schema, ClusterID: t.clusterID, AppliedAt: time.Now(),
	})
	status.AppliedMigrations = len(status.Applied)
}

// runOne executes one (migration, schema, cluster) unit under its lock.
func (m *Manager) runOne(ctx context.Context, t target) error {
	key := lockKey(t.migration.Version, t.schema, t.clusterID)

	// The lock must hold on the target cluster; fan-out to the others is
	// best-effort so a dead cluster cannot block unrelated migrations.
	acquired, err := m.store.acquireLock(ctx, t.clusterID, key, m.lockOwner, m.cfg.LockTimeout)
	if err != nil {
		return err
	}
	if !acquired {
		return fmt.Errorf("%w: %s", ErrLockNotAcquired, key)
	}
	for _, other := range m.cluster.ClusterIDs() {
		if other == t.clusterID {
			continue
		}
		if _, err := m.store.acquireLock(ctx, other, key, m.lockOwner, m.cfg.LockTimeout); err != nil {
			m.logger.Warn().Str("cluster", other).Str("lock", key).Err(err).Msg("lock fan-out failed")
		}
	}
	defer m.releaseLocks(ctx, key)

	m.logger.Info().Str("version", t.migration.Version).Str("schema", t.schema).Str("cluster", t.clusterID).Msg("migration started")
	m.bus.Emit(events.MigrationStarted, events.MigrationPayload{
		Version: t.migration.Version, Name: t.migration.Name, Schema: t.schema, ClusterID: t.clusterID,
	})

	batch, err := m.store.maxBatch(ctx, t.clusterID)
	if err != nil {
		return err
	}

	start := time.Now()
	if err := m.execScript(ctx, t.clusterID, t.schema, t.migration.Up); err != nil {
		m.bus.Emit(events.MigrationFailed, events.MigrationPayload{
			Version: t.migration.Version, Name: t.migration.Name, Schema: t.schema, ClusterID: t.clusterID, Err: err,
		})
		return fmt.Errorf("migration %s on (%s, %s): %w", t.migration.Version, t.schema, t.clusterID, err)
	}
	elapsed := time.Since(start)

	rec := Record{
		Version:       t.migration.Version,
		Name:          t.migration.Name,
		Schema:        t.schema,
		ClusterID:     t.clusterID,
		ExecutionTime: elapsed,
		Checksum:      t.migration.Checksum(),
		Batch:         batch + 1,
	}
	if err := m.store.recordMigration(ctx, rec); err != nil {
		return err
	}

	m.bus.Emit(events.MigrationCompleted, events.MigrationPayload{
		Version: t.migration.Version, Name: t.migration.Name, Schema: t.schema, ClusterID: t.clusterID,
	})
	return nil
}

func (m *Manager) releaseLocks(ctx context.Context, key string) {
	for _, clusterID := range m.cluster.ClusterIDs() {
		if err := m.store.releaseLock(ctx, clusterID, key, m.lockOwner); err != nil {
			m.logger.Warn().Str("cluster", clusterID).Str("lock", key).Err(err).Msg("lock release failed")
		}
	}
}

// execScript runs a migration script with the schema on the search path.
func (m *Manager) execScript(ctx context.Context, clusterID, schema, script string) error {
	sql := fmt.Sprintf("SET search_path TO %q, public;\n%s", schema, script)
	return m.cluster.ExecOn(ctx, clusterID, sql)
}

// Rollback undoes applied migrations in reverse-applied order.
func (m *Manager) Rollback(ctx context.Context, opts Options) (*Status, error) {
	if !m.isInitialized() {
		return nil, ErrNotInitialized
	}

	schemas, owners, err := m.resolveTargets(opts)
	if err != nil {
		return nil, err
	}

	steps := opts.Steps
	if steps <= 0 && opts.TargetVersion == "" {
		steps = 1
	}

	status := &Status{DryRun: opts.DryRun}
	for _, schema := range schemas {
		clusterID := owners[schema]
		records, err := m.store.appliedRecords(ctx, clusterID, schema)
		if err != nil {
			return status, err
		}
		// Reverse-applied order: largest version first.
		sort.Slice(records, func(i, j int) bool { return records[i].Version > records[j].Version })

		var selected []Record
		if opts.TargetVersion != "" {
			for _, rec := range records {
				if rec.Version > opts.TargetVersion {
					selected = append(selected, rec)
				}
			}
		} else {
			if len(records) < steps {
				selected = records
			} else {
				selected = records[:steps]
			}
		}

		for _, rec := range selected {
			m.mu.RLock()
			migration, known := m.migrations[rec.Version]
			m.mu.RUnlock()
			if !known {
				if opts.Force {
					m.logger.Warn().Str("version", rec.Version).Msg("skipping rollback of unknown migration")
					continue
				}
				return status, fmt.Errorf("no migration registered for applied version %s", rec.Version)
			}

			if opts.DryRun {
				status.RolledBack++
				continue
			}

			m.bus.Emit(events.RollbackStarted, events.RollbackPayload{
				Version: rec.Version, Name: migration.Name, Schema: schema, ClusterID: clusterID,
			})
			if err := m.execScript(ctx, clusterID, schema, migration.Down); err != nil {
				m.bus.Emit(events.RollbackFailed, events.RollbackPayload{
					Version: rec.Version, Name: migration.Name, Schema: schema, ClusterID: clusterID, Err: err,
				})
				return status, fmt.Errorf("rollback %s on (%s, %s): %w", rec.Version, schema, clusterID, err)
			}
			if err := m.store.deleteRecord(ctx, clusterID, rec.Version, schema); err != nil {
				return status, err
			}
			status.RolledBack++
			m.bus.Emit(events.RollbackCompleted, events.RollbackPayload{
				Version: rec.Version, Name: migration.Name, Schema: schema, ClusterID: clusterID,
			})
		}
	}
	return status, nil
}

// GetStatus reports applied and pending migrations without executing.
func (m *Manager) GetStatus(ctx context.Context, opts Options) (*Status, error) {
	if !m.isInitialized() {
		return nil, ErrNotInitialized
	}

	targets, applied, err := m.plan(ctx, opts)
	if err != nil {
		return nil, err
	}

	status := &Status{}
	var laneKeys []string
	for key := range applied {
		laneKeys = append(laneKeys, key)
	}
	sort.Strings(laneKeys)
	for _, key := range laneKeys {
		for _, rec := range applied[key] {
			status.Applied = append(status.Applied, AppliedMigration{
				Version: rec.Version, Name: rec.Name,
				Schema: rec.Schema, ClusterID: rec.ClusterID, AppliedAt: rec.ExecutedAt,
			})
		}
	}
	for _, t := range targets {
		status.Pending = append(status.Pending, PlannedMigration{
			Version: t.migration.Version, Name: t.migration.Name,
			Schema: t.schema, ClusterID: t.clusterID,
		})
	}
	status.AppliedMigrations = len(status.Applied)
	status.PendingMigrations = len(status.Pending)
	return status, nil
}

func (m *Manager) isInitialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

// Close releases the manager. Registered migrations are kept so a reused
// manager can re-initialize.
func (m *Manager) Close() {
	m.mu.Lock()
	m.initialized = false
	m.mu.Unlock()
}
