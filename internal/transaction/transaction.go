// Package transaction implements the distributed transaction engine: local
// commit on a single cluster, two-phase commit across several.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/andeerc/pg-multiverse/internal/cluster"
	"github.com/andeerc/pg-multiverse/internal/driver"
	"github.com/andeerc/pg-multiverse/internal/events"
)

var (
	// ErrUnknownTransaction is returned for an id the manager does not track.
	ErrUnknownTransaction = errors.New("unknown transaction")
	// ErrWrongState is returned when an operation is invalid for the
	// transaction's current state.
	ErrWrongState = errors.New("transaction is not in the required state")
	// ErrNoTarget is returned when Execute cannot resolve a target cluster.
	ErrNoTarget = errors.New("statement resolves to no cluster in this transaction")
	// ErrPrepareFailed wraps a phase-one failure.
	ErrPrepareFailed = errors.New("prepare phase failed")
	// ErrCommitInDoubt wraps a partial phase-two failure.
	ErrCommitInDoubt = errors.New("commit phase partially failed, transaction in doubt")
)

// State of one distributed transaction.
type State string

const (
	StatePreparing  State = "preparing"
	StatePrepared   State = "prepared"
	StateCommitting State = "committing"
	StateCommitted  State = "committed"
	StateAborting   State = "aborting"
	StateAborted    State = "aborted"
)

// Options tunes one transaction.
type Options struct {
	Timeout time.Duration
}

// Statement is one operation inside a transaction. Either Schema or
// ClusterID must resolve to one of the transaction's clusters.
type Statement struct {
	SQL       string
	Params    []any
	Schema    string
	ClusterID string
}

// Router resolves schemas and lends write connections; implemented by the
// cluster manager.
type Router interface {
	ClusterForSchema(schema string) (string, error)
	AcquireWrite(ctx context.Context, clusterID string) (*cluster.WrappedConn, error)
}

// Metrics summarizes the engine's lifetime activity. AvgDuration is a true
// running mean over finished (committed plus aborted) transactions.
type Metrics struct {
	Total       int64         `json:"total"`
	Active      int64         `json:"active"`
	Committed   int64         `json:"committed"`
	Aborted     int64         `json:"aborted"`
	Distributed int64         `json:"distributed"`
	AvgDuration time.Duration `json:"avg_duration"`
}

type tx struct {
	id        string
	schemas   []string
	clusters  []string
	conns     map[string]*cluster.WrappedConn
	state     State
	startedAt time.Time
	opts      Options
}

func (t *tx) gid() string { return "pgm_" + t.id }

// Manager tracks in-flight distributed transactions. Each transaction is
// owned by a single caller; concurrent Execute on the same id is not
// supported.
type Manager struct {
	router Router
	bus    *events.Bus
	logger zerolog.Logger

	mu            sync.Mutex
	txs           map[string]*tx
	total         int64
	committed     int64
	aborted       int64
	distributed   int64
	finished      int64
	totalDuration time.Duration
}

func NewManager(router Router, bus *events.Bus, logger zerolog.Logger) *Manager {
	return &Manager{
		router: router,
		bus:    bus,
		logger: logger.With().Str("component", "transaction").Logger(),
		txs:    make(map[string]*tx),
	}
}

// Begin resolves the involved clusters from schemas, borrows one write
// connection per cluster, and issues BEGIN on each. On any failure the
// already-begun participants are rolled back.
func (m *Manager) Begin(ctx context.Context, schemas []string, opts Options) (string, error) {
	if len(schemas) == 0 {
		return "", errors.New("transaction requires at least one schema")
	}

	clusterSet := make(map[string]bool)
	var clusters []string
	for _, schema := range schemas {
		id, err := m.router.ClusterForSchema(schema)
		if err != nil {
			return "", err
		}
		if !clusterSet[id] {
			clusterSet[id] = true
			clusters = append(clusters, id)
		}
	}
	sort.Strings(clusters)

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	t := &tx{
		id:        uuid.NewString(),
		schemas:   append([]string(nil), schemas...),
		clusters:  clusters,
		conns:     make(map[string]*cluster.WrappedConn, len(clusters)),
		state:     StatePreparing,
		startedAt: time.Now(),
		opts:      opts,
	}

	for _, id := range clusters {
		conn, err := m.router.AcquireWrite(ctx, id)
		if err != nil {
			m.releaseAll(ctx, t, true)
			return "", fmt.Errorf("acquire connection on %s: %w", id, err)
		}
		t.conns[id] = conn
		if _, err := conn.Exec(ctx, "BEGIN"); err != nil {
			m.releaseAll(ctx, t, true)
			return "", fmt.Errorf("begin on %s: %w", id, err)
		}
	}

	t.state = StatePrepared

	m.mu.Lock()
	m.txs[t.id] = t
	m.total++
	if len(clusters) > 1 {
		m.distributed++
	}
	m.mu.Unlock()

	m.logger.Debug().Str("tx", t.id).Strs("clusters", clusters).Msg("transaction started")
	m.bus.Emit(events.TransactionStarted, events.TransactionPayload{ID: t.id, Schemas: t.schemas, Clusters: clusters})
	return t.id, nil
}

// releaseAll rolls back (optionally) and releases every connection.
func (m *Manager) releaseAll(ctx context.Context, t *tx, rollback bool) {
	for id, conn := range t.conns {
		if rollback {
			if _, err := conn.Exec(ctx, "ROLLBACK"); err != nil {
				m.logger.Warn().Str("tx", t.id).Str("cluster", id).Err(err).Msg("rollback failed")
			}
		}
		conn.Release()
	}
	t.conns = make(map[string]*cluster.WrappedConn)
}

func (m *Manager) get(txID string) (*tx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[txID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransaction, txID)
	}
	return t, nil
}

// Execute runs one statement on the connection of the statement's target
// cluster. The transaction must be in the prepared state.
func (m *Manager) Execute(ctx context.Context, txID string, stmt Statement) (*driver.Result, error) {
	t, err := m.get(txID)
	if err != nil {
		return nil, err
	}
	if t.state != StatePrepared {
		return nil, fmt.Errorf("%w: %s is %s", ErrWrongState, txID, t.state)
	}

	clusterID := stmt.ClusterID
	if clusterID == "" {
		if stmt.Schema == "" {
			return nil, fmt.Errorf("%w: statement has neither schema nor cluster", ErrNoTarget)
		}
		clusterID, err = m.router.ClusterForSchema(stmt.Schema)
		if err != nil {
			return nil, err
		}
	}

	conn, ok := t.conns[clusterID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoTarget, clusterID)
	}

	if cluster.DetectOperation(stmt.SQL) == cluster.OpWrite {
		tag, err := conn.Exec(ctx, stmt.SQL, stmt.Params...)
		if err != nil {
			return nil, fmt.Errorf("execute in %s on %s: %w", txID, clusterID, err)
		}
		return &driver.Result{RowsAffected: tag.RowsAffected()}, nil
	}

	rows, err := conn.Query(ctx, stmt.SQL, stmt.Params...)
	if err != nil {
		return nil, fmt.Errorf("execute in %s on %s: %w", txID, clusterID, err)
	}
	return driver.CollectRows(rows)
}

// Commit finishes the transaction: a plain COMMIT for a single cluster, 2PC
// for several. Connections are released and the transaction forgotten on
// every path.
func (m *Manager) Commit(ctx context.Context, txID string) error {
	t, err := m.get(txID)
	if err != nil {
		return err
	}
	if t.state != StatePrepared {
		return fmt.Errorf("%w: %s is %s", ErrWrongState, txID, t.state)
	}
	t.state = StateCommitting

	defer m.forget(t)

	if len(t.clusters) == 1 {
		id := t.clusters[0]
		conn := t.conns[id]
		if _, err := conn.Exec(ctx, "COMMIT"); err != nil {
			t.state = StateAborting
			m.releaseAll(ctx, t, true)
			t.state = StateAborted
			m.bus.Emit(events.TransactionAborted, events.TransactionPayload{ID: t.id, Schemas: t.schemas, Clusters: t.clusters})
			return fmt.Errorf("commit on %s: %w", id, err)
		}
		t.state = StateCommitted
		m.releaseAll(ctx, t, false)
		m.bus.Emit(events.TransactionCommitted, events.TransactionPayload{ID: t.id, Schemas: t.schemas, Clusters: t.clusters})
		return nil
	}

	return m.commitTwoPhase(ctx, t)
}

func (m *Manager) commitTwoPhase(ctx context.Context, t *tx) error {
	gid := t.gid()

	// Phase 1: PREPARE TRANSACTION on every participant.
	var prepared []string
	for _, id := range t.clusters {
		conn := t.conns[id]
		if _, err := conn.Exec(ctx, fmt.Sprintf("PREPARE TRANSACTION '%s'", gid)); err != nil {
			m.logger.Error().Str("tx", t.id).Str("cluster", id).Err(err).Msg("prepare failed")
			m.abortPrepared(ctx, t, prepared, id)
			return fmt.Errorf("%w on %s: %v", ErrPrepareFailed, id, err)
		}
		prepared = append(prepared, id)
	}

	// Phase 2: COMMIT PREPARED on every participant. Partial failure leaves
	// the transaction in doubt; it is logged and surfaced, never retried here.
	var committed, failed []string
	for _, id := range t.clusters {
		conn := t.conns[id]
		if _, err := conn.Exec(ctx, fmt.Sprintf("COMMIT PREPARED '%s'", gid)); err != nil {
			m.logger.Error().Str("tx", t.id).Str("cluster", id).Str("gid", gid).Err(err).
				Msg("commit prepared failed, transaction in doubt")
			failed = append(failed, id)
			continue
		}
		committed = append(committed, id)
	}

	if len(failed) > 0 {
		t.state = StateCommitted
		m.releaseAll(ctx, t, false)
		m.bus.Emit(events.TransactionInDoubt, events.TransactionInDoubtPayload{
			ID: t.id, Gid: gid, Committed: committed, Failed: failed,
		})
		return fmt.Errorf("%w: gid %s committed on %v, failed on %v", ErrCommitInDoubt, gid, committed, failed)
	}

	t.state = StateCommitted
	m.releaseAll(ctx, t, false)
	m.bus.Emit(events.TransactionCommitted, events.TransactionPayload{ID: t.id, Schemas: t.schemas, Clusters: t.clusters})
	return nil
}

// abortPrepared rolls back after a phase-one failure: ROLLBACK PREPARED on
// participants that prepared, plain ROLLBACK on the rest.
func (m *Manager) abortPrepared(ctx context.Context, t *tx, prepared []string, failedID string) {
	t.state = StateAborting
	gid := t.gid()

	preparedSet := make(map[string]bool, len(prepared))
	for _, id := range prepared {
		preparedSet[id] = true
	}

	for _, id := range t.clusters {
		conn := t.conns[id]
		var err error
		if preparedSet[id] {
			_, err = conn.Exec(ctx, fmt.Sprintf("ROLLBACK PREPARED '%s'", gid))
		} else {
			_, err = conn.Exec(ctx, "ROLLBACK")
		}
		if err != nil {
			m.logger.Warn().Str("tx", t.id).Str("cluster", id).Err(err).Msg("abort cleanup failed")
		}
		conn.Release()
	}
	t.conns = make(map[string]*cluster.WrappedConn)
	t.state = StateAborted
	m.bus.Emit(events.TransactionAborted, events.TransactionPayload{ID: t.id, Schemas: t.schemas, Clusters: t.clusters})
}

// Rollback aborts the transaction on every participant.
func (m *Manager) Rollback(ctx context.Context, txID string) error {
	t, err := m.get(txID)
	if err != nil {
		return err
	}
	if t.state != StatePrepared && t.state != StatePreparing {
		return fmt.Errorf("%w: %s is %s", ErrWrongState, txID, t.state)
	}
	t.state = StateAborting

	defer m.forget(t)

	m.releaseAll(ctx, t, true)
	t.state = StateAborted
	m.bus.Emit(events.TransactionAborted, events.TransactionPayload{ID: t.id, Schemas: t.schemas, Clusters: t.clusters})
	return nil
}

// forget removes the transaction from tracking and folds its duration into
// the running mean.
func (m *Manager) forget(t *tx) {
	duration := time.Since(t.startedAt)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txs[t.id]; !ok {
		return
	}
	delete(m.txs, t.id)

	switch t.state {
	case StateCommitted:
		m.committed++
	default:
		m.aborted++
	}
	m.finished++
	m.totalDuration += duration
}

// Metrics returns engine counters.
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := Metrics{
		Total:       m.total,
		Active:      int64(len(m.txs)),
		Committed:   m.committed,
		Aborted:     m.aborted,
		Distributed: m.distributed,
	}
	if m.finished > 0 {
		out.AvgDuration = m.totalDuration / time.Duration(m.finished)
	}
	return out
}

// State reports the current state of one tracked transaction.
func (m *Manager) State(txID string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[txID]
	if !ok {
		return "", false
	}
	return t.state, true
}

// Close rolls back every active transaction, best effort.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	var active []string
	for id, t := range m.txs {
		if t.state == StatePrepared || t.state == StatePreparing {
			active = append(active, id)
		}
	}
	m.mu.Unlock()

	for _, id := range active {
		if err := m.Rollback(ctx, id); err != nil {
			m.logger.Warn().Str("tx", id).Err(err).Msg("rollback on close failed")
		}
	}
}
