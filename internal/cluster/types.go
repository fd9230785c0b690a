package cluster

import (
	"errors"
	"strings"
	"time"

	"github.com/andeerc/pg-multiverse/internal/driver"
)

var (
	// ErrNotInitialized is returned before Initialize by routing (GetConnection,
	// ExecuteQuery, Transaction, QueryOn, ExecOn), ClusterForSchema and
	// RegisterSchema.
	ErrNotInitialized = errors.New("cluster manager is not initialized")
	// ErrUnknownSchema is returned when routing finds no cluster for a schema.
	ErrUnknownSchema = errors.New("no cluster registered for schema")
	// ErrUnknownCluster is returned when an explicit cluster id does not exist.
	ErrUnknownCluster = errors.New("unknown cluster")
	// ErrNoActiveCluster is returned when routing has no cluster to fall back to.
	ErrNoActiveCluster = errors.New("no active cluster available")
	// ErrClusterNotActive is returned when the resolved cluster is down or in
	// maintenance and the caller did not target it explicitly.
	ErrClusterNotActive = errors.New("cluster is not active")
)

// Status of a registered cluster.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusActive       Status = "active"
	StatusDown         Status = "down"
	StatusMaintenance  Status = "maintenance"
)

// Operation classifies a statement for routing.
type Operation string

const (
	OpRead  Operation = "read"
	OpWrite Operation = "write"
)

// Consistency governs whether reads may hit replicas.
type Consistency string

const (
	ConsistencyEventual Consistency = "eventual"
	ConsistencyStrong   Consistency = "strong"
)

// DetectOperation sniffs the leading keyword of a statement. Unknown leading
// keywords are treated as reads.
func DetectOperation(sql string) Operation {
	trimmed := strings.TrimSpace(sql)
	if i := strings.IndexAny(trimmed, " \t\r\n("); i > 0 {
		trimmed = trimmed[:i]
	}
	switch strings.ToLower(trimmed) {
	case "insert", "update", "delete", "merge":
		return OpWrite
	case "select", "with", "explain":
		return OpRead
	default:
		return OpRead
	}
}

// QueryOptions steers routing for one statement or connection request.
type QueryOptions struct {
	Schema      string
	ClusterID   string
	Operation   Operation
	Consistency Consistency
	Timeout     time.Duration
}

// WrappedConn carries cluster metadata with an acquired connection so
// statistics and transaction bookkeeping can attribute work.
type WrappedConn struct {
	driver.Conn
	ClusterID string
	Schema    string
	PoolID    string

	onRelease func()
	released  bool
}

// Release returns the connection to its pool exactly once.
func (w *WrappedConn) Release() {
	if w.released {
		return
	}
	w.released = true
	w.Conn.Release()
	if w.onRelease != nil {
		w.onRelease()
	}
}

// Stats is the per-cluster statistics record.
type Stats struct {
	Queries           int64   `json:"queries"`
	Errors            int64   `json:"errors"`
	AvgResponseTime   float64 `json:"avg_response_time"`
	ActiveConnections int64   `json:"active_connections"`
}

// Info describes a registered cluster.
type Info struct {
	ID       string   `json:"id"`
	Status   Status   `json:"status"`
	Schemas  []string `json:"schemas"`
	Priority int      `json:"priority"`
	Replicas int      `json:"replicas"`
}
