package driver

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of the wire driver every execution path goes through.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Conn is a single acquired connection. Release returns it to its pool.
type Conn interface {
	Querier
	Release()
}

// Stat is an instantaneous snapshot of a pool's connection counts.
type Stat struct {
	Total   int32
	Idle    int32
	Waiting int32
	Max     int32
}

// Pool is a connection pool against one PostgreSQL endpoint.
type Pool interface {
	Acquire(ctx context.Context) (Conn, error)
	Ping(ctx context.Context) error
	Stat() Stat
	Close()
}

// Connector dials pools from connection settings. The production implementation
// is backed by pgxpool; tests substitute a scripted fake.
type Connector interface {
	Connect(ctx context.Context, cfg ConnConfig) (Pool, error)
}

// ConnConfig carries everything needed to reach one PostgreSQL endpoint.
type ConnConfig struct {
	Host           string
	Port           int
	Database       string
	User           string
	Password       string
	MaxConns       int32
	MinConns       int32
	SSL            bool
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
	SearchPath     string
}

// DSN renders the config as a postgres connection URL.
func (c ConnConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   c.Host + ":" + strconv.Itoa(c.Port),
		Path:   "/" + c.Database,
	}
	q := url.Values{}
	if c.MaxConns > 0 {
		q.Set("pool_max_conns", strconv.Itoa(int(c.MaxConns)))
	}
	if c.MinConns > 0 {
		q.Set("pool_min_conns", strconv.Itoa(int(c.MinConns)))
	}
	if c.SSL {
		q.Set("sslmode", "require")
	} else {
		q.Set("sslmode", "disable")
	}
	if c.ConnectTimeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(int(c.ConnectTimeout.Seconds())))
	}
	if c.SearchPath != "" {
		q.Set("search_path", c.SearchPath)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Addr is the host:port pair, used as a stable endpoint identity in logs and fakes.
func (c ConnConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// Result is a driver-agnostic statement result. Rows is populated for
// row-returning statements and is JSON-serializable so results can be cached.
type Result struct {
	Rows         []map[string]any `json:"rows,omitempty"`
	RowsAffected int64            `json:"rows_affected"`
}

// CollectRows drains rows into a Result. The rows are closed on return.
func CollectRows(rows pgx.Rows) (*Result, error) {
	defer rows.Close()

	fields := rows.FieldDescriptions()
	res := &Result{}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read row values: %w", err)
		}
		row := make(map[string]any, len(fields))
		for i, f := range fields {
			if i < len(values) {
				row[string(f.Name)] = values[i]
			}
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	res.RowsAffected = int64(len(res.Rows))
	return res, nil
}
