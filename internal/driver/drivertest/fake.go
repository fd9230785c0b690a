// Package drivertest provides a scripted in-memory implementation of the
// driver interfaces for package tests. Every statement executed through a
// fake connection is recorded so tests can assert on routing and ordering.
package drivertest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/andeerc/pg-multiverse/internal/driver"
)

// Exec is one recorded statement.
type Exec struct {
	Addr string
	SQL  string
	Args []any
}

// Fake is a Connector whose pools and connections are all in-memory.
// Behavior is scripted through the hook fields; all of them are optional.
type Fake struct {
	mu    sync.Mutex
	pools map[string]*FakePool
	log   []Exec

	// ConnectErr fails Connect for the given addr (host:port).
	ConnectErr map[string]error
	// ExecErr, when set, is consulted for every statement; a non-nil return
	// fails the call.
	ExecErr func(addr, sql string) error
	// QueryRows, when set, provides the rows for Query calls. When nil,
	// queries return an empty row set.
	QueryRows func(addr, sql string, args []any) *Rows
	// PingErr fails Ping for the given addr.
	PingErr map[string]error
}

func NewFake() *Fake {
	return &Fake{
		pools:      make(map[string]*FakePool),
		ConnectErr: make(map[string]error),
		PingErr:    make(map[string]error),
	}
}

func (f *Fake) Connect(ctx context.Context, cfg driver.ConnConfig) (driver.Pool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ConnectErr[cfg.Addr()]; err != nil {
		return nil, err
	}
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 10
	}
	p := &FakePool{fake: f, addr: cfg.Addr(), maxConns: maxConns}
	f.pools[cfg.Addr()] = p
	return p, nil
}

// Pool returns the pool dialed for addr, or nil.
func (f *Fake) Pool(addr string) *FakePool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pools[addr]
}

// Log returns a copy of all recorded statements in execution order.
func (f *Fake) Log() []Exec {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Exec, len(f.log))
	copy(out, f.log)
	return out
}

// LogFor returns the recorded statements executed against addr.
func (f *Fake) LogFor(addr string) []Exec {
	var out []Exec
	for _, e := range f.Log() {
		if e.Addr == addr {
			out = append(out, e)
		}
	}
	return out
}

// SQLFor returns just the SQL strings executed against addr.
func (f *Fake) SQLFor(addr string) []string {
	var out []string
	for _, e := range f.LogFor(addr) {
		out = append(out, e.SQL)
	}
	return out
}

func (f *Fake) record(addr, sql string, args []any) error {
	f.mu.Lock()
	f.log = append(f.log, Exec{Addr: addr, SQL: sql, Args: args})
	hook := f.ExecErr
	f.mu.Unlock()
	if hook != nil {
		return hook(addr, sql)
	}
	return nil
}

// FakePool implements driver.Pool.
type FakePool struct {
	fake     *Fake
	addr     string
	maxConns int32

	mu       sync.Mutex
	closed   bool
	acquired int32
	released int32

	// AcquireErr fails every Acquire when set.
	AcquireErr error
}

func (p *FakePool) Addr() string { return p.addr }

func (p *FakePool) Acquire(ctx context.Context) (driver.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("fake pool is closed")
	}
	if p.AcquireErr != nil {
		return nil, p.AcquireErr
	}
	p.acquired++
	return &FakeConn{pool: p}, nil
}

func (p *FakePool) Ping(ctx context.Context) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return errors.New("fake pool is closed")
	}
	p.fake.mu.Lock()
	err := p.fake.PingErr[p.addr]
	p.fake.mu.Unlock()
	return err
}

func (p *FakePool) Stat() driver.Stat {
	p.mu.Lock()
	defer p.mu.Unlock()
	active := p.acquired - p.released
	return driver.Stat{
		Total: p.maxConns,
		Idle:  p.maxConns - active,
		Max:   p.maxConns,
	}
}

func (p *FakePool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// Acquired returns the cumulative acquire count.
func (p *FakePool) Acquired() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquired
}

// Active returns acquired minus released.
func (p *FakePool) Active() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquired - p.released
}

// FakeConn implements driver.Conn.
type FakeConn struct {
	pool     *FakePool
	mu       sync.Mutex
	released bool
}

func (c *FakeConn) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	if err := c.pool.fake.record(c.pool.addr, sql, arguments); err != nil {
		return pgconn.CommandTag{}, err
	}
	return pgconn.NewCommandTag("OK 1"), nil
}

func (c *FakeConn) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	if err := c.pool.fake.record(c.pool.addr, sql, arguments); err != nil {
		return nil, err
	}
	c.pool.fake.mu.Lock()
	hook := c.pool.fake.QueryRows
	c.pool.fake.mu.Unlock()
	if hook != nil {
		if rows := hook(c.pool.addr, sql, arguments); rows != nil {
			return rows, nil
		}
	}
	return NewRows(nil), nil
}

func (c *FakeConn) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	rows, err := c.Query(ctx, sql, arguments...)
	if err != nil {
		return &errRow{err: err}
	}
	return &firstRow{rows: rows}
}

func (c *FakeConn) Release() {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.released = true
	c.mu.Unlock()

	c.pool.mu.Lock()
	c.pool.released++
	c.pool.mu.Unlock()
}

// Rows implements pgx.Rows over fixed column names and value tuples.
type Rows struct {
	cols   []string
	values [][]any
	idx    int
	err    error
}

// NewRows builds a row set; cols may be nil for an empty set.
func NewRows(cols []string, values ...[]any) *Rows {
	return &Rows{cols: cols, values: values, idx: -1}
}

func (r *Rows) Next() bool {
	r.idx++
	return r.idx < len(r.values)
}

func (r *Rows) Scan(dest ...any) error {
	if r.idx < 0 || r.idx >= len(r.values) {
		return errors.New("scan called without next")
	}
	row := r.values[r.idx]
	if len(dest) > len(row) {
		return fmt.Errorf("scan: %d destinations for %d values", len(dest), len(row))
	}
	for i, d := range dest {
		if err := assign(d, row[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *Rows) Values() ([]any, error) {
	if r.idx < 0 || r.idx >= len(r.values) {
		return nil, errors.New("values called without next")
	}
	return r.values[r.idx], nil
}

func (r *Rows) FieldDescriptions() []pgconn.FieldDescription {
	fields := make([]pgconn.FieldDescription, len(r.cols))
	for i, c := range r.cols {
		fields[i] = pgconn.FieldDescription{Name: c}
	}
	return fields
}

func (r *Rows) Err() error                    { return r.err }
func (r *Rows) Close()                        {}
func (r *Rows) CommandTag() pgconn.CommandTag { return pgconn.CommandTag{} }
func (r *Rows) RawValues() [][]byte           { return nil }
func (r *Rows) Conn() *pgx.Conn               { return nil }

type firstRow struct {
	rows pgx.Rows
}

func (r *firstRow) Scan(dest ...any) error {
	defer r.rows.Close()
	if !r.rows.Next() {
		return pgx.ErrNoRows
	}
	return r.rows.Scan(dest...)
}

type errRow struct {
	err error
}

func (r *errRow) Scan(dest ...any) error { return r.err }

func assign(dest, src any) error {
	switch d := dest.(type) {
	case *string:
		s, ok := src.(string)
		if !ok {
			return fmt.Errorf("assign %T into *string", src)
		}
		*d = s
	case *int:
		switch v := src.(type) {
		case int:
			*d = v
		case int64:
			*d = int(v)
		default:
			return fmt.Errorf("assign %T into *int", src)
		}
	case *int64:
		switch v := src.(type) {
		case int:
			*d = int64(v)
		case int64:
			*d = v
		default:
			return fmt.Errorf("assign %T into *int64", src)
		}
	case *bool:
		b, ok := src.(bool)
		if !ok {
			return fmt.Errorf("assign %T into *bool", src)
		}
		*d = b
	case *any:
		*d = src
	default:
		return fmt.Errorf("unsupported scan destination %T", dest)
	}
	return nil
}
