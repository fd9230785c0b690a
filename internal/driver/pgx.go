package driver

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxConnector dials pgxpool-backed pools. It pings each pool once before
// handing it out so a bad endpoint fails at connect time.
type PgxConnector struct{}

func NewPgxConnector() *PgxConnector {
	return &PgxConnector{}
}

func (c *PgxConnector) Connect(ctx context.Context, cfg ConnConfig) (Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse pool config for %s: %w", cfg.Addr(), err)
	}
	if cfg.IdleTimeout > 0 {
		poolCfg.MaxConnIdleTime = cfg.IdleTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool for %s: %w", cfg.Addr(), err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Addr(), err)
	}

	return &pgxPool{pool: pool}, nil
}

type pgxPool struct {
	pool *pgxpool.Pool
}

func (p *pgxPool) Acquire(ctx context.Context) (Conn, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return &pgxConn{conn: conn}, nil
}

func (p *pgxPool) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *pgxPool) Stat() Stat {
	s := p.pool.Stat()
	return Stat{
		Total:   s.TotalConns(),
		Idle:    s.IdleConns(),
		Waiting: int32(s.EmptyAcquireCount()),
		Max:     s.MaxConns(),
	}
}

func (p *pgxPool) Close() {
	p.pool.Close()
}

type pgxConn struct {
	conn *pgxpool.Conn
}

func (c *pgxConn) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return c.conn.Exec(ctx, sql, arguments...)
}

func (c *pgxConn) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	return c.conn.Query(ctx, sql, arguments...)
}

func (c *pgxConn) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	return c.conn.QueryRow(ctx, sql, arguments...)
}

func (c *pgxConn) Release() {
	c.conn.Release()
}
