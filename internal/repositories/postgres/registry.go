// Package postgres implements the repositories on PostgreSQL through pgx. Units of
// work run at READ COMMITTED; stock and order rows are serialised with SELECT ... FOR UPDATE.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/storefront/orders-api/internal/platform/config"
	"github.com/storefront/orders-api/internal/repositories"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// querier is satisfied by both the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Registry implements repositories.Registry on a pgx connection pool.
type Registry struct {
	pool *pgxpool.Pool
}

var _ repositories.Registry = (*Registry)(nil)

// Open dials the pool described by cfg, verifies it answers and applies migrations when requested.
func Open(ctx context.Context, cfg config.PostgresConfig) (*Registry, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres: dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	reg := &Registry{pool: pool}
	if err := reg.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := reg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return reg, nil
}

// Migrate applies the embedded schema files in lexical order. Every statement is idempotent.
func (r *Registry) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrationFiles, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("postgres: list migrations: %w", err)
	}
	sort.Strings(names)
	for _, name := range names {
		body, err := migrationFiles.ReadFile(name)
		if err != nil {
			return fmt.Errorf("postgres: read %s: %w", name, err)
		}
		if _, err := r.pool.Exec(ctx, string(body)); err != nil {
			return wrapError("migrate "+name, err)
		}
	}
	return nil
}

func (r *Registry) Catalog() repositories.CatalogRepository  { return catalogRepository{reg: r} }
func (r *Registry) Orders() repositories.OrderRepository     { return orderRepository{reg: r} }
func (r *Registry) Counters() repositories.CounterRepository { return counterRepository{reg: r} }

func (r *Registry) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return wrapError("ping", err)
	}
	return nil
}

func (r *Registry) Close(context.Context) error {
	r.pool.Close()
	return nil
}

type txKey struct{}

// RunInTx runs fn in a READ COMMITTED transaction; nested calls join it.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.New("postgres: transaction function is nil")
	}
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}
	err := pgx.BeginTxFunc(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
	return wrapError("transaction", err)
}

// withTx hands fn the transaction on ctx, opening one when there is none.
func (r *Registry) withTx(ctx context.Context, fn func(ctx context.Context, q querier) error) error {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx, tx)
	}
	return r.RunInTx(ctx, func(ctx context.Context) error {
		return fn(ctx, ctx.Value(txKey{}).(pgx.Tx))
	})
}

// db returns the transaction on ctx or the pool.
func (r *Registry) db(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return r.pool
}
