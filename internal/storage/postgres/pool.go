// Package postgres is the pgx-backed persistence layer for the market core.
// Postgres is required rather than the teacher's SQLite idiom because the
// Escrow Ledger and Order Matching Engine need SELECT ... FOR UPDATE row
// locks and serializable multi-table transactions.
package postgres

import (
	"context"
	"fmt"

	"p2p_energy_market/internal/core"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool wraps a pgxpool.Pool and implements core.ITxBeginner.
type Pool struct {
	pg *pgxpool.Pool
}

// Open connects to Postgres and pings it before returning.
func Open(ctx context.Context, databaseURL string) (*Pool, error) {
	pg, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pg.Ping(ctx); err != nil {
		pg.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Pool{pg: pg}, nil
}

// Close releases the underlying connection pool.
func (p *Pool) Close() {
	p.pg.Close()
}

// Raw exposes the underlying pgxpool.Pool for repositories that run
// single-statement queries outside of a caller-owned transaction.
func (p *Pool) Raw() *pgxpool.Pool {
	return p.pg
}

// Begin starts a serializable transaction, matching the isolation level the
// Escrow Ledger and Order Matching Engine require for FOR UPDATE locking.
func (p *Pool) Begin(ctx context.Context) (core.Tx, error) {
	pgxTx, err := p.pg.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &Tx{pgxTx: pgxTx}, nil
}

var _ core.ITxBeginner = (*Pool)(nil)
