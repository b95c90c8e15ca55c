package postgres

import (
	"context"
	"fmt"

	"p2p_energy_market/internal/core"

	"github.com/jackc/pgx/v5"
)

// Tx adapts a pgx.Tx to the narrow core.Tx interface so repositories and the
// Escrow Ledger can share one in-flight transaction without core importing pgx.
type Tx struct {
	pgxTx pgx.Tx
}

func (t *Tx) Commit(ctx context.Context) error {
	return t.pgxTx.Commit(ctx)
}

func (t *Tx) Rollback(ctx context.Context) error {
	err := t.pgxTx.Rollback(ctx)
	if err != nil && err != pgx.ErrTxClosed {
		return err
	}
	return nil
}

// pgxOf unwraps a core.Tx back into the concrete pgx.Tx repositories need to
// run queries. Every repository in this package is constructed to only ever
// receive *Tx values produced by Pool.Begin, so the assertion cannot fail in
// practice; it is checked explicitly rather than blindly cast.
func pgxOf(tx core.Tx) (pgx.Tx, error) {
	t, ok := tx.(*Tx)
	if !ok {
		return nil, fmt.Errorf("postgres: tx is not a *postgres.Tx (got %T)", tx)
	}
	return t.pgxTx, nil
}
