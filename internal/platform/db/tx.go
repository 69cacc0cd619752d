package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/contamx/contamx/internal/shared"
)

// WithTx executes fn within a RepeatableRead transaction. Connection
// failures, serialization failures and deadlocks come back transient so job
// runners retry them.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return shared.Transient("DatabaseUnavailable", fmt.Errorf("platform/db: begin tx: %w", err))
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		if IsRetryable(err) {
			return shared.Transient("SerializationFailure", err)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		if IsRetryable(err) {
			return shared.Transient("SerializationFailure", err)
		}
		return fmt.Errorf("platform/db: commit tx: %w", err)
	}

	return nil
}
