package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/studioledger/studioledger/internal/shared"
)

// DefaultMaxAttempts bounds how often a contended transaction is re-run.
const DefaultMaxAttempts = 5

// ErrTxConflict signals transient contention. In-memory stores return it to
// emulate a serialization failure.
var ErrTxConflict = errors.New("platform/db: transaction conflict")

// WithTx executes a function within a serializable transaction.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", err)
	}

	return nil
}

// IsRetryable reports whether err is a serialization failure or deadlock that
// is safe to resolve by re-running the whole transaction.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTxConflict) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return true
		}
	}
	return false
}

// Retry runs fn until it succeeds, fails with a non-retryable error, or
// maxAttempts is exhausted. Exhaustion surfaces as a ConflictError. fn must be
// a complete read-modify-write unit; it is re-executed from scratch.
func Retry(ctx context.Context, maxAttempts int, onRetry func(attempt int, err error), fn func(context.Context) error) error {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = fn(ctx)
		if !IsRetryable(err) {
			return err
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
	}
	return &shared.ConflictError{
		Reason:       fmt.Sprintf("transaction contention after %d attempts", maxAttempts),
		CurrentState: "CONTENDED",
		Err:          err,
	}
}

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
