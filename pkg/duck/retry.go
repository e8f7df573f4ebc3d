package duck

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	maxRetries         = 8
	initialRetryDelay  = 50 * time.Millisecond
	maxRetryDelay      = 5 * time.Second
	retryBackoffFactor = 2.0
)

// isTransactionConflictError checks if an error is a transaction conflict error that should be retried
func isTransactionConflictError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "Transaction conflict") ||
		strings.Contains(errStr, "Conflict on tuple deletion") ||
		strings.Contains(errStr, "Conflict on update")
}

// retryWithBackoff retries fn with exponential backoff while it returns a transaction
// conflict error. Any other error is returned immediately.
func retryWithBackoff(ctx context.Context, log *slog.Logger, operation string, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialRetryDelay
	bo.MaxInterval = maxRetryDelay
	bo.Multiplier = retryBackoffFactor

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := fn()
		if err == nil {
			if attempts > 1 {
				log.Info("operation succeeded after retries", "operation", operation, "attempts", attempts)
			}
			return struct{}{}, nil
		}
		if !isTransactionConflictError(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(maxRetries),
		backoff.WithNotify(func(err error, d time.Duration) {
			log.Warn("transaction conflict detected, retrying", "operation", operation, "attempt", attempts, "max_attempts", maxRetries, "delay", d, "error", err)
		}),
	)
	if err != nil && isTransactionConflictError(err) {
		return fmt.Errorf("operation failed after %d attempts: %w", attempts, err)
	}
	return err
}

// WithTx runs fn inside a transaction on conn and commits it. The whole transaction
// is retried on conflict; fn must therefore be safe to run more than once.
func WithTx(ctx context.Context, log *slog.Logger, conn Connection, operation string, fn func(tx *sql.Tx) error) error {
	return retryWithBackoff(ctx, log, operation, func() error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Error("failed to rollback transaction", "operation", operation, "error", err)
			}
		}()

		if err := fn(tx); err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	})
}

// RowQuerier is satisfied by Connection and *sql.Tx.
type RowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// CountRows returns the number of rows in table, read through q.
func CountRows(ctx context.Context, q RowQuerier, table string) (int64, error) {
	var n int64
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+QuoteIdent(table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count rows in %s: %w", table, err)
	}
	return n, nil
}
