package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// TxFunc runs inside a transaction. ctx carries the transaction so that
// repositories resolving their handle through Conn join it.
type TxFunc func(ctx context.Context, tx *gorm.DB) error

type txKey struct{}

// ContextWithTransaction stores tx in ctx
func ContextWithTransaction(ctx context.Context, tx *gorm.DB) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TransactionFromContext extracts a transaction from ctx
func TransactionFromContext(ctx context.Context) (*gorm.DB, bool) {
	tx, ok := ctx.Value(txKey{}).(*gorm.DB)
	return tx, ok
}

// Conn returns the transaction bound to ctx, or the pool handle
func (db *DB) Conn(ctx context.Context) *gorm.DB {
	if tx, ok := TransactionFromContext(ctx); ok {
		return tx.WithContext(ctx)
	}
	return db.DB.WithContext(ctx)
}

// Transaction runs fn in a transaction. When ctx already carries one, fn
// joins it instead of opening a nested transaction.
func (db *DB) Transaction(ctx context.Context, fn TxFunc) error {
	return db.TransactionWithOptions(ctx, nil, fn)
}

// TransactionWithOptions is Transaction with explicit isolation options
func (db *DB) TransactionWithOptions(ctx context.Context, opts *sql.TxOptions, fn TxFunc) error {
	if tx, ok := TransactionFromContext(ctx); ok {
		return fn(ctx, tx)
	}

	var txOpts []*sql.TxOptions
	if opts != nil {
		txOpts = append(txOpts, opts)
	}

	return db.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := fn(ContextWithTransaction(ctx, tx), tx); err != nil {
			db.logger.WithContext(ctx).Debug("transaction rolled back", zap.Error(err))
			return err
		}
		return nil
	}, txOpts...)
}

// txAttempts bounds InTx retries of serialization failures and busy databases
const txAttempts = 3

// InTx adapts Transaction to callers that only need the context. An outermost
// transaction is retried when it fails with a retryable error; a nested one
// joins its parent and leaves retrying to it.
func (db *DB) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	txFn := func(ctx context.Context, _ *gorm.DB) error {
		return fn(ctx)
	}
	if _, ok := TransactionFromContext(ctx); ok {
		return db.Transaction(ctx, txFn)
	}
	return db.ExecuteWithRetry(ctx, txAttempts, txFn)
}

// ExecuteWithRetry retries fn on serialization failures and deadlocks
func (db *DB) ExecuteWithRetry(ctx context.Context, maxRetries int, fn TxFunc) error {
	if maxRetries < 1 {
		maxRetries = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			db.logger.WithContext(ctx).Warn("retrying transaction",
				zap.Int("attempt", attempt+1),
				zap.Int("max_retries", maxRetries),
				zap.Error(lastErr),
			)
		}

		err := db.Transaction(ctx, fn)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsRetryableError(err) {
			return err
		}
	}
	return fmt.Errorf("transaction failed after %d attempts: %w", maxRetries, lastErr)
}

// IsRetryableError reports serialization failures, deadlocks and busy
// SQLite databases
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}

	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
