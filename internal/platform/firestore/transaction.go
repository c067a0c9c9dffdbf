package firestore

import (
	"context"
	"errors"

	"cloud.google.com/go/firestore"
)

type TxFunc func(ctx context.Context, tx *firestore.Transaction) error

type TxOption func(*txConfig)

type txConfig struct {
	attempts int
	readOnly bool
}

// WithTxAttempts lets the client library re-run an aborted transaction. Without it a
// transaction runs once and contention reaches the caller as a retryable Error.
func WithTxAttempts(attempts int) TxOption {
	return func(cfg *txConfig) {
		if attempts > 0 {
			cfg.attempts = attempts
		}
	}
}

// WithReadOnly gives a consistent snapshot without taking locks.
func WithReadOnly() TxOption {
	return func(cfg *txConfig) { cfg.readOnly = true }
}

var errNoTransaction = errors.New("firestore: client and transaction func are required")

func RunTransaction(ctx context.Context, client *firestore.Client, fn TxFunc, opts ...TxOption) error {
	if client == nil || fn == nil {
		return WrapError("transaction", errNoTransaction)
	}
	cfg := txConfig{attempts: 1}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	txOpts := []firestore.TransactionOption{firestore.MaxAttempts(cfg.attempts)}
	if cfg.readOnly {
		txOpts = append(txOpts, firestore.ReadOnly)
	}
	return WrapError("transaction", client.RunTransaction(ctx, fn, txOpts...))
}
