package engine

import (
	"context"
	"fmt"

	"github.com/Blackdeer1524/RelDB/src/pkg/common"
	"github.com/Blackdeer1524/RelDB/src/transactions"
)

// Begin starts a transaction. A transaction must not be used by more than
// one goroutine at a time.
func (e *Engine) Begin(level transactions.IsolationLevel) (common.TxnID, error) {
	return e.txns.BeginTransaction(level)
}

// Commit makes the transaction durable and releases its locks. It returns
// false if the transaction is not active.
func (e *Engine) Commit(ctx context.Context, txnID common.TxnID) (bool, error) {
	return e.txns.CommitTransaction(ctx, txnID)
}

// Abort undoes every change of the transaction, newest first, and releases
// its locks. It returns false if the transaction is not active.
//
// If a compensation fails the transaction stays active and Abort can be
// retried. Compensations already done are idempotent as the transaction
// still holds its exclusive locks.
func (e *Engine) Abort(ctx context.Context, txnID common.TxnID) (bool, error) {
	if _, err := e.activeTransaction(txnID); err != nil {
		return false, nil
	}

	for _, rec := range e.txns.UndoLog(txnID) {
		lsn, err := e.compensate(ctx, rec)
		if lsn != common.NilLSN {
			e.txns.RecordLSN(txnID, lsn)
		}
		if err != nil {
			return false, fmt.Errorf("failed to abort txn %d: %w", txnID, err)
		}
	}

	return e.txns.RollbackTransaction(ctx, txnID)
}

func (e *Engine) Savepoint(txnID common.TxnID, name string) error {
	if !e.txns.CreateSavepoint(txnID, name) {
		return fmt.Errorf("%w: txn %d is not active", common.ErrInvalidTransactionState, txnID)
	}
	return nil
}

// RollbackToSavepoint undoes the changes made after the savepoint. The
// transaction stays active and keeps its locks.
func (e *Engine) RollbackToSavepoint(ctx context.Context, txnID common.TxnID, name string) error {
	recs, err := e.txns.TruncateToSavepoint(txnID, name)
	if err != nil {
		return err
	}

	for _, rec := range recs {
		lsn, err := e.compensate(ctx, rec)
		if lsn != common.NilLSN {
			e.txns.RecordLSN(txnID, lsn)
		}
		if err != nil {
			return fmt.Errorf("failed to roll txn %d back to %q: %w", txnID, name, err)
		}
	}

	e.log.Debugw("rolled back to savepoint", "txn_id", txnID, "savepoint", name, "undone", len(recs))
	return nil
}
