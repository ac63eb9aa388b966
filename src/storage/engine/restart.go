package engine

import (
	"context"
	"fmt"

	"github.com/Blackdeer1524/RelDB/src/pkg/common"
	"github.com/Blackdeer1524/RelDB/src/recovery"
)

// ApplyRedo reapplies a logged page change unless the page already
// reflects it. Pages that were allocated but never reached the data file
// are allocated again.
func (e *Engine) ApplyRedo(ctx context.Context, rec recovery.LogRecord) (bool, error) {
	for uint64(rec.PageID) >= e.disk.NumPages() {
		if _, err := e.disk.AllocatePage(); err != nil {
			return false, err
		}
	}

	p, err := e.pool.FetchPage(ctx, rec.PageID)
	if err != nil {
		return false, err
	}

	dirty := false
	defer func() { _ = e.pool.UnpinPage(rec.PageID, dirty) }()

	if err := p.Lock(ctx, e.cfg.PageLatchTimeout); err != nil {
		return false, fmt.Errorf("failed to latch %s: %w", rec.PageID, err)
	}
	defer p.Unlock()

	if p.LSN() >= rec.LSN {
		return false, nil
	}

	if err := p.Write(rec.Offset, rec.After); err != nil {
		return false, fmt.Errorf("failed to redo lsn %d: %w", rec.LSN, err)
	}
	p.SetLSN(rec.LSN)
	dirty = true

	if err := e.pool.MarkDirty(rec.PageID, rec.LSN); err != nil {
		return false, err
	}
	return true, nil
}

// recover repeats history from the log and rolls back every transaction
// that neither committed nor aborted before the crash. The database is
// checkpointed afterwards so that the next start has nothing to redo.
func (e *Engine) recover(ctx context.Context) error {
	res, err := e.wal.RecoverFromLog(ctx, e)
	if err != nil {
		return err
	}

	for _, txnID := range res.InProgress {
		for _, rec := range res.Undo[txnID] {
			if _, err := e.compensate(ctx, rec); err != nil {
				return fmt.Errorf("%w: failed to undo txn %d: %w", common.ErrRecovery, txnID, err)
			}
		}

		if _, err := e.wal.Log(recovery.NewAbortRecord(txnID)); err != nil {
			return fmt.Errorf("%w: failed to log abort of txn %d: %w", common.ErrRecovery, txnID, err)
		}
	}

	if err := e.wal.ForceFlush(); err != nil {
		return fmt.Errorf("%w: %w", common.ErrRecovery, err)
	}

	e.txns.SetNextTxnID(res.MaxTxnID + 1)

	if _, err := e.Checkpoint(ctx); err != nil {
		return fmt.Errorf("%w: failed to checkpoint after recovery: %w", common.ErrRecovery, err)
	}

	e.log.Infow("recovery finished",
		"checkpoint_lsn", res.CheckpointLSN,
		"redo_start", res.RedoStart,
		"last_lsn", res.LastLSN,
		"redone", res.Redone,
		"skipped", res.Skipped,
		"committed", len(res.Committed),
		"aborted", len(res.Aborted),
		"rolled_back", len(res.InProgress),
	)
	return nil
}
