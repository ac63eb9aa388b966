package recovery

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/RelDB/src/pkg/common"
)

// PageApplier installs the page change of a redoable record. It must skip
// records already reflected by the page, i.e. when the page LSN is not
// smaller than rec.LSN, so that redo can be repeated any number of times.
type PageApplier interface {
	ApplyRedo(ctx context.Context, rec LogRecord) (applied bool, err error)
}

type PageApplierFunc func(ctx context.Context, rec LogRecord) (bool, error)

func (f PageApplierFunc) ApplyRedo(ctx context.Context, rec LogRecord) (bool, error) {
	return f(ctx, rec)
}

type RecoveryResult struct {
	CheckpointLSN common.LSN
	RedoStart     common.LSN
	LastLSN       common.LSN

	Committed  []common.TxnID
	Aborted    []common.TxnID
	InProgress []common.TxnID

	// changes of in-progress transactions still to be undone, newest first
	Undo map[common.TxnID][]LogRecord

	Redone  int
	Skipped int

	MaxTxnID common.TxnID
}

// RecoverFromLog brings pages up to date with the log.
//
// Analysis reads the log from the redo start of the last checkpoint and
// classifies every transaction it meets. Redo then repeats history in LSN
// order for all page changes, including those of transactions that did not
// finish. Undoing those is left to the caller, which receives their pending
// changes in RecoveryResult.Undo.
func (m *Manager) RecoverFromLog(ctx context.Context, applier PageApplier) (res RecoveryResult, err error) {
	ctx, span := m.tel.Tracer.Start(ctx, "wal.recover")
	defer func() {
		if err != nil {
			span.RecordError(err)
			m.tel.Metrics.RecoveryErrors.Add(ctx, 1)
		}
		span.End()
	}()

	if err := m.ForceFlush(); err != nil {
		return RecoveryResult{}, fmt.Errorf("%w: %w", common.ErrRecovery, err)
	}

	res.RedoStart = 1
	if chk := m.LastCheckpoint(); chk.IsSome() {
		res.CheckpointLSN = chk.Unwrap().LSN
		res.RedoStart = chk.Unwrap().RedoStart()
	}

	att := NewATT()
	err = m.iterate(func(rec LogRecord) (bool, error) {
		if rec.LSN >= res.RedoStart {
			att.Insert(rec)
		}
		res.LastLSN = rec.LSN
		return true, nil
	})
	if err != nil {
		return RecoveryResult{}, fmt.Errorf("%w: analysis: %w", common.ErrRecovery, err)
	}

	res.Committed = att.WithStatus(TxnStatusCommitted)
	res.Aborted = att.WithStatus(TxnStatusAborted)
	res.InProgress = att.WithStatus(TxnStatusInProgress)
	res.MaxTxnID = max(att.MaxTxnID(), m.maxTxnID)

	res.Undo = make(map[common.TxnID][]LogRecord, len(res.InProgress))
	for _, txnID := range res.InProgress {
		res.Undo[txnID] = att.PendingUndo(txnID)
	}

	span.SetAttributes(
		attribute.Int64("redo_start", int64(res.RedoStart)), //nolint:gosec
		attribute.Int("in_progress", len(res.InProgress)),
	)

	res.Redone, res.Skipped, err = m.replay(ctx, res.RedoStart, res.LastLSN, applier)
	if err != nil {
		return RecoveryResult{}, err
	}

	m.log.Infow("log recovery finished",
		"checkpoint_lsn", res.CheckpointLSN,
		"redo_start", res.RedoStart,
		"last_lsn", res.LastLSN,
		"committed", len(res.Committed),
		"aborted", len(res.Aborted),
		"in_progress", res.InProgress,
		"redone", res.Redone,
		"skipped", res.Skipped,
	)

	return res, nil
}

// ReplayLog redoes the page changes with from <= LSN <= to. It returns the
// number of records that changed a page.
func (m *Manager) ReplayLog(ctx context.Context, from, to common.LSN, applier PageApplier) (int, error) {
	ctx, span := m.tel.Tracer.Start(ctx, "wal.replay", trace.WithAttributes(
		attribute.Int64("from", int64(from)), //nolint:gosec
		attribute.Int64("to", int64(to)),     //nolint:gosec
	))
	defer span.End()

	if err := m.ForceFlush(); err != nil {
		return 0, fmt.Errorf("%w: %w", common.ErrRecovery, err)
	}

	redone, _, err := m.replay(ctx, from, to, applier)
	if err != nil {
		span.RecordError(err)
	}
	return redone, err
}

func (m *Manager) replay(
	ctx context.Context,
	from, to common.LSN,
	applier PageApplier,
) (redone, skipped int, err error) {
	err = m.iterate(func(rec LogRecord) (bool, error) {
		if rec.LSN > to {
			return false, nil
		}
		if rec.LSN < from || !rec.Type.IsRedoable() {
			return true, nil
		}

		if err := ctx.Err(); err != nil {
			return false, err
		}

		applied, err := applier.ApplyRedo(ctx, rec)
		if err != nil {
			m.log.Errorw("failed to redo log record", "record", rec.String(), zap.Error(err))
			return false, fmt.Errorf("redo of lsn %d on page %s: %w", rec.LSN, rec.PageID, err)
		}

		if applied {
			redone++
		} else {
			skipped++
		}
		return true, nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %w", common.ErrRecovery, err)
	}
	return redone, skipped, nil
}
