package engine

import (
	"context"
	"fmt"

	"github.com/Blackdeer1524/RelDB/src/pkg/common"
	"github.com/Blackdeer1524/RelDB/src/recovery"
	"github.com/Blackdeer1524/RelDB/src/storage/page"
	"github.com/Blackdeer1524/RelDB/src/transactions"
	"github.com/Blackdeer1524/RelDB/src/txns"
)

// PageRef addresses bytes of a page payload. Key names the resource that
// is locked to access them; when empty the whole page is locked.
type PageRef struct {
	PageID common.PageID
	Offset uint16
	Key    string
}

func (r PageRef) LockKey() string {
	if r.Key == "" {
		return r.PageID.LockKey()
	}
	return r.Key
}

func (r PageRef) checkBounds(n int) error {
	if n <= 0 || int(r.Offset)+n > page.PayloadSize {
		return fmt.Errorf("invalid range of %d bytes at offset %d of %s", n, r.Offset, r.PageID)
	}
	return nil
}

func (e *Engine) activeTransaction(txnID common.TxnID) (transactions.Transaction, error) {
	t, ok := e.txns.GetTransaction(txnID)
	if !ok || t.State != transactions.StateActive {
		return transactions.Transaction{}, fmt.Errorf(
			"%w: txn %d is not active",
			common.ErrInvalidTransactionState,
			txnID,
		)
	}
	return t, nil
}

// Read returns n bytes at ref as seen by the transaction.
//
// READ_UNCOMMITTED reads without locking. READ_COMMITTED holds a shared
// lock for the duration of the read only. REPEATABLE_READ and SERIALIZABLE
// keep the shared lock until the transaction ends.
func (e *Engine) Read(ctx context.Context, txnID common.TxnID, ref PageRef, n int) ([]byte, error) {
	t, err := e.activeTransaction(txnID)
	if err != nil {
		return nil, err
	}
	if err := ref.checkBounds(n); err != nil {
		return nil, err
	}

	key := ref.LockKey()
	if t.Isolation != transactions.ReadUncommitted {
		_, alreadyHeld := e.locks.HeldMode(txnID, key)
		if err := e.locks.AcquireLock(ctx, txnID, key, txns.LockShared); err != nil {
			return nil, err
		}
		if !alreadyHeld && !t.Isolation.HoldsReadLocks() {
			defer e.locks.ReleaseLock(txnID, key)
		}
	}

	p, err := e.pool.FetchPage(ctx, ref.PageID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = e.pool.UnpinPage(ref.PageID, false) }()

	if err := p.RLock(ctx, e.cfg.PageLatchTimeout); err != nil {
		return nil, fmt.Errorf("failed to latch %s: %w", ref.PageID, err)
	}
	defer p.RUnlock()

	return p.Read(ref.Offset, n)
}

// Update overwrites the bytes at ref with data.
func (e *Engine) Update(ctx context.Context, txnID common.TxnID, ref PageRef, data []byte) error {
	return e.modify(ctx, txnID, ref, len(data), func(before []byte) recovery.LogRecord {
		return recovery.NewUpdateRecord(txnID, ref.LockKey(), ref.PageID, ref.Offset, before, data)
	})
}

// Insert writes data into a range that is expected to be unused. The
// previous bytes are still logged so that the insert can be undone.
func (e *Engine) Insert(ctx context.Context, txnID common.TxnID, ref PageRef, data []byte) error {
	return e.modify(ctx, txnID, ref, len(data), func(before []byte) recovery.LogRecord {
		return recovery.NewInsertRecord(txnID, ref.LockKey(), ref.PageID, ref.Offset, before, data)
	})
}

// Delete zeroes n bytes at ref.
func (e *Engine) Delete(ctx context.Context, txnID common.TxnID, ref PageRef, n int) error {
	return e.modify(ctx, txnID, ref, n, func(before []byte) recovery.LogRecord {
		return recovery.NewDeleteRecord(txnID, ref.LockKey(), ref.PageID, ref.Offset, before)
	})
}

func (e *Engine) modify(
	ctx context.Context,
	txnID common.TxnID,
	ref PageRef,
	n int,
	build func(before []byte) recovery.LogRecord,
) error {
	if _, err := e.activeTransaction(txnID); err != nil {
		return err
	}
	if err := ref.checkBounds(n); err != nil {
		return err
	}

	if err := e.locks.AcquireLock(ctx, txnID, ref.LockKey(), txns.LockExclusive); err != nil {
		return err
	}

	rec, err := e.logAndApply(ctx, ref.PageID, ref.Offset, n, build)
	if rec.LSN == common.NilLSN {
		return err
	}

	// a change that reached the log must be undone by Abort even if it
	// could not be made durable
	if undoErr := e.txns.RecordUndo(txnID, rec); undoErr != nil && err == nil {
		err = undoErr
	}
	return err
}

// logAndApply writes the change built from the current bytes of the range
// to the log and then applies it to the page. The page latch is held across
// both steps so that page LSNs only grow.
//
// If the record was appended but the log failed to make it durable, the
// change is still applied and the record is returned along with the error,
// keeping the page in line with the log.
func (e *Engine) logAndApply(
	ctx context.Context,
	pageID common.PageID,
	offset uint16,
	n int,
	build func(before []byte) recovery.LogRecord,
) (recovery.LogRecord, error) {
	p, err := e.pool.FetchPage(ctx, pageID)
	if err != nil {
		return recovery.LogRecord{}, err
	}

	dirty := false
	defer func() { _ = e.pool.UnpinPage(pageID, dirty) }()

	if err := e.ckptLatch.RLock(ctx, e.cfg.PageLatchTimeout); err != nil {
		return recovery.LogRecord{}, fmt.Errorf("failed to wait for checkpoint: %w", err)
	}
	defer e.ckptLatch.RUnlock()

	if err := p.Lock(ctx, e.cfg.PageLatchTimeout); err != nil {
		return recovery.LogRecord{}, fmt.Errorf("failed to latch %s: %w", pageID, err)
	}
	defer p.Unlock()

	before, err := p.Read(offset, n)
	if err != nil {
		return recovery.LogRecord{}, err
	}

	rec := build(before)
	rec.LSN, err = e.wal.Log(rec)
	if rec.LSN == common.NilLSN {
		return recovery.LogRecord{}, err
	}
	logErr := err

	if err := p.Write(rec.Offset, rec.After); err != nil {
		return recovery.LogRecord{}, err
	}
	p.SetLSN(rec.LSN)
	dirty = true

	if err := e.pool.MarkDirty(pageID, rec.LSN); err != nil {
		return rec, err
	}
	return rec, logErr
}

// compensate logs and applies the compensation of rec.
func (e *Engine) compensate(ctx context.Context, rec recovery.LogRecord) (common.LSN, error) {
	clr, err := e.logAndApply(ctx, rec.PageID, rec.Offset, len(rec.After), func([]byte) recovery.LogRecord {
		return recovery.NewCompensateRecord(rec)
	})
	if err != nil {
		return clr.LSN, fmt.Errorf("failed to compensate lsn %d: %w", rec.LSN, err)
	}
	return clr.LSN, nil
}

// AllocatePage extends the data file by a zeroed page.
func (e *Engine) AllocatePage(ctx context.Context) (common.PageID, error) {
	_, pageID, err := e.pool.NewPage(ctx)
	if err != nil {
		return common.InvalidPageID, err
	}

	if err := e.pool.UnpinPage(pageID, false); err != nil {
		return common.InvalidPageID, err
	}
	return pageID, nil
}
