package transactions

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Blackdeer1524/RelDB/src/pkg/assert"
	"github.com/Blackdeer1524/RelDB/src/pkg/common"
	"github.com/Blackdeer1524/RelDB/src/pkg/telemetry"
	"github.com/Blackdeer1524/RelDB/src/recovery"
)

type LogManager interface {
	Log(rec recovery.LogRecord) (common.LSN, error)
	WaitForFlush(ctx context.Context, lsn common.LSN) error
}

type LockReleaser interface {
	ReleaseAll(txnID common.TxnID)
}

type savepoint struct {
	lsn     common.LSN
	undoLen int
	order   int
}

type txn struct {
	Transaction

	// logged page changes, oldest first
	undo       []recovery.LogRecord
	savepoints map[string]savepoint
	spSeq      int
	touched    map[string]struct{}
}

// Manager owns the lifecycle of transactions. Every mutating call runs as a
// single critical section.
type Manager struct {
	mu     sync.RWMutex
	nextID common.TxnID
	txns   map[common.TxnID]*txn

	logs  LogManager
	locks LockReleaser

	log *zap.SugaredLogger
	tel *telemetry.Telemetry
}

func New(
	logs LogManager,
	locks LockReleaser,
	log *zap.SugaredLogger,
	tel *telemetry.Telemetry,
) *Manager {
	return &Manager{
		nextID: 1,
		txns:   make(map[common.TxnID]*txn),
		logs:   logs,
		locks:  locks,
		log:    log,
		tel:    tel,
	}
}

// SetNextTxnID makes sure ids handed out from now on are at least id. It
// never moves the counter backwards.
func (m *Manager) SetNextTxnID(id common.TxnID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID = max(m.nextID, id)
}

// BeginTransaction starts a transaction and logs its BEGIN record.
func (m *Manager) BeginTransaction(level IsolationLevel) (common.TxnID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++

	lsn, err := m.logs.Log(recovery.NewBeginRecord(id))
	if err != nil {
		return common.NilTxnID, fmt.Errorf("failed to log begin of txn %d: %w", id, err)
	}

	m.txns[id] = &txn{
		Transaction: Transaction{
			ID:        id,
			State:     StateActive,
			Isolation: level,
			StartTime: time.Now(),
			FirstLSN:  lsn,
			LastLSN:   lsn,
		},
		savepoints: make(map[string]savepoint),
		touched:    make(map[string]struct{}),
	}

	m.tel.Metrics.TxnsStarted.Add(context.Background(), 1)
	m.log.Debugw("transaction started", "txn_id", id, "isolation", level.String(), "lsn", lsn)

	return id, nil
}

func (m *Manager) activeLocked(id common.TxnID) (*txn, bool) {
	t, ok := m.txns[id]
	if !ok || t.State != StateActive {
		return nil, false
	}
	return t, true
}

// CommitTransaction logs COMMIT, waits until it is durable and releases the
// transaction's locks. It returns false without side effects if the
// transaction is not active.
//
// If the log can not be made durable the transaction is already COMMITTED
// in memory but the call reports false together with the error: a crash
// before the next successful flush would roll it back.
func (m *Manager) CommitTransaction(ctx context.Context, id common.TxnID) (bool, error) {
	lsn, ok, err := func() (common.LSN, bool, error) {
		m.mu.Lock()
		defer m.mu.Unlock()

		t, ok := m.activeLocked(id)
		if !ok {
			return common.NilLSN, false, nil
		}

		lsn, err := m.logs.Log(recovery.NewCommitRecord(id))
		if lsn == common.NilLSN {
			return common.NilLSN, false, fmt.Errorf("failed to log commit of txn %d: %w", id, err)
		}

		// an appended commit record that failed to sync may still reach
		// the disk, so the outcome is the same as a failed flush below
		t.State = StateCommitted
		t.EndTime = time.Now()
		t.LastLSN = lsn
		t.undo = nil
		return lsn, true, err
	}()
	if !ok {
		return false, err
	}

	// released even when the commit record can not be flushed
	defer m.locks.ReleaseAll(id)

	if err == nil {
		err = m.logs.WaitForFlush(ctx, lsn)
	}
	if err != nil {
		m.log.Errorw("commit record is not durable", "txn_id", id, "lsn", lsn, zap.Error(err))
		return false, fmt.Errorf("%w: commit of txn %d is not durable: %w", common.ErrIO, id, err)
	}

	m.tel.Metrics.TxnsCommitted.Add(ctx, 1)
	m.log.Debugw("transaction committed", "txn_id", id, "lsn", lsn)

	return true, nil
}

// RollbackTransaction logs ABORT and releases the transaction's locks. Page
// changes have to be compensated by the caller beforehand. It returns false
// without side effects if the transaction is not active.
func (m *Manager) RollbackTransaction(ctx context.Context, id common.TxnID) (bool, error) {
	ok, err := func() (bool, error) {
		m.mu.Lock()
		defer m.mu.Unlock()

		t, ok := m.activeLocked(id)
		if !ok {
			return false, nil
		}

		lsn, err := m.logs.Log(recovery.NewAbortRecord(id))
		if lsn == common.NilLSN {
			return false, fmt.Errorf("failed to log abort of txn %d: %w", id, err)
		}
		if err != nil {
			// recovery rolls the transaction back whether or not the
			// record survives
			m.log.Warnw("abort record is not durable", "txn_id", id, "lsn", lsn, zap.Error(err))
		}

		t.State = StateAborted
		t.EndTime = time.Now()
		t.LastLSN = lsn
		t.undo = nil
		return true, nil
	}()
	if !ok || err != nil {
		return false, err
	}

	m.locks.ReleaseAll(id)

	m.tel.Metrics.TxnsAborted.Add(ctx, 1)
	m.log.Debugw("transaction rolled back", "txn_id", id)

	return true, nil
}

// GetTransactionState returns false for transactions that never began or
// were forgotten by CleanupCompleted.
func (m *Manager) GetTransactionState(id common.TxnID) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.txns[id]
	if !ok {
		return StateAborted, false
	}
	return t.State, true
}

func (m *Manager) GetTransaction(id common.TxnID) (Transaction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.txns[id]
	if !ok {
		return Transaction{}, false
	}
	return t.Transaction, true
}

// GetActiveTransactions returns the sorted ids of active transactions.
func (m *Manager) GetActiveTransactions() []common.TxnID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	res := []common.TxnID{}
	for id, t := range m.txns {
		if t.State == StateActive {
			res = append(res, id)
		}
	}
	slices.Sort(res)
	return res
}

func (m *Manager) GetAllTransactions() []Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()

	res := make([]Transaction, 0, len(m.txns))
	for _, t := range m.txns {
		res = append(res, t.Transaction)
	}
	slices.SortFunc(res, func(a, b Transaction) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return res
}

// ActiveFirstLSNs maps every active transaction to its first LSN.
func (m *Manager) ActiveFirstLSNs() map[common.TxnID]common.LSN {
	m.mu.RLock()
	defer m.mu.RUnlock()

	res := make(map[common.TxnID]common.LSN)
	for id, t := range m.txns {
		if t.State == StateActive {
			res[id] = t.FirstLSN
		}
	}
	return res
}

// RecordUndo appends a logged page change to the undo list of an active
// transaction.
func (m *Manager) RecordUndo(id common.TxnID, rec recovery.LogRecord) error {
	assert.Assert(rec.LSN != common.NilLSN, "undo entry must be logged first")

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.activeLocked(id)
	if !ok {
		return fmt.Errorf("%w: txn %d is not active", common.ErrInvalidTransactionState, id)
	}

	t.undo = append(t.undo, rec)
	t.LastLSN = max(t.LastLSN, rec.LSN)
	if rec.Key != "" {
		t.touched[rec.Key] = struct{}{}
	}
	return nil
}

// RecordLSN notes a record written on behalf of the transaction that is
// not part of its undo list, e.g. a compensation.
func (m *Manager) RecordLSN(id common.TxnID, lsn common.LSN) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.txns[id]; ok {
		t.LastLSN = max(t.LastLSN, lsn)
	}
}

// UndoLog returns the pending page changes of a transaction, newest first.
func (m *Manager) UndoLog(id common.TxnID) []recovery.LogRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.txns[id]
	if !ok {
		return nil
	}

	res := slices.Clone(t.undo)
	slices.Reverse(res)
	return res
}

func (m *Manager) TouchedKeys(id common.TxnID) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.txns[id]
	if !ok {
		return nil
	}
	return slices.Sorted(maps.Keys(t.touched))
}

// CreateSavepoint marks the current position of an active transaction.
// Reusing a name moves the savepoint.
func (m *Manager) CreateSavepoint(id common.TxnID, name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.activeLocked(id)
	if !ok {
		return false
	}

	t.spSeq++
	t.savepoints[name] = savepoint{
		lsn:     t.LastLSN,
		undoLen: len(t.undo),
		order:   t.spSeq,
	}
	return true
}

func (m *Manager) SavepointLSN(id common.TxnID, name string) (common.LSN, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.txns[id]
	if !ok {
		return common.NilLSN, false
	}
	sp, ok := t.savepoints[name]
	return sp.lsn, ok
}

// TruncateToSavepoint removes the page changes made after the savepoint
// from the undo list and returns them, newest first, for compensation.
// Savepoints created after it are dropped; the savepoint itself stays.
func (m *Manager) TruncateToSavepoint(id common.TxnID, name string) ([]recovery.LogRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.activeLocked(id)
	if !ok {
		return nil, fmt.Errorf("%w: txn %d is not active", common.ErrInvalidTransactionState, id)
	}

	sp, ok := t.savepoints[name]
	if !ok {
		return nil, fmt.Errorf("txn %d has no savepoint %q", id, name)
	}

	res := slices.Clone(t.undo[sp.undoLen:])
	slices.Reverse(res)
	t.undo = t.undo[:sp.undoLen]

	for other, o := range t.savepoints {
		if o.undoLen > sp.undoLen || (o.undoLen == sp.undoLen && o.order > sp.order) {
			delete(t.savepoints, other)
		}
	}
	return res, nil
}

// CleanupCompleted forgets transactions that ended more than olderThan ago
// and returns how many were removed.
func (m *Manager) CleanupCompleted(olderThan time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	deadline := time.Now().Add(-olderThan)

	removed := 0
	for id, t := range m.txns {
		if t.State.IsTerminal() && !t.EndTime.After(deadline) {
			delete(m.txns, id)
			removed++
		}
	}
	return removed
}
