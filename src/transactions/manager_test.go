package transactions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Blackdeer1524/RelDB/src/pkg/common"
	"github.com/Blackdeer1524/RelDB/src/pkg/telemetry"
	"github.com/Blackdeer1524/RelDB/src/recovery"
	"github.com/Blackdeer1524/RelDB/src/txns"
)

type testEnv struct {
	txns  *Manager
	wal   *recovery.Manager
	locks *txns.LockManager
}

func newTestEnv(t *testing.T) testEnv {
	log := zaptest.NewLogger(t).Sugar()
	tel := telemetry.Noop()

	wal, err := recovery.Open(afero.NewMemMapFs(), recovery.Config{
		Path:          "/data/wal.log",
		SyncMode:      recovery.SyncModeAsync,
		FlushInterval: 5 * time.Millisecond,
	}, log, tel)
	require.NoError(t, err)
	t.Cleanup(func() { _ = wal.Close() })

	locks := txns.NewLockManager(txns.Config{Timeout: 50 * time.Millisecond}, log, tel)

	return testEnv{
		txns:  New(wal, locks, log, tel),
		wal:   wal,
		locks: locks,
	}
}

type mockLogManager struct {
	mock.Mock
}

func (m *mockLogManager) Log(rec recovery.LogRecord) (common.LSN, error) {
	args := m.Called(rec.Type)
	return args.Get(0).(common.LSN), args.Error(1)
}

func (m *mockLogManager) WaitForFlush(ctx context.Context, lsn common.LSN) error {
	args := m.Called(lsn)
	return args.Error(0)
}

type mockLockReleaser struct {
	mock.Mock
}

func (m *mockLockReleaser) ReleaseAll(txnID common.TxnID) {
	m.Called(txnID)
}

func TestBeginAssignsIncreasingIDs(t *testing.T) {
	env := newTestEnv(t)

	first, err := env.txns.BeginTransaction(DefaultIsolation)
	require.NoError(t, err)
	second, err := env.txns.BeginTransaction(Serializable)
	require.NoError(t, err)

	assert.Equal(t, common.TxnID(1), first)
	assert.Equal(t, common.TxnID(2), second)

	txn, ok := env.txns.GetTransaction(second)
	require.True(t, ok)
	assert.Equal(t, StateActive, txn.State)
	assert.Equal(t, Serializable, txn.Isolation)
	assert.Equal(t, common.LSN(2), txn.FirstLSN)

	assert.Equal(t, []common.TxnID{1, 2}, env.txns.GetActiveTransactions())
	assert.Equal(t, map[common.TxnID]common.LSN{1: 1, 2: 2}, env.txns.ActiveFirstLSNs())
}

func TestCommitIsDurableAndReleasesLocks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.txns.BeginTransaction(Serializable)
	require.NoError(t, err)
	require.NoError(t, env.locks.AcquireLock(ctx, id, "accounts.1", txns.LockExclusive))

	ok, err := env.txns.CommitTransaction(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	state, ok := env.txns.GetTransactionState(id)
	assert.True(t, ok)
	assert.Equal(t, StateCommitted, state)
	assert.Empty(t, env.locks.HeldLocks(id))
	assert.Empty(t, env.txns.GetActiveTransactions())

	txn, _ := env.txns.GetTransaction(id)
	assert.GreaterOrEqual(t, env.wal.FlushedLSN(), txn.LastLSN)
	assert.False(t, txn.EndTime.IsZero())

	recs, err := env.wal.ReadLogRange(1, txn.LastLSN)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, recovery.TypeBegin, recs[0].Type)
	assert.Equal(t, recovery.TypeCommit, recs[1].Type)
}

func TestTerminalStatesAreFinal(t *testing.T) {
	tests := []struct {
		name  string
		end   func(m *Manager, id common.TxnID) (bool, error)
		state State
	}{
		{
			name: "committed",
			end: func(m *Manager, id common.TxnID) (bool, error) {
				return m.CommitTransaction(context.Background(), id)
			},
			state: StateCommitted,
		},
		{
			name: "aborted",
			end: func(m *Manager, id common.TxnID) (bool, error) {
				return m.RollbackTransaction(context.Background(), id)
			},
			state: StateAborted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()

			id, err := env.txns.BeginTransaction(DefaultIsolation)
			require.NoError(t, err)

			ok, err := tt.end(env.txns, id)
			require.NoError(t, err)
			require.True(t, ok)

			lastLSN := env.wal.LastLSN()

			ok, err = env.txns.CommitTransaction(ctx, id)
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = env.txns.RollbackTransaction(ctx, id)
			require.NoError(t, err)
			assert.False(t, ok)

			state, ok := env.txns.GetTransactionState(id)
			assert.True(t, ok)
			assert.Equal(t, tt.state, state)
			assert.Equal(t, lastLSN, env.wal.LastLSN())
		})
	}
}

func TestUnknownTransaction(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ok, err := env.txns.CommitTransaction(ctx, 42)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = env.txns.RollbackTransaction(ctx, 42)
	require.NoError(t, err)
	assert.False(t, ok)

	_, known := env.txns.GetTransactionState(42)
	assert.False(t, known)
	_, found := env.txns.GetTransaction(42)
	assert.False(t, found)
}

func TestCommitLogFailureKeepsTransactionActive(t *testing.T) {
	logs := &mockLogManager{}
	locks := &mockLockReleaser{}
	m := New(logs, locks, zaptest.NewLogger(t).Sugar(), telemetry.Noop())

	logs.On("Log", recovery.TypeBegin).Return(common.LSN(1), nil)
	logs.On("Log", recovery.TypeCommit).Return(common.NilLSN, common.ErrIO)

	id, err := m.BeginTransaction(DefaultIsolation)
	require.NoError(t, err)

	ok, err := m.CommitTransaction(context.Background(), id)
	require.ErrorIs(t, err, common.ErrIO)
	assert.False(t, ok)
	state, _ := m.GetTransactionState(id)
	assert.Equal(t, StateActive, state)

	locks.AssertNotCalled(t, "ReleaseAll", mock.Anything)
	logs.AssertExpectations(t)
}

func TestCommitSyncFailureAfterAppend(t *testing.T) {
	logs := &mockLogManager{}
	locks := &mockLockReleaser{}
	m := New(logs, locks, zaptest.NewLogger(t).Sugar(), telemetry.Noop())

	errSync := errors.New("fsync failed")
	logs.On("Log", recovery.TypeBegin).Return(common.LSN(1), nil)
	logs.On("Log", recovery.TypeCommit).Return(common.LSN(2), errSync)
	locks.On("ReleaseAll", common.TxnID(1)).Return()

	id, err := m.BeginTransaction(DefaultIsolation)
	require.NoError(t, err)

	ok, err := m.CommitTransaction(context.Background(), id)
	assert.False(t, ok)
	require.ErrorIs(t, err, common.ErrIO)
	require.ErrorIs(t, err, errSync)

	state, _ := m.GetTransactionState(id)
	assert.Equal(t, StateCommitted, state)

	logs.AssertNotCalled(t, "WaitForFlush", mock.Anything)
	locks.AssertExpectations(t)
}

func TestCommitFlushFailure(t *testing.T) {
	logs := &mockLogManager{}
	locks := &mockLockReleaser{}
	m := New(logs, locks, zaptest.NewLogger(t).Sugar(), telemetry.Noop())

	errDisk := errors.New("disk is gone")
	logs.On("Log", recovery.TypeBegin).Return(common.LSN(1), nil)
	logs.On("Log", recovery.TypeCommit).Return(common.LSN(2), nil)
	logs.On("WaitForFlush", common.LSN(2)).Return(errDisk)
	locks.On("ReleaseAll", common.TxnID(1)).Return()

	id, err := m.BeginTransaction(DefaultIsolation)
	require.NoError(t, err)

	ok, err := m.CommitTransaction(context.Background(), id)
	assert.False(t, ok)
	require.ErrorIs(t, err, common.ErrIO)
	require.ErrorIs(t, err, errDisk)

	locks.AssertExpectations(t)
	logs.AssertExpectations(t)
}

func TestConcurrentBeginAndCommit(t *testing.T) {
	env := newTestEnv(t)

	const workers = 16

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[common.TxnID]struct{}{}
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for range 20 {
				id, err := env.txns.BeginTransaction(DefaultIsolation)
				assert.NoError(t, err)

				mu.Lock()
				ids[id] = struct{}{}
				mu.Unlock()

				if id%2 == 0 {
					ok, err := env.txns.CommitTransaction(context.Background(), id)
					assert.NoError(t, err)
					assert.True(t, ok)
				} else {
					ok, err := env.txns.RollbackTransaction(context.Background(), id)
					assert.NoError(t, err)
					assert.True(t, ok)
				}
			}
		}()
	}
	wg.Wait()

	assert.Len(t, ids, workers*20)
	assert.Empty(t, env.txns.GetActiveTransactions())
	assert.Len(t, env.txns.GetAllTransactions(), workers*20)
	assert.Empty(t, env.wal.GetInProgressTransactions())
}

func TestSavepoints(t *testing.T) {
	env := newTestEnv(t)

	id, err := env.txns.BeginTransaction(RepeatableRead)
	require.NoError(t, err)

	change := func(key string) recovery.LogRecord {
		rec := recovery.NewUpdateRecord(id, key, 0, 0, []byte("a"), []byte("b"))
		lsn, err := env.wal.Log(rec)
		require.NoError(t, err)
		rec.LSN = lsn
		require.NoError(t, env.txns.RecordUndo(id, rec))
		return rec
	}

	change("k1")
	require.True(t, env.txns.CreateSavepoint(id, "sp1"))
	sp1LSN, ok := env.txns.SavepointLSN(id, "sp1")
	require.True(t, ok)
	assert.Equal(t, common.LSN(2), sp1LSN)

	k2 := change("k2")
	require.True(t, env.txns.CreateSavepoint(id, "sp2"))
	k3 := change("k3")

	undo, err := env.txns.TruncateToSavepoint(id, "sp1")
	require.NoError(t, err)
	require.Len(t, undo, 2)
	assert.Equal(t, k3.LSN, undo[0].LSN)
	assert.Equal(t, k2.LSN, undo[1].LSN)

	_, ok = env.txns.SavepointLSN(id, "sp2")
	assert.False(t, ok)
	_, ok = env.txns.SavepointLSN(id, "sp1")
	assert.True(t, ok)

	require.Len(t, env.txns.UndoLog(id), 1)
	assert.Equal(t, []string{"k1", "k2", "k3"}, env.txns.TouchedKeys(id))

	_, err = env.txns.TruncateToSavepoint(id, "missing")
	require.Error(t, err)
}

func TestUndoOnFinishedTransaction(t *testing.T) {
	env := newTestEnv(t)

	id, err := env.txns.BeginTransaction(DefaultIsolation)
	require.NoError(t, err)
	_, err = env.txns.RollbackTransaction(context.Background(), id)
	require.NoError(t, err)

	rec := recovery.NewInsertRecord(id, "k", 0, 0, []byte{0}, []byte{1})
	rec.LSN = 100
	require.ErrorIs(t, env.txns.RecordUndo(id, rec), common.ErrInvalidTransactionState)
	assert.False(t, env.txns.CreateSavepoint(id, "late"))
}

func TestCleanupCompleted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	done, err := env.txns.BeginTransaction(DefaultIsolation)
	require.NoError(t, err)
	_, err = env.txns.CommitTransaction(ctx, done)
	require.NoError(t, err)

	running, err := env.txns.BeginTransaction(DefaultIsolation)
	require.NoError(t, err)

	assert.Equal(t, 0, env.txns.CleanupCompleted(time.Hour))
	assert.Equal(t, 1, env.txns.CleanupCompleted(0))

	all := env.txns.GetAllTransactions()
	require.Len(t, all, 1)
	assert.Equal(t, running, all[0].ID)

	// a pruned transaction is unknown rather than reported as aborted
	_, known := env.txns.GetTransactionState(done)
	assert.False(t, known)
}

func TestSetNextTxnID(t *testing.T) {
	env := newTestEnv(t)

	env.txns.SetNextTxnID(10)
	env.txns.SetNextTxnID(5)

	id, err := env.txns.BeginTransaction(DefaultIsolation)
	require.NoError(t, err)
	assert.Equal(t, common.TxnID(10), id)
}

func TestParseIsolationLevel(t *testing.T) {
	tests := []struct {
		in   string
		want IsolationLevel
	}{
		{"serializable", Serializable},
		{"REPEATABLE READ", RepeatableRead},
		{"read_uncommitted", ReadUncommitted},
		{"", ReadCommitted},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseIsolationLevel(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseIsolationLevel("snapshot")
	require.Error(t, err)
}
