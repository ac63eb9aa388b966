package recovery

import (
	"bytes"
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Blackdeer1524/RelDB/src/pkg/common"
	"github.com/Blackdeer1524/RelDB/src/pkg/telemetry"
)

const testLogPath = "/data/reldb.wal"

func openTestLog(t testing.TB, fs afero.Fs, mode SyncMode) *Manager {
	m, err := Open(fs, Config{
		Path:          testLogPath,
		SyncMode:      mode,
		FlushInterval: 10 * time.Millisecond,
	}, zaptest.NewLogger(t).Sugar(), telemetry.Noop())
	require.NoError(t, err)
	return m
}

func TestLogAssignsConsecutiveLSNs(t *testing.T) {
	m := openTestLog(t, afero.NewMemMapFs(), SyncModeSync)
	defer m.Close()

	for i := range 5 {
		lsn, err := m.Log(NewBeginRecord(common.TxnID(i + 1)))
		require.NoError(t, err)
		assert.Equal(t, common.LSN(i+1), lsn)
	}

	assert.Equal(t, common.LSN(5), m.FlushedLSN())
	assert.Equal(t, common.LSN(5), m.LastLSN())
}

func TestLogConcurrentAppendsAreUnique(t *testing.T) {
	m := openTestLog(t, afero.NewMemMapFs(), SyncModeAsync)
	defer m.Close()

	const (
		writers = 8
		perTxn  = 100
	)

	var (
		mu   sync.Mutex
		seen = make(map[common.LSN]struct{})
		wg   sync.WaitGroup
	)
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()

			txnID := common.TxnID(w + 1)
			var prev common.LSN
			for range perTxn {
				lsn, err := m.Log(NewUpdateRecord(txnID, "k", 1, 0, []byte{0}, []byte{1}))
				assert.NoError(t, err)
				assert.Greater(t, lsn, prev)
				prev = lsn

				mu.Lock()
				seen[lsn] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, writers*perTxn)
	require.NoError(t, m.ForceFlush())
	require.NoError(t, m.VerifyLogIntegrity())

	// every record points back at the previous record of its transaction
	recs, err := m.ReadLogRange(1, m.LastLSN())
	require.NoError(t, err)
	last := map[common.TxnID]common.LSN{}
	for _, rec := range recs {
		assert.Equal(t, last[rec.TxnID], rec.PrevLSN)
		last[rec.TxnID] = rec.LSN
	}
}

func TestLogBatchIsContiguous(t *testing.T) {
	m := openTestLog(t, afero.NewMemMapFs(), SyncModeSync)
	defer m.Close()

	_, err := m.Log(NewBeginRecord(1))
	require.NoError(t, err)

	last, err := m.LogBatch([]LogRecord{
		NewBeginRecord(2),
		NewInsertRecord(2, "a", 1, 0, []byte{0}, []byte{1}),
		NewCommitRecord(2),
	})
	require.NoError(t, err)
	assert.Equal(t, common.LSN(4), last)

	recs, err := m.ReadLogRange(2, 4)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, rec := range recs {
		assert.Equal(t, common.LSN(i+2), rec.LSN)
		assert.Equal(t, common.TxnID(2), rec.TxnID)
	}
}

func TestAsyncLogFlushesInBackground(t *testing.T) {
	m := openTestLog(t, afero.NewMemMapFs(), SyncModeAsync)
	defer m.Close()

	lsn, err := m.Log(NewBeginRecord(1))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return m.FlushedLSN() >= lsn
	}, time.Second, 5*time.Millisecond)
}

func TestWaitForFlush(t *testing.T) {
	m, err := Open(afero.NewMemMapFs(), Config{
		Path:          testLogPath,
		SyncMode:      SyncModeAsync,
		FlushInterval: time.Hour,
	}, zaptest.NewLogger(t).Sugar(), telemetry.Noop())
	require.NoError(t, err)
	defer m.Close()

	lsn, err := m.Log(NewBeginRecord(1))
	require.NoError(t, err)
	assert.Equal(t, common.NilLSN, m.FlushedLSN())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, m.WaitForFlush(ctx, lsn))
	assert.Equal(t, lsn, m.FlushedLSN())
}

func TestFlushUntilSkipsDurableLSN(t *testing.T) {
	m := openTestLog(t, afero.NewMemMapFs(), SyncModeAsync)
	defer m.Close()

	lsn, err := m.Log(NewBeginRecord(1))
	require.NoError(t, err)

	require.NoError(t, m.FlushUntil(context.Background(), lsn))
	flushes := m.Stats().Flushes

	require.NoError(t, m.FlushUntil(context.Background(), lsn))
	assert.Equal(t, flushes, m.Stats().Flushes)
}

func TestReopenRestoresLSNCounter(t *testing.T) {
	fs := afero.NewMemMapFs()

	m := openTestLog(t, fs, SyncModeSync)
	chain := newtxnLogChain(m, 7).
		Begin().
		Update("accounts.1", 0, 0, []byte("100"), []byte("150"))
	require.NoError(t, chain.Err())
	logID := m.LogID()
	require.NoError(t, m.Close())

	m = openTestLog(t, fs, SyncModeSync)
	defer m.Close()

	assert.Equal(t, logID, m.LogID())
	assert.Equal(t, common.LSN(2), m.FlushedLSN())
	assert.Equal(t, common.TxnID(7), m.MaxTxnID())
	assert.Equal(t, map[common.TxnID]common.LSN{7: 2}, m.GetInProgressTransactions())

	lsn, err := m.Log(NewCommitRecord(7))
	require.NoError(t, err)
	assert.Equal(t, common.LSN(3), lsn)
	assert.Equal(t, common.NilLSN, m.LastLSNOf(7))
}

func TestReopenTruncatesTornTail(t *testing.T) {
	tests := []struct {
		name   string
		mangle func(t *testing.T, fs afero.Fs, size int64)
	}{
		{
			name: "partial frame",
			mangle: func(t *testing.T, fs afero.Fs, size int64) {
				f, err := fs.OpenFile(testLogPath, os.O_RDWR, 0)
				require.NoError(t, err)
				require.NoError(t, f.Truncate(size-3))
				require.NoError(t, f.Close())
			},
		},
		{
			name: "flipped byte",
			mangle: func(t *testing.T, fs afero.Fs, size int64) {
				f, err := fs.OpenFile(testLogPath, os.O_RDWR, 0)
				require.NoError(t, err)
				_, err = f.WriteAt([]byte{0xFF}, size-1)
				require.NoError(t, err)
				require.NoError(t, f.Close())
			},
		},
		{
			name: "garbage appended",
			mangle: func(t *testing.T, fs afero.Fs, size int64) {
				f, err := fs.OpenFile(testLogPath, os.O_RDWR, 0)
				require.NoError(t, err)
				_, err = f.WriteAt([]byte{0, 0, 0, 9, 1, 2}, size)
				require.NoError(t, err)
				require.NoError(t, f.Close())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()

			m := openTestLog(t, fs, SyncModeSync)
			require.NoError(t, newtxnLogChain(m, 1).Begin().Commit().Err())
			sizeBefore := m.Stats().SizeBytes
			_, err := m.Log(NewBeginRecord(2))
			require.NoError(t, err)
			size := m.Stats().SizeBytes
			require.NoError(t, m.Close())

			tt.mangle(t, fs, size)

			m = openTestLog(t, fs, SyncModeSync)
			defer m.Close()

			if tt.name == "garbage appended" {
				assert.Equal(t, common.LSN(3), m.FlushedLSN())
				assert.Equal(t, size, m.Stats().SizeBytes)
			} else {
				assert.Equal(t, common.LSN(2), m.FlushedLSN())
				assert.Equal(t, sizeBefore, m.Stats().SizeBytes)
			}
			require.NoError(t, m.VerifyLogIntegrity())

			// the log keeps working after the truncation
			lsn, err := m.Log(NewBeginRecord(3))
			require.NoError(t, err)
			assert.Equal(t, m.FlushedLSN(), lsn)
			require.NoError(t, m.VerifyLogIntegrity())
		})
	}
}

func TestReadLogRange(t *testing.T) {
	m := openTestLog(t, afero.NewMemMapFs(), SyncModeAsync)
	defer m.Close()

	chain := newtxnLogChain(m, 1).
		Begin().
		Insert("a", 0, 0, []byte("x")).
		Update("a", 0, 0, []byte("x"), []byte("y")).
		Delete("a", 0, 0, []byte("y")).
		Commit()
	require.NoError(t, chain.Err())

	recs, err := m.ReadLogRange(2, 4)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	assert.Equal(t, TypeInsert, recs[0].Type)
	assert.Equal(t, TypeUpdate, recs[1].Type)
	assert.Equal(t, []byte("y"), recs[1].After)
	assert.Equal(t, TypeDelete, recs[2].Type)
	assert.Equal(t, []byte{0}, recs[2].After)

	recs, err = m.ReadLogRange(10, 20)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestDump(t *testing.T) {
	m := openTestLog(t, afero.NewMemMapFs(), SyncModeSync)
	defer m.Close()

	require.NoError(t, newtxnLogChain(m, 3).Begin().Update("accounts.1", 0, 0, []byte("1"), []byte("2")).Err())

	var buf bytes.Buffer
	require.NoError(t, m.Dump(&buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "[1] Txn:3 Type:BEGIN Key:'' TS:"))
	assert.True(t, strings.HasPrefix(lines[1], "[2] Txn:3 Type:UPDATE Key:'accounts.1' TS:"))
}

func TestCheckpointIsPersisted(t *testing.T) {
	fs := afero.NewMemMapFs()
	ctx := context.Background()

	m := openTestLog(t, fs, SyncModeAsync)
	require.NoError(t, newtxnLogChain(m, 1).Begin().Insert("a", 4, 0, []byte("v")).Err())

	snap := Snapshot{
		DirtyPages: map[common.PageID]common.LSN{4: 2},
		ActiveTxns: map[common.TxnID]common.LSN{1: 1},
	}
	lsn, err := m.CreateCheckpoint(ctx, true, snap)
	require.NoError(t, err)
	assert.Equal(t, common.LSN(2), lsn)
	assert.Equal(t, lsn, m.FlushedLSN())

	ok, err := afero.Exists(fs, testLogPath+".chk.tmp")
	require.NoError(t, err)
	assert.False(t, ok)

	last := m.LastCheckpoint()
	require.True(t, last.IsSome())
	assert.Equal(t, common.LSN(1), last.Unwrap().RedoStart())
	require.NoError(t, m.Close())

	m = openTestLog(t, fs, SyncModeAsync)
	defer m.Close()

	last = m.LastCheckpoint()
	require.True(t, last.IsSome())
	chk := last.Unwrap()
	assert.Equal(t, lsn, chk.LSN)
	assert.Equal(t, m.LogID(), chk.LogID)
	assert.Equal(t, snap.DirtyPages, chk.Snapshot.DirtyPages)
	assert.Equal(t, snap.ActiveTxns, chk.Snapshot.ActiveTxns)
}

func TestAsyncCheckpointIsWrittenBeforeClose(t *testing.T) {
	fs := afero.NewMemMapFs()

	m := openTestLog(t, fs, SyncModeSync)
	_, err := m.Log(NewBeginRecord(1))
	require.NoError(t, err)

	_, err = m.CreateCheckpoint(context.Background(), false, Snapshot{})
	require.NoError(t, err)
	require.NoError(t, m.Close())

	ok, err := afero.Exists(fs, testLogPath+".chk")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckpointHistoryIsBounded(t *testing.T) {
	m, err := Open(afero.NewMemMapFs(), Config{
		Path:              testLogPath,
		CheckpointHistory: 3,
	}, zaptest.NewLogger(t).Sugar(), telemetry.Noop())
	require.NoError(t, err)
	defer m.Close()

	for i := range 5 {
		_, err := m.Log(NewBeginRecord(common.TxnID(i + 1)))
		require.NoError(t, err)
		_, err = m.CreateCheckpoint(context.Background(), true, Snapshot{})
		require.NoError(t, err)
	}

	history := m.CheckpointHistory()
	require.Len(t, history, 3)
	assert.Equal(t, common.LSN(3), history[0].LSN)
	assert.Equal(t, common.LSN(5), history[2].LSN)
	assert.Equal(t, uint64(5), m.Stats().Checkpoints)
}

func TestCorruptCheckpointIsIgnored(t *testing.T) {
	fs := afero.NewMemMapFs()

	m := openTestLog(t, fs, SyncModeSync)
	_, err := m.Log(NewBeginRecord(1))
	require.NoError(t, err)
	_, err = m.CreateCheckpoint(context.Background(), true, Snapshot{})
	require.NoError(t, err)
	require.NoError(t, m.Close())

	data, err := afero.ReadFile(fs, testLogPath+".chk")
	require.NoError(t, err)
	data[10] ^= 0xFF
	require.NoError(t, afero.WriteFile(fs, testLogPath+".chk", data, 0o600))

	m = openTestLog(t, fs, SyncModeSync)
	defer m.Close()
	assert.True(t, m.LastCheckpoint().IsNone())
}

func TestCheckpointOfAnotherLogIsIgnored(t *testing.T) {
	fs := afero.NewMemMapFs()

	m := openTestLog(t, fs, SyncModeSync)
	_, err := m.CreateCheckpoint(context.Background(), true, Snapshot{})
	require.NoError(t, err)
	require.NoError(t, m.Close())

	require.NoError(t, fs.Remove(testLogPath))

	m = openTestLog(t, fs, SyncModeSync)
	defer m.Close()
	assert.True(t, m.LastCheckpoint().IsNone())
}

func TestLogAfterClose(t *testing.T) {
	m := openTestLog(t, afero.NewMemMapFs(), SyncModeAsync)

	_, err := m.Log(NewBeginRecord(1))
	require.NoError(t, err)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err = m.Log(NewBeginRecord(2))
	require.ErrorIs(t, err, common.ErrClosed)
}

func TestStats(t *testing.T) {
	m := openTestLog(t, afero.NewMemMapFs(), SyncModeSync)
	defer m.Close()

	require.NoError(t, newtxnLogChain(m, 1).Begin().Commit().Err())

	s := m.Stats()
	assert.Equal(t, uint64(2), s.TotalRecords)
	assert.Equal(t, uint64(2), s.FlushedRecords)
	assert.Zero(t, s.PendingRecords)
	assert.Equal(t, uint64(2), s.Flushes)
	assert.Equal(t, common.LSN(2), s.FlushedLSN)
	assert.Greater(t, s.SizeBytes, int64(logHeaderSize))
}

func TestParseSyncMode(t *testing.T) {
	mode, err := ParseSyncMode("async")
	require.NoError(t, err)
	assert.Equal(t, SyncModeAsync, mode)

	_, err = ParseSyncMode("sometimes")
	require.Error(t, err)
}
