package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/RelDB/src/bufferpool"
	"github.com/Blackdeer1524/RelDB/src/cfg"
	"github.com/Blackdeer1524/RelDB/src/pkg/common"
	"github.com/Blackdeer1524/RelDB/src/pkg/latch"
	"github.com/Blackdeer1524/RelDB/src/pkg/telemetry"
	"github.com/Blackdeer1524/RelDB/src/recovery"
	"github.com/Blackdeer1524/RelDB/src/storage/disk"
	"github.com/Blackdeer1524/RelDB/src/transactions"
	"github.com/Blackdeer1524/RelDB/src/txns"
)

const (
	DataFileName = "data.db"
	LogFileName  = "wal.log"
)

func GetDataFilePath(basePath string) string {
	return filepath.Join(basePath, DataFileName)
}

func GetLogFilePath(basePath string) string {
	return filepath.Join(basePath, LogFileName)
}

// Engine wires the storage components together: pages live in the disk
// manager and are cached by the buffer pool, every change is written ahead
// to the log, and transactions isolate themselves through the lock manager.
type Engine struct {
	cfg              cfg.Config
	defaultIsolation transactions.IsolationLevel

	disk  *disk.Manager
	wal   *recovery.Manager
	pool  *bufferpool.Manager
	locks *txns.LockManager
	txns  *transactions.Manager

	// held shared from logging a page change until the page is marked
	// dirty, exclusively while a checkpoint snapshot is taken
	ckptLatch *latch.RWLatch

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error

	log *zap.SugaredLogger
	tel *telemetry.Telemetry
}

var _ recovery.PageApplier = &Engine{}

// Open opens or creates the database under c.DataDir and recovers it. Any
// failure to bring the database back to a consistent state is reported as
// common.ErrRecovery; the caller must not continue with the data directory.
func Open(
	ctx context.Context,
	fs afero.Fs,
	c cfg.Config,
	log *zap.SugaredLogger,
	tel *telemetry.Telemetry,
) (*Engine, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	level, err := transactions.ParseIsolationLevel(c.DefaultIsolation)
	if err != nil {
		return nil, err
	}

	syncMode, err := recovery.ParseSyncMode(c.WALSyncMode)
	if err != nil {
		return nil, err
	}

	if err := fs.MkdirAll(c.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: failed to create data dir: %w", common.ErrIO, err)
	}

	diskMgr, err := disk.New(fs, GetDataFilePath(c.DataDir), log)
	if err != nil {
		return nil, err
	}

	wal, err := recovery.Open(fs, recovery.Config{
		Path:          GetLogFilePath(c.DataDir),
		SyncMode:      syncMode,
		FlushInterval: c.WALFlushInterval,
		BufferRecords: c.WALBufferRecords,
	}, log, tel)
	if err != nil {
		_ = diskMgr.Close()
		return nil, fmt.Errorf("%w: %w", common.ErrRecovery, err)
	}

	pool, err := bufferpool.New(bufferpool.Config{
		PoolSize:           c.PoolSize,
		FrameWaitTimeout:   c.FrameWaitTimeout,
		LatchTimeout:       c.PageLatchTimeout,
		ConfigLatchTimeout: c.ConfigLatchTimeout,
		PrefetchWorkers:    c.PrefetchWorkers,
	}, bufferpool.NewLRUReplacer(), diskMgr, wal, log, tel)
	if err != nil {
		_ = wal.Close()
		_ = diskMgr.Close()
		return nil, err
	}

	locks := txns.NewLockManager(txns.Config{
		Timeout:           c.LockTimeout,
		DeadlockDetection: c.DeadlockDetection,
	}, log, tel)

	e := &Engine{
		cfg:              c,
		defaultIsolation: level,
		disk:             diskMgr,
		wal:              wal,
		pool:             pool,
		locks:            locks,
		txns:             transactions.New(wal, locks, log, tel),
		ckptLatch:        latch.NewRWLatch(),
		stop:             make(chan struct{}),
		log:              log,
		tel:              tel,
	}

	if err := e.recover(ctx); err != nil {
		e.closeComponents()
		return nil, err
	}

	if c.CheckpointInterval > 0 {
		e.wg.Add(1)
		go e.runCheckpointer(c.CheckpointInterval)
	}

	log.Infow("storage engine opened",
		"data_dir", c.DataDir,
		"pool_size", c.PoolSize,
		"wal_sync_mode", c.WALSyncMode,
		"default_isolation", level.String(),
	)
	return e, nil
}

func (e *Engine) runCheckpointer(interval time.Duration) {
	defer e.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			if _, err := e.Checkpoint(ctx); err != nil {
				e.log.Warnw("background checkpoint failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// Checkpoint writes every dirty page back and records a checkpoint so that
// the next recovery can skip the log before it.
func (e *Engine) Checkpoint(ctx context.Context) (common.LSN, error) {
	if err := e.pool.FlushAllPages(ctx); err != nil {
		return common.NilLSN, fmt.Errorf("failed to flush pages for checkpoint: %w", err)
	}

	if err := e.disk.Sync(); err != nil {
		return common.NilLSN, err
	}

	if err := e.ckptLatch.Lock(ctx, e.cfg.PageLatchTimeout); err != nil {
		return common.NilLSN, fmt.Errorf("failed to quiesce page changes for checkpoint: %w", err)
	}
	defer e.ckptLatch.Unlock()

	lsn, err := e.wal.CreateCheckpoint(ctx, true, recovery.Snapshot{
		DirtyPages: e.pool.DirtyPageTable(),
		ActiveTxns: e.txns.ActiveFirstLSNs(),
	})
	if err != nil {
		return common.NilLSN, err
	}
	return lsn, nil
}

// Close stops the checkpointer, aborts the transactions that are still
// running, writes every page back and closes the files. It is safe to call
// more than once.
func (e *Engine) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		close(e.stop)
		e.wg.Wait()

		for _, id := range e.txns.GetActiveTransactions() {
			if _, err := e.Abort(ctx, id); err != nil {
				e.log.Warnw("failed to abort transaction on close", "txn_id", id, zap.Error(err))
			}
		}

		if _, err := e.Checkpoint(ctx); err != nil {
			e.closeErr = errors.Wrap(err, "final checkpoint")
		}

		e.closeComponents()
		e.log.Infow("storage engine closed", "data_dir", e.cfg.DataDir)
	})
	return e.closeErr
}

func (e *Engine) closeComponents() {
	e.pool.Close()

	if err := e.wal.Close(); err != nil {
		e.log.Errorw("failed to close log", zap.Error(err))
	}
	if err := e.disk.Close(); err != nil {
		e.log.Errorw("failed to close data file", zap.Error(err))
	}
}

func (e *Engine) DefaultIsolation() transactions.IsolationLevel {
	return e.defaultIsolation
}

func (e *Engine) Transactions() *transactions.Manager {
	return e.txns
}

func (e *Engine) Locks() *txns.LockManager {
	return e.locks
}

func (e *Engine) Log() *recovery.Manager {
	return e.wal
}

func (e *Engine) BufferPool() *bufferpool.Manager {
	return e.pool
}

func (e *Engine) Disk() *disk.Manager {
	return e.disk
}
