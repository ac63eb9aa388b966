package app

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/RelDB/src/cfg"
	"github.com/Blackdeer1524/RelDB/src/pkg/common"
	"github.com/Blackdeer1524/RelDB/src/pkg/telemetry"
	"github.com/Blackdeer1524/RelDB/src/pkg/utils"
	"github.com/Blackdeer1524/RelDB/src/recovery"
	"github.com/Blackdeer1524/RelDB/src/storage/engine"
)

const CloseTimeout = 15 * time.Second

// EngineEntrypoint opens the database, recovering it if needed, and keeps
// it open with the background checkpointer running until it is closed.
type EngineEntrypoint struct {
	ConfigPath string
	Fs         afero.Fs

	// how often Run reports engine statistics, 0 turns reporting off
	StatsInterval time.Duration

	engine *engine.Engine
	log    *zap.SugaredLogger
	cfg    cfg.Config
}

func (e *EngineEntrypoint) Init(ctx context.Context) error {
	config, err := cfg.Load(e.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	e.cfg = config

	log, err := NewLogger(config.Environment)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}

	e.log = log

	if e.Fs == nil {
		e.Fs = afero.NewOsFs()
	}

	tel, err := telemetry.Global()
	if err != nil {
		return fmt.Errorf("create telemetry: %w", err)
	}

	e.engine, err = engine.Open(ctx, e.Fs, config, log, tel)
	if err != nil {
		return err
	}

	return nil
}

func (e *EngineEntrypoint) Run(ctx context.Context) error {
	if e.StatsInterval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(e.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pool := e.engine.BufferPool().Stats()
			wal := e.engine.Log().Stats()
			e.log.Infow("engine stats",
				"resident_pages", pool.Resident,
				"dirty_pages", pool.Dirty,
				"hit_ratio", pool.HitRatio(),
				"last_lsn", wal.LastLSN,
				"flushed_lsn", wal.FlushedLSN,
				"active_txns", len(e.engine.Transactions().GetActiveTransactions()),
			)
		}
	}
}

func (e *EngineEntrypoint) Close() (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), CloseTimeout)
	defer cancel()

	if e.engine != nil {
		err = e.engine.Close(ctx)
	}

	if e.log != nil && err != nil {
		e.log.Errorw("failed to close engine", zap.Error(err))
	}

	return syncLogger(e.log, err)
}

// Checkpoint opens the database, recovering it if needed, takes a
// checkpoint and closes it again.
func Checkpoint(ctx context.Context, fs afero.Fs, configPath string) (lsn common.LSN, err error) {
	config, err := cfg.Load(configPath)
	if err != nil {
		return common.NilLSN, fmt.Errorf("load config: %w", err)
	}
	config.CheckpointInterval = 0

	log, err := NewLogger(config.Environment)
	if err != nil {
		return common.NilLSN, fmt.Errorf("create logger: %w", err)
	}
	defer func() { err = syncLogger(log, err) }()

	e, err := engine.Open(ctx, fs, config, log, telemetry.Noop())
	if err != nil {
		return common.NilLSN, err
	}
	defer func() {
		if closeErr := e.Close(ctx); err == nil {
			err = closeErr
		}
	}()

	return e.Checkpoint(ctx)
}

// OpenLog opens the write-ahead log of the configured database without
// recovering it. It is meant for inspecting the log.
func OpenLog(fs afero.Fs, configPath string) (*recovery.Manager, error) {
	config, err := cfg.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, err := NewLogger(config.Environment)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	path := engine.GetLogFilePath(config.DataDir)

	exists, err := utils.IsFileExists(fs, path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("no log at %s", path)
	}

	return recovery.Open(fs, recovery.Config{
		Path:     path,
		SyncMode: recovery.SyncModeSync,
	}, log, telemetry.Noop())
}
