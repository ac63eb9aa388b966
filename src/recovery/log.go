package recovery

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/RelDB/src/pkg/assert"
	"github.com/Blackdeer1524/RelDB/src/pkg/common"
	"github.com/Blackdeer1524/RelDB/src/pkg/optional"
	"github.com/Blackdeer1524/RelDB/src/pkg/telemetry"
)

type SyncMode uint8

const (
	// every Log call returns only after its record is durable
	SyncModeSync SyncMode = iota
	// records are made durable by a background flusher or an explicit flush
	SyncModeAsync
)

func ParseSyncMode(s string) (SyncMode, error) {
	switch s {
	case "sync":
		return SyncModeSync, nil
	case "async":
		return SyncModeAsync, nil
	}
	return SyncModeSync, fmt.Errorf("unknown wal sync mode %q", s)
}

const defaultCheckpointHistory = 100

// ErrLogFailed is returned once a flush failed. The log accepts no more
// records until it is reopened.
var ErrLogFailed = errors.New("write-ahead log failed")

type Config struct {
	Path          string
	SyncMode      SyncMode
	FlushInterval time.Duration
	// in async mode the flusher is woken once this many records are pending
	BufferRecords     int
	CheckpointHistory int
}

func (c Config) checkpointPath() string {
	return c.Path + ".chk"
}

type Stats struct {
	TotalRecords   uint64
	FlushedRecords uint64
	PendingRecords uint64
	Checkpoints    uint64
	Flushes        uint64
	AvgFlushTime   time.Duration
	LastLSN        common.LSN
	FlushedLSN     common.LSN
	SizeBytes      int64
}

// Manager is the write-ahead log. Records get consecutive LSNs starting at
// 1, are buffered in memory and appended to the log file by ForceFlush.
//
// Lock order: flushMu -> bufMu.
type Manager struct {
	cfg   Config
	fs    afero.Fs
	file  afero.File
	logID uuid.UUID

	nextLSN    atomic.Uint64
	flushedLSN atomic.Uint64
	maxTxnID   common.TxnID

	bufMu      sync.Mutex
	buf        []byte
	spare      []byte
	bufRecords uint64
	bufLastLSN common.LSN
	// last LSN of every transaction without a terminal record
	lastByTxn map[common.TxnID]common.LSN
	// closed and replaced after every flush
	flushed chan struct{}
	closed  bool
	// set by the first failed flush, see ForceFlush
	failErr error

	flushMu  sync.Mutex
	fileSize int64

	checkpointMu   sync.Mutex
	lastCheckpoint optional.Optional[CheckpointState]
	history        []CheckpointState

	totalRecords   atomic.Uint64
	flushedRecords atomic.Uint64
	flushes        atomic.Uint64
	flushNanos     atomic.Int64
	checkpoints    atomic.Uint64

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup

	log *zap.SugaredLogger
	tel *telemetry.Telemetry
}

var _ common.LogFlusher = &Manager{}

// Open opens the log at cfg.Path, creating it if needed. Records are read
// back to restore the LSN counter. A torn or corrupt tail, left by a crash
// in the middle of an append, is truncated.
func Open(fs afero.Fs, cfg Config, log *zap.SugaredLogger, tel *telemetry.Telemetry) (*Manager, error) {
	if cfg.CheckpointHistory <= 0 {
		cfg.CheckpointHistory = defaultCheckpointHistory
	}
	if cfg.BufferRecords <= 0 {
		cfg.BufferRecords = 1024
	}
	assert.Assert(cfg.SyncMode == SyncModeSync || cfg.FlushInterval > 0, "async log requires a flush interval")

	dir := filepath.Dir(cfg.Path)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: mkdir %s: %w", common.ErrIO, dir, err)
	}

	file, err := fs.OpenFile(filepath.Clean(cfg.Path), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open log file: %w", common.ErrIO, err)
	}

	m := &Manager{
		cfg:       cfg,
		fs:        fs,
		file:      file,
		lastByTxn: make(map[common.TxnID]common.LSN),
		flushed:   make(chan struct{}),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		log:       log,
		tel:       tel,
	}

	if err := m.load(); err != nil {
		_ = file.Close()
		return nil, err
	}

	if err := m.loadCheckpoint(); err != nil {
		_ = file.Close()
		return nil, err
	}

	if cfg.SyncMode == SyncModeAsync {
		m.wg.Add(1)
		go m.runFlusher()
	}

	log.Infow("write-ahead log opened",
		"path", cfg.Path,
		"log_id", m.logID.String(),
		"last_lsn", m.flushedLSN.Load(),
		"size", m.fileSize,
	)

	return m, nil
}

func (m *Manager) load() error {
	info, err := m.file.Stat()
	if err != nil {
		return fmt.Errorf("%w: failed to stat log file: %w", common.ErrIO, err)
	}

	if info.Size() < int64(logHeaderSize) {
		// a crash while the header of a fresh log was written
		if err := m.file.Truncate(0); err != nil {
			return fmt.Errorf("%w: failed to reset log file: %w", common.ErrIO, err)
		}

		m.logID = uuid.New()
		if _, err := m.file.WriteAt(encodeLogHeader(m.logID), 0); err != nil {
			return fmt.Errorf("%w: failed to write log header: %w", common.ErrIO, err)
		}
		if err := m.file.Sync(); err != nil {
			return fmt.Errorf("%w: failed to sync log header: %w", common.ErrIO, err)
		}

		m.fileSize = int64(logHeaderSize)
		m.nextLSN.Store(1)
		return nil
	}

	hdr := make([]byte, logHeaderSize)
	if _, err := m.file.ReadAt(hdr, 0); err != nil {
		return fmt.Errorf("%w: failed to read log header: %w", common.ErrIO, err)
	}
	if m.logID, err = decodeLogHeader(hdr); err != nil {
		return fmt.Errorf("%w: %w", common.ErrRecovery, err)
	}

	it := newLogIterator(m.file, info.Size())

	var lastLSN common.LSN
	for {
		rec, span, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if err := checkTornTail(m.file, it.Offset(), span, info.Size(), err); err != nil {
				return err
			}

			m.log.Warnw("log has a torn tail, truncating",
				"valid_size", it.Offset(),
				"file_size", info.Size(),
				zap.Error(err),
			)
			if err := m.file.Truncate(it.Offset()); err != nil {
				return fmt.Errorf("%w: failed to truncate log: %w", common.ErrIO, err)
			}
			break
		}

		if rec.LSN != lastLSN+1 {
			return fmt.Errorf(
				"%w: log records are out of order: %d follows %d",
				common.ErrRecovery,
				rec.LSN,
				lastLSN,
			)
		}
		lastLSN = rec.LSN
		m.maxTxnID = max(m.maxTxnID, rec.TxnID)

		switch rec.Type {
		case TypeCommit, TypeAbort:
			delete(m.lastByTxn, rec.TxnID)
		default:
			m.lastByTxn[rec.TxnID] = rec.LSN
		}
	}

	m.fileSize = it.Offset()
	m.nextLSN.Store(uint64(lastLSN) + 1)
	m.flushedLSN.Store(uint64(lastLSN))
	m.totalRecords.Store(uint64(lastLSN))
	m.flushedRecords.Store(uint64(lastLSN))

	return nil
}

// checkTornTail decides whether the frame at offset that failed with
// frameErr is the remainder of an interrupted append. That holds when the
// frame reaches the end of the file or only zeros follow it. Anything else
// is damage inside the durable log and is refused.
func checkTornTail(file io.ReaderAt, offset, span, size int64, frameErr error) error {
	if !errors.Is(frameErr, ErrCorruptRecord) {
		return fmt.Errorf("%w: failed to read log at offset %d: %w", common.ErrRecovery, offset, frameErr)
	}

	end := offset + span
	if end >= size {
		return nil
	}

	rd := io.NewSectionReader(file, end, size-end)
	buf := make([]byte, 64<<10)
	for {
		n, err := rd.Read(buf)
		for _, b := range buf[:n] {
			if b != 0 {
				return fmt.Errorf(
					"%w: corrupt record at offset %d is followed by more data: %w",
					common.ErrRecovery,
					offset,
					frameErr,
				)
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %w: failed to read log tail: %w", common.ErrRecovery, common.ErrIO, err)
		}
	}
}

func (m *Manager) loadCheckpoint() error {
	state, err := readCheckpointFile(m.fs, m.cfg.checkpointPath())
	if err != nil {
		// recovery then scans the whole log
		m.log.Warnw("ignoring unreadable checkpoint", "path", m.cfg.checkpointPath(), zap.Error(err))
		return nil
	}
	if state.IsNone() {
		return nil
	}

	chk := state.Unwrap()
	switch {
	case chk.LogID != m.logID:
		m.log.Warnw("ignoring checkpoint of another log",
			"checkpoint_log_id", chk.LogID.String(),
			"log_id", m.logID.String(),
		)
	case uint64(chk.LSN) > m.flushedLSN.Load():
		m.log.Warnw("ignoring checkpoint beyond the end of the log",
			"checkpoint_lsn", chk.LSN,
			"last_lsn", m.flushedLSN.Load(),
		)
	default:
		m.lastCheckpoint = state
		m.history = append(m.history, chk)
	}
	return nil
}

func (m *Manager) LogID() uuid.UUID {
	return m.logID
}

// MaxTxnID is the largest transaction id found in the log when it was
// opened.
func (m *Manager) MaxTxnID() common.TxnID {
	return m.maxTxnID
}

// appendLocked stamps recs with consecutive LSNs and appends them to the
// buffer. Either every record is appended or, on error, none is and the
// LSN counter is left untouched.
//
// Preconditions:
//   - bufMu is held by the caller.
func (m *Manager) appendLocked(recs []LogRecord) error {
	if m.closed {
		return common.ErrClosed
	}
	if m.failErr != nil {
		return m.failErr
	}

	var (
		next     = common.LSN(m.nextLSN.Load())
		now      = time.Now()
		prev     = make(map[common.TxnID]common.LSN, 1)
		payloads = make([][]byte, len(recs))
	)
	for i := range recs {
		rec := &recs[i]
		rec.LSN = next + common.LSN(i)
		rec.Timestamp = now

		var ok bool
		if rec.PrevLSN, ok = prev[rec.TxnID]; !ok {
			rec.PrevLSN = m.lastByTxn[rec.TxnID]
		}

		payload, err := rec.MarshalBinary()
		if err == nil && len(payload) > maxRecordSize {
			err = fmt.Errorf("%w: %d bytes, at most %d allowed", ErrRecordTooLarge, len(payload), maxRecordSize)
		}
		if err != nil {
			for j := range recs {
				recs[j].LSN = common.NilLSN
			}
			return fmt.Errorf("failed to marshal log record of txn %d: %w", rec.TxnID, err)
		}
		payloads[i] = payload

		switch rec.Type {
		case TypeCommit, TypeAbort:
			prev[rec.TxnID] = common.NilLSN
		default:
			prev[rec.TxnID] = rec.LSN
		}
	}

	for i := range recs {
		m.buf = appendFrame(m.buf, payloads[i])

		switch recs[i].Type {
		case TypeCommit, TypeAbort:
			delete(m.lastByTxn, recs[i].TxnID)
		default:
			m.lastByTxn[recs[i].TxnID] = recs[i].LSN
		}
	}

	m.nextLSN.Add(uint64(len(recs)))
	m.bufRecords += uint64(len(recs))
	m.bufLastLSN = recs[len(recs)-1].LSN
	m.totalRecords.Add(uint64(len(recs)))
	return nil
}

// Log assigns the next LSN to rec and appends it. In sync mode the record
// is durable when Log returns.
//
// An error together with a non-nil LSN means the record was appended but
// could not be made durable. It may or may not survive a crash and the log
// refuses any further appends.
func (m *Manager) Log(rec LogRecord) (common.LSN, error) {
	recs := [1]LogRecord{rec}

	m.bufMu.Lock()
	if err := m.appendLocked(recs[:]); err != nil {
		m.bufMu.Unlock()
		return common.NilLSN, fmt.Errorf("failed to append log record: %w", err)
	}
	pending := m.bufRecords
	m.bufMu.Unlock()

	m.tel.Metrics.LogRecords.Add(context.Background(), 1)

	return recs[0].LSN, m.afterAppend(pending)
}

// LogBatch appends recs under a single buffer lock so that they get
// consecutive LSNs. It returns the LSN of the last record.
func (m *Manager) LogBatch(recs []LogRecord) (common.LSN, error) {
	if len(recs) == 0 {
		return common.LSN(m.nextLSN.Load() - 1), nil
	}

	m.bufMu.Lock()
	if err := m.appendLocked(recs); err != nil {
		m.bufMu.Unlock()
		return common.NilLSN, fmt.Errorf("failed to append log batch: %w", err)
	}
	last := recs[len(recs)-1].LSN
	pending := m.bufRecords
	m.bufMu.Unlock()

	m.tel.Metrics.LogRecords.Add(context.Background(), int64(len(recs)))

	return last, m.afterAppend(pending)
}

func (m *Manager) afterAppend(pending uint64) error {
	if m.cfg.SyncMode == SyncModeSync {
		return m.ForceFlush()
	}

	if pending >= uint64(m.cfg.BufferRecords) { //nolint:gosec
		m.notifyFlusher()
	}
	return nil
}

func (m *Manager) notifyFlusher() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Err returns the failure that stopped the log, if any.
func (m *Manager) Err() error {
	m.bufMu.Lock()
	defer m.bufMu.Unlock()

	return m.failErr
}

// ForceFlush appends every buffered record to the log file and syncs it.
//
// A failed write or sync stops the log for good: the records of the failed
// flush might be on disk or not, so neither they nor anything after them
// may be acknowledged. The log has to be reopened, which lets recovery
// decide from what actually reached the file.
func (m *Manager) ForceFlush() error {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	m.bufMu.Lock()
	if m.failErr != nil {
		err := m.failErr
		m.bufMu.Unlock()
		return err
	}
	data := m.buf
	m.buf = m.spare[:0]
	m.spare = nil
	records := m.bufRecords
	last := m.bufLastLSN
	m.bufRecords = 0
	m.bufMu.Unlock()

	if len(data) == 0 {
		m.bufMu.Lock()
		m.spare = data
		m.bufMu.Unlock()
		return nil
	}

	start := time.Now()
	err := func() error {
		if _, err := m.file.WriteAt(data, m.fileSize); err != nil {
			return fmt.Errorf("%w: failed to append to log: %w", common.ErrIO, err)
		}
		if err := m.file.Sync(); err != nil {
			return fmt.Errorf("%w: failed to sync log: %w", common.ErrIO, err)
		}
		return nil
	}()
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrLogFailed, err)

		m.bufMu.Lock()
		m.failErr = err
		close(m.flushed)
		m.flushed = make(chan struct{})
		m.bufMu.Unlock()

		m.log.Errorw("log flush failed, refusing further appends",
			"first_lsn", m.FlushedLSN()+1,
			"last_lsn", last,
			zap.Error(err),
		)
		return err
	}
	elapsed := time.Since(start)

	m.fileSize += int64(len(data))
	m.flushedLSN.Store(uint64(last))
	m.flushedRecords.Add(records)
	m.flushes.Add(1)
	m.flushNanos.Add(elapsed.Nanoseconds())

	m.bufMu.Lock()
	m.spare = data
	close(m.flushed)
	m.flushed = make(chan struct{})
	m.bufMu.Unlock()

	ctx := context.Background()
	m.tel.Metrics.LogFlushes.Add(ctx, 1)
	m.tel.Metrics.LogFlushMs.Record(ctx, float64(elapsed.Microseconds())/1000)

	return nil
}

func (m *Manager) FlushedLSN() common.LSN {
	return common.LSN(m.flushedLSN.Load())
}

// LastLSN is the LSN of the last appended record, durable or not.
func (m *Manager) LastLSN() common.LSN {
	return common.LSN(m.nextLSN.Load() - 1)
}

// FlushUntil makes the log durable at least up to lsn.
func (m *Manager) FlushUntil(ctx context.Context, lsn common.LSN) error {
	if m.FlushedLSN() >= lsn {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.ForceFlush()
}

// WaitForFlush blocks until lsn is durable. In async mode it wakes the
// background flusher and waits for it instead of flushing itself.
func (m *Manager) WaitForFlush(ctx context.Context, lsn common.LSN) error {
	if m.cfg.SyncMode == SyncModeSync {
		return m.FlushUntil(ctx, lsn)
	}

	for {
		m.bufMu.Lock()
		flushed := m.flushed
		closed := m.closed
		failErr := m.failErr
		m.bufMu.Unlock()

		if m.FlushedLSN() >= lsn {
			return nil
		}
		if failErr != nil {
			return fmt.Errorf("lsn %d was not flushed: %w", lsn, failErr)
		}
		if closed {
			return fmt.Errorf("lsn %d was not flushed: %w", lsn, common.ErrClosed)
		}

		m.notifyFlusher()

		select {
		case <-flushed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) runFlusher() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
		case <-m.wake:
		}

		if err := m.ForceFlush(); err != nil {
			// the log is stopped, nothing is left to flush
			return
		}
	}
}

// CreateCheckpoint flushes the log and records a checkpoint at the last
// durable LSN together with snap. With sync the checkpoint file is
// replaced before returning, otherwise it is written in the background.
func (m *Manager) CreateCheckpoint(ctx context.Context, sync bool, snap Snapshot) (common.LSN, error) {
	ctx, span := m.tel.Tracer.Start(ctx, "wal.checkpoint", trace.WithAttributes(
		attribute.Bool("sync", sync),
		attribute.Int("dirty_pages", len(snap.DirtyPages)),
		attribute.Int("active_txns", len(snap.ActiveTxns)),
	))
	defer span.End()

	if err := m.ForceFlush(); err != nil {
		span.RecordError(err)
		return common.NilLSN, fmt.Errorf("failed to flush log for checkpoint: %w", err)
	}

	state := CheckpointState{
		LSN:       m.FlushedLSN(),
		Timestamp: time.Now(),
		LogID:     m.logID,
		Snapshot:  snap,
	}
	if state.Snapshot.DirtyPages == nil {
		state.Snapshot.DirtyPages = map[common.PageID]common.LSN{}
	}
	if state.Snapshot.ActiveTxns == nil {
		state.Snapshot.ActiveTxns = map[common.TxnID]common.LSN{}
	}

	persist := func() error {
		m.checkpointMu.Lock()
		defer m.checkpointMu.Unlock()

		// a newer checkpoint may have been persisted meanwhile
		if last := m.lastCheckpoint; last.IsSome() && last.Unwrap().LSN > state.LSN {
			return nil
		}
		return writeCheckpointFile(m.fs, m.cfg.checkpointPath(), &state)
	}

	if sync {
		if err := persist(); err != nil {
			span.RecordError(err)
			return common.NilLSN, err
		}
	} else {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := persist(); err != nil {
				m.log.Errorw("failed to persist checkpoint", "lsn", state.LSN, zap.Error(err))
			}
		}()
	}

	m.checkpointMu.Lock()
	m.lastCheckpoint = optional.Some(state)
	m.history = append(m.history, state)
	if extra := len(m.history) - m.cfg.CheckpointHistory; extra > 0 {
		m.history = m.history[extra:]
	}
	m.checkpointMu.Unlock()

	m.checkpoints.Add(1)
	m.tel.Metrics.Checkpoints.Add(ctx, 1)
	m.log.Infow("checkpoint created",
		"lsn", state.LSN,
		"dirty_pages", len(snap.DirtyPages),
		"active_txns", len(snap.ActiveTxns),
		"sync", sync,
	)

	return state.LSN, nil
}

func (m *Manager) LastCheckpoint() optional.Optional[CheckpointState] {
	m.checkpointMu.Lock()
	defer m.checkpointMu.Unlock()

	return m.lastCheckpoint
}

func (m *Manager) CheckpointHistory() []CheckpointState {
	m.checkpointMu.Lock()
	defer m.checkpointMu.Unlock()

	res := make([]CheckpointState, len(m.history))
	copy(res, m.history)
	return res
}

// GetInProgressTransactions returns the transactions that have records but
// no commit or abort record yet.
func (m *Manager) GetInProgressTransactions() map[common.TxnID]common.LSN {
	m.bufMu.Lock()
	defer m.bufMu.Unlock()

	res := make(map[common.TxnID]common.LSN, len(m.lastByTxn))
	for txnID, lsn := range m.lastByTxn {
		res[txnID] = lsn
	}
	return res
}

// LastLSNOf returns the LSN of the last record of an unfinished
// transaction or NilLSN.
func (m *Manager) LastLSNOf(txnID common.TxnID) common.LSN {
	m.bufMu.Lock()
	defer m.bufMu.Unlock()

	return m.lastByTxn[txnID]
}

func (m *Manager) durableSize() int64 {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	return m.fileSize
}

// iterate calls fn for every durable record in LSN order until fn returns
// false.
func (m *Manager) iterate(fn func(rec LogRecord) (bool, error)) error {
	it := newLogIterator(m.file, m.durableSize())
	for {
		rec, _, err := it.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		more, err := fn(rec)
		if err != nil || !more {
			return err
		}
	}
}

// ReadLogRange returns the records with from <= LSN <= to. Buffered
// records are flushed first.
func (m *Manager) ReadLogRange(from, to common.LSN) ([]LogRecord, error) {
	if err := m.ForceFlush(); err != nil {
		return nil, err
	}

	var res []LogRecord
	err := m.iterate(func(rec LogRecord) (bool, error) {
		if rec.LSN > to {
			return false, nil
		}
		if rec.LSN >= from {
			res = append(res, rec)
		}
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read log range [%d, %d]: %w", from, to, err)
	}
	return res, nil
}

// VerifyLogIntegrity checks every durable record's checksum and that LSNs
// are consecutive.
func (m *Manager) VerifyLogIntegrity() error {
	var prev common.LSN
	err := m.iterate(func(rec LogRecord) (bool, error) {
		if rec.LSN != prev+1 {
			return false, fmt.Errorf("%w: lsn %d follows %d", ErrCorruptRecord, rec.LSN, prev)
		}
		prev = rec.LSN
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("log integrity check failed: %w", err)
	}
	return nil
}

// Dump writes one line per durable record to w.
func (m *Manager) Dump(w io.Writer) error {
	return m.iterate(func(rec LogRecord) (bool, error) {
		_, err := fmt.Fprintln(w, rec.String())
		return err == nil, err
	})
}

// Records calls fn for every durable record. It is meant for tooling.
func (m *Manager) Records(fn func(rec LogRecord) error) error {
	return m.iterate(func(rec LogRecord) (bool, error) {
		return true, fn(rec)
	})
}

func (m *Manager) Stats() Stats {
	m.bufMu.Lock()
	pending := m.bufRecords
	m.bufMu.Unlock()

	s := Stats{
		TotalRecords:   m.totalRecords.Load(),
		FlushedRecords: m.flushedRecords.Load(),
		PendingRecords: pending,
		Checkpoints:    m.checkpoints.Load(),
		Flushes:        m.flushes.Load(),
		LastLSN:        m.LastLSN(),
		FlushedLSN:     m.FlushedLSN(),
		SizeBytes:      m.durableSize(),
	}
	if s.Flushes > 0 {
		s.AvgFlushTime = time.Duration(m.flushNanos.Load() / int64(s.Flushes)) //nolint:gosec
	}
	return s
}

// Close flushes the remaining records and closes the log file.
func (m *Manager) Close() error {
	m.bufMu.Lock()
	if m.closed {
		m.bufMu.Unlock()
		return nil
	}
	m.closed = true
	close(m.flushed)
	m.flushed = make(chan struct{})
	m.bufMu.Unlock()

	close(m.stop)
	m.wg.Wait()

	flushErr := m.ForceFlush()

	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	if err := m.file.Close(); err != nil {
		return fmt.Errorf("%w: failed to close log file: %w", common.ErrIO, err)
	}
	return flushErr
}
