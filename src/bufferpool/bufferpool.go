package bufferpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/panjf2000/ants"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/RelDB/src/pkg/assert"
	"github.com/Blackdeer1524/RelDB/src/pkg/common"
	"github.com/Blackdeer1524/RelDB/src/pkg/latch"
	"github.com/Blackdeer1524/RelDB/src/pkg/telemetry"
	"github.com/Blackdeer1524/RelDB/src/storage/page"
)

var (
	ErrNoSuchPage = errors.New("no such page")
	ErrPagePinned = errors.New("page is pinned")
)

type Replacer interface {
	Pin(frameID common.FrameID)
	Unpin(frameID common.FrameID)
	Remove(frameID common.FrameID)
	ChooseVictim() (common.FrameID, error)
	GetSize() uint64
}

type DiskManager interface {
	ReadPage(pageID common.PageID, dst []byte) error
	WritePage(pageID common.PageID, src []byte) error
	AllocatePage() (common.PageID, error)
}

type BufferPool interface {
	FetchPage(ctx context.Context, pageID common.PageID) (*page.Page, error)
	NewPage(ctx context.Context) (*page.Page, common.PageID, error)
	UnpinPage(pageID common.PageID, isDirty bool) error
	MarkDirty(pageID common.PageID, lsn common.LSN) error
	FlushPage(ctx context.Context, pageID common.PageID) error
	FlushAllPages(ctx context.Context) error
	DirtyPageTable() map[common.PageID]common.LSN
}

type Config struct {
	PoolSize uint64
	// how long a fetch waits for some frame to become unpinned
	FrameWaitTimeout time.Duration
	// bounds page latch and pool latch acquisition
	LatchTimeout       time.Duration
	ConfigLatchTimeout time.Duration
	PrefetchWorkers    int
}

type frame struct {
	id       common.FrameID
	page     *page.Page
	pinCount int
	isDirty  bool
	// LSN of the first change made since the page was last written back
	recLSN common.LSN
}

type Stats struct {
	PoolSize  uint64
	Resident  uint64
	Pinned    uint64
	Dirty     uint64
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Flushes   uint64
}

func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Manager caches disk pages in a bounded set of frames.
//
// Latch order: cfgLatch -> slowPath -> fastPath -> page latch -> log.
// cfgLatch is taken shared by every fetch and exclusively by Resize.
// slowPath serializes misses, which perform disk IO, so that a page is
// never loaded into two frames. fastPath guards the frame metadata and is
// never held across IO.
type Manager struct {
	cfg Config

	cfgLatch *latch.RWLatch
	slowPath *latch.RWLatch

	fastPath    sync.Mutex
	pageTable   map[common.PageID]*frame
	frames      map[common.FrameID]*frame
	emptyFrames []*frame
	nextFrameID common.FrameID
	// closed and replaced every time a frame becomes available
	frameFreed chan struct{}

	hits, misses, evictions, flushes uint64

	replacer    Replacer
	diskManager DiskManager
	logs        common.LogFlusher

	prefetchPool *ants.Pool
	prefetchWg   sync.WaitGroup

	log *zap.SugaredLogger
	tel *telemetry.Telemetry
}

var (
	_ BufferPool = &Manager{}
)

func New(
	cfg Config,
	replacer Replacer,
	diskManager DiskManager,
	logs common.LogFlusher,
	log *zap.SugaredLogger,
	tel *telemetry.Telemetry,
) (*Manager, error) {
	assert.Assert(cfg.PoolSize > 0, "pool size must be greater than zero")

	workers := cfg.PrefetchWorkers
	if workers <= 0 {
		workers = 1
	}

	prefetchPool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("failed to create prefetch pool: %w", err)
	}

	m := &Manager{
		cfg:          cfg,
		cfgLatch:     latch.NewRWLatch(),
		slowPath:     latch.NewRWLatch(),
		pageTable:    make(map[common.PageID]*frame),
		frames:       make(map[common.FrameID]*frame),
		frameFreed:   make(chan struct{}),
		replacer:     replacer,
		diskManager:  diskManager,
		logs:         logs,
		prefetchPool: prefetchPool,
		log:          log,
		tel:          tel,
	}

	m.addFramesLocked(cfg.PoolSize)

	return m, nil
}

func (m *Manager) addFramesLocked(n uint64) {
	for range n {
		f := &frame{
			id:   m.nextFrameID,
			page: page.New(common.InvalidPageID),
		}
		m.nextFrameID++

		m.frames[f.id] = f
		m.emptyFrames = append(m.emptyFrames, f)
	}
	m.notifyFrameFreedLocked()
}

func (m *Manager) notifyFrameFreedLocked() {
	close(m.frameFreed)
	m.frameFreed = make(chan struct{})
}

func (m *Manager) pinLocked(f *frame) {
	f.pinCount++
	m.replacer.Pin(f.id)
}

func (m *Manager) unpinLocked(f *frame) {
	assert.Assert(f.pinCount > 0, "invalid pin count of page %d", f.page.ID())

	f.pinCount--
	if f.pinCount == 0 {
		m.replacer.Unpin(f.id)
		m.notifyFrameFreedLocked()
	}
}

func (m *Manager) markDirtyLocked(f *frame, lsn common.LSN) {
	f.isDirty = true
	if f.recLSN.IsNil() || (!lsn.IsNil() && lsn < f.recLSN) {
		f.recLSN = lsn
	}
}

func (m *Manager) lockShared(ctx context.Context) error {
	if err := m.cfgLatch.RLock(ctx, m.cfg.ConfigLatchTimeout); err != nil {
		return fmt.Errorf("failed to take configuration latch: %w", err)
	}
	return nil
}

// FetchPage returns the page pinned. The caller must call UnpinPage
// exactly once per successful fetch.
func (m *Manager) FetchPage(ctx context.Context, pageID common.PageID) (*page.Page, error) {
	if err := m.lockShared(ctx); err != nil {
		return nil, err
	}
	defer m.cfgLatch.RUnlock()

	if p, ok := m.tryHit(ctx, pageID); ok {
		return p, nil
	}

	if err := m.slowPath.Lock(ctx, m.cfg.FrameWaitTimeout+m.cfg.LatchTimeout); err != nil {
		return nil, fmt.Errorf("failed to take pool latch for page %d: %w", pageID, err)
	}
	defer m.slowPath.Unlock()

	// the page could have been loaded while we were waiting
	if p, ok := m.tryHit(ctx, pageID); ok {
		return p, nil
	}

	f, err := m.acquireFrame(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch page %d: %w", pageID, err)
	}

	f.page.Reset(pageID)
	if err := m.diskManager.ReadPage(pageID, f.page.Data()); err != nil {
		m.releaseFrame(f)
		return nil, fmt.Errorf("failed to read page %d: %w", pageID, err)
	}

	m.fastPath.Lock()
	m.pageTable[pageID] = f
	m.misses++
	m.fastPath.Unlock()

	m.tel.Metrics.PageMisses.Add(ctx, 1)

	return f.page, nil
}

func (m *Manager) tryHit(ctx context.Context, pageID common.PageID) (*page.Page, bool) {
	m.fastPath.Lock()
	defer m.fastPath.Unlock()

	f, ok := m.pageTable[pageID]
	if !ok {
		return nil, false
	}

	m.pinLocked(f)
	m.hits++
	m.tel.Metrics.PageHits.Add(ctx, 1)

	return f.page, true
}

// BatchFetchPages fetches every page in ids. On failure the pages fetched
// so far are unpinned.
func (m *Manager) BatchFetchPages(ctx context.Context, ids []common.PageID) ([]*page.Page, error) {
	res := make([]*page.Page, 0, len(ids))
	for _, id := range ids {
		p, err := m.FetchPage(ctx, id)
		if err != nil {
			for _, fetched := range res {
				_ = m.UnpinPage(fetched.ID(), false)
			}
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}

// NewPage allocates a page on disk and returns it pinned and zeroed.
func (m *Manager) NewPage(ctx context.Context) (*page.Page, common.PageID, error) {
	if err := m.lockShared(ctx); err != nil {
		return nil, common.InvalidPageID, err
	}
	defer m.cfgLatch.RUnlock()

	if err := m.slowPath.Lock(ctx, m.cfg.FrameWaitTimeout+m.cfg.LatchTimeout); err != nil {
		return nil, common.InvalidPageID, fmt.Errorf("failed to take pool latch: %w", err)
	}
	defer m.slowPath.Unlock()

	f, err := m.acquireFrame(ctx)
	if err != nil {
		return nil, common.InvalidPageID, fmt.Errorf("failed to create page: %w", err)
	}

	pageID, err := m.diskManager.AllocatePage()
	if err != nil {
		m.releaseFrame(f)
		return nil, common.InvalidPageID, fmt.Errorf("failed to allocate page: %w", err)
	}

	f.page.Reset(pageID)

	m.fastPath.Lock()
	m.pageTable[pageID] = f
	m.fastPath.Unlock()

	return f.page, pageID, nil
}

// acquireFrame returns a frame that belongs to no page and is pinned once.
// It takes an empty frame if there is one, otherwise it evicts the least
// recently used unpinned page, writing it back first if it is dirty. When
// every frame is pinned it waits up to FrameWaitTimeout for an unpin.
//
// Preconditions:
//   - slowPath is held by the caller.
func (m *Manager) acquireFrame(ctx context.Context) (*frame, error) {
	start := time.Now()
	timer := time.NewTimer(m.cfg.FrameWaitTimeout)
	defer timer.Stop()

	for {
		m.fastPath.Lock()
		if n := len(m.emptyFrames); n > 0 {
			f := m.emptyFrames[n-1]
			m.emptyFrames = m.emptyFrames[:n-1]
			f.pinCount = 1
			m.fastPath.Unlock()

			return f, nil
		}

		victimID, err := m.replacer.ChooseVictim()
		if err == nil {
			f := m.frames[victimID]
			assert.Assert(f.pinCount == 0, "victim frame %d is pinned", victimID)

			victimPageID := f.page.ID()
			delete(m.pageTable, victimPageID)
			f.pinCount = 1
			m.fastPath.Unlock()

			if err := m.writeBack(ctx, f); err != nil {
				m.fastPath.Lock()
				f.pinCount = 0
				m.pageTable[victimPageID] = f
				m.replacer.Unpin(f.id)
				m.fastPath.Unlock()

				return nil, fmt.Errorf("failed to evict page %d: %w", victimPageID, err)
			}

			m.fastPath.Lock()
			m.evictions++
			m.fastPath.Unlock()

			m.tel.Metrics.Evictions.Add(ctx, 1)
			m.log.Debugw("evicted page", "page_id", victimPageID, "frame_id", f.id)

			return f, nil
		}

		freed := m.frameFreed
		m.fastPath.Unlock()

		select {
		case <-freed:
		case <-timer.C:
			m.tel.Metrics.FrameWaitsMs.Record(ctx, float64(time.Since(start).Milliseconds()))
			return nil, fmt.Errorf(
				"%w: no unpinned frame after %s",
				common.ErrBufferPoolFull,
				m.cfg.FrameWaitTimeout,
			)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// releaseFrame returns a frame obtained from acquireFrame that was not
// installed into the page table.
func (m *Manager) releaseFrame(f *frame) {
	m.fastPath.Lock()
	defer m.fastPath.Unlock()

	f.pinCount = 0
	f.isDirty = false
	f.recLSN = common.NilLSN
	f.page.Reset(common.InvalidPageID)
	m.emptyFrames = append(m.emptyFrames, f)
	m.notifyFrameFreedLocked()
}

// writeBack writes the frame's page to disk if it is dirty. The log is
// made durable up to the page LSN first.
func (m *Manager) writeBack(ctx context.Context, f *frame) error {
	if err := f.page.RLock(ctx, m.cfg.LatchTimeout); err != nil {
		return fmt.Errorf("failed to latch page %d: %w", f.page.ID(), err)
	}

	m.fastPath.Lock()
	wasDirty, recLSN := f.isDirty, f.recLSN
	f.isDirty = false
	f.recLSN = common.NilLSN
	m.fastPath.Unlock()

	if !wasDirty {
		f.page.RUnlock()
		return nil
	}

	pageID := f.page.ID()
	pageLSN := f.page.LSN()
	image := make([]byte, page.Size)
	copy(image, f.page.Data())
	f.page.RUnlock()

	restore := func() {
		m.fastPath.Lock()
		m.markDirtyLocked(f, recLSN)
		m.fastPath.Unlock()
	}

	if pageLSN > m.logs.FlushedLSN() {
		if err := m.logs.FlushUntil(ctx, pageLSN); err != nil {
			restore()
			return fmt.Errorf("failed to flush log up to %d: %w", pageLSN, err)
		}
	}

	if err := m.diskManager.WritePage(pageID, image); err != nil {
		restore()
		return fmt.Errorf("failed to write page to disk: %w", err)
	}

	m.fastPath.Lock()
	m.flushes++
	m.fastPath.Unlock()

	m.tel.Metrics.PageFlushes.Add(ctx, 1)
	return nil
}

func (m *Manager) UnpinPage(pageID common.PageID, isDirty bool) error {
	m.fastPath.Lock()
	defer m.fastPath.Unlock()

	f, ok := m.pageTable[pageID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoSuchPage, pageID)
	}

	if isDirty && !f.isDirty {
		m.markDirtyLocked(f, f.page.LSN())
	}
	m.unpinLocked(f)

	return nil
}

// MarkDirty records that the change logged under lsn was applied to the
// page. The caller must hold the page pinned.
func (m *Manager) MarkDirty(pageID common.PageID, lsn common.LSN) error {
	m.fastPath.Lock()
	defer m.fastPath.Unlock()

	f, ok := m.pageTable[pageID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoSuchPage, pageID)
	}
	assert.Assert(f.pinCount > 0, "page %d must be pinned to be dirtied", pageID)

	m.markDirtyLocked(f, lsn)
	return nil
}

// pinResident pins the page if it is in the pool. Used by flushes so that
// the frame can not be reused under them.
func (m *Manager) pinResident(pageID common.PageID) (*frame, bool) {
	m.fastPath.Lock()
	defer m.fastPath.Unlock()

	f, ok := m.pageTable[pageID]
	if !ok {
		return nil, false
	}
	m.pinLocked(f)
	return f, true
}

func (m *Manager) FlushPage(ctx context.Context, pageID common.PageID) error {
	f, ok := m.pinResident(pageID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoSuchPage, pageID)
	}
	defer func() {
		m.fastPath.Lock()
		m.unpinLocked(f)
		m.fastPath.Unlock()
	}()

	return m.writeBack(ctx, f)
}

func (m *Manager) FlushAllPages(ctx context.Context) error {
	m.fastPath.Lock()
	resident := make([]*frame, 0, len(m.pageTable))
	for _, f := range m.pageTable {
		if !f.isDirty {
			continue
		}
		m.pinLocked(f)
		resident = append(resident, f)
	}
	m.fastPath.Unlock()

	var firstErr error
	for _, f := range resident {
		if firstErr == nil {
			firstErr = m.writeBack(ctx, f)
		}

		m.fastPath.Lock()
		m.unpinLocked(f)
		m.fastPath.Unlock()
	}

	if firstErr != nil {
		return fmt.Errorf("failed to flush all pages: %w", firstErr)
	}
	return nil
}

// DeletePage drops an unpinned page from the pool, writing it back first
// if it is dirty. Deleting a page that is not resident is a no-op.
func (m *Manager) DeletePage(ctx context.Context, pageID common.PageID) error {
	if err := m.lockShared(ctx); err != nil {
		return err
	}
	defer m.cfgLatch.RUnlock()

	m.fastPath.Lock()
	f, ok := m.pageTable[pageID]
	if !ok {
		m.fastPath.Unlock()
		return nil
	}
	if f.pinCount > 0 {
		m.fastPath.Unlock()
		return fmt.Errorf("%w: %d (pin count %d)", ErrPagePinned, pageID, f.pinCount)
	}
	delete(m.pageTable, pageID)
	m.replacer.Remove(f.id)
	f.pinCount = 1
	m.fastPath.Unlock()

	if err := m.writeBack(ctx, f); err != nil {
		m.fastPath.Lock()
		f.pinCount = 0
		m.pageTable[pageID] = f
		m.replacer.Unpin(f.id)
		m.fastPath.Unlock()
		return err
	}

	m.releaseFrame(f)
	return nil
}

// PrefetchPage warms the pool with the page in the background. Failures
// are logged and otherwise ignored.
func (m *Manager) PrefetchPage(pageID common.PageID) {
	m.prefetchWg.Add(1)
	err := m.prefetchPool.Submit(func() {
		defer m.prefetchWg.Done()

		ctx, cancel := context.WithTimeout(
			context.Background(),
			m.cfg.ConfigLatchTimeout+m.cfg.FrameWaitTimeout+m.cfg.LatchTimeout,
		)
		defer cancel()

		if _, err := m.FetchPage(ctx, pageID); err != nil {
			m.log.Debugw("prefetch failed", "page_id", pageID, zap.Error(err))
			return
		}
		_ = m.UnpinPage(pageID, false)
	})
	if err != nil {
		m.prefetchWg.Done()
		m.log.Debugw("prefetch rejected", "page_id", pageID, zap.Error(err))
	}
}

func (m *Manager) BatchPrefetch(ids []common.PageID) {
	for _, id := range ids {
		m.PrefetchPage(id)
	}
}

// Resize changes the number of frames. Shrinking evicts unpinned pages and
// fails with ErrBufferPoolFull, leaving the pool unchanged, when too many
// pages are pinned.
func (m *Manager) Resize(ctx context.Context, poolSize uint64) error {
	assert.Assert(poolSize > 0, "pool size must be greater than zero")

	if err := m.cfgLatch.Lock(ctx, m.cfg.ConfigLatchTimeout); err != nil {
		return fmt.Errorf("failed to take configuration latch: %w", err)
	}
	defer m.cfgLatch.Unlock()

	m.fastPath.Lock()
	current := uint64(len(m.frames))
	if poolSize >= current {
		m.addFramesLocked(poolSize - current)
		m.cfg.PoolSize = poolSize
		m.fastPath.Unlock()

		m.log.Infow("buffer pool resized", "from", current, "to", poolSize)
		return nil
	}

	toDrop := current - poolSize
	evictable := uint64(len(m.emptyFrames)) + m.replacer.GetSize()
	if evictable < toDrop {
		m.fastPath.Unlock()
		return fmt.Errorf(
			"%w: can not shrink to %d frames, only %d of %d are unpinned",
			common.ErrBufferPoolFull,
			poolSize,
			evictable,
			current,
		)
	}

	for toDrop > 0 && len(m.emptyFrames) > 0 {
		f := m.emptyFrames[len(m.emptyFrames)-1]
		m.emptyFrames = m.emptyFrames[:len(m.emptyFrames)-1]
		delete(m.frames, f.id)
		toDrop--
	}

	// victims stay in frames until their pages are safely on disk
	victims := make([]*frame, 0, toDrop)
	for ; toDrop > 0; toDrop-- {
		victimID, err := m.replacer.ChooseVictim()
		assert.Assert(err == nil, "evictable frames disappeared during resize")

		f := m.frames[victimID]
		delete(m.pageTable, f.page.ID())
		f.pinCount = 1
		victims = append(victims, f)
	}
	m.fastPath.Unlock()

	var (
		firstErr error
		failed   []*frame
	)
	for _, f := range victims {
		if err := m.writeBack(ctx, f); err != nil {
			failed = append(failed, f)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	m.fastPath.Lock()
	for _, f := range victims {
		delete(m.frames, f.id)
	}
	for _, f := range failed {
		// keep the dirty page resident, the pool stays larger than asked
		f.pinCount = 0
		m.frames[f.id] = f
		m.pageTable[f.page.ID()] = f
		m.replacer.Unpin(f.id)
	}
	if len(failed) > 0 {
		m.notifyFrameFreedLocked()
	}
	m.cfg.PoolSize = uint64(len(m.frames))
	size := m.cfg.PoolSize
	m.fastPath.Unlock()

	m.log.Infow("buffer pool resized",
		"from", current,
		"to", size,
		"evicted", len(victims)-len(failed),
	)

	if firstErr != nil {
		return fmt.Errorf(
			"%w: failed to write back evicted page, %d pages kept: %w",
			common.ErrIO,
			len(failed),
			firstErr,
		)
	}
	return nil
}

// DirtyPageTable returns the recLSN of every dirty resident page.
func (m *Manager) DirtyPageTable() map[common.PageID]common.LSN {
	m.fastPath.Lock()
	defer m.fastPath.Unlock()

	res := make(map[common.PageID]common.LSN)
	for pageID, f := range m.pageTable {
		if f.isDirty {
			res[pageID] = f.recLSN
		}
	}
	return res
}

func (m *Manager) IsResident(pageID common.PageID) bool {
	m.fastPath.Lock()
	defer m.fastPath.Unlock()

	_, ok := m.pageTable[pageID]
	return ok
}

func (m *Manager) PinCount(pageID common.PageID) int {
	m.fastPath.Lock()
	defer m.fastPath.Unlock()

	f, ok := m.pageTable[pageID]
	if !ok {
		return 0
	}
	return f.pinCount
}

func (m *Manager) Stats() Stats {
	m.fastPath.Lock()
	defer m.fastPath.Unlock()

	s := Stats{
		PoolSize:  uint64(len(m.frames)),
		Resident:  uint64(len(m.pageTable)),
		Hits:      m.hits,
		Misses:    m.misses,
		Evictions: m.evictions,
		Flushes:   m.flushes,
	}
	for _, f := range m.pageTable {
		if f.pinCount > 0 {
			s.Pinned++
		}
		if f.isDirty {
			s.Dirty++
		}
	}
	return s
}

// Close waits for in-flight prefetches and stops the prefetch workers. It
// does not flush: callers flush explicitly so that write-back errors are
// observed.
func (m *Manager) Close() {
	m.prefetchWg.Wait()
	m.prefetchPool.Release()
}
