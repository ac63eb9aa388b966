package disk

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/RelDB/src/pkg/assert"
	"github.com/Blackdeer1524/RelDB/src/pkg/common"
	"github.com/Blackdeer1524/RelDB/src/storage/page"
)

const PageSize = page.Size

// Manager maps page ids onto fixed offsets of a single data file.
// It does no caching: every call is a positioned read or write.
type Manager struct {
	fs   afero.Fs
	path string
	file afero.File

	// guards numPages and serializes writes with file growth
	mu       sync.RWMutex
	numPages uint64
	closed   bool

	reads  atomic.Uint64
	writes atomic.Uint64
	allocs atomic.Uint64

	log *zap.SugaredLogger
}

type Stats struct {
	Reads       uint64
	Writes      uint64
	Allocations uint64
	NumPages    uint64
}

// New opens the data file at path, creating it (and its directory) if
// needed. A trailing partial page left by an interrupted growth is cut off.
func New(fs afero.Fs, path string, log *zap.SugaredLogger) (*Manager, error) {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: mkdir %s: %w", common.ErrIO, dir, err)
	}

	file, err := fs.OpenFile(filepath.Clean(path), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open data file %s: %w", common.ErrIO, path, err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%w: failed to stat data file %s: %w", common.ErrIO, path, err)
	}

	size := info.Size()
	if rem := size % PageSize; rem != 0 {
		log.Warnw("data file has a partial trailing page, truncating",
			"path", path,
			"size", size,
			"trailing_bytes", rem,
		)

		size -= rem
		if err := file.Truncate(size); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("%w: failed to truncate data file: %w", common.ErrIO, err)
		}
	}

	return &Manager{
		fs:       fs,
		path:     path,
		file:     file,
		numPages: uint64(size / PageSize), //nolint:gosec
		log:      log,
	}, nil
}

func pageOffset(pageID common.PageID) int64 {
	//nolint:gosec
	return int64(pageID) * PageSize
}

// ReadPage fills dst with the image of pageID. Reading a page that was
// never allocated or written fails with ErrIO.
func (m *Manager) ReadPage(pageID common.PageID, dst []byte) error {
	assert.Assert(len(dst) == PageSize, "destination must hold exactly one page")

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return fmt.Errorf("%w: read page %d: %w", common.ErrIO, pageID, common.ErrClosed)
	}

	if uint64(pageID) >= m.numPages {
		return fmt.Errorf(
			"%w: read page %d beyond end of file (%d pages): %w",
			common.ErrIO,
			pageID,
			m.numPages,
			common.ErrPageNotFound,
		)
	}

	if _, err := m.file.ReadAt(dst, pageOffset(pageID)); err != nil {
		return fmt.Errorf("%w: failed to read page %d: %w", common.ErrIO, pageID, err)
	}

	m.reads.Add(1)
	return nil
}

// BatchReadPages reads every page in ids. It stops at the first failure.
func (m *Manager) BatchReadPages(ids []common.PageID) ([][]byte, error) {
	res := make([][]byte, 0, len(ids))
	for _, id := range ids {
		data := make([]byte, PageSize)
		if err := m.ReadPage(id, data); err != nil {
			return nil, err
		}
		res = append(res, data)
	}
	return res, nil
}

// WritePage writes a whole page image at the page offset. Writing past the
// end of the file grows it.
func (m *Manager) WritePage(pageID common.PageID, src []byte) error {
	assert.Assert(len(src) == PageSize, "source must hold exactly one page")

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("%w: write page %d: %w", common.ErrIO, pageID, common.ErrClosed)
	}

	if _, err := m.file.WriteAt(src, pageOffset(pageID)); err != nil {
		return fmt.Errorf("%w: failed to write page %d: %w", common.ErrIO, pageID, err)
	}

	if uint64(pageID) >= m.numPages {
		m.numPages = uint64(pageID) + 1
	}

	m.writes.Add(1)
	return nil
}

// AllocatePage extends the file by one zeroed page and returns its id.
func (m *Manager) AllocatePage() (common.PageID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return common.InvalidPageID, fmt.Errorf("%w: allocate page: %w", common.ErrIO, common.ErrClosed)
	}

	pageID := common.PageID(m.numPages)

	zero := make([]byte, PageSize)
	if _, err := m.file.WriteAt(zero, pageOffset(pageID)); err != nil {
		return common.InvalidPageID, fmt.Errorf(
			"%w: failed to allocate page %d: %w",
			common.ErrIO,
			pageID,
			err,
		)
	}

	m.numPages++
	m.allocs.Add(1)

	m.log.Debugw("allocated page", "page_id", pageID)
	return pageID, nil
}

func (m *Manager) NumPages() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.numPages
}

func (m *Manager) FileSize() int64 {
	return int64(m.NumPages()) * PageSize //nolint:gosec
}

func (m *Manager) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}

	if err := m.file.Sync(); err != nil {
		return fmt.Errorf("%w: failed to sync data file: %w", common.ErrIO, err)
	}
	return nil
}

func (m *Manager) Stats() Stats {
	return Stats{
		Reads:       m.reads.Load(),
		Writes:      m.writes.Load(),
		Allocations: m.allocs.Load(),
		NumPages:    m.NumPages(),
	}
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	if err := m.file.Sync(); err != nil {
		_ = m.file.Close()
		return fmt.Errorf("%w: failed to sync data file: %w", common.ErrIO, err)
	}

	if err := m.file.Close(); err != nil {
		return fmt.Errorf("%w: failed to close data file: %w", common.ErrIO, err)
	}
	return nil
}
