package bufferpool

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/Blackdeer1524/RelDB/src/pkg/common"
)

type MockDiskManager struct {
	mock.Mock
}

var _ DiskManager = &MockDiskManager{}

func (m *MockDiskManager) ReadPage(pageID common.PageID, dst []byte) error {
	args := m.Called(pageID, dst)
	return args.Error(0)
}

func (m *MockDiskManager) WritePage(pageID common.PageID, src []byte) error {
	args := m.Called(pageID, src)
	return args.Error(0)
}

func (m *MockDiskManager) AllocatePage() (common.PageID, error) {
	args := m.Called()
	return args.Get(0).(common.PageID), args.Error(1)
}

type MockLogFlusher struct {
	mock.Mock
}

var _ common.LogFlusher = &MockLogFlusher{}

func (m *MockLogFlusher) FlushedLSN() common.LSN {
	args := m.Called()
	return args.Get(0).(common.LSN)
}

func (m *MockLogFlusher) FlushUntil(ctx context.Context, lsn common.LSN) error {
	args := m.Called(ctx, lsn)
	return args.Error(0)
}
