package page

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/Blackdeer1524/RelDB/src/pkg/common"
	"github.com/Blackdeer1524/RelDB/src/pkg/latch"
)

// Page layout:
//
//	+----------------+------------------------------------+
//	| page LSN (8B)  | payload (Size - HeaderSize bytes)  |
//	+----------------+------------------------------------+
//
// The page LSN is the LSN of the last log record whose change is reflected
// in the page image. Offsets passed to Read and Write are payload-relative.
const (
	Size        = 4096
	HeaderSize  = 8
	PayloadSize = Size - HeaderSize
)

type Page struct {
	id    common.PageID
	data  [Size]byte
	latch *latch.RWLatch
}

func New(id common.PageID) *Page {
	return &Page{
		id:    id,
		latch: latch.NewRWLatch(),
	}
}

func (p *Page) ID() common.PageID {
	return p.id
}

// Reset binds the page to another id and zeroes its contents. The caller
// must hold the page exclusively.
func (p *Page) Reset(id common.PageID) {
	p.id = id
	clear(p.data[:])
}

// Data returns the whole page image including the header.
func (p *Page) Data() []byte {
	return p.data[:]
}

func (p *Page) SetData(data []byte) {
	copy(p.data[:], data)
}

func (p *Page) LSN() common.LSN {
	return common.LSN(binary.BigEndian.Uint64(p.data[:HeaderSize]))
}

func (p *Page) SetLSN(lsn common.LSN) {
	binary.BigEndian.PutUint64(p.data[:HeaderSize], uint64(lsn))
}

func checkBounds(offset uint16, n int) error {
	if int(offset)+n > PayloadSize {
		return fmt.Errorf(
			"range [%d, %d) is out of page payload bounds (%d)",
			offset,
			int(offset)+n,
			PayloadSize,
		)
	}
	return nil
}

// Read returns a copy of n payload bytes starting at offset.
func (p *Page) Read(offset uint16, n int) ([]byte, error) {
	if err := checkBounds(offset, n); err != nil {
		return nil, err
	}

	res := make([]byte, n)
	copy(res, p.data[HeaderSize+int(offset):])
	return res, nil
}

func (p *Page) Write(offset uint16, data []byte) error {
	if err := checkBounds(offset, len(data)); err != nil {
		return err
	}

	copy(p.data[HeaderSize+int(offset):], data)
	return nil
}

func (p *Page) Lock(ctx context.Context, timeout time.Duration) error {
	return p.latch.Lock(ctx, timeout)
}

func (p *Page) Unlock() {
	p.latch.Unlock()
}

func (p *Page) RLock(ctx context.Context, timeout time.Duration) error {
	return p.latch.RLock(ctx, timeout)
}

func (p *Page) RUnlock() {
	p.latch.RUnlock()
}
