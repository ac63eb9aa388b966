package recovery

import (
	"bufio"
	"io"
)

// logIterator walks the framed records of a log file in LSN order.
type logIterator struct {
	rd     *bufio.Reader
	offset int64
}

func newLogIterator(src io.ReaderAt, size int64) *logIterator {
	start := int64(logHeaderSize)
	return &logIterator{
		rd:     bufio.NewReaderSize(io.NewSectionReader(src, start, size-start), 64<<10),
		offset: start,
	}
}

// Next returns io.EOF once the last complete record was read. Offset is
// only advanced past records that decoded successfully. On error the
// second result is the span the failed frame claims.
func (it *logIterator) Next() (LogRecord, int64, error) {
	rec, n, err := readFrame(it.rd)
	if err != nil {
		return LogRecord{}, n, err
	}

	it.offset += n
	return rec, n, nil
}

// Offset is the file offset right after the last record returned by Next.
func (it *logIterator) Offset() int64 {
	return it.offset
}
