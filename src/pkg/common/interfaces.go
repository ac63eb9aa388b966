package common

import "context"

// LogFlusher is the part of the write-ahead log the buffer pool depends on.
// A page image must never reach disk before the log is durable up to the
// page LSN.
type LogFlusher interface {
	FlushedLSN() LSN
	FlushUntil(ctx context.Context, lsn LSN) error
}
