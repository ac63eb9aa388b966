package common

import "context"

type noLogs struct{}

var _ LogFlusher = noLogs{}

// NoLogs returns a LogFlusher for page files that are not covered by a log.
func NoLogs() LogFlusher {
	return noLogs{}
}

func (noLogs) FlushedLSN() LSN {
	return NilLSN
}

func (noLogs) FlushUntil(context.Context, LSN) error {
	return nil
}
