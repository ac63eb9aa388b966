package common

import (
	"github.com/go-faster/errors"
)

var (
	ErrIO                      = errors.New("io error")
	ErrBufferPoolFull          = errors.New("buffer pool full")
	ErrLockTimeout             = errors.New("lock timeout")
	ErrDeadlock                = errors.New("deadlock")
	ErrInvalidTransactionState = errors.New("invalid transaction state")
	ErrRecovery                = errors.New("recovery failed")
	ErrPageNotFound            = errors.New("page not found")
	ErrClosed                  = errors.New("closed")
)

// ErrLatchTimeout is reported when an internal latch could not be taken in
// time. Callers treat it as a lock timeout.
var ErrLatchTimeout = latchTimeoutError{}

type latchTimeoutError struct{}

func (latchTimeoutError) Error() string {
	return "latch timeout"
}

func (latchTimeoutError) Is(target error) bool {
	return target == ErrLockTimeout
}

// IsTransient reports whether the operation may succeed if retried later.
func IsTransient(err error) bool {
	return errors.Is(err, ErrLockTimeout) ||
		errors.Is(err, ErrBufferPoolFull) ||
		errors.Is(err, ErrDeadlock)
}
