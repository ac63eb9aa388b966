package transactions

import (
	"fmt"
	"strings"
	"time"

	"github.com/Blackdeer1524/RelDB/src/pkg/common"
)

type IsolationLevel uint8

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
	Serializable
)

const DefaultIsolation = ReadCommitted

func (l IsolationLevel) String() string {
	switch l {
	case ReadUncommitted:
		return "READ_UNCOMMITTED"
	case ReadCommitted:
		return "READ_COMMITTED"
	case RepeatableRead:
		return "REPEATABLE_READ"
	case Serializable:
		return "SERIALIZABLE"
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(l))
}

func ParseIsolationLevel(s string) (IsolationLevel, error) {
	switch strings.ToUpper(strings.ReplaceAll(s, " ", "_")) {
	case "READ_UNCOMMITTED":
		return ReadUncommitted, nil
	case "READ_COMMITTED", "":
		return ReadCommitted, nil
	case "REPEATABLE_READ":
		return RepeatableRead, nil
	case "SERIALIZABLE":
		return Serializable, nil
	}
	return DefaultIsolation, fmt.Errorf("unknown isolation level %q", s)
}

// HoldsReadLocks reports whether shared locks taken by reads are kept
// until the transaction ends.
func (l IsolationLevel) HoldsReadLocks() bool {
	return l >= RepeatableRead
}

type State uint8

const (
	StateActive State = iota
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateCommitted:
		return "COMMITTED"
	case StateAborted:
		return "ABORTED"
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
}

func (s State) IsTerminal() bool {
	return s != StateActive
}

// Transaction is a point-in-time copy of a transaction's metadata.
type Transaction struct {
	ID        common.TxnID
	State     State
	Isolation IsolationLevel
	StartTime time.Time
	EndTime   time.Time
	FirstLSN  common.LSN
	LastLSN   common.LSN
}
