package txns

import (
	"github.com/Blackdeer1524/RelDB/src/pkg/common"
)

type TxnID = common.TxnID

type TaggedType[T any] struct{ v T } // this trick forbids casting one lock mode to another

type LockMode TaggedType[uint8]

var (
	LockShared    LockMode = LockMode{0}
	LockExclusive LockMode = LockMode{1}
)

func (m LockMode) Compatible(other LockMode) bool {
	return m == LockShared && other == LockShared
}

// Covers reports whether holding m already satisfies a request for other.
func (m LockMode) Covers(other LockMode) bool {
	return m == other || m == LockExclusive
}

func (m LockMode) Upgradable(to LockMode) bool {
	switch m {
	case LockShared:
		return to == LockShared || to == LockExclusive
	case LockExclusive:
		return to == LockExclusive
	}
	return false
}

func (m LockMode) String() string {
	switch m {
	case LockShared:
		return "S"
	case LockExclusive:
		return "X"
	}
	return "?"
}
