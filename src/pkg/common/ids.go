package common

import (
	"fmt"
	"math"
)

type PageID uint64

// InvalidPageID marks log records that carry no physical page target.
const InvalidPageID = PageID(math.MaxUint64)

func (p PageID) IsValid() bool {
	return p != InvalidPageID
}

func (p PageID) String() string {
	if !p.IsValid() {
		return "page<invalid>"
	}
	return fmt.Sprintf("page<%d>", uint64(p))
}

// LockKey is the default lock resource name of a whole page.
func (p PageID) LockKey() string {
	return fmt.Sprintf("page/%d", uint64(p))
}

/* a monotonically increasing counter. It is guaranteed to be unique between
 * transactions of one process and is reseeded after recovery */
type TxnID uint64

const NilTxnID = TxnID(0)

type FrameID uint64
