package recovery

import (
	"slices"

	"github.com/Blackdeer1524/RelDB/src/pkg/common"
)

type TxnStatus byte

const (
	TxnStatusInProgress TxnStatus = iota
	TxnStatusCommitted
	TxnStatusAborted
)

func (s TxnStatus) String() string {
	switch s {
	case TxnStatusInProgress:
		return "IN_PROGRESS"
	case TxnStatusCommitted:
		return "COMMITTED"
	case TxnStatusAborted:
		return "ABORTED"
	}
	return "UNKNOWN"
}

type ATTEntry struct {
	Status   TxnStatus
	FirstLSN common.LSN
	LastLSN  common.LSN

	// page changes not yet compensated, in LSN order
	changes     []LogRecord
	compensated map[common.LSN]struct{}
}

// ActiveTransactionsTable tracks the fate of every transaction seen during
// log analysis.
type ActiveTransactionsTable struct {
	table map[common.TxnID]*ATTEntry
}

func NewATT() ActiveTransactionsTable {
	return ActiveTransactionsTable{
		table: map[common.TxnID]*ATTEntry{},
	}
}

// Insert accounts rec to its transaction. It returns true iff it is the
// first record seen for the transaction.
func (att *ActiveTransactionsTable) Insert(rec LogRecord) bool {
	entry, ok := att.table[rec.TxnID]
	if !ok {
		entry = &ATTEntry{
			Status:      TxnStatusInProgress,
			FirstLSN:    rec.LSN,
			compensated: map[common.LSN]struct{}{},
		}
		att.table[rec.TxnID] = entry
	}
	entry.LastLSN = rec.LSN

	switch rec.Type {
	case TypeCommit:
		entry.Status = TxnStatusCommitted
	case TypeAbort:
		entry.Status = TxnStatusAborted
	case TypeUpdate, TypeInsert, TypeDelete:
		entry.changes = append(entry.changes, rec)
	case TypeCompensate:
		entry.compensated[rec.UndoLSN] = struct{}{}
	}
	return !ok
}

func (att *ActiveTransactionsTable) Get(txnID common.TxnID) (ATTEntry, bool) {
	entry, ok := att.table[txnID]
	if !ok {
		return ATTEntry{}, false
	}
	return *entry, true
}

// WithStatus returns the sorted ids of the transactions in status s.
func (att *ActiveTransactionsTable) WithStatus(s TxnStatus) []common.TxnID {
	res := []common.TxnID{}
	for txnID, entry := range att.table {
		if entry.Status == s {
			res = append(res, txnID)
		}
	}
	slices.Sort(res)
	return res
}

// PendingUndo returns the changes of txnID that still have to be
// compensated, newest first.
func (att *ActiveTransactionsTable) PendingUndo(txnID common.TxnID) []LogRecord {
	entry, ok := att.table[txnID]
	if !ok {
		return nil
	}

	res := make([]LogRecord, 0, len(entry.changes))
	for i := len(entry.changes) - 1; i >= 0; i-- {
		rec := entry.changes[i]
		if _, done := entry.compensated[rec.LSN]; !done {
			res = append(res, rec)
		}
	}
	return res
}

func (att *ActiveTransactionsTable) MaxTxnID() common.TxnID {
	var res common.TxnID
	for txnID := range att.table {
		res = max(res, txnID)
	}
	return res
}
