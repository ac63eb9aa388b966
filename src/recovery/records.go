package recovery

import (
	"fmt"
	"time"

	"github.com/Blackdeer1524/RelDB/src/pkg/common"
)

type LogRecordTypeTag byte

// Type tags for each log record type. The values are persisted.
const (
	TypeBegin LogRecordTypeTag = iota + 1
	TypeUpdate
	TypeInsert
	TypeDelete
	TypeCommit
	TypeAbort
	TypeCompensate
)

func (t LogRecordTypeTag) String() string {
	switch t {
	case TypeBegin:
		return "BEGIN"
	case TypeUpdate:
		return "UPDATE"
	case TypeInsert:
		return "INSERT"
	case TypeDelete:
		return "DELETE"
	case TypeCommit:
		return "COMMIT"
	case TypeAbort:
		return "ABORT"
	case TypeCompensate:
		return "COMPENSATE"
	}
	return fmt.Sprintf("UNKNOWN(%d)", byte(t))
}

func (t LogRecordTypeTag) isValid() bool {
	return t >= TypeBegin && t <= TypeCompensate
}

// IsRedoable reports whether records of this type carry a page change.
func (t LogRecordTypeTag) IsRedoable() bool {
	switch t {
	case TypeUpdate, TypeInsert, TypeDelete, TypeCompensate:
		return true
	}
	return false
}

// LogRecord is one entry of the write-ahead log.
//
// Physical records (Update, Insert, Delete, Compensate) target PageID and
// write After at the payload Offset. Delete records carry the removed bytes
// in Before and zeroes in After. A Compensate record undoes the record at
// UndoLSN.
type LogRecord struct {
	LSN       common.LSN
	TxnID     common.TxnID
	Type      LogRecordTypeTag
	Timestamp time.Time
	Key       string
	PrevLSN   common.LSN

	PageID  common.PageID
	Offset  uint16
	UndoLSN common.LSN

	Before []byte
	After  []byte
}

func NewBeginRecord(txnID common.TxnID) LogRecord {
	return LogRecord{TxnID: txnID, Type: TypeBegin, PageID: common.InvalidPageID}
}

func NewCommitRecord(txnID common.TxnID) LogRecord {
	return LogRecord{TxnID: txnID, Type: TypeCommit, PageID: common.InvalidPageID}
}

func NewAbortRecord(txnID common.TxnID) LogRecord {
	return LogRecord{TxnID: txnID, Type: TypeAbort, PageID: common.InvalidPageID}
}

func NewUpdateRecord(
	txnID common.TxnID,
	key string,
	pageID common.PageID,
	offset uint16,
	before, after []byte,
) LogRecord {
	return LogRecord{
		TxnID:  txnID,
		Type:   TypeUpdate,
		Key:    key,
		PageID: pageID,
		Offset: offset,
		Before: before,
		After:  after,
	}
}

func NewInsertRecord(
	txnID common.TxnID,
	key string,
	pageID common.PageID,
	offset uint16,
	before, value []byte,
) LogRecord {
	return LogRecord{
		TxnID:  txnID,
		Type:   TypeInsert,
		Key:    key,
		PageID: pageID,
		Offset: offset,
		Before: before,
		After:  value,
	}
}

func NewDeleteRecord(
	txnID common.TxnID,
	key string,
	pageID common.PageID,
	offset uint16,
	before []byte,
) LogRecord {
	return LogRecord{
		TxnID:  txnID,
		Type:   TypeDelete,
		Key:    key,
		PageID: pageID,
		Offset: offset,
		Before: before,
		After:  make([]byte, len(before)),
	}
}

// NewCompensateRecord builds the record that undoes rec: it writes the
// before image of rec back.
func NewCompensateRecord(rec LogRecord) LogRecord {
	return LogRecord{
		TxnID:   rec.TxnID,
		Type:    TypeCompensate,
		Key:     rec.Key,
		PageID:  rec.PageID,
		Offset:  rec.Offset,
		UndoLSN: rec.LSN,
		Before:  rec.After,
		After:   rec.Before,
	}
}

func (r LogRecord) String() string {
	return fmt.Sprintf(
		"[%d] Txn:%d Type:%s Key:'%s' TS:%d",
		r.LSN,
		r.TxnID,
		r.Type,
		r.Key,
		r.Timestamp.UnixNano(),
	)
}
