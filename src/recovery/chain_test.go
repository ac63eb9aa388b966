package recovery

import (
	"fmt"

	"github.com/Blackdeer1524/RelDB/src/pkg/common"
)

// txnLogChain appends test records on behalf of one or more transactions. The
// first failure is kept and turns every later call into a no-op.
type txnLogChain struct {
	log   *Manager
	txnID common.TxnID

	lastLSNs map[common.TxnID]common.LSN
	records  []LogRecord
	err      error
}

func newtxnLogChain(log *Manager, txnID common.TxnID) *txnLogChain {
	return &txnLogChain{
		log:      log,
		txnID:    txnID,
		lastLSNs: map[common.TxnID]common.LSN{},
	}
}

func (c *txnLogChain) SwitchTransactionID(txnID common.TxnID) *txnLogChain {
	if c.err != nil {
		return c
	}

	c.txnID = txnID
	return c
}

func (c *txnLogChain) append(rec LogRecord, needsBegin bool) *txnLogChain {
	if c.err != nil {
		return c
	}

	if _, ok := c.lastLSNs[c.txnID]; needsBegin && !ok {
		c.err = fmt.Errorf("transaction %d has not begun", c.txnID)
		return c
	}

	lsn, err := c.log.Log(rec)
	if err != nil {
		c.err = err
		return c
	}

	rec.LSN = lsn
	c.lastLSNs[c.txnID] = lsn
	c.records = append(c.records, rec)
	return c
}

func (c *txnLogChain) Begin() *txnLogChain {
	return c.append(NewBeginRecord(c.txnID), false)
}

func (c *txnLogChain) Insert(key string, pageID common.PageID, offset uint16, value []byte) *txnLogChain {
	return c.append(NewInsertRecord(c.txnID, key, pageID, offset, make([]byte, len(value)), value), true)
}

func (c *txnLogChain) Update(
	key string,
	pageID common.PageID,
	offset uint16,
	before, after []byte,
) *txnLogChain {
	return c.append(NewUpdateRecord(c.txnID, key, pageID, offset, before, after), true)
}

func (c *txnLogChain) Delete(key string, pageID common.PageID, offset uint16, before []byte) *txnLogChain {
	return c.append(NewDeleteRecord(c.txnID, key, pageID, offset, before), true)
}

// Compensate undoes the record of the current transaction with the given
// LSN.
func (c *txnLogChain) Compensate(lsn common.LSN) *txnLogChain {
	if c.err != nil {
		return c
	}

	for _, rec := range c.records {
		if rec.LSN == lsn && rec.TxnID == c.txnID {
			return c.append(NewCompensateRecord(rec), true)
		}
	}

	c.err = fmt.Errorf("transaction %d has no record %d", c.txnID, lsn)
	return c
}

func (c *txnLogChain) Commit() *txnLogChain {
	return c.append(NewCommitRecord(c.txnID), true)
}

func (c *txnLogChain) Abort() *txnLogChain {
	return c.append(NewAbortRecord(c.txnID), true)
}

// LastLSN returns the LSN of the last record appended for the current
// transaction.
func (c *txnLogChain) LastLSN() common.LSN {
	return c.lastLSNs[c.txnID]
}

// Records returns every record appended so far, stamped with its LSN.
func (c *txnLogChain) Records() []LogRecord {
	return c.records
}

func (c *txnLogChain) Err() error {
	return c.err
}
