package txns

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Blackdeer1524/RelDB/src/pkg/assert"
	"github.com/Blackdeer1524/RelDB/src/pkg/common"
	"github.com/Blackdeer1524/RelDB/src/pkg/telemetry"
)

type Config struct {
	// how long a request waits before failing with ErrLockTimeout
	Timeout time.Duration
	// refuse waits that would close a cycle in the wait-for graph
	DeadlockDetection bool
}

type lockRequest struct {
	txnID    TxnID
	mode     LockMode
	upgrade  bool
	granted  bool
	notifier chan struct{}
}

// lockQueue is the state of one resource. Granted holders are kept in a
// map, waiters in arrival order. Pending upgrades are served before any
// ordinary waiter.
type lockQueue struct {
	granted  map[TxnID]LockMode
	upgrades []*lockRequest
	waiting  []*lockRequest
}

func newLockQueue() *lockQueue {
	return &lockQueue{
		granted: make(map[TxnID]LockMode),
	}
}

func (q *lockQueue) isEmpty() bool {
	return len(q.granted) == 0 && len(q.upgrades) == 0 && len(q.waiting) == 0
}

func (q *lockQueue) compatibleWithGranted(txnID TxnID, mode LockMode) bool {
	for holder, held := range q.granted {
		if holder != txnID && !held.Compatible(mode) {
			return false
		}
	}
	return true
}

// LockManager grants shared and exclusive locks on named resources.
// Requests on a busy resource wait in FIFO order for at most
// Config.Timeout.
type LockManager struct {
	cfg Config

	mu     sync.Mutex
	queues map[string]*lockQueue
	held   map[TxnID]map[string]LockMode

	log *zap.SugaredLogger
	tel *telemetry.Telemetry
}

func NewLockManager(cfg Config, log *zap.SugaredLogger, tel *telemetry.Telemetry) *LockManager {
	assert.Assert(cfg.Timeout > 0, "lock timeout must be positive")

	return &LockManager{
		cfg:    cfg,
		queues: make(map[string]*lockQueue),
		held:   make(map[TxnID]map[string]LockMode),
		log:    log,
		tel:    tel,
	}
}

func (m *LockManager) setHeldLocked(txnID TxnID, key string, mode LockMode) {
	locks, ok := m.held[txnID]
	if !ok {
		locks = make(map[string]LockMode)
		m.held[txnID] = locks
	}
	locks[key] = mode
}

func (m *LockManager) grant(q *lockQueue, key string, r *lockRequest) {
	q.granted[r.txnID] = r.mode
	m.setHeldLocked(r.txnID, key, r.mode)

	r.granted = true
	close(r.notifier) // grants the lock to the transaction
}

// processQueueLocked grants every request that became grantable. Upgrades
// go first: an upgrade is granted once the upgrading transaction is the
// only holder. While an upgrade is pending no ordinary waiter is granted.
// Ordinary waiters are granted in order until the first one that conflicts
// with a holder.
func (m *LockManager) processQueueLocked(key string, q *lockQueue) {
	for len(q.upgrades) > 0 {
		u := q.upgrades[0]
		if _, holds := q.granted[u.txnID]; !holds || len(q.granted) != 1 {
			return
		}

		q.upgrades = q.upgrades[1:]
		m.grant(q, key, u)
	}

	for len(q.waiting) > 0 {
		r := q.waiting[0]
		if !q.compatibleWithGranted(r.txnID, r.mode) {
			return
		}

		q.waiting = q.waiting[1:]
		m.grant(q, key, r)
	}
}

// AcquireLock blocks until txnID holds key in at least the requested mode.
//
// A transaction that already holds the key in a mode covering the request
// returns immediately. A sole shared holder asking for exclusive access is
// upgraded in place. Otherwise the request waits behind the requests that
// arrived before it and fails with ErrLockTimeout after Config.Timeout,
// or with ErrDeadlock if deadlock detection is on and the wait would close
// a cycle.
func (m *LockManager) AcquireLock(ctx context.Context, txnID TxnID, key string, mode LockMode) error {
	m.mu.Lock()

	q, ok := m.queues[key]
	if !ok {
		q = newLockQueue()
		m.queues[key] = q
	}

	r := &lockRequest{
		txnID:    txnID,
		mode:     mode,
		notifier: make(chan struct{}),
	}

	if held, holds := q.granted[txnID]; holds {
		if held.Covers(mode) {
			m.mu.Unlock()
			return nil
		}

		assert.Assert(held.Upgradable(mode), "can not upgrade %s to %s", held, mode)
		if len(q.granted) == 1 {
			q.granted[txnID] = mode
			m.setHeldLocked(txnID, key, mode)
			m.mu.Unlock()
			return nil
		}

		r.upgrade = true
		q.upgrades = append(q.upgrades, r)
	} else {
		if len(q.upgrades) == 0 && len(q.waiting) == 0 && q.compatibleWithGranted(txnID, mode) {
			q.granted[txnID] = mode
			m.setHeldLocked(txnID, key, mode)
			m.mu.Unlock()
			return nil
		}

		q.waiting = append(q.waiting, r)
	}

	if m.cfg.DeadlockDetection {
		if cycle := m.waitsForLocked().CycleFrom(txnID); cycle != nil {
			m.removeRequestLocked(key, q, r)
			m.mu.Unlock()

			m.tel.Metrics.Deadlocks.Add(ctx, 1)
			m.log.Debugw("lock request refused to avoid deadlock",
				"txn_id", txnID,
				"key", key,
				"mode", mode.String(),
				"cycle", cycle,
			)
			return fmt.Errorf("%w: txn %d on %q (cycle %v)", common.ErrDeadlock, txnID, key, cycle)
		}
	}
	m.mu.Unlock()

	m.tel.Metrics.LockWaits.Add(ctx, 1)

	timer := time.NewTimer(m.cfg.Timeout)
	defer timer.Stop()

	var waitErr error
	select {
	case <-r.notifier:
		return nil
	case <-timer.C:
		waitErr = fmt.Errorf(
			"%w: txn %d waited %s for %s lock on %q",
			common.ErrLockTimeout,
			txnID,
			m.cfg.Timeout,
			mode,
			key,
		)
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// the lock could have been granted right before we gave up
	if r.granted {
		return nil
	}

	m.removeRequestLocked(key, q, r)
	m.tel.Metrics.LockTimeouts.Add(ctx, 1)

	return waitErr
}

func (m *LockManager) removeRequestLocked(key string, q *lockQueue, r *lockRequest) {
	if r.upgrade {
		q.upgrades = slices.DeleteFunc(q.upgrades, func(o *lockRequest) bool { return o == r })
	} else {
		q.waiting = slices.DeleteFunc(q.waiting, func(o *lockRequest) bool { return o == r })
	}

	m.processQueueLocked(key, q)
	if q.isEmpty() {
		delete(m.queues, key)
	}
}

// ReleaseLock drops whatever mode txnID holds on key and grants waiters
// that became compatible. Releasing a lock that is not held is a no-op.
func (m *LockManager) ReleaseLock(txnID TxnID, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.releaseLocked(txnID, key)
}

func (m *LockManager) releaseLocked(txnID TxnID, key string) {
	if locks, ok := m.held[txnID]; ok {
		delete(locks, key)
		if len(locks) == 0 {
			delete(m.held, txnID)
		}
	}

	q, ok := m.queues[key]
	if !ok {
		return
	}
	delete(q.granted, txnID)

	m.processQueueLocked(key, q)
	if q.isEmpty() {
		delete(m.queues, key)
	}
}

// ReleaseAll drops every lock held by txnID.
func (m *LockManager) ReleaseAll(txnID TxnID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range m.held[txnID] {
		m.releaseLocked(txnID, key)
	}
}

// waitsForLocked builds the wait-for graph from the current queues. A
// waiter depends on every conflicting holder and on every conflicting
// request queued ahead of it.
func (m *LockManager) waitsForLocked() *DependencyGraph {
	g := NewDependencyGraph()

	for _, q := range m.queues {
		for _, u := range q.upgrades {
			for holder := range q.granted {
				g.AddEdge(u.txnID, holder)
			}
		}

		for i, r := range q.waiting {
			for holder, held := range q.granted {
				if !held.Compatible(r.mode) {
					g.AddEdge(r.txnID, holder)
				}
			}
			for _, u := range q.upgrades {
				g.AddEdge(r.txnID, u.txnID)
			}
			for _, ahead := range q.waiting[:i] {
				if !ahead.mode.Compatible(r.mode) {
					g.AddEdge(r.txnID, ahead.txnID)
				}
			}
		}
	}

	return g
}

// DetectDeadlock reports whether txnID is part of a wait-for cycle.
func (m *LockManager) DetectDeadlock(txnID TxnID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.waitsForLocked().CycleFrom(txnID) != nil
}

// HeldLocks returns a copy of the locks held by txnID.
func (m *LockManager) HeldLocks(txnID TxnID) map[string]LockMode {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := make(map[string]LockMode, len(m.held[txnID]))
	for key, mode := range m.held[txnID] {
		res[key] = mode
	}
	return res
}

// HeldMode returns the mode txnID holds key in, if any.
func (m *LockManager) HeldMode(txnID TxnID, key string) (LockMode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mode, ok := m.held[txnID][key]
	return mode, ok
}

// Holders returns the transactions currently granted key.
func (m *LockManager) Holders(key string) map[TxnID]LockMode {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := make(map[TxnID]LockMode)
	if q, ok := m.queues[key]; ok {
		for txnID, mode := range q.granted {
			res[txnID] = mode
		}
	}
	return res
}
