package lockmgr

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/rptdb/rptdb/internal/pager"
)

// ErrDeadlock is returned when a lock wait exceeds the manager's timeout.
// The design presumes ordered (parent-before-child, identity-ordered)
// acquisition and does not build a wait-for graph; a single long wait is
// treated as a probable deadlock per the spec's documented open question.
var ErrDeadlock = errors.New("lockmgr: wait timeout (possible deadlock)")

// DefaultWaitTimeout bounds how long a single Lock call blocks on a
// conflicting holder before giving up with ErrDeadlock.
const DefaultWaitTimeout = 5 * time.Second

// object is one entry in the hash table: a granular lock with its current
// holders, a FIFO queue of tickets for pending first-time acquisitions,
// and a broadcast channel used to wake parked waiters after any state
// change.
type object struct {
	id         ID
	mu         sync.Mutex
	holders    map[pager.TxID]Mode
	queue      []uint64
	nextTicket uint64
	parked     int
	notify     chan struct{}
	chainNext  *object // next object in this identity's hash bucket
}

func newObject(id ID) *object {
	return &object{id: id, holders: make(map[pager.TxID]Mode), notify: make(chan struct{})}
}

func (o *object) wakeAll() {
	close(o.notify)
	o.notify = make(chan struct{})
}

// idle reports whether the object has no holders and nothing parked on
// it — the point at which it can be unlinked from its bucket chain, per
// the spec's "deallocated from a clock allocator pool" rule (this
// implementation uses the garbage collector instead of a dedicated
// free-list allocator — see DESIGN.md).
func (o *object) idle() bool { return len(o.holders) == 0 && o.parked == 0 }

// heldLock is one entry in a transaction's singly-linked chain of
// acquired locks, threaded in acquisition order.
type heldLock struct {
	obj  *object
	mode Mode
	next *heldLock
}

// Manager is a fixed-size chained hash table of lock objects (bucketCount
// buckets; it is never resized or rehashed), plus the per-transaction
// chains used for strict-2PL release at commit/abort.
type Manager struct {
	tableMu sync.Mutex // coarse latch around bucket-chain mutation
	buckets []*object  // chained by identity hash; nil entries are empty buckets

	chainsMu sync.Mutex
	chains   map[pager.TxID]*heldLock

	waitTimeout time.Duration
}

const bucketCount = 257 // prime, matching the corpus's preference for non-power-of-two hash table sizes

// New creates a lock manager with the given wait timeout. A zero timeout
// uses DefaultWaitTimeout.
func New(waitTimeout time.Duration) *Manager {
	if waitTimeout <= 0 {
		waitTimeout = DefaultWaitTimeout
	}
	return &Manager{
		buckets:     make([]*object, bucketCount),
		chains:      make(map[pager.TxID]*heldLock),
		waitTimeout: waitTimeout,
	}
}

// objectFor returns the (possibly newly created) lock object for id,
// linking it into its bucket chain. Chains are short single-ID lists
// keyed by exact identity equality after the hash narrows to a bucket.
func (m *Manager) objectFor(id ID) *object {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	idx := id.hash() % uint32(len(m.buckets))
	// walk the bucket's chain (linked through chainNext) for the one
	// object that has exactly this identity.
	b := m.buckets[idx]
	for o := b; o != nil; o = o.chainNext {
		if o.id == id {
			return o
		}
	}
	o := newObject(id)
	o.chainNext = m.buckets[idx]
	m.buckets[idx] = o
	return o
}

// unlinkIfIdle removes o from its bucket chain if it has become idle,
// mirroring the spec's "deallocated" rule for lock objects nobody wants.
func (m *Manager) unlinkIfIdle(o *object) {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	o.mu.Lock()
	idle := o.idle()
	o.mu.Unlock()
	if !idle {
		return
	}
	idx := o.id.hash() % uint32(len(m.buckets))
	var prev *object
	for cur := m.buckets[idx]; cur != nil; cur = cur.chainNext {
		if cur == o {
			if prev == nil {
				m.buckets[idx] = cur.chainNext
			} else {
				prev.chainNext = cur.chainNext
			}
			return
		}
		prev = cur
	}
}

// Lock acquires mode on id for txID, first recursively acquiring every
// ancestor in the appropriate intent mode. It blocks while incompatible
// with another transaction's holding, and returns ErrDeadlock if that
// wait exceeds the manager's timeout, or ctx.Err() if ctx is cancelled
// first.
func (m *Manager) Lock(ctx context.Context, txID pager.TxID, id ID, mode Mode) error {
	if parent, ok := id.parent(); ok {
		if err := m.Lock(ctx, txID, parent, parentMode(mode)); err != nil {
			return err
		}
	}
	return m.acquire(ctx, txID, id, mode)
}

func (m *Manager) acquire(ctx context.Context, txID pager.TxID, id ID, mode Mode) error {
	o := m.objectFor(id)

	o.mu.Lock()
	if existing, held := o.holders[txID]; held {
		if supersedes(existing, mode) {
			o.mu.Unlock()
			return nil // already hold at least as much
		}
		target := upgradeTarget(existing, mode)
		for {
			if compatibleWithOthers(o, txID, target) {
				o.holders[txID] = target
				o.mu.Unlock()
				m.recordHold(txID, o, target)
				return nil
			}
			// park reacquires o.mu before returning, whether it woke
			// normally or gave up — unlock before surfacing the error so
			// we never return (or hand the lock to dequeue) while still
			// holding it.
			if err := o.park(ctx, m.waitTimeout); err != nil {
				o.mu.Unlock()
				return err
			}
		}
	}

	ticket := o.nextTicket
	o.nextTicket++
	o.queue = append(o.queue, ticket)
	for {
		if o.queue[0] == ticket && compatibleWithOthers(o, txID, mode) {
			o.queue = o.queue[1:]
			o.holders[txID] = mode
			o.mu.Unlock()
			m.recordHold(txID, o, mode)
			return nil
		}
		if err := o.park(ctx, m.waitTimeout); err != nil {
			// park returned with o.mu held — remove our ticket and wake
			// other waiters inline, then unlock once, here.
			o.removeTicketLocked(ticket)
			o.mu.Unlock()
			return err
		}
	}
}

func compatibleWithOthers(o *object, self pager.TxID, want Mode) bool {
	for tid, held := range o.holders {
		if tid == self {
			continue
		}
		if !compatible(held, want) {
			return false
		}
	}
	return true
}

// park waits for the object's next state-change broadcast, a timeout, or
// ctx cancellation. Caller must hold o.mu; park releases it while
// blocked and reacquires it before returning nil.
func (o *object) park(ctx context.Context, timeout time.Duration) error {
	o.parked++
	wait := o.notify
	o.mu.Unlock()

	var err error
	select {
	case <-wait:
	case <-ctx.Done():
		err = ctx.Err()
	case <-time.After(timeout):
		err = ErrDeadlock
	}

	o.mu.Lock()
	o.parked--
	return err
}

// removeTicketLocked removes a ticket that never got granted (the waiter
// gave up) and wakes the rest of the queue so the next ticket gets a
// chance to recheck. Caller must already hold o.mu.
func (o *object) removeTicketLocked(ticket uint64) {
	for i, t := range o.queue {
		if t == ticket {
			o.queue = append(o.queue[:i], o.queue[i+1:]...)
			break
		}
	}
	o.wakeAll()
}

func (m *Manager) recordHold(txID pager.TxID, o *object, mode Mode) {
	m.chainsMu.Lock()
	defer m.chainsMu.Unlock()
	for h := m.chains[txID]; h != nil; h = h.next {
		if h.obj == o {
			h.mode = mode
			return
		}
	}
	m.chains[txID] = &heldLock{obj: o, mode: mode, next: m.chains[txID]}
}

// UnlockAll releases every lock txID holds, per strict 2PL: callers must
// only invoke this after the transaction's commit or abort record is
// durable.
func (m *Manager) UnlockAll(txID pager.TxID) {
	m.chainsMu.Lock()
	chain := m.chains[txID]
	delete(m.chains, txID)
	m.chainsMu.Unlock()

	for h := chain; h != nil; h = h.next {
		o := h.obj
		o.mu.Lock()
		delete(o.holders, txID)
		o.wakeAll()
		o.mu.Unlock()
		m.unlinkIfIdle(o)
	}
}

// HeldMode returns the mode txID currently holds on id, or None.
func (m *Manager) HeldMode(txID pager.TxID, id ID) Mode {
	o := m.objectFor(id)
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.holders[txID]
}
