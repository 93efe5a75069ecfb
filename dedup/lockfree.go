package dedup

import (
	"runtime"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/xtaci/messaging-relay/epoch"
	"github.com/xtaci/messaging-relay/wire"
)

// resizeSpinRetries bounds how long a writer spin-waits for an in-flight
// resize to finish before proceeding against whatever table is current
// (spec §4.4's correctness note: "new writes spin-wait (bounded) on the
// resizing latch").
const resizeSpinRetries = 10000

type lfNode struct {
	rec  wire.Record
	next atomic.Pointer[lfNode]
}

type lfBucket struct {
	head atomic.Pointer[lfNode]
}

type bucketTable []lfBucket

// LockFreeIndex is the CAS-based variant: buckets are singly linked lists
// of atomic pointers, unlinked nodes are handed to an epoch.Manager for
// deferred reclamation instead of being freed immediately.
type LockFreeIndex struct {
	log *zap.SugaredLogger

	table    atomic.Pointer[bucketTable]
	capacity atomic.Uint64
	size     atomic.Uint64
	resizing atomic.Bool

	epochMgr         *epoch.Manager
	resizeParticipant *epoch.Participant

	onResize func()
}

var _ Index = (*LockFreeIndex)(nil)

// NewLockFreeIndex constructs a lock-free index with the given initial
// capacity (spec §6 default: 8191, traditionally a prime).
func NewLockFreeIndex(initialCapacity int, log *zap.SugaredLogger) *LockFreeIndex {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if initialCapacity <= 0 {
		initialCapacity = DefaultLockFreeCapacity
	}

	table := make(bucketTable, initialCapacity)
	mgr := epoch.NewManager(log)

	idx := &LockFreeIndex{
		log:      log,
		epochMgr: mgr,
	}
	idx.table.Store(&table)
	idx.capacity.Store(uint64(initialCapacity))
	idx.resizeParticipant = mgr.Join()

	return idx
}

// LockFreeHandle is a per-goroutine accessor: it owns one epoch.Participant
// slot and must not be shared between concurrently running goroutines.
type LockFreeHandle struct {
	idx         *LockFreeIndex
	participant *epoch.Participant
}

var _ Accessor = (*LockFreeHandle)(nil)

// NewAccessor joins the index's epoch manager and returns a handle for the
// calling goroutine to keep for its lifetime.
func (idx *LockFreeIndex) NewAccessor() Accessor {
	return &LockFreeHandle{idx: idx, participant: idx.epochMgr.Join()}
}

// OnResize registers a callback invoked after every successful resize, used
// by the processor binaries to feed a Prometheus counter. It must be called
// before the index is shared with any goroutine.
func (idx *LockFreeIndex) OnResize(fn func()) { idx.onResize = fn }

func (idx *LockFreeIndex) spinWaitResize() {
	for i := 0; i < resizeSpinRetries; i++ {
		if !idx.resizing.Load() {
			return
		}
		runtime.Gosched()
	}
}

func (h *LockFreeHandle) Insert(rec wire.Record) bool {
	idx := h.idx
	idx.spinWaitResize()

	p := h.participant
	p.Enter()

	table := idx.table.Load()
	capacity := uint64(len(*table))
	bucket := &(*table)[hashID(rec.ID)%capacity]

	node := &lfNode{rec: rec}
	for {
		head := bucket.head.Load()
		for n := head; n != nil; n = n.next.Load() {
			if n.rec.ID == rec.ID {
				p.Exit()
				return false
			}
		}
		node.next.Store(head)
		if bucket.head.CompareAndSwap(head, node) {
			break
		}
	}
	idx.size.Inc()
	p.Exit()

	if float64(idx.size.Load()) >= LoadFactor*float64(capacity) {
		idx.tryResize()
	}
	return true
}

func (h *LockFreeHandle) Find(id uint64) (wire.Record, bool) {
	p := h.participant
	p.Enter()
	defer p.Exit()

	table := h.idx.table.Load()
	capacity := uint64(len(*table))
	bucket := &(*table)[hashID(id)%capacity]

	for n := bucket.head.Load(); n != nil; n = n.next.Load() {
		if n.rec.ID == id {
			return n.rec, true
		}
	}
	return wire.Record{}, false
}

func (h *LockFreeHandle) Remove(id uint64) bool {
	idx := h.idx
	idx.spinWaitResize()

	p := h.participant
	p.Enter()
	defer p.Exit()

	for {
		table := idx.table.Load()
		capacity := uint64(len(*table))
		bucket := &(*table)[hashID(id)%capacity]

		var prev *lfNode
		curr := bucket.head.Load()
		restart := false

		for curr != nil {
			if curr.rec.ID != id {
				prev = curr
				curr = curr.next.Load()
				continue
			}

			next := curr.next.Load()
			var ok bool
			if prev != nil {
				ok = prev.next.CompareAndSwap(curr, next)
			} else {
				ok = bucket.head.CompareAndSwap(curr, next)
			}
			if !ok {
				restart = true
				break
			}

			victim := curr
			idx.size.Dec()
			p.Retire(func() { _ = victim })
			return true
		}

		if restart {
			continue
		}
		return false
	}
}

// tryResize is invoked outside any protected section (spec §4.4: the
// resize decision is made after Exit). Only one goroutine performs the
// actual resize; the rest return immediately.
func (idx *LockFreeIndex) tryResize() {
	if !idx.resizing.CompareAndSwap(false, true) {
		return
	}
	idx.resize()
}

func (idx *LockFreeIndex) resize() {
	defer idx.resizing.Store(false)

	p := idx.resizeParticipant
	p.Enter()
	defer p.Exit()

	oldTable := idx.table.Load()
	oldCapacity := idx.capacity.Load()
	newCapacity := oldCapacity * 2
	newTable := make(bucketTable, newCapacity)

	for i := uint64(0); i < oldCapacity; i++ {
		b := &(*oldTable)[i]
		for n := b.head.Load(); n != nil; {
			next := n.next.Load()
			nb := &newTable[hashID(n.rec.ID)%newCapacity]

			for {
				head := nb.head.Load()
				n.next.Store(head)
				if nb.head.CompareAndSwap(head, n) {
					break
				}
			}
			n = next
		}
	}

	idx.table.Store(&newTable)
	idx.capacity.Store(newCapacity)

	retired := oldTable
	p.Retire(func() { _ = retired })

	idx.log.Infow("resized lock-free index", "old_capacity", oldCapacity, "new_capacity", newCapacity, "size", idx.size.Load())
	if idx.onResize != nil {
		idx.onResize()
	}
}

func (idx *LockFreeIndex) Size() uint64     { return idx.size.Load() }
func (idx *LockFreeIndex) Capacity() uint64 { return idx.capacity.Load() }

// Snapshot copies out every stored record inside the protected section of
// a participant it joins for the call. Intended for tests.
func (idx *LockFreeIndex) Snapshot() []wire.Record {
	p := idx.epochMgr.Join()
	p.Enter()
	defer p.Exit()

	var out []wire.Record
	table := idx.table.Load()
	for i := range *table {
		for n := (*table)[i].head.Load(); n != nil; n = n.next.Load() {
			out = append(out, n.rec)
		}
	}
	return out
}

// Close drains every participant's retirement list unconditionally. Callers
// must ensure no other goroutine is still operating on the index.
func (idx *LockFreeIndex) Close() error {
	idx.epochMgr.Drain()
	idx.size.Store(0)
	return nil
}
