package dedup

import (
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/xtaci/messaging-relay/wire"
)

// resizeInterval is how often the background monitor checks the load
// factor (spec §4.3: "a background thread wakes periodically").
const resizeInterval = 500 * time.Millisecond

type blockingEntry struct {
	rec  wire.Record
	next *blockingEntry
}

type blockingBucket struct {
	mu   sync.Mutex
	head *blockingEntry
}

// BlockingIndex is the per-bucket-mutex variant. Every operation acquires
// the global gate in shared mode, then the target bucket's mutex; a resize
// acquires the global gate in exclusive mode alone, which is sufficient
// because no operation can be mid-flight once the exclusive lock is
// granted.
type BlockingIndex struct {
	log *zap.SugaredLogger

	global sync.RWMutex // shared during ops, exclusive during resize

	capacity atomic.Uint64
	size     atomic.Uint64
	buckets  []*blockingBucket

	stopCh chan struct{}
	doneCh chan struct{}

	onResize func()
}

var _ Index = (*BlockingIndex)(nil)
var _ Accessor = (*BlockingIndex)(nil)

// NewBlockingIndex constructs a blocking index with the given initial
// capacity (rounded up to a power of two) and starts its resize monitor.
func NewBlockingIndex(initialCapacity int, log *zap.SugaredLogger) *BlockingIndex {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if initialCapacity <= 0 {
		initialCapacity = DefaultBlockingCapacity
	}
	capacity := nextPow2(initialCapacity)

	idx := &BlockingIndex{
		log:     log,
		buckets: makeBlockingBuckets(capacity),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	idx.capacity.Store(uint64(capacity))

	go idx.resizeMonitor()
	return idx
}

func makeBlockingBuckets(n int) []*blockingBucket {
	b := make([]*blockingBucket, n)
	for i := range b {
		b[i] = &blockingBucket{}
	}
	return b
}

// NewAccessor returns the index itself: the blocking variant has no
// per-goroutine state to hand out.
func (idx *BlockingIndex) NewAccessor() Accessor { return idx }

// OnResize registers a callback invoked after every successful resize, used
// by the processor binaries to feed a Prometheus counter. It must be called
// before the index is shared with any goroutine.
func (idx *BlockingIndex) OnResize(fn func()) { idx.onResize = fn }

func (idx *BlockingIndex) Insert(rec wire.Record) bool {
	idx.global.RLock()
	defer idx.global.RUnlock()

	capacity := idx.capacity.Load()
	b := idx.buckets[hashID(rec.ID)&(capacity-1)]

	b.mu.Lock()
	defer b.mu.Unlock()

	for e := b.head; e != nil; e = e.next {
		if e.rec.ID == rec.ID {
			return false
		}
	}
	b.head = &blockingEntry{rec: rec, next: b.head}
	idx.size.Inc()
	return true
}

func (idx *BlockingIndex) Find(id uint64) (wire.Record, bool) {
	idx.global.RLock()
	defer idx.global.RUnlock()

	capacity := idx.capacity.Load()
	b := idx.buckets[hashID(id)&(capacity-1)]

	b.mu.Lock()
	defer b.mu.Unlock()

	for e := b.head; e != nil; e = e.next {
		if e.rec.ID == id {
			return e.rec, true
		}
	}
	return wire.Record{}, false
}

func (idx *BlockingIndex) Remove(id uint64) bool {
	idx.global.RLock()
	defer idx.global.RUnlock()

	capacity := idx.capacity.Load()
	b := idx.buckets[hashID(id)&(capacity-1)]

	b.mu.Lock()
	defer b.mu.Unlock()

	var prev *blockingEntry
	for e := b.head; e != nil; e = e.next {
		if e.rec.ID == id {
			if prev != nil {
				prev.next = e.next
			} else {
				b.head = e.next
			}
			idx.size.Dec()
			return true
		}
		prev = e
	}
	return false
}

func (idx *BlockingIndex) Size() uint64     { return idx.size.Load() }
func (idx *BlockingIndex) Capacity() uint64 { return idx.capacity.Load() }

// Snapshot copies out every stored record, for tests and diagnostics. It
// takes the exclusive gate, so it briefly blocks all other operations.
func (idx *BlockingIndex) Snapshot() []wire.Record {
	idx.global.Lock()
	defer idx.global.Unlock()

	var out []wire.Record
	for _, b := range idx.buckets {
		for e := b.head; e != nil; e = e.next {
			out = append(out, e.rec)
		}
	}
	return out
}

func (idx *BlockingIndex) resizeMonitor() {
	defer close(idx.doneCh)

	ticker := time.NewTicker(resizeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-idx.stopCh:
			return
		case <-ticker.C:
			if float64(idx.size.Load()) >= LoadFactor*float64(idx.capacity.Load()) {
				idx.resize()
			}
		}
	}
}

func (idx *BlockingIndex) resize() {
	idx.global.Lock()
	defer idx.global.Unlock()

	oldCapacity := idx.capacity.Load()
	newCapacity := oldCapacity * 2
	newBuckets := makeBlockingBuckets(int(newCapacity))

	for _, b := range idx.buckets {
		for e := b.head; e != nil; {
			next := e.next
			nb := newBuckets[hashID(e.rec.ID)&(newCapacity-1)]
			e.next = nb.head
			nb.head = e
			e = next
		}
	}

	idx.buckets = newBuckets
	idx.capacity.Store(newCapacity)
	idx.log.Infow("resized blocking index", "old_capacity", oldCapacity, "new_capacity", newCapacity, "size", idx.size.Load())
	if idx.onResize != nil {
		idx.onResize()
	}
}

// Close stops the resize monitor and discards all entries.
func (idx *BlockingIndex) Close() error {
	close(idx.stopCh)
	<-idx.doneCh

	idx.global.Lock()
	defer idx.global.Unlock()
	for _, b := range idx.buckets {
		b.head = nil
	}
	idx.size.Store(0)
	return nil
}
