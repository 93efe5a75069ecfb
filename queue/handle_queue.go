// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package queue implements the bounded single-producer/single-consumer ring
// buffer of accepted connection handles handed from the stream accept loop
// to the stream worker pool.
package queue

import (
	"go.uber.org/atomic"
)

// MinCapacity is the smallest capacity callers may request; the spec
// requires at least 1024.
const MinCapacity = 1024

// HandleQueue is a fixed-capacity SPSC ring of integer connection handles.
// Exactly one goroutine may call Push (the accept loop); Pop calls are
// serialized by an internal consumer-side lock, so several workers may
// share one queue — see spec §4.2.
type HandleQueue struct {
	mask    uint64
	buf     []int
	head    atomic.Uint64 // next slot to pop from (consumer owned)
	tail    atomic.Uint64 // next slot to push into (producer owned)
	popMu   chan struct{} // 1-capacity channel used as a cheap consumer-side lock
}

// New creates a queue with room for at least capacity handles, rounded up
// to the next power of two so indices can be masked instead of modulo'd.
func New(capacity int) *HandleQueue {
	if capacity < MinCapacity {
		capacity = MinCapacity
	}
	size := nextPow2(capacity)
	q := &HandleQueue{
		mask:  uint64(size - 1),
		buf:   make([]int, size),
		popMu: make(chan struct{}, 1),
	}
	q.popMu <- struct{}{}
	return q
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Push appends handle to the ring. It returns false if the ring is full;
// the caller (accept loop) must close the handle itself in that case
// (spec §7: "Queue full" -> close the newly accepted handle, log).
func (q *HandleQueue) Push(handle int) bool {
	tail := q.tail.Load()
	head := q.head.Load() // acquire: observe consumer progress
	if tail-head >= uint64(len(q.buf)) {
		return false // full
	}
	q.buf[tail&q.mask] = handle
	q.tail.Store(tail + 1) // release: publish the new element
	return true
}

// Pop removes and returns the oldest handle. It returns false if the ring
// is empty. Concurrent Pop calls are serialized internally so the design
// tolerates a worker pool sharing one HandleQueue, per spec §4.2's note
// that consumers may use a consumer-side mutex.
func (q *HandleQueue) Pop() (int, bool) {
	<-q.popMu
	defer func() { q.popMu <- struct{}{} }()

	head := q.head.Load()
	tail := q.tail.Load() // acquire: observe producer progress
	if head == tail {
		return 0, false // empty
	}
	h := q.buf[head&q.mask]
	q.head.Store(head + 1) // release
	return h, true
}

// Clear drains every pending handle, invoking closeFn on each. It is for
// teardown only and must not race with concurrent Push/Pop — callers must
// ensure the accept loop and workers have already stopped calling Push/Pop
// before invoking Clear.
func (q *HandleQueue) Clear(closeFn func(handle int)) {
	for {
		h, ok := q.Pop()
		if !ok {
			return
		}
		closeFn(h)
	}
}

// Len reports the approximate number of queued handles. It is advisory:
// the head/tail counters may be observed mid-update by a concurrent
// producer or consumer.
func (q *HandleQueue) Len() int {
	tail := q.tail.Load()
	head := q.head.Load()
	return int(tail - head)
}
