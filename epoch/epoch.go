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

// Package epoch implements the epoch-based reclamation manager shared by
// the lock-free index variant: pointers unlinked from a bucket chain are
// deferred-freed only once every participant has observed a later epoch.
//
// Go has no implicit thread-local storage, so instead of the original
// design's thread-local slot assignment, each long-lived goroutine joins
// the manager once and keeps the returned *Participant handle for its
// lifetime (per spec §9: "map to explicit per-thread handles issued at
// registration").
package epoch

import (
	"runtime"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// MaxParticipants bounds how many distinct goroutines can hold a live slot
// at once; slots are assigned round-robin, join count modulo
// MaxParticipants, and reused beyond that. The hardware thread count plays
// no part in the assignment.
const MaxParticipants = 64

// ReclaimThreshold is the number of retired pointers a single participant
// accumulates before it triggers a reclamation attempt on its own.
const ReclaimThreshold = 64

// reclaimWaitRetries bounds how long reclaim() spins waiting for a slot to
// advance before abandoning the cycle, per the "Reclamation stall" policy
// in the error taxonomy.
const reclaimWaitRetries = 1000

// Deleter frees a single retired pointer/structure.
type Deleter func()

type retirement struct {
	epoch uint64
	free  Deleter
}

// Manager is a process-wide (here: index-wide) epoch reclamation manager.
type Manager struct {
	log *zap.SugaredLogger

	globalEpoch atomic.Uint64
	slots       [MaxParticipants]atomic.Uint64
	nextSlot    atomic.Uint64

	reclaiming atomic.Bool

	mu           sync.Mutex
	participants []*Participant
}

// NewManager constructs an empty manager. log may be nil, in which case a
// no-op logger is used.
func NewManager(log *zap.SugaredLogger) *Manager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	m := &Manager{log: log}
	// Epochs start at 1: a slot value of 0 marks a participant as outside
	// any protected section.
	m.globalEpoch.Store(1)
	return m
}

// Participant is a registered reader/writer handle on a Manager. Only the
// goroutine holding the handle appends to its retirement list, but reclaim()
// and Drain (which may run on another goroutine) also walk it, so Retire and
// those passes take mu; Enter and Exit take no lock.
type Participant struct {
	mgr   *Manager
	slot  int
	epoch uint64 // local epoch recorded by the most recent Enter

	mu    sync.Mutex
	local []retirement
}

// Join registers a new participant and returns its handle. Call once per
// long-lived goroutine (a worker, the receive loop, the resize routine).
func (m *Manager) Join() *Participant {
	slot := int(m.nextSlot.Add(1)-1) % MaxParticipants
	p := &Participant{mgr: m, slot: slot}

	m.mu.Lock()
	m.participants = append(m.participants, p)
	m.mu.Unlock()

	return p
}

// Enter begins a protected section: pointers read from the structure
// remain valid until the matching Exit.
func (p *Participant) Enter() {
	p.epoch = p.mgr.globalEpoch.Load()
	p.mgr.slots[p.slot].Store(p.epoch)
}

// Exit ends the protected section.
func (p *Participant) Exit() {
	p.mgr.slots[p.slot].Store(0)
}

// Retire marks ptr's owning resource as unlinked and schedules free for
// once no participant can still observe it. It must be called inside the
// Enter/Exit section that performed the unlink, so the retirement is
// tagged with the epoch active during that section.
func (p *Participant) Retire(free Deleter) {
	p.mu.Lock()
	p.local = append(p.local, retirement{epoch: p.epoch, free: free})
	n := len(p.local)
	p.mu.Unlock()

	if n >= ReclaimThreshold {
		p.mgr.reclaim(p)
	}
}

// reclaim runs one reclamation cycle. Only one goroutine reclaims at a
// time; a concurrent caller returns immediately. If a participant's slot
// fails to advance within the retry ceiling, the entire cycle is abandoned
// (no frees happen) rather than deadlock — it will be retried on the next
// trigger.
func (m *Manager) reclaim(trigger *Participant) {
	if !m.reclaiming.CompareAndSwap(false, true) {
		return
	}
	defer m.reclaiming.Store(false)

	newEpoch := m.globalEpoch.Add(1)

	m.mu.Lock()
	parts := append([]*Participant(nil), m.participants...)
	m.mu.Unlock()

	for _, p := range parts {
		if p == trigger {
			// The constraint in spec §4.5: the reclaiming thread cannot wait
			// on its own unfinished protected section.
			continue
		}
		if !waitForAdvance(&m.slots[p.slot], newEpoch) {
			m.log.Warnw("epoch reclamation stalled, abandoning cycle", "slot", p.slot)
			return
		}
	}

	for _, p := range parts {
		p.mu.Lock()
		kept := p.local[:0]
		for _, r := range p.local {
			if r.epoch < newEpoch {
				r.free()
			} else {
				kept = append(kept, r)
			}
		}
		p.local = kept
		p.mu.Unlock()
	}
}

func waitForAdvance(slot *atomic.Uint64, newEpoch uint64) bool {
	for i := 0; i < reclaimWaitRetries; i++ {
		v := slot.Load()
		if v == 0 || v >= newEpoch {
			return true
		}
		runtime.Gosched()
	}
	return false
}

// Drain frees every retired pointer unconditionally, for use only when the
// structure is being destroyed and is known to be quiescent (no other
// goroutine can be inside a protected section). Mirrors the "clear()
// bypasses the epoch manager" note in spec §9, but centralizes the escape
// hatch instead of reaching around the manager.
func (m *Manager) Drain() {
	m.mu.Lock()
	parts := append([]*Participant(nil), m.participants...)
	m.mu.Unlock()

	for _, p := range parts {
		p.mu.Lock()
		for _, r := range p.local {
			r.free()
		}
		p.local = nil
		p.mu.Unlock()
	}
}
