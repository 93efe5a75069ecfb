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

// Package dedup implements the concurrent deduplicating index: the core
// data structure of the system (spec §3-4). Two variants share the same
// observable contract:
//
//   - BlockingIndex: per-bucket sync.Mutex plus a global sync.RWMutex gate,
//     resized by a background monitor.
//   - LockFreeIndex: per-bucket atomic singly linked lists manipulated by
//     compare-and-swap, reclaimed via the epoch package.
//
// Both are addressed through the Accessor interface. A goroutine obtains
// one Accessor per Index (via NewAccessor) and keeps it for its lifetime —
// for LockFreeIndex this is the explicit per-goroutine epoch handle called
// for in spec §9; for BlockingIndex it is simply the index itself, since
// the blocking variant needs no per-goroutine state.
package dedup

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/xtaci/messaging-relay/wire"
)

// LoadFactor is the occupancy threshold that triggers a resize in both
// variants.
const LoadFactor = 0.75

// DefaultBlockingCapacity is the blocking variant's default initial
// capacity (power of two).
const DefaultBlockingCapacity = 1024

// DefaultLockFreeCapacity is the lock-free variant's default initial
// capacity (prime, per spec §6).
const DefaultLockFreeCapacity = 8191

// Accessor performs the three core index operations. A single Accessor
// must only be used by one goroutine at a time.
type Accessor interface {
	// Insert adds rec, dropping it silently (returning false) if rec.ID
	// already has an entry.
	Insert(rec wire.Record) bool
	// Find copies out the record stored under id, if any.
	Find(id uint64) (wire.Record, bool)
	// Remove deletes the entry for id, if present.
	Remove(id uint64) bool
}

// Index is the shared contract both variants satisfy.
type Index interface {
	// NewAccessor returns a handle to be used by exactly one goroutine for
	// its lifetime.
	NewAccessor() Accessor
	Size() uint64
	Capacity() uint64
	Close() error
}

// hashID hashes a 64-bit identifier with xxhash, the hash function shared
// by both variants (grounded in grafana/tempo's and adred-codev/ws_poc's
// use of cespare/xxhash/v2 rather than a hand-rolled multiplicative hash).
func hashID(id uint64) uint64 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return xxhash.Sum64(buf[:])
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
