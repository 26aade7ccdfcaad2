// ring.go: ByteRing - lock-free single-producer/single-consumer byte ring
//
// Copyright (c) 2025 ironsheep
// SPDX-License-Identifier: MPL-2.0

package p2term

import (
	"math/bits"
	"sync/atomic"
)

// Cursor is an immutable savepoint returned by ByteRing.Save and consumed
// by ByteRing.Restore. It is stack-local to whoever calls Save; the ring
// itself never inspects or stores a Cursor.
type Cursor struct {
	pos uint64
}

// ByteRing is a fixed-capacity, single-producer/single-consumer ring over a
// pre-allocated byte slice. head and tail are monotonically increasing
// counters (never wrapped); only the index into data wraps, via mask.
//
// One element of capacity is permanently reserved (Append never lets
// tail-head exceed capacity-1): this is what lets Restore safely rewind the
// consumer to any position it has already read, as long as the producer
// hasn't been allowed to advance far enough past it to have overwritten
// those bytes in the meantime.
type ByteRing struct {
	data []byte
	mask uint64

	head atomic.Uint64 // consumer-owned
	tail atomic.Uint64 // producer-owned

	highWaterMark atomic.Uint64
}

// nextPow2 returns the smallest power of two >= x.
func nextPow2(x uint64) uint64 {
	if x <= 1 {
		return 1
	}
	return 1 << (64 - bits.LeadingZeros64(x-1))
}

// NewByteRing allocates a ring of at least capacityHint usable bytes,
// rounded up to the next power of two.
func NewByteRing(capacityHint int) *ByteRing {
	if capacityHint < 64 {
		capacityHint = 64
	}
	capacity := nextPow2(uint64(capacityHint))
	return &ByteRing{
		data: make([]byte, capacity),
		mask: capacity - 1,
	}
}

// Capacity returns the ring's raw allocated size (usable capacity is one
// less, per the reserved byte).
func (r *ByteRing) Capacity() int {
	return len(r.data)
}

// Available returns the current unread byte count. Conservative: it may
// under-read under concurrent advance by the other side.
func (r *ByteRing) Available() int {
	head := r.head.Load()
	tail := r.tail.Load()
	return int(tail - head)
}

// Append writes all of b or none of it, never a partial chunk. Returns
// errRingFull if there isn't room. Updates tail only after the bytes are
// fully copied, so the consumer never observes a partial write.
func (r *ByteRing) Append(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	head := r.head.Load()
	tail := r.tail.Load()
	usable := uint64(len(r.data)) - 1
	if tail-head+uint64(len(b)) > usable {
		return errRingFull
	}

	start := tail & r.mask
	n := copy(r.data[start:], b)
	if n < len(b) {
		copy(r.data, b[n:])
	}

	newTail := tail + uint64(len(b))
	r.tail.Store(newTail)

	if unread := newTail - head; unread > r.highWaterMark.Load() {
		r.highWaterMark.Store(unread)
	}
	return nil
}

// HighWaterMark returns the largest unread byte count Append has ever
// observed since the ring was created. Clear does not reset it.
func (r *ByteRing) HighWaterMark() uint64 {
	return r.highWaterMark.Load()
}

// Peek returns the byte at the current head without consuming it.
func (r *ByteRing) Peek() (byte, bool) {
	return r.PeekAt(0)
}

// PeekAt returns the byte `offset` positions ahead of the current head,
// without consuming anything. Used by the Extractor to scan ahead (EOL
// lookahead, fixed-size frame boundaries) without committing to a read.
func (r *ByteRing) PeekAt(offset int) (byte, bool) {
	head := r.head.Load()
	tail := r.tail.Load()
	pos := head + uint64(offset)
	if pos >= tail {
		return 0, false
	}
	return r.data[pos&r.mask], true
}

// CopyOut copies up to len(dst) bytes starting `offset` positions ahead of
// head into dst, without consuming them. Returns the number of bytes
// copied, which is less than len(dst) if fewer are available.
func (r *ByteRing) CopyOut(dst []byte, offset int) int {
	head := r.head.Load()
	tail := r.tail.Load()
	pos := head + uint64(offset)
	avail := int(tail - pos)
	if avail <= 0 {
		return 0
	}
	n := len(dst)
	if avail < n {
		n = avail
	}
	for i := 0; i < n; i++ {
		dst[i] = r.data[(pos+uint64(i))&r.mask]
	}
	return n
}

// Next consumes and returns one byte, advancing head.
func (r *ByteRing) Next() (byte, bool) {
	b, ok := r.Peek()
	if !ok {
		return 0, false
	}
	r.head.Add(1)
	return b, true
}

// Advance consumes n bytes without returning them; used once a speculative
// scan (via PeekAt/CopyOut) has confirmed a complete framed message and the
// Extractor commits to it in one step. A message is either fully consumed
// or the head is left where it was; there is no partial consume.
func (r *ByteRing) Advance(n int) {
	if n <= 0 {
		return
	}
	r.head.Add(uint64(n))
}

// Save returns a Cursor snapshotting the current consumer head.
func (r *ByteRing) Save() Cursor {
	return Cursor{pos: r.head.Load()}
}

// Restore rewinds the consumer head to a previously saved Cursor.
func (r *ByteRing) Restore(c Cursor) {
	r.head.Store(c.pos)
}

// Clear resets head to tail, discarding any unread bytes. Only safe to call
// once the consumer (Extractor) has acknowledged a pause.
func (r *ByteRing) Clear() {
	r.head.Store(r.tail.Load())
}
