// slotpool.go: SlotPool - tiered, refcounted, reusable message slots
//
// Copyright (c) 2025 ironsheep
// SPDX-License-Identifier: MPL-2.0

package p2term

import "sync/atomic"

// SlotId identifies one slot in a SlotPool. It is a plain value with no
// ownership semantics. index is 1-based internally so the zero value is
// reliably distinguishable from any id Acquire actually returns.
type SlotId struct {
	tier  uint8
	index uint32
}

// Valid reports whether the SlotId was ever produced by a successful
// Acquire (the zero value is never returned by Acquire).
func (id SlotId) Valid() bool {
	return id.index != 0
}

// Slot is one reusable, reference-counted message container. refCount is
// the only field mutated after publication; everything else is written
// exactly once between Acquire and Publish by the Extractor, then read-only
// until the refcount returns to zero.
//
// refCount is padded out to its own cache line: adjacent slots' refCounts
// are decremented concurrently by unrelated sinks, and without padding
// those decrements would false-share a line.
type Slot struct {
	refCount atomic.Uint32
	_        [60]byte // pad to a cache line; refCount is the only hot field

	Type       MessageType
	Cog        int8 // 0..7, or -1 if not applicable
	WindowKind string
	WindowName string
	Length     int
	data       []byte // capacity == tier's slot size, reused across acquires
}

// ReadHandle is the read-only view a Sink receives. It borrows Slot's data;
// the borrow is valid only until the Sink calls Core.Release.
type ReadHandle struct {
	Type       MessageType
	Cog        int8
	WindowKind string
	WindowName string
	Data       []byte
}

// tier is one size class's pool: a flat slice of slots plus a Treiber-stack
// free list. freeHead packs a generation counter (high 32 bits) with a
// 1-based slot index (low 32 bits; 0 means empty) to guard against ABA on
// the CAS loop.
type tier struct {
	slotSize int
	slots    []Slot
	next     []atomic.Uint32 // 1-based "next free" per slot; 0 = none
	freeHead atomic.Uint64
}

func newTier(slotSize, count int) *tier {
	t := &tier{
		slotSize: slotSize,
		slots:    make([]Slot, count),
		next:     make([]atomic.Uint32, count),
	}
	for i := range t.slots {
		t.slots[i].data = make([]byte, slotSize)
		t.slots[i].Cog = -1
	}
	// Seed the free list: every slot starts free, chained 0 -> 1 -> ... -> n-1.
	for i := 0; i < count-1; i++ {
		t.next[i].Store(uint32(i + 1 + 1))
	}
	if count > 0 {
		t.freeHead.Store(uint64(1))
	}
	return t
}

func (t *tier) push(idx uint32) {
	for {
		old := t.freeHead.Load()
		oldIdx := uint32(old)
		gen := uint32(old >> 32)
		t.next[idx].Store(oldIdx)
		newHead := (uint64(gen+1) << 32) | uint64(idx+1)
		if t.freeHead.CompareAndSwap(old, newHead) {
			return
		}
	}
}

func (t *tier) pop() (uint32, bool) {
	for {
		old := t.freeHead.Load()
		packed := uint32(old)
		if packed == 0 {
			return 0, false
		}
		idx := packed - 1
		next := t.next[idx].Load()
		gen := uint32(old >> 32)
		newHead := (uint64(gen+1) << 32) | uint64(next)
		if t.freeHead.CompareAndSwap(old, newHead) {
			return idx, true
		}
	}
}

// SlotPool is the fixed-count, size-tiered message slot pool. Tiers are
// ordered smallest-first; Acquire picks the smallest tier whose slotSize >=
// the caller's size hint.
type SlotPool struct {
	tiers      []*tier
	retrySpins int
}

// NewSlotPool builds a SlotPool from the given tier configuration
// (smallest slotSize first) and a bounded acquire retry budget.
func NewSlotPool(tierCfg []PoolTierConfig, retrySpins int) *SlotPool {
	p := &SlotPool{retrySpins: retrySpins}
	for _, c := range tierCfg {
		p.tiers = append(p.tiers, newTier(c.SlotSize, c.Count))
	}
	return p
}

// Acquire returns a writable slot whose capacity is at least sizeHint, or
// false if none is free after the retry budget. The Extractor is this
// pool's sole caller of Acquire (single producer side of the free lists).
func (p *SlotPool) Acquire(sizeHint int) (SlotId, bool) {
	for ti, t := range p.tiers {
		if t.slotSize < sizeHint {
			continue
		}
		spins := p.retrySpins
		if spins <= 0 {
			spins = 1
		}
		for i := 0; i < spins; i++ {
			if idx, ok := t.pop(); ok {
				s := &t.slots[idx]
				s.Type = 0
				s.Cog = -1
				s.WindowKind = ""
				s.WindowName = ""
				s.Length = 0
				return SlotId{tier: uint8(ti), index: idx + 1}, true
			}
		}
		return SlotId{}, false
	}
	return SlotId{}, false
}

func (p *SlotPool) slot(id SlotId) *Slot {
	return &p.tiers[id.tier].slots[id.index-1]
}

// SetType records the slot's classified MessageType. Extractor-only,
// before Publish.
func (p *SlotPool) SetType(id SlotId, t MessageType) {
	p.slot(id).Type = t
}

// SetCog records the originating COG index (0..7), or -1 if not
// applicable. Extractor-only, before Publish.
func (p *SlotPool) SetCog(id SlotId, cog int8) {
	p.slot(id).Cog = cog
}

// SetWindowKind records the lowercased window kind token for
// WindowCreateOrUpdate messages. Extractor-only, before Publish.
func (p *SlotPool) SetWindowKind(id SlotId, kind string) {
	p.slot(id).WindowKind = kind
}

// SetWindowName records the window name token for WindowUpdateNamed
// messages. Extractor-only, before Publish.
func (p *SlotPool) SetWindowName(id SlotId, name string) {
	p.slot(id).WindowName = name
}

// WriteData copies b into the slot's backing storage and records Length.
// Extractor-only, before Publish. b must fit within the slot's tier size;
// callers are responsible for requesting a large-enough tier via Acquire's
// sizeHint.
func (p *SlotPool) WriteData(id SlotId, b []byte) {
	s := p.slot(id)
	n := copy(s.data[:cap(s.data)], b)
	s.Length = n
}

// Publish makes the slot live by setting the refcount to initialRefCount.
// This must be the last write to the slot by the Extractor: once this store
// is visible, Type/Cog/WindowKind/WindowName/Length/data must already be in
// their final, readable state.
func (p *SlotPool) Publish(id SlotId, initialRefCount uint32) {
	p.slot(id).refCount.Store(initialRefCount)
}

// Read returns a ReadHandle borrowing the slot's current data. Valid until
// the corresponding Release.
func (p *SlotPool) Read(id SlotId) ReadHandle {
	s := p.slot(id)
	return ReadHandle{
		Type:       s.Type,
		Cog:        s.Cog,
		WindowKind: s.WindowKind,
		WindowName: s.WindowName,
		Data:       s.data[:s.Length],
	}
}

// Release decrements the slot's ref_count. When it reaches zero the slot
// returns to its tier's free list and may be reused by a subsequent
// Acquire. Safe to call concurrently from multiple sinks/goroutines.
func (p *SlotPool) Release(id SlotId) {
	s := p.slot(id)
	if s.refCount.Add(^uint32(0)) == 0 { // atomic decrement by 1
		p.tiers[id.tier].push(id.index - 1)
	}
}

// Discard returns an acquired-but-never-published slot directly to its
// tier's free list. Used when a framed message resolves to zero fan-out
// (no sink registered for its type): Publish(id, 0) would leave the slot
// permanently stuck live with nothing left to call Release, since a
// refcount only ever reaches zero through a decrement. Discard is only
// valid before Publish has been called.
func (p *SlotPool) Discard(id SlotId) {
	p.tiers[id.tier].push(id.index - 1)
}

// RefCount reports the slot's current reference count. Exposed for
// shutdown-drain polling (Core.Stop) and tests; not part of the hot path.
func (p *SlotPool) RefCount(id SlotId) uint32 {
	return p.slot(id).refCount.Load()
}
