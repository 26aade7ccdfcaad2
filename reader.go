// reader.go: Reader - serial driver callback adapter
//
// Copyright (c) 2025 ironsheep
// SPDX-License-Identifier: MPL-2.0

package p2term

import (
	"sync/atomic"

	"github.com/agilira/go-timecache"
)

// Reader adapts the serial driver's data callback into ByteRing.Append
// calls. It is the ring's sole producer. Its only job is to get the
// driver's bytes copied into the ring before the callback returns; no
// parsing, no blocking, no allocation. Failure is reported through a
// counter and callback rather than a returned error, because the caller
// (the driver's callback thread) has nowhere useful to send an error.
type Reader struct {
	ring    *ByteRing
	instr   *instrumentation
	quiesce atomic.Bool

	listener  EventListener
	timeCache *timecache.TimeCache

	errorCallback func(operation string, err error)
}

// NewReader builds a Reader bound to a ring and the shared instrumentation.
// A nil tc falls back to the process-wide shared time cache.
func NewReader(ring *ByteRing, instr *instrumentation, listener EventListener, tc *timecache.TimeCache) *Reader {
	if tc == nil {
		tc = timecache.DefaultCache()
	}
	return &Reader{ring: ring, instr: instr, listener: listener, timeCache: tc}
}

// Quiesce toggles drop-without-copy mode, used during shutdown and
// golden-sync reset to keep the Reader from racing with ring.Clear.
func (r *Reader) Quiesce(on bool) {
	r.quiesce.Store(on)
}

// OnData is the serial driver's data callback entry point (wired as
// Core.OnSerialBytes). It must complete in well under the ~4ms inter-packet
// interval of a 2 Mbit/s stream and must never block.
func (r *Reader) OnData(b []byte) {
	if r.quiesce.Load() {
		return
	}
	if len(b) == 0 {
		return
	}

	// The driver reuses its buffer the instant this callback returns.
	// Append copies b into the ring before it returns, which satisfies
	// that contract without an intermediate allocation.
	if err := r.ring.Append(b); err != nil {
		r.instr.overflow.Add(1)
		r.instr.lastOverflowNano.Store(r.timeCache.CachedTime().UnixNano())
		if r.listener != nil {
			r.listener.OnOverflow()
		}
		if r.errorCallback != nil {
			r.errorCallback("reader_append", err)
		}
	}
}
