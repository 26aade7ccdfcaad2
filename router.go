// router.go: Router - type-indexed dispatch with zero-copy fan-out
//
// Copyright (c) 2025 ironsheep
// SPDX-License-Identifier: MPL-2.0

package p2term

import (
	"fmt"
	"sync"
)

// Sink is a registered downstream handler. It receives a read-only handle
// to a pooled message and must call Core.Release(id) exactly once. The core
// never releases on its behalf except when the sink itself faults.
type Sink func(id SlotId, h ReadHandle)

// Router dispatches a classified, published message to every sink
// registered for its type (or, for WindowUpdateNamed, its resolved window
// name), preserving registration order per message.
//
// The per-type table is fixed by RegisterSink calls made before Core.Start
// and is never mutated afterward, so Dispatch reads it without
// synchronization. Only the named-window table is dynamic, and it uses
// sync.Map for exactly that reason.
type Router struct {
	pool  *SlotPool
	instr *instrumentation

	table      [numMessageTypes][]Sink
	namedSinks sync.Map // string -> Sink

	onGoldenSync  func()
	errorCallback func(operation string, err error)
}

// NewRouter builds a Router bound to a SlotPool and the shared
// instrumentation block.
func NewRouter(pool *SlotPool, instr *instrumentation) *Router {
	return &Router{pool: pool, instr: instr}
}

// RegisterSink appends sink to t's dispatch list. Intended to be called
// before Core.Start.
func (r *Router) RegisterSink(t MessageType, sink Sink) {
	r.table[t] = append(r.table[t], sink)
}

// RegisterNamedWindowSink registers (or replaces) the sink for a
// user-defined window name. Safe to call at any time, including while the
// core is running.
func (r *Router) RegisterNamedWindowSink(name string, sink Sink) {
	r.namedSinks.Store(name, sink)
}

// resolveTargets computes the ordered sink list a message resolves to. It
// is pure given the current registration state, and is called twice per
// message: once by the Extractor (to learn the fan-out count immediately
// before SlotPool.Publish) and once by Dispatch (to learn the concrete
// sinks to invoke). A named-window sink registered between those two calls
// shifts the resolution by at most one dispatch round; per-type lists are
// fixed before Start, so the two resolutions can never otherwise diverge.
func (r *Router) resolveTargets(h ReadHandle) []Sink {
	if h.Type == MsgWindowUpdateNamed {
		if v, ok := r.namedSinks.Load(h.WindowName); ok {
			return []Sink{v.(Sink)}
		}
		// No concrete sink for this window name: fall back to the
		// diagnostic list (InvalidCog's) plus the terminal sink's list.
		// Whether a missing window is a user-facing error is the
		// application's call, not this layer's.
		fallback := make([]Sink, 0, len(r.table[MsgInvalidCog])+len(r.table[MsgTerminalOutput]))
		fallback = append(fallback, r.table[MsgInvalidCog]...)
		fallback = append(fallback, r.table[MsgTerminalOutput]...)
		return fallback
	}
	return r.table[h.Type]
}

// FanoutCount returns the number of sinks a not-yet-published slot would
// resolve to, given its already-written fields. The Extractor calls this
// immediately before SlotPool.Publish, so the initial refcount store stays
// on the extraction side while the Router owns the resolution rules.
func (r *Router) FanoutCount(h ReadHandle) int {
	return len(r.resolveTargets(h))
}

// Dispatch reads the published slot, resolves its targets, invokes each in
// registration order, and, for P2SystemInit, fires the golden-sync callback
// strictly after every sink invocation has returned.
func (r *Router) Dispatch(id SlotId) {
	h := r.pool.Read(id)
	targets := r.resolveTargets(h)
	for _, sink := range targets {
		r.invoke(sink, id, h)
	}
	if h.Type == MsgP2SystemInit && r.onGoldenSync != nil {
		r.onGoldenSync()
	}
}

// invoke calls sink with panic protection: a faulting sink must not leave
// the slot's refcount stuck above zero, so on recover the Router releases
// on the sink's behalf and counts a sink fault.
func (r *Router) invoke(sink Sink, id SlotId, h ReadHandle) {
	defer func() {
		if rec := recover(); rec != nil {
			r.pool.Release(id)
			if r.instr != nil {
				r.instr.sinkFaults.Add(1)
			}
			if r.errorCallback != nil {
				r.errorCallback("sink_dispatch", fmt.Errorf("sink panic: %v", rec))
			}
		}
	}()
	sink(id, h)
}
