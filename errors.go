// errors.go: Error taxonomy and diagnostic callbacks
//
// Copyright (c) 2025 ironsheep
// SPDX-License-Identifier: MPL-2.0

package p2term

import "errors"

// Pre-allocated errors to avoid allocations in hot paths.
var (
	// errRingFull is returned by ByteRing.Append when there is not enough
	// free space for the whole chunk. Append never partially writes.
	errRingFull = errors.New("p2term: byte ring full")

	// errPoolExhausted is reported via ErrorCallback when SlotPool.Acquire
	// finds no slot of a tier large enough for the request free after the
	// retry budget.
	errPoolExhausted = errors.New("p2term: slot pool exhausted")

	// errNotStarted / errAlreadyStarted guard Core's lifecycle.
	errNotStarted     = errors.New("p2term: core not started")
	errAlreadyStarted = errors.New("p2term: core already started")

	// errCorruptBinaryLength is reported via ErrorCallback when a 0xDB
	// header declares a length over Config.MaxBinaryPayload.
	errCorruptBinaryLength = errors.New("p2term: corrupt binary debug packet length")

	// errShutdownLeak wraps the count of slots still non-zero at the
	// Stop drain timeout.
	errShutdownLeak = errors.New("p2term: shutdown leak")
)

// ErrorKind classifies the conditions the core can report. The conditions
// themselves are surfaced through EventListener, Stats counters, and
// ErrorCallback, never returned up the Reader callback, because that call
// path must stay fast and non-blocking; none of those paths carries an
// ErrorKind value.
type ErrorKind int

const (
	// KindOverflow: ring append failed. Fatal for stream continuity;
	// recovered only by golden-sync or a manual Core restart.
	KindOverflow ErrorKind = iota

	// KindPoolExhausted: Acquire failed after the retry budget. The
	// offending message is dropped and counted; framing still advances
	// past it so the pipeline does not deadlock.
	KindPoolExhausted

	// KindCorruptBinaryLength: a 0xDB header declared a length over the
	// configured cap. The whole three-byte header is discarded and framing
	// resumes at the next message-start byte.
	KindCorruptBinaryLength

	// KindInvalidCog: classified as InvalidCog and routed for diagnostics.
	// Not an error in the programmatic sense.
	KindInvalidCog

	// KindSinkFault: a sink handler panicked. The Router releases on its
	// behalf so the slot's refcount still converges to zero.
	KindSinkFault

	// KindShutdownLeak: a slot's refcount was still non-zero when the
	// drain timeout elapsed during Core.Stop.
	KindShutdownLeak
)

func (k ErrorKind) String() string {
	switch k {
	case KindOverflow:
		return "overflow"
	case KindPoolExhausted:
		return "pool_exhausted"
	case KindCorruptBinaryLength:
		return "corrupt_binary_length"
	case KindInvalidCog:
		return "invalid_cog"
	case KindSinkFault:
		return "sink_fault"
	case KindShutdownLeak:
		return "shutdown_leak"
	default:
		return "unknown"
	}
}

// EventListener receives level-triggered notifications from the core. All
// methods are invoked from whichever goroutine detected the condition
// (Reader, Extractor, or Router) and must return quickly; they run inline,
// not on a dedicated notification goroutine.
type EventListener interface {
	// OnOverflow fires when the Reader's copy-and-append to the ring fails
	// because the ring has no room for the incoming chunk.
	OnOverflow()

	// OnPoolExhausted fires when the Extractor cannot acquire a slot for a
	// framed message of the given type.
	OnPoolExhausted(mtype MessageType)

	// OnGoldenSync fires after a P2SystemInit message has been routed and
	// the ring/extractor state has been reset.
	OnGoldenSync()
}

// NopEventListener implements EventListener with no-op methods, so callers
// that only care about Stats don't need to implement every callback.
type NopEventListener struct{}

func (NopEventListener) OnOverflow()                       {}
func (NopEventListener) OnPoolExhausted(mtype MessageType) {}
func (NopEventListener) OnGoldenSync()                     {}
