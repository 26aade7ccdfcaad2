// extractor.go: Extractor - framing, classification, and the parser state machine
//
// Copyright (c) 2025 ironsheep
// SPDX-License-Identifier: MPL-2.0

package p2term

import (
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
)

// extractorState names the parser states. The Trying* states are transient
// within a single synchronous attempt (there is only one consumer goroutine,
// so nothing outside it ever observes them mid-attempt); Idle, Paused, and
// Shutdown are the only states anything else can meaningfully poll, via
// State().
type extractorState int32

const (
	stateIdle extractorState = iota
	stateTryingBinary
	stateTryingText
	stateTryingDebuggerFrame
	statePostDebuggerGap
	statePaused
	stateShutdown
)

// Extractor is the background task that reads a ByteRing, performs framing
// and classification, writes messages into a SlotPool, and hands slot IDs to
// the Router's mailbox. It runs a cooperative drain loop with a batch cap
// and idle backoff; it reacts to data, not a clock.
type Extractor struct {
	ring   *ByteRing
	pool   *SlotPool
	router *Router
	cfg    Config
	instr  *instrumentation

	mailbox  chan SlotId
	listener EventListener

	state    atomic.Int32
	pauseReq atomic.Bool

	stopCh chan struct{}
	wg     sync.WaitGroup

	timeCache *timecache.TimeCache

	// Scratch buffers reused across attempts so a sustained stream doesn't
	// allocate per message on the hot extraction path.
	textScratch  []byte
	binScratch   []byte
	frameScratch [debuggerFrameSize]byte

	errorCallback func(operation string, err error)
}

// NewExtractor builds an Extractor wired to a ring, pool, router, and
// mailbox channel of the configured capacity. A nil tc falls back to the
// process-wide shared time cache.
func NewExtractor(ring *ByteRing, pool *SlotPool, router *Router, cfg Config, instr *instrumentation, tc *timecache.TimeCache) *Extractor {
	if tc == nil {
		tc = timecache.DefaultCache()
	}
	return &Extractor{
		ring:        ring,
		pool:        pool,
		router:      router,
		cfg:         cfg,
		instr:       instr,
		listener:    cfg.Listener,
		mailbox:     make(chan SlotId, cfg.RouterMailboxSize),
		stopCh:      make(chan struct{}),
		timeCache:   tc,
		textScratch: make([]byte, cfg.MaxTextLength),
		binScratch:  make([]byte, cfg.MaxBinaryPayload+3),
	}
}

// Mailbox exposes the channel of classified slot IDs for the Router's
// dispatch loop to drain. FIFO, so total extraction order is preserved into
// dispatch order.
func (e *Extractor) Mailbox() <-chan SlotId {
	return e.mailbox
}

// State reports the Extractor's externally observable state.
func (e *Extractor) State() extractorState {
	return extractorState(e.state.Load())
}

// Start launches the background extraction goroutine.
func (e *Extractor) Start() {
	e.wg.Add(1)
	go e.run()
}

// Pause requests a pause and blocks until the extraction goroutine
// acknowledges it from a point where it is not touching the ring. Callers
// (golden-sync, shutdown) rely on that acknowledgment before clearing the
// ring out from under the consumer. The acknowledgment points are the top of
// the run loop and the mailbox backpressure wait; a caller already running
// on the extraction goroutine itself must have stored statePaused before
// calling, or Pause would never return.
func (e *Extractor) Pause() {
	e.pauseReq.Store(true)
	for {
		s := e.State()
		if s == statePaused || s == stateShutdown {
			return
		}
		runtime.Gosched()
	}
}

// Resume clears the pause request; the extraction goroutine transitions back
// to Idle on its next loop iteration.
func (e *Extractor) Resume() {
	e.pauseReq.Store(false)
}

// Stop signals the background goroutine to exit and waits for it.
func (e *Extractor) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

// run is the Extractor's cooperative tight loop: drain up to BatchCap
// messages, then yield. Consistently empty rounds back off from Gosched to a
// short sleep so an idle stream doesn't spin a core.
func (e *Extractor) run() {
	defer e.wg.Done()

	idleRounds := 0
	for {
		select {
		case <-e.stopCh:
			e.state.Store(int32(stateShutdown))
			return
		default:
		}

		if e.pauseReq.Load() {
			e.state.Store(int32(statePaused))
			time.Sleep(50 * time.Microsecond)
			continue
		}
		if e.State() == statePaused {
			e.state.Store(int32(stateIdle))
		}

		processed := e.drainBatch()
		if processed == 0 {
			idleRounds++
			if idleRounds < 32 {
				runtime.Gosched()
			} else {
				time.Sleep(200 * time.Microsecond)
			}
		} else {
			idleRounds = 0
		}
	}
}

// drainBatch attempts up to cfg.BatchCap framing operations before
// returning, so one goroutine never monopolizes its thread. Bails early on a
// pause request so Pause callers aren't held for a whole batch.
func (e *Extractor) drainBatch() int {
	n := 0
	for n < e.cfg.BatchCap {
		if e.pauseReq.Load() {
			break
		}
		if !e.tryExtractOne() {
			break
		}
		n++
	}
	return n
}

// tryExtractOne attempts exactly one framing+classification step: binary
// first (if the stream's next byte is 0xDB), then a fixed-size DebuggerFrame
// attempt for a lead byte in 0x00..0x07, then the text boundary scan.
// Returns false if no progress was possible this round (ring empty, or every
// candidate is incomplete or abandoned).
//
// The frame attempt has to run before the text scan: a 416-byte frame
// routinely contains CR/LF bytes whose lookahead happens to satisfy the text
// terminator rule, and the greedy scan would swallow the whole frame (and
// whatever text follows it) as one bogus terminal line. A frame at the head
// of the ring is identified by its lead byte alone, so when a full frame's
// worth of bytes is buffered it wins; with fewer bytes buffered the text
// scan still gets its chance, since a control byte can also open an ordinary
// terminal line.
func (e *Extractor) tryExtractOne() bool {
	first, ok := e.ring.Peek()
	if !ok {
		return false
	}

	if first == 0xDB {
		e.state.Store(int32(stateTryingBinary))
		ok := e.tryBinary()
		e.state.Store(int32(stateIdle))
		return ok
	}

	if first <= 0x07 {
		e.state.Store(int32(stateTryingDebuggerFrame))
		if e.tryDebuggerFrame() {
			e.state.Store(int32(stateIdle))
			return true
		}
	}

	e.state.Store(int32(stateTryingText))
	if e.tryText() {
		e.state.Store(int32(stateIdle))
		return true
	}

	e.state.Store(int32(stateIdle))
	return false
}

// tryBinary frames a BinaryDebugPacket: 0xDB, a little-endian 16-bit payload
// length, then the payload. A declared length over MaxBinaryPayload is
// corrupt: the whole three-byte header is dropped and the ring is skipped
// ahead to the next plausible message-start byte, so the stray length bytes
// cannot masquerade as the head of a text message. An as-yet-incomplete
// payload leaves the ring untouched.
func (e *Extractor) tryBinary() bool {
	var hdr [3]byte
	if e.ring.CopyOut(hdr[:], 0) < 3 {
		return false
	}
	length := int(hdr[1]) | int(hdr[2])<<8

	if length > e.cfg.MaxBinaryPayload {
		e.ring.Advance(3)
		e.resyncToMessageStart()
		e.instr.corruptBinaryLength.Add(1)
		if e.errorCallback != nil {
			e.errorCallback("binary_frame", errCorruptBinaryLength)
		}
		return true
	}

	total := 3 + length
	if e.ring.Available() < total {
		return false
	}

	buf := e.binScratch[:total]
	e.ring.CopyOut(buf, 0)

	id, ok := e.pool.Acquire(total)
	if !ok {
		e.ring.Advance(total)
		e.recordPoolExhausted(MsgBinaryDebugPacket)
		return true
	}

	e.pool.SetType(id, MsgBinaryDebugPacket)
	e.pool.WriteData(id, buf)
	e.ring.Advance(total)
	e.publishAndRoute(id)
	return true
}

// tryText scans for an EOL terminator (CR, LF, CRLF, or LFCR), accepting it
// only when the byte after the cluster could begin a new message or is not
// yet buffered. Returns false if the scan ran off the end of currently
// buffered data (incomplete) or past MaxTextLength without an accepted
// terminator (abandoned); either way the ring is left untouched and the
// candidate is simply retried on a later round, never force-terminated.
func (e *Extractor) tryText() bool {
	limit := e.cfg.MaxTextLength
	pos := 0
	for pos < limit {
		b, ok := e.ring.PeekAt(pos)
		if !ok {
			return false // incomplete
		}

		if b == '\r' || b == '\n' {
			clusterLen := 1
			if b2, ok2 := e.ring.PeekAt(pos + 1); ok2 {
				if (b == '\r' && b2 == '\n') || (b == '\n' && b2 == '\r') {
					clusterLen = 2
				}
			}

			lookaheadPos := pos + clusterLen
			nb, okn := e.ring.PeekAt(lookaheadPos)
			accept := !okn || isMessageStartByte(nb)

			if accept {
				total := lookaheadPos
				if total > limit {
					return false // would exceed MaxTextLength; abandon
				}
				return e.emitText(total)
			}

			// Terminator-shaped bytes embedded inside payload data (large
			// sprite definitions carry literal CR/LF): not a boundary, keep
			// scanning past the cluster.
			pos += clusterLen
			continue
		}
		pos++
	}
	return false // abandoned: no accepted terminator within MaxTextLength
}

// emitText classifies total bytes of already-scanned text and publishes them
// as the resolved MessageType.
func (e *Extractor) emitText(total int) bool {
	buf := e.textScratch[:total]
	e.ring.CopyOut(buf, 0)

	mtype, cog, kind, name := classifyText(buf)

	id, ok := e.pool.Acquire(total)
	if !ok {
		e.ring.Advance(total)
		e.recordPoolExhausted(mtype)
		return true
	}

	e.pool.SetType(id, mtype)
	e.pool.SetCog(id, cog)
	e.pool.SetWindowKind(id, kind)
	e.pool.SetWindowName(id, name)
	e.pool.WriteData(id, buf)
	e.ring.Advance(total)

	if mtype == MsgInvalidCog {
		e.instr.invalidCog.Add(1)
	}
	e.publishAndRoute(id)
	return true
}

// tryDebuggerFrame frames a fixed 416-byte debugger frame whose first byte
// is the COG index, then consumes the zero-byte run the hardware emits after
// each frame.
func (e *Extractor) tryDebuggerFrame() bool {
	if e.ring.Available() < debuggerFrameSize {
		return false
	}
	first, _ := e.ring.Peek()
	cog := int8(first)

	buf := e.frameScratch[:debuggerFrameSize]
	e.ring.CopyOut(buf, 0)

	id, ok := e.pool.Acquire(debuggerFrameSize)
	if !ok {
		e.ring.Advance(debuggerFrameSize)
		e.recordPoolExhausted(MsgDebuggerFrame)
		e.consumeZeroTail()
		return true
	}

	e.pool.SetType(id, MsgDebuggerFrame)
	e.pool.SetCog(id, cog)
	e.pool.WriteData(id, buf)
	e.ring.Advance(debuggerFrameSize)
	e.publishAndRoute(id)

	e.state.Store(int32(statePostDebuggerGap))
	e.consumeZeroTail()
	return true
}

// consumeZeroTail discards the run of 0x00 bytes the hardware is known to
// emit after a debugger frame. These bytes are never counted as messages.
func (e *Extractor) consumeZeroTail() {
	for {
		b, ok := e.ring.Peek()
		if !ok || b != 0x00 {
			return
		}
		e.ring.Advance(1)
	}
}

// resyncToMessageStart discards bytes until the head of the ring is a
// plausible message-start byte or the ring is empty. Used after a corrupt
// binary header, whose discarded length bytes would otherwise be misread as
// the opening of a text message.
func (e *Extractor) resyncToMessageStart() {
	for {
		b, ok := e.ring.Peek()
		if !ok || isMessageStartByte(b) {
			return
		}
		e.ring.Advance(1)
	}
}

// recordPoolExhausted counts a dropped message. The caller has already
// advanced the ring past the framed-but-dropped bytes so the pipeline does
// not deadlock behind a full pool.
func (e *Extractor) recordPoolExhausted(mtype MessageType) {
	e.instr.droppedPoolFull.Add(1)
	if e.errorCallback != nil {
		e.errorCallback("slot_acquire", errPoolExhausted)
	}
	if e.listener != nil {
		e.listener.OnPoolExhausted(mtype)
	}
}

// publishAndRoute resolves the fan-out for an already-written slot, sets its
// initial reference count (the 0->n transition happens here, on the
// extraction side, never in the dispatch loop), and hands the slot ID to the
// Router's mailbox. A zero-fanout resolution (no sink registered at all for
// this message) would otherwise strand the slot live with nothing ever able
// to release it, so it is discarded back to the free list unpublished
// instead.
func (e *Extractor) publishAndRoute(id SlotId) {
	h := e.pool.Read(id)
	count := e.router.FanoutCount(h)
	if count == 0 {
		e.pool.Discard(id)
		// Golden-sync must still fire even if no sink happens to be
		// registered for P2SystemInit: it is pipeline behavior, not
		// sink-dependent. Normally it runs from inside Router.Dispatch,
		// strictly after routing; with zero targets there is nothing to
		// route to, so it runs here, on the extraction goroutine itself.
		// The goroutine parks itself in statePaused first (the ring is not
		// being touched at this point) so the golden-sync handler's Pause
		// call returns immediately instead of waiting on us.
		if h.Type == MsgP2SystemInit && e.router.onGoldenSync != nil {
			e.state.Store(int32(statePaused))
			e.router.onGoldenSync()
			e.state.Store(int32(stateIdle))
		}
		return
	}
	e.pool.Publish(id, uint32(count))
	e.instr.recordExtracted(h.Type, e.timeCache.CachedTime().UnixNano())

	e.sendToMailbox(id)
}

// sendToMailbox enqueues a published slot ID, waiting out backpressure when
// the dispatch loop has fallen behind. While waiting it still acknowledges a
// pause request (the slot's ring bytes are already fully consumed, so the
// ring may be safely cleared while we sit here); without that, a golden-sync
// triggered by an earlier message in a full mailbox would deadlock against
// the dispatch loop that is waiting for our pause.
func (e *Extractor) sendToMailbox(id SlotId) {
	for {
		select {
		case e.mailbox <- id:
			return
		case <-time.After(100 * time.Microsecond):
			if e.pauseReq.Load() {
				e.state.Store(int32(statePaused))
			}
		}
	}
}

// classifyText resolves a framed text message's type: strict golden-sync
// prefix test first, then CogMessage/InvalidCog, then the window command
// forms for a leading backtick, then the TerminalOutput catch-all. buf
// includes its terminating EOL bytes.
func classifyText(buf []byte) (mtype MessageType, cog int8, kind string, name string) {
	body := trimEOL(buf)

	if len(body) >= 3 && body[0] == 'C' && body[1] == 'o' && body[2] == 'g' {
		if len(body) >= 4 && body[3] >= '0' && body[3] <= '9' {
			digit := int8(body[3] - '0')
			if digit > 7 {
				return MsgInvalidCog, digit, "", ""
			}
			// The golden-sync marker is matched by strict byte compare
			// before the generic two-space CogMessage rule: its literal
			// text has only one space after "Cog0", so it would otherwise
			// never pass the two-space gate below.
			if digit == 0 && string(body) == goldenSyncText {
				return MsgP2SystemInit, digit, "", ""
			}
			if len(body) >= 6 && body[4] == ' ' && body[5] == ' ' {
				return MsgCogMessage, digit, "", ""
			}
			return MsgInvalidCog, digit, "", ""
		}
		// "Cog" not followed by a digit at all: not Cog-message shaped,
		// falls through to the catch-all below.
	}

	if len(buf) > 0 && buf[0] == 0x60 {
		return classifyWindow(buf)
	}

	return MsgTerminalOutput, -1, "", ""
}

// classifyWindow parses the kind/name token immediately after the leading
// backtick. Kind comparison is ASCII case-insensitive; an unrecognized token
// is taken as a user-defined window name verbatim.
func classifyWindow(buf []byte) (MessageType, int8, string, string) {
	i := 1
	start := i
	for i < len(buf) && buf[i] != ' ' && buf[i] != '\t' && buf[i] != '\r' && buf[i] != '\n' {
		i++
	}
	token := string(buf[start:i])
	lower := strings.ToLower(token)
	if _, ok := windowKinds[lower]; ok {
		return MsgWindowCreateOrUpdate, -1, lower, ""
	}
	return MsgWindowUpdateNamed, -1, "", token
}

// trimEOL strips a trailing CR, LF, CRLF, or LFCR cluster from buf.
func trimEOL(buf []byte) []byte {
	n := len(buf)
	if n == 0 {
		return buf
	}
	last := buf[n-1]
	if last != '\r' && last != '\n' {
		return buf
	}
	if n >= 2 {
		prev := buf[n-2]
		if (last == '\n' && prev == '\r') || (last == '\r' && prev == '\n') {
			return buf[:n-2]
		}
	}
	return buf[:n-1]
}
