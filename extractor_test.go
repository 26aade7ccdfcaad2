// extractor_test.go: Extractor framing/classification end-to-end scenarios
//
// Copyright (c) 2025 ironsheep
// SPDX-License-Identifier: MPL-2.0

package p2term

import "testing"

// newTestExtractor wires a ring/pool/router/extractor triple with small,
// test-sized tiers and returns the extractor plus a channel-draining helper.
// The extractor's background goroutine is never started in these tests;
// tryExtractOne is driven synchronously so each scenario is deterministic.
func newTestExtractor(t *testing.T) (*Extractor, *ByteRing, *Router) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MaxBinaryPayload = 8192
	cfg.MaxTextLength = 65536
	cfg.RouterMailboxSize = 16

	ring := NewByteRing(1 << 20)
	pool := NewSlotPool([]PoolTierConfig{
		{SlotSize: 512, Count: 32},
		{SlotSize: 4096, Count: 8},
		{SlotSize: 65536, Count: 2},
	}, 100)
	instr := &instrumentation{}
	router := NewRouter(pool, instr)
	ex := NewExtractor(ring, pool, router, cfg, instr, nil)
	return ex, ring, router
}

func drainOne(t *testing.T, ex *Extractor) (SlotId, ReadHandle) {
	t.Helper()
	select {
	case id := <-ex.mailbox:
		return id, ex.pool.Read(id)
	default:
		t.Fatal("expected one dispatched message, mailbox empty")
		return SlotId{}, ReadHandle{}
	}
}

func assertMailboxEmpty(t *testing.T, ex *Extractor) {
	t.Helper()
	select {
	case id := <-ex.mailbox:
		t.Fatalf("unexpected extra dispatch: %+v", ex.pool.Read(id))
	default:
	}
}

func TestExtractorCogMessagePassthrough(t *testing.T) {
	ex, ring, router := newTestExtractor(t)
	var got ReadHandle
	router.RegisterSink(MsgCogMessage, func(id SlotId, h ReadHandle) { got = h; router.pool.Release(id) })

	_ = ring.Append([]byte("Cog3  hello\r\n"))
	if !ex.tryExtractOne() {
		t.Fatal("tryExtractOne returned false, want true")
	}

	id, h := drainOne(t, ex)
	router.Dispatch(id)
	assertMailboxEmpty(t, ex)

	if h.Type != MsgCogMessage || h.Cog != 3 {
		t.Fatalf("got Type=%v Cog=%d, want CogMessage[3]", h.Type, h.Cog)
	}
	if string(got.Data) != "Cog3  hello\r\n" {
		t.Fatalf("dispatched data = %q, want %q", got.Data, "Cog3  hello\r\n")
	}
}

func TestExtractorGoldenSyncTrigger(t *testing.T) {
	ex, ring, router := newTestExtractor(t)

	var syncFired bool
	router.onGoldenSync = func() { syncFired = true }
	router.RegisterSink(MsgP2SystemInit, func(id SlotId, h ReadHandle) { router.pool.Release(id) })

	_ = ring.Append([]byte("Cog0 INIT $0000_0000 $0000_0000 load\n"))
	if !ex.tryExtractOne() {
		t.Fatal("tryExtractOne returned false, want true")
	}

	id, h := drainOne(t, ex)
	if h.Type != MsgP2SystemInit {
		t.Fatalf("got Type=%v, want P2SystemInit", h.Type)
	}
	router.Dispatch(id)

	if !syncFired {
		t.Fatal("golden-sync callback never fired after P2SystemInit was routed")
	}
}

func TestExtractorGoldenSyncFiresWithNoRegisteredSink(t *testing.T) {
	// Golden-sync is pipeline behavior, not sink-dependent: it must still
	// fire even when nothing is registered for P2SystemInit.
	ex, ring, router := newTestExtractor(t)

	var syncFired bool
	router.onGoldenSync = func() { syncFired = true }

	_ = ring.Append([]byte("Cog0 INIT $0000_0000 $0000_0000 load\n"))
	if !ex.tryExtractOne() {
		t.Fatal("tryExtractOne returned false, want true")
	}
	assertMailboxEmpty(t, ex) // zero fanout: nothing ever reaches the mailbox

	if !syncFired {
		t.Fatal("golden-sync callback never fired despite zero registered sinks")
	}
}

func TestExtractorBinaryPacket(t *testing.T) {
	ex, ring, router := newTestExtractor(t)
	var got ReadHandle
	router.RegisterSink(MsgBinaryDebugPacket, func(id SlotId, h ReadHandle) { got = h; router.pool.Release(id) })

	_ = ring.Append([]byte{0xDB, 0x03, 0x00, 0x41, 0x42, 0x43})
	if !ex.tryExtractOne() {
		t.Fatal("tryExtractOne returned false, want true")
	}
	id, h := drainOne(t, ex)
	router.Dispatch(id)

	if h.Type != MsgBinaryDebugPacket {
		t.Fatalf("got Type=%v, want BinaryDebugPacket", h.Type)
	}
	want := []byte{0xDB, 0x03, 0x00, 0x41, 0x42, 0x43}
	if len(got.Data) != len(want) {
		t.Fatalf("data length = %d, want %d", len(got.Data), len(want))
	}
	for i := range want {
		if got.Data[i] != want[i] {
			t.Fatalf("data[%d] = %x, want %x", i, got.Data[i], want[i])
		}
	}
}

func TestExtractorCorruptBinaryLengthRecovers(t *testing.T) {
	ex, ring, router := newTestExtractor(t)
	var got ReadHandle
	router.RegisterSink(MsgCogMessage, func(id SlotId, h ReadHandle) { got = h; router.pool.Release(id) })

	input := append([]byte{0xDB, 0x00, 0x80}, []byte("Cog1  x\r\n")...)
	_ = ring.Append(input)

	// First attempt: the 0xDB header declares len=0x8000, over the 8192 cap.
	if !ex.tryExtractOne() {
		t.Fatal("first tryExtractOne returned false, want true (corrupt-length discard)")
	}
	assertMailboxEmpty(t, ex)
	if ex.instr.corruptBinaryLength.Load() != 1 {
		t.Fatalf("corruptBinaryLength counter = %d, want 1", ex.instr.corruptBinaryLength.Load())
	}

	// Second attempt: framing resumes at "Cog1  x\r\n".
	if !ex.tryExtractOne() {
		t.Fatal("second tryExtractOne returned false, want true")
	}
	id, h := drainOne(t, ex)
	router.Dispatch(id)

	if h.Type != MsgCogMessage || h.Cog != 1 {
		t.Fatalf("got Type=%v Cog=%d, want CogMessage[1]", h.Type, h.Cog)
	}
	if string(got.Data) != "Cog1  x\r\n" {
		t.Fatalf("data = %q, want %q", got.Data, "Cog1  x\r\n")
	}
}

func TestExtractorDebuggerFramePlusZeroTail(t *testing.T) {
	ex, ring, router := newTestExtractor(t)
	var frameHandle, cogHandle ReadHandle
	router.RegisterSink(MsgDebuggerFrame, func(id SlotId, h ReadHandle) { frameHandle = h; router.pool.Release(id) })
	router.RegisterSink(MsgCogMessage, func(id SlotId, h ReadHandle) { cogHandle = h; router.pool.Release(id) })

	frame := make([]byte, debuggerFrameSize)
	frame[0] = 0x02
	for i := 1; i < debuggerFrameSize; i++ {
		frame[i] = byte(i) // arbitrary
	}
	input := append(frame, make([]byte, 12)...) // 12 zero bytes
	input = append(input, []byte("Cog2  ok\r")...)
	_ = ring.Append(input)

	if !ex.tryExtractOne() {
		t.Fatal("tryExtractOne (frame) returned false, want true")
	}
	id, h := drainOne(t, ex)
	router.Dispatch(id)
	if h.Type != MsgDebuggerFrame || h.Cog != 2 {
		t.Fatalf("got Type=%v Cog=%d, want DebuggerFrame[2]", h.Type, h.Cog)
	}
	_ = frameHandle
	assertMailboxEmpty(t, ex)

	// The 12-byte zero run must be silently consumed without becoming a
	// message: Cog2's EOL here is a bare CR followed by end-of-buffer, which
	// is accepted as a terminator.
	if !ex.tryExtractOne() {
		t.Fatal("tryExtractOne (cog message after zero tail) returned false, want true")
	}
	id2, h2 := drainOne(t, ex)
	router.Dispatch(id2)
	if h2.Type != MsgCogMessage || h2.Cog != 2 {
		t.Fatalf("got Type=%v Cog=%d, want CogMessage[2]", h2.Type, h2.Cog)
	}
	_ = cogHandle
	if ring.Available() != 0 {
		t.Fatalf("ring.Available() = %d, want 0 (zero run consumed silently)", ring.Available())
	}
}

func TestExtractorEmbeddedCRInWindowPayload(t *testing.T) {
	ex, ring, router := newTestExtractor(t)
	var got ReadHandle
	router.RegisterSink(MsgWindowCreateOrUpdate, func(id SlotId, h ReadHandle) { got = h; router.pool.Release(id) })

	input := "`bitmap myname data\rmore\r\n"
	_ = ring.Append([]byte(input))

	if !ex.tryExtractOne() {
		t.Fatal("tryExtractOne returned false, want true")
	}
	id, h := drainOne(t, ex)
	router.Dispatch(id)

	if h.Type != MsgWindowCreateOrUpdate || h.WindowKind != "bitmap" {
		t.Fatalf("got Type=%v Kind=%q, want WindowCreateOrUpdate[bitmap]", h.Type, h.WindowKind)
	}
	if string(got.Data) != input {
		t.Fatalf("data = %q, want %q", got.Data, input)
	}
}

func TestExtractorInvalidCogOutOfRangeDigit(t *testing.T) {
	ex, ring, router := newTestExtractor(t)
	var got ReadHandle
	router.RegisterSink(MsgInvalidCog, func(id SlotId, h ReadHandle) { got = h; router.pool.Release(id) })

	_ = ring.Append([]byte("Cog9  bad\n"))
	if !ex.tryExtractOne() {
		t.Fatal("tryExtractOne returned false, want true")
	}
	id, h := drainOne(t, ex)
	router.Dispatch(id)

	if h.Type != MsgInvalidCog || h.Cog != 9 {
		t.Fatalf("got Type=%v Cog=%d, want InvalidCog[9]", h.Type, h.Cog)
	}
	_ = got
}

func TestExtractorInvalidCogSingleSpace(t *testing.T) {
	ex, ring, router := newTestExtractor(t)
	router.RegisterSink(MsgInvalidCog, func(id SlotId, h ReadHandle) { router.pool.Release(id) })

	_ = ring.Append([]byte("Cog3 onespace\n"))
	if !ex.tryExtractOne() {
		t.Fatal("tryExtractOne returned false, want true")
	}
	id, h := drainOne(t, ex)
	router.Dispatch(id)
	if h.Type != MsgInvalidCog {
		t.Fatalf("got Type=%v, want InvalidCog (one space is not a Cog message)", h.Type)
	}
}

func TestExtractorTerminalOutputCatchAll(t *testing.T) {
	ex, ring, router := newTestExtractor(t)
	router.RegisterSink(MsgTerminalOutput, func(id SlotId, h ReadHandle) { router.pool.Release(id) })

	_ = ring.Append([]byte("just some plain output\n"))
	if !ex.tryExtractOne() {
		t.Fatal("tryExtractOne returned false, want true")
	}
	id, h := drainOne(t, ex)
	router.Dispatch(id)
	if h.Type != MsgTerminalOutput {
		t.Fatalf("got Type=%v, want TerminalOutput", h.Type)
	}
}

func TestExtractorZeroLengthBinaryPacket(t *testing.T) {
	ex, ring, router := newTestExtractor(t)
	var got ReadHandle
	router.RegisterSink(MsgBinaryDebugPacket, func(id SlotId, h ReadHandle) { got = h; router.pool.Release(id) })

	_ = ring.Append([]byte{0xDB, 0x00, 0x00})
	if !ex.tryExtractOne() {
		t.Fatal("tryExtractOne returned false, want true")
	}
	id, h := drainOne(t, ex)
	router.Dispatch(id)
	if h.Type != MsgBinaryDebugPacket || len(got.Data) != 3 {
		t.Fatalf("got Type=%v len=%d, want BinaryDebugPacket len=3 (header only)", h.Type, len(got.Data))
	}
}

func TestExtractorTextExactlyAtMaxLengthAccepted(t *testing.T) {
	ex, ring, router := newTestExtractor(t)
	router.RegisterSink(MsgTerminalOutput, func(id SlotId, h ReadHandle) { router.pool.Release(id) })

	limit := ex.cfg.MaxTextLength
	body := make([]byte, limit-1)
	for i := range body {
		body[i] = 'a'
	}
	msg := append(body, '\n') // exactly limit bytes including terminator
	_ = ring.Append(msg)

	if !ex.tryExtractOne() {
		t.Fatal("a text message of exactly MaxTextLength bytes was abandoned, want accepted")
	}
	id, h := drainOne(t, ex)
	router.Dispatch(id)
	if h.Type != MsgTerminalOutput {
		t.Fatalf("got Type=%v, want TerminalOutput", h.Type)
	}
}

func TestExtractorTextOverMaxLengthAbandoned(t *testing.T) {
	ex, ring, _ := newTestExtractor(t)

	limit := ex.cfg.MaxTextLength
	body := make([]byte, limit) // terminator would land at index limit, one past the cap
	for i := range body {
		body[i] = 'a'
	}
	msg := append(body, '\n')
	_ = ring.Append(msg)

	if ex.tryExtractOne() {
		t.Fatal("a text message exceeding MaxTextLength was accepted, want abandoned (Incomplete)")
	}
	if ring.Available() != len(msg) {
		t.Fatalf("ring.Available() = %d, want %d (untouched on abandonment)", ring.Available(), len(msg))
	}
}

func TestExtractorPoolExhaustionDropsAndAdvances(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RouterMailboxSize = 16
	ring := NewByteRing(1 << 16)
	pool := NewSlotPool([]PoolTierConfig{{SlotSize: 512, Count: 0}}, 2)
	instr := &instrumentation{}
	router := NewRouter(pool, instr)
	ex := NewExtractor(ring, pool, router, cfg, instr, nil)

	_ = ring.Append([]byte("hello world\n"))
	if !ex.tryExtractOne() {
		t.Fatal("tryExtractOne returned false, want true (progress even on drop)")
	}
	assertMailboxEmpty(t, ex)
	if ring.Available() != 0 {
		t.Fatalf("ring.Available() = %d, want 0 (framed bytes still consumed on drop)", ring.Available())
	}
	if instr.droppedPoolFull.Load() != 1 {
		t.Fatalf("droppedPoolFull = %d, want 1", instr.droppedPoolFull.Load())
	}
}
