// core_test.go: Core end-to-end pipeline tests
//
// Copyright (c) 2025 ironsheep
// SPDX-License-Identifier: MPL-2.0

package p2term

import (
	"sync"
	"testing"
	"time"
)

func newTestCore(t *testing.T) *Core {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RingCapacity = 1 << 16
	cfg.PoolTiers = []PoolTierConfig{
		{SlotSize: 512, Count: 64},
		{SlotSize: 4096, Count: 16},
		{SlotSize: 65536, Count: 2},
	}
	cfg.DrainTimeout = 200 * time.Millisecond
	core, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return core
}

func TestCoreStartStopLifecycle(t *testing.T) {
	core := newTestCore(t)

	if err := core.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := core.Start(); err != errAlreadyStarted {
		t.Fatalf("second Start = %v, want errAlreadyStarted", err)
	}
	if err := core.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestCoreStopWithoutStart(t *testing.T) {
	core := newTestCore(t)
	if err := core.Stop(); err != errNotStarted {
		t.Fatalf("Stop before Start = %v, want errNotStarted", err)
	}
}

func TestCoreEndToEndDispatch(t *testing.T) {
	core := newTestCore(t)

	done := make(chan ReadHandle, 1)
	core.RegisterSink(MsgCogMessage, func(id SlotId, h ReadHandle) {
		done <- h
		core.Release(id)
	})

	if err := core.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer core.Stop()

	core.OnSerialBytes([]byte("Cog5  running\r\n"))

	select {
	case h := <-done:
		if h.Type != MsgCogMessage || h.Cog != 5 {
			t.Fatalf("got Type=%v Cog=%d, want CogMessage[5]", h.Type, h.Cog)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
}

func TestCoreGoldenSyncClearsRingAndNotifies(t *testing.T) {
	core := newTestCore(t)

	syncCh := make(chan struct{}, 1)
	core.listener = goldenSyncListener{ch: syncCh}
	core.reader.listener = core.listener
	core.extractor.listener = core.listener

	if err := core.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer core.Stop()

	core.OnSerialBytes([]byte("Cog0 INIT $0000_0000 $0000_0000 load\n"))

	select {
	case <-syncCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for golden-sync notification")
	}
}

type goldenSyncListener struct {
	NopEventListener
	ch chan struct{}
}

func (l goldenSyncListener) OnGoldenSync() {
	select {
	case l.ch <- struct{}{}:
	default:
	}
}

func TestCoreConcurrentSinksReleaseIndependently(t *testing.T) {
	core := newTestCore(t)

	var wg sync.WaitGroup
	wg.Add(2)
	core.RegisterSink(MsgTerminalOutput, func(id SlotId, h ReadHandle) {
		defer wg.Done()
		core.Release(id)
	})
	core.RegisterSink(MsgTerminalOutput, func(id SlotId, h ReadHandle) {
		defer wg.Done()
		core.Release(id)
	})

	if err := core.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer core.Stop()

	core.OnSerialBytes([]byte("plain output line\n"))

	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for both sinks to release")
	}
}

func TestCorePollStatsReflectsExtraction(t *testing.T) {
	core := newTestCore(t)
	core.RegisterSink(MsgTerminalOutput, func(id SlotId, h ReadHandle) { core.Release(id) })

	if err := core.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer core.Stop()

	core.OnSerialBytes([]byte("hello\n"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if core.PollStats().Extracted > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("PollStats().Extracted never became > 0")
}
