// core.go: Core - control plane wiring the whole ingest pipeline
//
// Copyright (c) 2025 ironsheep
// SPDX-License-Identifier: MPL-2.0

package p2term

import (
	"fmt"
	"sync"
	"time"

	"github.com/agilira/go-timecache"
)

// Core wires ByteRing, SlotPool, Reader, Extractor, and Router into one
// pipeline and owns their lifecycle.
type Core struct {
	cfg Config

	ring      *ByteRing
	pool      *SlotPool
	reader    *Reader
	extractor *Extractor
	router    *Router
	instr     *instrumentation
	listener  EventListener
	timeCache *timecache.TimeCache

	dispatchStop chan struct{}
	dispatchDone chan struct{}

	stopOnce sync.Once
	started  bool
	mu       sync.Mutex
}

// New builds a Core from an explicit Config. Unset fields are filled from
// DefaultConfig.
func New(cfg Config) (*Core, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	tc := timecache.NewWithResolution(time.Millisecond)

	c := &Core{
		cfg:          cfg,
		listener:     cfg.Listener,
		instr:        &instrumentation{},
		timeCache:    tc,
		dispatchStop: make(chan struct{}),
		dispatchDone: make(chan struct{}),
	}

	c.ring = NewByteRing(cfg.RingCapacity)
	c.pool = NewSlotPool(cfg.PoolTiers, cfg.PoolRetrySpins)
	c.router = NewRouter(c.pool, c.instr)
	c.router.onGoldenSync = c.goldenSync
	c.router.errorCallback = cfg.ErrorCallback
	c.reader = NewReader(c.ring, c.instr, c.listener, tc)
	c.reader.errorCallback = cfg.ErrorCallback
	c.extractor = NewExtractor(c.ring, c.pool, c.router, cfg, c.instr, tc)
	c.extractor.errorCallback = cfg.ErrorCallback

	return c, nil
}

// NewWithDefaults builds a Core using DefaultConfig().
func NewWithDefaults() (*Core, error) {
	return New(DefaultConfig())
}

// RegisterSink appends sink to t's dispatch list. Must be called before
// Start.
func (c *Core) RegisterSink(t MessageType, sink Sink) {
	c.router.RegisterSink(t, sink)
}

// RegisterNamedWindowSink registers the sink for a user-defined window
// name. Safe to call at any time, including after Start.
func (c *Core) RegisterNamedWindowSink(name string, sink Sink) {
	c.router.RegisterNamedWindowSink(name, sink)
}

// Start initializes the pipeline: starts the Extractor's background task
// and the Router's dispatch loop, and readies the Reader to accept bytes.
func (c *Core) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errAlreadyStarted
	}
	c.started = true

	c.extractor.Start()
	go c.dispatchLoop()

	return nil
}

// dispatchLoop is the Router/sinks execution context: it drains the
// Extractor's mailbox and invokes Router.Dispatch for each slot ID, in FIFO
// order, preserving total message order into per-type order.
func (c *Core) dispatchLoop() {
	defer close(c.dispatchDone)
	for {
		select {
		case id, ok := <-c.extractor.Mailbox():
			if !ok {
				return
			}
			c.router.Dispatch(id)
		case <-c.dispatchStop:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case id := <-c.extractor.Mailbox():
					c.router.Dispatch(id)
				default:
					return
				}
			}
		}
	}
}

// OnSerialBytes is the Reader's entry point, wired to the serial driver's
// data callback.
func (c *Core) OnSerialBytes(b []byte) {
	c.reader.OnData(b)
}

// Release decrements a slot's reference count; every Sink must call this
// exactly once per dispatch it receives.
func (c *Core) Release(id SlotId) {
	c.pool.Release(id)
}

// PollStats returns a point-in-time snapshot of every counter. Each field
// is an independent atomic load; there is no cross-field consistency
// guarantee.
func (c *Core) PollStats() Stats {
	return c.instr.snapshot(c.ring)
}

// goldenSync runs the device-restart recovery sequence: quiesce the Reader,
// pause the Extractor (waiting for it to acknowledge from a point where it
// is not touching the ring), clear the ring, notify, resume. It is invoked
// by Router.Dispatch strictly after the triggering P2SystemInit message has
// been routed, so loggers observe the marker before the ring is cleared out
// from under them. When no sink is registered for P2SystemInit, the
// Extractor invokes it directly from its own goroutine instead.
func (c *Core) goldenSync() {
	c.reader.Quiesce(true)
	c.extractor.Pause()

	c.ring.Clear()
	c.instr.lastGoldenSyncNano.Store(c.timeCache.CachedTime().UnixNano())
	// No further parser state needs resetting: a framing attempt holds no
	// state beyond what Peek/PeekAt read from the ring itself on each call,
	// so an empty ring means the next attempt starts cold from Idle.

	if c.listener != nil {
		c.listener.OnGoldenSync()
	}

	c.extractor.Resume()
	c.reader.Quiesce(false)
}

// Stop quiesces the Reader, pauses the Extractor, drains in-flight sink
// invocations up to DrainTimeout, and terminates the background goroutines.
// Returns a shutdown-leak error if any slot still holds a non-zero refcount
// at the drain timeout; the core still terminates cleanly in that case.
// Safe to call once; subsequent calls are no-ops.
func (c *Core) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return errNotStarted
	}
	c.mu.Unlock()

	var stopErr error
	c.stopOnce.Do(func() {
		c.reader.Quiesce(true)
		c.extractor.Pause()
		c.extractor.Stop()

		close(c.dispatchStop)
		<-c.dispatchDone

		if leaked := c.drainWait(c.cfg.DrainTimeout); leaked > 0 {
			c.instr.shutdownLeaks.Add(uint64(leaked))
			stopErr = fmt.Errorf("p2term: %d slot(s) leaked at shutdown: %w", leaked, errShutdownLeak)
			if c.cfg.ErrorCallback != nil {
				c.cfg.ErrorCallback("shutdown_drain", stopErr)
			}
		}

		c.timeCache.Stop()
	})
	return stopErr
}

// drainWait polls outstanding slot reference counts until they all reach
// zero or timeout elapses, returning the number of slots still non-zero at
// timeout. Leaked slots are counted and reported; shutdown still completes.
func (c *Core) drainWait(timeout time.Duration) int {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.outstandingSlots() == 0 {
			return 0
		}
		time.Sleep(time.Millisecond)
	}
	return c.outstandingSlots()
}

// outstandingSlots counts slots across every tier with a non-zero
// ref_count. O(total slot count); only called during shutdown drain.
func (c *Core) outstandingSlots() int {
	n := 0
	for ti, t := range c.pool.tiers {
		for i := range t.slots {
			id := SlotId{tier: uint8(ti), index: uint32(i + 1)}
			if c.pool.RefCount(id) != 0 {
				n++
			}
		}
	}
	return n
}
