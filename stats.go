// stats.go: Instrumentation - atomic counters and read-only snapshots
//
// Copyright (c) 2025 ironsheep
// SPDX-License-Identifier: MPL-2.0

package p2term

import (
	"sync/atomic"
	"time"
)

// instrumentation holds every atomic counter the pipeline maintains. Each
// field is a plain atomic add/load; reads are approximate and there is no
// snapshot-consistency guarantee across fields.
type instrumentation struct {
	extracted           atomic.Uint64
	droppedPoolFull     atomic.Uint64
	overflow            atomic.Uint64
	corruptBinaryLength atomic.Uint64
	invalidCog          atomic.Uint64
	sinkFaults          atomic.Uint64
	shutdownLeaks       atomic.Uint64
	highWaterMark       atomic.Uint64
	lastExtractedNano   atomic.Int64
	lastOverflowNano    atomic.Int64
	lastGoldenSyncNano  atomic.Int64
	perType             [numMessageTypes]atomic.Uint64
}

// Stats is a point-in-time snapshot of the core's counters, safe to build
// from any goroutine at any time.
type Stats struct {
	Extracted           uint64            `json:"extracted"`
	DroppedPoolFull     uint64            `json:"dropped_pool_full"`
	Overflow            uint64            `json:"overflow"`
	CorruptBinaryLength uint64            `json:"corrupt_binary_length"`
	InvalidCog          uint64            `json:"invalid_cog"`
	SinkFaults          uint64            `json:"sink_faults"`
	ShutdownLeaks       uint64            `json:"shutdown_leaks"`
	RingHighWaterMark   uint64            `json:"ring_high_water_mark"`
	LastExtracted       time.Time         `json:"last_extracted"`
	LastOverflow        time.Time         `json:"last_overflow"`
	LastGoldenSync      time.Time         `json:"last_golden_sync"`
	PerType             map[string]uint64 `json:"per_type"`
}

// snapshot reads every counter into a Stats value. Called by Core.PollStats.
func (in *instrumentation) snapshot(ring *ByteRing) Stats {
	perType := make(map[string]uint64, numMessageTypes)
	for i := MessageType(0); i < numMessageTypes; i++ {
		if n := in.perType[i].Load(); n > 0 {
			perType[i.String()] = n
		}
	}

	hwm := in.highWaterMark.Load()
	if ring != nil {
		if ringHWM := ring.HighWaterMark(); ringHWM > hwm {
			hwm = ringHWM
		}
	}

	return Stats{
		Extracted:           in.extracted.Load(),
		DroppedPoolFull:     in.droppedPoolFull.Load(),
		Overflow:            in.overflow.Load(),
		CorruptBinaryLength: in.corruptBinaryLength.Load(),
		InvalidCog:          in.invalidCog.Load(),
		SinkFaults:          in.sinkFaults.Load(),
		ShutdownLeaks:       in.shutdownLeaks.Load(),
		RingHighWaterMark:   hwm,
		LastExtracted:       nanoTime(in.lastExtractedNano.Load()),
		LastOverflow:        nanoTime(in.lastOverflowNano.Load()),
		LastGoldenSync:      nanoTime(in.lastGoldenSyncNano.Load()),
		PerType:             perType,
	}
}

// nanoTime converts a stored unix-nano stamp to a time.Time, keeping the
// zero value for never-stamped counters.
func nanoTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (in *instrumentation) recordExtracted(mtype MessageType, nowNano int64) {
	in.extracted.Add(1)
	in.perType[mtype].Add(1)
	in.lastExtractedNano.Store(nowNano)
}
