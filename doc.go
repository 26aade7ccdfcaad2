// doc.go: Package overview
//
// Copyright (c) 2025 ironsheep
// SPDX-License-Identifier: MPL-2.0

// Package p2term implements the serial message ingest core of a debug
// terminal for the Parallax Propeller 2 microcontroller.
//
// The core decouples reception from parsing so that a sustained 2 Mbit/s
// serial stream never blocks on the several-millisecond cost of framing and
// classifying a message. Bytes flow through four stages, each owned by a
// single goroutine family:
//
//	Serial driver -> Reader -> ByteRing -> Extractor -> SlotPool -> Router -> Sinks
//
// # Quick start
//
//	core, err := p2term.New(p2term.DefaultConfig())
//	if err != nil {
//		log.Fatal(err)
//	}
//	core.RegisterSink(p2term.MsgTerminalOutput, loggerSink)
//	core.RegisterSink(p2term.MsgCogMessage, loggerSink)
//	if err := core.Start(); err != nil {
//		log.Fatal(err)
//	}
//	defer core.Stop()
//
//	// wired to the serial driver's data callback:
//	driver.OnData(core.OnSerialBytes)
//
// # Zero-copy fan-out
//
// Every extracted message lives in one pooled, reference-counted Slot.
// The Extractor sets the slot's initial reference count to the number of
// sinks that will observe it before handing it to the Router,
// Router.Dispatch hands each sink a read-only ReadHandle, and the slot is
// recycled the instant the last sink calls Core.Release. No
// message is copied between Extractor and any sink.
//
// # Golden-sync
//
// The device emits a fixed text message, "Cog0 INIT $0000_0000 $0000_0000
// load", immediately after a hardware reset. The core recognizes it as
// P2SystemInit, routes it like any other message, and only then clears the
// ring and resets the Extractor's parser state.
//
// # What this package does not do
//
// It does not implement the serial device driver, any downstream sink, CLI
// parsing, window lifecycle, or the per-message-type semantic parsers
// (scope, logic, bitmap, ...). Those are external collaborators described
// only by the interfaces this package consumes (Reader's driver callback)
// or exposes (Sink, EventListener).
package p2term
