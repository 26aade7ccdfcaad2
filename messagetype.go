// messagetype.go: Message taxonomy
//
// Copyright (c) 2025 ironsheep
// SPDX-License-Identifier: MPL-2.0

package p2term

// MessageType tags one of the framed message shapes the Extractor
// recognizes. Every framed message has exactly one MessageType. Bytes the
// Extractor discards (the zero run after a debugger frame, a corrupt binary
// header and the non-start bytes skipped after it) belong to no message.
type MessageType uint8

const (
	// MsgBinaryDebugPacket: 0xDB, len_lo, len_hi, payload[len].
	MsgBinaryDebugPacket MessageType = iota

	// MsgDebuggerFrame: fixed 416 bytes, first byte is the COG index 0..7.
	// Slot.Cog carries which COG.
	MsgDebuggerFrame

	// MsgCogMessage: "Cog", digit 0..7, two spaces, text, EOL. Slot.Cog
	// carries which COG.
	MsgCogMessage

	// MsgP2SystemInit: CogMessage[0] whose text is the golden-sync marker.
	MsgP2SystemInit

	// MsgWindowCreateOrUpdate: backtick, known kind token, whitespace,
	// remainder, EOL. Slot.WindowKind carries the lowercased kind.
	MsgWindowCreateOrUpdate

	// MsgWindowUpdateNamed: backtick, unrecognized token taken as a
	// user-defined window name, whitespace, remainder, EOL. Slot.WindowName
	// carries the name.
	MsgWindowUpdateNamed

	// MsgInvalidCog: "Cog" + digit outside 0..7, or without two spaces.
	// Diagnostic path, not a programmatic error. Slot.Cog is -1 unless the
	// digit itself parsed (even if out of range 0..7), in which case it
	// holds the parsed digit for diagnostics.
	MsgInvalidCog

	// MsgTerminalOutput: catch-all EOL-terminated text.
	MsgTerminalOutput

	numMessageTypes
)

func (t MessageType) String() string {
	switch t {
	case MsgBinaryDebugPacket:
		return "binary_debug_packet"
	case MsgDebuggerFrame:
		return "debugger_frame"
	case MsgCogMessage:
		return "cog_message"
	case MsgP2SystemInit:
		return "p2_system_init"
	case MsgWindowCreateOrUpdate:
		return "window_create_or_update"
	case MsgWindowUpdateNamed:
		return "window_update_named"
	case MsgInvalidCog:
		return "invalid_cog"
	case MsgTerminalOutput:
		return "terminal_output"
	default:
		return "unknown"
	}
}

// windowKinds are the recognized WindowCreateOrUpdate kind tokens,
// compared case-insensitively against the first whitespace-delimited token
// following the leading backtick.
var windowKinds = map[string]struct{}{
	"logic":    {},
	"scope":    {},
	"scope_xy": {},
	"fft":      {},
	"spectro":  {},
	"plot":     {},
	"term":     {},
	"bitmap":   {},
	"midi":     {},
}

// goldenSyncText is the exact restart marker the device emits as COG 0
// boots; recognizing it drives the golden-sync reset.
const goldenSyncText = "Cog0 INIT $0000_0000 $0000_0000 load"

// debuggerFrameSize is the fixed on-wire DebuggerFrame length.
const debuggerFrameSize = 416

// isMessageStartByte reports whether b can begin a new message: backtick,
// 'C' (a potential "Cog"), 0xDB, or a COG index 0x00..0x07. The text
// boundary scan uses this as its one-byte lookahead to tell a real EOL
// terminator from CR/LF bytes embedded in payload data.
func isMessageStartByte(b byte) bool {
	if b == 0x60 || b == 0x43 || b == 0xDB {
		return true
	}
	return b <= 0x07
}
