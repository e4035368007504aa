// Package checker provides fluent assertion helpers for relaynet's own tests,
// in the style of the teacher stack's IPv4/TCP checkers
// (checker.IPv4(t, b, checker.SrcAddr(x), ...)): decode a wire packet or data
// frame once and run a list of small checkers over the decoded fields.
package checker

import (
	"testing"

	"github.com/dkendall/relaynet/chunkframe"
	"github.com/dkendall/relaynet/packet"
)

// PacketChecker checks a property of a decoded packet header.
type PacketChecker func(*testing.T, packet.Header)

// Packet decodes b as a relaynet packet and applies every checker to its
// header. It fails the test immediately if b doesn't decode.
func Packet(t *testing.T, b []byte, checkers ...PacketChecker) packet.Header {
	t.Helper()

	h, _, err := packet.Decode(b)
	if err != nil {
		t.Fatalf("checker.Packet: Decode failed: %v", err)
	}

	for _, c := range checkers {
		c(t, h)
	}
	return h
}

// Seq creates a checker that verifies the packet's sequence number.
func Seq(seq uint32) PacketChecker {
	return func(t *testing.T, h packet.Header) {
		t.Helper()
		if h.Seq != seq {
			t.Fatalf("bad sequence number, got %v, want %v", h.Seq, seq)
		}
	}
}

// Ack creates a checker that verifies the packet's acknowledgment number.
func Ack(ack uint32) PacketChecker {
	return func(t *testing.T, h packet.Header) {
		t.Helper()
		if h.Ack != ack {
			t.Fatalf("bad ack number, got %v, want %v", h.Ack, ack)
		}
	}
}

// Flags creates a checker that verifies the packet's flag bits exactly.
func Flags(flags uint8) PacketChecker {
	return func(t *testing.T, h packet.Header) {
		t.Helper()
		if h.Flags != flags {
			t.Fatalf("bad flags, got 0x%02x, want 0x%02x", h.Flags, flags)
		}
	}
}

// PayloadLen creates a checker that verifies the packet's declared payload
// length.
func PayloadLen(n int) PacketChecker {
	return func(t *testing.T, h packet.Header) {
		t.Helper()
		if int(h.Len) != n {
			t.Fatalf("bad payload length, got %v, want %v", h.Len, n)
		}
	}
}

// FrameChecker checks a property of a decoded data-frame header.
type FrameChecker func(*testing.T, chunkframe.Header)

// Frame parses the leading "HDR <crc> <len>\n" line out of b and applies
// every checker to the parsed fields.
func Frame(t *testing.T, b []byte, checkers ...FrameChecker) chunkframe.Header {
	t.Helper()

	h, _, err := chunkframe.ParseHeaderLine(b)
	if err != nil {
		t.Fatalf("checker.Frame: ParseHeaderLine failed: %v", err)
	}

	for _, c := range checkers {
		c(t, h)
	}
	return h
}

// CRC creates a checker that verifies the frame's declared CRC-32.
func CRC(crc uint32) FrameChecker {
	return func(t *testing.T, h chunkframe.Header) {
		t.Helper()
		if h.CRC != crc {
			t.Fatalf("bad crc, got %v, want %v", h.CRC, crc)
		}
	}
}

// Len creates a checker that verifies the frame's declared payload length.
func Len(n int) FrameChecker {
	return func(t *testing.T, h chunkframe.Header) {
		t.Helper()
		if h.Len != n {
			t.Fatalf("bad frame length, got %v, want %v", h.Len, n)
		}
	}
}
