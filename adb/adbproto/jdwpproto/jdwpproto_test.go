package jdwpproto

import (
	"bytes"
	"errors"
	"testing"
)

func TestPacketHeader(t *testing.T) {
	buf := NewPacket(3)
	copy(buf[HeaderSize:], "abc")
	p := FinishPacket(buf, 1, 7, len(buf))

	if act, exp := p.Length(), HeaderSize+3; act != exp {
		t.Errorf("incorrect length: expected %d, got %d", exp, act)
	}
	if p.ID() < 0x40000000 {
		t.Errorf("expected proxy-allocated id, got %#x", p.ID())
	}
	if p.IsReply() {
		t.Errorf("expected command packet")
	}
	if p.CommandSet() != 1 || p.Command() != 7 {
		t.Errorf("incorrect command: got %d/%d", p.CommandSet(), p.Command())
	}
	if !bytes.Equal(p.Payload(), []byte("abc")) {
		t.Errorf("incorrect payload %q", p.Payload())
	}
	if err := p.Valid(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if q := FinishPacket(NewPacket(0), 1, 1, HeaderSize); q.ID() == p.ID() {
		t.Errorf("expected unique ids")
	}
}

func TestPacketReply(t *testing.T) {
	p := NewReply(42, 0x1234, []byte{1, 2})
	if !p.IsReply() {
		t.Fatalf("expected reply")
	}
	if p.ID() != 42 {
		t.Errorf("incorrect id %d", p.ID())
	}
	if p.ErrorCode() != 0x1234 {
		t.Errorf("incorrect error code %#x", p.ErrorCode())
	}
	if p.CommandSet() != 0 || p.Command() != 0 {
		t.Errorf("expected no command for a reply")
	}
	if p.Length() != HeaderSize+2 {
		t.Errorf("incorrect length %d", p.Length())
	}
}

func TestPacketShort(t *testing.T) {
	for _, b := range [][]byte{nil, {0}, {0, 0, 0}} {
		if n := Packet(b).Length(); n != -1 {
			t.Errorf("%x: expected -1 length, got %d", b, n)
		}
	}
	if n := Packet([]byte{0xFF, 0xFF, 0xFF, 0xFF}).Length(); n != -1 {
		t.Errorf("expected out of range length to be -1, got %d", n)
	}
	p := Packet([]byte{0, 0, 0, 20, 0, 0, 0, 1, 0, 1, 1})
	if err := p.Valid(); !errors.Is(err, ErrInvalidLength) {
		t.Errorf("expected invalid length, got %v", err)
	}
	if p.Payload() == nil || len(p.Payload()) != 0 {
		t.Errorf("expected empty non-nil payload")
	}
}

func TestHandshake(t *testing.T) {
	if HandshakeSize != 14 {
		t.Errorf("handshake must be 14 bytes")
	}
	if !IsHandshake([]byte("JDWP-Handshake")) {
		t.Errorf("expected handshake to match")
	}
	if IsHandshake([]byte("JDWP-Handshak")) || IsHandshake([]byte("JDWP-Handshake!")) {
		t.Errorf("expected partial or extended handshake not to match")
	}
}
