// Package jdwpproto implements the JDWP wire format and the DDMS chunks carried
// inside it.
//
// https://docs.oracle.com/javase/8/docs/technotes/guides/jpda/jdwp-spec.html
// https://cs.android.com/android/platform/superproject/main/+/main:libcore/dalvik/src/main/java/org/apache/harmony/dalvik/ddmc/;drc=7e8e5ea8d9c20bc7bb5f38a9bd6c7fbd2b0e1a8b
package jdwpproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
)

// Handshake is sent by the debugger and echoed by the VM before any packets.
const Handshake = "JDWP-Handshake"

// HandshakeSize is the length of [Handshake].
const HandshakeSize = len(Handshake)

// HeaderSize is the size of the fixed packet header.
const HeaderSize = 11

// MaxPacketSize is the largest packet a [Reader] will buffer. Anything larger
// is treated as a corrupt length field.
const MaxPacketSize = 256 * 1024 * 1024

// FlagReply is set in the flags byte of reply packets.
const FlagReply byte = 0x80

// ErrInvalidLength is returned when a length field cannot describe a valid
// packet or chunk.
var ErrInvalidLength = errors.New("jdwp: invalid length")

// IsHandshake returns true if b is exactly the handshake.
func IsHandshake(b []byte) bool {
	return string(b) == Handshake
}

// Packet is a single raw JDWP packet, including the header.
//
//	length     u32 (total, including the header)
//	id         u32
//	flags      u8
//	cmdset     u8  \ errcode u16 if the reply flag is set
//	cmd        u8  /
//	payload    ...
//
// The accessors never panic on short packets; they return zero values (or -1
// for [Packet.Length]) instead.
type Packet []byte

// Length returns the declared total packet length, or -1 if there aren't
// enough bytes to read it or it is out of range.
func (p Packet) Length() int {
	if len(p) < 4 {
		return -1
	}
	n := binary.BigEndian.Uint32(p[0:4])
	if n > math.MaxInt32 {
		return -1
	}
	return int(n)
}

// ID returns the packet id.
func (p Packet) ID() uint32 {
	if len(p) < 8 {
		return 0
	}
	return binary.BigEndian.Uint32(p[4:8])
}

// Flags returns the flags byte.
func (p Packet) Flags() byte {
	if len(p) < 9 {
		return 0
	}
	return p[8]
}

// IsReply returns true if the reply flag is set.
func (p Packet) IsReply() bool {
	return p.Flags()&FlagReply != 0
}

// CommandSet returns the command set of a command packet.
func (p Packet) CommandSet() byte {
	if len(p) < 10 || p.IsReply() {
		return 0
	}
	return p[9]
}

// Command returns the command of a command packet.
func (p Packet) Command() byte {
	if len(p) < 11 || p.IsReply() {
		return 0
	}
	return p[10]
}

// ErrorCode returns the error code of a reply packet.
func (p Packet) ErrorCode() uint16 {
	if len(p) < 11 || !p.IsReply() {
		return 0
	}
	return binary.BigEndian.Uint16(p[9:11])
}

// Payload returns the packet data following the header, limited to the
// declared length.
func (p Packet) Payload() []byte {
	if len(p) < HeaderSize {
		return nil
	}
	if n := p.Length(); n >= HeaderSize && n <= len(p) {
		return p[HeaderSize:n]
	}
	return p[HeaderSize:]
}

// Valid returns nil if the declared length matches the packet size.
func (p Packet) Valid() error {
	if n := p.Length(); n < HeaderSize || n != len(p) {
		return fmt.Errorf("%w: declared %d, have %d bytes", ErrInvalidLength, n, len(p))
	}
	return nil
}

func (p Packet) String() string {
	if len(p) < HeaderSize {
		return fmt.Sprintf("Packet(short, %d bytes)", len(p))
	}
	if p.IsReply() {
		return fmt.Sprintf("Packet(id=%d, reply, err=%d, len=%d)", p.ID(), p.ErrorCode(), p.Length())
	}
	return fmt.Sprintf("Packet(id=%d, cmd=%d/%d, len=%d)", p.ID(), p.CommandSet(), p.Command(), p.Length())
}

// ids generated by the proxy start high so they don't collide with ones
// allocated by debuggers (which start at 1)
var nextID atomic.Uint32

func init() {
	nextID.Store(0x40000000)
}

// NextID allocates an id for a packet originating from this process.
func NextID() uint32 {
	return nextID.Add(1)
}

// NewPacket allocates a buffer for a command packet with room for n bytes of
// payload. Write the payload to buf[HeaderSize:], then call [FinishPacket].
func NewPacket(n int) []byte {
	return make([]byte, HeaderSize+n)
}

// FinishPacket stamps the header of a buffer allocated by [NewPacket] for a
// command packet with a total size of length bytes and a new id from
// [NextID].
func FinishPacket(buf []byte, cmdSet, cmd byte, length int) Packet {
	if length < HeaderSize || length > len(buf) {
		panic("jdwpproto: invalid packet length")
	}
	buf = buf[:length]
	binary.BigEndian.PutUint32(buf[0:4], uint32(length))
	binary.BigEndian.PutUint32(buf[4:8], NextID())
	buf[8] = 0
	buf[9] = cmdSet
	buf[10] = cmd
	return Packet(buf)
}

// NewReply builds a reply packet to id.
func NewReply(id uint32, errorCode uint16, payload []byte) Packet {
	buf := make([]byte, HeaderSize, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(HeaderSize+len(payload)))
	binary.BigEndian.PutUint32(buf[4:8], id)
	buf[8] = FlagReply
	binary.BigEndian.PutUint16(buf[9:11], errorCode)
	return Packet(append(buf, payload...))
}
