package jdwpproto

import (
	"encoding/binary"
	"fmt"
	"slices"
	"strconv"
)

// https://cs.android.com/android/platform/superproject/main/+/main:libcore/dalvik/src/main/java/org/apache/harmony/dalvik/ddmc/ChunkHandler.java;drc=7e8e5ea8d9c20bc7bb5f38a9bd6c7fbd2b0e1a8b

// DDMS chunks are sent as the payload of a vendor command.
const (
	CommandSetDDM   byte = 0xC7
	CommandDDMChunk byte = 0x01
)

// ChunkHeaderSize is the size of a chunk's type and length.
const ChunkHeaderSize = 8

// ChunkType is a four-character chunk tag.
type ChunkType [4]byte

// MakeChunkType converts a four-character string into a ChunkType.
func MakeChunkType(s string) ChunkType {
	if len(s) != 4 {
		panic("jdwpproto: chunk type must be 4 bytes")
	}
	return ChunkType([]byte(s))
}

func (t ChunkType) String() string {
	for _, c := range t {
		if c < ' ' || c > '~' {
			return strconv.Quote(string(t[:]))
		}
	}
	return string(t[:])
}

// Some well-known chunk types.
var (
	ChunkHELO = MakeChunkType("HELO") // handshake with the VM
	ChunkFEAT = MakeChunkType("FEAT") // supported features
	ChunkAPNM = MakeChunkType("APNM") // application name
	ChunkWAIT = MakeChunkType("WAIT") // waiting for debugger
	ChunkEXIT = MakeChunkType("EXIT") // exit the VM
	ChunkHPIF = MakeChunkType("HPIF") // heap info
	ChunkFAIL = MakeChunkType("FAIL") // failure reply
)

// Chunk is a single DDMS chunk.
type Chunk struct {
	Type ChunkType
	Data []byte
}

// AppendBinary encodes the chunk.
func (c Chunk) AppendBinary(b []byte) ([]byte, error) {
	b = slices.Grow(b, ChunkHeaderSize+len(c.Data))
	b = append(b, c.Type[:]...)
	b = binary.BigEndian.AppendUint32(b, uint32(len(c.Data)))
	b = append(b, c.Data...)
	return b, nil
}

// MarshalBinary is like AppendBinary.
func (c Chunk) MarshalBinary() ([]byte, error) {
	return c.AppendBinary(nil)
}

// IsDDMS returns true if p is a DDMS chunk command.
func (p Packet) IsDDMS() bool {
	return !p.IsReply() && p.CommandSet() == CommandSetDDM && p.Command() == CommandDDMChunk
}

// NewChunkBuffer allocates a buffer for a DDMS packet containing a single
// chunk with room for n bytes of chunk data. Write the data to
// [ChunkPayload], then call [FinishChunk].
func NewChunkBuffer(n int) []byte {
	return make([]byte, HeaderSize+ChunkHeaderSize+n)
}

// ChunkPayload returns the mutable chunk data region of a buffer allocated by
// [NewChunkBuffer].
func ChunkPayload(buf []byte) []byte {
	return buf[HeaderSize+ChunkHeaderSize:]
}

// FinishChunk stamps the chunk header for n bytes of data, and the enclosing
// packet header, returning the finished packet.
func FinishChunk(buf []byte, typ ChunkType, n int) Packet {
	length := HeaderSize + ChunkHeaderSize + n
	if n < 0 || length > len(buf) {
		panic("jdwpproto: invalid chunk length")
	}
	copy(buf[HeaderSize:HeaderSize+4], typ[:])
	binary.BigEndian.PutUint32(buf[HeaderSize+4:HeaderSize+8], uint32(n))
	return FinishPacket(buf, CommandSetDDM, CommandDDMChunk, length)
}

// ParseChunks decodes the chunks in a DDMS packet payload. The chunk data
// aliases payload.
func ParseChunks(payload []byte) ([]Chunk, error) {
	var chunks []Chunk
	for len(payload) != 0 {
		if len(payload) < ChunkHeaderSize {
			return chunks, fmt.Errorf("%w: truncated chunk header (%d bytes)", ErrInvalidLength, len(payload))
		}
		var c Chunk
		copy(c.Type[:], payload[0:4])
		n := binary.BigEndian.Uint32(payload[4:8])
		payload = payload[ChunkHeaderSize:]
		if uint64(n) > uint64(len(payload)) {
			return chunks, fmt.Errorf("%w: chunk %s length %d exceeds remaining %d bytes", ErrInvalidLength, c.Type, n, len(payload))
		}
		c.Data = payload[:n]
		payload = payload[n:]
		chunks = append(chunks, c)
	}
	return chunks, nil
}
