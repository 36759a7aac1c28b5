// Package jdwpcapture records JDWP packets crossing a proxy.
//
// A capture starts with a header:
//
//	magic   "JDWPCAP\x01"
//	method  u8 length, then the compression method name
//
// followed by a (possibly compressed) stream of records, each encoded as a
// varint length followed by a protobuf message:
//
//	1 time       varint (unix nanoseconds)
//	2 direction  varint
//	3 serial     bytes
//	4 pid        varint
//	5 client     bytes
//	6 packet     bytes
package jdwpcapture

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pgaskin/go-jdwp/adb/adbproto/jdwpproto"
	"github.com/pgaskin/go-jdwp/adblib/jdwpproxy"
	"google.golang.org/protobuf/encoding/protowire"
)

const magic = "JDWPCAP\x01"

// MaxRecordSize is the largest record a [Reader] will accept.
const MaxRecordSize = jdwpproto.MaxPacketSize + 4096

var ErrInvalidCapture = errors.New("invalid capture")

// Direction is the direction a packet was travelling.
type Direction uint8

const (
	ToDevice Direction = 1
	ToClient Direction = 2
)

func (d Direction) String() string {
	switch d {
	case ToDevice:
		return "device"
	case ToClient:
		return "client"
	default:
		return fmt.Sprintf("Direction(%d)", uint8(d))
	}
}

// Record is a single captured packet.
type Record struct {
	Time      time.Time
	Direction Direction
	Device    jdwpproxy.ConnectionID
	Client    string // session id, empty if unknown
	Packet    jdwpproto.Packet
}

const (
	fieldTime      protowire.Number = 1
	fieldDirection protowire.Number = 2
	fieldSerial    protowire.Number = 3
	fieldPID       protowire.Number = 4
	fieldClient    protowire.Number = 5
	fieldPacket    protowire.Number = 6
)

// AppendProto appends the protobuf encoding of the record.
func (r Record) AppendProto(b []byte) []byte {
	b = protowire.AppendTag(b, fieldTime, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Time.UnixNano()))
	b = protowire.AppendTag(b, fieldDirection, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Direction))
	if r.Device.Serial != "" {
		b = protowire.AppendTag(b, fieldSerial, protowire.BytesType)
		b = protowire.AppendString(b, r.Device.Serial)
	}
	if r.Device.PID != 0 {
		b = protowire.AppendTag(b, fieldPID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.Device.PID))
	}
	if r.Client != "" {
		b = protowire.AppendTag(b, fieldClient, protowire.BytesType)
		b = protowire.AppendString(b, r.Client)
	}
	b = protowire.AppendTag(b, fieldPacket, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Packet)
	return b
}

// UnmarshalProto decodes a record. Unknown fields are skipped. The packet
// does not alias b.
func (r *Record) UnmarshalProto(b []byte) error {
	*r = Record{}
	for len(b) != 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %w", ErrInvalidCapture, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && (num == fieldTime || num == fieldDirection || num == fieldPID):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %w", ErrInvalidCapture, num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldTime:
				r.Time = time.Unix(0, int64(v))
			case fieldDirection:
				r.Direction = Direction(v)
			case fieldPID:
				r.Device.PID = int(v)
			}
		case typ == protowire.BytesType && (num == fieldSerial || num == fieldClient || num == fieldPacket):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %w", ErrInvalidCapture, num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldSerial:
				r.Device.Serial = string(v)
			case fieldClient:
				r.Client = string(v)
			case fieldPacket:
				r.Packet = jdwpproto.Packet(append([]byte(nil), v...))
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %w", ErrInvalidCapture, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

// Writer writes a capture. It is safe for concurrent use.
type Writer struct {
	mu  sync.Mutex
	w   flushWriteCloser
	rec []byte
	buf []byte
	err error
}

// NewWriter writes the capture header to w, and returns a Writer for the
// records. Closing the Writer does not close w.
func NewWriter(w io.Writer, method CompressionMethod) (*Writer, error) {
	if len(method) > 255 {
		return nil, fmt.Errorf("%w: compression method name too long", errors.ErrUnsupported)
	}
	hdr := append([]byte(magic), byte(len(method)))
	hdr = append(hdr, method...)
	c, err := compress(method, w)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(hdr); err != nil {
		return nil, fmt.Errorf("write capture header: %w", err)
	}
	return &Writer{w: c}, nil
}

// WriteRecord appends a record. Once a write fails, all further writes fail
// with the same error.
func (w *Writer) WriteRecord(r Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.rec = r.AppendProto(w.rec[:0])
	w.buf = protowire.AppendVarint(w.buf[:0], uint64(len(w.rec)))
	w.buf = append(w.buf, w.rec...)
	if _, err := w.w.Write(w.buf); err != nil {
		w.err = fmt.Errorf("write record: %w", err)
	}
	return w.err
}

// Flush flushes buffered records to the underlying writer.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	if err := w.w.Flush(); err != nil {
		w.err = fmt.Errorf("flush: %w", err)
	}
	return w.err
}

// Close flushes and finishes the compressed stream.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.w.Close(); err != nil && w.err == nil {
		w.err = fmt.Errorf("close: %w", err)
	}
	if w.err != nil {
		return w.err
	}
	w.err = errors.New("writer closed")
	return nil
}

// Reader reads a capture.
type Reader struct {
	method CompressionMethod
	rc     io.ReadCloser
	br     *bufio.Reader
	buf    []byte
}

// NewReader reads the capture header from r.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)
	hdr := make([]byte, len(magic)+1)
	if _, err := io.ReadFull(br, hdr); err != nil {
		return nil, fmt.Errorf("%w: read header: %w", ErrInvalidCapture, err)
	}
	if string(hdr[:len(magic)]) != magic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrInvalidCapture, hdr[:len(magic)])
	}
	name := make([]byte, hdr[len(magic)])
	if _, err := io.ReadFull(br, name); err != nil {
		return nil, fmt.Errorf("%w: read compression method: %w", ErrInvalidCapture, err)
	}
	method := CompressionMethod(name)
	rc, err := decompress(method, br)
	if err != nil {
		return nil, err
	}
	return &Reader{
		method: method,
		rc:     rc,
		br:     bufio.NewReader(rc),
	}, nil
}

// CompressionMethod returns the compression used by the capture.
func (r *Reader) CompressionMethod() CompressionMethod {
	return r.method
}

// Next reads the next record. It returns io.EOF at the end of the capture.
func (r *Reader) Next() (Record, error) {
	n, err := binary.ReadUvarint(r.br)
	if err != nil {
		if err == io.EOF {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("%w: read record length: %w", ErrInvalidCapture, err)
	}
	if n > MaxRecordSize {
		return Record{}, fmt.Errorf("%w: record too large (%d bytes)", ErrInvalidCapture, n)
	}
	if uint64(cap(r.buf)) < n {
		r.buf = make([]byte, n)
	}
	r.buf = r.buf[:n]
	if _, err := io.ReadFull(r.br, r.buf); err != nil {
		return Record{}, fmt.Errorf("%w: read record: %w", ErrInvalidCapture, err)
	}
	var rec Record
	if err := rec.UnmarshalProto(r.buf); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Close releases the decompressor. It does not close the underlying reader.
func (r *Reader) Close() error {
	return r.rc.Close()
}
