package jdwpproto

import (
	"fmt"
	"io"
	"slices"
)

const defaultBufferSize = 4096

// Reader splits a byte stream into packets. It tolerates packets split across
// any number of reads and any number of packets in a single read. It is not
// safe for concurrent use.
type Reader struct {
	r   io.Reader
	buf []byte
	n   int
	err error
}

// NewReader creates a Reader with the default buffer size. If r is nil, only
// [Reader.Feed] may be used.
func NewReader(r io.Reader) *Reader {
	return NewReaderSize(r, defaultBufferSize)
}

// NewReaderSize creates a Reader with an initial buffer size of at least
// HeaderSize+1 bytes. The buffer grows as needed.
func NewReaderSize(r io.Reader, size int) *Reader {
	return &Reader{
		r:   r,
		buf: make([]byte, max(size, HeaderSize+1)),
	}
}

// Pump does a single read from the underlying reader into the buffer. It
// returns the number of bytes read, and io.EOF at the end of the stream.
func (r *Reader) Pump() (int, error) {
	if r.r == nil {
		panic("jdwpproto: Pump called on a Reader without a source")
	}
	if r.n == len(r.buf) {
		r.grow(1)
	} else if n := Packet(r.buf[:r.n]).Length(); n > len(r.buf) && n <= MaxPacketSize {
		r.grow(n - r.n)
	}
	n, err := r.r.Read(r.buf[r.n:])
	r.n += n
	return n, err
}

// Feed appends bytes which were read elsewhere to the buffer.
func (r *Reader) Feed(b []byte) {
	if len(r.buf)-r.n < len(b) {
		r.grow(len(b))
	}
	r.n += copy(r.buf[r.n:], b)
}

// grow ensures at least n more bytes fit in the buffer.
func (r *Reader) grow(n int) {
	sz := max(len(r.buf)*2, r.n+n)
	r.buf = slices.Grow(r.buf[:r.n], sz-r.n)[:sz]
}

// Next returns the next complete packet, if one is buffered. The returned
// packet does not alias the internal buffer. If there isn't a complete packet,
// nothing is consumed. If the buffered length field is invalid, Next returns
// false and Err returns the reason.
func (r *Reader) Next() (Packet, bool) {
	if r.err != nil || r.n < HeaderSize {
		return nil, false
	}
	n := Packet(r.buf[:r.n]).Length()
	if n < HeaderSize || n > MaxPacketSize {
		r.err = fmt.Errorf("%w: packet length %d", ErrInvalidLength, n)
		return nil, false
	}
	if n > r.n {
		return nil, false
	}
	p := Packet(slices.Clone(r.buf[:n]))
	r.n = copy(r.buf, r.buf[n:r.n])
	return p, true
}

// Err returns the framing error, if any. Once set, Next will not return any
// more packets until Reset is called.
func (r *Reader) Err() error {
	return r.err
}

// Buffered returns the number of bytes buffered but not yet returned as a
// packet.
func (r *Reader) Buffered() int {
	return r.n
}

// Reset discards the buffered data and any framing error.
func (r *Reader) Reset() {
	r.n = 0
	r.err = nil
}

// Drain returns a copy of the buffered data, then resets the Reader.
func (r *Reader) Drain() []byte {
	b := slices.Clone(r.buf[:r.n])
	r.Reset()
	return b
}
