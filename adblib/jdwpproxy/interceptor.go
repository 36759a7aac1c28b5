package jdwpproxy

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/pgaskin/go-jdwp/adb/adbproto/jdwpproto"
)

// Interceptor inspects traffic passing through a device connection. Each
// method returns true to suppress (veto) forwarding of the data.
//
// The raw byte filters are called once per read or write. The packet filters
// are called once for each complete packet in the data, and may be called
// for a write other than the one which started the packet. Methods are called
// on the loop goroutine, and must not block or retain the data.
//
// The client is nil for data not associated with a client.
type Interceptor interface {
	FilterToDevice(from *Client, b []byte) bool
	FilterToDevicePacket(from *Client, p jdwpproto.Packet) bool
	FilterToClient(to *Client, b []byte) bool
	FilterToClientPacket(to *Client, p jdwpproto.Packet) bool
}

// InterceptorFuncs implements [Interceptor] using optional functions. Nil
// functions never veto.
type InterceptorFuncs struct {
	ToDevice       func(from *Client, b []byte) bool
	ToDevicePacket func(from *Client, p jdwpproto.Packet) bool
	ToClient       func(to *Client, b []byte) bool
	ToClientPacket func(to *Client, p jdwpproto.Packet) bool
}

var _ Interceptor = InterceptorFuncs{}

func (f InterceptorFuncs) FilterToDevice(from *Client, b []byte) bool {
	return f.ToDevice != nil && f.ToDevice(from, b)
}

func (f InterceptorFuncs) FilterToDevicePacket(from *Client, p jdwpproto.Packet) bool {
	return f.ToDevicePacket != nil && f.ToDevicePacket(from, p)
}

func (f InterceptorFuncs) FilterToClient(to *Client, b []byte) bool {
	return f.ToClient != nil && f.ToClient(to, b)
}

func (f InterceptorFuncs) FilterToClientPacket(to *Client, p jdwpproto.Packet) bool {
	return f.ToClientPacket != nil && f.ToClientPacket(to, p)
}

// Chain is an ordered list of interceptors. Every interceptor is consulted
// even after one vetoes, and the data is suppressed if any of them vetoed. A
// nil Chain never vetoes. It is safe for concurrent use.
type Chain struct {
	mu           sync.RWMutex
	interceptors []Interceptor
}

var _ Interceptor = (*Chain)(nil)

// NewChain creates a chain containing the provided interceptors.
func NewChain(interceptors ...Interceptor) *Chain {
	return &Chain{interceptors: slices.Clone(interceptors)}
}

// Add appends an interceptor to the chain.
func (c *Chain) Add(i Interceptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interceptors = append(c.interceptors, i)
}

// Len returns the number of interceptors in the chain.
func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.interceptors)
}

func (c *Chain) each(fn func(Interceptor) bool) bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	is := c.interceptors
	c.mu.RUnlock()

	var veto bool
	for _, i := range is {
		if fn(i) {
			veto = true
		}
	}
	return veto
}

func (c *Chain) FilterToDevice(from *Client, b []byte) bool {
	return c.each(func(i Interceptor) bool { return i.FilterToDevice(from, b) })
}

func (c *Chain) FilterToDevicePacket(from *Client, p jdwpproto.Packet) bool {
	return c.each(func(i Interceptor) bool { return i.FilterToDevicePacket(from, p) })
}

func (c *Chain) FilterToClient(to *Client, b []byte) bool {
	return c.each(func(i Interceptor) bool { return i.FilterToClient(to, b) })
}

func (c *Chain) FilterToClientPacket(to *Client, p jdwpproto.Packet) bool {
	return c.each(func(i Interceptor) bool { return i.FilterToClientPacket(to, p) })
}

// DDMSLogger is an interceptor which logs DDMS chunks at debug level. It
// never vetoes.
type DDMSLogger struct {
	Logger *slog.Logger // if nil, the package debug logger is used

	mu      sync.Mutex
	pending map[uint32]struct{}
}

var _ Interceptor = (*DDMSLogger)(nil)

func (l *DDMSLogger) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return debug
}

func (l *DDMSLogger) FilterToDevice(*Client, []byte) bool { return false }
func (l *DDMSLogger) FilterToClient(*Client, []byte) bool { return false }

func (l *DDMSLogger) FilterToDevicePacket(from *Client, p jdwpproto.Packet) bool {
	if p.IsDDMS() {
		l.mu.Lock()
		if l.pending == nil {
			l.pending = map[uint32]struct{}{}
		}
		l.pending[p.ID()] = struct{}{}
		l.mu.Unlock()
		l.log("ddms request", from, p)
	}
	return false
}

func (l *DDMSLogger) FilterToClientPacket(to *Client, p jdwpproto.Packet) bool {
	switch {
	case p.IsDDMS():
		l.log("ddms event", to, p)
	case p.IsReply():
		l.mu.Lock()
		_, ok := l.pending[p.ID()]
		delete(l.pending, p.ID()) // only log it for the first listener
		l.mu.Unlock()
		if ok {
			l.log("ddms reply", to, p)
		}
	}
	return false
}

func (l *DDMSLogger) log(msg string, c *Client, p jdwpproto.Packet) {
	attrs := []any{"id", p.ID()}
	if c != nil {
		attrs = append(attrs, "client", c.ID())
	}
	if p.IsReply() && p.ErrorCode() != 0 {
		attrs = append(attrs, "error_code", p.ErrorCode())
	}
	chunks, err := jdwpproto.ParseChunks(p.Payload())
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	for _, ch := range chunks {
		l.logger().Debug(msg, append(attrs, "chunk", ch.Type.String(), "length", len(ch.Data))...)
	}
	if len(chunks) == 0 {
		l.logger().Debug(msg, attrs...)
	}
}
