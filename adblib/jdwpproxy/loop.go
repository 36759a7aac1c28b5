package jdwpproxy

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
)

// ReadHandler handles the result of a single read from a registered
// connection. It is called on the loop goroutine. The buffer is only valid
// until the handler returns.
type ReadHandler func(b []byte, err error)

var (
	ErrLoopClosed     = errors.New("loop closed")
	ErrLoopRunning    = errors.New("loop already running")
	errAlreadyPresent = errors.New("connection already registered")
)

const loopReadSize = 64 * 1024

// Loop demultiplexes reads from a set of connections onto a single goroutine.
//
// Each registered connection has a goroutine blocked in Read. Once a read
// completes, the result is handed to the loop goroutine, and the next read is
// not started until the handler has returned. Handlers for all connections
// are therefore serialized, and a handler may safely register, deregister, or
// close any connection, including its own.
type Loop struct {
	events  chan loopEvent
	quit    chan struct{}
	stopped chan struct{}
	running atomic.Bool
	once    sync.Once
	wg      sync.WaitGroup

	mu     sync.Mutex
	regs   map[net.Conn]*registration
	closed bool
}

type registration struct {
	conn    net.Conn
	handler ReadHandler
	ack     chan struct{}
	gone    chan struct{}
	once    sync.Once
}

func (r *registration) remove() {
	r.once.Do(func() { close(r.gone) })
}

func (r *registration) removed() bool {
	select {
	case <-r.gone:
		return true
	default:
		return false
	}
}

type loopEvent struct {
	reg *registration
	b   []byte
	err error
	fn  func()
}

// NewLoop creates a new loop. It does nothing until Run is called.
func NewLoop() *Loop {
	return &Loop{
		events:  make(chan loopEvent),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		regs:    make(map[net.Conn]*registration),
	}
}

// Register starts reading from conn, calling handler on the loop goroutine
// with the result of each read. After a read error is handled, no further
// reads are done, but the connection stays registered until Deregister or
// Close is called.
func (l *Loop) Register(conn net.Conn, handler ReadHandler) error {
	if l == nil {
		return ErrLoopClosed
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLoopClosed
	}
	if _, ok := l.regs[conn]; ok {
		return errAlreadyPresent
	}
	r := &registration{
		conn:    conn,
		handler: handler,
		ack:     make(chan struct{}, 1),
		gone:    make(chan struct{}),
	}
	l.regs[conn] = r
	l.wg.Add(1)
	go l.read(r)
	return nil
}

// Deregister stops dispatching reads from conn. It does not close the
// connection, but the reader goroutine will not exit until the pending read
// returns, so the connection should be closed afterwards. Deregistering an
// unknown connection is a no-op.
func (l *Loop) Deregister(conn net.Conn) {
	if l == nil {
		return
	}
	l.mu.Lock()
	r := l.regs[conn]
	delete(l.regs, conn)
	l.mu.Unlock()
	if r != nil {
		r.remove()
	}
}

// Len returns the number of registered connections.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.regs)
}

// Post runs fn on the loop goroutine. It must not be called from the loop
// goroutine. It returns false if the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	if l == nil {
		return false
	}
	select {
	case l.events <- loopEvent{fn: fn}:
		return true
	case <-l.quit:
		return false
	case <-l.stopped:
		return false
	}
}

// Run dispatches events until ctx is cancelled or Close is called.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer close(l.stopped)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.quit:
			return nil
		case ev := <-l.events:
			l.dispatch(ev)
		}
	}
}

func (l *Loop) dispatch(ev loopEvent) {
	if ev.fn != nil {
		ev.fn()
		return
	}
	if !ev.reg.removed() {
		ev.reg.handler(ev.b, ev.err)
	}
	ev.reg.ack <- struct{}{}
}

func (l *Loop) read(r *registration) {
	defer l.wg.Done()
	buf := make([]byte, loopReadSize)
	for {
		n, err := r.conn.Read(buf)
		select {
		case l.events <- loopEvent{reg: r, b: buf[:n], err: err}:
		case <-r.gone:
			return
		case <-l.quit:
			return
		}
		select {
		case <-r.ack:
		case <-l.quit:
			return
		}
		if err != nil || r.removed() {
			return
		}
	}
}

// Close stops the loop, closes all connections still registered, and waits
// for the reader goroutines to exit.
func (l *Loop) Close() error {
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		regs := l.regs
		l.regs = map[net.Conn]*registration{}
		l.mu.Unlock()

		close(l.quit)
		for conn, r := range regs {
			r.remove()
			conn.Close()
		}
		l.wg.Wait()
	})
	return nil
}
