package jdwpcapture

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pgaskin/go-jdwp/adb/adbproto/jdwpproto"
	"github.com/pgaskin/go-jdwp/adblib/jdwpproxy"
)

// interceptorQueueSize is the number of records which can be waiting to be
// written before new ones are dropped.
const interceptorQueueSize = 1024

// Interceptor records every packet to a [Writer]. It never vetoes. Packets
// sent to clients are recorded once for each client they are sent to.
//
// Records are written by a separate goroutine, so a slow capture never stalls
// the proxy. If the writer falls behind, records are dropped. Close must be
// called before closing the Writer.
type Interceptor struct {
	w     *Writer
	log   *slog.Logger
	now   func() time.Time
	queue chan Record
	done  chan struct{}

	mu     sync.RWMutex
	closed bool

	failed  atomic.Bool
	dropped atomic.Int64
	err     error // set by the writer goroutine before done is closed
}

var _ jdwpproxy.Interceptor = (*Interceptor)(nil)

// NewInterceptor creates an interceptor writing to w. If the capture can't be
// written, a warning is logged to logger (if not nil) and recording stops.
func NewInterceptor(w *Writer, logger *slog.Logger) *Interceptor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	i := &Interceptor{
		w:     w,
		log:   logger,
		now:   time.Now,
		queue: make(chan Record, interceptorQueueSize),
		done:  make(chan struct{}),
	}
	go i.writer()
	return i
}

func (i *Interceptor) FilterToDevice(*jdwpproxy.Client, []byte) bool { return false }
func (i *Interceptor) FilterToClient(*jdwpproxy.Client, []byte) bool { return false }

func (i *Interceptor) FilterToDevicePacket(from *jdwpproxy.Client, p jdwpproto.Packet) bool {
	i.record(ToDevice, from, p)
	return false
}

func (i *Interceptor) FilterToClientPacket(to *jdwpproxy.Client, p jdwpproto.Packet) bool {
	i.record(ToClient, to, p)
	return false
}

// Dropped returns the number of records dropped because the writer fell
// behind.
func (i *Interceptor) Dropped() int64 {
	return i.dropped.Load()
}

// Close stops recording and waits for the queued records to be written. It
// returns the first error writing the capture, if any.
func (i *Interceptor) Close() error {
	i.mu.Lock()
	if !i.closed {
		i.closed = true
		close(i.queue)
	}
	i.mu.Unlock()
	<-i.done
	if n := i.dropped.Load(); n != 0 {
		i.log.Warn("capture is incomplete", "dropped", n)
	}
	return i.err
}

func (i *Interceptor) record(dir Direction, c *jdwpproxy.Client, p jdwpproto.Packet) {
	if i.failed.Load() {
		return
	}
	r := Record{
		Time:      i.now(),
		Direction: dir,
		Packet:    slices.Clone(p),
	}
	if c != nil {
		r.Client = c.ID()
		r.Device, _ = c.Target()
	}

	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.closed {
		return
	}
	select {
	case i.queue <- r:
	default:
		if i.dropped.Add(1) == 1 {
			i.log.Warn("capture is falling behind, dropping records")
		}
	}
}

func (i *Interceptor) writer() {
	defer close(i.done)
	for r := range i.queue {
		if i.err != nil {
			continue
		}
		if err := i.w.WriteRecord(r); err != nil {
			i.err = err
			i.failed.Store(true)
			i.log.Warn("failed to write capture, stopping", "error", err)
		}
	}
}
