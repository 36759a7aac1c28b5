package jdwpproxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pgaskin/go-jdwp/adb/adbproto/jdwpproto"
)

// deviceQueueSize is the number of writes which can be queued for a device
// before it is considered stuck and disconnected.
const deviceQueueSize = 256

var errDeviceStalled = errors.New("device write queue full")

// DeviceConn is the single shared connection to a JDWP process. Data read
// from the device is fanned out to every listening [Client] which has
// completed its handshake. Use [Registry.GetOrCreate] to obtain one.
type DeviceConn struct {
	id       ConnectionID
	conn     net.Conn
	registry *Registry
	log      *slog.Logger
	closer   closer

	queue    chan []byte
	writeRaw func(b []byte) error // replaceable for testing

	mu        sync.Mutex
	listeners []*Client

	// only accessed from the loop
	framer     *jdwpproto.Reader
	handshake  []byte
	handshaken bool
}

func newDeviceConn(id ConnectionID, conn net.Conn, r *Registry) *DeviceConn {
	d := &DeviceConn{
		id:       id,
		conn:     conn,
		registry: r,
		log:      r.log.With("device", id.String()),
		queue:    make(chan []byte, deviceQueueSize),
		framer:   jdwpproto.NewReader(nil),
	}
	d.writeRaw = d.enqueue
	return d
}

// ID returns the id of the process the connection is for.
func (d *DeviceConn) ID() ConnectionID {
	return d.id
}

// IsClosed returns true if the connection has been shut down.
func (d *DeviceConn) IsClosed() bool {
	return d.closer.IsClosed()
}

// enqueue queues b for the writer without blocking. The caller must not
// modify b afterwards.
func (d *DeviceConn) enqueue(b []byte) error {
	if d.closer.IsClosed() {
		return net.ErrClosed
	}
	select {
	case d.queue <- b:
		return nil
	default:
		return errDeviceStalled
	}
}

// writer writes queued data to the device socket until the connection is shut
// down. It is started once the connection is added to the registry.
func (d *DeviceConn) writer() {
	for {
		select {
		case b := <-d.queue:
			if _, err := d.conn.Write(b); err != nil {
				if !d.closer.IsClosed() {
					d.log.Warn("write to device failed", "error", err)
				}
				d.Shutdown()
				return
			}
		case <-d.closer.Closed():
			return
		}
	}
}

// sendHandshake starts the handshake with the device. The echoed handshake is
// consumed by handleRead, since clients do their own handshake with the
// proxy.
func (d *DeviceConn) sendHandshake(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		d.conn.SetWriteDeadline(deadline)
		defer d.conn.SetWriteDeadline(time.Time{})
	}
	_, err := d.conn.Write([]byte(jdwpproto.Handshake))
	return err
}

// Write sends data from a client to the device, unless an interceptor vetoes
// it. A vetoed write is not an error. If the write can't be queued, the
// connection is shut down. The client may be nil.
//
// Only complete packets are sent. A trailing partial packet is held until the
// client sends the rest of it, so a veto always drops whole packets. If the
// raw data is vetoed, every packet it is part of is dropped. If a packet is
// vetoed, only that packet is dropped.
func (d *DeviceConn) Write(from *Client, b []byte) error {
	if d.closer.IsClosed() {
		return net.ErrClosed
	}
	chain := d.registry.chain

	veto := chain.FilterToDevice(from, b)

	var (
		framer  *jdwpproto.Reader
		dropped bool // the buffered partial packet was vetoed
	)
	if from != nil {
		framer, dropped = from.framer, from.dropPartial
	} else {
		framer = jdwpproto.NewReader(nil)
	}
	framer.Feed(b)

	var out []byte
	for {
		p, ok := framer.Next()
		if !ok {
			break
		}
		if veto || dropped || chain.FilterToDevicePacket(from, p) {
			d.log.Debug("suppressed packet to device", "packet", p.String())
		} else {
			out = append(out, p...)
		}
		dropped = false
	}
	switch {
	case framer.Err() != nil:
		d.log.Warn("invalid packet from client, passing through unframed", "error", framer.Err())
		if rest := framer.Drain(); !veto && !dropped {
			out = append(out, rest...)
		}
		dropped = false
	case from == nil:
		if rest := framer.Drain(); !veto {
			out = append(out, rest...)
		}
	case veto && len(b) != 0 && framer.Buffered() != 0:
		// the tail of this write starts a packet
		dropped = true
	}
	if from != nil {
		from.dropPartial = dropped
	}

	if veto {
		d.log.Debug("suppressed write to device", "length", len(b))
	}
	if len(out) == 0 {
		return nil
	}
	if err := d.writeRaw(out); err != nil {
		if !d.closer.IsClosed() {
			d.log.Warn("write to device failed", "error", err)
		}
		d.Shutdown()
		return err
	}
	return nil
}

// handleRead is the loop read handler for the device socket.
func (d *DeviceConn) handleRead(b []byte, err error) {
	if len(b) != 0 || err == nil {
		d.read(b)
	}
	if err != nil {
		if !errors.Is(err, io.EOF) && !d.closer.IsClosed() {
			d.log.Warn("read from device failed", "error", err)
		} else {
			d.log.Debug("device closed connection")
		}
		d.Shutdown()
	}
}

// read fans out a single read from the device. The interceptors are consulted
// once for each listener, even if b is empty.
func (d *DeviceConn) read(b []byte) {
	if d.closer.IsClosed() {
		return
	}
	if !d.handshaken {
		n := min(jdwpproto.HandshakeSize-len(d.handshake), len(b))
		d.handshake = append(d.handshake, b[:n]...)
		b = b[n:]
		if !strings.HasPrefix(jdwpproto.Handshake, string(d.handshake)) {
			d.log.Warn("invalid handshake from device", "data", string(d.handshake))
			d.Shutdown()
			return
		}
		if len(d.handshake) == jdwpproto.HandshakeSize {
			d.handshaken, d.handshake = true, nil
		}
	}

	var pkts []jdwpproto.Packet
	if len(b) != 0 {
		d.framer.Feed(b)
		for {
			p, ok := d.framer.Next()
			if !ok {
				break
			}
			pkts = append(pkts, p)
		}
		if err := d.framer.Err(); err != nil {
			d.log.Warn("invalid packet from device, passing through unframed", "error", err)
			d.framer.Reset()
		}
	}

	chain := d.registry.chain
	for _, l := range d.Listeners() {
		veto := chain.FilterToClient(l, b)
		for _, p := range pkts {
			if chain.FilterToClientPacket(l, p) {
				veto = true
			}
		}
		if veto || len(b) == 0 || !l.HandshakeComplete() {
			continue
		}
		l.write(b)
	}
}

// AddListener adds a client to receive data from the device.
func (d *DeviceConn) AddListener(c *Client) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closer.IsClosed() {
		return net.ErrClosed
	}
	if !slices.Contains(d.listeners, c) {
		d.listeners = append(d.listeners, c)
	}
	return nil
}

// RemoveListener removes a client. It is a no-op if the client is not a
// listener.
func (d *DeviceConn) RemoveListener(c *Client) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = slices.DeleteFunc(d.listeners, func(x *Client) bool {
		return x == c
	})
}

// Listeners returns a snapshot of the current listeners.
func (d *DeviceConn) Listeners() []*Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.listeners)
}

// AddInterceptor appends an interceptor to the chain. The chain is shared by
// all connections in the registry.
func (d *DeviceConn) AddInterceptor(i Interceptor) {
	d.registry.chain.Add(i)
}

// Shutdown closes the device socket, removes the connection from the
// registry, and shuts down every listener. It is idempotent.
func (d *DeviceConn) Shutdown() error {
	return d.closer.Close(func() error {
		err := d.registry.remove(d)
		d.registry.loop.Deregister(d.conn)

		d.mu.Lock()
		ls := d.listeners
		d.listeners = nil
		d.mu.Unlock()

		for _, l := range ls {
			l.Shutdown()
		}
		d.log.Info("closed device connection", "listeners", len(ls))
		if t := d.registry.trace; t != nil && t.DeviceClosed != nil {
			t.DeviceClosed(d.id)
		}
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
		return err
	})
}
