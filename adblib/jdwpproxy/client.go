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
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pgaskin/go-jdwp/adb/adbproto"
	"github.com/pgaskin/go-jdwp/adb/adbproto/jdwpproto"
)

// clientQueueSize is the number of pending writes a client can have before
// it is considered stuck and disconnected.
const clientQueueSize = 256

// Client is a debugger connected to the proxy.
//
// The first data from a client is either a control command or the JDWP
// handshake. The handshake is echoed by the proxy itself, and data from the
// device is only forwarded once it has completed.
type Client struct {
	id       string
	conn     net.Conn
	registry *Registry
	log      *slog.Logger
	closer   closer
	onClose  func(*Client)

	queue     chan []byte
	handshake atomic.Bool

	mu     sync.Mutex
	device *DeviceConn

	// only accessed from the loop
	framer      *jdwpproto.Reader
	dropPartial bool   // the packet buffered in framer was vetoed
	decided     bool   // control command or handshake started
	ctl         []byte // partial control command
	hs          []byte // partial handshake
	binding     bool   // waiting for a device to be opened
	pending     []byte // received while binding
}

// newClient creates a client and starts its writer. If bound is true, the
// client will not accept control commands. If onClose is not nil, it is called
// when the client is shut down.
func newClient(conn net.Conn, r *Registry, bound bool, onClose func(*Client)) *Client {
	c := &Client{
		id:       uuid.NewString(),
		conn:     conn,
		registry: r,
		onClose:  onClose,
		queue:    make(chan []byte, clientQueueSize),
		framer:   jdwpproto.NewReader(nil),
		decided:  bound,
	}
	c.log = r.log.With("client", c.id, "remote", conn.RemoteAddr().String())
	go c.writer()
	return c
}

// ID returns a unique id for the client session.
func (c *Client) ID() string {
	return c.id
}

// RemoteAddr returns the address of the debugger.
func (c *Client) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// IsConnected returns true if the client has not been shut down.
func (c *Client) IsConnected() bool {
	return !c.closer.IsClosed()
}

// HandshakeComplete returns true once the client has sent the handshake and
// it has been echoed.
func (c *Client) HandshakeComplete() bool {
	return c.handshake.Load()
}

// Device returns the device connection the client is bound to, if any.
func (c *Client) Device() *DeviceConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device
}

// Target returns the id of the device connection the client is bound to.
func (c *Client) Target() (ConnectionID, bool) {
	if d := c.Device(); d != nil {
		return d.ID(), true
	}
	return ConnectionID{}, false
}

// bind makes the client a listener of d.
func (c *Client) bind(d *DeviceConn) error {
	c.mu.Lock()
	if c.device != nil {
		c.mu.Unlock()
		return errors.New("client already bound")
	}
	c.device = d
	c.mu.Unlock()
	if err := d.AddListener(c); err != nil {
		return err
	}
	if c.closer.IsClosed() {
		d.RemoveListener(c)
		return net.ErrClosed
	}
	c.log.Debug("bound to device", "device", d.ID().String())
	return nil
}

// write queues data to be sent to the client. The data is copied. If the
// client isn't keeping up, it is shut down.
func (c *Client) write(b []byte) {
	if c.closer.IsClosed() || len(b) == 0 {
		return
	}
	select {
	case c.queue <- slices.Clone(b):
	default:
		c.log.Warn("client write queue full, disconnecting")
		c.Shutdown()
	}
}

// finish shuts down the client after the queued data is written.
func (c *Client) finish() {
	select {
	case c.queue <- nil:
	default:
		c.Shutdown()
	}
}

func (c *Client) writer() {
	for {
		select {
		case b := <-c.queue:
			if b == nil {
				c.Shutdown()
				return
			}
			if _, err := c.conn.Write(b); err != nil {
				if !c.closer.IsClosed() {
					c.log.Debug("write to client failed", "error", err)
				}
				c.Shutdown()
				return
			}
		case <-c.closer.Closed():
			return
		}
	}
}

// handleRead is the loop read handler for the client socket.
func (c *Client) handleRead(b []byte, err error) {
	if len(b) != 0 {
		c.read(b)
	}
	if err != nil {
		if !errors.Is(err, io.EOF) && !c.closer.IsClosed() {
			c.log.Debug("read from client failed", "error", err)
		}
		c.Shutdown()
	}
}

func (c *Client) read(b []byte) {
	if c.closer.IsClosed() {
		return
	}
	if c.binding {
		c.pending = append(c.pending, b...)
		return
	}
	if !c.decided {
		if len(c.ctl) == 0 && !isControl(b[0]) {
			c.decided = true
		} else {
			c.readControl(b)
			return
		}
	}
	if !c.handshake.Load() {
		n := min(jdwpproto.HandshakeSize-len(c.hs), len(b))
		c.hs = append(c.hs, b[:n]...)
		b = b[n:]
		if !strings.HasPrefix(jdwpproto.Handshake, string(c.hs)) {
			c.log.Warn("invalid handshake from client", "data", string(c.hs))
			c.Shutdown()
			return
		}
		if len(c.hs) < jdwpproto.HandshakeSize {
			return
		}
		c.hs = nil
		if c.Device() == nil {
			c.log.Warn("client completed handshake without selecting a device")
			c.Shutdown()
			return
		}
		c.write([]byte(jdwpproto.Handshake))
		c.handshake.Store(true)
		c.log.Debug("handshake complete")
		if t := c.registry.trace; t != nil && t.ClientHandshake != nil {
			t.ClientHandshake(c)
		}
		if len(b) == 0 {
			return
		}
	}
	d := c.Device()
	if d == nil {
		c.log.Warn("client sent data without selecting a device")
		c.Shutdown()
		return
	}
	if err := d.Write(c, b); err != nil {
		c.Shutdown()
	}
}

// readControl accumulates a control command, and handles it once complete.
func (c *Client) readControl(b []byte) {
	c.ctl = append(c.ctl, b...)
	n := adbproto.ParseHexLength(c.ctl)
	if n < 0 {
		if len(c.ctl) >= 4 {
			c.log.Warn("invalid control command length", "data", string(c.ctl[:4]))
			c.Shutdown()
		}
		return
	}
	var msg, rest []byte
	switch {
	case n == 0 && len(c.ctl) == 4:
		return
	case n == 0:
		msg = c.ctl[4:] // legacy form: the rest of the read
	case len(c.ctl) < 4+n:
		return
	default:
		msg, rest = c.ctl[4:4+n], c.ctl[4+n:]
	}
	c.decided, c.ctl = true, nil
	c.control(string(msg), rest)
}

func (c *Client) control(msg string, rest []byte) {
	cmd, id, err := parseControl(msg)
	if err != nil {
		c.log.Warn("invalid control command", "error", err)
		c.fail(err.Error())
		return
	}
	c.log.Debug("control command", "command", cmd, "device", id.String())

	switch cmd {
	case CommandDisconnect:
		d := c.registry.Get(id)
		if d == nil {
			c.traceControl(cmd, id, ErrNotConnected)
			c.fail("no connection to " + id.String())
			return
		}
		d.Shutdown()
		c.traceControl(cmd, id, nil)
		c.okay()
		c.finish()

	case CommandConnect:
		c.binding = true
		c.pending = append(c.pending, rest...)
		go c.connect(id)
	}
}

// connect opens the device connection off the loop, then finishes binding on
// the loop.
func (c *Client) connect(id ConnectionID) {
	ctx, cancel := context.WithTimeout(context.Background(), c.registry.openTimeout)
	d, err := c.registry.GetOrCreate(ctx, id)
	cancel()

	if !c.registry.loop.Post(func() { c.connected(id, d, err) }) {
		c.Shutdown()
	}
}

func (c *Client) connected(id ConnectionID, d *DeviceConn, err error) {
	c.binding = false
	if err == nil {
		err = c.bind(d)
	}
	c.traceControl(CommandConnect, id, err)
	if err != nil {
		c.log.Warn("failed to connect client to device", "device", id.String(), "error", err)
		c.fail(err.Error())
		return
	}
	c.okay()
	if p := c.pending; len(p) != 0 {
		c.pending = nil
		c.read(p)
	}
}

func (c *Client) okay() {
	c.write(adbproto.StatusOkay[:])
}

// fail replies with a failure, then closes the connection.
func (c *Client) fail(reason string) {
	c.write(adbproto.AppendFail(nil, reason))
	c.finish()
}

func (c *Client) traceControl(cmd string, id ConnectionID, err error) {
	if t := c.registry.trace; t != nil && t.Control != nil {
		t.Control(cmd, id, err)
	}
}

// Shutdown disconnects the client. It is idempotent.
func (c *Client) Shutdown() error {
	return c.closer.Close(func() error {
		if d := c.Device(); d != nil {
			d.RemoveListener(c)
		}
		c.registry.loop.Deregister(c.conn)
		err := c.conn.Close()
		c.log.Debug("client disconnected")
		if c.onClose != nil {
			c.onClose(c)
		}
		if t := c.registry.trace; t != nil && t.ClientClosed != nil {
			t.ClientClosed(c)
		}
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
		return err
	})
}
