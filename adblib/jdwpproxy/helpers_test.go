package jdwpproxy

import (
	"bytes"
	"context"
	"io"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pgaskin/go-jdwp/adb/adbproto/jdwpproto"
)

const testTimeout = 5 * time.Second

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	ch := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		ch <- c
	}()
	a, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	b := <-ch
	if b == nil {
		t.Fatalf("accept failed")
	}
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

// freeAddr returns a loopback address which is probably not in use.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().String()
}

// fakeDevice is a JDWP process which echoes the handshake, then records
// everything written to it.
type fakeDevice struct {
	conn   net.Conn
	mu     sync.Mutex
	buf    []byte
	closed bool
	notify chan struct{}
}

func startFakeDevice(conn net.Conn) *fakeDevice {
	d := &fakeDevice{conn: conn, notify: make(chan struct{}, 1)}
	go d.run()
	return d
}

func (d *fakeDevice) run() {
	hs := make([]byte, jdwpproto.HandshakeSize)
	if _, err := io.ReadFull(d.conn, hs); err != nil || !jdwpproto.IsHandshake(hs) {
		d.conn.Close()
		d.done()
		return
	}
	if _, err := d.conn.Write(hs); err != nil {
		d.done()
		return
	}
	buf := make([]byte, 4096)
	for {
		n, err := d.conn.Read(buf)
		d.mu.Lock()
		d.buf = append(d.buf, buf[:n]...)
		d.mu.Unlock()
		d.signal()
		if err != nil {
			d.done()
			return
		}
	}
}

func (d *fakeDevice) signal() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

func (d *fakeDevice) done() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.signal()
}

// waitFor waits until at least n bytes (excluding the handshake) have been
// received, and returns them.
func (d *fakeDevice) waitFor(t *testing.T, n int) []byte {
	t.Helper()
	timeout := time.After(testTimeout)
	for {
		d.mu.Lock()
		buf, closed := slices.Clone(d.buf), d.closed
		d.mu.Unlock()
		if len(buf) >= n {
			return buf
		}
		if closed {
			t.Fatalf("device closed after receiving %q, expected %d bytes", buf, n)
		}
		select {
		case <-d.notify:
		case <-timeout:
			t.Fatalf("timed out waiting for device to receive %d bytes (got %q)", n, buf)
		}
	}
}

// waitClosed waits for the proxy to close the device connection.
func (d *fakeDevice) waitClosed(t *testing.T) {
	t.Helper()
	timeout := time.After(testTimeout)
	for {
		d.mu.Lock()
		closed := d.closed
		d.mu.Unlock()
		if closed {
			return
		}
		select {
		case <-d.notify:
		case <-timeout:
			t.Fatalf("timed out waiting for device connection to close")
		}
	}
}

func (d *fakeDevice) send(t *testing.T, b []byte) {
	t.Helper()
	if _, err := d.conn.Write(b); err != nil {
		t.Fatalf("device write: %v", err)
	}
}

// fakeOpener opens fake device connections for a fixed set of processes.
type fakeOpener struct {
	t       *testing.T
	procs   map[string][]int
	opens   atomic.Int32
	mu      sync.Mutex
	devices map[ConnectionID]*fakeDevice
}

func newFakeOpener(t *testing.T, procs map[string][]int) *fakeOpener {
	return &fakeOpener{t: t, procs: procs, devices: map[ConnectionID]*fakeDevice{}}
}

func (o *fakeOpener) OpenJDWP(ctx context.Context, serial string, pid int) (net.Conn, error) {
	o.opens.Add(1)
	pids, ok := o.procs[serial]
	if !ok {
		return nil, DeviceNotFoundError(serial, nil)
	}
	if !slices.Contains(pids, pid) {
		return nil, ProcessNotFoundError(serial, pid, nil)
	}
	a, b := tcpPair(o.t)
	o.mu.Lock()
	o.devices[ConnectionID{serial, pid}] = startFakeDevice(b)
	o.mu.Unlock()
	return a, nil
}

func (o *fakeOpener) device(t *testing.T, id ConnectionID) *fakeDevice {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	d := o.devices[id]
	if d == nil {
		t.Fatalf("device %s not opened", id)
	}
	return d
}

// stalledOpener opens processes which complete the handshake, then never read
// again.
func stalledOpener(t *testing.T) DeviceOpenerFunc {
	return func(ctx context.Context, serial string, pid int) (net.Conn, error) {
		a, b := net.Pipe()
		t.Cleanup(func() { b.Close() })
		go func() {
			hs := make([]byte, jdwpproto.HandshakeSize)
			if _, err := io.ReadFull(b, hs); err == nil {
				b.Write(hs)
			}
		}()
		return a, nil
	}
}

// readN reads exactly n bytes from conn.
func readN(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(testTimeout))
	defer conn.SetReadDeadline(time.Time{})
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read %d bytes: %v (got %q)", n, err, buf)
	}
	return buf
}

// expectRead reads len(exp) bytes from conn and compares them.
func expectRead(t *testing.T, conn net.Conn, exp []byte) {
	t.Helper()
	if act := readN(t, conn, len(exp)); !bytes.Equal(act, exp) {
		t.Fatalf("expected to read %q, got %q", exp, act)
	}
}

// expectEOF waits for conn to be closed by the other side.
func expectEOF(t *testing.T, conn net.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(testTimeout))
	defer conn.SetReadDeadline(time.Time{})
	b, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("expected eof, got error %v (after %q)", err, b)
	}
	if len(b) != 0 {
		t.Fatalf("expected eof, got %q", b)
	}
}

// eventually polls fn until it returns true.
func eventually(t *testing.T, what string, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !fn() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func testPacket(cmdSet, cmd byte, payload string) jdwpproto.Packet {
	buf := jdwpproto.NewPacket(len(payload))
	copy(buf[jdwpproto.HeaderSize:], payload)
	return jdwpproto.FinishPacket(buf, cmdSet, cmd, len(buf))
}
