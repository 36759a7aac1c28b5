package adbhost

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/pgaskin/go-jdwp/adb"
)

// Transport selects the device services are opened on.
//
// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/adb.cpp;l=1293-1352;drc=9f298fb1f3317371b49439efb20a598b3a881bf3
type Transport interface {
	transport() string
}

// TransportID selects a transport by the id assigned by the host server. It
// changes when a device reconnects.
type TransportID uint64

func (t TransportID) String() string {
	return "TransportID(" + strconv.FormatUint(uint64(t), 10) + ")"
}

func (t TransportID) transport() string {
	return "host-transport-id:" + strconv.FormatUint(uint64(t), 10)
}

// Serial selects a device by serial.
type Serial string

func (s Serial) String() string {
	return "Serial(" + string(s) + ")"
}

func (s Serial) transport() string {
	if s == "" {
		return ""
	}
	return "host:tport:serial:" + string(s)
}

// DefaultTransport selects the only device of a kind.
type DefaultTransport string

const (
	TransportUSB   DefaultTransport = "usb"
	TransportLocal DefaultTransport = "local"
	TransportAny   DefaultTransport = "any"
)

func (t DefaultTransport) String() string {
	return "DefaultTransport(" + string(t) + ")"
}

func (t DefaultTransport) transport() string {
	return "host:tport:" + string(t)
}

// TransportDialer is an [adb.Dialer] which opens services on a device through
// the host server.
type TransportDialer struct {
	d      *Dialer
	mu     sync.Mutex
	t      Transport
	sticky bool
}

var _ adb.Dialer = (*TransportDialer)(nil)

type transportConn struct {
	net.Conn
	tid TransportID
	ok  bool
}

// Server returns an [adb.Dialer] for t. If d is nil, an empty one is used.
func Server(d *Dialer, t Transport) *TransportDialer {
	return &TransportDialer{d: d, t: t}
}

// StickyServer is like [Server], but pins the [TransportID] selected for the
// first connection, so later connections go to the same device even if it
// reconnects or another matching device appears (they fail instead).
func StickyServer(d *Dialer, t Transport) *TransportDialer {
	_, pinned := t.(TransportID)
	return &TransportDialer{d: d, t: t, sticky: !pinned}
}

// DialADB opens svc on the device.
func (h *TransportDialer) DialADB(ctx context.Context, svc string) (net.Conn, error) {
	h.mu.Lock()
	t, pin := h.t, h.sticky
	if !pin {
		h.mu.Unlock()
	} else {
		defer h.mu.Unlock() // serialize until the id is pinned
	}

	tsvc := t.transport()
	if tsvc == "" {
		return nil, errors.New("invalid transport")
	}
	conn, err := h.d.DialADBHost(ctx, tsvc)
	if err != nil {
		return nil, err
	}

	tc := &transportConn{Conn: conn}
	if tid, ok := t.(TransportID); ok {
		tc.tid, tc.ok = tid, true
	} else if strings.HasPrefix(tsvc, "host:tport:") {
		// tport replies with the selected transport id after the OKAY
		var buf [8]byte
		if _, err := io.ReadFull(conn, buf[:]); err != nil {
			conn.Close()
			return nil, fmt.Errorf("tport: read transport id: %w", err)
		}
		tc.tid, tc.ok = TransportID(binary.LittleEndian.Uint64(buf[:])), true
	}
	if pin && tc.ok {
		h.t, h.sticky = tc.tid, false
	}

	if err := adbService(ctx, conn, svc); err != nil {
		conn.Close()
		return nil, err
	}
	return tc, nil
}

// ServerConnTransportID returns the transport a connection opened by a
// [TransportDialer] is using, if known.
func ServerConnTransportID(conn net.Conn) (TransportID, bool) {
	if tc, ok := conn.(*transportConn); ok && tc != nil {
		return tc.tid, tc.ok
	}
	return 0, false
}
