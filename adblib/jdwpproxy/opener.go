package jdwpproxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"

	"github.com/pgaskin/go-jdwp/adb"
	"github.com/pgaskin/go-jdwp/adb/adbhost"
	"github.com/pgaskin/go-jdwp/adb/adbproto"
)

var (
	ErrDeviceNotFound  = errors.New("device not found")
	ErrProcessNotFound = errors.New("process not found")
)

// DeviceOpener opens a raw JDWP connection to a process on a device. The
// returned connection has not done the handshake. Errors should match
// [ErrDeviceNotFound] or [ErrProcessNotFound] where applicable.
type DeviceOpener interface {
	OpenJDWP(ctx context.Context, serial string, pid int) (net.Conn, error)
}

// DeviceOpenerFunc adapts a function to a [DeviceOpener].
type DeviceOpenerFunc func(ctx context.Context, serial string, pid int) (net.Conn, error)

func (fn DeviceOpenerFunc) OpenJDWP(ctx context.Context, serial string, pid int) (net.Conn, error) {
	return fn(ctx, serial, pid)
}

type openError struct {
	kind   error
	serial string
	pid    int
	err    error
}

// DeviceNotFoundError returns an error matching [ErrDeviceNotFound]. The
// cause may be nil.
func DeviceNotFoundError(serial string, cause error) error {
	return &openError{kind: ErrDeviceNotFound, serial: serial, err: cause}
}

// ProcessNotFoundError returns an error matching [ErrProcessNotFound]. The
// cause may be nil.
func ProcessNotFoundError(serial string, pid int, cause error) error {
	return &openError{kind: ErrProcessNotFound, serial: serial, pid: pid, err: cause}
}

func (e *openError) Error() string {
	var s string
	if e.kind == ErrProcessNotFound {
		s = fmt.Sprintf("no such pid %d on device %q", e.pid, e.serial)
	} else {
		s = fmt.Sprintf("device %q not found", e.serial)
	}
	if e.err != nil {
		s += ": " + e.err.Error()
	}
	return s
}

func (e *openError) Is(target error) bool {
	return target == e.kind
}

func (e *openError) Unwrap() error {
	return e.err
}

// ADBOpener opens JDWP connections through an ADB host server.
type ADBOpener struct {
	// Host is the ADB server to use. If nil, the default is used.
	Host *adbhost.Dialer
}

var _ DeviceOpener = (*ADBOpener)(nil)

func (o *ADBOpener) OpenJDWP(ctx context.Context, serial string, pid int) (net.Conn, error) {
	var h *adbhost.Dialer
	if o != nil {
		h = o.Host
	}
	// sticky so the process list and the connection come from the same device
	return openJDWP(ctx, adbhost.StickyServer(h, adbhost.Serial(serial)), serial, pid)
}

// openJDWP checks the process list first, since adbd accepts jdwp:<pid> for
// any pid and just closes the connection if it isn't debuggable.
func openJDWP(ctx context.Context, srv adb.Dialer, serial string, pid int) (net.Conn, error) {
	pids, err := adb.JDWPProcesses(ctx, srv)
	if err != nil {
		if errors.Is(err, adbproto.ErrServer) {
			return nil, DeviceNotFoundError(serial, err)
		}
		return nil, fmt.Errorf("list jdwp processes: %w", err)
	}
	if !slices.Contains(pids, pid) {
		return nil, ProcessNotFoundError(serial, pid, nil)
	}
	conn, err := adb.JDWP(ctx, srv, pid)
	if err != nil {
		if errors.Is(err, adbproto.ErrServer) {
			return nil, ProcessNotFoundError(serial, pid, err)
		}
		return nil, fmt.Errorf("open jdwp: %w", err)
	}
	if tid, ok := adbhost.ServerConnTransportID(conn); ok {
		debug.Debug("opened jdwp connection", "serial", serial, "pid", pid, "transport", uint64(tid))
	}
	return conn, nil
}
