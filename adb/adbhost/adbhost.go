// Package adbhost connects to an ADB host server.
package adbhost

import (
	"cmp"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pgaskin/go-jdwp/adb/adbproto"
)

// DefaultAddr is the default address for the ADB host server.
var DefaultAddr = "localhost:5037"

// Dialer connects to an ADB host server. A nil Dialer is the same as a zero
// one.
type Dialer struct {
	// DialContext opens the TCP connection. If nil, a [net.Dialer] is used.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)

	// Addr is the server address. If empty, [DefaultAddr] is used.
	Addr string
}

// DialADBHost opens a host service. The context deadline covers both the TCP
// connection and the service request.
func (c *Dialer) DialADBHost(ctx context.Context, svc string) (net.Conn, error) {
	dial := new(net.Dialer).DialContext
	var addr string
	if c != nil {
		if c.DialContext != nil {
			dial = c.DialContext
		}
		addr = c.Addr
	}
	conn, err := dial(ctx, "tcp", cmp.Or(addr, DefaultAddr))
	if err != nil {
		return nil, fmt.Errorf("service %q: %w", svc, err)
	}
	if err := adbService(ctx, conn, svc); err != nil {
		conn.Close()
		return nil, fmt.Errorf("service %q: %w", svc, err)
	}
	return conn, nil
}

// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/client/adb_client.cpp;l=137-156;drc=c58caa21f0c7efccf1ecbd5a5fd1570ff0c246a3

// adbService requests svc on conn and waits for the OKAY.
func adbService(ctx context.Context, conn net.Conn, svc string) error {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0)) // unblock
	})
	err := adbproto.SendProtocolString(conn, svc)
	if err != nil {
		err = adbproto.ProtocolErrorf("send service: %w", err)
	} else {
		err = adbproto.ReadOkayFail(conn)
	}
	if !stop() {
		return ctx.Err()
	}
	return err
}
