// Package adblib provides high-level ADB functionality.
package adblib

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/pgaskin/go-jdwp/adb/adbhost"
)

// HostAddr returns the ADB host server address from the ADB_SERVER
// environment variable (host:port), or [adbhost.DefaultAddr].
func HostAddr() string {
	return cmp.Or(os.Getenv("ADB_SERVER"), adbhost.DefaultAddr)
}

// Connect connects to an ADB device through an ADB server. If addr is empty,
// [HostAddr] is used. If dev is empty, [adbhost.TransportAny] is used, and the
// dialer will be bound to the initially selected device for future
// connections. The device list is checked to ensure the server is reachable
// and the device (if specified) is online.
func Connect(ctx context.Context, addr, serial string) (*adbhost.TransportDialer, error) {
	dlr := &adbhost.Dialer{
		Addr: cmp.Or(addr, HostAddr()),
	}
	devs, err := adbhost.Devices(ctx, dlr, false)
	if err != nil {
		return nil, err
	}
	if online := adbhost.Online(devs); serial != "" && !slices.Contains(online, serial) {
		return nil, fmt.Errorf("device %q not found", serial)
	} else if len(online) == 0 {
		return nil, errors.New("no devices online")
	}
	var srv *adbhost.TransportDialer
	if serial == "" {
		srv = adbhost.StickyServer(dlr, adbhost.TransportAny) // sticky so we refer to the same device and connecting more devices doesn't make it start to fail
	} else {
		srv = adbhost.Server(dlr, adbhost.Serial(serial)) // not sticky so reconnecting the device doesn't cause connections to fail
	}
	return srv, nil
}
