package adbhost

import (
	"context"

	"github.com/pgaskin/go-jdwp/adb/adbproto"
)

// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/services.cpp;drc=01cbbf505e3348a70cd846b26fae603bdf44b3c5
// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/adb.cpp;l=1275-1616;drc=9f298fb1f3317371b49439efb20a598b3a881bf3

// Devices gets the list of devices using "host:devices" or "host:devices-l".
// Note that this uses the text format internally, which means that not all
// fields will be set and attributes will be sanitized.
func Devices(ctx context.Context, srv *Dialer, long bool) ([]*TransportInfo, error) {
	var svc string
	if long {
		svc = "host:devices-l"
	} else {
		svc = "host:devices"
	}
	conn, err := srv.DialADBHost(ctx, svc)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	buf, err := adbproto.ReadProtocolBytes(conn, nil)
	if err != nil {
		return nil, adbproto.ProtocolErrorf("read device list: %w", err)
	}
	return ParseDevices(buf)
}

// Online returns the serials of the devices which are online.
func Online(devs []*TransportInfo) []string {
	var serials []string
	for _, dev := range devs {
		if dev.Serial != "" && dev.State.IsOnline() {
			serials = append(serials, dev.Serial)
		}
	}
	return serials
}
