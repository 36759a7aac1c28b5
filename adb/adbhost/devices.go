package adbhost

import (
	"fmt"
	"strconv"
	"strings"
)

// ConnectionState is the state of a device as reported by the host server.
// Unknown states are kept as-is.
//
// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/adb.h;l=105-123;drc=4af6e4ff6ff587b344236c30cb3d6765cb1de6be
type ConnectionState string

const (
	CsOffline      ConnectionState = "offline"
	CsUnauthorized ConnectionState = "unauthorized"
	CsNoPerm       ConnectionState = "no permissions"
	CsBootloader   ConnectionState = "bootloader"
	CsDevice       ConnectionState = "device"
	CsHost         ConnectionState = "host"
	CsRecovery     ConnectionState = "recovery"
	CsSideload     ConnectionState = "sideload"
	CsRescue       ConnectionState = "rescue"
)

// ParseConnectionState parses a connection state.
func ParseConnectionState(s string) ConnectionState {
	if strings.HasPrefix(s, string(CsNoPerm)+" (") {
		return CsNoPerm // adb appends a diagnosis
	}
	return ConnectionState(s)
}

func (c ConnectionState) String() string {
	if c == "" {
		return "unknown"
	}
	return string(c)
}

// IsOnline returns true if services can be opened on the device.
func (c ConnectionState) IsOnline() bool {
	switch c {
	case CsBootloader, CsDevice, CsHost, CsRecovery, CsSideload, CsRescue:
		return true
	}
	return false
}

// TransportInfo describes a device connected to the host server. Only the
// serial and state are set for short listings.
type TransportInfo struct {
	Serial     string
	State      ConnectionState
	BusAddress string
	Product    string
	Model      string
	Device     string
	Transport  TransportID
}

// ParseDevices parses the text output of "host:devices" or "host:devices-l".
// Unknown attributes are ignored.
func ParseDevices(buf []byte) ([]*TransportInfo, error) {
	var devs []*TransportInfo
	for line := range strings.Lines(string(buf)) {
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		// short listings separate the serial with a tab, long ones pad it with spaces
		serial, rest, ok := strings.Cut(line, "\t")
		if !ok {
			if serial, rest, ok = strings.Cut(line, " "); !ok {
				return devs, fmt.Errorf("parse line %q: missing state", line)
			}
			rest = strings.TrimLeft(rest, " ")
		}
		if serial == "(no serial number)" {
			serial = ""
		}
		info := &TransportInfo{Serial: serial}

		state, attrs, long := strings.Cut(rest, " ")
		info.State = ParseConnectionState(state)

		if long {
			for i, attr := range strings.Fields(attrs) {
				if i == 0 {
					info.BusAddress = attr
					continue
				}
				k, v, _ := strings.Cut(attr, ":")
				switch k {
				case "product":
					info.Product = v
				case "model":
					info.Model = v
				case "device":
					info.Device = v
				case "transport_id":
					tid, err := strconv.ParseUint(v, 10, 64)
					if err != nil {
						return devs, fmt.Errorf("parse line %q: transport id: %w", line, err)
					}
					info.Transport = TransportID(tid)
				}
			}
		}
		devs = append(devs, info)
	}
	return devs, nil
}
