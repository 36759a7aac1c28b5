package adbhost

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/pgaskin/go-jdwp/adb/adbproto"
)

// fakeHost is a minimal adb host server which knows about one device.
type fakeHost struct {
	ln     net.Listener
	serial string
	svcs   chan string
}

func newFakeHost(t *testing.T, serial string) *fakeHost {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	h := &fakeHost{ln: ln, serial: serial, svcs: make(chan string, 16)}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go h.serve(conn)
		}
	}()
	return h
}

func (h *fakeHost) serve(conn net.Conn) {
	defer conn.Close()
	for {
		svc, err := adbproto.ReadProtocolBytes(conn, nil)
		if err != nil {
			return
		}
		h.svcs <- string(svc)
		switch s := string(svc); {
		case s == "host:devices":
			adbproto.SendOkay(conn)
			adbproto.SendProtocolString(conn, h.serial+"\tdevice\noffline-1\toffline\n")
			return
		case strings.HasPrefix(s, "host:tport:serial:"):
			if strings.TrimPrefix(s, "host:tport:serial:") != h.serial {
				adbproto.SendFail(conn, "device '"+strings.TrimPrefix(s, "host:tport:serial:")+"' not found")
				return
			}
			adbproto.SendOkay(conn)
			conn.Write(binary.LittleEndian.AppendUint64(nil, 7))
		case strings.HasPrefix(s, "host-transport-id:"):
			if strings.TrimPrefix(s, "host-transport-id:") != "7" {
				adbproto.SendFail(conn, "no device with transport id")
				return
			}
			adbproto.SendOkay(conn)
		case s == "jdwp:1234":
			adbproto.SendOkay(conn)
			io.Copy(conn, conn) // echo
			return
		default:
			adbproto.SendFail(conn, "unknown service "+s)
			return
		}
	}
}

func TestServerTransport(t *testing.T) {
	h := newFakeHost(t, "emulator-5554")
	d := &Dialer{Addr: h.ln.Addr().String()}
	srv := Server(d, Serial("emulator-5554"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := srv.DialADB(ctx, "jdwp:1234")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer conn.Close()

	if tid, ok := ServerConnTransportID(conn); !ok || tid != 7 {
		t.Errorf("expected transport id 7, got %v %v", tid, ok)
	}
	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil || string(buf) != "ping" {
		t.Fatalf("expected echo, got %q %v", buf, err)
	}
	if act := []string{<-h.svcs, <-h.svcs}; !slices.Equal(act, []string{"host:tport:serial:emulator-5554", "jdwp:1234"}) {
		t.Errorf("incorrect services %q", act)
	}
}

func TestStickyServer(t *testing.T) {
	h := newFakeHost(t, "emulator-5554")
	srv := StickyServer(&Dialer{Addr: h.ln.Addr().String()}, Serial("emulator-5554"))

	for range 2 {
		conn, err := srv.DialADB(context.Background(), "jdwp:1234")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if tid, ok := ServerConnTransportID(conn); !ok || tid != 7 {
			t.Errorf("expected transport id 7, got %v %v", tid, ok)
		}
		conn.Close()
	}

	var act []string
	for range 4 {
		act = append(act, <-h.svcs)
	}
	if exp := []string{"host:tport:serial:emulator-5554", "jdwp:1234", "host-transport-id:7", "jdwp:1234"}; !slices.Equal(act, exp) {
		t.Errorf("expected services %q, got %q", exp, act)
	}
}

func TestServerTransportMissingDevice(t *testing.T) {
	h := newFakeHost(t, "emulator-5554")
	srv := Server(&Dialer{Addr: h.ln.Addr().String()}, Serial("nope"))

	_, err := srv.DialADB(context.Background(), "jdwp:1234")
	if !errors.Is(err, adbproto.ErrServer) {
		t.Fatalf("expected server error, got %v", err)
	}
	if !strings.Contains(err.Error(), "device 'nope' not found") {
		t.Errorf("expected device not found message, got %v", err)
	}
}

func TestDevices(t *testing.T) {
	h := newFakeHost(t, "abc123")
	devs, err := Devices(context.Background(), &Dialer{Addr: h.ln.Addr().String()}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(devs) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(devs))
	}
	if devs[0].Serial != "abc123" || devs[0].State != CsDevice {
		t.Errorf("incorrect device %+v", devs[0])
	}
	if act := Online(devs); !slices.Equal(act, []string{"abc123"}) {
		t.Errorf("incorrect online devices %q", act)
	}
}

func TestParseDevicesLong(t *testing.T) {
	devs, err := ParseDevices([]byte("0123456789ABCDEF       device usb:1-1 product:x model:Pixel_7 device:panther transport_id:3\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(devs) != 1 {
		t.Fatalf("expected 1 device, got %d", len(devs))
	}
	d := devs[0]
	if d.Serial != "0123456789ABCDEF" || d.Model != "Pixel_7" || d.Device != "panther" || d.Transport != 3 || d.BusAddress != "usb:1-1" {
		t.Errorf("incorrect device %+v", d)
	}
}
