package jdwpproxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"

	"github.com/pgaskin/go-jdwp/adb/adbproto"
)

type dialerFunc func(ctx context.Context, svc string) (net.Conn, error)

func (fn dialerFunc) DialADB(ctx context.Context, svc string) (net.Conn, error) {
	return fn(ctx, svc)
}

// fakeADBDevice returns a dialer for a device with the specified debuggable
// processes.
func fakeADBDevice(t *testing.T, pids string, dialed *[]string) dialerFunc {
	return func(ctx context.Context, svc string) (net.Conn, error) {
		*dialed = append(*dialed, svc)
		a, b := tcpPair(t)
		switch {
		case svc == "track-jdwp":
			fmt.Fprintf(b, "%04x%s", len(pids), pids)
		case strings.HasPrefix(svc, "jdwp:"):
		default:
			return nil, fmt.Errorf("%w: unknown service %q", adbproto.ErrServer, svc)
		}
		return a, nil
	}
}

func TestOpenJDWP(t *testing.T) {
	t.Run("Found", func(t *testing.T) {
		var dialed []string
		conn, err := openJDWP(context.Background(), fakeADBDevice(t, "123\n456\n", &dialed), "abc", 456)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		conn.Close()
		if act := strings.Join(dialed, ","); act != "track-jdwp,jdwp:456" {
			t.Errorf("unexpected services dialed: %s", act)
		}
	})
	t.Run("NoProcess", func(t *testing.T) {
		var dialed []string
		_, err := openJDWP(context.Background(), fakeADBDevice(t, "123\n", &dialed), "abc", 456)
		if !errors.Is(err, ErrProcessNotFound) || errors.Is(err, ErrDeviceNotFound) {
			t.Fatalf("expected process not found, got %v", err)
		}
		if !strings.Contains(err.Error(), "pid") {
			t.Errorf("expected error to mention the pid, got %q", err)
		}
		if len(dialed) != 1 {
			t.Errorf("expected only the process list to be dialed, got %v", dialed)
		}
	})
	t.Run("NoDevice", func(t *testing.T) {
		srv := dialerFunc(func(ctx context.Context, svc string) (net.Conn, error) {
			return nil, fmt.Errorf("service %q: %w: device 'abc' not found", svc, adbproto.ErrServer)
		})
		_, err := openJDWP(context.Background(), srv, "abc", 456)
		if !errors.Is(err, ErrDeviceNotFound) || errors.Is(err, ErrProcessNotFound) {
			t.Fatalf("expected device not found, got %v", err)
		}
		if !strings.Contains(err.Error(), "device") {
			t.Errorf("expected error to mention the device, got %q", err)
		}
		if !errors.Is(err, adbproto.ErrServer) {
			t.Errorf("expected error to wrap the cause")
		}
	})
	t.Run("Unreachable", func(t *testing.T) {
		srv := dialerFunc(func(ctx context.Context, svc string) (net.Conn, error) {
			return nil, errors.New("connection refused")
		})
		_, err := openJDWP(context.Background(), srv, "abc", 456)
		if err == nil || errors.Is(err, ErrDeviceNotFound) || errors.Is(err, ErrProcessNotFound) {
			t.Fatalf("expected an unclassified error, got %v", err)
		}
	})
}
