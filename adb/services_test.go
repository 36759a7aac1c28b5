package adb

import (
	"context"
	"errors"
	"net"
	"slices"
	"testing"
	"time"

	"github.com/pgaskin/go-jdwp/adb/adbproto"
)

type dialerFunc func(ctx context.Context, svc string) (net.Conn, error)

func (fn dialerFunc) DialADB(ctx context.Context, svc string) (net.Conn, error) {
	return fn(ctx, svc)
}

func TestParseJDWPProcesses(t *testing.T) {
	pids, err := ParseJDWPProcesses([]byte("1234\n42\n\n777\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !slices.Equal(pids, []int{42, 777, 1234}) {
		t.Errorf("incorrect pids %v", pids)
	}
	if _, err := ParseJDWPProcesses([]byte("12\nabc\n")); err == nil {
		t.Errorf("expected error for invalid pid")
	}
	if pids, err := ParseJDWPProcesses(nil); err != nil || len(pids) != 0 {
		t.Errorf("expected empty list, got %v %v", pids, err)
	}
}

func TestJDWPProcesses(t *testing.T) {
	var svcs []string
	srv := dialerFunc(func(ctx context.Context, svc string) (net.Conn, error) {
		svcs = append(svcs, svc)
		c1, c2 := net.Pipe()
		go func() {
			defer c2.Close()
			adbproto.SendProtocolString(c2, "100\n200\n")
			time.Sleep(time.Second) // track-jdwp keeps the stream open
		}()
		return c1, nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pids, err := JDWPProcesses(ctx, srv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !slices.Equal(pids, []int{100, 200}) {
		t.Errorf("incorrect pids %v", pids)
	}
	if !slices.Equal(svcs, []string{"track-jdwp"}) {
		t.Errorf("incorrect services %q", svcs)
	}
}

func TestJDWPProcessesCancel(t *testing.T) {
	srv := dialerFunc(func(ctx context.Context, svc string) (net.Conn, error) {
		c1, c2 := net.Pipe()
		go func() {
			<-time.After(5 * time.Second)
			c2.Close()
		}()
		return c1, nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := JDWPProcesses(ctx, srv); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestJDWP(t *testing.T) {
	var got string
	srv := dialerFunc(func(ctx context.Context, svc string) (net.Conn, error) {
		got = svc
		c1, _ := net.Pipe()
		return c1, nil
	})
	conn, err := JDWP(context.Background(), srv, 4321)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	conn.Close()
	if got != "jdwp:4321" {
		t.Errorf("incorrect service %q", got)
	}
	if _, err := JDWP(context.Background(), srv, 0); err == nil {
		t.Errorf("expected error for invalid pid")
	}
}
