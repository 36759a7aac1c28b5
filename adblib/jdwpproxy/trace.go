package jdwpproxy

import (
	"context"
	"net"
	"reflect"
)

// ServerTrace is a set of hooks to run at various points in the lifecycle of a
// Server. Any particular hook may be nil. Functions may be called concurrently
// from different goroutines, and some are called on the loop goroutine, so
// they must not block.
//
// For tracing traffic, use an [Interceptor].
//
// These hooks should not be used for important logic. They are intended for
// debugging and metrics.
type ServerTrace struct {
	// StateChanged is called after the server changes state.
	StateChanged func(from, to State)

	// Accepted is called after a connection is accepted by the server. The
	// target is set if the connection was accepted on a forwarding listener.
	Accepted func(remote net.Addr, target *ConnectionID)

	// Relayed is called when a connection is relayed to the primary server
	// while in fallback mode.
	Relayed func(remote net.Addr)

	// ClientHandshake is called after a client completes the handshake.
	ClientHandshake func(c *Client)

	// ClientClosed is called after a client is shut down.
	ClientClosed func(c *Client)

	// Control is called after a control command is handled. The error is nil
	// if the reply was OKAY.
	Control func(cmd string, id ConnectionID, err error)

	// DeviceOpened is called after a device connection is opened.
	DeviceOpened func(id ConnectionID)

	// DeviceClosed is called after a device connection is shut down.
	DeviceClosed func(id ConnectionID)

	// PrimaryLost is called when a fallback server detects that the primary is
	// unreachable.
	PrimaryLost func(err error)
}

type serverTraceKey struct{}

func contextServerTrace(ctx context.Context) *ServerTrace {
	if t := ctx.Value(serverTraceKey{}); t != nil {
		return t.(*ServerTrace)
	}
	return nil
}

// WithServerTrace returns a new context based on the provided parent ctx. When
// the returned context is used to start a Server, the provided trace hooks
// will be used, in addition to any previous hooks registered with ctx. Any
// hooks defined in the provided trace will be called first.
func WithServerTrace(ctx context.Context, trace *ServerTrace) context.Context {
	if trace == nil {
		panic("nil trace")
	}
	if old := ctx.Value(serverTraceKey{}); old != nil {
		composeHooks(trace, old.(*ServerTrace))
	}
	return context.WithValue(ctx, serverTraceKey{}, trace)
}

// composeHooks modifies func fields t to call the corresponding ones in next
// afterwards, if defined.
//
// inspired by net/http/httptrace
func composeHooks(t, next any) {
	tv := reflect.ValueOf(t).Elem()
	ov := reflect.ValueOf(next).Elem()
	for i := range tv.NumField() {
		tf := tv.Field(i)
		if tf.Kind() != reflect.Func {
			continue
		}
		of := ov.Field(i)
		if of.IsNil() {
			continue
		}
		if tf.IsNil() {
			tf.Set(of)
			continue
		}
		first := reflect.ValueOf(tf.Interface())
		tf.Set(reflect.MakeFunc(tf.Type(), func(args []reflect.Value) []reflect.Value {
			first.Call(args)
			return of.Call(args)
		}))
	}
}
