package jdwpproxy

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"
)

// Registry holds the single live device connection for each [ConnectionID].
// It is safe for concurrent use.
type Registry struct {
	opener DeviceOpener
	loop   *Loop
	chain  *Chain
	log    *slog.Logger
	trace  *ServerTrace

	// openTimeout limits opens started by control commands.
	openTimeout time.Duration

	mu      sync.Mutex
	conns   map[ConnectionID]*DeviceConn
	opening map[ConnectionID]chan struct{}
	closed  bool
}

// NewRegistry creates a registry which opens connections using opener,
// registers them with loop, and filters them with chain. If loop is nil,
// device reads must be driven manually. If chain is nil, an empty one is
// used.
func NewRegistry(opener DeviceOpener, loop *Loop, chain *Chain) *Registry {
	if chain == nil {
		chain = NewChain()
	}
	return &Registry{
		opener:      opener,
		loop:        loop,
		chain:       chain,
		log:         debug,
		openTimeout: DefaultStartupTimeout,
		conns:       map[ConnectionID]*DeviceConn{},
		opening:     map[ConnectionID]chan struct{}{},
	}
}

// Get returns the live connection for id, or nil.
func (r *Registry) Get(id ConnectionID) *DeviceConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getLocked(id)
}

func (r *Registry) getLocked(id ConnectionID) *DeviceConn {
	if d := r.conns[id]; d != nil && !d.closer.IsClosed() {
		return d
	}
	return nil
}

// GetOrCreate returns the live connection for id, opening one if there isn't
// one. Concurrent calls for the same id will only open one connection. If
// opening fails, the error will match [ErrDeviceNotFound] or
// [ErrProcessNotFound] where applicable.
func (r *Registry) GetOrCreate(ctx context.Context, id ConnectionID) (*DeviceConn, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrServerClosed
		}
		if d := r.getLocked(id); d != nil {
			r.mu.Unlock()
			return d, nil
		}
		if ch, ok := r.opening[id]; ok {
			r.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		ch := make(chan struct{})
		r.opening[id] = ch
		r.mu.Unlock()

		d, err := r.open(ctx, id)

		r.mu.Lock()
		delete(r.opening, id)
		close(ch)
		if err == nil {
			err = r.addLocked(d)
		}
		r.mu.Unlock()

		if err != nil {
			r.log.Debug("failed to open device connection", "device", id, "error", err)
			return nil, err
		}
		r.log.Info("opened device connection", "device", id)
		if r.trace != nil && r.trace.DeviceOpened != nil {
			r.trace.DeviceOpened(id)
		}
		return d, nil
	}
}

func (r *Registry) open(ctx context.Context, id ConnectionID) (*DeviceConn, error) {
	if r.opener == nil {
		return nil, fmt.Errorf("open %s: no device opener", id)
	}
	conn, err := r.opener.OpenJDWP(ctx, id.Serial, id.PID)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", id, err)
	}
	d := newDeviceConn(id, conn, r)
	if err := d.sendHandshake(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open %s: send handshake: %w", id, err)
	}
	return d, nil
}

func (r *Registry) addLocked(d *DeviceConn) error {
	if r.closed {
		d.conn.Close()
		return ErrServerClosed
	}
	if r.loop != nil {
		if err := r.loop.Register(d.conn, d.handleRead); err != nil {
			d.conn.Close()
			return fmt.Errorf("open %s: %w", d.id, err)
		}
	}
	r.conns[d.id] = d
	go d.writer()
	return nil
}

// remove removes d if it is still the live connection for its id, and closes
// its socket. No other caller can observe a removed but unclosed connection.
func (r *Registry) remove(d *DeviceConn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[d.id] == d {
		delete(r.conns, d.id)
	}
	return d.conn.Close()
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// IDs returns the ids of the live connections, sorted.
func (r *Registry) IDs() []ConnectionID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.SortedFunc(maps.Keys(r.conns), func(a, b ConnectionID) int {
		return cmp.Or(strings.Compare(a.Serial, b.Serial), cmp.Compare(a.PID, b.PID))
	})
}

// Close shuts down all connections and prevents new ones from being opened.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	ds := slices.Collect(maps.Values(r.conns))
	r.mu.Unlock()

	var errs []error
	for _, d := range ds {
		if err := d.Shutdown(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
