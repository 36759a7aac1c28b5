package jdwpproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// State is the role of a [Server].
type State int32

const (
	StateUnstarted State = iota
	StateServer          // bound to the address, and owns the device connections
	StateFallback        // relaying to another server bound to the address
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateServer:
		return "server"
	case StateFallback:
		return "fallback"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Server is a JDWP multiplexing proxy. Only one process can be the server
// for an address at a time. The others fall back to relaying through it, and
// one of them takes over if it goes away.
type Server struct {
	cfg      Config
	log      *slog.Logger
	trace    *ServerTrace
	loop     *Loop
	registry *Registry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	state    State
	starting bool
	ln       net.Listener
	primary  net.Conn // connection to the server when in fallback mode
	forwards map[net.Listener]ConnectionID
	clients  map[*Client]struct{}
	relays   map[net.Conn]struct{}
}

// NewServer creates a new server. It does nothing until Start is called.
func NewServer(cfg Config) *Server {
	s := &Server{
		cfg:      cfg,
		log:      cfg.logger(),
		loop:     NewLoop(),
		forwards: map[net.Listener]ConnectionID{},
		clients:  map[*Client]struct{}{},
		relays:   map[net.Conn]struct{}{},
	}
	s.registry = NewRegistry(cfg.Opener, s.loop, NewChain(cfg.Interceptors...))
	s.registry.log = s.log
	s.registry.openTimeout = cfg.startupTimeout()
	return s
}

// Registry returns the device connections owned by the server. It is empty
// unless the server is in [StateServer].
func (s *Server) Registry() *Registry {
	return s.registry
}

// AddInterceptor adds an interceptor to the chain shared by all device
// connections.
func (s *Server) AddInterceptor(i Interceptor) {
	s.registry.chain.Add(i)
}

// State returns the current state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsRunningAsServer returns true if the server is bound to the address.
func (s *Server) IsRunningAsServer() bool {
	return s.State() == StateServer
}

// IsConnectedOrListening returns true if the server is bound to the address,
// or connected to the server which is.
func (s *Server) IsConnectedOrListening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateServer:
		return s.ln != nil
	case StateFallback:
		return s.primary != nil
	}
	return false
}

// Addr returns the address the server is listening on, or nil if it isn't
// in [StateServer].
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Start binds the address and runs as the server, or, if the address is in
// use by a server which accepts connections, runs in fallback mode. If
// neither works, it retries until [Config.StartupTimeout] elapses. The trace
// from ctx, if any, is used for the lifetime of the server.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateUnstarted || s.starting {
		s.mu.Unlock()
		return errors.New("server already started")
	}
	s.starting = true
	s.mu.Unlock()

	s.trace = contextServerTrace(ctx)
	s.registry.trace = s.trace

	ln, primary, err := s.negotiate(ctx)

	s.mu.Lock()
	s.starting = false
	if err == nil && s.state == StateStopped {
		err = ErrServerClosed
		if ln != nil {
			ln.Close()
		}
		if primary != nil {
			primary.Close()
		}
	}
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	go s.loop.Run(s.ctx)
	if ln != nil {
		s.state, s.ln = StateServer, ln
		s.wg.Add(1)
		go s.serve(ln, nil)
	} else {
		s.state, s.primary = StateFallback, primary
		s.wg.Add(1)
		go s.watch(primary)
	}
	state := s.state
	s.mu.Unlock()

	if state == StateServer {
		s.log.Info("started as server", "addr", ln.Addr().String())
	} else {
		s.log.Info("started in fallback mode", "addr", s.cfg.addr())
	}
	s.stateChanged(StateUnstarted, state)
	return nil
}

func (s *Server) negotiate(ctx context.Context) (net.Listener, net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.startupTimeout())
	defer cancel()

	var (
		ln      net.Listener
		primary net.Conn
		lastErr error
	)
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(25*time.Millisecond),
		backoff.WithMaxInterval(500*time.Millisecond),
		backoff.WithMaxElapsedTime(0), // limited by ctx
	)
	err := backoff.RetryNotify(func() error {
		var err error
		if ln, err = s.listen(); err == nil {
			return nil
		}
		if !isAddrInUse(err) {
			return backoff.Permanent(err)
		}
		if primary, err = s.dialPrimary(ctx); err == nil {
			return nil
		}
		lastErr = fmt.Errorf("address in use, but the server is unreachable: %w", err)
		return lastErr
	}, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		s.log.Debug("failed to start, retrying", "error", err, "delay", d)
	})
	if err != nil {
		if lastErr != nil && !errors.Is(err, lastErr) {
			err = fmt.Errorf("%w: %w", err, lastErr)
		}
		return nil, nil, fmt.Errorf("start: %w", err)
	}
	return ln, primary, nil
}

func (s *Server) listen() (net.Listener, error) {
	return net.Listen("tcp", s.cfg.addr())
}

func (s *Server) dialPrimary(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: s.cfg.probeTimeout()}
	return d.DialContext(ctx, "tcp", s.cfg.addr())
}

func (s *Server) stateChanged(from, to State) {
	if s.trace != nil && s.trace.StateChanged != nil {
		s.trace.StateChanged(from, to)
	}
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(from, to)
	}
}

// serve accepts connections until ln is closed. If target is not nil,
// connections are bound to it directly.
func (s *Server) serve(ln net.Listener, target *ConnectionID) {
	defer s.wg.Done()

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				delay = min(1*time.Second, max(delay*2, 5*time.Millisecond))
				time.Sleep(delay)
				continue
			}
			if s.State() != StateStopped && !errors.Is(err, net.ErrClosed) {
				s.log.Error("accept failed", "addr", ln.Addr().String(), "error", err)
			}
			return
		}
		delay = 0
		s.accept(conn, target)
	}
}

func (s *Server) accept(conn net.Conn, target *ConnectionID) {
	if s.trace != nil && s.trace.Accepted != nil {
		s.trace.Accepted(conn.RemoteAddr(), target)
	}
	switch s.State() {
	case StateServer:
	case StateFallback:
		s.wg.Add(1)
		go s.relay(conn, target)
		return
	default:
		conn.Close()
		return
	}

	c := s.newClient(conn, target != nil)
	if c == nil {
		return
	}
	if target == nil {
		if err := s.loop.Register(conn, c.handleRead); err != nil {
			c.Shutdown()
		}
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.startupTimeout())
		defer cancel()
		if err := s.attach(ctx, c, *target); err != nil {
			c.log.Warn("failed to connect forwarded client", "device", target.String(), "error", err)
			c.Shutdown()
		}
	}()
}

func (s *Server) newClient(conn net.Conn, bound bool) *Client {
	c := newClient(conn, s.registry, bound, s.untrackClient)
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		c.Shutdown()
		return nil
	}
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	c.log.Debug("client connected")
	return c
}

func (s *Server) untrackClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c)
}

// attach binds c to the device connection for id, then starts reading from
// it.
func (s *Server) attach(ctx context.Context, c *Client, id ConnectionID) error {
	d, err := s.registry.GetOrCreate(ctx, id)
	if err != nil {
		return err
	}
	if err := c.bind(d); err != nil {
		return err
	}
	return s.loop.Register(c.conn, c.handleRead)
}

// relay forwards conn to the server. If target is not nil, the connection is
// bound to it first.
func (s *Server) relay(conn net.Conn, target *ConnectionID) {
	defer s.wg.Done()

	if s.trace != nil && s.trace.Relayed != nil {
		s.trace.Relayed(conn.RemoteAddr())
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.startupTimeout())
	up, err := s.dialPrimary(ctx)
	if err == nil && target != nil {
		if err = SendControl(ctx, up, CommandConnect, *target); err != nil {
			up.Close()
		}
	}
	cancel()
	if err != nil {
		s.log.Warn("failed to relay connection to server", "remote", conn.RemoteAddr().String(), "error", err)
		conn.Close()
		return
	}

	if !s.trackRelay(true, conn, up) {
		conn.Close()
		up.Close()
		return
	}
	defer s.trackRelay(false, conn, up)

	var once sync.Once
	done := func() {
		once.Do(func() {
			conn.Close()
			up.Close()
		})
	}
	go func() {
		io.Copy(up, conn)
		done()
	}()
	io.Copy(conn, up)
	done()
}

func (s *Server) trackRelay(add bool, conns ...net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add && s.state == StateStopped {
		return false
	}
	for _, c := range conns {
		if add {
			s.relays[c] = struct{}{}
		} else {
			delete(s.relays, c)
		}
	}
	return true
}

// watch monitors the server while in fallback mode, and takes over if it goes
// away. Loss is detected either by the connection to it being closed, or by
// a failed probe.
func (s *Server) watch(primary net.Conn) {
	defer s.wg.Done()

	t := time.NewTicker(s.cfg.pollInterval())
	defer t.Stop()

	lost := watchConn(primary)
	for {
		var err error
		select {
		case <-s.ctx.Done():
			return
		case <-lost:
			lost = nil
			err = errors.New("connection closed")
			s.clearPrimary()
		case <-t.C:
			if err = s.probe(); err == nil {
				continue
			}
		}
		s.log.Info("server unreachable, attempting to take over", "error", err)
		if s.trace != nil && s.trace.PrimaryLost != nil {
			s.trace.PrimaryLost(err)
		}

		ln, err := s.listen()
		if err == nil {
			s.promote(ln)
			return
		}
		if !isAddrInUse(err) {
			s.log.Warn("failed to take over as server", "error", err)
			continue
		}

		// still bound (or someone else won), so reconnect
		if conn, err := s.dialPrimary(s.ctx); err == nil {
			if s.setPrimary(conn) {
				lost = watchConn(conn)
			}
		}
	}
}

// watchConn returns a channel which is closed once conn is closed by either
// side.
func watchConn(conn net.Conn) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		defer close(ch)
		io.Copy(io.Discard, conn)
	}()
	return ch
}

func (s *Server) probe() error {
	conn, err := net.DialTimeout("tcp", s.cfg.addr(), s.cfg.probeTimeout())
	if err != nil {
		if isConnRefused(err) {
			return fmt.Errorf("server not listening: %w", err)
		}
		return err
	}
	return conn.Close()
}

func (s *Server) setPrimary(conn net.Conn) bool {
	s.mu.Lock()
	if s.state != StateFallback {
		s.mu.Unlock()
		conn.Close()
		return false
	}
	old := s.primary
	s.primary = conn
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return true
}

func (s *Server) clearPrimary() {
	s.mu.Lock()
	old := s.primary
	s.primary = nil
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

func (s *Server) promote(ln net.Listener) {
	s.mu.Lock()
	if s.state != StateFallback {
		s.mu.Unlock()
		ln.Close()
		return
	}
	s.state, s.ln = StateServer, ln
	primary := s.primary
	s.primary = nil
	s.wg.Add(1)
	go s.serve(ln, nil)
	s.mu.Unlock()

	if primary != nil {
		primary.Close()
	}
	s.log.Info("took over as server", "addr", ln.Addr().String())
	s.stateChanged(StateFallback, StateServer)
}

// Dial returns a JDWP connection to the process, shared with any other
// debuggers. The caller must do the handshake. In fallback mode, the
// connection is made through the server.
func (s *Server) Dial(ctx context.Context, id ConnectionID) (net.Conn, error) {
	switch s.State() {
	case StateServer:
		a, b := net.Pipe()
		c := s.newClient(b, true)
		if c == nil {
			a.Close()
			return nil, ErrServerClosed
		}
		if err := s.attach(ctx, c, id); err != nil {
			c.Shutdown()
			a.Close()
			return nil, err
		}
		return a, nil
	case StateFallback:
		conn, err := s.dialPrimary(ctx)
		if err != nil {
			return nil, err
		}
		if err := SendControl(ctx, conn, CommandConnect, id); err != nil {
			conn.Close()
			return nil, err
		}
		return conn, nil
	case StateStopped:
		return nil, ErrServerClosed
	default:
		return nil, ErrNotStarted
	}
}

// Disconnect shuts down the device connection for the process, disconnecting
// all debuggers attached to it. In fallback mode, the request is sent to the
// server.
func (s *Server) Disconnect(ctx context.Context, id ConnectionID) error {
	switch s.State() {
	case StateServer:
		d := s.registry.Get(id)
		if d == nil {
			return fmt.Errorf("%w: %s", ErrNotConnected, id)
		}
		return d.Shutdown()
	case StateFallback:
		conn, err := s.dialPrimary(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()
		return SendControl(ctx, conn, CommandDisconnect, id)
	case StateStopped:
		return ErrServerClosed
	default:
		return ErrNotStarted
	}
}

// Forward listens on addr, and binds every connection accepted on it to the
// process, so debuggers which can't send control commands can attach
// directly. The listener is closed when the server is stopped.
func (s *Server) Forward(addr string, id ConnectionID) (net.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateServer, StateFallback:
	case StateStopped:
		return nil, ErrServerClosed
	default:
		return nil, ErrNotStarted
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("forward %s: %w", id, err)
	}
	s.forwards[ln] = id
	s.wg.Add(1)
	go s.serve(ln, &id)
	s.log.Info("forwarding", "addr", ln.Addr().String(), "device", id.String())
	return ln.Addr(), nil
}

// Stop closes all listeners and connections. It is idempotent.
func (s *Server) Stop() error {
	s.mu.Lock()
	from := s.state
	if from == StateStopped {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopped
	ln, primary := s.ln, s.primary
	s.ln, s.primary = nil, nil
	forwards := slices.Collect(maps.Keys(s.forwards))
	clients := slices.Collect(maps.Keys(s.clients))
	relays := slices.Collect(maps.Keys(s.relays))
	clear(s.forwards)
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	var errs []error
	if ln != nil {
		if err := ln.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, l := range forwards {
		l.Close()
	}
	if primary != nil {
		primary.Close()
	}
	for _, c := range relays {
		c.Close()
	}
	for _, c := range clients {
		c.Shutdown()
	}
	if err := s.registry.Close(); err != nil {
		errs = append(errs, err)
	}
	s.loop.Close()
	s.wg.Wait()

	s.log.Info("stopped")
	s.stateChanged(from, StateStopped)
	return errors.Join(errs...)
}
