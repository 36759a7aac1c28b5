// Package jdwpproxy lets multiple debuggers share a single JDWP connection to
// a process on an Android device.
//
// Only one JDWP connection can be open to a process at a time, so the first
// process to bind [DefaultAddr] becomes the server and owns every device
// connection. Other processes run in fallback mode, relaying through the
// server, and take over if it goes away.
//
// Traffic is passed through verbatim, but can be inspected or suppressed by an
// [Interceptor].
package jdwpproxy

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

var debug *slog.Logger

func init() {
	if v, _ := strconv.ParseBool(os.Getenv("JDWPPROXY_TRACE")); v {
		debug = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
	} else {
		debug = slog.New(slog.DiscardHandler)
	}
}

// Trace enables debug logging to the specified logger.
func Trace(logger *slog.Logger) {
	debug = logger
}

// DefaultPort is the port used for rendezvous between debuggers and proxy
// processes.
const DefaultPort = 8599

// DefaultAddr is the address used if [Config.Addr] is empty.
const DefaultAddr = "127.0.0.1:8599"

// Defaults for [Config].
const (
	DefaultPollInterval   = time.Second
	DefaultProbeTimeout   = 500 * time.Millisecond
	DefaultStartupTimeout = 5 * time.Second
)

var (
	ErrServerClosed = errors.New("server closed")
	ErrNotConnected = errors.New("no such connection")
	ErrNotStarted   = errors.New("server not started")
)

// ConnectionID identifies a process on a device.
type ConnectionID struct {
	Serial string
	PID    int
}

// String formats the id as serial:pid.
func (id ConnectionID) String() string {
	return id.Serial + ":" + strconv.Itoa(id.PID)
}

// ParseConnectionID parses serial:pid. The serial may itself contain colons
// (e.g., host:port for network devices).
func ParseConnectionID(s string) (ConnectionID, error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 {
		return ConnectionID{}, fmt.Errorf("invalid connection id %q: expected serial:pid", s)
	}
	pid, err := strconv.Atoi(s[i+1:])
	if err != nil || pid < 0 {
		return ConnectionID{}, fmt.Errorf("invalid connection id %q: invalid pid", s)
	}
	return ConnectionID{Serial: s[:i], PID: pid}, nil
}

// Config configures a [Server]. The zero value is usable, but a server without
// an Opener can only run in fallback mode.
type Config struct {
	// Addr is the TCP address used for rendezvous. If empty, [DefaultAddr] is
	// used.
	Addr string

	// Opener opens connections to devices.
	Opener DeviceOpener

	// Interceptors are added to the chain shared by all device connections.
	Interceptors []Interceptor

	// PollInterval is how often a fallback server checks whether the primary
	// is still alive. If zero, [DefaultPollInterval] is used.
	PollInterval time.Duration

	// ProbeTimeout limits each connection attempt to the primary. If zero,
	// [DefaultProbeTimeout] is used.
	ProbeTimeout time.Duration

	// StartupTimeout limits the time spent negotiating whether to start as a
	// server or fallback, and the time spent opening a device connection. If
	// zero, [DefaultStartupTimeout] is used.
	StartupTimeout time.Duration

	// OnStateChange, if set, is called after every state transition. It must
	// not call Stop.
	OnStateChange func(from, to State)

	// Logger is used for logging. If nil, the package debug logger is used
	// (see [Trace]).
	Logger *slog.Logger
}

func (c *Config) addr() string {
	return cmp.Or(c.Addr, DefaultAddr)
}

func (c *Config) pollInterval() time.Duration {
	return cmp.Or(c.PollInterval, DefaultPollInterval)
}

func (c *Config) probeTimeout() time.Duration {
	return cmp.Or(c.ProbeTimeout, DefaultProbeTimeout)
}

func (c *Config) startupTimeout() time.Duration {
	return cmp.Or(c.StartupTimeout, DefaultStartupTimeout)
}

func (c *Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return debug
}
