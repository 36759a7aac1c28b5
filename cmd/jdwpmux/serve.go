package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pgaskin/go-jdwp/adb/adbhost"
	"github.com/pgaskin/go-jdwp/adblib"
	"github.com/pgaskin/go-jdwp/adblib/jdwpproxy"
	"github.com/pgaskin/go-jdwp/adblib/jdwpproxy/jdwpcapture"
	"github.com/pgaskin/go-jdwp/adblib/jdwpproxy/jdwpmetrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

type serveOptions struct {
	addr        string
	adb         string
	forwards    []string
	capture     string
	compression string
	metrics     string
	ddms        bool
	verbose     bool
}

func serveCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the JDWP proxy",
		Long: `Run the JDWP proxy until interrupted.

Debuggers connect to the proxy address and select a process with a
JDWP_CONNECT control command, or connect to a forwarded port which is bound to
a single process.

Examples:
  jdwpmux serve
  jdwpmux serve --forward 8700=emulator-5554:1234
  jdwpmux serve --capture session.jdwpcap --metrics 127.0.0.1:9100`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.addr, "addr", "a", jdwpproxy.DefaultAddr, "Rendezvous address")
	cmd.Flags().StringVar(&opts.adb, "adb", adblib.HostAddr(), "ADB server address")
	cmd.Flags().StringArrayVarP(&opts.forwards, "forward", "f", nil, "Forward a local port to a process (port=serial:pid, repeatable)")
	cmd.Flags().StringVarP(&opts.capture, "capture", "c", "", "Write captured packets to a file")
	cmd.Flags().StringVar(&opts.compression, "compression", jdwpcapture.CompressionMethodZstd.String(), "Capture compression (zstd, lz4, brotli, none)")
	cmd.Flags().StringVar(&opts.metrics, "metrics", "", "Serve Prometheus metrics on an address")
	cmd.Flags().BoolVar(&opts.ddms, "ddms", false, "Log DDMS chunks")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	return cmd
}

// parseForward parses a port=serial:pid forward.
func parseForward(s string) (string, jdwpproxy.ConnectionID, error) {
	port, target, ok := strings.Cut(s, "=")
	if !ok {
		return "", jdwpproxy.ConnectionID{}, fmt.Errorf("invalid forward %q: expected port=serial:pid", s)
	}
	if n, err := strconv.ParseUint(port, 10, 16); err != nil || n == 0 {
		return "", jdwpproxy.ConnectionID{}, fmt.Errorf("invalid forward %q: invalid port %q", s, port)
	}
	id, err := jdwpproxy.ParseConnectionID(target)
	if err != nil {
		return "", jdwpproxy.ConnectionID{}, fmt.Errorf("invalid forward %q: %w", s, err)
	}
	return net.JoinHostPort("127.0.0.1", port), id, nil
}

func runServe(ctx context.Context, opts serveOptions) error {
	logger := newLogger(opts.verbose)
	if opts.verbose {
		jdwpproxy.Trace(logger.With("component", "jdwpproxy"))
	}

	type forward struct {
		addr string
		id   jdwpproxy.ConnectionID
	}
	var forwards []forward
	for _, f := range opts.forwards {
		addr, id, err := parseForward(f)
		if err != nil {
			return err
		}
		forwards = append(forwards, forward{addr, id})
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var interceptors []jdwpproxy.Interceptor
	if opts.ddms {
		interceptors = append(interceptors, &jdwpproxy.DDMSLogger{Logger: logger})
	}

	if opts.capture != "" {
		method, err := jdwpcapture.ParseCompressionMethod(opts.compression)
		if err != nil {
			return err
		}
		f, err := os.Create(opts.capture)
		if err != nil {
			return fmt.Errorf("create capture: %w", err)
		}
		defer f.Close()

		w, err := jdwpcapture.NewWriter(f, method)
		if err != nil {
			return fmt.Errorf("create capture: %w", err)
		}
		defer func() {
			if err := w.Close(); err != nil {
				logger.Error("failed to finish capture", "error", err)
			}
		}()
		ci := jdwpcapture.NewInterceptor(w, logger)
		defer ci.Close()
		interceptors = append(interceptors, ci)
	}

	trace := &jdwpproxy.ServerTrace{
		PrimaryLost: func(err error) {
			logger.Warn("lost primary server", "error", err)
		},
	}
	if opts.metrics != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m := jdwpmetrics.New(jdwpmetrics.Config{Registry: reg})
		interceptors = append(interceptors, m)
		ctx = jdwpproxy.WithServerTrace(ctx, m.Trace())

		ln, err := net.Listen("tcp", opts.metrics)
		if err != nil {
			return fmt.Errorf("listen for metrics: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		hs := &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer hs.Close()
		logger.Info("serving metrics", "addr", ln.Addr().String())
	}
	ctx = jdwpproxy.WithServerTrace(ctx, trace)

	srv := jdwpproxy.NewServer(jdwpproxy.Config{
		Addr:   opts.addr,
		Opener: &jdwpproxy.ADBOpener{Host: &adbhost.Dialer{Addr: opts.adb}},
		OnStateChange: func(from, to jdwpproxy.State) {
			logger.Info("state changed", "from", from.String(), "to", to.String())
		},
		Interceptors: interceptors,
		Logger:       logger,
	})
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("start proxy: %w", err)
	}
	defer srv.Stop()

	for _, f := range forwards {
		addr, err := srv.Forward(f.addr, f.id)
		if err != nil {
			return fmt.Errorf("forward %s: %w", f.id, err)
		}
		logger.Info("forwarding", "addr", addr.String(), "target", f.id.String())
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return srv.Stop()
}
