// Command jdwpmux shares JDWP connections to Android processes between
// multiple debuggers.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "jdwpmux",
		Short: "Share JDWP connections between debuggers",
		Long: `jdwpmux multiplexes JDWP connections to debuggable Android processes.

The first instance to bind the rendezvous address becomes the server and owns
the connections to the devices. Other instances relay through it, and take
over if it exits.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		disconnectCmd(),
		processesCmd(),
		dumpCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}
