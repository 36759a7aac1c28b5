package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pgaskin/go-jdwp/adblib/jdwpproxy"
	"github.com/spf13/cobra"
)

func disconnectCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "disconnect serial:pid",
		Short: "Close a proxied JDWP connection",
		Long: `Ask the running proxy to close its connection to a process, disconnecting
every debugger attached to it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := jdwpproxy.ParseConnectionID(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			var d net.Dialer
			conn, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				return fmt.Errorf("connect to proxy: %w", err)
			}
			defer conn.Close()

			if err := jdwpproxy.SendControl(ctx, conn, jdwpproxy.CommandDisconnect, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "disconnected %s\n", id)
			return nil
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", jdwpproxy.DefaultAddr, "Rendezvous address")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Timeout")

	return cmd
}
