package main

import (
	"fmt"

	"github.com/pgaskin/go-jdwp/adb"
	"github.com/pgaskin/go-jdwp/adblib"
	"github.com/spf13/cobra"
)

func processesCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "processes [serial]",
		Short: "List debuggable processes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var serial string
			if len(args) != 0 {
				serial = args[0]
			}
			srv, err := adblib.Connect(cmd.Context(), addr, serial)
			if err != nil {
				return err
			}
			pids, err := adb.JDWPProcesses(cmd.Context(), srv)
			if err != nil {
				return fmt.Errorf("list processes: %w", err)
			}
			for _, pid := range pids {
				fmt.Fprintln(cmd.OutOrStdout(), pid)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "adb", adblib.HostAddr(), "ADB server address")

	return cmd
}
