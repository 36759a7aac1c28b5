package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pgaskin/go-jdwp/adb/adbproto/jdwpproto"
	"github.com/pgaskin/go-jdwp/adblib/jdwpproxy/jdwpcapture"
	"github.com/spf13/cobra"
)

func dumpCmd() *cobra.Command {
	var hex bool

	cmd := &cobra.Command{
		Use:   "dump file",
		Short: "Print a packet capture",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			r, err := jdwpcapture.NewReader(f)
			if err != nil {
				return err
			}
			defer r.Close()

			return dump(cmd.OutOrStdout(), r, hex)
		},
	}

	cmd.Flags().BoolVarP(&hex, "hex", "x", false, "Include packet payloads")

	return cmd
}

func dump(w io.Writer, r *jdwpcapture.Reader, hex bool) error {
	for {
		rec, err := r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		fmt.Fprintf(w, "%s %-6s %s %s %s%s\n",
			rec.Time.UTC().Format(time.RFC3339Nano),
			rec.Direction,
			rec.Device,
			rec.Client,
			rec.Packet,
			describeChunks(rec.Packet),
		)
		if hex && len(rec.Packet) > jdwpproto.HeaderSize {
			fmt.Fprintf(w, "\t% x\n", rec.Packet.Payload())
		}
	}
}

func describeChunks(p jdwpproto.Packet) string {
	if !p.IsDDMS() {
		return ""
	}
	chunks, err := jdwpproto.ParseChunks(p.Payload())
	if err != nil {
		return " ddms(invalid)"
	}
	var b strings.Builder
	b.WriteString(" ddms(")
	for i, c := range chunks {
		if i != 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, "%s:%d", c.Type, len(c.Data))
	}
	b.WriteString(")")
	return b.String()
}
