package jdwpproxy

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pgaskin/go-jdwp/adb/adbproto"
)

// Control commands. They are sent as the first data on a connection to the
// proxy, using the same framing as ADB service requests (a four-digit hex
// length followed by the command and the [ConnectionID]). The proxy replies
// with OKAY, or FAIL and a reason.
//
// A length of 0000 means the command is the rest of the first read.
const (
	// CommandDisconnect shuts down the device connection, disconnecting
	// all clients. The proxy closes the connection after replying.
	CommandDisconnect = "JDWP_DISCONNECT"

	// CommandConnect binds the connection to a device connection, opening
	// it if required. After OKAY, the connection is used for JDWP as usual.
	CommandConnect = "JDWP_CONNECT"
)

// AppendControl appends a control command.
func AppendControl(b []byte, cmd string, id ConnectionID) []byte {
	msg := cmd + id.String()
	return fmt.Appendf(b, "%04X%s", len(msg), msg)
}

// SendControl sends a control command and reads the reply. If the proxy
// replied with FAIL, the error will match [adbproto.ErrServer].
func SendControl(ctx context.Context, conn net.Conn, cmd string, id ConnectionID) error {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if _, err := conn.Write(AppendControl(nil, cmd, id)); err != nil {
		return adbproto.ProtocolErrorf("send %s: %w", cmd, err)
	}
	if err := adbproto.ReadOkayFail(conn); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s %s: %w", cmd, id, err)
	}
	return nil
}

// parseControl parses a control message without the length prefix.
func parseControl(msg string) (cmd string, id ConnectionID, err error) {
	for _, c := range []string{CommandDisconnect, CommandConnect} {
		if arg, ok := strings.CutPrefix(msg, c); ok {
			id, err := ParseConnectionID(arg)
			return c, id, err
		}
	}
	return "", ConnectionID{}, fmt.Errorf("unknown command %q", msg)
}

// isControl returns true if b could be the start of a control command rather
// than a handshake.
func isControl(b byte) bool {
	return ('0' <= b && b <= '9') || ('a' <= b && b <= 'f') || ('A' <= b && b <= 'F')
}
