package adb

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"slices"
	"strconv"
	"time"

	"github.com/pgaskin/go-jdwp/adb/adbproto"
)

// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/daemon/services.cpp;drc=a9b3987d2a42a40de0d67fcecb50c9716639ef03
// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/daemon/jdwp_service.cpp;drc=a9b3987d2a42a40de0d67fcecb50c9716639ef03

// JDWP opens a raw JDWP connection to the debuggable process pid. The caller
// is responsible for the JDWP handshake. If the process does not exist or is
// not debuggable, adbd closes the connection without sending anything.
func JDWP(ctx context.Context, srv Dialer, pid int) (net.Conn, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("invalid pid %d", pid)
	}
	return srv.DialADB(ctx, "jdwp:"+strconv.Itoa(pid))
}

// JDWPProcesses returns the pids of the debuggable processes on the device,
// using the first update from "track-jdwp".
func JDWPProcesses(ctx context.Context, srv Dialer) ([]int, error) {
	conn, err := srv.DialADB(ctx, "track-jdwp")
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0)) // unblock the read
	})
	defer stop()

	buf, err := adbproto.ReadProtocolBytes(conn, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, adbproto.ProtocolErrorf("read jdwp process list: %w", err)
	}
	return ParseJDWPProcesses(buf)
}

// ParseJDWPProcesses parses a newline-separated list of pids.
func ParseJDWPProcesses(buf []byte) ([]int, error) {
	var pids []int
	for line := range bytes.FieldsSeq(buf) {
		pid, err := strconv.Atoi(string(line))
		if err != nil {
			return pids, fmt.Errorf("parse pid %q: %w", line, err)
		}
		pids = append(pids, pid)
	}
	slices.Sort(pids)
	return pids, nil
}
