package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/pgaskin/go-jdwp/adb/adbproto/jdwpproto"
	"github.com/pgaskin/go-jdwp/adblib/jdwpproxy"
	"github.com/pgaskin/go-jdwp/adblib/jdwpproxy/jdwpcapture"
)

func TestParseForward(t *testing.T) {
	for _, tc := range []struct {
		in   string
		addr string
		id   jdwpproxy.ConnectionID
		err  bool
	}{
		{"8700=emulator-5554:1234", "127.0.0.1:8700", jdwpproxy.ConnectionID{Serial: "emulator-5554", PID: 1234}, false},
		{"8700=127.0.0.1:5555:42", "127.0.0.1:8700", jdwpproxy.ConnectionID{Serial: "127.0.0.1:5555", PID: 42}, false},
		{"8700", "", jdwpproxy.ConnectionID{}, true},
		{"0=abc:1", "", jdwpproxy.ConnectionID{}, true},
		{"70000=abc:1", "", jdwpproxy.ConnectionID{}, true},
		{"x=abc:1", "", jdwpproxy.ConnectionID{}, true},
		{"8700=abc", "", jdwpproxy.ConnectionID{}, true},
	} {
		addr, id, err := parseForward(tc.in)
		if tc.err {
			if err == nil {
				t.Errorf("%q: expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: unexpected error: %v", tc.in, err)
			continue
		}
		if addr != tc.addr || id != tc.id {
			t.Errorf("%q: expected %s %s, got %s %s", tc.in, tc.addr, tc.id, addr, id)
		}
	}
}

func TestDump(t *testing.T) {
	var buf bytes.Buffer
	w, err := jdwpcapture.NewWriter(&buf, jdwpcapture.CompressionMethodNone)
	if err != nil {
		t.Fatalf("create writer: %v", err)
	}
	id := jdwpproxy.ConnectionID{Serial: "abc", PID: 1}

	chunk := jdwpproto.NewChunkBuffer(4)
	copy(jdwpproto.ChunkPayload(chunk), "\x00\x00\x00\x01")
	ddms := jdwpproto.FinishChunk(chunk, jdwpproto.ChunkHELO, 4)

	for _, rec := range []jdwpcapture.Record{
		{Time: time.Unix(1, 0), Direction: jdwpcapture.ToDevice, Device: id, Client: "c1", Packet: ddms},
		{Time: time.Unix(2, 0), Direction: jdwpcapture.ToClient, Device: id, Client: "c1", Packet: jdwpproto.NewReply(ddms.ID(), 0, nil)},
	} {
		if err := w.WriteRecord(rec); err != nil {
			t.Fatalf("write record: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	r, err := jdwpcapture.NewReader(&buf)
	if err != nil {
		t.Fatalf("create reader: %v", err)
	}
	defer r.Close()

	var out strings.Builder
	if err := dump(&out, r, true); err != nil {
		t.Fatalf("dump: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %q", out.String())
	}
	if !strings.Contains(lines[0], "device") || !strings.Contains(lines[0], "abc:1 c1") || !strings.Contains(lines[0], "ddms(HELO:4)") {
		t.Errorf("unexpected line %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "\t") {
		t.Errorf("expected payload line, got %q", lines[1])
	}
	if !strings.Contains(lines[2], "client") || !strings.Contains(lines[2], "reply") || strings.Contains(lines[2], "ddms") {
		t.Errorf("unexpected line %q", lines[2])
	}
}
