package adbproto

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestParseHexLength(t *testing.T) {
	for _, tc := range []struct {
		in  string
		exp int
	}{
		{"0000", 0},
		{"000f", 15},
		{"000F", 15},
		{"FFFF", 0xFFFF},
		{"0010extra", 16},
		{"", -1},
		{"00", -1},
		{"00g0", -1},
		{"JDWP", -1},
		{"+001", -1},
	} {
		if act := ParseHexLength([]byte(tc.in)); act != tc.exp {
			t.Errorf("%q: expected %d, got %d", tc.in, tc.exp, act)
		}
	}
}

func TestProtocolString(t *testing.T) {
	var buf bytes.Buffer
	if err := SendProtocolString(&buf, "track-jdwp"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if act, exp := buf.String(), "000atrack-jdwp"; act != exp {
		t.Fatalf("expected %q, got %q", exp, act)
	}
	b, err := ReadProtocolBytes(&buf, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(b) != "track-jdwp" {
		t.Errorf("incorrect payload %q", b)
	}
	if _, err := ReadProtocolBytes(strings.NewReader("zzzz"), nil); !errors.Is(err, ErrProtocol) {
		t.Errorf("expected protocol error for invalid length, got %v", err)
	}
	if _, err := ReadProtocolBytes(strings.NewReader("0005ab"), nil); !errors.Is(err, ErrProtocol) {
		t.Errorf("expected protocol error for short payload, got %v", err)
	}
}

func TestOkayFail(t *testing.T) {
	var buf bytes.Buffer
	if err := SendOkay(&buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ReadOkayFail(&buf); err != nil {
		t.Errorf("expected okay, got %v", err)
	}

	buf.Reset()
	if err := SendFail(&buf, "device 'abc' not found"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "FAIL") {
		t.Fatalf("expected FAIL prefix, got %q", buf.String())
	}
	err := ReadOkayFail(&buf)
	if !errors.Is(err, ErrServer) {
		t.Fatalf("expected server error, got %v", err)
	}
	if !strings.Contains(err.Error(), "device 'abc' not found") {
		t.Errorf("expected reason in error, got %v", err)
	}

	if err := ReadOkayFail(strings.NewReader("WHAT")); !errors.Is(err, ErrProtocol) {
		t.Errorf("expected protocol error for unknown status, got %v", err)
	}
}

func TestAppendFail(t *testing.T) {
	if act := string(AppendFail([]byte("x"), "no such pid")); act != "xFAIL000bno such pid" {
		t.Errorf("incorrect fail %q", act)
	}
	long := strings.Repeat("a", 0x10001)
	if act := AppendFail(nil, long); len(act) != 4+4+0xFFFF || string(act[4:8]) != "ffff" {
		t.Errorf("expected truncated reason, got len=%d prefix=%q", len(act), act[:8])
	}
}
