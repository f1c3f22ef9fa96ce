package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Info("nothing", String("k", "v"))
}

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("comp", "test"))
	l.Warn("hello", Int("n", 3), Err(errors.New("boom")), TimePtr("missing", nil))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v (%q)", err, buf.String())
	}
	if m["message"] != "hello" || m["comp"] != "test" || m["err"] != "boom" {
		t.Fatalf("unexpected line: %v", m)
	}
	if m["n"].(float64) != 3 {
		t.Fatalf("n=%v", m["n"])
	}
	if _, ok := m["missing"]; ok {
		t.Fatalf("nil time should be omitted")
	}
	if _, ok := m["caller"]; !ok {
		t.Fatalf("caller missing")
	}
}

func TestLevelFilter(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewWriter(&buf, "warn")
	l.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn: %q", buf.String())
	}
	if l.Enabled(LevelDebug) {
		t.Fatalf("debug should not be enabled")
	}
}

func TestValidLevel(t *testing.T) {
	t.Parallel()
	for _, s := range []string{"", "info", "WARN", "warning", "trace"} {
		if !ValidLevel(s) {
			t.Fatalf("%q should be valid", s)
		}
	}
	if ValidLevel("loud") {
		t.Fatalf("loud should be invalid")
	}
}
