package logger

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestStringToLogLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   LogLevelDebug,
		"WARNING": LogLevelWarning,
		"warn":    LogLevelWarning,
		" info ":  LogLevelInfo,
		"bogus":   LogLevelUnknown,
	}
	for s, expected := range cases {
		if actual := StringToLogLevel(s); actual != expected {
			t.Errorf("StringToLogLevel(%q) = %v; expected %v", s, actual, expected)
		}
	}

	var ll LogLevel
	if err := ll.FromString("nope"); err == nil {
		t.Errorf("FromString accepted an unknown level")
	}
	if err := ll.FromString("trace"); err != nil || ll != LogLevelTrace {
		t.Errorf("FromString(\"trace\") = %v, %v", ll, err)
	}
	if LogLevel(42).String() != "unknown" {
		t.Errorf("out of range level did not stringify as unknown")
	}
}

func TestLevelFilterAndFork(t *testing.T) {
	var buf bytes.Buffer
	lg, err := New(WithWriter(&buf), WithFlags(0), WithPrefix("root"), WithLogLevel(LogLevelInfo))
	if err != nil {
		t.Fatalf("New() returned error: %s", err)
	}

	lg.DLogf("hidden %d", 1)
	lg.ILogf("shown %d", 2)
	child := lg.Fork("child[%d]", 7)
	child.WLogf("from child")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug output leaked through info filter: %q", out)
	}
	if !strings.Contains(out, "root: shown 2") {
		t.Errorf("missing info output: %q", out)
	}
	if !strings.Contains(out, "root: child[7]: from child") {
		t.Errorf("missing forked output: %q", out)
	}
	if child.Prefix() != "root: child[7]" {
		t.Errorf("unexpected child prefix %q", child.Prefix())
	}
}

func TestErrorfKeepsPrefixAndWraps(t *testing.T) {
	lg, err := New(WithWriter(&bytes.Buffer{}), WithPrefix("obj%1"))
	if err != nil {
		t.Fatalf("New() returned error: %s", err)
	}
	cause := errors.New("boom")
	e := lg.Errorf("open failed: %w", cause)
	if e.Error() != "obj%1: open failed: boom" {
		t.Errorf("unexpected message %q", e.Error())
	}
	if !errors.Is(e, cause) {
		t.Errorf("Errorf did not wrap its cause")
	}
}

func TestNewRejectsBadOptions(t *testing.T) {
	if _, err := New(WithWriter(nil)); err == nil {
		t.Errorf("New accepted a nil writer")
	}
	if _, err := New(WithLogLevel(LogLevelUnknown)); err == nil {
		t.Errorf("New accepted LogLevelUnknown")
	}
}

func TestPanicLevel(t *testing.T) {
	lg := NilLogger()
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("Panicf did not panic")
		}
	}()
	lg.Panicf("bad %s", "thing")
}
