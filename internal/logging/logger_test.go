package logging

import (
	"bytes"
	"errors"
	"strings"
	"syscall"
	"testing"
	"time"
)

func newTestLogger(buf *bytes.Buffer, level LogLevel) *Logger {
	return NewLogger(&Config{
		Level:   level,
		Format:  "text",
		Output:  buf,
		Sync:    true,
		NoColor: true,
	})
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{name: "default config", config: nil},
		{name: "json format", config: &Config{Level: LevelInfo, Format: "json", Output: &bytes.Buffer{}, Sync: true}},
		{name: "text format", config: &Config{Level: LevelDebug, Format: "text", Output: &bytes.Buffer{}, Sync: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if NewLogger(tt.config) == nil {
				t.Error("NewLogger() returned nil")
			}
		})
	}
}

func TestLoggerScopes(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelDebug)

	logger.WithContext("ip:192.168.2.1").WithDevice("iio:device3").WithBuffer(1).Info("buffer created")

	output := buf.String()
	for _, want := range []string{"uri=ip:192.168.2.1", "device=iio:device3", "buffer=1", "buffer created"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestLoggerWithClient(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelDebug)

	logger.WithClient(3, "TRANSFER_BLOCK").Debug("response")

	output := buf.String()
	if !strings.Contains(output, "client_id=3") || !strings.Contains(output, "op=TRANSFER_BLOCK") {
		t.Errorf("missing client fields: %s", output)
	}
}

func TestLoggerWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelDebug)

	logger.WithError(errors.New("reader stopped")).Warn("responder exiting")

	if !strings.Contains(buf.String(), "reader stopped") {
		t.Errorf("expected error text in output, got: %s", buf.String())
	}
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelWarn)

	logger.Debug("hidden")
	logger.Info("hidden too")
	logger.Warn("shown", "key", "value")

	output := buf.String()
	if strings.Contains(output, "hidden") {
		t.Errorf("messages below level leaked: %s", output)
	}
	if !strings.Contains(output, "shown") || !strings.Contains(output, "key=value") {
		t.Errorf("warn message missing: %s", output)
	}
	if logger.Enabled(LevelDebug) || !logger.Enabled(LevelError) {
		t.Error("Enabled() does not follow the configured level")
	}
}

func TestGlobalLoggerFunctions(t *testing.T) {
	var buf bytes.Buffer
	orig := Default()
	defer SetDefault(orig)

	SetDefault(newTestLogger(&buf, LevelDebug))

	Debug("debug message")
	Info("info message")
	Warn("warn message")
	Error("error message")

	output := buf.String()
	for _, msg := range []string{"debug message", "info message", "warn message", "error message"} {
		if !strings.Contains(output, msg) {
			t.Errorf("expected %q in output", msg)
		}
	}
}

func TestAsyncWriterDeliversAndCloses(t *testing.T) {
	var buf bytes.Buffer
	aw := newAsyncWriter(&buf, 4)

	if _, err := aw.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	aw.Close()

	if buf.String() != "hello" {
		t.Errorf("expected hello, got %q", buf.String())
	}
	if _, err := aw.Write([]byte("late")); err == nil {
		t.Error("write after close should fail")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
		err  bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"warning", LevelWarn, false},
		{" error ", LevelError, false},
		{"none", LevelNone, false},
		{"verbose", LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.err {
			t.Errorf("ParseLevel(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDefaultConfigFromEnvironment(t *testing.T) {
	t.Setenv(EnvLevel, "debug")
	if DefaultConfig().Level != LevelDebug {
		t.Error("level from environment not applied")
	}
	t.Setenv(EnvLevel, "bogus")
	if DefaultConfig().Level != LevelInfo {
		t.Error("invalid level should fall back to info")
	}
}

func TestLoggerFieldTypes(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelDebug)

	logger.Debug("dequeue failed",
		"err", syscall.ETIMEDOUT,
		"wait", 1500*time.Millisecond,
		"block", 2)

	output := buf.String()
	for _, want := range []string{"err=\"connection timed out\"", "err_code=110", "wait=1500", "block=2"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestLevelNoneSilences(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelNone)

	logger.Error("not written")
	if buf.Len() != 0 {
		t.Errorf("disabled logger wrote %q", buf.String())
	}
}
