package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWithConnection(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	base := slog.New(handler)

	logger := WithConnection(base, "conn-abc", "user-xyz")
	logger.Info("connection test")

	output := buf.String()
	if !strings.Contains(output, "connection_id=conn-abc") {
		t.Errorf("Expected connection_id in output, got: %s", output)
	}
	if !strings.Contains(output, "user_id=user-xyz") {
		t.Errorf("Expected user_id in output, got: %s", output)
	}
}

func TestWithConnection_NoUser(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	WithConnection(base, "conn-1", "").Info("pre-auth")

	if strings.Contains(buf.String(), "user_id") {
		t.Errorf("Did not expect user_id before authentication, got: %s", buf.String())
	}
}

func TestWithConnection_NilLogger(t *testing.T) {
	if logger := WithConnection(nil, "conn", "user"); logger != nil {
		t.Error("WithConnection(nil, ...) should return nil")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSetLevel(t *testing.T) {
	t.Cleanup(func() { SetLevel("info") })

	SetLevel("error")
	if Level() != slog.LevelError {
		t.Errorf("Level() = %v, want error", Level())
	}
	SetLevel("debug")
	if Level() != slog.LevelDebug {
		t.Errorf("Level() = %v, want debug", Level())
	}
}

func TestComponentFilter(t *testing.T) {
	t.Cleanup(func() { SetComponents(nil) })

	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	SetComponents([]string{"router"})

	router := slog.New(&componentFilterHandler{inner: base.Handler(), component: "router"})
	registry := slog.New(&componentFilterHandler{inner: base.Handler(), component: "registry"})

	router.Info("routed")
	registry.Info("registered")

	output := buf.String()
	if !strings.Contains(output, "routed") {
		t.Errorf("Expected router output, got: %s", output)
	}
	if strings.Contains(output, "registered") {
		t.Errorf("Registry output should be filtered, got: %s", output)
	}
}

func TestInitialize_FileLog(t *testing.T) {
	t.Cleanup(func() {
		_ = Close()
		SetLevel("info")
	})

	path := filepath.Join(t.TempDir(), "wsrelay.log")
	if err := Initialize(Config{Level: "debug", FileLog: &FileLogConfig{Path: path}}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	Get().Debug("written to file", "key", "value")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "written to file") {
		t.Errorf("Expected log line in file, got: %s", data)
	}
}
