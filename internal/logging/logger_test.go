package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bebsworthy/sidecar/internal/config"
	sidecarerrors "github.com/bebsworthy/sidecar/internal/errors"
)

// TestNewLogger tests logger creation with different configurations
func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config config.LoggingConfig
		valid  bool
	}{
		{"valid_text_logger", config.LoggingConfig{Level: "info", Format: "text"}, true},
		{"valid_json_logger", config.LoggingConfig{Level: "debug", Format: "json"}, true},
		{"warning_alias", config.LoggingConfig{Level: "warning", Format: "text"}, true},
		{"invalid_level", config.LoggingConfig{Level: "invalid", Format: "text"}, false},
		{"invalid_format", config.LoggingConfig{Level: "info", Format: "invalid"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.config)

			if tt.valid {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				if logger == nil {
					t.Error("Expected logger to be created")
				}
			} else if err == nil {
				t.Error("Expected error for invalid config")
			}

			if logger != nil {
				logger.Close()
			}
		})
	}
}

// TestLoggerOutput tests that JSON output carries the standard fields
func TestLoggerOutput(t *testing.T) {
	var buf bytes.Buffer

	logger, err := NewLoggerWithWriter(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	logger.Debug("Debug message", slog.String("key", "value"))
	logger.Info("Info message", slog.Int("number", 42))
	logger.Warn("Warning message")
	logger.Error("Error message", slog.String("error", "test error"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("Expected 4 log lines, got %d", len(lines))
	}

	for i, line := range lines {
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("Line %d is not valid JSON: %v", i+1, err)
		}
		for _, field := range []string{"time", "level", "msg"} {
			if _, ok := entry[field]; !ok {
				t.Errorf("Line %d missing '%s' field", i+1, field)
			}
		}
		if ts, ok := entry["time"].(string); ok {
			if _, err := time.Parse(time.RFC3339, ts); err != nil {
				t.Errorf("Line %d time not RFC3339: %s", i+1, ts)
			}
		}
	}
}

// TestLevelFiltering tests that records below the configured level are dropped
func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer

	logger, err := NewLoggerWithWriter(config.LoggingConfig{Level: "warn", Format: "text"}, &buf)
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	logger.Info("hidden")
	logger.Warn("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("Expected info record to be filtered at warn level")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("Expected warn record in output")
	}
}

// TestInstanceID tests instance correlation through the context
func TestInstanceID(t *testing.T) {
	var buf bytes.Buffer

	logger, err := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	ctx := WithInstanceID(context.Background(), "inst-123")
	logger.InfoContext(ctx, "with instance")

	if !strings.Contains(buf.String(), `"instance_id":"inst-123"`) {
		t.Errorf("Expected instance_id in output, got %s", buf.String())
	}

	if GetInstanceID(ctx) != "inst-123" {
		t.Errorf("Expected instance ID 'inst-123', got '%s'", GetInstanceID(ctx))
	}

	if GetInstanceID(context.Background()) != "" {
		t.Error("Expected empty instance ID without context value")
	}

	// Scoped loggers keep the instance handler.
	buf.Reset()
	logger.Component("relay").InfoContext(ctx, "scoped")
	out := buf.String()
	if !strings.Contains(out, `"component":"relay"`) || !strings.Contains(out, "inst-123") {
		t.Errorf("Expected component and instance_id in scoped output, got %s", out)
	}
}

// TestLogError tests that structured errors contribute their attributes
func TestLogError(t *testing.T) {
	var buf bytes.Buffer

	logger, err := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	spawnErr := sidecarerrors.SpawnError(sidecarerrors.CodePermission, "Permission denied starting sidecar", nil)
	logger.LogError(context.Background(), "Launch failed", spawnErr)

	out := buf.String()
	if !strings.Contains(out, `"error_code":"SPAWN_PERMISSION_DENIED"`) {
		t.Errorf("Expected error_code attribute, got %s", out)
	}
	if !strings.Contains(out, `"level":"ERROR"`) {
		t.Errorf("Expected ERROR level, got %s", out)
	}
}

// TestLogFile tests logging to a file
func TestLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sidecar.log")

	logger, err := NewLogger(config.LoggingConfig{Level: "info", Format: "text", OutputFile: path})
	if err != nil {
		t.Fatalf("Failed to create file logger: %v", err)
	}

	logger.Info("to file")
	if err := logger.Close(); err != nil {
		t.Fatalf("Failed to close logger: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Errorf("Expected log line in file, got %s", data)
	}
}

func TestComponentLoggers(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("NewLoggerWithWriter() error = %v", err)
	}

	NewSupervisorLogger(logger, "server").Info("supervised")
	NewRelayLogger(logger, "[server]").Info("relayed")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d", len(lines))
	}

	var first, second map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	if first["component"] != "supervisor" || first["sidecar"] != "server" {
		t.Errorf("unexpected supervisor attrs: %v", first)
	}
	if second["component"] != "relay" || second["source"] != "[server]" {
		t.Errorf("unexpected relay attrs: %v", second)
	}
}
