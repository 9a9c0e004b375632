package utils

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// TestGetLogger verifies singleton pattern - same instance returned
func TestGetLogger(t *testing.T) {
	if GetLogger() != GetLogger() {
		t.Error("GetLogger() should return same singleton instance")
	}
}

// TestSetVerboseMode verifies SetVerboseMode changes verbose state
func TestSetVerboseMode(t *testing.T) {
	once = sync.Once{}
	loggerInstance = nil

	logger := GetLogger()
	if logger.IsVerbose() {
		t.Error("Logger should have verbose=false by default")
	}

	SetVerboseMode(true)
	if !logger.IsVerbose() {
		t.Error("SetVerboseMode(true) should enable verbose mode")
	}

	SetVerboseMode(false)
	if logger.IsVerbose() {
		t.Error("SetVerboseMode(false) should disable verbose mode")
	}
}

// TestDebugHiddenUnlessVerbose verifies level gating of debug output
func TestDebugHiddenUnlessVerbose(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogOptions{Output: &buf})

	logger.Debug("hidden %d", 1)
	logger.Info("shown %d", 2)
	_ = logger.Sync()

	out := buf.String()
	if strings.Contains(out, "hidden 1") {
		t.Errorf("debug output should be suppressed, got: %s", out)
	}
	if !strings.Contains(out, "shown 2") {
		t.Errorf("info output missing, got: %s", out)
	}

	logger.SetVerbose(true)
	logger.Debug("visible now")
	_ = logger.Sync()
	if !strings.Contains(buf.String(), "visible now") {
		t.Errorf("debug output should appear in verbose mode, got: %s", buf.String())
	}
}

// TestLoggerJSONFormat verifies the json encoder is selected
func TestLoggerJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogOptions{Output: &buf, Format: "json"})

	logger.Warn("disk %s", "full")
	_ = logger.Sync()

	out := strings.TrimSpace(buf.String())
	if !strings.HasPrefix(out, "{") || !strings.Contains(out, `"msg":"disk full"`) {
		t.Errorf("expected json line, got: %s", out)
	}
}

// TestLoggerFileOutput verifies entries are also written to the rotated file
func TestLoggerFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "planner.log")
	logger := NewLogger(LogOptions{Output: &bytes.Buffer{}, File: path})

	logger.Error("persisted entry")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "persisted entry") {
		t.Errorf("log file missing entry, got: %s", data)
	}
}
