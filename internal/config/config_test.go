package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// clearEnv unsets every variable Load reads.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{EnvLedgerPath, EnvLogLevel, EnvLogFormat, envStateHome} {
		t.Setenv(name, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	state := t.TempDir()
	t.Setenv(envStateHome, state)

	cfg, err := Load(Overrides{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LedgerPath != "" {
		t.Errorf("LedgerPath = %q, want empty", cfg.LedgerPath)
	}

	path, err := cfg.LedgerFile()
	if err != nil {
		t.Fatalf("LedgerFile: %v", err)
	}
	if want := filepath.Join(state, "firelink", "ledger.db"); path != want {
		t.Errorf("LedgerFile() = %q, want %q", path, want)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Errorf("LogFormat = %q, want %q", cfg.LogFormat, LogFormatJSON)
	}
}

func TestDefaultLedgerPathFallsBackToHome(t *testing.T) {
	for _, state := range []string{"", "relative/state"} {
		clearEnv(t)
		home := t.TempDir()
		t.Setenv("HOME", home)
		t.Setenv(envStateHome, state)

		got, err := DefaultLedgerPath()
		if err != nil {
			t.Fatalf("DefaultLedgerPath: %v", err)
		}
		if want := filepath.Join(home, ".firelink", "ledger.db"); got != want {
			t.Errorf("XDG_STATE_HOME=%q: DefaultLedgerPath() = %q, want %q", state, got, want)
		}
	}
}

func TestLoadPrecedence(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvLedgerPath, "/var/lib/firelink/env.db")
	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvLogFormat, "text")

	cfg, err := Load(Overrides{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LedgerPath != "/var/lib/firelink/env.db" {
		t.Errorf("LedgerPath = %q, want env value", cfg.LedgerPath)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.LogFormat != LogFormatText {
		t.Errorf("LogFormat = %q, want %q", cfg.LogFormat, LogFormatText)
	}

	cfg, err = Load(Overrides{LedgerPath: "/tmp/flag.db", LogLevel: "error", LogFormat: "json"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LedgerPath != "/tmp/flag.db" {
		t.Errorf("LedgerPath = %q, want flag value", cfg.LedgerPath)
	}
	if cfg.LogLevel != slog.LevelError {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelError)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Errorf("LogFormat = %q, want %q", cfg.LogFormat, LogFormatJSON)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvLedgerPath, "/tmp/x.db")

	t.Setenv(EnvLogLevel, "loud")
	if _, err := Load(Overrides{}); !errors.Is(err, ErrInvalidLogLevel) {
		t.Errorf("env level err = %v, want ErrInvalidLogLevel", err)
	}
	t.Setenv(EnvLogLevel, "")

	if _, err := Load(Overrides{LogFormat: "xml"}); !errors.Is(err, ErrInvalidLogFormat) {
		t.Errorf("flag format err = %v, want ErrInvalidLogFormat", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"DEBUG", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{" error ", slog.LevelError, false},
		{"invalid", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseLogLevel(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) err = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestLedgerFileCreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state", "firelink")
	cfg := Config{LedgerPath: filepath.Join(dir, "ledger.db")}

	path, err := cfg.LedgerFile()
	if err != nil {
		t.Fatalf("LedgerFile: %v", err)
	}
	if path != cfg.LedgerPath {
		t.Errorf("LedgerFile() = %q, want %q", path, cfg.LedgerPath)
	}
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("stat ledger dir: %v", err)
	}
	if !info.IsDir() {
		t.Fatalf("%s is not a directory", dir)
	}
	if perm := info.Mode().Perm(); perm != ledgerDirPerm {
		t.Errorf("perm = %o, want %o", perm, ledgerDirPerm)
	}
	if _, err := cfg.LedgerFile(); err != nil {
		t.Errorf("second LedgerFile: %v", err)
	}
}

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := Config{LogLevel: slog.LevelWarn, LogFormat: LogFormatJSON}.NewLogger(&buf)

	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("info record written at warn level: %s", buf.String())
	}

	logger.Warn("machine stopped", "machine_id", "01J")
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}
	if entry["msg"] != "machine stopped" {
		t.Errorf("msg = %v, want %q", entry["msg"], "machine stopped")
	}
	if entry["machine_id"] != "01J" {
		t.Errorf("machine_id = %v, want %q", entry["machine_id"], "01J")
	}
}

func TestNewLoggerText(t *testing.T) {
	var buf bytes.Buffer
	logger := Config{LogLevel: slog.LevelInfo, LogFormat: LogFormatText}.NewLogger(&buf)

	logger.Info("asset installed", "asset", "kernel")
	out := buf.String()
	for _, want := range []string{"level=INFO", `msg="asset installed"`, "asset=kernel"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}
