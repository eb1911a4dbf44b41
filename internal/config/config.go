// Package config resolves firelink's own settings: where the run ledger
// lives and how the CLI logs. Hypervisor settings are resolved separately by
// firecracker.ResolveConfig.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Environment variable names.
const (
	EnvLedgerPath = "FIRELINK_DB_PATH"
	EnvLogLevel   = "FIRELINK_LOG_LEVEL"
	EnvLogFormat  = "FIRELINK_LOG_FORMAT"

	envStateHome = "XDG_STATE_HOME"
)

const (
	stateDirName   = "firelink"
	homeDirName    = ".firelink"
	ledgerFileName = "ledger.db"
	ledgerDirPerm  = 0o700
)

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

var (
	ErrInvalidLogLevel  = errors.New("invalid log level")
	ErrInvalidLogFormat = errors.New("invalid log format")
)

// Config holds the CLI's own settings.
type Config struct {
	// LedgerPath is the explicit ledger file. Empty means DefaultLedgerPath.
	LedgerPath string
	LogLevel   slog.Level
	LogFormat  LogFormat
}

// Overrides carries explicit values, usually from flags. Empty fields fall
// back to the environment and then to defaults.
type Overrides struct {
	LedgerPath string
	LogLevel   string
	LogFormat  string
}

// Load resolves each setting from o, then the environment, then defaults.
func Load(o Overrides) (Config, error) {
	cfg := Config{
		LogLevel:  slog.LevelInfo,
		LogFormat: LogFormatJSON,
	}

	if v := pick(o.LogLevel, EnvLogLevel); v != "" {
		level, err := ParseLogLevel(v)
		if err != nil {
			return Config{}, err
		}
		cfg.LogLevel = level
	}
	if v := pick(o.LogFormat, EnvLogFormat); v != "" {
		format, err := ParseLogFormat(v)
		if err != nil {
			return Config{}, err
		}
		cfg.LogFormat = format
	}

	cfg.LedgerPath = pick(o.LedgerPath, EnvLedgerPath)
	return cfg, nil
}

func pick(explicit, env string) string {
	if explicit != "" {
		return explicit
	}
	return os.Getenv(env)
}

// DefaultLedgerPath is $XDG_STATE_HOME/firelink/ledger.db, or
// ~/.firelink/ledger.db when XDG_STATE_HOME is unset or relative.
func DefaultLedgerPath() (string, error) {
	if dir := os.Getenv(envStateHome); filepath.IsAbs(dir) {
		return filepath.Join(dir, stateDirName, ledgerFileName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve ledger path: %w", err)
	}
	return filepath.Join(home, homeDirName, ledgerFileName), nil
}

// LedgerFile returns the ledger path, falling back to DefaultLedgerPath, and
// creates the directory that holds it.
func (c Config) LedgerFile() (string, error) {
	path := c.LedgerPath
	if path == "" {
		var err error
		if path, err = DefaultLedgerPath(); err != nil {
			return "", err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), ledgerDirPerm); err != nil {
		return "", fmt.Errorf("create ledger dir: %w", err)
	}
	return path, nil
}

// ParseLogLevel maps a level name to a slog.Level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("%w %q: want debug, info, warn or error", ErrInvalidLogLevel, s)
	}
}

// ParseLogFormat accepts "json" or "text".
func ParseLogFormat(s string) (LogFormat, error) {
	switch f := LogFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case LogFormatJSON, LogFormatText:
		return f, nil
	default:
		return "", fmt.Errorf("%w %q: want json or text", ErrInvalidLogFormat, s)
	}
}

// NewLogger builds a logger writing to w with the configured level and format.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel}
	if c.LogFormat == LogFormatText {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
