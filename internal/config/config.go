// Package config loads sentinel configuration from environment variables and
// the settings file in the data directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Defaults applied when neither the environment nor the settings file say
// otherwise.
const (
	DefaultIdleTimeout      = 5 * time.Minute
	DefaultClipboardTimeout = 20 * time.Second
	DefaultScanInterval     = 15 * time.Minute
	DefaultIMAPPort         = 993
)

// File names inside the data directory.
const (
	SettingsFileName = "config.yaml"
	DatabaseFileName = "sentinel.db"
	AuditDirName     = "audit"
)

// IMAPConfig holds the mail collaborator connection parameters.
type IMAPConfig struct {
	Host   string
	Port   int
	Secure bool
	User   string
	Pass   string
}

// Enabled reports whether enough parameters are present to connect.
func (c IMAPConfig) Enabled() bool {
	return c.Host != "" && c.User != "" && c.Pass != ""
}

// Addr returns host:port.
func (c IMAPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Config holds the resolved configuration.
type Config struct {
	DataDir string

	// EncryptionKey is the SENTINEL_ENCRYPTION_KEY override, hex encoded.
	// Empty when unset.
	EncryptionKey string

	HIBPAPIKey string
	IMAP       IMAPConfig

	IdleTimeout      time.Duration
	ClipboardTimeout time.Duration
	ScanInterval     time.Duration
	LogLevel         zerolog.Level

	// File is the settings file backing the config. Never nil after Load.
	File *File

	idleBase         time.Duration
	clipboardBase    time.Duration
	idleFromEnv      bool
	clipboardFromEnv bool
}

// SettingsPath returns the settings file location.
func (c *Config) SettingsPath() string {
	return filepath.Join(c.DataDir, SettingsFileName)
}

// DatabasePath returns the credential repository database location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, DatabaseFileName)
}

// AuditDir returns the audit journal directory.
func (c *Config) AuditDir() string {
	return filepath.Join(c.DataDir, AuditDirName)
}

// IdleThreshold returns the idle lock threshold given the settings file
// contents. SENTINEL_IDLE_TIMEOUT always wins over the file.
func (c *Config) IdleThreshold(s Settings) time.Duration {
	if c.idleFromEnv || s.AutolockMinutes <= 0 {
		return c.idleBase
	}
	return time.Duration(s.AutolockMinutes) * time.Minute
}

// ClipboardThreshold is IdleThreshold for the clipboard clear timeout.
func (c *Config) ClipboardThreshold(s Settings) time.Duration {
	if c.clipboardFromEnv || s.ClipboardSeconds <= 0 {
		return c.clipboardBase
	}
	return time.Duration(s.ClipboardSeconds) * time.Second
}

// Load reads configuration from the environment and merges the settings file.
//
// Recognised variables: SENTINEL_DATA_DIR (~/.sentinel),
// SENTINEL_ENCRYPTION_KEY, HIBP_API_KEY, IMAP_HOST, IMAP_PORT (993),
// IMAP_SECURE (true), IMAP_USER, IMAP_PASS, SENTINEL_IDLE_TIMEOUT (5m),
// SENTINEL_CLIPBOARD_TIMEOUT (20s), SENTINEL_SCAN_INTERVAL (15m),
// SENTINEL_LOG_LEVEL (info).
func Load() (*Config, error) {
	cfg := &Config{
		EncryptionKey:    strings.TrimSpace(os.Getenv("SENTINEL_ENCRYPTION_KEY")),
		HIBPAPIKey:       os.Getenv("HIBP_API_KEY"),
		ScanInterval:     DefaultScanInterval,
		LogLevel:         zerolog.InfoLevel,
		IMAP: IMAPConfig{
			Host:   os.Getenv("IMAP_HOST"),
			Port:   DefaultIMAPPort,
			Secure: true,
			User:   os.Getenv("IMAP_USER"),
			Pass:   os.Getenv("IMAP_PASS"),
		},
	}

	if v, ok := os.LookupEnv("SENTINEL_DATA_DIR"); ok && v != "" {
		cfg.DataDir = v
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("config: failed to resolve home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".sentinel")
	}

	if v, ok := os.LookupEnv("IMAP_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("config: IMAP_PORT has invalid value %q", v)
		}
		cfg.IMAP.Port = port
	}
	if v, ok := os.LookupEnv("IMAP_SECURE"); ok && v != "" {
		secure, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("config: IMAP_SECURE has invalid value %q: %w", v, err)
		}
		cfg.IMAP.Secure = secure
	}

	var err error
	if cfg.idleBase, cfg.idleFromEnv, err = durationEnv("SENTINEL_IDLE_TIMEOUT", DefaultIdleTimeout); err != nil {
		return nil, err
	}
	if cfg.clipboardBase, cfg.clipboardFromEnv, err = durationEnv("SENTINEL_CLIPBOARD_TIMEOUT", DefaultClipboardTimeout); err != nil {
		return nil, err
	}
	if cfg.ScanInterval, _, err = durationEnv("SENTINEL_SCAN_INTERVAL", cfg.ScanInterval); err != nil {
		return nil, err
	}

	if v, ok := os.LookupEnv("SENTINEL_LOG_LEVEL"); ok && v != "" {
		level, err := zerolog.ParseLevel(strings.ToLower(v))
		if err != nil {
			return nil, fmt.Errorf("config: SENTINEL_LOG_LEVEL has invalid value %q: %w", v, err)
		}
		cfg.LogLevel = level
	}

	cfg.File, err = OpenFile(cfg.SettingsPath())
	if err != nil {
		return nil, err
	}
	settings := cfg.File.Settings()
	cfg.IdleTimeout = cfg.IdleThreshold(settings)
	cfg.ClipboardTimeout = cfg.ClipboardThreshold(settings)

	return cfg, nil
}

func durationEnv(name string, def time.Duration) (time.Duration, bool, error) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return def, false, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false, fmt.Errorf("config: %s has invalid duration %q: %w", name, v, err)
	}
	if d <= 0 {
		return 0, false, fmt.Errorf("config: %s must be positive, got %s", name, v)
	}
	return d, true, nil
}
