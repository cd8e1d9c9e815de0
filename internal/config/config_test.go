package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"SENTINEL_ENCRYPTION_KEY", "HIBP_API_KEY",
		"IMAP_HOST", "IMAP_PORT", "IMAP_SECURE", "IMAP_USER", "IMAP_PASS",
		"SENTINEL_IDLE_TIMEOUT", "SENTINEL_CLIPBOARD_TIMEOUT",
		"SENTINEL_SCAN_INTERVAL", "SENTINEL_LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}
	t.Setenv("SENTINEL_DATA_DIR", t.TempDir())
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultIdleTimeout, cfg.IdleTimeout)
	assert.Equal(t, DefaultClipboardTimeout, cfg.ClipboardTimeout)
	assert.Equal(t, DefaultScanInterval, cfg.ScanInterval)
	assert.Equal(t, zerolog.InfoLevel, cfg.LogLevel)
	assert.Equal(t, 993, cfg.IMAP.Port)
	assert.True(t, cfg.IMAP.Secure)
	assert.False(t, cfg.IMAP.Enabled())
	assert.Empty(t, cfg.EncryptionKey)
	require.NotNil(t, cfg.File)

	_, err = os.Stat(cfg.SettingsPath())
	assert.True(t, os.IsNotExist(err), "Load must not create the settings file")
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("SENTINEL_ENCRYPTION_KEY", " abcd ")
	t.Setenv("HIBP_API_KEY", "hibp")
	t.Setenv("IMAP_HOST", "imap.example.com")
	t.Setenv("IMAP_PORT", "143")
	t.Setenv("IMAP_SECURE", "false")
	t.Setenv("IMAP_USER", "me")
	t.Setenv("IMAP_PASS", "pw")
	t.Setenv("SENTINEL_IDLE_TIMEOUT", "90s")
	t.Setenv("SENTINEL_SCAN_INTERVAL", "1h")
	t.Setenv("SENTINEL_LOG_LEVEL", "DEBUG")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "abcd", cfg.EncryptionKey)
	assert.Equal(t, "hibp", cfg.HIBPAPIKey)
	assert.True(t, cfg.IMAP.Enabled())
	assert.Equal(t, "imap.example.com:143", cfg.IMAP.Addr())
	assert.False(t, cfg.IMAP.Secure)
	assert.Equal(t, 90*time.Second, cfg.IdleTimeout)
	assert.Equal(t, time.Hour, cfg.ScanInterval)
	assert.Equal(t, zerolog.DebugLevel, cfg.LogLevel)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"bad port", "IMAP_PORT", "abc"},
		{"port out of range", "IMAP_PORT", "70000"},
		{"bad secure", "IMAP_SECURE", "maybe"},
		{"bad duration", "SENTINEL_IDLE_TIMEOUT", "five"},
		{"negative duration", "SENTINEL_SCAN_INTERVAL", "-1m"},
		{"bad level", "SENTINEL_LOG_LEVEL", "loud"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestLoad_SettingsFileMerged(t *testing.T) {
	clearEnv(t)
	dir := os.Getenv("SENTINEL_DATA_DIR")
	require.NoError(t, os.WriteFile(filepath.Join(dir, SettingsFileName),
		[]byte("autolock_minutes: 2\nclipboard_seconds: 45\n"), 0o600))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, 45*time.Second, cfg.ClipboardTimeout)
}

func TestLoad_EnvBeatsSettingsFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("SENTINEL_IDLE_TIMEOUT", "10m")
	dir := os.Getenv("SENTINEL_DATA_DIR")
	require.NoError(t, os.WriteFile(filepath.Join(dir, SettingsFileName),
		[]byte("autolock_minutes: 2\n"), 0o600))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, 10*time.Minute, cfg.IdleThreshold(Settings{AutolockMinutes: 1}))
}

func TestFile_SetEncryptionKeyPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", SettingsFileName)

	f, err := OpenFile(path)
	require.NoError(t, err)
	assert.Empty(t, f.EncryptionKey())
	assert.Equal(t, DefaultSettings(), f.Settings())

	require.NoError(t, f.SetEncryptionKey("00ff"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	reopened, err := OpenFile(path)
	require.NoError(t, err)
	assert.Equal(t, "00ff", reopened.EncryptionKey())
	assert.Equal(t, 5, reopened.Settings().AutolockMinutes)
}

func TestFile_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), SettingsFileName)
	require.NoError(t, os.WriteFile(path, []byte("autolock_minutes: [\n"), 0o600))

	_, err := OpenFile(path)
	require.Error(t, err)
}

func TestFile_WatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), SettingsFileName)
	f, err := OpenFile(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan Settings, 4)
	watchErr := make(chan error, 1)
	go func() {
		watchErr <- f.Watch(ctx, func(s Settings) { changes <- s }, nil)
	}()

	// Give the watcher time to register before writing.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("autolock_minutes: 9\n"), 0o600)
		select {
		case s := <-changes:
			return s.AutolockMinutes == 9
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)

	assert.Equal(t, 9, f.Settings().AutolockMinutes)

	cancel()
	select {
	case err := <-watchErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
