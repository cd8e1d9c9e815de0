package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/natefinch/atomic"
	"gopkg.in/yaml.v3"
)

// Settings is the on-disk content of config.yaml.
type Settings struct {
	// EncryptionKey caches the process encryption key (hex) for the key
	// manager's local configuration source.
	EncryptionKey    string `yaml:"encryption_key,omitempty"`
	AutolockMinutes  int    `yaml:"autolock_minutes"`
	ClipboardSeconds int    `yaml:"clipboard_seconds"`
}

// DefaultSettings returns the settings written on first save.
func DefaultSettings() Settings {
	return Settings{
		AutolockMinutes:  int(DefaultIdleTimeout.Minutes()),
		ClipboardSeconds: int(DefaultClipboardTimeout.Seconds()),
	}
}

// File is the settings file. It is safe for concurrent use.
type File struct {
	path string

	mu       sync.RWMutex
	settings Settings
}

// OpenFile reads the settings file at path. A missing file yields defaults;
// nothing is written until the first Save.
func OpenFile(path string) (*File, error) {
	f := &File{path: path, settings: DefaultSettings()}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// Path returns the file location.
func (f *File) Path() string { return f.path }

// Settings returns a snapshot of the current settings.
func (f *File) Settings() Settings {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.settings
}

// Reload re-reads the file from disk.
func (f *File) Reload() error {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("config: failed to read settings: %w", err)
	}

	s := DefaultSettings()
	if err := yaml.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("config: failed to parse %s: %w", f.path, err)
	}

	f.mu.Lock()
	f.settings = s
	f.mu.Unlock()
	return nil
}

// EncryptionKey returns the cached encryption key, or "" if none.
func (f *File) EncryptionKey() string {
	return f.Settings().EncryptionKey
}

// SetEncryptionKey persists the encryption key cache.
func (f *File) SetEncryptionKey(hexKey string) error {
	return f.Update(func(s *Settings) { s.EncryptionKey = hexKey })
}

// Update applies fn to the settings and saves the result.
func (f *File) Update(fn func(*Settings)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	next := f.settings
	fn(&next)
	if err := f.writeLocked(next); err != nil {
		return err
	}
	f.settings = next
	return nil
}

func (f *File) writeLocked(s Settings) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("config: failed to encode settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("config: failed to create data directory: %w", err)
	}
	// The file may hold the encryption key.
	if err := atomic.WriteFile(f.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("config: failed to write settings: %w", err)
	}
	if err := os.Chmod(f.path, 0o600); err != nil {
		return fmt.Errorf("config: failed to set settings permissions: %w", err)
	}
	return nil
}

// Watch reloads the file whenever it changes on disk and passes the new
// settings to fn. It blocks until ctx is done. Parse errors are reported to
// onErr (if non-nil) and the previous settings are kept.
func (f *File) Watch(ctx context.Context, fn func(Settings), onErr func(error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: failed to create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("config: failed to create data directory: %w", err)
	}
	// Watch the directory so atomic replacements are seen.
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("config: failed to watch %s: %w", dir, err)
	}

	report := func(err error) {
		if onErr != nil {
			onErr(err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(f.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := f.Reload(); err != nil {
				report(err)
				continue
			}
			fn(f.Settings())
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			report(err)
		}
	}
}
