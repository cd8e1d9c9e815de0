// Package keymgr resolves and holds the process-wide encryption key used by
// the credential repository.
//
// Sources are consulted in order: the SENTINEL_ENCRYPTION_KEY override, the
// settings file cache, then the platform secure store. When none yields a
// key a fresh one is generated and persisted to both the settings file and
// the secure store, unless encrypted data already exists, in which case
// Bootstrap fails with ErrKeyLost instead of silently orphaning that data.
package keymgr

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/forest6511/sentinel/pkg/crypto"
	"github.com/forest6511/sentinel/pkg/keystore"
)

// Secure store coordinates of the encryption key.
const (
	Service = "SentinelSecurityManager"
	Account = "encryptionKey"
)

var (
	// ErrKeyUnavailable is returned by Key before any source produced a key.
	ErrKeyUnavailable = errors.New("keymgr: encryption key unavailable")

	// ErrKeyLost means encrypted data exists but no source holds its key.
	ErrKeyLost = errors.New("keymgr: encrypted data exists but its encryption key was not found; restore the key via SENTINEL_ENCRYPTION_KEY")

	// ErrInvalidKey means a source held a value that is not 64 hex characters.
	ErrInvalidKey = errors.New("keymgr: invalid encryption key, must be 64 hex characters")
)

// Source names where the key was found.
type Source string

const (
	SourceNone      Source = ""
	SourceEnv       Source = "env"
	SourceConfig    Source = "config"
	SourceKeychain  Source = "keychain"
	SourceGenerated Source = "generated"
)

// ConfigCache is the local configuration source. config.File satisfies it.
type ConfigCache interface {
	EncryptionKey() string
	SetEncryptionKey(hexKey string) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithEnvKey sets the explicit key override (hex).
func WithEnvKey(hexKey string) Option {
	return func(m *Manager) { m.envKey = strings.TrimSpace(hexKey) }
}

// WithEncryptedDataProbe sets the check used to refuse key generation when
// data encrypted under a previous key exists.
func WithEncryptedDataProbe(probe func(ctx context.Context) (bool, error)) Option {
	return func(m *Manager) { m.probe = probe }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager holds the encryption key. It implements crypto.KeyProvider.
type Manager struct {
	envKey string
	cache  ConfigCache
	store  keystore.SecretStore
	probe  func(ctx context.Context) (bool, error)
	logger zerolog.Logger

	mu           sync.RWMutex
	key          []byte
	source       Source
	bootstrapped bool
}

var _ crypto.KeyProvider = (*Manager)(nil)

// New returns a Manager. Either cache or store may be nil.
func New(cache ConfigCache, store keystore.SecretStore, opts ...Option) *Manager {
	m := &Manager{
		cache:  cache,
		store:  store,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Key returns a copy of the encryption key.
//
// Before Bootstrap completes only the synchronous sources (override and
// settings file) are consulted; if neither holds a key, ErrKeyUnavailable
// is returned rather than blocking on the secure store.
func (m *Manager) Key() ([]byte, error) {
	m.mu.RLock()
	if m.key != nil {
		defer m.mu.RUnlock()
		return append([]byte(nil), m.key...), nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.key == nil {
		key, source, err := m.resolveSyncLocked()
		if err != nil {
			return nil, err
		}
		if key == nil {
			return nil, ErrKeyUnavailable
		}
		m.key, m.source = key, source
	}
	return append([]byte(nil), m.key...), nil
}

// HexKey returns the key hex encoded, as stored in every source.
func (m *Manager) HexKey() (string, error) {
	key, err := m.Key()
	if err != nil {
		return "", err
	}
	defer crypto.SecureWipe(key)
	return hex.EncodeToString(key), nil
}

// Source reports where the key came from, SourceNone before resolution.
func (m *Manager) Source() Source {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.source
}

// Bootstrap resolves the key from every source, generating and persisting
// one on first run. It is idempotent: once a key is held, later calls
// return the same source without touching any store.
func (m *Manager) Bootstrap(ctx context.Context) (Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bootstrapped {
		return m.source, nil
	}

	key, source, err := m.resolveSyncLocked()
	if err != nil {
		return SourceNone, err
	}

	switch {
	case source == SourceConfig:
		m.backfillStore(ctx, key)
	case key == nil:
		key, source, err = m.fromStore(ctx)
		if err != nil {
			return SourceNone, err
		}
	}

	if key == nil {
		if err := m.checkNoEncryptedData(ctx); err != nil {
			return SourceNone, err
		}
		if key, err = m.generate(ctx); err != nil {
			return SourceNone, err
		}
		source = SourceGenerated
	}

	m.key, m.source, m.bootstrapped = key, source, true
	m.logger.Info().Str("source", string(source)).Msg("encryption key ready")
	return source, nil
}

func (m *Manager) resolveSyncLocked() ([]byte, Source, error) {
	if m.key != nil {
		return m.key, m.source, nil
	}
	if m.envKey != "" {
		key, err := decodeKey(m.envKey)
		if err != nil {
			return nil, SourceNone, fmt.Errorf("%w (SENTINEL_ENCRYPTION_KEY)", err)
		}
		return key, SourceEnv, nil
	}
	if m.cache != nil {
		if cached := strings.TrimSpace(m.cache.EncryptionKey()); cached != "" {
			key, err := decodeKey(cached)
			if err != nil {
				return nil, SourceNone, fmt.Errorf("%w (settings file)", err)
			}
			return key, SourceConfig, nil
		}
	}
	return nil, SourceNone, nil
}

func (m *Manager) fromStore(ctx context.Context) ([]byte, Source, error) {
	if m.store == nil {
		return nil, SourceNone, nil
	}
	raw, err := m.store.Get(ctx, Account)
	switch {
	case errors.Is(err, keystore.ErrNotFound):
		return nil, SourceNone, nil
	case err != nil:
		m.logger.Warn().Err(err).Msg("secure store unreachable, falling back to local configuration")
		return nil, SourceNone, nil
	}

	key, err := decodeKey(string(raw))
	if err != nil {
		return nil, SourceNone, fmt.Errorf("%w (secure store)", err)
	}
	if m.cache != nil {
		if err := m.cache.SetEncryptionKey(hex.EncodeToString(key)); err != nil {
			m.logger.Warn().Err(err).Msg("failed to cache encryption key in settings file")
		}
	}
	return key, SourceKeychain, nil
}

// backfillStore writes a settings-file key into a reachable but empty
// secure store.
func (m *Manager) backfillStore(ctx context.Context, key []byte) {
	if m.store == nil {
		return
	}
	stored, err := m.store.Get(ctx, Account)
	switch {
	case errors.Is(err, keystore.ErrNotFound):
		if err := m.store.Set(ctx, Account, []byte(hex.EncodeToString(key))); err != nil {
			m.logger.Warn().Err(err).Msg("failed to save encryption key to secure store")
		}
	case err != nil:
		m.logger.Debug().Err(err).Msg("secure store unreachable")
	case !strings.EqualFold(strings.TrimSpace(string(stored)), hex.EncodeToString(key)):
		m.logger.Warn().Msg("secure store holds a different encryption key than the settings file; using the settings file")
	}
}

func (m *Manager) checkNoEncryptedData(ctx context.Context) error {
	if m.probe == nil {
		return nil
	}
	exists, err := m.probe(ctx)
	if err != nil {
		return fmt.Errorf("keymgr: failed to check for encrypted data: %w", err)
	}
	if exists {
		return ErrKeyLost
	}
	return nil
}

func (m *Manager) generate(ctx context.Context) ([]byte, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	encoded := hex.EncodeToString(key)

	var persisted bool
	if m.cache != nil {
		if err := m.cache.SetEncryptionKey(encoded); err != nil {
			m.logger.Warn().Err(err).Msg("failed to cache encryption key in settings file")
		} else {
			persisted = true
		}
	}
	if m.store != nil {
		if err := m.store.Set(ctx, Account, []byte(encoded)); err != nil {
			m.logger.Warn().Err(err).Msg("failed to save encryption key to secure store")
		} else {
			persisted = true
		}
	}
	if !persisted {
		crypto.SecureWipe(key)
		return nil, errors.New("keymgr: generated encryption key could not be persisted to any source")
	}
	return key, nil
}

func decodeKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil || len(key) != crypto.KeyLength {
		return nil, ErrInvalidKey
	}
	return key, nil
}
