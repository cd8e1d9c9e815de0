package keymgr

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/forest6511/sentinel/pkg/keystore"
)

// memCache is an in-memory ConfigCache.
type memCache struct {
	key    string
	err    error
	writes int
}

func (c *memCache) EncryptionKey() string { return c.key }

func (c *memCache) SetEncryptionKey(k string) error {
	if c.err != nil {
		return c.err
	}
	c.writes++
	c.key = k
	return nil
}

// downStore is a secure store that cannot be reached.
type downStore struct{ keystore.Unsupported }

var testKey = strings.Repeat("ab", 32)

func TestBootstrapPrecedence(t *testing.T) {
	ctx := context.Background()
	otherKey := strings.Repeat("cd", 32)

	tests := []struct {
		name       string
		env        string
		cached     string
		stored     string
		wantSource Source
		wantKey    string
	}{
		{"env wins over everything", testKey, otherKey, otherKey, SourceEnv, testKey},
		{"config wins over store", "", testKey, otherKey, SourceConfig, testKey},
		{"store used when config empty", "", "", testKey, SourceKeychain, testKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache := &memCache{key: tt.cached}
			store := keystore.NewMemoryStore()
			if tt.stored != "" {
				_ = store.Set(ctx, Account, []byte(tt.stored))
			}

			m := New(cache, store, WithEnvKey(tt.env))
			source, err := m.Bootstrap(ctx)
			if err != nil {
				t.Fatalf("Bootstrap() error = %v", err)
			}
			if source != tt.wantSource {
				t.Errorf("Bootstrap() source = %q, want %q", source, tt.wantSource)
			}
			got, err := m.HexKey()
			if err != nil {
				t.Fatalf("HexKey() error = %v", err)
			}
			if got != tt.wantKey {
				t.Errorf("HexKey() = %s, want %s", got, tt.wantKey)
			}
		})
	}
}

func TestBootstrapKeychainRefreshesConfig(t *testing.T) {
	ctx := context.Background()
	cache := &memCache{}
	store := keystore.NewMemoryStore()
	_ = store.Set(ctx, Account, []byte(testKey))

	if _, err := New(cache, store).Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	if cache.key != testKey {
		t.Errorf("config cache = %q, want key from secure store", cache.key)
	}
}

func TestBootstrapConfigBackfillsStore(t *testing.T) {
	ctx := context.Background()
	cache := &memCache{key: testKey}
	store := keystore.NewMemoryStore()

	if _, err := New(cache, store).Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	stored, err := store.Get(ctx, Account)
	if err != nil {
		t.Fatalf("store.Get() error = %v", err)
	}
	if string(stored) != testKey {
		t.Errorf("store = %q, want settings-file key", stored)
	}
}

func TestBootstrapGeneratesAndPersists(t *testing.T) {
	ctx := context.Background()
	cache := &memCache{}
	store := keystore.NewMemoryStore()

	m := New(cache, store)
	source, err := m.Bootstrap(ctx)
	if err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	if source != SourceGenerated {
		t.Fatalf("source = %q, want generated", source)
	}

	key, _ := m.Key()
	if len(key) != 32 {
		t.Fatalf("key length = %d", len(key))
	}
	if cache.key != hex.EncodeToString(key) {
		t.Error("generated key not written to settings file")
	}
	stored, err := store.Get(ctx, Account)
	if err != nil || string(stored) != hex.EncodeToString(key) {
		t.Errorf("generated key not written to secure store: %q, %v", stored, err)
	}

	// A second process finds the same key.
	again := New(cache, keystore.NewMemoryStore())
	if _, err := again.Bootstrap(ctx); err != nil {
		t.Fatalf("second Bootstrap() error = %v", err)
	}
	key2, _ := again.Key()
	if !bytes.Equal(key, key2) {
		t.Error("second launch resolved a different key")
	}
}

func TestBootstrapIdempotent(t *testing.T) {
	ctx := context.Background()
	cache := &memCache{}
	m := New(cache, keystore.NewMemoryStore())

	if _, err := m.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	first, _ := m.Key()

	source, err := m.Bootstrap(ctx)
	if err != nil {
		t.Fatalf("second Bootstrap() error = %v", err)
	}
	if source != SourceGenerated {
		t.Errorf("source changed to %q", source)
	}
	second, _ := m.Key()
	if !bytes.Equal(first, second) {
		t.Error("Bootstrap() regenerated the key")
	}
	if cache.writes != 1 {
		t.Errorf("settings written %d times, want 1", cache.writes)
	}
}

func TestBootstrapStoreUnavailableFallsBack(t *testing.T) {
	ctx := context.Background()

	m := New(&memCache{key: testKey}, downStore{})
	source, err := m.Bootstrap(ctx)
	if err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	if source != SourceConfig {
		t.Errorf("source = %q, want config", source)
	}

	// Nothing anywhere: generate into the settings file only.
	cache := &memCache{}
	m = New(cache, downStore{})
	if source, err = m.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	if source != SourceGenerated || cache.key == "" {
		t.Errorf("source = %q, cached = %q", source, cache.key)
	}
}

func TestBootstrapKeyLost(t *testing.T) {
	ctx := context.Background()
	cache := &memCache{}
	store := keystore.NewMemoryStore()

	m := New(cache, store, WithEncryptedDataProbe(func(context.Context) (bool, error) {
		return true, nil
	}))
	if _, err := m.Bootstrap(ctx); !errors.Is(err, ErrKeyLost) {
		t.Fatalf("Bootstrap() error = %v, want ErrKeyLost", err)
	}
	if cache.key != "" {
		t.Error("key generated despite existing encrypted data")
	}
	if _, err := store.Get(ctx, Account); !errors.Is(err, keystore.ErrNotFound) {
		t.Error("key written to secure store despite existing encrypted data")
	}
	if _, err := m.Key(); !errors.Is(err, ErrKeyUnavailable) {
		t.Errorf("Key() error = %v, want ErrKeyUnavailable", err)
	}
}

func TestBootstrapProbeError(t *testing.T) {
	boom := errors.New("db closed")
	m := New(&memCache{}, keystore.NewMemoryStore(), WithEncryptedDataProbe(func(context.Context) (bool, error) {
		return false, boom
	}))
	if _, err := m.Bootstrap(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Bootstrap() error = %v, want %v", err, boom)
	}
}

func TestBootstrapInvalidKey(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name   string
		env    string
		cached string
		stored string
	}{
		{"env not hex", "zz", "", ""},
		{"env too short", "abcd", "", ""},
		{"config wrong length", "", strings.Repeat("a", 62), ""},
		{"store garbage", "", "", "not-a-key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := keystore.NewMemoryStore()
			if tt.stored != "" {
				_ = store.Set(ctx, Account, []byte(tt.stored))
			}
			m := New(&memCache{key: tt.cached}, store, WithEnvKey(tt.env))
			if _, err := m.Bootstrap(ctx); !errors.Is(err, ErrInvalidKey) {
				t.Errorf("Bootstrap() error = %v, want ErrInvalidKey", err)
			}
		})
	}
}

func TestKeyBeforeBootstrap(t *testing.T) {
	m := New(&memCache{}, keystore.NewMemoryStore())
	if _, err := m.Key(); !errors.Is(err, ErrKeyUnavailable) {
		t.Fatalf("Key() error = %v, want ErrKeyUnavailable", err)
	}
	if m.Source() != SourceNone {
		t.Errorf("Source() = %q", m.Source())
	}

	// The settings file is a synchronous source.
	m = New(&memCache{key: testKey}, keystore.NewMemoryStore())
	key, err := m.Key()
	if err != nil {
		t.Fatalf("Key() error = %v", err)
	}
	if hex.EncodeToString(key) != testKey {
		t.Errorf("Key() = %x", key)
	}
	if m.Source() != SourceConfig {
		t.Errorf("Source() = %q, want config", m.Source())
	}
}

func TestKeyReturnsCopy(t *testing.T) {
	m := New(nil, nil, WithEnvKey(testKey))
	key, err := m.Key()
	if err != nil {
		t.Fatalf("Key() error = %v", err)
	}
	key[0] ^= 0xff
	again, _ := m.Key()
	if again[0] == key[0] {
		t.Error("Key() exposed internal buffer")
	}
}
