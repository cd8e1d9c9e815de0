// Package keystore stores small secrets in the platform secure-credential
// store: the macOS Keychain, the Linux Secret Service, or memory in tests.
package keystore

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"runtime"
	"sync"
)

var (
	// ErrNotFound is returned by Get when no secret exists for the account.
	ErrNotFound = errors.New("keystore: secret not found")

	// ErrUnavailable means the store itself could not be reached: the helper
	// tool is missing, the session bus is down, or the platform has no store.
	ErrUnavailable = errors.New("keystore: secure store unavailable")
)

// SecretStore is a service-scoped key/value store for secrets.
type SecretStore interface {
	// Set stores value under account, replacing any existing value.
	Set(ctx context.Context, account string, value []byte) error

	// Get returns the value for account, or ErrNotFound.
	Get(ctx context.Context, account string) ([]byte, error)

	// Delete removes account. Deleting a missing account is not an error.
	Delete(ctx context.Context, account string) error
}

// Default returns the secure store for the running platform under the given
// service name.
func Default(service string) SecretStore {
	switch runtime.GOOS {
	case "darwin":
		return NewKeychainStore(service)
	case "linux", "freebsd", "openbsd":
		return NewSecretToolStore(service)
	default:
		return Unsupported{}
	}
}

// runner executes a helper tool and returns its stdout and stderr.
type runner func(ctx context.Context, stdin []byte, name string, args ...string) (stdout, stderr []byte, err error)

func execRunner(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// exitCode returns the helper's exit status, or -1 if it did not run.
func exitCode(err error) int {
	var exited interface{ ExitCode() int }
	if errors.As(err, &exited) {
		return exited.ExitCode()
	}
	return -1
}

// Unsupported is the store for platforms without a supported secure store.
// Every operation fails with ErrUnavailable.
type Unsupported struct{}

func (Unsupported) Set(context.Context, string, []byte) error   { return ErrUnavailable }
func (Unsupported) Get(context.Context, string) ([]byte, error) { return nil, ErrUnavailable }
func (Unsupported) Delete(context.Context, string) error        { return ErrUnavailable }

// MemoryStore keeps secrets in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	secrets map[string][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{secrets: make(map[string][]byte)}
}

func (m *MemoryStore) Set(_ context.Context, account string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[account] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, account string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.secrets[account]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryStore) Delete(_ context.Context, account string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.secrets, account)
	return nil
}
