package keystore

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// errSecItemNotFound is the exit status of `security` for a missing item.
const errSecItemNotFound = 44

// KeychainStore implements SecretStore using the macOS Keychain via the
// `security` CLI tool.
type KeychainStore struct {
	service string
	run     runner
}

// NewKeychainStore creates a KeychainStore for service.
func NewKeychainStore(service string) *KeychainStore {
	return &KeychainStore{service: service, run: execRunner}
}

// Set stores a secret, updating it if the item already exists.
func (k *KeychainStore) Set(ctx context.Context, account string, value []byte) error {
	_, stderr, err := k.run(ctx, nil, "security", "add-generic-password",
		"-a", account,
		"-s", k.service,
		"-w", string(value),
		"-U",
	)
	if err != nil {
		return k.wrap("set", stderr, err)
	}
	return nil
}

// Get retrieves a secret, or ErrNotFound.
func (k *KeychainStore) Get(ctx context.Context, account string) ([]byte, error) {
	out, stderr, err := k.run(ctx, nil, "security", "find-generic-password",
		"-a", account,
		"-s", k.service,
		"-w",
	)
	if err != nil {
		if exitCode(err) == errSecItemNotFound {
			return nil, ErrNotFound
		}
		return nil, k.wrap("get", stderr, err)
	}
	return []byte(strings.TrimSpace(string(out))), nil
}

// Delete removes a secret. A missing item is not an error.
func (k *KeychainStore) Delete(ctx context.Context, account string) error {
	_, stderr, err := k.run(ctx, nil, "security", "delete-generic-password",
		"-a", account,
		"-s", k.service,
	)
	if err != nil && exitCode(err) != errSecItemNotFound {
		return k.wrap("delete", stderr, err)
	}
	return nil
}

func (k *KeychainStore) wrap(op string, stderr []byte, err error) error {
	if errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("%w: security tool not found", ErrUnavailable)
	}
	return fmt.Errorf("%w: keychain %s: %s: %v", ErrUnavailable, op, strings.TrimSpace(string(stderr)), err)
}
