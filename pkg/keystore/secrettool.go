package keystore

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// SecretToolStore implements SecretStore using the freedesktop Secret
// Service via the `secret-tool` CLI (libsecret).
type SecretToolStore struct {
	service string
	run     runner
}

// NewSecretToolStore creates a SecretToolStore for service.
func NewSecretToolStore(service string) *SecretToolStore {
	return &SecretToolStore{service: service, run: execRunner}
}

func (s *SecretToolStore) attrs(account string) []string {
	return []string{"service", s.service, "account", account}
}

// Set stores a secret. The value is passed on stdin, never on the command line.
func (s *SecretToolStore) Set(ctx context.Context, account string, value []byte) error {
	args := append([]string{"store", "--label=" + s.service + " " + account}, s.attrs(account)...)
	_, stderr, err := s.run(ctx, value, "secret-tool", args...)
	if err != nil {
		return s.wrap("store", stderr, err)
	}
	return nil
}

// Get retrieves a secret, or ErrNotFound.
func (s *SecretToolStore) Get(ctx context.Context, account string) ([]byte, error) {
	args := append([]string{"lookup"}, s.attrs(account)...)
	out, stderr, err := s.run(ctx, nil, "secret-tool", args...)
	if err != nil {
		// lookup exits 1 with no output when the item is absent; any
		// diagnostic on stderr means the service could not be reached.
		if exitCode(err) == 1 && len(strings.TrimSpace(string(stderr))) == 0 {
			return nil, ErrNotFound
		}
		return nil, s.wrap("lookup", stderr, err)
	}
	value := strings.TrimRight(string(out), "\n")
	if value == "" {
		return nil, ErrNotFound
	}
	return []byte(value), nil
}

// Delete removes a secret. A missing item is not an error.
func (s *SecretToolStore) Delete(ctx context.Context, account string) error {
	args := append([]string{"clear"}, s.attrs(account)...)
	_, stderr, err := s.run(ctx, nil, "secret-tool", args...)
	if err != nil && !(exitCode(err) == 1 && len(strings.TrimSpace(string(stderr))) == 0) {
		return s.wrap("clear", stderr, err)
	}
	return nil
}

func (s *SecretToolStore) wrap(op string, stderr []byte, err error) error {
	if errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("%w: secret-tool not found", ErrUnavailable)
	}
	return fmt.Errorf("%w: secret-tool %s: %s: %v", ErrUnavailable, op, strings.TrimSpace(string(stderr)), err)
}
