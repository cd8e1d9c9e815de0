// Package credential stores automation-managed credentials in SQLite, one
// row per credential, with the password and notes encrypted independently
// under the process key.
//
// Reads never decrypt. Callers ask for plaintext explicitly through
// DecryptPassword and DecryptNotes.
package credential

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/forest6511/sentinel/pkg/crypto"
)

var (
	// ErrPasswordRequired is returned when creating a credential without a password.
	ErrPasswordRequired = errors.New("credential: password required for new credential")
	// ErrCredentialNotFound is returned by Get for unknown ids.
	ErrCredentialNotFound = errors.New("credential: credential not found")
	// ErrInvalidRecord is returned by ImportSnapshot and Upsert for malformed input.
	ErrInvalidRecord = errors.New("credential: invalid record")
)

// BreachStatus is the last known breach verdict.
type BreachStatus string

const (
	StatusSafe        BreachStatus = "safe"
	StatusCompromised BreachStatus = "compromised"
)

// Valid reports whether s is a known status.
func (s BreachStatus) Valid() bool {
	return s == StatusSafe || s == StatusCompromised
}

// Credential is one stored credential. Password and Notes are ciphertext.
type Credential struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Username     string                 `json:"username"`
	Password     crypto.EncodedPayload  `json:"password"`
	Notes        *crypto.EncodedPayload `json:"notes"`
	BreachStatus BreachStatus           `json:"breachStatus"`
	AutoReset    bool                   `json:"autoReset"`
	LastResetAt  *time.Time             `json:"lastResetAt"`
	CreatedAt    time.Time              `json:"createdAt"`
	UpdatedAt    time.Time              `json:"updatedAt"`
}

// UnmarshalJSON accepts autoReset as a boolean or as 0/1, the form older
// exports used.
func (c *Credential) UnmarshalJSON(data []byte) error {
	type plain Credential
	aux := struct {
		*plain
		AutoReset json.RawMessage `json:"autoReset"`
	}{plain: (*plain)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	switch raw := string(bytes.TrimSpace(aux.AutoReset)); raw {
	case "", "null", "false", "0":
		c.AutoReset = false
	case "true", "1":
		c.AutoReset = true
	default:
		return fmt.Errorf("%w: autoReset %s", ErrInvalidRecord, raw)
	}
	return nil
}

// validate checks a record read from a snapshot.
func (c *Credential) validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidRecord)
	}
	if c.Name == "" {
		return fmt.Errorf("%w: %s: missing name", ErrInvalidRecord, c.ID)
	}
	if _, err := c.Password.Decode(); err != nil {
		return fmt.Errorf("%w: %s: password: %v", ErrInvalidRecord, c.ID, err)
	}
	if c.Notes != nil {
		if _, err := c.Notes.Decode(); err != nil {
			return fmt.Errorf("%w: %s: notes: %v", ErrInvalidRecord, c.ID, err)
		}
	}
	if !c.BreachStatus.Valid() {
		return fmt.Errorf("%w: %s: breach status %q", ErrInvalidRecord, c.ID, c.BreachStatus)
	}
	if c.CreatedAt.IsZero() || c.UpdatedAt.IsZero() {
		return fmt.Errorf("%w: %s: missing timestamps", ErrInvalidRecord, c.ID)
	}
	return nil
}

// Input is the argument to Upsert.
//
// A nil Password keeps the stored ciphertext; it is an error for a new id.
// A nil Notes keeps the stored notes; a pointer to "" clears them.
// An empty ID creates a credential with a generated id.
type Input struct {
	ID           string
	Name         string
	Username     string
	Password     *string
	Notes        *string
	BreachStatus BreachStatus
	AutoReset    bool
	LastResetAt  *time.Time
}

// InputFrom returns an Input that rewrites c unchanged, for callers that
// mutate a few fields of an existing credential.
func InputFrom(c *Credential) Input {
	return Input{
		ID:           c.ID,
		Name:         c.Name,
		Username:     c.Username,
		BreachStatus: c.BreachStatus,
		AutoReset:    c.AutoReset,
		LastResetAt:  c.LastResetAt,
	}
}
