// Package vault provides the account vault: a JSON account list stored either
// as legacy plaintext or inside a master-password encrypted envelope.
//
// The active format is recorded in vault.meta and read before every
// operation. Every operation re-reads the file it needs, so the disk is
// always the source of truth; in encrypted mode this means one key
// derivation per call.
//
// State machine:
//
//	Uninitialized -> Plaintext -> Encrypted(Locked) <-> Encrypted(Unlocked)
//
// SetMasterPassword migrates Uninitialized or Plaintext to Encrypted(Unlocked).
// Lock discards the in-memory password; Unlock restores it after verifying it
// against the envelope.
package vault

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/forest6511/sentinel/internal/clock"
	"github.com/forest6511/sentinel/pkg/crypto"
	"github.com/forest6511/sentinel/pkg/security"
)

// Constants
const (
	PlaintextFileName = "vault.json"
	EncryptedFileName = "vault.secure.json"
	BackupSuffix      = ".bak"
	MetaFileName      = "vault.meta"
	LockFileName      = "vault.lock"
	FileMode          = 0600 // Owner read/write only
	DirMode           = 0700 // Owner read/write/execute only

	// Unlock attempt limits: 5 failures -> 30s, 10 -> 5min, 20 -> 30min.
	CooldownThreshold1 = 5
	CooldownThreshold2 = 10
	CooldownThreshold3 = 20
	CooldownDuration1  = 30 * time.Second
	CooldownDuration2  = 5 * time.Minute
	CooldownDuration3  = 30 * time.Minute

	// Disk capacity thresholds
	MinDiskSpaceBytes  = 10 * 1024 * 1024 // 10 MB minimum free space
	DiskWarningPercent = 90               // Warn when disk is 90% full

	// MaxImportSize bounds documents accepted by Import.
	MaxImportSize = 16 * 1024 * 1024
)

// Errors
var (
	ErrVaultLocked          = errors.New("vault: vault is locked")
	ErrInvalidPassword      = errors.New("vault: invalid master password")
	ErrAlreadyEncrypted     = errors.New("vault: vault already encrypted, use ChangeMasterPassword")
	ErrNotEncrypted         = errors.New("vault: vault is not encrypted")
	ErrAccountNotFound      = errors.New("vault: account not found")
	ErrUnsupportedVersion   = errors.New("vault: unsupported envelope version")
	ErrUnsupportedAlgorithm = errors.New("vault: unsupported envelope algorithm")
	ErrSaltMismatch         = errors.New("vault: envelope salt does not match vault metadata")
	ErrVaultCorrupted       = errors.New("vault: vault is corrupted")
	ErrCooldownActive       = errors.New("vault: cooldown period active")
	ErrInsufficientDisk     = errors.New("vault: insufficient disk space")
	ErrPasswordTooShort     = fmt.Errorf("vault: password must be at least %d characters", security.MinPasswordLength)
	ErrPasswordTooLong      = fmt.Errorf("vault: password must be at most %d characters", security.MaxPasswordLength)
)

// Option configures a Vault.
type Option func(*Vault)

// WithKDF selects the key derivation function for new envelopes
// (crypto.KDFScrypt or crypto.KDFArgon2id). Existing envelopes always use
// the KDF they name.
func WithKDF(kdf string) Option {
	return func(v *Vault) { v.kdf = kdf }
}

// WithClock sets the clock used for timestamps and cooldowns.
func WithClock(c clock.Clock) Option {
	return func(v *Vault) { v.clock = c }
}

// WithLogger sets the logger used for advisory warnings.
func WithLogger(l zerolog.Logger) Option {
	return func(v *Vault) { v.logger = l }
}

// WithIDGenerator replaces the account id generator.
func WithIDGenerator(fn func() string) Option {
	return func(v *Vault) { v.newID = fn }
}

// Vault manages the account vault in one directory.
type Vault struct {
	path   string
	kdf    string
	clock  clock.Clock
	logger zerolog.Logger
	newID  func() string

	mu       sync.Mutex
	password []byte // NFC master password, nil when locked
}

// New creates a Vault for the directory at path. Nothing is read or
// written until the first operation.
func New(path string, opts ...Option) *Vault {
	v := &Vault{
		path:   path,
		kdf:    crypto.KDFScrypt,
		clock:  clock.Real(),
		logger: zerolog.Nop(),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Path returns the vault directory.
func (v *Vault) Path() string {
	return v.path
}

func (v *Vault) file(name string) string {
	return filepath.Join(v.path, name)
}

// Status describes the vault for display.
type Status struct {
	Format   Format        `json:"format"`
	Locked   bool          `json:"locked"`
	Cooldown time.Duration `json:"cooldown,omitempty"`
}

// Status reports the current format and lock state.
func (v *Vault) Status() (*Status, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	format, err := v.resolveFormat()
	if err != nil {
		return nil, err
	}
	return &Status{
		Format:   format,
		Locked:   format == FormatEncrypted && v.password == nil,
		Cooldown: v.remainingCooldown(),
	}, nil
}

// IsLocked reports whether no master password is held in memory.
func (v *Vault) IsLocked() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.password == nil
}

// SetMasterPassword encrypts the vault for the first time.
//
// The current plaintext accounts (or an empty list) are sealed into a new
// envelope under a fresh salt, the plaintext file is renamed to
// vault.json.bak, and the vault is left unlocked.
func (v *Vault) SetMasterPassword(password string) error {
	if err := validateNewPassword(password); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	format, err := v.resolveFormat()
	if err != nil {
		return err
	}
	if format == FormatEncrypted || fileExists(v.file(EncryptedFileName)) {
		return ErrAlreadyEncrypted
	}

	doc, err := v.readPlaintext()
	if err != nil {
		return err
	}

	salt, err := crypto.GenerateSalt()
	if err != nil {
		return err
	}
	pw := crypto.NormalizePassword(password)
	env, err := sealEnvelope(doc, pw, salt, v.kdf)
	if err != nil {
		crypto.SecureWipe(pw)
		return err
	}
	if err := v.writeEnvelope(env, salt); err != nil {
		crypto.SecureWipe(pw)
		return err
	}

	if plain := v.file(PlaintextFileName); fileExists(plain) {
		if err := os.Rename(plain, plain+BackupSuffix); err != nil {
			v.logger.Warn().Err(err).Msg("failed to move plaintext vault to backup")
		}
	}

	v.setPassword(pw)
	return nil
}

// Unlock verifies password against the envelope and holds it in memory.
// Calling Unlock while unlocked re-verifies and replaces the password.
func (v *Vault) Unlock(password string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	format, err := v.resolveFormat()
	if err != nil {
		return err
	}
	if format != FormatEncrypted {
		return ErrNotEncrypted
	}

	if err := v.checkCooldown(); err != nil {
		return err
	}

	env, d, err := v.readEnvelope()
	if err != nil {
		return err
	}
	_, pw, err := v.openWithCandidates(env, password)
	if err != nil {
		return v.failedAttempt(err)
	}

	v.settleSalt(d.salt)
	v.setPassword(pw)
	if err := v.clearLockState(); err != nil {
		v.logger.Warn().Err(err).Msg("failed to clear lock state")
	}
	v.checkAndWarnPermissions()
	return nil
}

// Lock discards the in-memory master password. It is idempotent.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.setPassword(nil)
}

// ChangeMasterPassword re-encrypts the vault under newPassword with a new
// salt. Nothing is written unless decryption under oldPassword succeeds.
func (v *Vault) ChangeMasterPassword(oldPassword, newPassword string) error {
	if err := validateNewPassword(newPassword); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	format, err := v.resolveFormat()
	if err != nil {
		return err
	}
	if format != FormatEncrypted {
		return ErrNotEncrypted
	}
	if err := v.checkCooldown(); err != nil {
		return err
	}

	env, _, err := v.readEnvelope()
	if err != nil {
		return err
	}
	doc, _, err := v.openWithCandidates(env, oldPassword)
	if err != nil {
		return v.failedAttempt(err)
	}

	salt, err := crypto.GenerateSalt()
	if err != nil {
		return err
	}
	pw := crypto.NormalizePassword(newPassword)
	next, err := sealEnvelope(doc, pw, salt, v.kdf)
	if err != nil {
		crypto.SecureWipe(pw)
		return err
	}
	if err := v.writeEnvelope(next, salt); err != nil {
		crypto.SecureWipe(pw)
		return err
	}

	v.setPassword(pw)
	if err := v.clearLockState(); err != nil {
		v.logger.Warn().Err(err).Msg("failed to clear lock state")
	}
	return nil
}

// openWithCandidates decrypts env trying the NFC form of password first and
// the raw bytes second, so envelopes written before normalisation still
// open. It returns the candidate that worked.
func (v *Vault) openWithCandidates(env *Envelope, password string) (*Document, []byte, error) {
	normalized := crypto.NormalizePassword(password)
	doc, err := openEnvelope(env, normalized)
	if err == nil {
		return doc, normalized, nil
	}
	if !errors.Is(err, ErrInvalidPassword) || string(normalized) == password {
		crypto.SecureWipe(normalized)
		return nil, nil, err
	}
	crypto.SecureWipe(normalized)

	raw := []byte(password)
	doc, err = openEnvelope(env, raw)
	if err != nil {
		crypto.SecureWipe(raw)
		return nil, nil, err
	}
	return doc, raw, nil
}

func (v *Vault) failedAttempt(err error) error {
	if !errors.Is(err, ErrInvalidPassword) {
		return err
	}
	cooldown, recordErr := v.recordFailedAttempt()
	if recordErr != nil {
		v.logger.Warn().Err(recordErr).Msg("failed to record unlock attempt")
	}
	if cooldown > 0 {
		return fmt.Errorf("%w: cooldown activated for %v", ErrInvalidPassword, cooldown.Round(time.Second))
	}
	return ErrInvalidPassword
}

func (v *Vault) setPassword(pw []byte) {
	if v.password != nil {
		crypto.SecureWipe(v.password)
	}
	v.password = pw
}

func validateNewPassword(password string) error {
	result := security.ValidateMasterPassword(password)
	if result.Valid {
		return nil
	}
	if len(password) > security.MaxPasswordLength {
		return ErrPasswordTooLong
	}
	return ErrPasswordTooShort
}

// checkAndWarnPermissions logs a warning for group- or world-accessible
// vault files. Advisory only.
func (v *Vault) checkAndWarnPermissions() {
	if info, err := os.Stat(v.path); err == nil {
		if perm := info.Mode().Perm(); perm&0077 != 0 {
			v.logger.Warn().Str("perm", fmt.Sprintf("%04o", perm)).Msg("vault directory has insecure permissions (expected 0700)")
		}
	}
	for _, name := range []string{EncryptedFileName, MetaFileName} {
		if info, err := os.Stat(v.file(name)); err == nil {
			if perm := info.Mode().Perm(); perm&0077 != 0 {
				v.logger.Warn().Str("file", name).Str("perm", fmt.Sprintf("%04o", perm)).Msg("vault file has insecure permissions (expected 0600)")
			}
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
