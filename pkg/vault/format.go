package vault

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/natefinch/atomic"

	"github.com/forest6511/sentinel/pkg/crypto"
)

// Format is the persistence strategy recorded in vault.meta.
type Format string

const (
	FormatNone      Format = ""
	FormatPlaintext Format = "plaintext"
	FormatEncrypted Format = "encrypted"
)

// Envelope constants.
const (
	EnvelopeVersion   = 1
	EnvelopeAlgorithm = "aes-256-gcm"
	metaVersion       = 1
)

// Meta is the content of vault.meta.
type Meta struct {
	Version    int       `json:"version"`
	Format     Format    `json:"format"`
	SaltSHA256 string    `json:"salt_sha256,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`

	// PendingSaltSHA256 is set while an envelope under a new salt replaces
	// the current one. Either hash is accepted until it is cleared.
	PendingSaltSHA256 string `json:"pending_salt_sha256,omitempty"`
}

// AccountID is an account identifier. New ids are UUID strings; ids written
// as JSON numbers by older releases are read as their decimal form.
type AccountID string

// UnmarshalJSON accepts a string or a number.
func (id *AccountID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = AccountID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("vault: account id must be a string or number: %w", err)
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return fmt.Errorf("vault: account id must be an integer: %w", err)
	}
	*id = AccountID(n.String())
	return nil
}

// Account is one vault entry.
type Account struct {
	ID        AccountID `json:"id"`
	Site      string    `json:"site"`
	Username  string    `json:"username"`
	Password  string    `json:"password"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Document is the plaintext vault document, and the plaintext sealed inside
// an envelope.
type Document struct {
	Accounts []Account `json:"accounts"`
}

func decodeDocument(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVaultCorrupted, err)
	}
	if doc.Accounts == nil {
		doc.Accounts = []Account{}
	}
	return &doc, nil
}

func encodeDocument(doc *Document) ([]byte, error) {
	if doc.Accounts == nil {
		doc.Accounts = []Account{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("vault: failed to encode document: %w", err)
	}
	return data, nil
}

// Envelope is the on-disk encrypted vault. All binary fields are base64.
type Envelope struct {
	Version   int    `json:"v"`
	Algorithm string `json:"alg"`
	KDF       string `json:"kdf"`
	Salt      string `json:"salt"`
	IV        string `json:"iv"`
	Tag       string `json:"tag"`
	Data      string `json:"data"`
}

type decodedEnvelope struct {
	salt    []byte
	payload *crypto.Payload
}

// decode checks the envelope header and decodes its binary fields.
func (e *Envelope) decode() (*decodedEnvelope, error) {
	if e.Version != EnvelopeVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, e.Version)
	}
	if e.Algorithm != EnvelopeAlgorithm {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, e.Algorithm)
	}
	if e.KDF != crypto.KDFScrypt && e.KDF != crypto.KDFArgon2id {
		return nil, fmt.Errorf("%w: unknown kdf %q", ErrVaultCorrupted, e.KDF)
	}

	fields := []struct {
		name string
		in   string
		out  *[]byte
	}{
		{"salt", e.Salt, new([]byte)},
		{"iv", e.IV, new([]byte)},
		{"tag", e.Tag, new([]byte)},
		{"data", e.Data, new([]byte)},
	}
	for _, f := range fields {
		b, err := base64.StdEncoding.DecodeString(f.in)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid %s encoding", ErrVaultCorrupted, f.name)
		}
		*f.out = b
	}

	d := &decodedEnvelope{
		salt: *fields[0].out,
		payload: &crypto.Payload{
			IV:         *fields[1].out,
			AuthTag:    *fields[2].out,
			Ciphertext: *fields[3].out,
		},
	}
	if len(d.salt) == 0 {
		return nil, fmt.Errorf("%w: empty salt", ErrVaultCorrupted)
	}
	if err := d.payload.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVaultCorrupted, err)
	}
	return d, nil
}

func parseEnvelope(data []byte) (*Envelope, *decodedEnvelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrVaultCorrupted, err)
	}
	d, err := env.decode()
	if err != nil {
		return nil, nil, err
	}
	return &env, d, nil
}

func sealEnvelope(doc *Document, password, salt []byte, kdf string) (*Envelope, error) {
	key, err := crypto.DeriveKeyWith(kdf, password, salt)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(key)

	plaintext, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to encode document: %w", err)
	}
	defer crypto.SecureWipe(plaintext)

	p, err := crypto.Encrypt(key, plaintext)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Version:   EnvelopeVersion,
		Algorithm: EnvelopeAlgorithm,
		KDF:       kdf,
		Salt:      base64.StdEncoding.EncodeToString(salt),
		IV:        base64.StdEncoding.EncodeToString(p.IV),
		Tag:       base64.StdEncoding.EncodeToString(p.AuthTag),
		Data:      base64.StdEncoding.EncodeToString(p.Ciphertext),
	}, nil
}

// openEnvelope decrypts env. A tag mismatch is reported as
// ErrInvalidPassword.
func openEnvelope(env *Envelope, password []byte) (*Document, error) {
	d, err := env.decode()
	if err != nil {
		return nil, err
	}
	key, err := crypto.DeriveKeyWith(env.KDF, password, d.salt)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(key)

	plaintext, err := crypto.Decrypt(key, d.payload)
	if errors.Is(err, crypto.ErrAuthenticationFailed) {
		return nil, ErrInvalidPassword
	}
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(plaintext)
	return decodeDocument(plaintext)
}

func saltHash(salt []byte) string {
	sum := sha256.Sum256(salt)
	return hex.EncodeToString(sum[:])
}

// resolveFormat reads the discriminator. An install without vault.meta has
// its format inferred once from the files present, and the result is
// written so later reads never infer again.
func (v *Vault) resolveFormat() (Format, error) {
	meta, err := v.readMeta()
	if err != nil {
		return FormatNone, err
	}
	if meta != nil {
		return meta.Format, nil
	}

	switch {
	case fileExists(v.file(EncryptedFileName)):
		data, err := os.ReadFile(v.file(EncryptedFileName))
		if err != nil {
			return FormatNone, fmt.Errorf("vault: failed to read envelope: %w", err)
		}
		_, d, err := parseEnvelope(data)
		if err != nil {
			return FormatNone, err
		}
		if err := v.writeMeta(FormatEncrypted, d.salt); err != nil {
			return FormatNone, err
		}
		return FormatEncrypted, nil
	case fileExists(v.file(PlaintextFileName)):
		if err := v.writeMeta(FormatPlaintext, nil); err != nil {
			return FormatNone, err
		}
		return FormatPlaintext, nil
	default:
		return FormatNone, nil
	}
}

func (v *Vault) readMeta() (*Meta, error) {
	data, err := os.ReadFile(v.file(MetaFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("vault: failed to read metadata: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", ErrVaultCorrupted, err)
	}
	if meta.Version != metaVersion {
		return nil, fmt.Errorf("%w: metadata version %d", ErrUnsupportedVersion, meta.Version)
	}
	switch meta.Format {
	case FormatPlaintext, FormatEncrypted:
	default:
		return nil, fmt.Errorf("%w: unknown format %q", ErrVaultCorrupted, meta.Format)
	}
	return &meta, nil
}

func (v *Vault) writeMeta(format Format, salt []byte) error {
	meta := Meta{
		Version:   metaVersion,
		Format:    format,
		UpdatedAt: v.clock.Now().UTC(),
	}
	if salt != nil {
		meta.SaltSHA256 = saltHash(salt)
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("vault: failed to encode metadata: %w", err)
	}
	return v.writeFile(MetaFileName, data)
}

// readPlaintext returns the plaintext document, or an empty one if the file
// does not exist yet.
func (v *Vault) readPlaintext() (*Document, error) {
	data, err := os.ReadFile(v.file(PlaintextFileName))
	if errors.Is(err, os.ErrNotExist) {
		return &Document{Accounts: []Account{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("vault: failed to read plaintext vault: %w", err)
	}
	return decodeDocument(data)
}

func (v *Vault) writePlaintext(doc *Document) error {
	data, err := encodeDocument(doc)
	if err != nil {
		return err
	}
	if err := v.writeFile(PlaintextFileName, data); err != nil {
		return err
	}
	return v.writeMeta(FormatPlaintext, nil)
}

// readEnvelope reads the envelope and checks its salt against vault.meta.
func (v *Vault) readEnvelope() (*Envelope, *decodedEnvelope, error) {
	data, err := os.ReadFile(v.file(EncryptedFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, fmt.Errorf("%w: %s missing", ErrVaultCorrupted, EncryptedFileName)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("vault: failed to read envelope: %w", err)
	}
	env, d, err := parseEnvelope(data)
	if err != nil {
		return nil, nil, err
	}

	meta, err := v.readMeta()
	if err != nil {
		return nil, nil, err
	}
	if meta != nil && meta.SaltSHA256 != "" {
		h := saltHash(d.salt)
		if h != meta.SaltSHA256 && h != meta.PendingSaltSHA256 {
			return nil, nil, ErrSaltMismatch
		}
	}
	return env, d, nil
}

// writeEnvelope replaces the envelope. A salt change is staged in vault.meta
// first, so a crash between the two renames leaves a readable vault.
func (v *Vault) writeEnvelope(env *Envelope, salt []byte) error {
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("vault: failed to encode envelope: %w", err)
	}
	if err := v.stageSalt(salt); err != nil {
		return err
	}
	if err := v.writeFile(EncryptedFileName, data); err != nil {
		return err
	}
	return v.writeMeta(FormatEncrypted, salt)
}

func (v *Vault) stageSalt(salt []byte) error {
	meta, err := v.readMeta()
	if err != nil {
		return err
	}
	h := saltHash(salt)
	if meta == nil || meta.Format != FormatEncrypted || meta.SaltSHA256 == "" || meta.SaltSHA256 == h {
		return nil
	}
	meta.PendingSaltSHA256 = h
	meta.UpdatedAt = v.clock.Now().UTC()
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("vault: failed to encode metadata: %w", err)
	}
	return v.writeFile(MetaFileName, data)
}

// settleSalt clears a staged salt left behind by an interrupted write once
// the envelope under salt has authenticated.
func (v *Vault) settleSalt(salt []byte) {
	meta, err := v.readMeta()
	if err != nil || meta == nil || meta.PendingSaltSHA256 == "" {
		return
	}
	if err := v.writeMeta(FormatEncrypted, salt); err != nil {
		v.logger.Warn().Err(err).Msg("failed to settle vault metadata")
	}
}

// writeFile atomically replaces a file in the vault directory.
func (v *Vault) writeFile(name string, data []byte) error {
	if err := os.MkdirAll(v.path, DirMode); err != nil {
		return fmt.Errorf("vault: failed to create vault directory: %w", err)
	}
	if err := v.checkDiskSpaceForWrite(len(data)); err != nil {
		return err
	}
	path := filepath.Join(v.path, name)
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("vault: failed to write %s: %w", name, err)
	}
	if err := os.Chmod(path, FileMode); err != nil {
		return fmt.Errorf("vault: failed to set permissions on %s: %w", name, err)
	}
	return nil
}
