package backup

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/hkdf"

	"github.com/forest6511/sentinel/pkg/crypto"
)

const (
	// SaltLength is the length of the backup salt in bytes.
	SaltLength = 32

	// HMACLength is the length of the HMAC-SHA256 in bytes.
	HMACLength = 32

	// KeyLength is the length of backup keys in bytes.
	KeyLength = crypto.KeyLength
)

// HKDF info strings separating the encryption and MAC keys.
const (
	hkdfInfoEncryption = "sentinel-backup-encryption"
	hkdfInfoMAC        = "sentinel-backup-mac"
)

// GenerateSalt returns a fresh random backup salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// DeriveBackupKeys stretches a password with Argon2id and splits the result
// into an encryption key and a MAC key.
func DeriveBackupKeys(password, salt []byte) (encKey, macKey []byte, err error) {
	if len(password) == 0 {
		return nil, nil, ErrEmptyPassword
	}
	master := crypto.DeriveKey(password, salt)
	defer crypto.SecureWipe(master)
	return splitKey(master)
}

// splitKey derives the encryption and MAC keys from one secret.
func splitKey(secret []byte) (encKey, macKey []byte, err error) {
	encKey, err = deriveHKDF(secret, []byte(hkdfInfoEncryption))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}
	macKey, err = deriveHKDF(secret, []byte(hkdfInfoMAC))
	if err != nil {
		crypto.SecureWipe(encKey)
		return nil, nil, fmt.Errorf("failed to derive MAC key: %w", err)
	}
	return encKey, macKey, nil
}

func deriveHKDF(secret, info []byte) ([]byte, error) {
	key := make([]byte, KeyLength)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, info), key); err != nil {
		return nil, err
	}
	return key, nil
}

// encryptPayload seals plaintext as iv || ciphertext || tag.
func encryptPayload(plaintext, key []byte) ([]byte, error) {
	p, err := crypto.Encrypt(key, plaintext)
	if err != nil {
		return nil, fmt.Errorf("encryption failed: %w", err)
	}
	out := make([]byte, 0, len(p.IV)+len(p.Ciphertext)+len(p.AuthTag))
	out = append(out, p.IV...)
	out = append(out, p.Ciphertext...)
	return append(out, p.AuthTag...), nil
}

func decryptPayload(data, key []byte) ([]byte, error) {
	if len(data) < crypto.IVLength+crypto.TagLength {
		return nil, ErrDecryptionFailed
	}
	split := len(data) - crypto.TagLength
	plaintext, err := crypto.Decrypt(key, &crypto.Payload{
		IV:         data[:crypto.IVLength],
		Ciphertext: data[crypto.IVLength:split],
		AuthTag:    data[split:],
	})
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func computeHMAC(data, key []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// ReadKeyFile reads a 32-byte key file. A trailing newline is tolerated.
func ReadKeyFile(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	if len(key) == KeyLength+1 && key[KeyLength] == '\n' {
		key = key[:KeyLength]
	}
	if len(key) != KeyLength || bytes.Count(key, []byte{0}) == KeyLength {
		crypto.SecureWipe(key)
		return nil, ErrInvalidKeyFile
	}
	return key, nil
}

// GenerateKeyFile writes a new random key file readable only by the owner.
// An existing file is never overwritten.
func GenerateKeyFile(path string) error {
	key, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(key)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create key file: %w", err)
	}
	if _, err := f.Write(key); err != nil {
		f.Close()
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return f.Close()
}
