// Package crypto provides cryptographic primitives for sentinel.
//
// This package implements AES-256-GCM authenticated encryption with a
// detached authentication tag, plus the two password-based key derivation
// functions understood by the vault envelope (scrypt and Argon2id).
//
// # Security Features
//
//   - AES-256-GCM with a fresh 12-byte random IV per call and a 16-byte tag
//   - scrypt (N=16384, r=8, p=1) for envelopes written by earlier releases
//   - Argon2id (64MB memory, 3 iterations, 4 threads) for new envelopes
//   - Unicode NFC normalisation of passwords before derivation
//   - Secure memory wiping for sensitive data
//
// # Example Usage
//
//	key := make([]byte, crypto.KeyLength)
//	rand.Read(key)
//
//	payload, err := crypto.Encrypt(key, []byte("hunter2"))
//	plaintext, err := crypto.Decrypt(key, payload)
//
//	crypto.SecureWipe(key)
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

// Argon2id parameters following OWASP recommendations.
const (
	// Argon2Memory is the memory cost in KiB (64MB).
	Argon2Memory = 64 * 1024

	// Argon2Time is the number of iterations.
	Argon2Time = 3

	// Argon2Threads is the degree of parallelism.
	Argon2Threads = 4
)

// scrypt parameters. These match the defaults of the envelope format so
// existing vault files keep decrypting.
const (
	ScryptN = 16384
	ScryptR = 8
	ScryptP = 1
)

const (
	// KeyLength is the length of encryption keys in bytes (256 bits).
	KeyLength = 32

	// IVLength is the length of GCM nonces in bytes (96 bits).
	IVLength = 12

	// TagLength is the length of the GCM authentication tag in bytes.
	TagLength = 16

	// SaltLength is the length of KDF salts in bytes.
	SaltLength = 16
)

// Sentinel errors returned by crypto functions.
var (
	// ErrInvalidKeyLength indicates the key is not 32 bytes.
	ErrInvalidKeyLength = errors.New("crypto: invalid key length, must be 32 bytes")

	// ErrInvalidIVLength indicates the IV is not 12 bytes.
	ErrInvalidIVLength = errors.New("crypto: invalid iv length, must be 12 bytes")

	// ErrInvalidTagLength indicates the authentication tag is not 16 bytes.
	ErrInvalidTagLength = errors.New("crypto: invalid auth tag length, must be 16 bytes")

	// ErrAuthenticationFailed indicates tag verification failed: wrong key,
	// wrong password or tampered ciphertext.
	ErrAuthenticationFailed = errors.New("crypto: authentication failed")

	// ErrUnknownKDF indicates an unsupported key derivation function name.
	ErrUnknownKDF = errors.New("crypto: unknown key derivation function")
)

// KDF names as written in the vault envelope.
const (
	KDFScrypt   = "scrypt"
	KDFArgon2id = "argon2id"
)

// Payload is the output of one authenticated encryption call.
type Payload struct {
	Ciphertext []byte
	IV         []byte
	AuthTag    []byte
}

// Validate checks the fixed-size fields of the payload.
func (p *Payload) Validate() error {
	if len(p.IV) != IVLength {
		return ErrInvalidIVLength
	}
	if len(p.AuthTag) != TagLength {
		return ErrInvalidTagLength
	}
	return nil
}

// NormalizePassword returns the NFC form of a password so that visually
// identical input from different keyboards derives the same key.
func NormalizePassword(password string) []byte {
	return []byte(norm.NFC.String(password))
}

// DeriveKey derives a 256-bit key from a password using Argon2id.
func DeriveKey(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, Argon2Time, Argon2Memory, Argon2Threads, KeyLength)
}

// DeriveKeyScrypt derives a 256-bit key from a password using scrypt.
func DeriveKeyScrypt(password, salt []byte) ([]byte, error) {
	key, err := scrypt.Key(password, salt, ScryptN, ScryptR, ScryptP, KeyLength)
	if err != nil {
		return nil, fmt.Errorf("crypto: scrypt failed: %w", err)
	}
	return key, nil
}

// DeriveKeyWith derives a key using the named KDF.
func DeriveKeyWith(kdf string, password, salt []byte) ([]byte, error) {
	switch kdf {
	case KDFScrypt:
		return DeriveKeyScrypt(password, salt)
	case KDFArgon2id:
		return DeriveKey(password, salt), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKDF, kdf)
	}
}

// GenerateSalt returns SaltLength bytes from crypto/rand.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: failed to generate salt: %w", err)
	}
	return salt, nil
}

// GenerateKey returns a fresh random 256-bit key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("crypto: failed to generate key: %w", err)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCMWithTagSize(block, TagLength)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Encrypt encrypts plaintext using AES-256-GCM.
//
// A fresh 12-byte IV is drawn from crypto/rand on every call, so the same
// key never sees the same IV twice in practice. The authentication tag is
// returned separately from the ciphertext.
func Encrypt(key, plaintext []byte) (*Payload, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, IVLength)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("crypto: failed to generate iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	split := len(sealed) - TagLength

	return &Payload{
		Ciphertext: sealed[:split:split],
		IV:         iv,
		AuthTag:    sealed[split:],
	}, nil
}

// Decrypt verifies the tag and returns the plaintext.
//
// Any verification failure is reported as ErrAuthenticationFailed so callers
// can distinguish a wrong key or password from I/O problems.
func Decrypt(key []byte, p *Payload) ([]byte, error) {
	if p == nil {
		return nil, ErrAuthenticationFailed
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(p.Ciphertext)+TagLength)
	sealed = append(sealed, p.Ciphertext...)
	sealed = append(sealed, p.AuthTag...)

	plaintext, err := gcm.Open(nil, p.IV, sealed, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

// SecureWipe overwrites a byte slice with zeros in a way that prevents
// compiler optimization from removing the operation.
func SecureWipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	// runtime.KeepAlive keeps b "in use" after the loop so the writes stay.
	runtime.KeepAlive(b)
}
