package crypto

import (
	"encoding/hex"
	"fmt"
)

// KeyProvider supplies the process encryption key.
type KeyProvider interface {
	Key() ([]byte, error)
}

// StaticKey is a KeyProvider over a fixed key. Mostly useful in tests.
type StaticKey []byte

// Key returns the wrapped key.
func (k StaticKey) Key() ([]byte, error) {
	return []byte(k), nil
}

// Codec encrypts and decrypts opaque payloads under the key supplied by a
// KeyProvider. The key is fetched per call; a provider that is not ready
// surfaces its own error (keymgr.ErrKeyUnavailable).
type Codec struct {
	keys KeyProvider
}

// NewCodec returns a Codec bound to the given key provider.
func NewCodec(keys KeyProvider) *Codec {
	return &Codec{keys: keys}
}

// Encrypt seals plaintext under the current key.
func (c *Codec) Encrypt(plaintext []byte) (*Payload, error) {
	key, err := c.keys.Key()
	if err != nil {
		return nil, err
	}
	return Encrypt(key, plaintext)
}

// Decrypt opens a payload under the current key.
func (c *Codec) Decrypt(p *Payload) ([]byte, error) {
	key, err := c.keys.Key()
	if err != nil {
		return nil, err
	}
	return Decrypt(key, p)
}

// EncryptString is Encrypt for string input.
func (c *Codec) EncryptString(plaintext string) (*Payload, error) {
	return c.Encrypt([]byte(plaintext))
}

// DecryptString is Decrypt returning a string.
func (c *Codec) DecryptString(p *Payload) (string, error) {
	b, err := c.Decrypt(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// EncodedPayload is the at-rest form of a Payload: every field hex-encoded.
type EncodedPayload struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	AuthTag    string `json:"authTag"`
}

// Encode hex-encodes the payload.
func (p *Payload) Encode() EncodedPayload {
	return EncodedPayload{
		Ciphertext: hex.EncodeToString(p.Ciphertext),
		IV:         hex.EncodeToString(p.IV),
		AuthTag:    hex.EncodeToString(p.AuthTag),
	}
}

// Decode parses a hex-encoded payload and validates field sizes.
func (e EncodedPayload) Decode() (*Payload, error) {
	ct, err := hex.DecodeString(e.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid ciphertext encoding: %w", err)
	}
	iv, err := hex.DecodeString(e.IV)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid iv encoding: %w", err)
	}
	tag, err := hex.DecodeString(e.AuthTag)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid auth tag encoding: %w", err)
	}

	p := &Payload{Ciphertext: ct, IV: iv, AuthTag: tag}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
