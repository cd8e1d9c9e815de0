package crypto

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func randomKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeyLength)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return key
}

// TestDeriveKey tests the Argon2id key derivation function
func TestDeriveKey(t *testing.T) {
	password := []byte("test-password-123")
	salt, err := GenerateSalt()
	if err != nil {
		t.Fatalf("GenerateSalt() error = %v", err)
	}

	key := DeriveKey(password, salt)
	if len(key) != KeyLength {
		t.Errorf("DeriveKey() returned key of length %d, want %d", len(key), KeyLength)
	}

	if !bytes.Equal(key, DeriveKey(password, salt)) {
		t.Error("DeriveKey() with same inputs should produce identical keys")
	}

	if bytes.Equal(key, DeriveKey([]byte("different-password"), salt)) {
		t.Error("DeriveKey() with different password should produce different key")
	}
}

func TestDeriveKeyScrypt(t *testing.T) {
	password := []byte("test-password-123")
	salt, err := GenerateSalt()
	if err != nil {
		t.Fatalf("GenerateSalt() error = %v", err)
	}

	key, err := DeriveKeyScrypt(password, salt)
	if err != nil {
		t.Fatalf("DeriveKeyScrypt() error = %v", err)
	}
	if len(key) != KeyLength {
		t.Errorf("DeriveKeyScrypt() key length = %d, want %d", len(key), KeyLength)
	}

	again, err := DeriveKeyScrypt(password, salt)
	if err != nil {
		t.Fatalf("DeriveKeyScrypt() error = %v", err)
	}
	if !bytes.Equal(key, again) {
		t.Error("DeriveKeyScrypt() should be deterministic")
	}

	otherSalt, _ := GenerateSalt()
	other, err := DeriveKeyScrypt(password, otherSalt)
	if err != nil {
		t.Fatalf("DeriveKeyScrypt() error = %v", err)
	}
	if bytes.Equal(key, other) {
		t.Error("DeriveKeyScrypt() with different salt should produce different key")
	}
}

func TestDeriveKeyWith(t *testing.T) {
	salt, _ := GenerateSalt()

	tests := []struct {
		name    string
		kdf     string
		wantErr error
	}{
		{"scrypt", KDFScrypt, nil},
		{"argon2id", KDFArgon2id, nil},
		{"unknown", "pbkdf2", ErrUnknownKDF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := DeriveKeyWith(tt.kdf, []byte("pw"), salt)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("DeriveKeyWith() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && len(key) != KeyLength {
				t.Errorf("key length = %d, want %d", len(key), KeyLength)
			}
		})
	}
}

func TestNormalizePassword(t *testing.T) {
	// "é" as one code point vs "e" + combining acute accent
	composed := NormalizePassword("café")
	decomposed := NormalizePassword("café")
	if !bytes.Equal(composed, decomposed) {
		t.Errorf("NormalizePassword() should map both forms to NFC, got %q and %q", composed, decomposed)
	}
}

// TestEncrypt tests the AES-256-GCM encryption function
func TestEncrypt(t *testing.T) {
	key := randomKey(t)
	plaintext := []byte("secret data to encrypt")

	p, err := Encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if len(p.IV) != IVLength {
		t.Errorf("Encrypt() iv length = %d, want %d", len(p.IV), IVLength)
	}
	if len(p.AuthTag) != TagLength {
		t.Errorf("Encrypt() tag length = %d, want %d", len(p.AuthTag), TagLength)
	}
	if len(p.Ciphertext) != len(plaintext) {
		t.Errorf("Encrypt() ciphertext length = %d, want %d", len(p.Ciphertext), len(plaintext))
	}
	if bytes.Equal(p.Ciphertext, plaintext) {
		t.Error("Encrypt() ciphertext should not equal plaintext")
	}
}

// TestEncryptInvalidKeyLength tests that Encrypt rejects invalid key lengths
func TestEncryptInvalidKeyLength(t *testing.T) {
	tests := []struct {
		name   string
		keyLen int
	}{
		{"too short (16 bytes)", 16},
		{"too short (24 bytes)", 24},
		{"too long (48 bytes)", 48},
		{"empty key", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encrypt(make([]byte, tt.keyLen), []byte("test data"))
			if err != ErrInvalidKeyLength {
				t.Errorf("Encrypt() error = %v, want %v", err, ErrInvalidKeyLength)
			}
		})
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := randomKey(t)

	large := make([]byte, 64*1024)
	if _, err := rand.Read(large); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		plaintext []byte
	}{
		{"empty", []byte{}},
		{"short", []byte("a")},
		{"utf-8", []byte("パスワード🔑")},
		{"binary", []byte{0x00, 0xff, 0x10, 0x00}},
		{"large", large},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Encrypt(key, tt.plaintext)
			if err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			got, err := Decrypt(key, p)
			if err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if !bytes.Equal(got, tt.plaintext) {
				t.Error("Decrypt() did not return the original plaintext")
			}
		})
	}
}

func TestDecryptWrongKey(t *testing.T) {
	k1 := randomKey(t)
	k2 := randomKey(t)

	p, err := Encrypt(k1, []byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	got, err := Decrypt(k2, p)
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("Decrypt() error = %v, want %v", err, ErrAuthenticationFailed)
	}
	if got != nil {
		t.Error("Decrypt() must not return plaintext on failure")
	}
}

func TestDecryptTampered(t *testing.T) {
	key := randomKey(t)

	tests := []struct {
		name   string
		tamper func(p *Payload)
	}{
		{"ciphertext", func(p *Payload) { p.Ciphertext[0] ^= 0xff }},
		{"iv", func(p *Payload) { p.IV[0] ^= 0xff }},
		{"tag", func(p *Payload) { p.AuthTag[15] ^= 0x01 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Encrypt(key, []byte("original message"))
			if err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			tt.tamper(p)
			if _, err := Decrypt(key, p); !errors.Is(err, ErrAuthenticationFailed) {
				t.Errorf("Decrypt() error = %v, want %v", err, ErrAuthenticationFailed)
			}
		})
	}
}

func TestDecryptInvalidSizes(t *testing.T) {
	key := randomKey(t)
	p, err := Encrypt(key, []byte("x"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	shortIV := *p
	shortIV.IV = p.IV[:8]
	if _, err := Decrypt(key, &shortIV); err != ErrInvalidIVLength {
		t.Errorf("Decrypt() error = %v, want %v", err, ErrInvalidIVLength)
	}

	shortTag := *p
	shortTag.AuthTag = p.AuthTag[:12]
	if _, err := Decrypt(key, &shortTag); err != ErrInvalidTagLength {
		t.Errorf("Decrypt() error = %v, want %v", err, ErrInvalidTagLength)
	}

	if _, err := Decrypt(key, nil); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("Decrypt(nil) error = %v, want %v", err, ErrAuthenticationFailed)
	}
}

// TestEncryptProducesUniqueIV ensures a fresh IV per call
func TestEncryptProducesUniqueIV(t *testing.T) {
	key := randomKey(t)
	seen := make(map[string]bool)

	for i := 0; i < 1000; i++ {
		p, err := Encrypt(key, []byte("same plaintext"))
		if err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}
		iv := string(p.IV)
		if seen[iv] {
			t.Fatalf("Encrypt() reused an iv after %d calls", i)
		}
		seen[iv] = true
	}
}

func TestSecureWipe(t *testing.T) {
	data := []byte("sensitive-data-here")
	SecureWipe(data)
	for i, b := range data {
		if b != 0 {
			t.Errorf("SecureWipe() byte %d = %d, want 0", i, b)
		}
	}

	// Must not panic
	SecureWipe(nil)
	SecureWipe([]byte{})
}
