package crypto

import (
	"encoding/json"
	"errors"
	"testing"
)

type failingKeys struct{ err error }

func (f failingKeys) Key() ([]byte, error) { return nil, f.err }

func TestCodecRoundTrip(t *testing.T) {
	c := NewCodec(StaticKey(randomKey(t)))

	p, err := c.EncryptString("correct horse battery staple")
	if err != nil {
		t.Fatalf("EncryptString() error = %v", err)
	}
	got, err := c.DecryptString(p)
	if err != nil {
		t.Fatalf("DecryptString() error = %v", err)
	}
	if got != "correct horse battery staple" {
		t.Errorf("DecryptString() = %q", got)
	}
}

func TestCodecDifferentKeys(t *testing.T) {
	c1 := NewCodec(StaticKey(randomKey(t)))
	c2 := NewCodec(StaticKey(randomKey(t)))

	p, err := c1.EncryptString("secret")
	if err != nil {
		t.Fatalf("EncryptString() error = %v", err)
	}
	if _, err := c2.Decrypt(p); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("Decrypt() error = %v, want %v", err, ErrAuthenticationFailed)
	}
}

func TestCodecKeyProviderError(t *testing.T) {
	notReady := errors.New("not ready")
	c := NewCodec(failingKeys{err: notReady})

	if _, err := c.EncryptString("x"); !errors.Is(err, notReady) {
		t.Errorf("EncryptString() error = %v, want %v", err, notReady)
	}
	if _, err := c.Decrypt(&Payload{}); !errors.Is(err, notReady) {
		t.Errorf("Decrypt() error = %v, want %v", err, notReady)
	}
}

func TestEncodedPayload(t *testing.T) {
	key := randomKey(t)
	p, err := Encrypt(key, []byte("hello"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	data, err := json.Marshal(p.Encode())
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	for _, field := range []string{"ciphertext", "iv", "authTag"} {
		if raw[field] == "" {
			t.Errorf("encoded payload missing %q", field)
		}
	}
	if len(raw["iv"]) != IVLength*2 {
		t.Errorf("iv hex length = %d, want %d", len(raw["iv"]), IVLength*2)
	}

	var enc EncodedPayload
	if err := json.Unmarshal(data, &enc); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	decoded, err := enc.Decode()
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	got, err := Decrypt(key, decoded)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("Decrypt() = %q, want %q", got, "hello")
	}
}

func TestEncodedPayloadDecodeErrors(t *testing.T) {
	tests := []struct {
		name    string
		enc     EncodedPayload
		wantErr error
	}{
		{"bad hex", EncodedPayload{Ciphertext: "zz", IV: "00", AuthTag: "00"}, nil},
		{"short iv", EncodedPayload{Ciphertext: "", IV: "0011", AuthTag: "00112233445566778899aabbccddeeff"}, ErrInvalidIVLength},
		{"short tag", EncodedPayload{Ciphertext: "", IV: "00112233445566778899aabb", AuthTag: "0011"}, ErrInvalidTagLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.enc.Decode()
			if err == nil {
				t.Fatal("Decode() expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Decode() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
