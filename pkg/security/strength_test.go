package security

import (
	"strings"
	"testing"
)

func TestPasswordStrength_String(t *testing.T) {
	tests := []struct {
		strength PasswordStrength
		want     string
	}{
		{PasswordWeak, "Weak"},
		{PasswordFair, "Fair"},
		{PasswordGood, "Good"},
		{PasswordStrong, "Strong"},
		{PasswordStrength(99), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.strength.String(); got != tt.want {
				t.Errorf("PasswordStrength.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCalculateStrength(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  PasswordStrength
	}{
		{"empty", "", PasswordWeak},
		{"7_chars", "1234567", PasswordWeak},
		{"8_chars", "12345678", PasswordFair},
		{"13_chars", "1234567890abc", PasswordFair},
		{"14_chars", "1234567890abcd", PasswordGood},
		{"19_chars", "1234567890abcdefghi", PasswordGood},
		{"20_chars", "1234567890abcdefghij", PasswordStrong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CalculateStrength(tt.value); got != tt.want {
				t.Errorf("CalculateStrength(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestValidateMasterPassword(t *testing.T) {
	tests := []struct {
		name         string
		password     string
		wantValid    bool
		wantStrength PasswordStrength
	}{
		{"too_short", "short", false, PasswordWeak},
		{"too_long", strings.Repeat("a", MaxPasswordLength+1), false, PasswordWeak},
		{"lowercase_only", "abcdefgh", true, PasswordWeak},
		{"two_classes", "abcdefg1", true, PasswordFair},
		{"long_two_classes", "abcdefghijk1", true, PasswordGood},
		{"strong", "Abcdefghijklmn1!", true, PasswordStrong},
		{"max_length", strings.Repeat("a", MaxPasswordLength), true, PasswordFair},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ValidateMasterPassword(tt.password)
			if result.Valid != tt.wantValid {
				t.Errorf("Valid = %v, want %v", result.Valid, tt.wantValid)
			}
			if result.Strength != tt.wantStrength {
				t.Errorf("Strength = %v, want %v", result.Strength, tt.wantStrength)
			}
		})
	}
}

func TestValidateMasterPasswordWarnings(t *testing.T) {
	result := ValidateMasterPassword("abcdefgh")
	if len(result.Warnings) != 2 {
		t.Errorf("expected complexity and length warnings, got %v", result.Warnings)
	}
	if result := ValidateMasterPassword("Abcdefghijklmn1!"); len(result.Warnings) != 0 {
		t.Errorf("expected no warnings, got %v", result.Warnings)
	}
}

func TestGenerate(t *testing.T) {
	pw, err := Generate(GenerateOptions{})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(pw) != DefaultGenerateLength {
		t.Errorf("expected length %d, got %d", DefaultGenerateLength, len(pw))
	}
	allowed := CharsetLetters + CharsetDigits + CharsetSymbols
	for _, c := range pw {
		if !strings.ContainsRune(allowed, c) {
			t.Errorf("unexpected character %q", c)
		}
	}
}

func TestGenerateOptions(t *testing.T) {
	pw, err := Generate(GenerateOptions{Length: 64, NoSymbols: true, Exclude: "0O1lI"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(pw) != 64 {
		t.Errorf("expected length 64, got %d", len(pw))
	}
	if strings.ContainsAny(pw, CharsetSymbols+"0O1lI") {
		t.Errorf("password contains excluded characters: %s", pw)
	}

	if _, err := Generate(GenerateOptions{Length: 4}); err == nil {
		t.Error("expected error for short length")
	}
	if _, err := Generate(GenerateOptions{Length: MaxGenerateLength + 1}); err == nil {
		t.Error("expected error for long length")
	}
	if _, err := Generate(GenerateOptions{NoSymbols: true, Exclude: CharsetLetters + CharsetDigits}); err != ErrEmptyCharset {
		t.Errorf("expected ErrEmptyCharset, got %v", err)
	}
}

func TestGenerateUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		pw, err := Generate(GenerateOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if seen[pw] {
			t.Fatalf("duplicate password generated: %s", pw)
		}
		seen[pw] = true
	}
}
