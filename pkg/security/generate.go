package security

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Character sets used by Generate.
const (
	CharsetLetters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	CharsetDigits  = "0123456789"
	CharsetSymbols = "!@#$%&*_-+=?"

	DefaultGenerateLength = 20
	MaxGenerateLength     = 256
)

// ErrEmptyCharset is returned when exclusions remove every character.
var ErrEmptyCharset = errors.New("security: character set is empty")

// GenerateOptions controls Generate. The zero value produces a 20 character
// password with letters, digits and symbols.
type GenerateOptions struct {
	Length    int
	NoSymbols bool
	Exclude   string
}

// Generate returns a random password. Every character is chosen uniformly
// from the charset using crypto/rand.
func Generate(opts GenerateOptions) (string, error) {
	length := opts.Length
	if length == 0 {
		length = DefaultGenerateLength
	}
	if length < MinPasswordLength || length > MaxGenerateLength {
		return "", fmt.Errorf("security: length must be between %d and %d", MinPasswordLength, MaxGenerateLength)
	}

	charset := CharsetLetters + CharsetDigits
	if !opts.NoSymbols {
		charset += CharsetSymbols
	}
	if opts.Exclude != "" {
		charset = strings.Map(func(r rune) rune {
			if strings.ContainsRune(opts.Exclude, r) {
				return -1
			}
			return r
		}, charset)
	}
	if charset == "" {
		return "", ErrEmptyCharset
	}

	n := big.NewInt(int64(len(charset)))
	out := make([]byte, length)
	for i := range out {
		idx, err := rand.Int(rand.Reader, n)
		if err != nil {
			return "", fmt.Errorf("security: failed to generate random number: %w", err)
		}
		out[i] = charset[idx.Int64()]
	}
	return string(out), nil
}
