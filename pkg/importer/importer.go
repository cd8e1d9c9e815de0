// Package importer parses login exports from other password managers.
// Supports 1Password CSV, Bitwarden JSON, and LastPass CSV formats.
package importer

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"net/url"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Source represents the source password manager format.
type Source string

const (
	Source1Password Source = "1password"
	SourceBitwarden Source = "bitwarden"
	SourceLastPass  Source = "lastpass"
)

// MaxNameLength bounds imported display names.
const MaxNameLength = 128

// Login is one imported login. Notes may carry a TOTP seed line.
type Login struct {
	Name     string
	Username string
	Password string
	URL      string
	Notes    string
}

// Site returns the hostname of the login URL, or Name when there is none.
func (l Login) Site() string {
	if h := Hostname(l.URL); h != "" {
		return h
	}
	return l.Name
}

// Result contains the results of a parse.
type Result struct {
	Logins   []Login
	Warnings []string
	Skipped  []SkippedItem
}

// SkippedItem is an item that was not imported.
type SkippedItem struct {
	Name   string
	Reason string
}

// Parser is the interface for export format parsers.
type Parser interface {
	Parse(data []byte) (*Result, error)
	Source() Source
}

// GetParser returns a parser for the given source.
func GetParser(source Source) (Parser, error) {
	switch source {
	case Source1Password:
		return OnePasswordParser{}, nil
	case SourceBitwarden:
		return BitwardenParser{}, nil
	case SourceLastPass:
		return LastPassParser{}, nil
	default:
		return nil, fmt.Errorf("unsupported import source: %s", source)
	}
}

// ValidSources returns the accepted source names.
func ValidSources() []string {
	return []string{
		string(Source1Password),
		string(SourceBitwarden),
		string(SourceLastPass),
	}
}

// DisplayName cleans an item name. An empty name falls back to the URL
// hostname, then to "imported item N".
func DisplayName(name, rawURL string, counter *int) string {
	name = strings.TrimSpace(norm.NFC.String(name))
	if name == "" {
		name = Hostname(rawURL)
	}
	if name == "" {
		name = fmt.Sprintf("imported item %d", *counter)
		*counter++
	}
	if r := []rune(name); len(r) > MaxNameLength {
		name = string(r[:MaxNameLength])
	}
	return name
}

// Hostname extracts the host of a URL without scheme, port or "www.".
// Scheme-less values such as "example.com/login" are accepted.
func Hostname(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ""
	}
	if !strings.Contains(rawURL, "://") {
		rawURL = "https://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}

// DeduplicateNames appends " (2)", " (3)", ... to repeated names, ignoring
// case.
func DeduplicateNames(logins []Login) {
	seen := make(map[string]int)
	for i := range logins {
		key := strings.ToLower(logins[i].Name)
		seen[key]++
		if n := seen[key]; n > 1 {
			logins[i].Name = fmt.Sprintf("%s (%d)", logins[i].Name, n)
		}
	}
}

// joinNotes joins non-empty note parts with newlines.
func joinNotes(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n")
}

func totpNote(seed string) string {
	if seed == "" {
		return ""
	}
	return "TOTP seed: " + seed
}

// csvRows reads a CSV export with a header row. Columns are looked up by
// header name through key, which lets formats normalise case. Rows with a
// parse error or a wrong column count become warnings, as does any warning
// fn returns.
func csvRows(data []byte, key func(string) string, required string, fn func(get func(col string) string) string) ([]string, error) {
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})
	reader := csv.NewReader(bytes.NewReader(data))
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	colIndex := make(map[string]int, len(header))
	for i, col := range header {
		colIndex[key(strings.TrimSpace(col))] = i
	}
	if _, ok := colIndex[required]; !ok {
		return nil, fmt.Errorf("missing required column: %s", required)
	}

	var warnings []string
	for rowNum := 2; ; rowNum++ {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("row %d: failed to parse: %v", rowNum, err))
			continue
		}
		if len(row) != len(header) {
			warnings = append(warnings, fmt.Sprintf("row %d: column count mismatch (expected %d, got %d)",
				rowNum, len(header), len(row)))
			continue
		}
		warning := fn(func(col string) string {
			if idx, ok := colIndex[col]; ok {
				return strings.TrimSpace(row[idx])
			}
			return ""
		})
		if warning != "" {
			warnings = append(warnings, fmt.Sprintf("row %d: %s", rowNum, warning))
		}
	}
	return warnings, nil
}
