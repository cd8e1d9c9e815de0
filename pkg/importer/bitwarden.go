package importer

import (
	"encoding/json"
	"fmt"
	"strings"
)

// BitwardenParser parses Bitwarden JSON exports. Only login items carry
// credentials; notes, cards and identities are skipped.
type BitwardenParser struct{}

// Bitwarden item types.
const (
	bitwardenTypeLogin      = 1
	bitwardenTypeSecureNote = 2
	bitwardenTypeCard       = 3
	bitwardenTypeIdentity   = 4
)

// bitwardenFieldHidden is the custom field type for concealed values.
const bitwardenFieldHidden = 1

type bitwardenExport struct {
	Encrypted bool            `json:"encrypted"`
	Items     []bitwardenItem `json:"items"`
}

type bitwardenItem struct {
	Type   int                    `json:"type"`
	Name   string                 `json:"name"`
	Notes  string                 `json:"notes"`
	Login  *bitwardenLogin        `json:"login"`
	Fields []bitwardenCustomField `json:"fields"`
}

type bitwardenLogin struct {
	URIs     []bitwardenURI `json:"uris"`
	Username string         `json:"username"`
	Password string         `json:"password"`
	TOTP     string         `json:"totp"`
}

type bitwardenURI struct {
	URI string `json:"uri"`
}

type bitwardenCustomField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Type  int    `json:"type"`
}

// Source returns the source type for this parser.
func (BitwardenParser) Source() Source {
	return SourceBitwarden
}

// Parse parses Bitwarden JSON data. Password-protected exports are
// rejected; they must be exported unencrypted.
func (BitwardenParser) Parse(data []byte) (*Result, error) {
	var export bitwardenExport
	if err := json.Unmarshal(data, &export); err != nil {
		return nil, fmt.Errorf("failed to parse Bitwarden JSON: %w", err)
	}
	if export.Encrypted {
		return nil, fmt.Errorf("encrypted Bitwarden exports are not supported, export as unencrypted JSON")
	}

	result := &Result{}
	counter := 1
	for i := range export.Items {
		item := &export.Items[i]
		if item.Type != bitwardenTypeLogin {
			reason := bitwardenSkipReason(item.Type)
			result.Skipped = append(result.Skipped, SkippedItem{Name: item.Name, Reason: reason})
			continue
		}
		if item.Login == nil || item.Login.Password == "" {
			result.Skipped = append(result.Skipped, SkippedItem{Name: item.Name, Reason: "no password"})
			result.Warnings = append(result.Warnings, fmt.Sprintf("item %d (%s): skipped: no password", i+1, item.Name))
			continue
		}

		login := Login{
			Username: item.Login.Username,
			Password: item.Login.Password,
			Notes:    joinNotes(item.Notes, totpNote(item.Login.TOTP), customFieldNotes(item.Fields)),
		}
		var extraURIs []string
		for _, u := range item.Login.URIs {
			switch {
			case u.URI == "":
			case login.URL == "":
				login.URL = u.URI
			default:
				extraURIs = append(extraURIs, u.URI)
			}
		}
		if len(extraURIs) > 0 {
			login.Notes = joinNotes(login.Notes, "Other URLs: "+strings.Join(extraURIs, ", "))
		}
		login.Name = DisplayName(item.Name, login.URL, &counter)
		result.Logins = append(result.Logins, login)
	}

	DeduplicateNames(result.Logins)
	return result, nil
}

func bitwardenSkipReason(itemType int) string {
	switch itemType {
	case bitwardenTypeSecureNote:
		return "secure note"
	case bitwardenTypeCard:
		return "card"
	case bitwardenTypeIdentity:
		return "identity"
	}
	return fmt.Sprintf("unsupported item type: %d", itemType)
}

// customFieldNotes renders custom fields as "name: value" lines. Hidden
// fields are included; notes are stored encrypted.
func customFieldNotes(fields []bitwardenCustomField) string {
	lines := make([]string, 0, len(fields))
	for _, f := range fields {
		if f.Value == "" {
			continue
		}
		name := f.Name
		if name == "" {
			name = "field"
		}
		if f.Type == bitwardenFieldHidden {
			name += " (hidden)"
		}
		lines = append(lines, name+": "+f.Value)
	}
	return strings.Join(lines, "\n")
}
