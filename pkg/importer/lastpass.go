package importer

import (
	"html"
	"strings"
)

// LastPassParser parses LastPass CSV exports:
// url,username,password,totp,extra,name,grouping,fav
type LastPassParser struct{}

// LastPass CSV column names, matched case-insensitively.
const (
	lpColURL      = "url"
	lpColUsername = "username"
	lpColPassword = "password"
	lpColTOTP     = "totp"
	lpColExtra    = "extra"
	lpColName     = "name"
)

// lastPassNoteURL marks secure notes in LastPass exports.
const lastPassNoteURL = "http://sn"

// Source returns the source type for this parser.
func (LastPassParser) Source() Source {
	return SourceLastPass
}

// Parse parses LastPass CSV data. LastPass HTML-encodes some characters, so
// every value is unescaped.
func (LastPassParser) Parse(data []byte) (*Result, error) {
	result := &Result{}
	counter := 1

	warnings, err := csvRows(data, strings.ToLower, lpColName, func(get func(string) string) string {
		value := func(col string) string { return html.UnescapeString(get(col)) }

		name := value(lpColName)
		site := value(lpColURL)
		if site == lastPassNoteURL {
			result.Skipped = append(result.Skipped, SkippedItem{Name: name, Reason: "secure note"})
			return ""
		}

		login := Login{
			Username: value(lpColUsername),
			Password: value(lpColPassword),
			URL:      site,
			Notes:    joinNotes(value(lpColExtra), totpNote(value(lpColTOTP))),
		}
		if login.Password == "" {
			result.Skipped = append(result.Skipped, SkippedItem{Name: name, Reason: "no password"})
			return "skipped: no password"
		}
		login.Name = DisplayName(name, site, &counter)
		result.Logins = append(result.Logins, login)
		return ""
	})
	if err != nil {
		return nil, err
	}
	result.Warnings = warnings

	DeduplicateNames(result.Logins)
	return result, nil
}
