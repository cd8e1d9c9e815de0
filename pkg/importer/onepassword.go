package importer

// OnePasswordParser parses 1Password CSV exports:
// Title,Website,Username,Password,OTPAuth,Favorite,Archived,Tags,Notes
type OnePasswordParser struct{}

// 1Password CSV column names, matched exactly.
const (
	op1ColTitle    = "Title"
	op1ColWebsite  = "Website"
	op1ColUsername = "Username"
	op1ColPassword = "Password"
	op1ColOTPAuth  = "OTPAuth"
	op1ColArchived = "Archived"
	op1ColNotes    = "Notes"
)

// Source returns the source type for this parser.
func (OnePasswordParser) Source() Source {
	return Source1Password
}

// Parse parses 1Password CSV data. Archived items are skipped.
func (OnePasswordParser) Parse(data []byte) (*Result, error) {
	result := &Result{}
	counter := 1

	warnings, err := csvRows(data, func(s string) string { return s }, op1ColTitle, func(get func(string) string) string {
		title := get(op1ColTitle)
		if get(op1ColArchived) == "true" {
			result.Skipped = append(result.Skipped, SkippedItem{Name: title, Reason: "archived"})
			return ""
		}

		login := Login{
			Username: get(op1ColUsername),
			Password: get(op1ColPassword),
			URL:      get(op1ColWebsite),
			Notes:    joinNotes(get(op1ColNotes), totpNote(get(op1ColOTPAuth))),
		}
		if login.Password == "" {
			result.Skipped = append(result.Skipped, SkippedItem{Name: title, Reason: "no password"})
			return "skipped: no password"
		}
		login.Name = DisplayName(title, login.URL, &counter)
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
