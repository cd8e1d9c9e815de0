package security

import "strconv"

// Entry is one password to analyze. Name is only used in issue text.
type Entry struct {
	ID       string
	Name     string
	Password string
}

// SecurityScore represents the overall assessment of a set of passwords.
type SecurityScore struct {
	// Overall is the total score (0-100).
	Overall int `json:"overall"`
	// Components breaks down the score into categories.
	Components ScoreComponents `json:"components"`
	// Issues contains the detected security issues.
	Issues []SecurityIssue `json:"issues"`
	// Suggestions provides actionable recommendations.
	Suggestions []string `json:"suggestions"`
}

// ScoreComponents breaks down the security score into categories.
// Each component contributes up to 50 points.
type ScoreComponents struct {
	StrengthScore   int `json:"strength"`
	UniquenessScore int `json:"uniqueness"`
}

// IssueType identifies the type of security issue.
type IssueType string

const (
	// IssueWeakPassword indicates a password with insufficient strength.
	IssueWeakPassword IssueType = "weak"
	// IssueDuplicatePassword indicates passwords reused across entries.
	IssueDuplicatePassword IssueType = "duplicate"
)

// Severity indicates the urgency of a security issue.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// SecurityIssue represents a detected security problem.
type SecurityIssue struct {
	Type        IssueType `json:"type"`
	Severity    Severity  `json:"severity"`
	ID          string    `json:"id,omitempty"`
	IDs         []string  `json:"ids,omitempty"`
	Description string    `json:"description"`
	Suggestion  string    `json:"suggestion,omitempty"`
}

// Analyzer scores password sets. The zero value is ready to use.
type Analyzer struct {
	hmacKey []byte // Session-local key for duplicate detection
}

// NewAnalyzer returns an Analyzer with a fresh duplicate-detection key.
func NewAnalyzer() *Analyzer {
	return &Analyzer{}
}

// Analyze scores entries by average strength and uniqueness.
// An empty set scores 100.
func (a *Analyzer) Analyze(entries []Entry) (*SecurityScore, error) {
	score := &SecurityScore{
		Issues:      []SecurityIssue{},
		Suggestions: []string{},
	}

	strength, weak := a.strengthScore(entries)
	uniqueness, dups, err := a.uniquenessScore(entries)
	if err != nil {
		return nil, err
	}

	score.Components = ScoreComponents{StrengthScore: strength, UniquenessScore: uniqueness}
	score.Overall = strength + uniqueness
	score.Issues = append(score.Issues, weak...)
	score.Issues = append(score.Issues, dups...)

	if len(weak) > 0 {
		score.Suggestions = append(score.Suggestions, "Update weak passwords with stronger alternatives (14+ characters)")
	}
	if len(dups) > 0 {
		score.Suggestions = append(score.Suggestions, "Replace duplicate passwords with unique values")
	}
	return score, nil
}

func (a *Analyzer) strengthScore(entries []Entry) (int, []SecurityIssue) {
	var issues []SecurityIssue
	total, count := 0, 0

	for _, e := range entries {
		if e.Password == "" {
			continue
		}
		count++
		strength := CalculateStrength(e.Password)
		total += strength.Points()

		if strength == PasswordWeak {
			issues = append(issues, SecurityIssue{
				Type:        IssueWeakPassword,
				Severity:    SeverityWarning,
				ID:          e.ID,
				Description: e.Name + ": password has insufficient strength (" + formatLength(len(e.Password)) + ")",
				Suggestion:  "Use a longer password (14+ characters recommended)",
			})
		}
	}

	if count == 0 {
		return 50, issues
	}
	return total / count, issues
}

func (a *Analyzer) uniquenessScore(entries []Entry) (int, []SecurityIssue, error) {
	groups, err := a.FindDuplicates(entries, 0)
	if err != nil {
		return 0, nil, err
	}

	total, duplicated := 0, 0
	for _, e := range entries {
		if normalizeValue(e.Password) != "" {
			total++
		}
	}
	var issues []SecurityIssue
	for _, g := range groups {
		duplicated += g.Count - 1
		issues = append(issues, SecurityIssue{
			Type:        IssueDuplicatePassword,
			Severity:    SeverityWarning,
			IDs:         g.IDs,
			Description: strconv.Itoa(g.Count) + " entries share the same password",
			Suggestion:  "Use unique passwords for each account",
		})
	}

	if total == 0 {
		return 50, issues, nil
	}
	unique := total - duplicated
	return unique * 50 / total, issues, nil
}

// formatLength returns a human-readable length description.
func formatLength(n int) string {
	if n == 1 {
		return "1 character"
	}
	return strconv.Itoa(n) + " characters"
}
