package security

import "testing"

func TestAnalyzeEmpty(t *testing.T) {
	score, err := NewAnalyzer().Analyze(nil)
	if err != nil {
		t.Fatal(err)
	}
	if score.Overall != 100 {
		t.Errorf("expected 100 for empty set, got %d", score.Overall)
	}
	if len(score.Issues) != 0 || len(score.Suggestions) != 0 {
		t.Errorf("expected no issues, got %+v", score)
	}
}

func TestAnalyze(t *testing.T) {
	entries := []Entry{
		{ID: "1", Name: "a.com", Password: "short"},
		{ID: "2", Name: "b.com", Password: "a-strong-password-of-20+"},
		{ID: "3", Name: "c.com", Password: "a-strong-password-of-20+ "},
		{ID: "4", Name: "d.com", Password: ""},
	}

	score, err := NewAnalyzer().Analyze(entries)
	if err != nil {
		t.Fatal(err)
	}

	// (0 + 50 + 50) / 3
	if score.Components.StrengthScore != 33 {
		t.Errorf("expected strength 33, got %d", score.Components.StrengthScore)
	}
	// 3 passwords, 1 duplicate: 2*50/3
	if score.Components.UniquenessScore != 33 {
		t.Errorf("expected uniqueness 33, got %d", score.Components.UniquenessScore)
	}
	if score.Overall != 66 {
		t.Errorf("expected overall 66, got %d", score.Overall)
	}

	var weak, dup int
	for _, issue := range score.Issues {
		switch issue.Type {
		case IssueWeakPassword:
			weak++
			if issue.ID != "1" {
				t.Errorf("unexpected weak id %s", issue.ID)
			}
		case IssueDuplicatePassword:
			dup++
			if len(issue.IDs) != 2 {
				t.Errorf("expected 2 ids in duplicate group, got %v", issue.IDs)
			}
		}
	}
	if weak != 1 || dup != 1 {
		t.Errorf("expected 1 weak and 1 duplicate issue, got %d and %d", weak, dup)
	}
	if len(score.Suggestions) != 2 {
		t.Errorf("expected 2 suggestions, got %v", score.Suggestions)
	}
}

func TestFindDuplicatesLimit(t *testing.T) {
	entries := []Entry{
		{ID: "1", Password: "x"}, {ID: "2", Password: "x"}, {ID: "3", Password: "x"},
		{ID: "4", Password: "y"}, {ID: "5", Password: "y"},
		{ID: "6", Password: "z"},
	}
	a := &Analyzer{}
	groups, err := a.FindDuplicates(entries, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 2 || groups[0].Count != 3 || groups[1].Count != 2 {
		t.Fatalf("unexpected groups: %+v", groups)
	}

	limited, _ := a.FindDuplicates(entries, 1)
	if len(limited) != 1 || limited[0].Count != 3 {
		t.Errorf("unexpected limited groups: %+v", limited)
	}
}
