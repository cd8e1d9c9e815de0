package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/forest6511/sentinel/pkg/security"
)

// Security command flags
var (
	securityVerbose bool
	securityJSON    bool
)

func init() {
	rootCmd.AddCommand(securityCmd)

	securityCmd.Flags().BoolVarP(&securityVerbose, "verbose", "v", false, "Show all issues and suggestions")
	securityCmd.Flags().BoolVar(&securityJSON, "json", false, "Output in JSON format")
}

// securityCmd scores the stored passwords.
var securityCmd = &cobra.Command{
	Use:   "security",
	Short: "Analyze password strength and reuse",
	Long: `Score the stored passwords for strength and reuse.

The score is calculated from:
  - Password Strength (0-50): average strength of every password
  - Uniqueness (0-50): share of passwords not reused elsewhere

Vault accounts are included when the vault can be read.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(); err != nil {
			return err
		}
		defer lockAfter()

		score, err := svc.SecurityReport(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to calculate security score: %w", err)
		}
		if securityJSON {
			return writeJSON(cmd.OutOrStdout(), score)
		}
		printSecurityScore(cmd.OutOrStdout(), score, securityVerbose)
		return nil
	},
}

const maxIssuesShown = 5

func printSecurityScore(w io.Writer, score *security.SecurityScore, verbose bool) {
	fmt.Fprintf(w, "Security Score: %d/100\n", score.Overall)
	fmt.Fprintln(w, strings.Repeat("=", 30))
	fmt.Fprintf(w, "  Password Strength: %d/50\n", score.Components.StrengthScore)
	fmt.Fprintf(w, "  Uniqueness:        %d/50\n", score.Components.UniquenessScore)

	if len(score.Issues) == 0 {
		fmt.Fprintln(w, "\nNo issues found")
		return
	}

	issues := score.Issues
	if !verbose && len(issues) > maxIssuesShown {
		issues = issues[:maxIssuesShown]
	}
	fmt.Fprintln(w, "\nIssues:")
	for _, issue := range issues {
		fmt.Fprintf(w, "  [%s] %s\n", strings.ToUpper(string(issue.Severity)), issue.Description)
		if verbose && issue.Suggestion != "" {
			fmt.Fprintf(w, "      %s\n", issue.Suggestion)
		}
	}
	if hidden := len(score.Issues) - len(issues); hidden > 0 {
		fmt.Fprintf(w, "  ... and %d more (use --verbose)\n", hidden)
	}

	if verbose && len(score.Suggestions) > 0 {
		fmt.Fprintln(w, "\nSuggestions:")
		for _, s := range score.Suggestions {
			fmt.Fprintf(w, "  - %s\n", s)
		}
	}
}
