package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forest6511/sentinel/pkg/security"
)

const (
	defaultPasswordCount = 1
	maxPasswordCount     = 100
	maxExcludeLength     = 256
)

// Generate command flags
var (
	generateLength    int
	generateCount     int
	generateNoSymbols bool
	generateExclude   string
	generateCopy      bool
)

func init() {
	rootCmd.AddCommand(generateCmd)

	generateCmd.Flags().IntVarP(&generateLength, "length", "l", security.DefaultGenerateLength,
		fmt.Sprintf("Password length (%d-%d)", security.MinPasswordLength, security.MaxGenerateLength))
	generateCmd.Flags().IntVarP(&generateCount, "count", "n", defaultPasswordCount, "Number of passwords to generate (1-100)")
	generateCmd.Flags().BoolVar(&generateNoSymbols, "no-symbols", false, "Exclude symbols")
	generateCmd.Flags().StringVar(&generateExclude, "exclude", "", "Characters to exclude")
	generateCmd.Flags().BoolVarP(&generateCopy, "copy", "c", false, "Copy the first password to the clipboard and clear it after the clipboard timeout")
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate secure random passwords",
	Long: `Generate cryptographically secure random passwords.

Examples:
  # Generate a 20-character password (default)
  sentinel generate

  # Generate a 32-character password without symbols
  sentinel generate -l 32 --no-symbols

  # Generate 5 passwords
  sentinel generate -n 5

  # Generate and copy to clipboard
  sentinel generate -c

  # Generate password excluding ambiguous characters
  sentinel generate --exclude "0O1lI"`,
	Annotations: map[string]string{annotationNoService: "true"},
	RunE:        executeGenerate,
}

func executeGenerate(cmd *cobra.Command, args []string) error {
	if err := validateGenerateFlags(); err != nil {
		return err
	}

	opts := security.GenerateOptions{
		Length:    generateLength,
		NoSymbols: generateNoSymbols,
		Exclude:   generateExclude,
	}
	passwords := make([]string, generateCount)
	for i := range passwords {
		password, err := security.Generate(opts)
		if err != nil {
			return fmt.Errorf("failed to generate password: %w", err)
		}
		passwords[i] = password
	}

	if generateCopy {
		for _, password := range passwords[1:] {
			fmt.Fprintln(cmd.OutOrStdout(), password)
		}
		return copyWithTimeout(cmd, passwords[0])
	}
	for _, password := range passwords {
		fmt.Fprintln(cmd.OutOrStdout(), password)
	}
	return nil
}

// validateGenerateFlags validates the generate command flags
func validateGenerateFlags() error {
	if generateLength < security.MinPasswordLength {
		return fmt.Errorf("password length must be at least %d characters", security.MinPasswordLength)
	}
	if generateLength > security.MaxGenerateLength {
		return fmt.Errorf("password length must be at most %d characters", security.MaxGenerateLength)
	}
	if generateCount < 1 {
		return fmt.Errorf("count must be at least 1")
	}
	if generateCount > maxPasswordCount {
		return fmt.Errorf("count must be at most %d", maxPasswordCount)
	}
	if len(generateExclude) > maxExcludeLength {
		return fmt.Errorf("exclude string must be at most %d characters", maxExcludeLength)
	}
	return nil
}
