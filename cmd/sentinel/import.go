package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/forest6511/sentinel/internal/cli"
	"github.com/forest6511/sentinel/internal/service"
	"github.com/forest6511/sentinel/pkg/importer"
)

// External import flags
var (
	importTarget string
	importMatch  string
	importDryRun bool
)

func init() {
	rootCmd.AddCommand(importCmd)

	importCmd.Flags().StringVar(&importTarget, "to", string(service.ImportToCredentials), "Destination: credentials or vault")
	importCmd.Flags().StringVarP(&importMatch, "match", "m", "", "Only import names matching a substring or glob")
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "Show what would be imported without making changes")
}

var importCmd = &cobra.Command{
	Use:   "import-from <1password|bitwarden|lastpass> <file>",
	Short: "Import logins from another password manager",
	Long: `Import logins from a 1Password CSV, Bitwarden JSON or LastPass CSV export.

Logins go to the monitored credential repository by default. With --to vault
they are added to the vault as accounts keyed by the site hostname.

Examples:
  sentinel import-from bitwarden export.json
  sentinel import-from lastpass lastpass.csv --to vault
  sentinel import-from 1password items.csv -m "*bank*" --dry-run`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := parseImportTarget(importTarget)
		if err != nil {
			return err
		}
		source := importer.Source(strings.ToLower(args[0]))
		parser, err := importer.GetParser(source)
		if err != nil {
			return fmt.Errorf("invalid source %q: must be one of %v", args[0], importer.ValidSources())
		}

		data, err := readExportFile(args[1])
		if err != nil {
			return err
		}
		result, err := parser.Parse(data)
		if err != nil {
			return fmt.Errorf("failed to parse %s export: %w", source, err)
		}

		errOut := cmd.ErrOrStderr()
		for _, w := range result.Warnings {
			fmt.Fprintf(errOut, "Warning: %s\n", w)
		}
		for _, s := range result.Skipped {
			fmt.Fprintf(errOut, "Skipped: %s (%s)\n", s.Name, s.Reason)
		}

		logins, err := cli.Filter(importMatch, result.Logins, func(l importer.Login) string { return l.Name })
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(logins) == 0 {
			fmt.Fprintln(out, "No logins to import")
			return nil
		}

		if importDryRun {
			fmt.Fprintf(out, "Would import %d logins into %s:\n", len(logins), target)
			for _, l := range logins {
				fmt.Fprintf(out, "  %s\t%s\n", l.Name, l.Username)
			}
			return nil
		}

		if target == service.ImportToVault {
			if err := ensureUnlocked(); err != nil {
				return err
			}
			defer lockAfter()
		}

		n, err := svc.ImportLogins(cmd.Context(), source, logins, target)
		if err != nil {
			if n > 0 {
				fmt.Fprintf(out, "Imported %d of %d logins before failing\n", n, len(logins))
			}
			return friendlyVaultError(err)
		}
		fmt.Fprintf(out, "Imported %d logins into %s\n", n, target)
		return nil
	},
}

func parseImportTarget(s string) (service.ImportTarget, error) {
	switch t := service.ImportTarget(strings.ToLower(s)); t {
	case service.ImportToCredentials, service.ImportToVault:
		return t, nil
	}
	return "", fmt.Errorf("invalid --to value %q: must be credentials or vault", s)
}

// readExportFile reads an export file, refusing symlinks.
func readExportFile(path string) ([]byte, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("invalid path: %w", err)
	}
	info, err := os.Lstat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file not found: %s", path)
		}
		return nil, fmt.Errorf("failed to access file: %w", err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil, fmt.Errorf("refusing to read symlink: %s", absPath)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}
