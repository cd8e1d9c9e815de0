package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/natefinch/atomic"
	"github.com/spf13/cobra"

	"github.com/forest6511/sentinel/pkg/vault"
)

func init() {
	rootCmd.AddCommand(vaultCmd)
	vaultCmd.AddCommand(vaultStatusCmd, vaultExportCmd, vaultImportCmd)
}

// vaultCmd is the parent command for whole-vault operations.
var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Vault file operations",
}

var vaultStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the vault format and lock state",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := svc.VaultStatus()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		format := string(status.Format)
		if status.Format == vault.FormatNone {
			format = "empty"
		}
		fmt.Fprintf(out, "Location:   %s\n", cfg.DataDir)
		fmt.Fprintf(out, "Format:     %s\n", format)
		fmt.Fprintf(out, "Key source: %s\n", svc.KeySource())
		if status.Cooldown > 0 {
			fmt.Fprintf(out, "Cooldown:   %s\n", status.Cooldown.Round(time.Second))
		}
		return nil
	},
}

var vaultExportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Export the raw vault file",
	Long: `Write the current vault file to the given path, or to stdout.

An encrypted vault is exported as its envelope and stays encrypted; no
master password is needed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			_, err := svc.ExportVault(cmd.OutOrStdout())
			return err
		}

		var buf bytes.Buffer
		format, err := svc.ExportVault(&buf)
		if err != nil {
			return friendlyVaultError(err)
		}
		if err := atomic.WriteFile(args[0], &buf); err != nil {
			return fmt.Errorf("failed to write %s: %w", args[0], err)
		}
		if err := os.Chmod(args[0], 0o600); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Exported %s vault to %s\n", format, args[0])
		return nil
	},
}

var vaultImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Replace the vault with an exported file",
	Long: `Replace the vault with a file written by 'sentinel vault export'.
Use "-" to read from stdin. An imported envelope leaves the vault locked.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var r io.Reader = cmd.InOrStdin()
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", args[0], err)
			}
			defer f.Close()
			r = f
		}

		format, err := svc.ImportVault(r)
		if err != nil {
			return friendlyVaultError(err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Imported %s vault\n", format)
		return nil
	},
}
