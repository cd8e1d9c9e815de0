package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forest6511/sentinel/internal/cli"
	"github.com/forest6511/sentinel/pkg/security"
)

func init() {
	rootCmd.AddCommand(masterCmd)
	masterCmd.AddCommand(masterSetCmd, masterChangeCmd)
}

// masterCmd is the parent command for master password operations.
var masterCmd = &cobra.Command{
	Use:   "master",
	Short: "Master password operations",
}

var masterSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Encrypt the vault with a master password",
	Long: `Encrypt a plaintext vault with a master password.

The plaintext file is kept as vault.json.bak after the encrypted vault has
been written. Use 'sentinel master change' once a password is set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := cli.ConfirmPassword(readPassword, "New master password: ")
		if err != nil {
			return err
		}
		warnWeakPassword(cmd, password)

		if err := svc.SetMasterPassword(password); err != nil {
			return friendlyVaultError(err)
		}
		defer lockAfter()
		fmt.Fprintln(cmd.OutOrStdout(), "Vault encrypted")
		return nil
	},
}

var masterChangeCmd = &cobra.Command{
	Use:   "change",
	Short: "Change the master password",
	Long: `Change the master password. The vault is re-encrypted under a fresh
salt; the previous envelope is replaced atomically.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		current, err := readPassword("Current master password: ")
		if err != nil {
			return err
		}
		next, err := cli.ConfirmPassword(readPassword, "New master password: ")
		if err != nil {
			return err
		}
		if next == current {
			return fmt.Errorf("new password must be different from current password")
		}
		warnWeakPassword(cmd, next)

		if err := svc.ChangeMasterPassword(current, next); err != nil {
			return friendlyVaultError(err)
		}
		defer lockAfter()
		fmt.Fprintln(cmd.OutOrStdout(), "Master password changed")
		return nil
	},
}

func warnWeakPassword(cmd *cobra.Command, password string) {
	result := security.ValidateMasterPassword(password)
	if !result.Valid {
		return
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %s\n", w)
	}
}
