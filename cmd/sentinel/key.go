package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(keyCmd)
	keyCmd.AddCommand(keyShowCmd)
}

// keyCmd is the parent command for the process encryption key.
var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Encryption key operations",
}

var keyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the credential encryption key",
	Long: `Print the hex-encoded key that encrypts stored credentials, and where it
was loaded from. Keep a copy somewhere safe: without it the credential
database and its snapshots cannot be decrypted.

Set SENTINEL_ENCRYPTION_KEY to this value to restore access on a machine
that lost its settings file and secure store entry.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, source, err := svc.EncryptionKey()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: anyone with this key can read your credentials (source: %s)\n", source)
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}
