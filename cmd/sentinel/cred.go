package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/natefinch/atomic"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/forest6511/sentinel/internal/cli"
	"github.com/forest6511/sentinel/internal/clock"
	"github.com/forest6511/sentinel/pkg/credential"
	"github.com/forest6511/sentinel/pkg/security"
)

// Credential command flags
var (
	credMatch     string
	credJSON      bool
	credID        string
	credName      string
	credUsername  string
	credNotes     string
	credAutoReset bool
	credPassword  bool
	credGenerate  bool
	credCopy      bool
)

func init() {
	rootCmd.AddCommand(credCmd)
	credCmd.AddCommand(credListCmd, credSaveCmd, credDeleteCmd, credExportCmd, credImportCmd, credRevealCmd)

	credListCmd.Flags().StringVarP(&credMatch, "match", "m", "", "Only list names matching a substring or glob")
	credListCmd.Flags().BoolVar(&credJSON, "json", false, "Output in JSON format (secrets stay encrypted)")

	f := credSaveCmd.Flags()
	f.StringVar(&credID, "id", "", "Update the credential with this id")
	f.StringVar(&credName, "name", "", "Display name (required for new credentials)")
	f.StringVarP(&credUsername, "username", "u", "", "Username or email checked for breaches")
	f.StringVar(&credNotes, "notes", "", "Notes, stored encrypted (empty string clears them)")
	f.BoolVar(&credAutoReset, "auto-reset", false, "Run a reset flow when the credential is found compromised")
	f.BoolVarP(&credPassword, "password", "p", false, "Prompt for a new password (implied for new credentials)")
	f.BoolVarP(&credGenerate, "generate", "g", false, "Generate a new random password")

	credRevealCmd.Flags().BoolVarP(&credCopy, "copy", "c", false, "Copy the password to the clipboard and clear it after the clipboard timeout")
}

// credCmd is the parent command for credential repository operations.
var credCmd = &cobra.Command{
	Use:     "cred",
	Aliases: []string{"credential"},
	Short:   "Manage monitored credentials",
}

var credListCmd = &cobra.Command{
	Use:   "list",
	Short: "List credentials and their breach status",
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := svc.ListCredentials(cmd.Context())
		if err != nil {
			return err
		}
		creds, err = cli.Filter(credMatch, creds, func(c credential.Credential) string { return c.Name })
		if err != nil {
			return err
		}
		if credJSON {
			return writeJSON(cmd.OutOrStdout(), creds)
		}
		return printCredentials(cmd.OutOrStdout(), creds)
	},
}

var credSaveCmd = &cobra.Command{
	Use:   "save",
	Short: "Create or update a credential",
	Long: `Create a credential, or update one when --id is given. Fields whose
flags are not given keep their stored values on update.

Examples:
  sentinel cred save --name GitHub -u octo@example.com --auto-reset
  sentinel cred save --id 3f6c... --generate
  sentinel cred save --id 3f6c... --notes ""`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var existing *credential.Credential
		if credID != "" {
			c, err := svc.GetCredential(cmd.Context(), credID)
			if err != nil && !errors.Is(err, credential.ErrCredentialNotFound) {
				return err
			}
			existing = c
		}

		in, err := credentialInput(cmd.Flags(), existing)
		if err != nil {
			return err
		}
		c, err := svc.SaveCredential(cmd.Context(), in)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Saved %s (%s)\n", c.Name, c.ID)
		return nil
	},
}

var credDeleteCmd = &cobra.Command{
	Use:     "delete <id>",
	Aliases: []string{"rm"},
	Short:   "Delete a credential",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := svc.DeleteCredential(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
		return nil
	},
}

var credExportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Export every credential as an encrypted snapshot",
	Long: `Write every credential as JSON. Passwords and notes stay encrypted
under the process key, so the snapshot is only readable with that key.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := svc.ExportCredentials(cmd.Context())
		if err != nil {
			return err
		}
		if len(args) == 0 {
			_, err := cmd.OutOrStdout().Write(append(data, '\n'))
			return err
		}
		if err := atomic.WriteFile(args[0], bytes.NewReader(data)); err != nil {
			return fmt.Errorf("failed to write %s: %w", args[0], err)
		}
		if err := os.Chmod(args[0], 0o600); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Exported credentials to %s\n", args[0])
		return nil
	},
}

var credImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a credential snapshot",
	Long: `Upsert every credential of a snapshot written by 'sentinel cred export'.
Use "-" to read from stdin. One invalid record aborts the whole import.`,
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
		data, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("failed to read snapshot: %w", err)
		}

		n, err := svc.ImportCredentials(cmd.Context(), data)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Imported %d credentials\n", n)
		return nil
	},
}

var credRevealCmd = &cobra.Command{
	Use:   "reveal <id>",
	Short: "Decrypt and show a credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rc, err := svc.RevealCredential(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Name:     %s\n", rc.Credential.Name)
		fmt.Fprintf(out, "Username: %s\n", rc.Credential.Username)
		fmt.Fprintf(out, "Status:   %s\n", rc.Credential.BreachStatus)
		if rc.Notes != "" {
			fmt.Fprintf(out, "Notes:    %s\n", rc.Notes)
		}

		if !credCopy {
			fmt.Fprintf(out, "Password: %s\n", rc.Password)
			return nil
		}
		return copyWithTimeout(cmd, rc.Password)
	},
}

// credentialInput builds the upsert input from the save flags. On update
// only the flags the user set override the stored values.
func credentialInput(flags *pflag.FlagSet, existing *credential.Credential) (credential.Input, error) {
	var in credential.Input
	if existing != nil {
		in = credential.InputFrom(existing)
	} else {
		in.ID = credID
	}

	if flags.Changed("name") {
		in.Name = credName
	}
	if in.Name == "" {
		return in, errors.New("--name is required for a new credential")
	}
	if flags.Changed("username") {
		in.Username = credUsername
	}
	if flags.Changed("auto-reset") {
		in.AutoReset = credAutoReset
	}
	if flags.Changed("notes") {
		notes := credNotes
		in.Notes = &notes
	}

	switch {
	case credGenerate:
		pw, err := security.Generate(security.GenerateOptions{})
		if err != nil {
			return in, fmt.Errorf("failed to generate password: %w", err)
		}
		in.Password = &pw
	case credPassword || existing == nil:
		pw, err := cli.ConfirmPassword(readPassword, "Password: ")
		if err != nil {
			return in, err
		}
		in.Password = &pw
	}
	return in, nil
}

// copyWithTimeout puts secret on the clipboard and clears it once the
// configured clipboard timeout passes or the command is interrupted.
func copyWithTimeout(cmd *cobra.Command, secret string) error {
	if err := cli.CopyToClipboard(secret); err != nil {
		return fmt.Errorf("failed to copy to clipboard: %w", err)
	}
	timeout := cfg.ClipboardThreshold(cfg.File.Settings())
	fmt.Fprintf(cmd.ErrOrStderr(), "Password copied to clipboard, clearing in %s\n", timeout)

	return cli.ClearAfter(cmd.Context(), clock.Real(), timeout, func() error {
		return cli.CopyToClipboard("")
	})
}

func printCredentials(w io.Writer, creds []credential.Credential) error {
	if len(creds) == 0 {
		fmt.Fprintln(w, "No credentials found")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tUSERNAME\tSTATUS\tAUTO-RESET\tLAST RESET")
	for _, c := range creds {
		lastReset := "-"
		if c.LastResetAt != nil {
			lastReset = c.LastResetAt.Local().Format("2006-01-02 15:04")
		}
		autoReset := "no"
		if c.AutoReset {
			autoReset = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", c.ID, c.Name, c.Username, c.BreachStatus, autoReset, lastReset)
	}
	return tw.Flush()
}
