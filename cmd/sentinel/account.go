package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/forest6511/sentinel/internal/cli"
	"github.com/forest6511/sentinel/pkg/security"
	"github.com/forest6511/sentinel/pkg/vault"
)

// Account command flags
var (
	accountMatch    string
	accountShow     bool
	accountJSON     bool
	accountSite     string
	accountUsername string
	accountGenerate bool
)

func init() {
	rootCmd.AddCommand(accountCmd)
	accountCmd.AddCommand(accountListCmd, accountAddCmd, accountUpdateCmd, accountRemoveCmd)

	accountListCmd.Flags().StringVarP(&accountMatch, "match", "m", "", "Only list sites matching a substring or glob")
	accountListCmd.Flags().BoolVar(&accountShow, "show", false, "Show passwords instead of masking them")
	accountListCmd.Flags().BoolVar(&accountJSON, "json", false, "Output in JSON format")

	accountAddCmd.Flags().StringVar(&accountSite, "site", "", "Site name (required)")
	accountAddCmd.Flags().StringVarP(&accountUsername, "username", "u", "", "Account username")
	accountAddCmd.Flags().BoolVarP(&accountGenerate, "generate", "g", false, "Generate a random password instead of prompting")
	_ = accountAddCmd.MarkFlagRequired("site")

	accountUpdateCmd.Flags().BoolVarP(&accountGenerate, "generate", "g", false, "Generate a random password instead of prompting")
}

// accountCmd is the parent command for vault account operations.
var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage vault accounts",
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List vault accounts",
	Long: `List the accounts stored in the vault. Passwords are masked unless
--show is given.

Examples:
  sentinel account list
  sentinel account list -m "*.example.com"
  sentinel account list --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(); err != nil {
			return err
		}
		defer lockAfter()

		accounts, err := svc.ListAccounts()
		if err != nil {
			return friendlyVaultError(err)
		}
		accounts, err = cli.Filter(accountMatch, accounts, func(a vault.Account) string { return a.Site })
		if err != nil {
			return err
		}

		if accountJSON {
			return writeJSON(cmd.OutOrStdout(), accounts)
		}
		return printAccounts(cmd.OutOrStdout(), accounts, accountShow)
	},
}

var accountAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a vault account",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(); err != nil {
			return err
		}
		defer lockAfter()

		password, err := accountPassword(cmd.OutOrStdout())
		if err != nil {
			return err
		}
		a, err := svc.AddAccount(vault.NewAccount{
			Site:     accountSite,
			Username: accountUsername,
			Password: password,
		})
		if err != nil {
			return friendlyVaultError(err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Added account %s (%s)\n", a.Site, a.ID)
		return nil
	},
}

var accountUpdateCmd = &cobra.Command{
	Use:   "update-password <id>",
	Short: "Replace the password of a vault account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(); err != nil {
			return err
		}
		defer lockAfter()

		password, err := accountPassword(cmd.OutOrStdout())
		if err != nil {
			return err
		}
		a, err := svc.UpdateAccountPassword(vault.AccountID(args[0]), password)
		if err != nil {
			return friendlyVaultError(err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Updated password for %s\n", a.Site)
		return nil
	},
}

var accountRemoveCmd = &cobra.Command{
	Use:     "remove <id>",
	Aliases: []string{"rm"},
	Short:   "Remove a vault account",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(); err != nil {
			return err
		}
		defer lockAfter()

		if err := svc.RemoveAccount(vault.AccountID(args[0])); err != nil {
			return friendlyVaultError(err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed account %s\n", args[0])
		return nil
	},
}

// accountPassword generates a password when --generate is set and prompts
// otherwise.
func accountPassword(out io.Writer) (string, error) {
	if !accountGenerate {
		return cli.ConfirmPassword(readPassword, "Account password: ")
	}
	password, err := security.Generate(security.GenerateOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to generate password: %w", err)
	}
	fmt.Fprintf(out, "Generated password: %s\n", password)
	return password, nil
}

func printAccounts(w io.Writer, accounts []vault.Account, show bool) error {
	if len(accounts) == 0 {
		fmt.Fprintln(w, "No accounts found")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSITE\tUSERNAME\tPASSWORD\tUPDATED")
	for _, a := range accounts {
		pw := cli.Mask(a.Password)
		if show {
			pw = a.Password
		}
		updated := "-"
		if !a.UpdatedAt.IsZero() {
			updated = a.UpdatedAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", a.ID, a.Site, a.Username, pw, updated)
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
