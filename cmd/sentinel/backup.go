package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/natefinch/atomic"
	"github.com/spf13/cobra"

	"github.com/forest6511/sentinel/internal/cli"
	"github.com/forest6511/sentinel/internal/config"
	"github.com/forest6511/sentinel/pkg/backup"
	"github.com/forest6511/sentinel/pkg/vault"
)

// Backup command flags
var (
	backupOutput    string
	backupStdout    bool
	backupWithAudit bool
	backupKeyFile   string
	backupForce     bool
	backupDryRun    bool
)

// backupFiles are the data directory files a backup carries. The settings
// file holds the encryption key unless it lives in the OS keychain.
var backupFiles = []string{
	vault.PlaintextFileName,
	vault.EncryptedFileName,
	vault.MetaFileName,
	config.SettingsFileName,
	config.DatabaseFileName,
	config.DatabaseFileName + "-wal",
}

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.AddCommand(backupCreateCmd, backupVerifyCmd, backupRestoreCmd, backupKeygenCmd)

	backupCmd.PersistentFlags().StringVar(&backupKeyFile, "key-file", "", "Use a 32-byte key file instead of a backup password")

	f := backupCreateCmd.Flags()
	f.StringVarP(&backupOutput, "output", "o", "", "Output file path")
	f.BoolVar(&backupStdout, "stdout", false, "Write the backup to stdout")
	f.BoolVar(&backupWithAudit, "with-audit", false, "Include the audit journal")
	f.BoolVarP(&backupForce, "force", "f", false, "Overwrite an existing output file")

	f = backupRestoreCmd.Flags()
	f.BoolVar(&backupWithAudit, "with-audit", false, "Restore the audit journal, replacing the current one")
	f.BoolVarP(&backupForce, "force", "f", false, "Replace existing vault and credential files")
	f.BoolVar(&backupDryRun, "dry-run", false, "Show what would be restored without writing")
}

// backupCmd is the parent command for data directory backups. Its
// subcommands work on files directly, so run them while no other sentinel
// process is open.
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Encrypted backups of the vault and credential store",
}

var backupCreateCmd = &cobra.Command{
	Use:         "create",
	Short:       "Create an encrypted backup",
	Annotations: map[string]string{annotationNoService: "true"},
	Long: `Create an encrypted backup of the vault, the credential database and the
settings file. The backup is sealed with a backup password or a key file.

Examples:
  sentinel backup create -o sentinel.bkp
  sentinel backup create -o full.bkp --with-audit
  sentinel backup create --stdout --key-file backup.key > sentinel.bkp`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if backupStdout == (backupOutput != "") {
			return errors.New("exactly one of --output or --stdout is required")
		}
		if !backupStdout && !backupForce {
			if _, err := os.Lstat(backupOutput); err == nil {
				return fmt.Errorf("output file already exists: %s (use --force to overwrite)", backupOutput)
			}
		}

		opts := backup.Options{
			Files:        backupFiles,
			AuditDir:     config.AuditDirName,
			IncludeAudit: backupWithAudit,
			KeyFile:      backupKeyFile,
		}
		if backupKeyFile == "" {
			password, err := cli.ConfirmPassword(readPassword, "Backup password: ")
			if err != nil {
				return err
			}
			opts.Password = []byte(password)
		}

		var buf bytes.Buffer
		header, err := backup.Backup(&buf, cfg.DataDir, opts)
		if err != nil {
			return fmt.Errorf("backup failed: %w", err)
		}
		if backupStdout {
			_, err = cmd.OutOrStdout().Write(buf.Bytes())
			return err
		}
		if err := atomic.WriteFile(backupOutput, &buf); err != nil {
			return fmt.Errorf("failed to write %s: %w", backupOutput, err)
		}
		if err := os.Chmod(backupOutput, 0o600); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Backup created: %s (%d files)\n", backupOutput, header.FileCount)
		return nil
	},
}

var backupVerifyCmd = &cobra.Command{
	Use:         "verify <file>",
	Short:       "Check a backup's integrity",
	Annotations: map[string]string{annotationNoService: "true"},
	Args:        cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, password, err := openBackup(args[0])
		if err != nil {
			return err
		}
		result := backup.Verify(bytes.NewReader(data), password, backupKeyFile)
		if !result.Valid {
			return fmt.Errorf("backup is invalid: %s", result.Error)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Backup is valid")
		fmt.Fprintf(out, "Created:  %s\n", result.CreatedAt.Local().Format("2006-01-02 15:04:05"))
		fmt.Fprintf(out, "Files:    %d\n", result.FileCount)
		fmt.Fprintf(out, "Audit:    %t\n", result.IncludesAudit)
		return nil
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:         "restore <file>",
	Short:       "Restore a backup into the data directory",
	Annotations: map[string]string{annotationNoService: "true"},
	Args:        cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, password, err := openBackup(args[0])
		if err != nil {
			return err
		}
		result, err := backup.Restore(bytes.NewReader(data), cfg.DataDir, backup.RestoreOptions{
			Files:     backupFiles,
			AuditDir:  config.AuditDirName,
			WithAudit: backupWithAudit,
			Overwrite: backupForce,
			DryRun:    backupDryRun,
			Password:  password,
			KeyFile:   backupKeyFile,
		})
		if errors.Is(err, backup.ErrConflict) {
			return fmt.Errorf("%w (use --force to replace)", err)
		}
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		verb := "Restored"
		if result.DryRun {
			verb = "Would restore"
		}
		fmt.Fprintf(out, "%s %d files into %s\n", verb, len(result.Files), cfg.DataDir)
		for _, name := range result.Files {
			fmt.Fprintf(out, "  %s\n", name)
		}
		return nil
	},
}

var backupKeygenCmd = &cobra.Command{
	Use:         "keygen <file>",
	Short:       "Generate a backup key file",
	Annotations: map[string]string{annotationNoService: "true"},
	Args:        cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := backup.GenerateKeyFile(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Key file written: %s\nStore it apart from your backups.\n", args[0])
		return nil
	},
}

// openBackup reads a backup file and, unless a key file is given, prompts
// for its password.
func openBackup(path string) ([]byte, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open backup: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read backup: %w", err)
	}
	if backupKeyFile != "" {
		return data, nil, nil
	}
	password, err := readPassword("Backup password: ")
	if err != nil {
		return nil, nil, err
	}
	return data, []byte(password), nil
}
