// Package main provides the sentinel CLI.
package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/forest6511/sentinel/internal/cli"
	"github.com/forest6511/sentinel/internal/config"
	"github.com/forest6511/sentinel/internal/service"
	"github.com/forest6511/sentinel/pkg/keymgr"
	"github.com/forest6511/sentinel/pkg/vault"
)

// annotationNoService marks commands that only need the configuration.
const annotationNoService = "sentinel/no-service"

var (
	cfg    *config.Config
	svc    *service.Service
	logger zerolog.Logger

	// readPassword and serviceOptions are swapped in tests.
	readPassword   cli.PasswordReader = cli.TerminalPassword
	serviceOptions []service.Option
)

var rootCmd = &cobra.Command{
	Use:   "sentinel",
	Short: "sentinel is a local password vault with breach monitoring",
	Long: `A local password vault with an encrypted credential store,
breach monitoring, automated password reset flows and idle auto-lock.`,
	SilenceUsage: true,
	// PersistentPreRunE loads the configuration and, unless the command opts
	// out, builds the service for the command to use.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		logger = newLogger(cfg.LogLevel)

		if cmd.Annotations[annotationNoService] == "true" {
			return nil
		}

		opts := append([]service.Option{service.WithLogger(logger)}, serviceOptions...)
		svc, err = service.New(cmd.Context(), cfg, opts...)
		if errors.Is(err, keymgr.ErrKeyLost) {
			return fmt.Errorf("%w\nrestore SENTINEL_ENCRYPTION_KEY or %s to read existing credentials", err, cfg.SettingsPath())
		}
		return err
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return closeService()
	},
}

// closeService releases the service. Cobra skips post-run hooks when a
// command fails, so main calls it too.
func closeService() error {
	if svc == nil {
		return nil
	}
	err := svc.Close()
	svc = nil
	return err
}

func newLogger(level zerolog.Level) zerolog.Logger {
	w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// ensureUnlocked prompts for the master password when the vault is
// encrypted and locked. Plaintext vaults need no password.
func ensureUnlocked() error {
	status, err := svc.VaultStatus()
	if err != nil {
		return err
	}
	if !status.Locked {
		return nil
	}
	if status.Cooldown > 0 {
		return fmt.Errorf("too many failed attempts, try again in %s", status.Cooldown.Round(time.Second))
	}

	password, err := readPassword("Enter master password: ")
	if err != nil {
		return err
	}
	if err := svc.Unlock(password); err != nil {
		return friendlyVaultError(err)
	}
	return nil
}

// friendlyVaultError rewrites the vault errors a user can act on.
func friendlyVaultError(err error) error {
	switch {
	case errors.Is(err, vault.ErrInvalidPassword):
		return errors.New("incorrect master password")
	case errors.Is(err, vault.ErrCooldownActive):
		return errors.New("too many failed attempts, wait before retrying")
	case errors.Is(err, vault.ErrAlreadyEncrypted):
		return errors.New("vault already has a master password, use 'sentinel master change'")
	case errors.Is(err, vault.ErrNotEncrypted):
		return errors.New("vault has no master password yet, use 'sentinel master set'")
	case errors.Is(err, vault.ErrAccountNotFound):
		return errors.New("account not found")
	}
	return err
}

// lockAfter locks an encrypted vault once the command is done with it.
func lockAfter() {
	status, err := svc.VaultStatus()
	if err == nil && status.Format == vault.FormatEncrypted && !status.Locked {
		svc.Lock()
	}
}
