package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/forest6511/sentinel/internal/automation"
)

var automationNoScan bool

func init() {
	rootCmd.AddCommand(automationCmd)
	automationCmd.AddCommand(automationLogsCmd, automationTriggerCmd, automationServeCmd)

	automationLogsCmd.Flags().BoolVar(&automationNoScan, "no-scan", false, "Print the log without running a scan first")
}

// automationCmd is the parent command for breach monitoring.
var automationCmd = &cobra.Command{
	Use:   "automation",
	Short: "Breach monitoring and password reset flows",
}

var automationLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Run a breach scan and print the automation log",
	Long: `Check every credential against the breach service once and print the
automation log. Without HIBP_API_KEY the scan keeps each stored status.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !automationNoScan {
			if err := svc.ScanNow(cmd.Context()); err != nil {
				return err
			}
		}
		printLogs(cmd.OutOrStdout(), svc.AutomationLogs())
		return nil
	},
}

var automationTriggerCmd = &cobra.Command{
	Use:   "trigger <credential-id>",
	Short: "Run a password reset flow now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		err := svc.TriggerReset(cmd.Context(), args[0])
		printLogs(cmd.OutOrStdout(), svc.AutomationLogs())
		return err
	},
}

var automationServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run scheduled scans and idle auto-lock until interrupted",
	Long: `Run the automation engine on its schedule (SENTINEL_SCAN_INTERVAL) and
the idle lock manager until SIGINT or SIGTERM. Settings file edits apply
without a restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := svc.Start(ctx); err != nil {
			return err
		}
		logger.Info().
			Dur("interval", cfg.ScanInterval).
			Dur("idle", svc.Idle().Threshold()).
			Msg("serving, press Ctrl+C to stop")

		<-ctx.Done()
		logger.Info().Msg("shutting down")
		return nil
	},
}

func printLogs(w io.Writer, entries []automation.LogEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No automation log entries")
		return
	}
	for _, e := range entries {
		fmt.Fprintf(w, "%s  %-5s  %-36s  %s\n",
			e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Level, e.CredentialID, e.Message)
	}
}
