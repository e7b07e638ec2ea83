package main

import (
	"github.com/spf13/cobra"

	"github.com/open-cnapp/open-cnapp/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:           "open-cnapp",
	Short:         "Open-CNAPP aggregates cloud security findings across tenants.",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		execCtx := commandExecutionContext{
			CommandPath:       cmd.CommandPath(),
			UsesStructuredLog: commandUsesStructuredLogging(cmd),
		}
		setCommandExecutionContext(execCtx)

		if !execCtx.UsesStructuredLog {
			return nil
		}
		_, err := logging.BootstrapFromEnv(logging.BootstrapOptions{Command: execCtx.CommandPath})
		return err
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(serveCmd, workerCmd, syncCmd, migrateCmd, usersCmd)
}
