// Package cli provides the impersonate CLI commands.
package cli

import (
	"fmt"
	"os"

	"github.com/juanfont/impersonate/config"
	"github.com/juanfont/impersonate/database"
	"github.com/juanfont/impersonate/database/sqliteconfig"
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "impersonate",
	Short: "impersonate - let staff act as other users, with an audit trail",
	Long: `impersonate lets staff members act as another user for support and
debugging. Every session is recorded in the impersonation log.

It provides:
  - The HTTP service with the admin API and console ('impersonate serve')
  - The background worker that expires sessions ('impersonate worker')
  - Log and user management from the terminal ('impersonate logs', 'impersonate users')`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == versionCmd.Name() {
			return nil
		}
		if err := config.Load(cfgFile, cfgFile != "", nil); err != nil {
			return err
		}
		config.SetupLogging(config.GetLogConfig())
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default searches /etc/impersonate, $HOME/.impersonate and .)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(usersCmd)
	rootCmd.AddCommand(versionCmd)
}

func openDatabase(cfg *config.Config) (*database.Database, error) {
	db, err := database.NewWithConfig(sqliteconfig.FromSettings(
		cfg.Database.Path, cfg.Database.WriteAheadLog, cfg.Database.WALAutocheckpoint))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}
