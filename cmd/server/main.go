/*
main.go - Application entry point

PURPOSE:
  Builds the expense-engine CLI: the long-running server with scheduler,
  a one-shot generation pass, and a configuration dump.

COMMANDS:
  serve      Open the store, start the scheduler and serve HTTP
  generate   Run one generation pass and print the result as JSON
  config     Print the effective configuration as YAML

STARTUP SEQUENCE (serve):
  1. Load configuration (file, .env, EXPENSES_* variables)
  2. Open the SQL store (SQLite or PostgreSQL) and migrate
  3. Build converter, orchestrator and scheduler
  4. Configure HTTP router
  5. Start scheduler and server, wait for a signal

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Remove scheduler triggers (a running pass finishes)
  2. Stop accepting new connections
  3. Wait for active requests (server.shutdown_timeout)
  4. Close database connection

EXAMPLES:
  expense-engine serve --config expenses.yaml
  EXPENSES_DATABASE_DSN=":memory:" expense-engine generate --kind scheduled
  expense-engine config

SEE ALSO:
  - config/config.go: Configuration keys
  - api/server.go: Router configuration
  - scheduler/scheduler.go: Cron triggers
*/
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newRootCmd assembles the command tree.
func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "expense-engine",
		Short:         "Generates ledger entries from recurring, installment and one-time obligations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML configuration file")

	root.AddCommand(
		newServeCmd(&configPath),
		newGenerateCmd(&configPath),
		newConfigCmd(&configPath),
	)
	return root
}
