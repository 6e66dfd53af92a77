package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	dbPath string
}

// NewRoot builds the labctl command tree.
func NewRoot() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "labctl",
		Short:         "Scenario Lab operator tools",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// A missing .env is normal; the environment may already be set.
			_ = godotenv.Load()
			if !cmd.Flags().Changed("db") {
				if v := os.Getenv("DB_PATH"); v != "" {
					opts.dbPath = v
				}
			}
		},
	}
	root.PersistentFlags().StringVar(&opts.dbPath, "db", "./data/scenario-lab.db", "SQLite database path (default from DB_PATH)")

	root.AddCommand(
		sessionsCmd(opts),
		tokenCmd(),
		orchestratorCmd(),
	)
	return root
}

func cliLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}
