package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/ashureev/scenario-lab/internal/store"
	"github.com/spf13/cobra"
)

func sessionsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect finished sessions",
	}
	cmd.AddCommand(sessionsListCmd(opts))
	return cmd
}

func sessionsListCmd(opts *rootOptions) *cobra.Command {
	var (
		userID string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's finished sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return errors.New("--user is required")
			}
			repo, err := store.NewSQLite(opts.dbPath)
			if err != nil {
				return err
			}
			defer func() { _ = repo.Close() }()

			sessions, err := repo.ListSessions(cmd.Context(), userID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(sessions)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tDATE\tMODE\tDIFFICULTY\tTHEME\tSCORE")
			for _, s := range sessions {
				score := "-"
				if s.Evaluation != nil {
					score = fmt.Sprintf("%.1f", s.Evaluation.OverallScore)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					s.ID, s.Date, s.Config.Mode, s.Config.Difficulty, s.Config.Theme, score)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id (the phone number used at login)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}
