package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ashureev/scenario-lab/internal/identity"
	"github.com/spf13/cobra"
)

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue and inspect credentials signed with JWT_SECRET",
	}
	cmd.AddCommand(tokenIssueCmd(), tokenVerifyCmd())
	return cmd
}

func gateFromEnv(ttl time.Duration) (*identity.Gate, error) {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		return nil, errors.New("JWT_SECRET must be set")
	}
	return identity.NewGate([]byte(secret), ttl)
}

func tokenIssueCmd() *cobra.Command {
	var (
		phone string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a credential for a phone number",
		RunE: func(cmd *cobra.Command, args []string) error {
			gate, err := gateFromEnv(ttl)
			if err != nil {
				return err
			}
			token, exp, err := gate.Issue(identity.Claim{Phone: phone})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&phone, "phone", "", "Phone number to embed as the identity")
	cmd.Flags().DurationVar(&ttl, "ttl", identity.DefaultTTL, "Credential lifetime")
	return cmd
}

func tokenVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify TOKEN",
		Short: "Verify a credential and print its identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gate, err := gateFromEnv(0)
			if err != nil {
				return err
			}
			claim, err := gate.Verify(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "id=%s phone=%s\n", claim.ID, claim.Phone)
			return nil
		},
	}
}
