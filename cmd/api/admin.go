package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"fundbridge/db"
	"fundbridge/party"
	"fundbridge/session"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := a.openPool(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := db.Migrate(cmd.Context(), pool)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			}
			for _, name := range applied {
				fmt.Fprintln(cmd.OutOrStdout(), "applied", name)
			}
			return nil
		},
	}
}

// newTokenCmd issues a session token for an existing party. Identity
// onboarding happens outside this service; operators hand tokens out.
func newTokenCmd(a *app) *cobra.Command {
	var partyID string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a party",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(a.cfg.Auth.JWTSecret) < 16 {
				return errors.New("jwt secret must be at least 16 bytes (JWT_SECRET)")
			}
			pool, err := a.openPool(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			sessions := session.NewService(party.NewService(party.NewRepository(pool)), a.cfg.Auth.JWTSecret, a.cfg.Auth.TokenTTL)
			token, expires, err := sessions.Issue(cmd.Context(), partyID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintln(cmd.ErrOrStderr(), "expires", expires.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&partyID, "party", "", "party id")
	_ = cmd.MarkFlagRequired("party")
	return cmd
}

func newPartyCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "party",
		Short: "Manage parties",
	}
	cmd.AddCommand(newPartyUpsertCmd(a))
	return cmd
}

func newPartyUpsertCmd(a *app) *cobra.Command {
	var p party.Party
	var role string
	cmd := &cobra.Command{
		Use:   "upsert",
		Short: "Create or update a party",
		RunE: func(cmd *cobra.Command, args []string) error {
			p.Role = party.Role(role)
			if !p.Role.Valid() {
				return fmt.Errorf("unknown role %q", role)
			}
			pool, err := a.openPool(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			saved, err := party.NewService(party.NewRepository(pool)).Upsert(cmd.Context(), p)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", saved.ID, saved.Role, saved.DisplayName, saved.SettlementAddress)
			return nil
		},
	}
	cmd.Flags().StringVar(&p.ID, "id", "", "party id; empty allocates one")
	cmd.Flags().StringVar(&role, "role", "", "sponsor, beneficiary or admin")
	cmd.Flags().StringVar(&p.DisplayName, "name", "", "display name")
	cmd.Flags().StringVar(&p.SettlementAddress, "address", "", "settlement address (0x...)")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}
