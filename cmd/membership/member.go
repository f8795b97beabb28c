// cmd/membership/member.go
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"memberhub/internal/auth"
	"memberhub/internal/membership"
)

func memberCmd(envFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "member",
		Short: "Manage members",
	}

	var (
		email    string
		name     string
		tokenTTL time.Duration
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a basic member and print an access token for it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if email == "" || name == "" {
				return errors.New("--email and --name are required")
			}
			a, err := newApp(cmd.Context(), *envFile)
			if err != nil {
				return err
			}
			defer a.close()
			if a.cfg.JWTSecret == "" {
				return errors.New("JWT_SECRET is required to issue a token")
			}

			now := time.Now().UTC()
			m := membership.NewMember(email, name, now)
			if err := a.store.CreateMember(cmd.Context(), m); err != nil {
				return err
			}
			token, err := auth.NewAuthenticator(a.cfg.JWTSecret).Issue(m.ID, now, tokenTTL)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]string{"id": m.ID.String(), "token": token})
		},
	}
	create.Flags().StringVar(&email, "email", "", "member email")
	create.Flags().StringVar(&name, "name", "", "member name")
	create.Flags().DurationVar(&tokenTTL, "token-ttl", 30*24*time.Hour, "lifetime of the printed token")

	cmd.AddCommand(create)
	return cmd
}
