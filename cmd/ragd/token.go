package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/ragd/internal/auth"
	"github.com/fyrsmithlabs/ragd/internal/config"
)

type tokenOptions struct {
	subject  string
	username string
	email    string
	admin    bool
	ttl      time.Duration
}

func newTokenCmd(opts *rootOptions) *cobra.Command {
	to := &tokenOptions{}
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an HS256 token for development",
		Long: `Issue a token signed with auth.hs256_secret.

Examples:
  # Token for tenant alice, valid for a day
  ragd token --subject alice --ttl 24h

  # Token that may change plans
  ragd token --subject ops --admin`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadWithFile(opts.configPath)
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			verifier, err := newVerifier(cfg.Auth)
			if err != nil {
				return err
			}
			token, err := issueToken(verifier, cfg.Auth.AdminScope, to)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&to.subject, "subject", "", "token subject")
	cmd.Flags().StringVar(&to.username, "username", "", "username claim, preferred over the subject as tenant")
	cmd.Flags().StringVar(&to.email, "email", "", "email claim")
	cmd.Flags().BoolVar(&to.admin, "admin", false, "grant the admin scope")
	cmd.Flags().DurationVar(&to.ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

func issueToken(v *auth.Verifier, adminScope string, to *tokenOptions) (string, error) {
	if v.Mode() != auth.ModeJWT {
		return "", fmt.Errorf("tokens are only used in jwt mode, auth.mode is %q", v.Mode())
	}
	if to.subject == "" && to.username == "" && to.email == "" {
		return "", fmt.Errorf("one of --subject, --username or --email is required")
	}
	var scopes []string
	if to.admin {
		scopes = append(scopes, adminScope)
	}
	token, err := v.IssueToken(auth.TokenOptions{
		Subject:  to.subject,
		Username: to.username,
		Email:    to.email,
		Scopes:   scopes,
		TTL:      to.ttl,
	})
	if err != nil {
		return "", fmt.Errorf("issuing token: %w", err)
	}
	return token, nil
}
