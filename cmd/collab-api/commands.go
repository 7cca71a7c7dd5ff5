package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/nixelo/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/nixelo/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/nixelo/backend/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// newSweepCommand runs a single awareness sweep and orphan collection, for cron use.
func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove stale awareness entries and orphaned sync state once",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			janitor, err := collab.NewJanitor(rt.collab, time.Minute, rt.logger)
			if err != nil {
				return err
			}
			result, reclaimed := janitor.RunOnce(cmd.Context())
			rt.logger.Info("sweep finished",
				zap.Int64("awareness_deleted", result.Deleted),
				zap.Int64("orphans_reclaimed", reclaimed))
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d awareness entries, reclaimed %d documents\n", result.Deleted, reclaimed)
			return nil
		},
	}
}

// newTokenCommand mints a session token for local development and operations.
func newTokenCommand() *cobra.Command {
	var (
		userID      string
		displayName string
		email       string
		roles       []string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a session token signed with the configured secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.SessionIssuer,
				TokenTTL:      appConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueSessionToken(auth.SessionClaims{
				UserID:          strings.TrimSpace(userID),
				UserEmail:       email,
				UserDisplayName: displayName,
				UserRoles:       roles,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %ds\n", expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "Subject user id")
	cmd.Flags().StringVar(&displayName, "display-name", "", "Display name claim")
	cmd.Flags().StringVar(&email, "email", "", "Email claim")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "Role claim (repeatable)")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}
