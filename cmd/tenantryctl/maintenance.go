package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tenantry.org/internal/obs"
)

var reapGrace time.Duration

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Delete expired sessions and reset tokens",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, func(ctx context.Context, e *env) error {
			before := time.Now().UTC().Add(-reapGrace)
			sessions, tokens, err := e.authn.Sessions().Reap(ctx, before)
			if err != nil {
				return err
			}
			obs.Logger().Info("reaped expired credentials",
				zap.Int("sessions", sessions),
				zap.Int("reset_tokens", tokens),
				zap.Time("before", before))
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d sessions and %d reset tokens\n", sessions, tokens)
			return nil
		})
	},
}

var (
	targetTenant string
	targetUser   string
)

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Clear the failed-login lock on an account",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireTarget(); err != nil {
			return err
		}
		return withEnv(cmd, func(ctx context.Context, e *env) error {
			u, err := e.authn.Credentials().Unlock(ctx, targetTenant, targetUser)
			if err != nil {
				return err
			}
			obs.Logger().Info("account unlocked by operator",
				zap.String("tenant_id", u.TenantID),
				zap.String("user_id", u.ID))
			fmt.Fprintf(cmd.OutOrStdout(), "unlocked %s\n", u.Email)
			return nil
		})
	},
}

var revokeSessionsCmd = &cobra.Command{
	Use:   "revoke-sessions",
	Short: "Revoke every active session of a user",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireTarget(); err != nil {
			return err
		}
		return withEnv(cmd, func(ctx context.Context, e *env) error {
			n, err := e.authn.Sessions().RevokeAll(ctx, targetTenant, targetUser, "")
			if err != nil {
				return err
			}
			obs.Logger().Info("sessions revoked by operator",
				zap.String("tenant_id", targetTenant),
				zap.String("user_id", targetUser),
				zap.Int("count", n))
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %d sessions\n", n)
			return nil
		})
	},
}

var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Enable or disable a tenant",
}

func tenantSwitch(use, short string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <tenant-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, func(ctx context.Context, e *env) error {
				t, err := e.authn.Tenants().SetActive(ctx, args[0], active)
				if err != nil {
					return err
				}
				obs.Logger().Info("tenant switched by operator",
					zap.String("tenant_id", t.ID),
					zap.Bool("active", t.IsActive))
				fmt.Fprintf(cmd.OutOrStdout(), "%s %sd\n", t.Slug, use)
				return nil
			})
		},
	}
}

func requireTarget() error {
	if targetTenant == "" || targetUser == "" {
		return errors.New("--tenant and --user are required")
	}
	return nil
}

func init() {
	reapCmd.Flags().DurationVar(&reapGrace, "grace", 0, "keep rows that expired less than this long ago")
	for _, c := range []*cobra.Command{unlockCmd, revokeSessionsCmd} {
		c.Flags().StringVar(&targetTenant, "tenant", "", "tenant id")
		c.Flags().StringVar(&targetUser, "user", "", "user id")
	}
	tenantCmd.AddCommand(
		tenantSwitch("disable", "Reject every credential of a tenant until it is enabled again", false),
		tenantSwitch("enable", "Restore a disabled tenant", true),
	)
	rootCmd.AddCommand(reapCmd, unlockCmd, revokeSessionsCmd, tenantCmd)
}
