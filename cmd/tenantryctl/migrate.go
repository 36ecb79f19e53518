package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tenantry.org/internal/bootstrap"
	"tenantry.org/internal/config"
	"tenantry.org/internal/migrate"
	"tenantry.org/internal/obs"
	"tenantry.org/internal/store/pg"
)

var migrateTimeout time.Duration

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the PostgreSQL schema",
	Long:  "Apply, roll back or inspect the SQL migrations compiled into this binary. Requires database.driver=postgres.",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations and insert missing catalog permissions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd, func(ctx context.Context, cfg *config.Config, st *pg.Store, m *migrate.Manager) error {
			n, err := m.Up(ctx)
			if err != nil {
				return err
			}
			// The catalog lives in the permissions table, so it is refreshed with the schema.
			if _, err := bootstrap.NewAuthenticator(ctx, cfg, st); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migrations\n", n)
			return nil
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd, func(ctx context.Context, _ *config.Config, _ *pg.Store, m *migrate.Manager) error {
			name, err := m.Down(ctx)
			if errors.Is(err, migrate.ErrNothingApplied) {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to roll back")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rolled back %s\n", name)
			return nil
		})
	},
}

var migrateSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Run seed files that have not been applied",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd, func(ctx context.Context, _ *config.Config, _ *pg.Store, m *migrate.Manager) error {
			n, err := m.Seed(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d seed files\n", n)
			return nil
		})
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List applied migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd, func(ctx context.Context, _ *config.Config, _ *pg.Store, m *migrate.Manager) error {
			history, err := m.Status(ctx)
			if err != nil {
				return err
			}
			for _, item := range history {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", item.AppliedAt.UTC().Format(time.RFC3339), item.Name)
			}
			return nil
		})
	},
}

func withManager(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, st *pg.Store, m *migrate.Manager) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Database.Driver != "postgres" {
		return errors.New("migrate requires database.driver=postgres")
	}
	if err := obs.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return err
	}
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, migrateTimeout)
	defer cancel()

	st, err := pg.Open(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer st.Close()

	m := migrate.NewManager(st.DB(), migrate.Embedded(), migrate.MigrationsDir, migrate.SeedsDir)
	if err := fn(ctx, cfg, st, m); err != nil {
		return fmt.Errorf("migrate %s: %w", cmd.Name(), err)
	}
	return nil
}

func init() {
	migrateCmd.PersistentFlags().DurationVar(&migrateTimeout, "timeout", 30*time.Second, "overall deadline for the command")
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateSeedCmd, migrateStatusCmd)
	rootCmd.AddCommand(migrateCmd)
}
