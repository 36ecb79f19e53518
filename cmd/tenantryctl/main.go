// Command tenantryctl runs schema migrations and operator maintenance against the
// configured store.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"tenantry.org/internal/auth"
	"tenantry.org/internal/bootstrap"
	"tenantry.org/internal/config"
	"tenantry.org/internal/obs"
)

var version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:           "tenantryctl",
	Short:         "Operate a tenantry deployment",
	Long:          "tenantryctl applies database migrations and runs maintenance tasks such as reaping expired sessions and unlocking accounts.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// env is what maintenance commands operate on.
type env struct {
	store bootstrap.Store
	authn *auth.Authenticator
}

func (e *env) Close() error { return e.store.Close() }

// Overridden in tests.
var (
	loadConfig = config.Load
	openEnv    = func(ctx context.Context, cfg *config.Config) (*env, error) {
		store, err := bootstrap.OpenStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		authn, err := bootstrap.NewAuthenticator(ctx, cfg, store)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		return &env{store: store, authn: authn}, nil
	}
)

// withEnv loads the configuration, opens the store and runs fn against it.
func withEnv(cmd *cobra.Command, fn func(ctx context.Context, e *env) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := obs.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	e, err := openEnv(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(ctx, e)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tenantryctl:", err)
		os.Exit(1)
	}
}
