// Command mailpilotctl is the operator CLI: migrations, tenants, keys, credits and
// manual dispatcher ticks.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/mailpilot/internal/ai/provider"
	"github.com/kiranshivaraju/mailpilot/internal/app"
	"github.com/kiranshivaraju/mailpilot/internal/config"
	"github.com/kiranshivaraju/mailpilot/internal/store"
)

// opener builds the services for one command and returns a cleanup func.
type opener func(ctx context.Context) (*app.App, func(), error)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	if err := newRootCmd(openPostgres).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return config.Load()
}

func openPostgres(ctx context.Context) (*app.App, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	summarizer, err := provider.New(cfg.AI)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("create AI provider: %w", err)
	}
	// The CLI runs without Redis; the status cache is only a read hint.
	a := app.New(cfg, store.NewPostgresStore(pool), nil, summarizer, nil, slog.Default())
	return a, pool.Close, nil
}

func newRootCmd(open opener) *cobra.Command {
	root := &cobra.Command{
		Use:           "mailpilotctl",
		Short:         "Operate a mailpilot deployment",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		migrateCmd(),
		tenantCmd(open),
		keyCmd(open),
		creditsCmd(open),
		balanceCmd(open),
		tickCmd(open),
		reconcileCmd(open),
	)
	return root
}
