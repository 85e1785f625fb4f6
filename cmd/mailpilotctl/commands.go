package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/kiranshivaraju/mailpilot/internal/account"
	"github.com/kiranshivaraju/mailpilot/internal/app"
	"github.com/kiranshivaraju/mailpilot/internal/store"
	"github.com/kiranshivaraju/mailpilot/pkg/models"
)

// withApp opens the services, runs fn and prints its result as JSON.
func withApp(open opener, fn func(ctx context.Context, a *app.App) (any, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		a, closeFn, err := open(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		out, err := fn(ctx, a)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
}

func tenantFlag(cmd *cobra.Command, id *string) {
	cmd.Flags().StringVar(id, "tenant", "", "tenant id")
	_ = cmd.MarkFlagRequired("tenant")
}

func parseTenant(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid tenant id %q: %w", raw, err)
	}
	return id, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func tenantCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{Use: "tenant", Short: "Manage tenants"}

	var (
		name  string
		rules models.FilterRules
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant",
		RunE: withApp(open, func(ctx context.Context, a *app.App) (any, error) {
			return a.Accounts.CreateTenant(ctx, name, rules)
		}),
	}
	create.Flags().StringVar(&name, "name", "", "tenant name")
	create.Flags().StringSliceVar(&rules.ExcludeSenders, "exclude-sender", nil, "sender address to skip")
	create.Flags().StringSliceVar(&rules.ExcludeDomains, "exclude-domain", nil, "sender domain to skip")
	create.Flags().StringSliceVar(&rules.IncludeKeywords, "include-keyword", nil, "keyword a message must contain")
	create.Flags().StringSliceVar(&rules.ExcludeKeywords, "exclude-keyword", nil, "keyword that skips a message")
	create.Flags().IntVar(&rules.MinBodyLength, "min-body-length", 0, "minimum body length")
	_ = create.MarkFlagRequired("name")

	var tenant string
	del := &cobra.Command{
		Use:   "delete",
		Short: "Delete a tenant and cancel its outstanding jobs",
		RunE: withApp(open, func(ctx context.Context, a *app.App) (any, error) {
			id, err := parseTenant(tenant)
			if err != nil {
				return nil, err
			}
			n, err := a.Pipeline.DeleteTenant(ctx, id)
			if err != nil {
				return nil, err
			}
			return map[string]any{"tenant_id": id, "jobs_cancelled": n}, nil
		}),
	}
	tenantFlag(del, &tenant)

	cmd.AddCommand(create, del)
	return cmd
}

func keyCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{Use: "key", Short: "Manage API keys"}

	var (
		tenant string
		name   string
		scopes []string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key; the raw key is printed once",
		RunE: withApp(open, func(ctx context.Context, a *app.App) (any, error) {
			id, err := parseTenant(tenant)
			if err != nil {
				return nil, err
			}
			key, raw, err := a.Accounts.IssueKey(ctx, id, name, scopes)
			if err != nil {
				return nil, err
			}
			return map[string]any{"id": key.ID, "key": raw, "key_prefix": key.KeyPrefix, "scopes": key.Scopes}, nil
		}),
	}
	tenantFlag(create, &tenant)
	create.Flags().StringVar(&name, "name", "", "key name")
	create.Flags().StringSliceVar(&scopes, "scope", []string{models.ScopeRead, models.ScopeWrite}, "scopes: read, write, admin")
	_ = create.MarkFlagRequired("name")

	operator := &cobra.Command{
		Use:   "operator",
		Short: "Generate an operator key and the hash for MAILPILOT_OPERATOR_KEY_HASH",
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := account.GenerateKey()
			if err != nil {
				return err
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("hash operator key: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]string{"key": raw, "hash": string(hash)})
		},
	}

	cmd.AddCommand(create, operator)
	return cmd
}

func creditsCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{Use: "credits", Short: "Add or correct credits"}

	var (
		tenant string
		amount int64
		reason string
	)
	grant := &cobra.Command{
		Use:   "grant",
		Short: "Grant bonus credits",
		RunE: withApp(open, func(ctx context.Context, a *app.App) (any, error) {
			id, err := parseTenant(tenant)
			if err != nil {
				return nil, err
			}
			return a.Ledger.Grant(ctx, id, amount, reason)
		}),
	}
	adjust := &cobra.Command{
		Use:   "adjust",
		Short: "Apply a signed manual adjustment",
		RunE: withApp(open, func(ctx context.Context, a *app.App) (any, error) {
			id, err := parseTenant(tenant)
			if err != nil {
				return nil, err
			}
			return a.Ledger.Adjust(ctx, id, amount, reason)
		}),
	}
	for _, c := range []*cobra.Command{grant, adjust} {
		tenantFlag(c, &tenant)
		c.Flags().Int64Var(&amount, "amount", 0, "credits")
		c.Flags().StringVar(&reason, "reason", "", "audit description")
		_ = c.MarkFlagRequired("amount")
	}

	var pkg, paymentRef string
	purchase := &cobra.Command{
		Use:   "purchase",
		Short: "Record a package purchase; idempotent by payment reference",
		RunE: withApp(open, func(ctx context.Context, a *app.App) (any, error) {
			id, err := parseTenant(tenant)
			if err != nil {
				return nil, err
			}
			entry, existed, err := a.Ledger.Purchase(ctx, id, pkg, paymentRef)
			if err != nil {
				return nil, err
			}
			return map[string]any{"entry": entry, "replayed": existed}, nil
		}),
	}
	tenantFlag(purchase, &tenant)
	purchase.Flags().StringVar(&pkg, "package", "", "credit package key")
	purchase.Flags().StringVar(&paymentRef, "payment-ref", "", "payment reference")
	_ = purchase.MarkFlagRequired("package")
	_ = purchase.MarkFlagRequired("payment-ref")

	cmd.AddCommand(grant, adjust, purchase)
	return cmd
}

func balanceCmd(open opener) *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Print a tenant's credit balance",
		RunE: withApp(open, func(ctx context.Context, a *app.App) (any, error) {
			id, err := parseTenant(tenant)
			if err != nil {
				return nil, err
			}
			balance, err := a.Ledger.Balance(ctx, id)
			if err != nil {
				return nil, err
			}
			return map[string]any{"tenant_id": id, "balance": balance}, nil
		}),
	}
	tenantFlag(cmd, &tenant)
	return cmd
}

func tickCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one dispatcher pass",
		RunE: withApp(open, func(ctx context.Context, a *app.App) (any, error) {
			return a.Dispatcher.Tick(ctx)
		}),
	}
}

func reconcileCmd(open opener) *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Replay a tenant's ledger and check every balance snapshot",
		RunE: withApp(open, func(ctx context.Context, a *app.App) (any, error) {
			id, err := parseTenant(tenant)
			if err != nil {
				return nil, err
			}
			rec, err := a.Ledger.Reconcile(ctx, id)
			if err != nil {
				return nil, err
			}
			if !rec.Consistent {
				return rec, fmt.Errorf("ledger for tenant %s is inconsistent", id)
			}
			return rec, nil
		}),
	}
	tenantFlag(cmd, &tenant)
	return cmd
}
