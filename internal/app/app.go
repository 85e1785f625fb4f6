// Package app assembles the services from configuration. Both binaries use it.
package app

import (
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/mailpilot/internal/account"
	"github.com/kiranshivaraju/mailpilot/internal/api"
	"github.com/kiranshivaraju/mailpilot/internal/api/handler"
	mw "github.com/kiranshivaraju/mailpilot/internal/api/middleware"
	"github.com/kiranshivaraju/mailpilot/internal/cache"
	"github.com/kiranshivaraju/mailpilot/internal/clock"
	"github.com/kiranshivaraju/mailpilot/internal/config"
	"github.com/kiranshivaraju/mailpilot/internal/executor"
	"github.com/kiranshivaraju/mailpilot/internal/ledger"
	"github.com/kiranshivaraju/mailpilot/internal/pipeline"
	"github.com/kiranshivaraju/mailpilot/internal/scheduler"
	"github.com/kiranshivaraju/mailpilot/internal/store"
	"github.com/kiranshivaraju/mailpilot/pkg/models"
)

type App struct {
	Store      store.Store
	Cache      cache.Cache
	Pipeline   *pipeline.Service
	Ledger     *ledger.Service
	Accounts   *account.Service
	Executor   *executor.Executor
	Dispatcher *scheduler.Dispatcher

	cfg *config.Config
}

// New wires every service over st. c may be nil, in which case status caching and
// rate limiting are disabled.
func New(cfg *config.Config, st store.Store, c cache.Cache, summarizer models.Summarizer, clk clock.Clock, logger *slog.Logger) *App {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	retry := executor.RetryPolicy{Base: cfg.Worker.BackoffBase, Max: cfg.Worker.BackoffMax}

	a := &App{Store: st, Cache: c, cfg: cfg}
	a.Pipeline = pipeline.NewService(st, cfg.Billing, pipeline.Options{
		Cache:       c,
		StatusTTL:   cfg.Redis.StatusTTL,
		MaxAttempts: cfg.Worker.MaxAttempts,
		Clock:       clk,
		Logger:      logger.With("component", "pipeline"),
	})
	a.Ledger = ledger.NewService(st, cfg.Billing, clk, logger.With("component", "ledger"))
	a.Accounts = account.NewService(st, clk, logger.With("component", "account"))
	a.Executor = executor.New(st, summarizer, executor.Options{
		Timeout:   cfg.AI.InferenceTimeout,
		Retry:     retry,
		Clock:     clk,
		Cache:     c,
		StatusTTL: cfg.Redis.StatusTTL,
		Logger:    logger.With("component", "executor"),
	})
	a.Dispatcher = scheduler.NewDispatcher(st, a.Executor, clk, scheduler.Config{
		WorkerID:     cfg.Worker.ID,
		BatchSize:    cfg.Worker.BatchSize,
		Concurrency:  cfg.Worker.Concurrency,
		ReclaimLimit: cfg.Worker.ReclaimLimit,
		Lease:        cfg.Worker.Lease,
		PollInterval: cfg.Worker.PollInterval,
		Retry:        retry,
	}, logger.With("component", "dispatcher", "worker_id", cfg.Worker.ID))
	return a
}

// Router returns the HTTP API.
func (a *App) Router() http.Handler {
	var (
		counter mw.Counter
		redis   handler.Pinger
	)
	if a.Cache != nil {
		counter = a.Cache
		redis = a.Cache
	}
	return api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(a.Store),
		RateLimit: mw.NewRateLimit(counter, a.cfg.Server.RequestsPerMinute),
		Operator:  mw.NewOperator(a.cfg.Server.OperatorKeyHash),

		Health: handler.NewHealthHandler(a.Store, redis),

		Enqueue:  handler.NewEnqueueHandler(a.Pipeline),
		ListJobs: handler.NewListJobsHandler(a.Pipeline),
		GetJob:   handler.NewGetJobHandler(a.Pipeline),
		JobState: handler.NewJobStateHandler(a.Pipeline),
		Cancel:   handler.NewCancelJobHandler(a.Pipeline),
		Delivery: handler.NewDeliveryHandler(a.Pipeline),
		Stats:    handler.NewStatsHandler(a.Pipeline),

		Balance:            handler.NewBalanceHandler(a.Ledger),
		Transactions:       handler.NewTransactionsHandler(a.Ledger),
		TransactionSummary: handler.NewTransactionSummaryHandler(a.Ledger),

		Tick:      handler.NewTickHandler(a.Dispatcher),
		Credits:   handler.NewCreditsHandler(a.Ledger),
		Reconcile: handler.NewReconcileHandler(a.Ledger),
		CreateKey: handler.NewCreateKeyHandler(a.Accounts),
		ListKeys:  handler.NewListKeysHandler(a.Accounts),
		RevokeKey: handler.NewRevokeKeyHandler(a.Accounts),

		OperatorCredits:   handler.NewOperatorCreditsHandler(a.Ledger),
		OperatorRefund:    handler.NewRefundHandler(a.Ledger),
		OperatorReconcile: handler.NewOperatorReconcileHandler(a.Ledger),
	})
}
