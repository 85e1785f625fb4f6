// Package scheduler drives the pull-based dispatch loop: each tick reclaims expired
// leases, claims a bounded batch of due jobs and runs them on a bounded pool.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/mailpilot/internal/clock"
	"github.com/kiranshivaraju/mailpilot/internal/executor"
	"github.com/kiranshivaraju/mailpilot/internal/observability"
	"github.com/kiranshivaraju/mailpilot/internal/store"
	"github.com/kiranshivaraju/mailpilot/pkg/models"
)

// Executor runs one claimed job.
type Executor interface {
	Execute(ctx context.Context, job *models.Job) executor.Outcome
}

// Config holds dispatcher tuning. Zero values fall back to defaults.
type Config struct {
	WorkerID     string
	BatchSize    int
	Concurrency  int
	ReclaimLimit int
	Lease        time.Duration
	PollInterval time.Duration
	Retry        executor.RetryPolicy
}

// TickReport summarises one tick.
type TickReport struct {
	Reclaimed int `json:"reclaimed"`
	Claimed   int `json:"claimed"`
	Completed int `json:"completed"`
	Retrying  int `json:"retrying"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Lost      int `json:"lost"`
	Stalled   int `json:"stalled"`
}

func (r *TickReport) add(o executor.Outcome) {
	switch o {
	case executor.OutcomeCompleted:
		r.Completed++
	case executor.OutcomeRetrying:
		r.Retrying++
	case executor.OutcomeFailed:
		r.Failed++
	case executor.OutcomeCancelled:
		r.Cancelled++
	case executor.OutcomeLost:
		r.Lost++
	default:
		r.Stalled++
	}
}

type Dispatcher struct {
	store  store.Store
	exec   Executor
	clock  clock.Clock
	cfg    Config
	logger *slog.Logger

	// ticking serializes ticks within one process; other processes are kept apart by
	// the claim itself.
	ticking sync.Mutex
}

func NewDispatcher(st store.Store, exec Executor, clk clock.Clock, cfg Config, logger *slog.Logger) *Dispatcher {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.ReclaimLimit <= 0 {
		cfg.ReclaimLimit = 100
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Retry.Base <= 0 || cfg.Retry.Max <= 0 {
		cfg.Retry = executor.DefaultRetryPolicy
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker"
	}
	return &Dispatcher{
		store:  st,
		exec:   exec,
		clock:  clk,
		cfg:    cfg,
		logger: logger.With("worker_id", cfg.WorkerID),
	}
}

// Tick performs one dispatch round and waits for every claimed job to finish.
// Job-level failures are counted in the report; only storage errors while reclaiming
// or claiming are returned.
func (d *Dispatcher) Tick(ctx context.Context) (TickReport, error) {
	d.ticking.Lock()
	defer d.ticking.Unlock()

	ctx, span := observability.StartSpan(ctx, "scheduler.tick", attribute.String("worker_id", d.cfg.WorkerID))
	defer span.End()

	var report TickReport

	reclaimed, err := d.store.ReclaimExpired(ctx, store.ReclaimParams{
		Now:   d.clock.Now(),
		Limit: d.cfg.ReclaimLimit,
		Delay: d.cfg.Retry.Delay,
	})
	if err != nil {
		observability.RecordError(span, err)
		return report, fmt.Errorf("reclaim expired leases: %w", err)
	}
	report.Reclaimed = len(reclaimed)
	for _, j := range reclaimed {
		d.logger.Warn("reclaimed expired lease", "job_id", j.ID, "tenant_id", j.TenantID, "state", j.State)
	}

	jobs, err := d.store.ClaimDueJobs(ctx, store.ClaimParams{
		WorkerID: d.cfg.WorkerID,
		Now:      d.clock.Now(),
		Lease:    d.cfg.Lease,
		Limit:    d.cfg.BatchSize,
	})
	if err != nil {
		observability.RecordError(span, err)
		return report, fmt.Errorf("claim due jobs: %w", err)
	}
	report.Claimed = len(jobs)

	outcomes := make([]executor.Outcome, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)
	for i, j := range jobs {
		g.Go(func() error {
			outcomes[i] = d.exec.Execute(gctx, j)
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range outcomes {
		report.add(o)
	}

	span.SetAttributes(
		attribute.Int("reclaimed", report.Reclaimed),
		attribute.Int("claimed", report.Claimed),
		attribute.Int("completed", report.Completed),
	)
	if report.Reclaimed > 0 || report.Claimed > 0 {
		d.logger.Info("tick finished",
			"reclaimed", report.Reclaimed,
			"claimed", report.Claimed,
			"completed", report.Completed,
			"retrying", report.Retrying,
			"failed", report.Failed,
			"cancelled", report.Cancelled,
			"lost", report.Lost,
			"stalled", report.Stalled,
		)
	}
	return report, nil
}

// Run ticks every poll interval until ctx is done. Tick errors are logged and the
// loop continues.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("dispatcher started",
		"poll_interval", d.cfg.PollInterval,
		"batch_size", d.cfg.BatchSize,
		"concurrency", d.cfg.Concurrency,
	)
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := d.Tick(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped")
			return
		case <-ticker.C:
		}
	}
}
