package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kiranshivaraju/mailpilot/pkg/models"
)

var jobColumnList = []string{
	"id", "tenant_id", "discovery_id", "kind", "state", "priority", "attempt_count", "max_attempts",
	"next_attempt_at", "claimed_by", "claimed_at", "claim_token", "lease_expires_at", "cancel_requested",
	"started_at", "completed_at", "duration_ms", "last_error", "last_error_detail", "usage",
	"credits_required", "credits_charged", "created_at", "updated_at",
}

var jobColumns = strings.Join(jobColumnList, ", ")

func jobColumnsAs(alias string) string {
	cols := make([]string, len(jobColumnList))
	for i, c := range jobColumnList {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

func scanJob(row scanner) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.TenantID, &j.DiscoveryID, &j.Kind, &j.State, &j.Priority, &j.AttemptCount,
		&j.MaxAttempts, &j.NextAttemptAt, &j.ClaimedBy, &j.ClaimedAt, &j.ClaimToken, &j.LeaseExpiresAt,
		&j.CancelRequested, &j.StartedAt, &j.CompletedAt, &j.DurationMS, &j.LastError, &j.LastErrorDetail,
		&j.Usage, &j.CreditsRequired, &j.CreditsCharged, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*models.Job, error) {
	defer rows.Close()
	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// --- Jobs ---

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND tenant_id = $2`, id, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error) {
	conditions := []string{"tenant_id = $1"}
	args := []any{filter.TenantID}
	argIdx := 2

	if filter.State != "" {
		conditions = append(conditions, fmt.Sprintf("state = $%d", argIdx))
		args = append(args, filter.State)
		argIdx++
	}
	if filter.Kind != "" {
		conditions = append(conditions, fmt.Sprintf("kind = $%d", argIdx))
		args = append(args, filter.Kind)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM jobs WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	_, limit, offset := normalizePage(filter.Page, filter.Limit, defaultPageLimit, maxJobPageLimit)
	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE %s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		jobColumns, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

func (s *PostgresStore) JobStats(ctx context.Context, tenantID uuid.UUID) (*models.JobStats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT state, COUNT(*), COALESCE(SUM(duration_ms), 0), COALESCE(SUM(credits_charged), 0)
		 FROM jobs WHERE tenant_id = $1 GROUP BY state`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	stats := &models.JobStats{TenantID: tenantID, ByState: map[models.JobState]int{}}
	var completedDuration int64
	for rows.Next() {
		var (
			state    models.JobState
			count    int
			duration int64
			credits  int64
		)
		if err := rows.Scan(&state, &count, &duration, &credits); err != nil {
			return nil, fmt.Errorf("scan job stats: %w", err)
		}
		stats.ByState[state] = count
		stats.Total += count
		stats.CreditsCharged += credits
		if state == models.JobStateCompleted {
			completedDuration = duration
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	finishStats(stats, completedDuration)
	return stats, nil
}

func finishStats(stats *models.JobStats, completedDurationMS int64) {
	completed := stats.ByState[models.JobStateCompleted]
	failed := stats.ByState[models.JobStateFailed]
	if completed+failed > 0 {
		stats.SuccessRate = float64(completed) / float64(completed+failed)
	}
	if completed > 0 {
		stats.AverageDurationMS = float64(completedDurationMS) / float64(completed)
	}
}

func (s *PostgresStore) ClaimDueJobs(ctx context.Context, p ClaimParams) ([]*models.Job, error) {
	if p.Limit <= 0 {
		return nil, nil
	}
	leaseUntil := p.Now.Add(p.Lease)
	rows, err := s.pool.Query(ctx,
		`WITH due AS (
		   SELECT id FROM jobs
		   WHERE state IN ('pending', 'retrying')
		     AND next_attempt_at <= $1
		     AND attempt_count < max_attempts
		   ORDER BY priority DESC, created_at ASC
		   LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 UPDATE jobs j SET
		   state = 'running',
		   attempt_count = j.attempt_count + 1,
		   claimed_by = $3,
		   claimed_at = $1,
		   claim_token = gen_random_uuid(),
		   lease_expires_at = $4,
		   started_at = $1,
		   completed_at = NULL,
		   duration_ms = NULL,
		   updated_at = $1
		 FROM due WHERE j.id = due.id
		 RETURNING `+jobColumnsAs("j"),
		p.Now, p.Limit, p.WorkerID, leaseUntil)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}
	sortByPriority(jobs)
	return jobs, nil
}

func sortByPriority(jobs []*models.Job) {
	sort.SliceStable(jobs, func(a, b int) bool {
		if jobs[a].Priority != jobs[b].Priority {
			return jobs[a].Priority > jobs[b].Priority
		}
		return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
	})
}

func (s *PostgresStore) ClaimJob(ctx context.Context, id uuid.UUID, p ClaimParams) (*models.Job, bool, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE jobs SET
		   state = 'running',
		   attempt_count = attempt_count + 1,
		   claimed_by = $3,
		   claimed_at = $2,
		   claim_token = gen_random_uuid(),
		   lease_expires_at = $4,
		   started_at = $2,
		   completed_at = NULL,
		   duration_ms = NULL,
		   updated_at = $2
		 WHERE id = $1
		   AND state IN ('pending', 'retrying')
		   AND next_attempt_at <= $2
		   AND attempt_count < max_attempts
		 RETURNING `+jobColumns,
		id, p.Now, p.WorkerID, p.Now.Add(p.Lease)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("claim job: %w", err)
	}
	return j, true, nil
}

func (s *PostgresStore) ReclaimExpired(ctx context.Context, p ReclaimParams) ([]*models.Job, error) {
	var reclaimed []*models.Job
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		reclaimed = nil
		rows, err := tx.Query(ctx,
			`SELECT `+jobColumns+` FROM jobs
			 WHERE state = 'running' AND lease_expires_at < $1
			 ORDER BY lease_expires_at
			 LIMIT $2
			 FOR UPDATE SKIP LOCKED`, p.Now, p.Limit)
		if err != nil {
			return fmt.Errorf("select expired leases: %w", err)
		}
		expired, err := collectJobs(rows)
		if err != nil {
			return err
		}

		for _, j := range expired {
			next := leaseExpiry(j, p)
			updated, err := s.applyTransition(ctx, tx, j, next)
			if err != nil {
				return err
			}
			reclaimed = append(reclaimed, updated)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reclaim expired: %w", err)
	}
	return reclaimed, nil
}

func (s *PostgresStore) RetryJob(ctx context.Context, p TransitionParams) (*models.Job, error) {
	return s.transitionClaimed(ctx, p, func(j *models.Job) transition {
		return retryTransition(j, p)
	})
}

func (s *PostgresStore) FailJob(ctx context.Context, p TransitionParams) (*models.Job, error) {
	return s.transitionClaimed(ctx, p, func(j *models.Job) transition {
		return failTransition(j, p)
	})
}

func (s *PostgresStore) transitionClaimed(ctx context.Context, p TransitionParams, decide func(*models.Job) transition) (*models.Job, error) {
	var out *models.Job
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		j, err := lockClaimedJob(ctx, tx, p.JobID, p.ClaimToken)
		if err != nil {
			return err
		}
		out, err = s.applyTransition(ctx, tx, j, decide(j))
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// applyTransition writes the outcome of a running job and releases its claim.
func (s *PostgresStore) applyTransition(ctx context.Context, tx pgx.Tx, j *models.Job, t transition) (*models.Job, error) {
	out, err := scanJob(tx.QueryRow(ctx,
		`UPDATE jobs SET
		   state = $2,
		   next_attempt_at = $3,
		   claim_token = NULL,
		   lease_expires_at = NULL,
		   completed_at = $4,
		   duration_ms = $5,
		   last_error = $6,
		   last_error_detail = $7,
		   updated_at = $8
		 WHERE id = $1
		 RETURNING `+jobColumns,
		j.ID, t.State, t.NextAttemptAt, t.CompletedAt, t.DurationMS, t.Error, t.Detail, t.Now))
	if err != nil {
		return nil, fmt.Errorf("update job %s to %s: %w", j.ID, t.State, err)
	}
	return out, nil
}

func lockClaimedJob(ctx context.Context, tx pgx.Tx, id, token uuid.UUID) (*models.Job, error) {
	j, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock job: %w", err)
	}
	if !holdsClaim(j, token) {
		return nil, ErrLeaseLost
	}
	return j, nil
}

func (s *PostgresStore) CancelJob(ctx context.Context, id uuid.UUID, tenantID uuid.UUID, now time.Time) (*models.Job, error) {
	var out *models.Job
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		j, err := scanJob(tx.QueryRow(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND tenant_id = $2 FOR UPDATE`, id, tenantID))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock job: %w", err)
		}

		switch {
		case j.State.Schedulable():
			out, err = scanJob(tx.QueryRow(ctx,
				`UPDATE jobs SET state = 'cancelled', completed_at = $2, last_error = $3, updated_at = $2
				 WHERE id = $1 RETURNING `+jobColumns, id, now, cancelledByRequest))
		case j.State == models.JobStateRunning:
			out, err = scanJob(tx.QueryRow(ctx,
				`UPDATE jobs SET cancel_requested = TRUE, updated_at = $2
				 WHERE id = $1 RETURNING `+jobColumns, id, now))
		default:
			out = j
			return fmt.Errorf("cancel %s job: %w", j.State, ErrInvalidTransition)
		}
		if err != nil {
			return fmt.Errorf("cancel job: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return out, err
		}
		return nil, err
	}
	return out, nil
}
