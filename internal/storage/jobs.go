package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/SirClappington/relay/internal/domain"
	"github.com/SirClappington/relay/internal/tenant"
)

// JobStore persists outbound jobs (source of truth for the dispatcher).
type JobStore struct {
	gate *tenant.Gate
}

func NewJobStore(g *tenant.Gate) *JobStore { return &JobStore{g} }

const jobCols = `id, tenant_id, type, provider, integration_id, dedupe_key, payload,
status, attempts, max_attempts, locked_by, locked_at,
last_error_code, last_error_msg, next_attempt_at, result, created_at, updated_at`

func scanJob(row pgx.Row) (*domain.Job, error) {
	var j domain.Job
	err := row.Scan(&j.ID, &j.TenantID, &j.Type, &j.Provider, &j.IntegrationID, &j.DedupeKey,
		&j.Payload, &j.Status, &j.Attempts, &j.MaxAttempts, &j.LockedBy, &j.LockedAt,
		&j.LastErrorCode, &j.LastErrorMsg, &j.NextAttemptAt, &j.Result, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// Insert persists a new PENDING job. A dedupe-key collision is not an
// error: the existing id comes back with duplicate=true.
func (s *JobStore) Insert(ctx context.Context, tenantID string, j *domain.Job) (id string, duplicate bool, err error) {
	err = s.gate.Run(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		newID := uuid.NewString()
		row := tx.QueryRow(ctx, `insert into outbound_jobs(
id, tenant_id, type, provider, integration_id, dedupe_key, payload, status, attempts, max_attempts
) values ($1,$2,$3,$4,$5,$6,$7,'PENDING',0,$8)
on conflict (tenant_id, dedupe_key) where dedupe_key is not null do nothing
returning id`,
			newID, tenantID, j.Type, j.Provider, j.IntegrationID, j.DedupeKey, j.Payload, j.MaxAttempts)

		if scanErr := row.Scan(&id); scanErr == nil {
			return nil
		} else if scanErr != pgx.ErrNoRows {
			return scanErr
		}

		duplicate = true
		return tx.QueryRow(ctx,
			`select id from outbound_jobs where tenant_id = $1 and dedupe_key = $2`,
			tenantID, j.DedupeKey).Scan(&id)
	})
	return id, duplicate, err
}

func (s *JobStore) Get(ctx context.Context, tenantID, id string) (*domain.Job, error) {
	var j *domain.Job
	err := s.gate.Run(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		j, err = scanJob(tx.QueryRow(ctx,
			`select `+jobCols+` from outbound_jobs where tenant_id = $1 and id = $2`, tenantID, id))
		if err == pgx.ErrNoRows {
			return errors.Errorf("job %s not found", id)
		}
		return err
	})
	return j, err
}

// Claim atomically transitions PENDING/FAILED to PROCESSING. Returns
// (nil, nil) when the row was not claimable: terminal, already
// in-flight, or gone.
func (s *JobStore) Claim(ctx context.Context, tenantID, id, lockedBy string) (*domain.Job, error) {
	var j *domain.Job
	err := s.gate.Run(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		j, err = scanJob(tx.QueryRow(ctx, `update outbound_jobs
set status = 'PROCESSING', attempts = attempts + 1, locked_by = $3, locked_at = now(), updated_at = now()
where tenant_id = $1 and id = $2 and status in ('PENDING','FAILED')
returning `+jobCols, tenantID, id, lockedBy))
		if err == pgx.ErrNoRows {
			j = nil
			return nil
		}
		return err
	})
	return j, err
}

func (s *JobStore) MarkSent(ctx context.Context, tenantID, id string, result []byte) error {
	return s.exec(ctx, tenantID, `update outbound_jobs
set status = 'SENT', result = $3, locked_by = null, locked_at = null,
    last_error_code = null, last_error_msg = null, next_attempt_at = null, updated_at = now()
where tenant_id = $1 and id = $2`, id, result)
}

func (s *JobStore) MarkFailed(ctx context.Context, tenantID, id, code, msg string, nextAttemptAt time.Time) error {
	return s.exec(ctx, tenantID, `update outbound_jobs
set status = 'FAILED', last_error_code = $3, last_error_msg = $4, next_attempt_at = $5,
    locked_by = null, locked_at = null, updated_at = now()
where tenant_id = $1 and id = $2`, id, code, msg, nextAttemptAt)
}

func (s *JobStore) MarkDead(ctx context.Context, tenantID, id, code, msg string) error {
	return s.exec(ctx, tenantID, `update outbound_jobs
set status = 'DEAD', last_error_code = $3, last_error_msg = $4, next_attempt_at = null,
    locked_by = null, locked_at = null, updated_at = now()
where tenant_id = $1 and id = $2`, id, code, msg)
}

func (s *JobStore) Cancel(ctx context.Context, tenantID, id, code string) error {
	return s.exec(ctx, tenantID, `update outbound_jobs
set status = 'CANCELED', last_error_code = $3, next_attempt_at = null,
    locked_by = null, locked_at = null, updated_at = now()
where tenant_id = $1 and id = $2 and status not in ('SENT','DEAD','CANCELED')`, id, code)
}

// ResetForRetry returns a DEAD or FAILED job to PENDING with a clean
// slate, including the attempt counter, so the operator gets a full
// fresh budget.
func (s *JobStore) ResetForRetry(ctx context.Context, tenantID, id string) error {
	return s.exec(ctx, tenantID, `update outbound_jobs
set status = 'PENDING', attempts = 0, locked_by = null, locked_at = null,
    last_error_code = null, last_error_msg = null, next_attempt_at = null, updated_at = now()
where tenant_id = $1 and id = $2 and status in ('DEAD','FAILED')`, id)
}

// Due returns ids of jobs ready for (re)delivery to the queue.
func (s *JobStore) Due(ctx context.Context, tenantID string, limit int) ([]string, error) {
	return s.ids(ctx, tenantID, `select id from outbound_jobs
where tenant_id = $1 and status in ('PENDING','FAILED')
  and (next_attempt_at is null or next_attempt_at <= now())
order by created_at asc limit $2`, limit)
}

// StaleProcessing releases locks held past the lock duration, e.g.
// after a worker crash.
func (s *JobStore) StaleProcessing(ctx context.Context, tenantID string, lockedBefore time.Time, limit int) ([]string, error) {
	var ids []string
	err := s.gate.Run(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `update outbound_jobs
set status = 'PENDING', locked_by = null, locked_at = null, updated_at = now()
where tenant_id = $1 and status = 'PROCESSING' and locked_at < $2
  and id in (select id from outbound_jobs
             where tenant_id = $1 and status = 'PROCESSING' and locked_at < $2 limit $3)
returning id`, tenantID, lockedBefore, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	return ids, err
}

func (s *JobStore) List(ctx context.Context, tenantID string, status string, limit int) ([]*domain.Job, error) {
	var out []*domain.Job
	err := s.gate.Run(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `select `+jobCols+` from outbound_jobs
where tenant_id = $1 and ($2 = '' or status = $2)
order by created_at desc limit $3`, tenantID, status, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				return err
			}
			out = append(out, j)
		}
		return rows.Err()
	})
	return out, err
}

func (s *JobStore) exec(ctx context.Context, tenantID, sql string, args ...any) error {
	return s.gate.Run(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, sql, append([]any{tenantID}, args...)...)
		return err
	})
}

func (s *JobStore) ids(ctx context.Context, tenantID, sql string, limit int) ([]string, error) {
	var ids []string
	err := s.gate.Run(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, sql, tenantID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	return ids, err
}
