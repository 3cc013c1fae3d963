package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/SirClappington/relay/internal/domain"
	"github.com/SirClappington/relay/internal/tenant"
)

type SequenceStore struct {
	gate *tenant.Gate
}

func NewSequenceStore(g *tenant.Gate) *SequenceStore { return &SequenceStore{g} }

func (s *SequenceStore) GetSequence(ctx context.Context, tenantID, id string) (*domain.Sequence, error) {
	var seq *domain.Sequence
	err := s.gate.Run(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		var got domain.Sequence
		err := tx.QueryRow(ctx, `select id, tenant_id, name, stop_on_reply, active, created_at
from sequences where tenant_id = $1 and id = $2`, tenantID, id).
			Scan(&got.ID, &got.TenantID, &got.Name, &got.StopOnReply, &got.Active, &got.CreatedAt)
		if err == pgx.ErrNoRows {
			return errors.Errorf("sequence %s not found", id)
		}
		if err != nil {
			return err
		}
		seq = &got
		return nil
	})
	return seq, err
}

// Steps returns the ordered step definitions of a sequence.
func (s *SequenceStore) Steps(ctx context.Context, tenantID, sequenceID string) ([]*domain.SequenceStep, error) {
	var out []*domain.SequenceStep
	err := s.gate.Run(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `select id, sequence_id, order_index, channel, subject,
body_template, delay_minutes, conditions, create_task, task_title
from sequence_steps where tenant_id = $1 and sequence_id = $2 order by order_index asc`, tenantID, sequenceID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var st domain.SequenceStep
			var condRaw []byte
			if err := rows.Scan(&st.ID, &st.SequenceID, &st.OrderIndex, &st.Channel, &st.Subject,
				&st.BodyTemplate, &st.DelayMinutes, &condRaw, &st.CreateTask, &st.TaskTitle); err != nil {
				return err
			}
			if len(condRaw) > 0 {
				if err := json.Unmarshal(condRaw, &st.Conditions); err != nil {
					return errors.Wrapf(err, "step %s conditions", st.ID)
				}
			}
			out = append(out, &st)
		}
		return rows.Err()
	})
	return out, err
}

func (s *SequenceStore) InsertRun(ctx context.Context, tenantID string, run *domain.SequenceRun) error {
	return s.gate.Run(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		if run.ID == "" {
			run.ID = uuid.NewString()
		}
		_, err := tx.Exec(ctx, `insert into sequence_runs(
id, tenant_id, sequence_id, lead_id, status, next_step_index, next_step_at, started_at
) values ($1,$2,$3,$4,'RUNNING',0,$5,$6)`,
			run.ID, tenantID, run.SequenceID, run.LeadID, run.NextStepAt, run.StartedAt)
		return err
	})
}

func (s *SequenceStore) GetRun(ctx context.Context, tenantID, id string) (*domain.SequenceRun, error) {
	var run *domain.SequenceRun
	err := s.gate.Run(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		var got domain.SequenceRun
		err := tx.QueryRow(ctx, `select id, tenant_id, sequence_id, lead_id, status,
next_step_index, next_step_at, started_at, stopped_at
from sequence_runs where tenant_id = $1 and id = $2`, tenantID, id).
			Scan(&got.ID, &got.TenantID, &got.SequenceID, &got.LeadID, &got.Status,
				&got.NextStepIndex, &got.NextStepAt, &got.StartedAt, &got.StoppedAt)
		if err == pgx.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		run = &got
		return nil
	})
	return run, err
}

// DueRuns returns RUNNING runs whose next step is due, oldest first.
func (s *SequenceStore) DueRuns(ctx context.Context, tenantID string, now time.Time, limit int) ([]*domain.SequenceRun, error) {
	var out []*domain.SequenceRun
	err := s.gate.Run(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `select id, tenant_id, sequence_id, lead_id, status,
next_step_index, next_step_at, started_at, stopped_at
from sequence_runs
where tenant_id = $1 and status = 'RUNNING' and next_step_at is not null and next_step_at <= $2
order by next_step_at asc limit $3`, tenantID, now, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r domain.SequenceRun
			if err := rows.Scan(&r.ID, &r.TenantID, &r.SequenceID, &r.LeadID, &r.Status,
				&r.NextStepIndex, &r.NextStepAt, &r.StartedAt, &r.StoppedAt); err != nil {
				return err
			}
			out = append(out, &r)
		}
		return rows.Err()
	})
	return out, err
}

// Advance moves the run pointer forward. nextStepAt nil means there is
// no further step scheduled.
func (s *SequenceStore) Advance(ctx context.Context, tenantID, runID string, nextStepIndex int, nextStepAt *time.Time) error {
	return s.gate.Run(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `update sequence_runs
set next_step_index = $3, next_step_at = $4
where tenant_id = $1 and id = $2 and status = 'RUNNING' and next_step_index < $3`,
			tenantID, runID, nextStepIndex, nextStepAt)
		return err
	})
}

func (s *SequenceStore) FinishRun(ctx context.Context, tenantID, runID string, status domain.RunStatus) error {
	return s.gate.Run(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `update sequence_runs
set status = $3, next_step_at = null, stopped_at = now()
where tenant_id = $1 and id = $2 and status = 'RUNNING'`, tenantID, runID, status)
		return err
	})
}

func (s *SequenceStore) InsertRunStep(ctx context.Context, tenantID string, step *domain.SequenceRunStep) error {
	return s.gate.Run(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		if step.ID == "" {
			step.ID = uuid.NewString()
		}
		_, err := tx.Exec(ctx, `insert into sequence_run_steps(
id, tenant_id, run_id, order_index, status, job_id, error_code
) values ($1,$2,$3,$4,$5,$6,$7)`,
			step.ID, tenantID, step.RunID, step.OrderIndex, step.Status, step.JobID, step.ErrorCode)
		return err
	})
}
