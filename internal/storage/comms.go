package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/SirClappington/relay/internal/domain"
	"github.com/SirClappington/relay/internal/tenant"
)

type CommStore struct {
	gate *tenant.Gate
}

func NewCommStore(g *tenant.Gate) *CommStore { return &CommStore{g} }

// InsertEvent appends one ledger entry. A collision on the provider
// message id (per channel) or the dedupe key is a no-op returning the
// existing id with duplicate=true.
func (s *CommStore) InsertEvent(ctx context.Context, tenantID string, ev *domain.CommEvent) (id string, duplicate bool, err error) {
	err = s.gate.Run(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		newID := uuid.NewString()
		row := tx.QueryRow(ctx, `insert into comm_events(
id, tenant_id, channel, direction, status, lead_id, thread_id, message_id, job_id,
provider_msg_id, dedupe_key, occurred_at
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
on conflict do nothing
returning id`,
			newID, tenantID, ev.Channel, ev.Direction, ev.Status, ev.LeadID, ev.ThreadID,
			ev.MessageID, ev.JobID, ev.ProviderMsgID, ev.DedupeKey, ev.OccurredAt)

		if scanErr := row.Scan(&id); scanErr == nil {
			return nil
		} else if scanErr != pgx.ErrNoRows {
			return scanErr
		}

		duplicate = true
		if ev.ProviderMsgID != nil {
			return tx.QueryRow(ctx, `select id from comm_events
where tenant_id = $1 and channel = $2 and provider_msg_id = $3`,
				tenantID, ev.Channel, ev.ProviderMsgID).Scan(&id)
		}
		return tx.QueryRow(ctx, `select id from comm_events
where tenant_id = $1 and dedupe_key = $2`, tenantID, ev.DedupeKey).Scan(&id)
	})
	return id, duplicate, err
}

func (s *CommStore) UpdateEventStatusByJob(ctx context.Context, tenantID, jobID, status string, providerMsgID *string) error {
	return s.gate.Run(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `update comm_events
set status = $3, provider_msg_id = coalesce($4, provider_msg_id)
where tenant_id = $1 and job_id = $2`, tenantID, jobID, status, providerMsgID)
		return err
	})
}

// HasInboundSince reports whether any inbound entry exists for a lead
// after the given time. Drives stop-on-reply.
func (s *CommStore) HasInboundSince(ctx context.Context, tenantID, leadID string, since time.Time) (bool, error) {
	var found bool
	err := s.gate.Run(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		return tx.QueryRow(ctx, `select exists(
select 1 from comm_events
where tenant_id = $1 and lead_id = $2 and direction = 'inbound' and occurred_at > $3)`,
			tenantID, leadID, since).Scan(&found)
	})
	return found, err
}

func (s *CommStore) SetOptOut(ctx context.Context, tenantID, leadID string, channel domain.Channel, reason string) error {
	return s.gate.Run(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `insert into comm_opt_outs(tenant_id, lead_id, channel, reason)
values ($1,$2,$3,$4) on conflict (tenant_id, lead_id, channel) do nothing`,
			tenantID, leadID, channel, reason)
		return err
	})
}

func (s *CommStore) ClearOptOut(ctx context.Context, tenantID, leadID string, channel domain.Channel) error {
	return s.gate.Run(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `delete from comm_opt_outs
where tenant_id = $1 and lead_id = $2 and channel = $3`, tenantID, leadID, channel)
		return err
	})
}

func (s *CommStore) IsOptedOut(ctx context.Context, tenantID, leadID string, channel domain.Channel) (bool, error) {
	var out bool
	err := s.gate.Run(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		return tx.QueryRow(ctx, `select exists(
select 1 from comm_opt_outs where tenant_id = $1 and lead_id = $2 and channel = $3)`,
			tenantID, leadID, channel).Scan(&out)
	})
	return out, err
}

// AnyOptOut reports whether the lead opted out of any channel at all.
// The sequence engine stops entirely on any opt-out.
func (s *CommStore) AnyOptOut(ctx context.Context, tenantID, leadID string) (bool, error) {
	var out bool
	err := s.gate.Run(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		return tx.QueryRow(ctx, `select exists(
select 1 from comm_opt_outs where tenant_id = $1 and lead_id = $2)`, tenantID, leadID).Scan(&out)
	})
	return out, err
}

// InsertActivity writes the derived timeline projection. Callers treat
// failures as log-only; the ledger stays authoritative.
func (s *CommStore) InsertActivity(ctx context.Context, tenantID, leadID, kind, summary string) error {
	return s.gate.Run(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `insert into activities(id, tenant_id, lead_id, kind, summary)
values ($1,$2,$3,$4,$5)`, uuid.NewString(), tenantID, leadID, kind, summary)
		return err
	})
}
