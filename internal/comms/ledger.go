// Package comms owns the append-only communication ledger, the opt-out
// registry, and the best-effort projection into the CRM timeline.
package comms

import (
	"context"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/SirClappington/relay/internal/domain"
)

type Store interface {
	InsertEvent(ctx context.Context, tenantID string, ev *domain.CommEvent) (id string, duplicate bool, err error)
	UpdateEventStatusByJob(ctx context.Context, tenantID, jobID, status string, providerMsgID *string) error
	HasInboundSince(ctx context.Context, tenantID, leadID string, since time.Time) (bool, error)
	SetOptOut(ctx context.Context, tenantID, leadID string, channel domain.Channel, reason string) error
	ClearOptOut(ctx context.Context, tenantID, leadID string, channel domain.Channel) error
	IsOptedOut(ctx context.Context, tenantID, leadID string, channel domain.Channel) (bool, error)
	AnyOptOut(ctx context.Context, tenantID, leadID string) (bool, error)
	InsertActivity(ctx context.Context, tenantID, leadID, kind, summary string) error
}

type Ledger struct {
	store Store
	log   *zap.Logger
}

func NewLedger(store Store, log *zap.Logger) *Ledger {
	return &Ledger{store: store, log: log}
}

// Record appends one event idempotently. The provider message id keys
// dedup when present; otherwise a key is synthesized from the stable
// fields so retried ingestion never double-records. The timeline
// projection is derived and best-effort; the ledger row is what counts.
func (l *Ledger) Record(ctx context.Context, tenantID string, ev *domain.CommEvent) (string, bool, error) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	if ev.DedupeKey == "" {
		ev.DedupeKey = synthKey(ev)
	}
	id, dup, err := l.store.InsertEvent(ctx, tenantID, ev)
	if err != nil {
		return "", false, err
	}
	if dup {
		return id, true, nil
	}

	if ev.LeadID != nil {
		summary := fmt.Sprintf("%s %s (%s)", ev.Direction, ev.Channel, ev.Status)
		if perr := l.store.InsertActivity(ctx, tenantID, *ev.LeadID, "communication", summary); perr != nil {
			l.log.Warn("timeline projection failed",
				zap.String("tenant", tenantID), zap.String("event", id), zap.Error(perr))
		}
	}
	return id, false, nil
}

// MirrorJobStatus propagates a job status change onto its ledger
// entries. Failures are logged, never returned: the job transition has
// already committed and must not be disturbed.
func (l *Ledger) MirrorJobStatus(ctx context.Context, tenantID, jobID, status string) {
	if err := l.store.UpdateEventStatusByJob(ctx, tenantID, jobID, status, nil); err != nil {
		l.log.Warn("ledger mirror failed",
			zap.String("tenant", tenantID), zap.String("job", jobID), zap.Error(err))
	}
}

// MirrorJobSent marks the job's ledger entries delivered and attaches
// the provider message id for cross-system tracing.
func (l *Ledger) MirrorJobSent(ctx context.Context, tenantID, jobID, providerMsgID string) {
	var msg *string
	if providerMsgID != "" {
		msg = &providerMsgID
	}
	if err := l.store.UpdateEventStatusByJob(ctx, tenantID, jobID, string(domain.JobSent), msg); err != nil {
		l.log.Warn("ledger mirror failed",
			zap.String("tenant", tenantID), zap.String("job", jobID), zap.Error(err))
	}
}

func (l *Ledger) HasInboundSince(ctx context.Context, tenantID, leadID string, since time.Time) (bool, error) {
	return l.store.HasInboundSince(ctx, tenantID, leadID, since)
}

func (l *Ledger) SetOptOut(ctx context.Context, tenantID, leadID string, channel domain.Channel, reason string) error {
	return l.store.SetOptOut(ctx, tenantID, leadID, channel, reason)
}

func (l *Ledger) ClearOptOut(ctx context.Context, tenantID, leadID string, channel domain.Channel) error {
	return l.store.ClearOptOut(ctx, tenantID, leadID, channel)
}

func (l *Ledger) IsOptedOut(ctx context.Context, tenantID, leadID string, channel domain.Channel) (bool, error) {
	return l.store.IsOptedOut(ctx, tenantID, leadID, channel)
}

func (l *Ledger) AnyOptOut(ctx context.Context, tenantID, leadID string) (bool, error) {
	return l.store.AnyOptOut(ctx, tenantID, leadID)
}

func synthKey(ev *domain.CommEvent) string {
	lead, msg := "", ""
	if ev.LeadID != nil {
		lead = *ev.LeadID
	}
	if ev.MessageID != nil {
		msg = *ev.MessageID
	}
	s := fmt.Sprintf("%s|%s|%s|%s|%d", ev.Channel, ev.Direction, lead, msg, ev.OccurredAt.Unix())
	return fmt.Sprintf("%016x", xxhash.Sum64String(s))
}
