// Package outbound is the durable, provider-agnostic send state
// machine: create with dedup, claim, deliver, back off, terminate.
package outbound

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/relay/internal/backoff"
	"github.com/SirClappington/relay/internal/domain"
	"github.com/SirClappington/relay/internal/metrics"
	"github.com/SirClappington/relay/internal/provider"
	"github.com/SirClappington/relay/internal/queue"
)

type Store interface {
	Insert(ctx context.Context, tenantID string, j *domain.Job) (id string, duplicate bool, err error)
	Get(ctx context.Context, tenantID, id string) (*domain.Job, error)
	Claim(ctx context.Context, tenantID, id, lockedBy string) (*domain.Job, error)
	MarkSent(ctx context.Context, tenantID, id string, result []byte) error
	MarkFailed(ctx context.Context, tenantID, id, code, msg string, nextAttemptAt time.Time) error
	MarkDead(ctx context.Context, tenantID, id, code, msg string) error
	Cancel(ctx context.Context, tenantID, id, code string) error
	ResetForRetry(ctx context.Context, tenantID, id string) error
}

// Bridge is the slice of the communication ledger the dispatcher needs:
// status mirroring (best-effort) and opt-out checks (defense in depth).
type Bridge interface {
	MirrorJobStatus(ctx context.Context, tenantID, jobID, status string)
	MirrorJobSent(ctx context.Context, tenantID, jobID, providerMsgID string)
	IsOptedOut(ctx context.Context, tenantID, leadID string, channel domain.Channel) (bool, error)
	Record(ctx context.Context, tenantID string, ev *domain.CommEvent) (string, bool, error)
}

type Service struct {
	store     Store
	queue     queue.Queue
	providers *provider.Registry
	bridge    Bridge
	metrics   *metrics.Metrics
	log       *zap.Logger

	workerID    string
	maxAttempts int
	schedule    backoff.Policy
	rateLimit   backoff.Policy
	now         func() time.Time
}

type Options struct {
	WorkerID       string
	MaxAttempts    int
	RateLimitRetry time.Duration
}

func NewService(store Store, q queue.Queue, reg *provider.Registry, bridge Bridge, m *metrics.Metrics, log *zap.Logger, opts Options) *Service {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.RateLimitRetry <= 0 {
		opts.RateLimitRetry = 10 * time.Second
	}
	return &Service{
		store:       store,
		queue:       q,
		providers:   reg,
		bridge:      bridge,
		metrics:     m,
		log:         log,
		workerID:    opts.WorkerID,
		maxAttempts: opts.MaxAttempts,
		schedule:    backoff.DefaultSchedule,
		rateLimit:   backoff.Fixed(opts.RateLimitRetry),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

type CreateParams struct {
	Type          string
	Provider      string
	IntegrationID *string
	DedupeKey     *string
	Payload       []byte
}

type CreateResult struct {
	ID        string `json:"id"`
	Duplicate bool   `json:"duplicate"`
}

// Create persists a send intent and wakes a worker. A dedupe-key
// collision returns the existing id and enqueues nothing.
func (s *Service) Create(ctx context.Context, tenantID string, p CreateParams) (CreateResult, error) {
	j := &domain.Job{
		Type:          p.Type,
		Provider:      p.Provider,
		IntegrationID: p.IntegrationID,
		DedupeKey:     p.DedupeKey,
		Payload:       p.Payload,
		MaxAttempts:   s.maxAttempts,
	}
	id, dup, err := s.store.Insert(ctx, tenantID, j)
	if err != nil {
		return CreateResult{}, errors.Wrap(err, "insert job")
	}
	if dup {
		s.metrics.JobsDeduped.Inc()
		return CreateResult{ID: id, Duplicate: true}, nil
	}
	s.recordCreated(ctx, tenantID, id, p.Payload)
	if err := s.queue.Enqueue(ctx, queue.TopicJob, queue.Message{EntityID: id, TenantID: tenantID}); err != nil {
		// Row is durable; the scheduler's reconcile pass will re-enqueue.
		s.log.Warn("enqueue failed", zap.String("job", id), zap.Error(err))
	}
	return CreateResult{ID: id}, nil
}

// Process drives one delivery attempt. The queue message only located
// the row; current state is reloaded and every transition is guarded.
func (s *Service) Process(ctx context.Context, tenantID, jobID string) error {
	job, err := s.store.Get(ctx, tenantID, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	if blocked, leadID := s.optOutBlocked(ctx, tenantID, job); blocked {
		if err := s.store.Cancel(ctx, tenantID, jobID, "opted_out"); err != nil {
			return err
		}
		s.bridge.MirrorJobStatus(ctx, tenantID, jobID, string(domain.JobCanceled))
		s.log.Info("send blocked by opt-out",
			zap.String("tenant", tenantID), zap.String("job", jobID), zap.String("lead", leadID))
		return nil
	}

	job, err = s.store.Claim(ctx, tenantID, jobID, s.workerID)
	if err != nil {
		return err
	}
	if job == nil {
		// Lost the claim or the row moved on. Harmless.
		return nil
	}

	adapter, err := s.providers.Resolve(job.Type, job.Provider)
	if err != nil {
		if derr := s.store.MarkDead(ctx, tenantID, jobID, "no_adapter", err.Error()); derr != nil {
			return derr
		}
		s.metrics.JobsDead.Inc()
		s.bridge.MirrorJobStatus(ctx, tenantID, jobID, string(domain.JobDead))
		return nil
	}

	var p domain.MessagePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		if derr := s.store.MarkDead(ctx, tenantID, jobID, "bad_payload", err.Error()); derr != nil {
			return derr
		}
		s.metrics.JobsDead.Inc()
		s.bridge.MirrorJobStatus(ctx, tenantID, jobID, string(domain.JobDead))
		return nil
	}

	msgID, sendErr := adapter.Send(ctx, p.Destination, p.Subject, p.Body, s.idempotencyKey(job))
	if sendErr != nil {
		return s.handleFailure(ctx, tenantID, job, sendErr)
	}

	result, _ := json.Marshal(map[string]string{"providerMessageId": msgID})
	if err := s.store.MarkSent(ctx, tenantID, jobID, result); err != nil {
		return err
	}
	s.metrics.JobsSent.Inc()
	s.bridge.MirrorJobSent(ctx, tenantID, jobID, msgID)
	return nil
}

func (s *Service) handleFailure(ctx context.Context, tenantID string, job *domain.Job, sendErr error) error {
	code := provider.Code(sendErr)
	switch provider.Classify(sendErr) {
	case provider.ClassRateLimited:
		// Rate limits are treated as inherently temporary; they never
		// consume the terminal consequence of the attempt budget.
		next := s.now().Add(s.rateLimit.Next(job.Attempts))
		if err := s.store.MarkFailed(ctx, tenantID, job.ID, code, sendErr.Error(), next); err != nil {
			return err
		}
		s.metrics.JobsFailed.Inc()
		s.bridge.MirrorJobStatus(ctx, tenantID, job.ID, string(domain.JobFailed))
		return nil

	case provider.ClassPermanent:
		if err := s.store.MarkDead(ctx, tenantID, job.ID, code, sendErr.Error()); err != nil {
			return err
		}
		s.metrics.JobsDead.Inc()
		s.bridge.MirrorJobStatus(ctx, tenantID, job.ID, string(domain.JobDead))
		return nil

	default:
		if job.Attempts >= job.MaxAttempts {
			if err := s.store.MarkDead(ctx, tenantID, job.ID, code, sendErr.Error()); err != nil {
				return err
			}
			s.metrics.JobsDead.Inc()
			s.bridge.MirrorJobStatus(ctx, tenantID, job.ID, string(domain.JobDead))
			return nil
		}
		next := s.now().Add(s.schedule.Next(job.Attempts))
		if err := s.store.MarkFailed(ctx, tenantID, job.ID, code, sendErr.Error(), next); err != nil {
			return err
		}
		s.metrics.JobsFailed.Inc()
		s.bridge.MirrorJobStatus(ctx, tenantID, job.ID, string(domain.JobFailed))
		return nil
	}
}

// Retry is the explicit operator path out of DEAD.
func (s *Service) Retry(ctx context.Context, tenantID, jobID string) error {
	if err := s.store.ResetForRetry(ctx, tenantID, jobID); err != nil {
		return err
	}
	s.bridge.MirrorJobStatus(ctx, tenantID, jobID, string(domain.JobPending))
	if err := s.queue.Enqueue(ctx, queue.TopicJob, queue.Message{EntityID: jobID, TenantID: tenantID}); err != nil {
		s.log.Warn("enqueue failed", zap.String("job", jobID), zap.Error(err))
	}
	return nil
}

func (s *Service) Cancel(ctx context.Context, tenantID, jobID string) error {
	if err := s.store.Cancel(ctx, tenantID, jobID, "canceled"); err != nil {
		return err
	}
	s.bridge.MirrorJobStatus(ctx, tenantID, jobID, string(domain.JobCanceled))
	return nil
}

func (s *Service) optOutBlocked(ctx context.Context, tenantID string, job *domain.Job) (bool, string) {
	var p domain.MessagePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil || p.LeadID == "" || p.Channel == "" {
		return false, ""
	}
	out, err := s.bridge.IsOptedOut(ctx, tenantID, p.LeadID, domain.Channel(p.Channel))
	if err != nil {
		s.log.Warn("opt-out check failed", zap.String("job", job.ID), zap.Error(err))
		return false, ""
	}
	return out, p.LeadID
}

// recordCreated appends the job's ledger entry at creation, so every
// later outcome (SENT, FAILED, DEAD, CANCELED) lands on a row via the
// status mirror. Log-only on failure, like the mirror itself.
func (s *Service) recordCreated(ctx context.Context, tenantID, jobID string, payload []byte) {
	var p domain.MessagePayload
	_ = json.Unmarshal(payload, &p)
	ev := &domain.CommEvent{
		Channel:   domain.Channel(p.Channel),
		Direction: domain.DirOutbound,
		Status:    string(domain.JobPending),
		JobID:     &jobID,
		DedupeKey: "job:" + jobID,
	}
	if p.Channel == "" {
		ev.Channel = domain.ChannelEmail
	}
	if p.LeadID != "" {
		ev.LeadID = &p.LeadID
	}
	if _, _, err := s.bridge.Record(ctx, tenantID, ev); err != nil {
		s.log.Warn("ledger record failed", zap.String("job", jobID), zap.Error(err))
	}
}

func (s *Service) idempotencyKey(job *domain.Job) string {
	if job.DedupeKey != nil && *job.DedupeKey != "" {
		return *job.DedupeKey
	}
	return job.ID
}
