// Package sequence advances multi-step drip campaigns against live
// lead state. Step offsets are relative to the run's original start
// time, so a late tick never compounds drift across steps.
package sequence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/relay/internal/address"
	"github.com/SirClappington/relay/internal/dedupe"
	"github.com/SirClappington/relay/internal/domain"
	"github.com/SirClappington/relay/internal/metrics"
	"github.com/SirClappington/relay/internal/outbound"
	"github.com/SirClappington/relay/internal/storage"
)

type RunStore interface {
	GetSequence(ctx context.Context, tenantID, id string) (*domain.Sequence, error)
	Steps(ctx context.Context, tenantID, sequenceID string) ([]*domain.SequenceStep, error)
	InsertRun(ctx context.Context, tenantID string, run *domain.SequenceRun) error
	GetRun(ctx context.Context, tenantID, id string) (*domain.SequenceRun, error)
	DueRuns(ctx context.Context, tenantID string, now time.Time, limit int) ([]*domain.SequenceRun, error)
	Advance(ctx context.Context, tenantID, runID string, nextStepIndex int, nextStepAt *time.Time) error
	FinishRun(ctx context.Context, tenantID, runID string, status domain.RunStatus) error
	InsertRunStep(ctx context.Context, tenantID string, step *domain.SequenceRunStep) error
}

type Leads interface {
	LeadSnapshot(ctx context.Context, tenantID, leadID string) (*domain.LeadSnapshot, error)
}

type Integrations interface {
	ActiveIntegration(ctx context.Context, tenantID string, channel domain.Channel) (*domain.Integration, error)
}

type Tasks interface {
	InsertTask(ctx context.Context, tenantID, leadID, title string) error
}

// Jobs is the outbound dispatcher entry point the engine emits into.
type Jobs interface {
	Create(ctx context.Context, tenantID string, p outbound.CreateParams) (outbound.CreateResult, error)
}

// LedgerView answers the stop conditions: replies and opt-outs.
type LedgerView interface {
	HasInboundSince(ctx context.Context, tenantID, leadID string, since time.Time) (bool, error)
	AnyOptOut(ctx context.Context, tenantID, leadID string) (bool, error)
	IsOptedOut(ctx context.Context, tenantID, leadID string, channel domain.Channel) (bool, error)
}

type Engine struct {
	runs         RunStore
	leads        Leads
	integrations Integrations
	tasks        Tasks
	jobs         Jobs
	ledger       LedgerView
	metrics      *metrics.Metrics
	log          *zap.Logger

	batchSize int
	now       func() time.Time
}

func NewEngine(runs RunStore, leads Leads, ints Integrations, tasks Tasks, jobs Jobs, ledger LedgerView, m *metrics.Metrics, log *zap.Logger, batchSize int) *Engine {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Engine{
		runs:         runs,
		leads:        leads,
		integrations: ints,
		tasks:        tasks,
		jobs:         jobs,
		ledger:       ledger,
		metrics:      m,
		log:          log,
		batchSize:    batchSize,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Start begins a run for one lead. The first step is scheduled off the
// start time like every later one.
func (e *Engine) Start(ctx context.Context, tenantID, sequenceID, leadID string) (*domain.SequenceRun, error) {
	seq, err := e.runs.GetSequence(ctx, tenantID, sequenceID)
	if err != nil {
		return nil, err
	}
	if !seq.Active {
		return nil, errors.Errorf("sequence %s is not active", sequenceID)
	}
	steps, err := e.runs.Steps(ctx, tenantID, sequenceID)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, errors.Errorf("sequence %s has no steps", sequenceID)
	}

	started := e.now()
	first := started.Add(time.Duration(steps[0].DelayMinutes) * time.Minute)
	run := &domain.SequenceRun{
		TenantID:      tenantID,
		SequenceID:    sequenceID,
		LeadID:        leadID,
		Status:        domain.RunRunning,
		NextStepIndex: 0,
		NextStepAt:    &first,
		StartedAt:     started,
	}
	if err := e.runs.InsertRun(ctx, tenantID, run); err != nil {
		return nil, err
	}
	return run, nil
}

func (e *Engine) CancelRun(ctx context.Context, tenantID, runID string) error {
	return e.runs.FinishRun(ctx, tenantID, runID, domain.RunCanceled)
}

// Tick processes one batch of due runs, oldest first. One run's failure
// never aborts the batch.
func (e *Engine) Tick(ctx context.Context, tenantID string) error {
	due, err := e.runs.DueRuns(ctx, tenantID, e.now(), e.batchSize)
	if err != nil {
		return errors.Wrap(err, "load due runs")
	}
	for _, run := range due {
		if err := e.processRun(ctx, tenantID, run.ID); err != nil {
			e.log.Error("sequence run tick failed",
				zap.String("tenant", tenantID), zap.String("run", run.ID), zap.Error(err))
		}
	}
	return nil
}

func (e *Engine) processRun(ctx context.Context, tenantID, runID string) error {
	// Reload: the batch row may be stale by the time we get here.
	run, err := e.runs.GetRun(ctx, tenantID, runID)
	if err != nil {
		return err
	}
	if run == nil || run.Status != domain.RunRunning {
		return nil
	}

	seq, err := e.runs.GetSequence(ctx, tenantID, run.SequenceID)
	if err != nil {
		return err
	}

	if seq.StopOnReply {
		stop, err := e.shouldStop(ctx, tenantID, run)
		if err != nil {
			return err
		}
		if stop {
			return e.runs.FinishRun(ctx, tenantID, runID, domain.RunCanceled)
		}
	}

	steps, err := e.runs.Steps(ctx, tenantID, run.SequenceID)
	if err != nil {
		return err
	}
	if run.NextStepIndex >= len(steps) {
		return e.runs.FinishRun(ctx, tenantID, runID, domain.RunCompleted)
	}
	step := steps[run.NextStepIndex]

	snap, err := e.leads.LeadSnapshot(ctx, tenantID, run.LeadID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Lead deleted since the run started: terminal for this run,
			// never for the batch.
			return e.runs.FinishRun(ctx, tenantID, runID, domain.RunFailed)
		}
		return err
	}

	recorded := &domain.SequenceRunStep{
		TenantID:   tenantID,
		RunID:      runID,
		OrderIndex: step.OrderIndex,
	}

	if ok, reason := Evaluate(step.Conditions, snap); !ok {
		recorded.Status = domain.StepSkipped
		recorded.ErrorCode = &reason
	} else if code, jobID, err := e.scheduleStep(ctx, tenantID, run, step, snap); err != nil {
		return err
	} else if code != "" {
		recorded.Status = domain.StepSkipped
		recorded.ErrorCode = &code
	} else {
		recorded.Status = domain.StepScheduled
		recorded.JobID = &jobID
	}

	if err := e.runs.InsertRunStep(ctx, tenantID, recorded); err != nil {
		return err
	}
	if recorded.Status == domain.StepScheduled {
		e.metrics.StepsScheduled.Inc()
	} else {
		e.metrics.StepsSkipped.Inc()
	}

	if recorded.Status == domain.StepScheduled && step.CreateTask {
		title := step.TaskTitle
		if title == "" {
			title = "Follow up: " + seq.Name
		}
		if terr := e.tasks.InsertTask(ctx, tenantID, run.LeadID, title); terr != nil {
			e.log.Warn("step task side effect failed",
				zap.String("run", runID), zap.Int("step", step.OrderIndex), zap.Error(terr))
		}
	}

	return e.advance(ctx, tenantID, run, steps)
}

func (e *Engine) shouldStop(ctx context.Context, tenantID string, run *domain.SequenceRun) (bool, error) {
	replied, err := e.ledger.HasInboundSince(ctx, tenantID, run.LeadID, run.StartedAt)
	if err != nil {
		return false, err
	}
	if replied {
		return true, nil
	}
	return e.ledger.AnyOptOut(ctx, tenantID, run.LeadID)
}

// scheduleStep renders and emits the outbound job for one step. A
// non-empty skip code means the step is recorded SKIPPED and the run
// still advances; only infrastructure errors come back as err.
func (e *Engine) scheduleStep(ctx context.Context, tenantID string, run *domain.SequenceRun, step *domain.SequenceStep, snap *domain.LeadSnapshot) (skipCode, jobID string, err error) {
	opted, err := e.ledger.IsOptedOut(ctx, tenantID, run.LeadID, step.Channel)
	if err != nil {
		return "", "", err
	}
	if opted {
		return "opted_out", "", nil
	}

	var destination string
	switch step.Channel {
	case domain.ChannelWhatsApp:
		if !address.ValidPhone(snap.Phone) {
			return "no_valid_phone", "", nil
		}
		destination = snap.Phone
	case domain.ChannelEmail:
		if !address.ValidEmail(snap.Email) {
			return "no_valid_email", "", nil
		}
		destination = snap.Email
	default:
		return "unsupported_channel", "", nil
	}

	integ, err := e.integrations.ActiveIntegration(ctx, tenantID, step.Channel)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "no_active_integration", "", nil
		}
		return "", "", err
	}

	payload := domain.MessagePayload{
		LeadID:      run.LeadID,
		Channel:     string(step.Channel),
		Destination: destination,
		Subject:     Render(step.Subject, snap),
		Body:        Render(step.BodyTemplate, snap),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", "", errors.Wrap(err, "marshal payload")
	}
	key := dedupe.SequenceJobKey(run.ID, step.OrderIndex)
	res, err := e.jobs.Create(ctx, tenantID, outbound.CreateParams{
		Type:          "message",
		Provider:      integ.Provider,
		IntegrationID: &integ.ID,
		DedupeKey:     &key,
		Payload:       raw,
	})
	if err != nil {
		return "", "", errors.Wrap(err, "create outbound job")
	}
	return "", res.ID, nil
}

// advance always moves the pointer forward, scheduled or skipped. The
// completing transition records the increment too, so a finished run
// ends with the index at the step count.
func (e *Engine) advance(ctx context.Context, tenantID string, run *domain.SequenceRun, steps []*domain.SequenceStep) error {
	next := run.NextStepIndex + 1
	if next >= len(steps) {
		if err := e.runs.Advance(ctx, tenantID, run.ID, next, nil); err != nil {
			return err
		}
		return e.runs.FinishRun(ctx, tenantID, run.ID, domain.RunCompleted)
	}
	at := run.StartedAt.Add(time.Duration(steps[next].DelayMinutes) * time.Minute)
	return e.runs.Advance(ctx, tenantID, run.ID, next, &at)
}
