package sequence

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/relay/internal/dedupe"
	"github.com/SirClappington/relay/internal/domain"
	"github.com/SirClappington/relay/internal/metrics"
	"github.com/SirClappington/relay/internal/outbound"
	"github.com/SirClappington/relay/internal/storage"
)

type fakeRunStore struct {
	sequences map[string]*domain.Sequence
	steps     map[string][]*domain.SequenceStep
	runs      map[string]*domain.SequenceRun
	runSteps  []*domain.SequenceRunStep
	nextID    int
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{
		sequences: map[string]*domain.Sequence{},
		steps:     map[string][]*domain.SequenceStep{},
		runs:      map[string]*domain.SequenceRun{},
	}
}

func (f *fakeRunStore) GetSequence(_ context.Context, _, id string) (*domain.Sequence, error) {
	return f.sequences[id], nil
}

func (f *fakeRunStore) Steps(_ context.Context, _, sequenceID string) ([]*domain.SequenceStep, error) {
	return f.steps[sequenceID], nil
}

func (f *fakeRunStore) InsertRun(_ context.Context, tenantID string, run *domain.SequenceRun) error {
	f.nextID++
	run.ID = "run-" + string(rune('0'+f.nextID))
	run.TenantID = tenantID
	f.runs[run.ID] = run
	return nil
}

func (f *fakeRunStore) GetRun(_ context.Context, _, id string) (*domain.SequenceRun, error) {
	r, ok := f.runs[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (f *fakeRunStore) DueRuns(_ context.Context, _ string, now time.Time, limit int) ([]*domain.SequenceRun, error) {
	var out []*domain.SequenceRun
	for _, r := range f.runs {
		if r.Status == domain.RunRunning && r.NextStepAt != nil && !r.NextStepAt.After(now) {
			cp := *r
			out = append(out, &cp)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeRunStore) Advance(_ context.Context, _, runID string, nextStepIndex int, nextStepAt *time.Time) error {
	r := f.runs[runID]
	if nextStepIndex <= r.NextStepIndex {
		return nil
	}
	r.NextStepIndex = nextStepIndex
	r.NextStepAt = nextStepAt
	return nil
}

func (f *fakeRunStore) FinishRun(_ context.Context, _, runID string, status domain.RunStatus) error {
	r := f.runs[runID]
	if r.Status != domain.RunRunning {
		return nil
	}
	now := time.Now().UTC()
	r.Status = status
	r.NextStepAt = nil
	r.StoppedAt = &now
	return nil
}

func (f *fakeRunStore) InsertRunStep(_ context.Context, tenantID string, step *domain.SequenceRunStep) error {
	step.TenantID = tenantID
	f.runSteps = append(f.runSteps, step)
	return nil
}

type fakeLeads struct {
	snaps map[string]*domain.LeadSnapshot
}

func (f *fakeLeads) LeadSnapshot(_ context.Context, _, leadID string) (*domain.LeadSnapshot, error) {
	if s, ok := f.snaps[leadID]; ok {
		return s, nil
	}
	return nil, storage.ErrNotFound
}

type fakeIntegrations struct {
	byChannel map[domain.Channel]*domain.Integration
}

func (f *fakeIntegrations) ActiveIntegration(_ context.Context, _ string, ch domain.Channel) (*domain.Integration, error) {
	if i, ok := f.byChannel[ch]; ok {
		return i, nil
	}
	return nil, storage.ErrNotFound
}

type fakeTasks struct {
	titles []string
	err    error
}

func (f *fakeTasks) InsertTask(_ context.Context, _, _, title string) error {
	if f.err != nil {
		return f.err
	}
	f.titles = append(f.titles, title)
	return nil
}

type fakeJobs struct {
	created []outbound.CreateParams
	byKey   map[string]string
	nextID  int
}

func newFakeJobs() *fakeJobs { return &fakeJobs{byKey: map[string]string{}} }

func (f *fakeJobs) Create(_ context.Context, _ string, p outbound.CreateParams) (outbound.CreateResult, error) {
	if p.DedupeKey != nil {
		if id, ok := f.byKey[*p.DedupeKey]; ok {
			return outbound.CreateResult{ID: id, Duplicate: true}, nil
		}
	}
	f.nextID++
	id := "job-" + string(rune('0'+f.nextID))
	if p.DedupeKey != nil {
		f.byKey[*p.DedupeKey] = id
	}
	f.created = append(f.created, p)
	return outbound.CreateResult{ID: id}, nil
}

type fakeLedger struct {
	inboundAfter *time.Time
	optOuts      map[string]bool // leadID/channel
}

func (f *fakeLedger) HasInboundSince(_ context.Context, _, _ string, since time.Time) (bool, error) {
	return f.inboundAfter != nil && f.inboundAfter.After(since), nil
}

func (f *fakeLedger) AnyOptOut(_ context.Context, _, leadID string) (bool, error) {
	for k, v := range f.optOuts {
		if v && len(k) > len(leadID) && k[:len(leadID)] == leadID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeLedger) IsOptedOut(_ context.Context, _, leadID string, ch domain.Channel) (bool, error) {
	return f.optOuts[leadID+"/"+string(ch)], nil
}

type fixture struct {
	store   *fakeRunStore
	leads   *fakeLeads
	ints    *fakeIntegrations
	tasks   *fakeTasks
	jobs    *fakeJobs
	ledger  *fakeLedger
	engine  *Engine
	started time.Time
}

func newFixture() *fixture {
	f := &fixture{
		store: newFakeRunStore(),
		leads: &fakeLeads{snaps: map[string]*domain.LeadSnapshot{}},
		ints: &fakeIntegrations{byChannel: map[domain.Channel]*domain.Integration{
			domain.ChannelEmail:    {ID: "int-e", Channel: domain.ChannelEmail, Provider: "email", Active: true},
			domain.ChannelWhatsApp: {ID: "int-w", Channel: domain.ChannelWhatsApp, Provider: "whatsapp", Active: true},
		}},
		tasks:   &fakeTasks{},
		jobs:    newFakeJobs(),
		ledger:  &fakeLedger{optOuts: map[string]bool{}},
		started: time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC),
	}
	f.engine = NewEngine(f.store, f.leads, f.ints, f.tasks, f.jobs, f.ledger, metrics.NewNop(), zap.NewNop(), 50)
	f.engine.now = func() time.Time { return f.started }
	return f
}

func (f *fixture) seedSequence(stopOnReply bool, steps ...*domain.SequenceStep) string {
	id := "seq-1"
	f.store.sequences[id] = &domain.Sequence{
		ID: id, TenantID: "t1", Name: "Buyer follow-up",
		StopOnReply: stopOnReply, Active: true,
	}
	for i, s := range steps {
		s.SequenceID = id
		s.OrderIndex = i
	}
	f.store.steps[id] = steps
	return id
}

func (f *fixture) seedLead(id string, snap *domain.LeadSnapshot) {
	snap.ID = id
	f.leads.snaps[id] = snap
}

func emailStep(delay int) *domain.SequenceStep {
	return &domain.SequenceStep{
		Channel:      domain.ChannelEmail,
		Subject:      "Hi {{firstName}}",
		BodyTemplate: "Following up on your enquiry, {{firstName}}.",
		DelayMinutes: delay,
	}
}

func TestStartSchedulesFirstStepFromStart(t *testing.T) {
	f := newFixture()
	seqID := f.seedSequence(true, emailStep(0), emailStep(60))

	run, err := f.engine.Start(context.Background(), "t1", seqID, "l1")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != domain.RunRunning || run.NextStepIndex != 0 {
		t.Fatalf("run = %+v", run)
	}
	if run.NextStepAt == nil || !run.NextStepAt.Equal(f.started) {
		t.Fatalf("first step at %v, want %v", run.NextStepAt, f.started)
	}
}

func TestStartRejectsInactiveSequence(t *testing.T) {
	f := newFixture()
	seqID := f.seedSequence(true, emailStep(0))
	f.store.sequences[seqID].Active = false

	if _, err := f.engine.Start(context.Background(), "t1", seqID, "l1"); err == nil {
		t.Fatal("inactive sequence started a run")
	}
}

func TestTickSchedulesStepAndAdvances(t *testing.T) {
	f := newFixture()
	seqID := f.seedSequence(true, emailStep(0), emailStep(60))
	f.seedLead("l1", &domain.LeadSnapshot{Status: "new", FirstName: "Jane", Email: "jane@example.com"})
	run, _ := f.engine.Start(context.Background(), "t1", seqID, "l1")

	if err := f.engine.Tick(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}

	if len(f.jobs.created) != 1 {
		t.Fatalf("jobs created = %d, want 1", len(f.jobs.created))
	}
	p := f.jobs.created[0]
	if p.Type != "message" || p.Provider != "email" {
		t.Fatalf("job params = %+v", p)
	}
	wantKey := dedupe.SequenceJobKey(run.ID, 0)
	if p.DedupeKey == nil || *p.DedupeKey != wantKey {
		t.Fatalf("dedupe key = %v, want %s", p.DedupeKey, wantKey)
	}

	got := f.store.runs[run.ID]
	if got.NextStepIndex != 1 {
		t.Fatalf("next step index = %d, want 1", got.NextStepIndex)
	}
	wantAt := f.started.Add(60 * time.Minute)
	if got.NextStepAt == nil || !got.NextStepAt.Equal(wantAt) {
		t.Fatalf("next step at %v, want %v", got.NextStepAt, wantAt)
	}
	if len(f.store.runSteps) != 1 || f.store.runSteps[0].Status != domain.StepScheduled {
		t.Fatalf("run steps = %+v", f.store.runSteps)
	}
}

func TestTickIsIdempotentPerStep(t *testing.T) {
	f := newFixture()
	seqID := f.seedSequence(true, emailStep(0), emailStep(60))
	f.seedLead("l1", &domain.LeadSnapshot{Status: "new", Email: "jane@example.com"})
	_, _ = f.engine.Start(context.Background(), "t1", seqID, "l1")

	// A second tick before the next step is due sees nothing to do.
	_ = f.engine.Tick(context.Background(), "t1")
	_ = f.engine.Tick(context.Background(), "t1")

	if len(f.jobs.created) != 1 {
		t.Fatalf("jobs created = %d, want 1", len(f.jobs.created))
	}
}

func TestStopOnReplyCancelsBeforeSending(t *testing.T) {
	f := newFixture()
	seqID := f.seedSequence(true, emailStep(0))
	f.seedLead("l1", &domain.LeadSnapshot{Status: "new", Email: "jane@example.com"})
	run, _ := f.engine.Start(context.Background(), "t1", seqID, "l1")

	replied := f.started.Add(time.Minute)
	f.ledger.inboundAfter = &replied

	if err := f.engine.Tick(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}
	got := f.store.runs[run.ID]
	if got.Status != domain.RunCanceled {
		t.Fatalf("status = %s, want CANCELED", got.Status)
	}
	if got.NextStepAt != nil {
		t.Fatal("canceled run still scheduled")
	}
	if len(f.jobs.created) != 0 {
		t.Fatal("canceled run still sent")
	}
	if len(f.store.runSteps) != 0 {
		t.Fatal("cancellation recorded a run step")
	}
}

func TestStopOnReplyCancelsOnOptOut(t *testing.T) {
	f := newFixture()
	seqID := f.seedSequence(true, emailStep(0))
	f.seedLead("l1", &domain.LeadSnapshot{Status: "new", Email: "jane@example.com"})
	run, _ := f.engine.Start(context.Background(), "t1", seqID, "l1")
	f.ledger.optOuts["l1/whatsapp"] = true

	_ = f.engine.Tick(context.Background(), "t1")
	if f.store.runs[run.ID].Status != domain.RunCanceled {
		t.Fatalf("status = %s, want CANCELED", f.store.runs[run.ID].Status)
	}
}

func TestStopOnReplyOffIgnoresReplies(t *testing.T) {
	f := newFixture()
	seqID := f.seedSequence(false, emailStep(0))
	f.seedLead("l1", &domain.LeadSnapshot{Status: "new", Email: "jane@example.com"})
	_, _ = f.engine.Start(context.Background(), "t1", seqID, "l1")

	replied := f.started.Add(time.Minute)
	f.ledger.inboundAfter = &replied

	_ = f.engine.Tick(context.Background(), "t1")
	if len(f.jobs.created) != 1 {
		t.Fatal("reply stopped a sequence with stop_on_reply off")
	}
}

func TestConditionSkipStillAdvances(t *testing.T) {
	f := newFixture()
	step := &domain.SequenceStep{
		Channel:      domain.ChannelWhatsApp,
		BodyTemplate: "Quick ping, {{firstName}}",
		Conditions:   []domain.StepCondition{{Kind: domain.CondHasValidPhone}},
	}
	seqID := f.seedSequence(true, step, emailStep(60))
	f.seedLead("l1", &domain.LeadSnapshot{Status: "new", Email: "jane@example.com"}) // no phone
	run, _ := f.engine.Start(context.Background(), "t1", seqID, "l1")

	if err := f.engine.Tick(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}
	if len(f.jobs.created) != 0 {
		t.Fatal("skipped step still created a job")
	}
	if len(f.store.runSteps) != 1 {
		t.Fatalf("run steps = %d, want 1", len(f.store.runSteps))
	}
	rs := f.store.runSteps[0]
	if rs.Status != domain.StepSkipped || rs.ErrorCode == nil || *rs.ErrorCode != "no_valid_phone" {
		t.Fatalf("run step = %+v", rs)
	}
	if f.store.runs[run.ID].NextStepIndex != 1 {
		t.Fatal("skip did not advance the run")
	}
}

func TestLeadOptOutSkipsChannelStep(t *testing.T) {
	f := newFixture()
	seqID := f.seedSequence(true, emailStep(0), emailStep(60))
	f.seedLead("l1", &domain.LeadSnapshot{Status: "new", Email: "jane@example.com"})
	f.store.sequences[seqID].StopOnReply = false
	f.ledger.optOuts["l1/email"] = true
	_, _ = f.engine.Start(context.Background(), "t1", seqID, "l1")

	_ = f.engine.Tick(context.Background(), "t1")
	if len(f.jobs.created) != 0 {
		t.Fatal("opted-out lead received a step")
	}
	rs := f.store.runSteps[0]
	if rs.Status != domain.StepSkipped || *rs.ErrorCode != "opted_out" {
		t.Fatalf("run step = %+v", rs)
	}
}

func TestMissingIntegrationSkips(t *testing.T) {
	f := newFixture()
	seqID := f.seedSequence(true, emailStep(0))
	f.seedLead("l1", &domain.LeadSnapshot{Status: "new", Email: "jane@example.com"})
	delete(f.ints.byChannel, domain.ChannelEmail)
	run, _ := f.engine.Start(context.Background(), "t1", seqID, "l1")

	_ = f.engine.Tick(context.Background(), "t1")
	rs := f.store.runSteps[0]
	if rs.Status != domain.StepSkipped || *rs.ErrorCode != "no_active_integration" {
		t.Fatalf("run step = %+v", rs)
	}
	// Single-step sequence finishes even when its only step is skipped,
	// and the index still moves past it.
	if f.store.runs[run.ID].Status != domain.RunCompleted {
		t.Fatalf("status = %s, want COMPLETED", f.store.runs[run.ID].Status)
	}
	if f.store.runs[run.ID].NextStepIndex != 1 {
		t.Fatalf("next step index = %d, want 1", f.store.runs[run.ID].NextStepIndex)
	}
}

func TestDeletedLeadFailsRun(t *testing.T) {
	f := newFixture()
	seqID := f.seedSequence(true, emailStep(0))
	run, _ := f.engine.Start(context.Background(), "t1", seqID, "ghost")

	if err := f.engine.Tick(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}
	if f.store.runs[run.ID].Status != domain.RunFailed {
		t.Fatalf("status = %s, want FAILED", f.store.runs[run.ID].Status)
	}
}

func TestLastStepCompletesRun(t *testing.T) {
	f := newFixture()
	seqID := f.seedSequence(true, emailStep(0))
	f.seedLead("l1", &domain.LeadSnapshot{Status: "new", Email: "jane@example.com"})
	run, _ := f.engine.Start(context.Background(), "t1", seqID, "l1")

	_ = f.engine.Tick(context.Background(), "t1")
	got := f.store.runs[run.ID]
	if got.Status != domain.RunCompleted {
		t.Fatalf("status = %s, want COMPLETED", got.Status)
	}
	if got.NextStepIndex != 1 {
		t.Fatalf("next step index = %d after final-step tick, want 1", got.NextStepIndex)
	}
	if got.NextStepAt != nil {
		t.Fatal("completed run still scheduled")
	}
	if len(f.jobs.created) != 1 {
		t.Fatal("final step was not sent")
	}
}

func TestStepTaskSideEffect(t *testing.T) {
	f := newFixture()
	step := emailStep(0)
	step.CreateTask = true
	step.TaskTitle = "Call Jane"
	seqID := f.seedSequence(true, step)
	f.seedLead("l1", &domain.LeadSnapshot{Status: "new", Email: "jane@example.com"})
	_, _ = f.engine.Start(context.Background(), "t1", seqID, "l1")

	_ = f.engine.Tick(context.Background(), "t1")
	if len(f.tasks.titles) != 1 || f.tasks.titles[0] != "Call Jane" {
		t.Fatalf("tasks = %v", f.tasks.titles)
	}
}

func TestStepTaskFailureIsNotFatal(t *testing.T) {
	f := newFixture()
	step := emailStep(0)
	step.CreateTask = true
	seqID := f.seedSequence(true, step)
	f.seedLead("l1", &domain.LeadSnapshot{Status: "new", Email: "jane@example.com"})
	f.tasks.err = context.DeadlineExceeded
	run, _ := f.engine.Start(context.Background(), "t1", seqID, "l1")

	if err := f.engine.Tick(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}
	if len(f.jobs.created) != 1 {
		t.Fatal("task failure blocked the send")
	}
	if f.store.runs[run.ID].Status != domain.RunCompleted {
		t.Fatal("task failure blocked run completion")
	}
}

func TestCancelRun(t *testing.T) {
	f := newFixture()
	seqID := f.seedSequence(true, emailStep(0), emailStep(60))
	run, _ := f.engine.Start(context.Background(), "t1", seqID, "l1")

	if err := f.engine.CancelRun(context.Background(), "t1", run.ID); err != nil {
		t.Fatal(err)
	}
	if f.store.runs[run.ID].Status != domain.RunCanceled {
		t.Fatalf("status = %s, want CANCELED", f.store.runs[run.ID].Status)
	}
	// Cancel is terminal; a later tick does nothing.
	_ = f.engine.Tick(context.Background(), "t1")
	if len(f.jobs.created) != 0 {
		t.Fatal("canceled run sent a step")
	}
}
