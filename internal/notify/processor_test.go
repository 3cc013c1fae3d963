package notify

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/relay/internal/domain"
	"github.com/SirClappington/relay/internal/metrics"
	"github.com/SirClappington/relay/internal/provider"
)

type fakeAdapter struct {
	calls int
	err   error
	msgID string
}

func (f *fakeAdapter) Send(context.Context, string, string, string, string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if f.msgID == "" {
		return "prov-1", nil
	}
	return f.msgID, nil
}

func seedDispatch(store *fakeStore, channel domain.Channel, dest string) *domain.NotificationDispatch {
	n := &domain.Notification{
		ID:        "n-1",
		TenantID:  "t1",
		UserID:    "u1",
		Category:  "leads",
		Title:     "New lead assigned",
		Body:      "Jane Doe was assigned to you",
		DedupeKey: "parent-key",
		CreatedAt: time.Now().UTC(),
	}
	store.notifications[n.ID] = n
	d := &domain.NotificationDispatch{
		ID:             "d-1",
		TenantID:       "t1",
		NotificationID: n.ID,
		Channel:        channel,
		Destination:    dest,
		Status:         domain.DispatchPending,
		MaxAttempts:    3,
		DedupeKey:      "parent-key:" + string(channel),
	}
	store.dispatches[d.ID] = d
	return d
}

func newTestProcessor(store *fakeStore, channel domain.Channel, a provider.Adapter, enabled bool) *Processor {
	return NewProcessor(channel, store, a, metrics.NewNop(), zap.NewNop(), ProcessorOptions{
		Enabled:   enabled,
		WorkerID:  "worker-test",
		RetryBase: 30 * time.Second,
		RetryMax:  time.Hour,
	})
}

func TestProcessorSuccess(t *testing.T) {
	store := newFakeStore()
	d := seedDispatch(store, domain.ChannelEmail, "agent@example.com")
	a := &fakeAdapter{msgID: "msg-42"}
	p := newTestProcessor(store, domain.ChannelEmail, a, true)

	if err := p.Process(context.Background(), "t1", d.ID); err != nil {
		t.Fatal(err)
	}
	got := store.dispatches[d.ID]
	if got.Status != domain.DispatchSent {
		t.Fatalf("status = %s, want SENT", got.Status)
	}
	if got.ProviderMsgID == nil || *got.ProviderMsgID != "msg-42" {
		t.Fatalf("provider msg id = %v", got.ProviderMsgID)
	}
	if got.Attempts != 1 || a.calls != 1 {
		t.Fatalf("attempts = %d, adapter calls = %d", got.Attempts, a.calls)
	}
}

func TestProcessorRetriesThenDies(t *testing.T) {
	store := newFakeStore()
	d := seedDispatch(store, domain.ChannelEmail, "agent@example.com")
	a := &fakeAdapter{err: provider.Transient("provider_5xx", "upstream down")}
	p := newTestProcessor(store, domain.ChannelEmail, a, true)

	for i := 0; i < d.MaxAttempts; i++ {
		if err := p.Process(context.Background(), "t1", d.ID); err != nil {
			t.Fatal(err)
		}
	}
	got := store.dispatches[d.ID]
	if got.Status != domain.DispatchDead {
		t.Fatalf("status after %d attempts = %s, want DEAD", got.Attempts, got.Status)
	}
	if got.NextAttemptAt != nil {
		t.Fatal("dead dispatch still scheduled for retry")
	}
	if got.LastErrorCode == nil || *got.LastErrorCode != "provider_5xx" {
		t.Fatalf("last error code = %v", got.LastErrorCode)
	}

	// Further deliveries of the same queue message are no-ops.
	if err := p.Process(context.Background(), "t1", d.ID); err != nil {
		t.Fatal(err)
	}
	if store.dispatches[d.ID].Attempts != d.MaxAttempts {
		t.Fatal("terminal dispatch consumed another attempt")
	}
}

func TestProcessorFailureBacksOffExponentially(t *testing.T) {
	store := newFakeStore()
	d := seedDispatch(store, domain.ChannelEmail, "agent@example.com")
	a := &fakeAdapter{err: provider.Transient("provider_5xx", "upstream down")}
	p := newTestProcessor(store, domain.ChannelEmail, a, true)
	fixed := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	var prev time.Duration
	for i := 0; i < 2; i++ {
		if err := p.Process(context.Background(), "t1", d.ID); err != nil {
			t.Fatal(err)
		}
		got := store.dispatches[d.ID]
		if got.NextAttemptAt == nil {
			t.Fatal("failed dispatch has no next attempt")
		}
		delay := got.NextAttemptAt.Sub(fixed)
		if delay <= prev {
			t.Fatalf("attempt %d delay %s did not grow past %s", got.Attempts, delay, prev)
		}
		prev = delay
	}
}

func TestProcessorDeletedParentCancels(t *testing.T) {
	store := newFakeStore()
	d := seedDispatch(store, domain.ChannelEmail, "agent@example.com")
	now := time.Now().UTC()
	store.notifications[d.NotificationID].DeletedAt = &now
	a := &fakeAdapter{}
	p := newTestProcessor(store, domain.ChannelEmail, a, true)

	if err := p.Process(context.Background(), "t1", d.ID); err != nil {
		t.Fatal(err)
	}
	got := store.dispatches[d.ID]
	if got.Status != domain.DispatchCanceled {
		t.Fatalf("status = %s, want CANCELED", got.Status)
	}
	if got.LastErrorCode == nil || *got.LastErrorCode != "notification_deleted" {
		t.Fatalf("last error code = %v", got.LastErrorCode)
	}
	if a.calls != 0 {
		t.Fatal("deleted notification was sent")
	}
}

func TestProcessorInvalidDestinationDiesWithoutRetry(t *testing.T) {
	store := newFakeStore()
	d := seedDispatch(store, domain.ChannelWhatsApp, "0712345678") // missing +country
	a := &fakeAdapter{}
	p := newTestProcessor(store, domain.ChannelWhatsApp, a, true)

	if err := p.Process(context.Background(), "t1", d.ID); err != nil {
		t.Fatal(err)
	}
	got := store.dispatches[d.ID]
	if got.Status != domain.DispatchDead {
		t.Fatalf("status = %s, want DEAD", got.Status)
	}
	if got.LastErrorCode == nil || *got.LastErrorCode != "invalid_destination" {
		t.Fatalf("last error code = %v", got.LastErrorCode)
	}
	if a.calls != 0 {
		t.Fatal("invalid destination reached the adapter")
	}
}

func TestProcessorDisabledChannelConsumesAttempts(t *testing.T) {
	store := newFakeStore()
	d := seedDispatch(store, domain.ChannelEmail, "agent@example.com")
	a := &fakeAdapter{}
	p := newTestProcessor(store, domain.ChannelEmail, a, false)

	if err := p.Process(context.Background(), "t1", d.ID); err != nil {
		t.Fatal(err)
	}
	got := store.dispatches[d.ID]
	if got.Status != domain.DispatchFailed {
		t.Fatalf("status = %s, want FAILED", got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", got.Attempts)
	}
	if got.LastErrorCode == nil || *got.LastErrorCode != "channel_disabled" {
		t.Fatalf("last error code = %v", got.LastErrorCode)
	}
	if a.calls != 0 {
		t.Fatal("disabled channel reached the adapter")
	}
}

func TestProcessorInFlightIsNoop(t *testing.T) {
	store := newFakeStore()
	d := seedDispatch(store, domain.ChannelEmail, "agent@example.com")
	store.dispatches[d.ID].Status = domain.DispatchSending
	a := &fakeAdapter{}
	p := newTestProcessor(store, domain.ChannelEmail, a, true)

	if err := p.Process(context.Background(), "t1", d.ID); err != nil {
		t.Fatal(err)
	}
	if a.calls != 0 {
		t.Fatal("in-flight dispatch was processed again")
	}
}
