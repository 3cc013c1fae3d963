package notify

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/relay/internal/dedupe"
	"github.com/SirClappington/relay/internal/domain"
	"github.com/SirClappington/relay/internal/metrics"
	"github.com/SirClappington/relay/internal/queue"
)

type fakeStore struct {
	notifications map[string]*domain.Notification
	dispatches    map[string]*domain.NotificationDispatch
	nextID        int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		notifications: map[string]*domain.Notification{},
		dispatches:    map[string]*domain.NotificationDispatch{},
	}
}

func (f *fakeStore) id(prefix string) string {
	f.nextID++
	return prefix + "-" + string(rune('0'+f.nextID))
}

func (f *fakeStore) FindActiveByKey(_ context.Context, tenantID, key string, since time.Time) (*domain.Notification, error) {
	for _, n := range f.notifications {
		if n.TenantID == tenantID && n.DedupeKey == key && n.DeletedAt == nil && !n.CreatedAt.Before(since) {
			cp := *n
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) InsertWithDispatches(_ context.Context, tenantID string, n *domain.Notification, ds []*domain.NotificationDispatch) error {
	if n.ID == "" {
		n.ID = f.id("n")
	}
	n.TenantID = tenantID
	n.CreatedAt = time.Now().UTC()
	f.notifications[n.ID] = n
	for _, d := range ds {
		if d.ID == "" {
			d.ID = f.id("d")
		}
		d.NotificationID = n.ID
		f.dispatches[d.ID] = d
	}
	return nil
}

func (f *fakeStore) Get(_ context.Context, _, id string) (*domain.Notification, error) {
	n, ok := f.notifications[id]
	if !ok {
		return nil, nil
	}
	cp := *n
	return &cp, nil
}

func (f *fakeStore) MarkRead(_ context.Context, _, id string) error {
	now := time.Now().UTC()
	f.notifications[id].ReadAt = &now
	return nil
}

func (f *fakeStore) SoftDelete(_ context.Context, _, id string) error {
	now := time.Now().UTC()
	f.notifications[id].DeletedAt = &now
	for _, d := range f.dispatches {
		if d.NotificationID == id && !d.Status.Terminal() {
			d.Status = domain.DispatchCanceled
			code := "notification_deleted"
			d.LastErrorCode = &code
		}
	}
	return nil
}

func (f *fakeStore) ListForUser(_ context.Context, _, userID string, _ int) ([]*domain.Notification, error) {
	var out []*domain.Notification
	for _, n := range f.notifications {
		if n.UserID == userID && n.DeletedAt == nil {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeStore) GetDispatch(_ context.Context, _, id string) (*domain.NotificationDispatch, error) {
	d, ok := f.dispatches[id]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (f *fakeStore) ClaimDispatch(_ context.Context, _, id, lockedBy string) (*domain.NotificationDispatch, error) {
	d := f.dispatches[id]
	if d.Status != domain.DispatchPending && d.Status != domain.DispatchFailed {
		return nil, nil
	}
	d.Status = domain.DispatchSending
	d.Attempts++
	d.LockedBy = &lockedBy
	cp := *d
	return &cp, nil
}

func (f *fakeStore) MarkDispatchSent(_ context.Context, _, id, providerMsgID string) error {
	d := f.dispatches[id]
	d.Status = domain.DispatchSent
	d.ProviderMsgID = &providerMsgID
	d.NextAttemptAt = nil
	return nil
}

func (f *fakeStore) MarkDispatchFailed(_ context.Context, _, id, code, msg string, next time.Time) error {
	d := f.dispatches[id]
	d.Status = domain.DispatchFailed
	d.LastErrorCode = &code
	d.LastErrorMsg = &msg
	d.NextAttemptAt = &next
	return nil
}

func (f *fakeStore) MarkDispatchDead(_ context.Context, _, id, code, msg string) error {
	d := f.dispatches[id]
	d.Status = domain.DispatchDead
	d.LastErrorCode = &code
	d.LastErrorMsg = &msg
	d.NextAttemptAt = nil
	return nil
}

func (f *fakeStore) MarkDispatchCanceled(_ context.Context, _, id, code string) error {
	d := f.dispatches[id]
	if d.Status.Terminal() {
		return nil
	}
	d.Status = domain.DispatchCanceled
	d.LastErrorCode = &code
	return nil
}

type fakeUsers struct {
	contacts map[string]*domain.Contact
	prefs    map[string]domain.ChannelPrefs
}

func (f *fakeUsers) Contact(_ context.Context, _, userID string) (*domain.Contact, error) {
	if c, ok := f.contacts[userID]; ok {
		return c, nil
	}
	return &domain.Contact{}, nil
}

func (f *fakeUsers) Prefs(_ context.Context, _, userID, category string) (domain.ChannelPrefs, error) {
	return f.prefs[userID+"/"+category], nil
}

type fakeQueue struct {
	byTopic map[string][]queue.Message
}

func newFakeQueue() *fakeQueue { return &fakeQueue{byTopic: map[string][]queue.Message{}} }

func (f *fakeQueue) Enqueue(_ context.Context, topic string, msg queue.Message) error {
	f.byTopic[topic] = append(f.byTopic[topic], msg)
	return nil
}

func (f *fakeQueue) Dequeue(context.Context, string) (queue.Message, bool, error) {
	return queue.Message{}, false, nil
}

func newTestEngine(store *fakeStore, users *fakeUsers, q *fakeQueue) *Engine {
	return NewEngine(store, users, NewTemplates(), q, metrics.NewNop(), zap.NewNop(), EngineOptions{
		DedupeWindow: 300 * time.Second,
		MaxAttempts:  5,
	})
}

func TestNotifyUsersUnknownTemplateIsNoop(t *testing.T) {
	store := newFakeStore()
	eng := newTestEngine(store, &fakeUsers{}, newFakeQueue())

	res, err := eng.NotifyUsers(context.Background(), "t1", []string{"u1"}, "nope.unknown", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Created != 0 || res.Skipped != 0 {
		t.Fatalf("unknown template produced %+v", res)
	}
	if len(store.notifications) != 0 {
		t.Fatal("unknown template created a notification")
	}
}

func TestNotifyUsersDedupeWindow(t *testing.T) {
	store := newFakeStore()
	eng := newTestEngine(store, &fakeUsers{}, newFakeQueue())
	meta := map[string]string{"taskId": "t1", "taskTitle": "Call back"}

	first, err := eng.NotifyUsers(context.Background(), "t1", []string{"u1"}, "task.assigned", meta, nil)
	if err != nil {
		t.Fatal(err)
	}
	if first.Created != 1 || first.Skipped != 0 {
		t.Fatalf("first call: %+v", first)
	}

	second, err := eng.NotifyUsers(context.Background(), "t1", []string{"u1"}, "task.assigned", meta, nil)
	if err != nil {
		t.Fatal(err)
	}
	if second.Created != 0 || second.Skipped != 1 {
		t.Fatalf("second call inside window: %+v", second)
	}
	if len(store.notifications) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(store.notifications))
	}
}

func TestNotifyUsersDedupeIgnoresVolatileMeta(t *testing.T) {
	store := newFakeStore()
	eng := newTestEngine(store, &fakeUsers{}, newFakeQueue())

	_, _ = eng.NotifyUsers(context.Background(), "t1", []string{"u1"}, "task.assigned",
		map[string]string{"taskId": "t1", "taskTitle": "Call back"}, nil)
	res, _ := eng.NotifyUsers(context.Background(), "t1", []string{"u1"}, "task.assigned",
		map[string]string{"taskId": "t1", "taskTitle": "Call back NOW"}, nil)
	if res.Skipped != 1 {
		t.Fatal("changed title defeated the fingerprint")
	}
}

func TestCreateNotificationDefaultInAppOnly(t *testing.T) {
	store := newFakeStore()
	q := newFakeQueue()
	eng := newTestEngine(store, &fakeUsers{}, q)

	res, err := eng.NotifyUsers(context.Background(), "t1", []string{"u1"}, "lead.assigned",
		map[string]string{"leadId": "l1", "leadName": "Jane Doe"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Created != 1 {
		t.Fatalf("created = %d", res.Created)
	}
	if len(store.dispatches) != 0 {
		t.Fatal("default preferences created out-of-band dispatches")
	}
	if len(q.byTopic) != 0 {
		t.Fatal("default preferences enqueued deliveries")
	}
}

func TestCreateNotificationFansOutPerPrefs(t *testing.T) {
	store := newFakeStore()
	q := newFakeQueue()
	users := &fakeUsers{
		contacts: map[string]*domain.Contact{
			"u1": {Email: "agent@example.com", Phone: "+254712345678", PhoneVerified: true},
		},
		prefs: map[string]domain.ChannelPrefs{
			"u1/leads": {Email: true, WhatsApp: true},
		},
	}
	eng := newTestEngine(store, users, q)

	_, err := eng.NotifyUsers(context.Background(), "t1", []string{"u1"}, "lead.assigned",
		map[string]string{"leadId": "l1", "leadName": "Jane Doe"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(store.dispatches) != 2 {
		t.Fatalf("dispatches = %d, want 2", len(store.dispatches))
	}
	if len(q.byTopic[queue.TopicNotifyEmail]) != 1 || len(q.byTopic[queue.TopicNotifyWhatsApp]) != 1 {
		t.Fatalf("queue topics = %+v", q.byTopic)
	}

	var parentKey string
	for _, n := range store.notifications {
		parentKey = n.DedupeKey
	}
	seen := map[string]bool{}
	for _, d := range store.dispatches {
		want := dedupe.DispatchKey(parentKey, string(d.Channel))
		if d.DedupeKey != want {
			t.Errorf("channel %s dedupe key = %s, want %s", d.Channel, d.DedupeKey, want)
		}
		seen[string(d.Channel)] = true
	}
	if !seen["email"] || !seen["whatsapp"] {
		t.Fatalf("channels seen: %v", seen)
	}
}

func TestCreateNotificationCapsLengths(t *testing.T) {
	store := newFakeStore()
	eng := newTestEngine(store, &fakeUsers{}, newFakeQueue())

	long := strings.Repeat("x", 5000)
	_, err := eng.NotifyUsers(context.Background(), "t1", []string{"u1"}, "lead.assigned",
		map[string]string{"leadId": "l1", "leadName": long}, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range store.notifications {
		if len(n.Title) > domain.MaxTitleLen {
			t.Fatalf("title length %d over cap", len(n.Title))
		}
		if len(n.Body) > domain.MaxBodyLen {
			t.Fatalf("body length %d over cap", len(n.Body))
		}
	}
}

func TestDeleteCancelsPendingDispatches(t *testing.T) {
	store := newFakeStore()
	users := &fakeUsers{
		contacts: map[string]*domain.Contact{"u1": {Email: "agent@example.com"}},
		prefs:    map[string]domain.ChannelPrefs{"u1/leads": {Email: true}},
	}
	eng := newTestEngine(store, users, newFakeQueue())

	_, _ = eng.NotifyUsers(context.Background(), "t1", []string{"u1"}, "lead.assigned",
		map[string]string{"leadId": "l1"}, nil)

	var nID string
	for id := range store.notifications {
		nID = id
	}
	if err := eng.Delete(context.Background(), "t1", nID); err != nil {
		t.Fatal(err)
	}
	for _, d := range store.dispatches {
		if d.Status != domain.DispatchCanceled {
			t.Fatalf("dispatch status = %s, want CANCELED", d.Status)
		}
	}
}
