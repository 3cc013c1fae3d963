// Package notify renders user-addressed notifications, applies
// preference and dedupe gating, and drives the per-channel dispatch
// state machines.
package notify

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/relay/internal/dedupe"
	"github.com/SirClappington/relay/internal/domain"
	"github.com/SirClappington/relay/internal/metrics"
	"github.com/SirClappington/relay/internal/queue"
)

type Store interface {
	FindActiveByKey(ctx context.Context, tenantID, dedupeKey string, since time.Time) (*domain.Notification, error)
	InsertWithDispatches(ctx context.Context, tenantID string, n *domain.Notification, ds []*domain.NotificationDispatch) error
	Get(ctx context.Context, tenantID, id string) (*domain.Notification, error)
	MarkRead(ctx context.Context, tenantID, id string) error
	SoftDelete(ctx context.Context, tenantID, id string) error
	ListForUser(ctx context.Context, tenantID, userID string, limit int) ([]*domain.Notification, error)
	GetDispatch(ctx context.Context, tenantID, id string) (*domain.NotificationDispatch, error)
	ClaimDispatch(ctx context.Context, tenantID, id, lockedBy string) (*domain.NotificationDispatch, error)
	MarkDispatchSent(ctx context.Context, tenantID, id, providerMsgID string) error
	MarkDispatchFailed(ctx context.Context, tenantID, id, code, msg string, nextAttemptAt time.Time) error
	MarkDispatchDead(ctx context.Context, tenantID, id, code, msg string) error
	MarkDispatchCanceled(ctx context.Context, tenantID, id, code string) error
}

// Users resolves contact addresses and per-category channel opt-ins.
type Users interface {
	Contact(ctx context.Context, tenantID, userID string) (*domain.Contact, error)
	Prefs(ctx context.Context, tenantID, userID, category string) (domain.ChannelPrefs, error)
}

// Renderer is the template registry contract: a validated table with an
// explicit unknown-key error.
type Renderer interface {
	Render(key string, meta map[string]string) (*domain.RenderedTemplate, error)
}

type Engine struct {
	store    Store
	users    Users
	renderer Renderer
	queue    queue.Queue
	metrics  *metrics.Metrics
	log      *zap.Logger

	window      time.Duration
	maxAttempts int
	now         func() time.Time
}

type EngineOptions struct {
	DedupeWindow time.Duration
	MaxAttempts  int
}

func NewEngine(store Store, users Users, renderer Renderer, q queue.Queue, m *metrics.Metrics, log *zap.Logger, opts EngineOptions) *Engine {
	if opts.DedupeWindow <= 0 {
		opts.DedupeWindow = 5 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	return &Engine{
		store:       store,
		users:       users,
		renderer:    renderer,
		queue:       q,
		metrics:     m,
		log:         log,
		window:      opts.DedupeWindow,
		maxAttempts: opts.MaxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Overrides replace rendered fields when set.
type Overrides struct {
	Title    string
	Body     string
	LinkURL  string
	Priority string
}

type Result struct {
	Created int `json:"created"`
	Skipped int `json:"skipped"`
}

// NotifyUsers fans one event out to many users. An unknown template key
// is a logged no-op: callers must not assume a notification was
// created. One user's failure does not abort the rest.
func (e *Engine) NotifyUsers(ctx context.Context, tenantID string, userIDs []string, templateKey string, meta map[string]string, ov *Overrides) (Result, error) {
	var res Result
	for _, userID := range userIDs {
		id, created, err := e.createNotification(ctx, tenantID, userID, templateKey, meta, ov)
		if err != nil {
			if errors.Is(err, ErrUnknownTemplate) {
				e.log.Warn("unknown template key", zap.String("key", templateKey))
				return res, nil
			}
			e.log.Error("create notification failed",
				zap.String("tenant", tenantID), zap.String("user", userID), zap.Error(err))
			continue
		}
		if created {
			res.Created++
		} else {
			res.Skipped++
			e.log.Debug("notification deduplicated",
				zap.String("tenant", tenantID), zap.String("existing", id))
		}
	}
	return res, nil
}

func (e *Engine) createNotification(ctx context.Context, tenantID, userID, templateKey string, meta map[string]string, ov *Overrides) (string, bool, error) {
	rt, err := e.renderer.Render(templateKey, meta)
	if err != nil {
		return "", false, err
	}
	if ov != nil {
		if ov.Title != "" {
			rt.Title = ov.Title
		}
		if ov.Body != "" {
			rt.Body = ov.Body
		}
		if ov.LinkURL != "" {
			rt.LinkURL = ov.LinkURL
		}
		if ov.Priority != "" {
			rt.Priority = ov.Priority
		}
	}

	key := dedupe.NotificationKey(templateKey, rt.Category, userID, meta)
	existing, err := e.store.FindActiveByKey(ctx, tenantID, key, e.now().Add(-e.window))
	if err != nil {
		return "", false, err
	}
	if existing != nil {
		e.metrics.NotifyDeduped.Inc()
		return existing.ID, false, nil
	}

	n := &domain.Notification{
		UserID:      userID,
		Category:    rt.Category,
		Priority:    rt.Priority,
		TemplateKey: templateKey,
		Title:       truncate(rt.Title, domain.MaxTitleLen),
		Body:        truncate(rt.Body, domain.MaxBodyLen),
		DedupeKey:   key,
	}
	if rt.LinkURL != "" {
		link := truncate(rt.LinkURL, domain.MaxLinkLen)
		n.LinkURL = &link
	}

	dispatches, err := e.buildDispatches(ctx, tenantID, userID, rt.Category, key)
	if err != nil {
		return "", false, err
	}
	if err := e.store.InsertWithDispatches(ctx, tenantID, n, dispatches); err != nil {
		return "", false, err
	}
	e.metrics.NotifyCreated.Inc()

	for _, d := range dispatches {
		topic := queue.TopicNotifyEmail
		if d.Channel == domain.ChannelWhatsApp {
			topic = queue.TopicNotifyWhatsApp
		}
		if err := e.queue.Enqueue(ctx, topic, queue.Message{EntityID: d.ID, TenantID: tenantID}); err != nil {
			// Row is durable; the scheduler reconciles missed wake-ups.
			e.log.Warn("enqueue dispatch failed", zap.String("dispatch", d.ID), zap.Error(err))
		}
	}
	return n.ID, true, nil
}

// buildDispatches resolves preferences into per-channel dispatch rows.
// In-app needs no dispatch: the notification row itself is the in-app
// delivery. WhatsApp verification was enforced when the preference was
// set, so an enabled flag is trusted here.
func (e *Engine) buildDispatches(ctx context.Context, tenantID, userID, category, parentKey string) ([]*domain.NotificationDispatch, error) {
	prefs, err := e.users.Prefs(ctx, tenantID, userID, category)
	if err != nil {
		return nil, errors.Wrap(err, "resolve prefs")
	}
	if !prefs.Email && !prefs.WhatsApp {
		return nil, nil
	}
	contact, err := e.users.Contact(ctx, tenantID, userID)
	if err != nil {
		return nil, errors.Wrap(err, "resolve contact")
	}

	var out []*domain.NotificationDispatch
	if prefs.Email {
		out = append(out, &domain.NotificationDispatch{
			TenantID:    tenantID,
			Channel:     domain.ChannelEmail,
			Destination: contact.Email,
			Status:      domain.DispatchPending,
			MaxAttempts: e.maxAttempts,
			DedupeKey:   dedupe.DispatchKey(parentKey, string(domain.ChannelEmail)),
		})
	}
	if prefs.WhatsApp {
		out = append(out, &domain.NotificationDispatch{
			TenantID:    tenantID,
			Channel:     domain.ChannelWhatsApp,
			Destination: contact.Phone,
			Status:      domain.DispatchPending,
			MaxAttempts: e.maxAttempts,
			DedupeKey:   dedupe.DispatchKey(parentKey, string(domain.ChannelWhatsApp)),
		})
	}
	return out, nil
}

func (e *Engine) MarkRead(ctx context.Context, tenantID, id string) error {
	return e.store.MarkRead(ctx, tenantID, id)
}

// Delete soft-deletes the notification; the store cancels its pending
// dispatches in the same transaction.
func (e *Engine) Delete(ctx context.Context, tenantID, id string) error {
	return e.store.SoftDelete(ctx, tenantID, id)
}

func (e *Engine) List(ctx context.Context, tenantID, userID string, limit int) ([]*domain.Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return e.store.ListForUser(ctx, tenantID, userID, limit)
}
