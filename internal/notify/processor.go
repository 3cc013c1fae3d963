package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/relay/internal/address"
	"github.com/SirClappington/relay/internal/backoff"
	"github.com/SirClappington/relay/internal/domain"
	"github.com/SirClappington/relay/internal/metrics"
	"github.com/SirClappington/relay/internal/provider"
)

// Processor drives the dispatch state machine for one channel. Email
// and WhatsApp instances differ only in channel, adapter, and the
// destination check.
type Processor struct {
	channel  domain.Channel
	store    Store
	adapter  provider.Adapter
	metrics  *metrics.Metrics
	log      *zap.Logger
	enabled  bool
	workerID string
	policy   backoff.Policy
	now      func() time.Time
}

type ProcessorOptions struct {
	Enabled   bool
	WorkerID  string
	RetryBase time.Duration
	RetryMax  time.Duration
}

func NewProcessor(channel domain.Channel, store Store, adapter provider.Adapter, m *metrics.Metrics, log *zap.Logger, opts ProcessorOptions) *Processor {
	if opts.RetryBase <= 0 {
		opts.RetryBase = 30 * time.Second
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = time.Hour
	}
	return &Processor{
		channel:  channel,
		store:    store,
		adapter:  adapter,
		metrics:  m,
		log:      log,
		enabled:  opts.Enabled,
		workerID: opts.WorkerID,
		policy:   backoff.Exponential{Base: opts.RetryBase, Max: opts.RetryMax},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Process runs one delivery attempt for a dispatch. Every entry
// re-reads current row state; the queue message only named the row.
func (p *Processor) Process(ctx context.Context, tenantID, dispatchID string) error {
	d, err := p.store.GetDispatch(ctx, tenantID, dispatchID)
	if err != nil {
		return err
	}
	if d == nil || d.Status.Terminal() {
		return nil
	}
	if d.Status != domain.DispatchPending && d.Status != domain.DispatchFailed {
		// Another worker holds it.
		return nil
	}

	parent, err := p.store.Get(ctx, tenantID, d.NotificationID)
	if err != nil {
		return err
	}
	if parent == nil || parent.DeletedAt != nil {
		// A deleted notification must never be sent.
		if err := p.store.MarkDispatchCanceled(ctx, tenantID, dispatchID, "notification_deleted"); err != nil {
			return err
		}
		p.metrics.Dispatches.WithLabelValues(string(p.channel), "canceled").Inc()
		return nil
	}

	d, err = p.store.ClaimDispatch(ctx, tenantID, dispatchID, p.workerID)
	if err != nil {
		return err
	}
	if d == nil {
		return nil
	}

	if !p.enabled {
		// Disabled channel counts as a provider failure so the attempt
		// budget keeps moving; a re-enabled channel can still succeed on
		// a later attempt.
		return p.fail(ctx, tenantID, d, "channel_disabled", "channel disabled by configuration")
	}

	if !p.destinationOK(d.Destination) {
		if err := p.store.MarkDispatchDead(ctx, tenantID, dispatchID, "invalid_destination", "no retry value"); err != nil {
			return err
		}
		p.metrics.Dispatches.WithLabelValues(string(p.channel), "dead").Inc()
		return nil
	}

	msgID, sendErr := p.adapter.Send(ctx, d.Destination, parent.Title, parent.Body, d.DedupeKey)
	if sendErr != nil {
		return p.fail(ctx, tenantID, d, provider.Code(sendErr), sendErr.Error())
	}

	if err := p.store.MarkDispatchSent(ctx, tenantID, dispatchID, msgID); err != nil {
		return err
	}
	p.metrics.Dispatches.WithLabelValues(string(p.channel), "sent").Inc()
	return nil
}

func (p *Processor) fail(ctx context.Context, tenantID string, d *domain.NotificationDispatch, code, msg string) error {
	if d.Attempts >= d.MaxAttempts {
		if err := p.store.MarkDispatchDead(ctx, tenantID, d.ID, code, msg); err != nil {
			return err
		}
		p.metrics.Dispatches.WithLabelValues(string(p.channel), "dead").Inc()
		return nil
	}
	next := p.now().Add(p.policy.Next(d.Attempts))
	if err := p.store.MarkDispatchFailed(ctx, tenantID, d.ID, code, msg, next); err != nil {
		return err
	}
	p.metrics.Dispatches.WithLabelValues(string(p.channel), "failed").Inc()
	p.log.Debug("dispatch retry scheduled",
		zap.String("dispatch", d.ID), zap.Int("attempt", d.Attempts), zap.Time("next", next))
	return nil
}

func (p *Processor) destinationOK(dest string) bool {
	switch p.channel {
	case domain.ChannelWhatsApp:
		return address.ValidPhone(dest)
	case domain.ChannelEmail:
		return address.ValidEmail(dest)
	}
	return dest != ""
}
