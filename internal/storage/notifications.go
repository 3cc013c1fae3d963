package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/SirClappington/relay/internal/domain"
	"github.com/SirClappington/relay/internal/tenant"
)

type NotificationStore struct {
	gate *tenant.Gate
}

func NewNotificationStore(g *tenant.Gate) *NotificationStore { return &NotificationStore{g} }

const dispatchCols = `id, tenant_id, notification_id, channel, destination, status,
attempts, max_attempts, provider_msg_id, dedupe_key, locked_by, locked_at,
last_error_code, last_error_msg, next_attempt_at, created_at, updated_at`

func scanDispatch(row pgx.Row) (*domain.NotificationDispatch, error) {
	var d domain.NotificationDispatch
	err := row.Scan(&d.ID, &d.TenantID, &d.NotificationID, &d.Channel, &d.Destination, &d.Status,
		&d.Attempts, &d.MaxAttempts, &d.ProviderMsgID, &d.DedupeKey, &d.LockedBy, &d.LockedAt,
		&d.LastErrorCode, &d.LastErrorMsg, &d.NextAttemptAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// FindActiveByKey returns the live (not soft-deleted) notification with
// the given dedupe key created inside the window, or nil.
func (s *NotificationStore) FindActiveByKey(ctx context.Context, tenantID, dedupeKey string, since time.Time) (*domain.Notification, error) {
	var n *domain.Notification
	err := s.gate.Run(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `select id, tenant_id, user_id, category, priority, template_key,
title, body, link_url, dedupe_key, read_at, deleted_at, created_at
from notifications
where tenant_id = $1 and dedupe_key = $2 and deleted_at is null and created_at >= $3
order by created_at desc limit 1`, tenantID, dedupeKey, since)
		var got domain.Notification
		err := row.Scan(&got.ID, &got.TenantID, &got.UserID, &got.Category, &got.Priority,
			&got.TemplateKey, &got.Title, &got.Body, &got.LinkURL, &got.DedupeKey,
			&got.ReadAt, &got.DeletedAt, &got.CreatedAt)
		if err == pgx.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		n = &got
		return nil
	})
	return n, err
}

// InsertWithDispatches writes the notification and its per-channel
// dispatches in one transaction.
func (s *NotificationStore) InsertWithDispatches(ctx context.Context, tenantID string, n *domain.Notification, ds []*domain.NotificationDispatch) error {
	return s.gate.Run(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		if n.ID == "" {
			n.ID = uuid.NewString()
		}
		_, err := tx.Exec(ctx, `insert into notifications(
id, tenant_id, user_id, category, priority, template_key, title, body, link_url, dedupe_key
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			n.ID, tenantID, n.UserID, n.Category, n.Priority, n.TemplateKey, n.Title, n.Body, n.LinkURL, n.DedupeKey)
		if err != nil {
			return err
		}
		for _, d := range ds {
			if d.ID == "" {
				d.ID = uuid.NewString()
			}
			d.NotificationID = n.ID
			_, err := tx.Exec(ctx, `insert into notification_dispatches(
id, tenant_id, notification_id, channel, destination, status, attempts, max_attempts, dedupe_key
) values ($1,$2,$3,$4,$5,'PENDING',0,$6,$7)`,
				d.ID, tenantID, n.ID, d.Channel, d.Destination, d.MaxAttempts, d.DedupeKey)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *NotificationStore) Get(ctx context.Context, tenantID, id string) (*domain.Notification, error) {
	var n *domain.Notification
	err := s.gate.Run(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `select id, tenant_id, user_id, category, priority, template_key,
title, body, link_url, dedupe_key, read_at, deleted_at, created_at
from notifications where tenant_id = $1 and id = $2`, tenantID, id)
		var got domain.Notification
		err := row.Scan(&got.ID, &got.TenantID, &got.UserID, &got.Category, &got.Priority,
			&got.TemplateKey, &got.Title, &got.Body, &got.LinkURL, &got.DedupeKey,
			&got.ReadAt, &got.DeletedAt, &got.CreatedAt)
		if err == pgx.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		n = &got
		return nil
	})
	return n, err
}

func (s *NotificationStore) MarkRead(ctx context.Context, tenantID, id string) error {
	return s.gate.Run(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `update notifications set read_at = now()
where tenant_id = $1 and id = $2 and read_at is null and deleted_at is null`, tenantID, id)
		return err
	})
}

// SoftDelete removes the notification from the user's view and cancels
// every dispatch that has not already reached a terminal state.
func (s *NotificationStore) SoftDelete(ctx context.Context, tenantID, id string) error {
	return s.gate.Run(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `update notifications set deleted_at = now()
where tenant_id = $1 and id = $2 and deleted_at is null`, tenantID, id)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `update notification_dispatches
set status = 'CANCELED', last_error_code = 'notification_deleted', next_attempt_at = null,
    locked_by = null, locked_at = null, updated_at = now()
where tenant_id = $1 and notification_id = $2 and status not in ('SENT','DEAD','CANCELED')`, tenantID, id)
		return err
	})
}

func (s *NotificationStore) ListForUser(ctx context.Context, tenantID, userID string, limit int) ([]*domain.Notification, error) {
	var out []*domain.Notification
	err := s.gate.Run(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `select id, tenant_id, user_id, category, priority, template_key,
title, body, link_url, dedupe_key, read_at, deleted_at, created_at
from notifications
where tenant_id = $1 and user_id = $2 and deleted_at is null
order by created_at desc limit $3`, tenantID, userID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var n domain.Notification
			if err := rows.Scan(&n.ID, &n.TenantID, &n.UserID, &n.Category, &n.Priority,
				&n.TemplateKey, &n.Title, &n.Body, &n.LinkURL, &n.DedupeKey,
				&n.ReadAt, &n.DeletedAt, &n.CreatedAt); err != nil {
				return err
			}
			out = append(out, &n)
		}
		return rows.Err()
	})
	return out, err
}

func (s *NotificationStore) GetDispatch(ctx context.Context, tenantID, id string) (*domain.NotificationDispatch, error) {
	var d *domain.NotificationDispatch
	err := s.gate.Run(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		got, err := scanDispatch(tx.QueryRow(ctx,
			`select `+dispatchCols+` from notification_dispatches where tenant_id = $1 and id = $2`, tenantID, id))
		if err == pgx.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		d = got
		return nil
	})
	return d, err
}

// ClaimDispatch conditionally moves PENDING/FAILED to SENDING. Returns
// (nil, nil) when not claimable.
func (s *NotificationStore) ClaimDispatch(ctx context.Context, tenantID, id, lockedBy string) (*domain.NotificationDispatch, error) {
	var d *domain.NotificationDispatch
	err := s.gate.Run(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		got, err := scanDispatch(tx.QueryRow(ctx, `update notification_dispatches
set status = 'SENDING', attempts = attempts + 1, locked_by = $3, locked_at = now(), updated_at = now()
where tenant_id = $1 and id = $2 and status in ('PENDING','FAILED')
returning `+dispatchCols, tenantID, id, lockedBy))
		if err == pgx.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		d = got
		return nil
	})
	return d, err
}

func (s *NotificationStore) MarkDispatchSent(ctx context.Context, tenantID, id, providerMsgID string) error {
	return s.dispatchExec(ctx, tenantID, `update notification_dispatches
set status = 'SENT', provider_msg_id = $3, locked_by = null, locked_at = null,
    last_error_code = null, last_error_msg = null, next_attempt_at = null, updated_at = now()
where tenant_id = $1 and id = $2`, id, providerMsgID)
}

func (s *NotificationStore) MarkDispatchFailed(ctx context.Context, tenantID, id, code, msg string, nextAttemptAt time.Time) error {
	return s.dispatchExec(ctx, tenantID, `update notification_dispatches
set status = 'FAILED', last_error_code = $3, last_error_msg = $4, next_attempt_at = $5,
    locked_by = null, locked_at = null, updated_at = now()
where tenant_id = $1 and id = $2`, id, code, msg, nextAttemptAt)
}

func (s *NotificationStore) MarkDispatchDead(ctx context.Context, tenantID, id, code, msg string) error {
	return s.dispatchExec(ctx, tenantID, `update notification_dispatches
set status = 'DEAD', last_error_code = $3, last_error_msg = $4, next_attempt_at = null,
    locked_by = null, locked_at = null, updated_at = now()
where tenant_id = $1 and id = $2`, id, code, msg)
}

func (s *NotificationStore) MarkDispatchCanceled(ctx context.Context, tenantID, id, code string) error {
	return s.dispatchExec(ctx, tenantID, `update notification_dispatches
set status = 'CANCELED', last_error_code = $3, next_attempt_at = null,
    locked_by = null, locked_at = null, updated_at = now()
where tenant_id = $1 and id = $2 and status not in ('SENT','DEAD','CANCELED')`, id, code)
}

// DueDispatches returns ids ready for (re)delivery on one channel.
func (s *NotificationStore) DueDispatches(ctx context.Context, tenantID string, channel domain.Channel, limit int) ([]string, error) {
	var ids []string
	err := s.gate.Run(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `select id from notification_dispatches
where tenant_id = $1 and channel = $2 and status in ('PENDING','FAILED')
  and (next_attempt_at is null or next_attempt_at <= now())
order by created_at asc limit $3`, tenantID, channel, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	return ids, err
}

func (s *NotificationStore) dispatchExec(ctx context.Context, tenantID, sql string, args ...any) error {
	return s.gate.Run(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, sql, append([]any{tenantID}, args...)...)
		return err
	})
}
