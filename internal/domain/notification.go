package domain

import "time"

type Channel string

const (
	ChannelInApp    Channel = "in_app"
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp"
)

type DispatchStatus string

const (
	DispatchPending  DispatchStatus = "PENDING"
	DispatchSending  DispatchStatus = "SENDING"
	DispatchSent     DispatchStatus = "SENT"
	DispatchFailed   DispatchStatus = "FAILED"
	DispatchDead     DispatchStatus = "DEAD"
	DispatchCanceled DispatchStatus = "CANCELED"
)

func (s DispatchStatus) Terminal() bool {
	return s == DispatchSent || s == DispatchDead || s == DispatchCanceled
}

const (
	MaxTitleLen = 200
	MaxBodyLen  = 2000
	MaxLinkLen  = 500
)

// Notification is one rendered, user-addressed message. Rows are mutated
// only to mark read or soft-delete; deletion cascades as a cancellation
// signal to the dispatches.
type Notification struct {
	ID          string
	TenantID    string
	UserID      string
	Category    string
	Priority    string
	TemplateKey string
	Title       string
	Body        string
	LinkURL     *string
	DedupeKey   string
	ReadAt      *time.Time
	DeletedAt   *time.Time
	CreatedAt   time.Time
}

// NotificationDispatch is one per-channel delivery attempt for a
// Notification, with its own retry clock.
type NotificationDispatch struct {
	ID             string
	TenantID       string
	NotificationID string
	Channel        Channel
	Destination    string
	Status         DispatchStatus
	Attempts       int
	MaxAttempts    int
	ProviderMsgID  *string
	DedupeKey      string
	LockedBy       *string
	LockedAt       *time.Time
	LastErrorCode  *string
	LastErrorMsg   *string
	NextAttemptAt  *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RenderedTemplate is what the template registry returns for a known key.
type RenderedTemplate struct {
	Title    string
	Body     string
	LinkURL  string
	Priority string
	Category string
}
