package domain

import "time"

type Direction string

const (
	DirInbound  Direction = "inbound"
	DirOutbound Direction = "outbound"
)

// CommEvent is one append-only ledger entry for an inbound or outbound
// communication attempt. ProviderMsgID is unique per channel where
// present, so retried ingestion never double-records.
type CommEvent struct {
	ID            string
	TenantID      string
	Channel       Channel
	Direction     Direction
	Status        string
	LeadID        *string
	ThreadID      *string
	MessageID     *string
	JobID         *string
	ProviderMsgID *string
	DedupeKey     string
	OccurredAt    time.Time
	CreatedAt     time.Time
}

// OptOut is a per-lead, per-channel block on all future sends.
type OptOut struct {
	TenantID  string
	LeadID    string
	Channel   Channel
	Reason    string
	CreatedAt time.Time
}
