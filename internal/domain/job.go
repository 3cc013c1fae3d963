package domain

import "time"

type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobProcessing JobStatus = "PROCESSING"
	JobSent       JobStatus = "SENT"
	JobFailed     JobStatus = "FAILED"
	JobDead       JobStatus = "DEAD"
	JobCanceled   JobStatus = "CANCELED"
)

// Terminal reports whether the status permits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobSent || s == JobDead || s == JobCanceled
}

// Job is a durable record of one external-channel send intent. The row,
// not the queue message that addresses it, is the source of truth.
type Job struct {
	ID            string
	TenantID      string
	Type          string
	Provider      string
	IntegrationID *string
	DedupeKey     *string
	Payload       []byte
	Status        JobStatus
	Attempts      int
	MaxAttempts   int
	LockedBy      *string
	LockedAt      *time.Time
	LastErrorCode *string
	LastErrorMsg  *string
	NextAttemptAt *time.Time
	Result        []byte
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// MessagePayload is the envelope message-type jobs carry. LeadID and
// Channel, when present, let the dispatcher consult opt-out state before
// calling the provider.
type MessagePayload struct {
	LeadID      string `json:"leadId,omitempty"`
	Channel     string `json:"channel,omitempty"`
	Destination string `json:"destination"`
	Subject     string `json:"subject,omitempty"`
	Body        string `json:"body"`
}
