package domain

import "time"

type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunCanceled  RunStatus = "CANCELED"
	RunFailed    RunStatus = "FAILED"
)

type RunStepStatus string

const (
	StepPending   RunStepStatus = "PENDING"
	StepScheduled RunStepStatus = "SCHEDULED"
	StepSent      RunStepStatus = "SENT"
	StepFailed    RunStepStatus = "FAILED"
	StepSkipped   RunStepStatus = "SKIPPED"
	StepCanceled  RunStepStatus = "CANCELED"
)

type ConditionKind string

const (
	CondLeadOpen      ConditionKind = "lead_open"      // lead not WON/LOST
	CondLeadStatusIn  ConditionKind = "lead_status_in" // lead status in Values
	CondHasValidPhone ConditionKind = "has_valid_phone"
	CondHasValidEmail ConditionKind = "has_valid_email"
)

type StepCondition struct {
	Kind   ConditionKind `json:"kind"`
	Values []string      `json:"values,omitempty"`
}

// Sequence is a multi-step drip campaign definition.
type Sequence struct {
	ID          string
	TenantID    string
	Name        string
	StopOnReply bool
	Active      bool
	CreatedAt   time.Time
}

// SequenceStep is one ordered step of a sequence. DelayMinutes is the
// offset from the run's start, not from the previous step.
type SequenceStep struct {
	ID           string
	SequenceID   string
	OrderIndex   int
	Channel      Channel
	Subject      string
	BodyTemplate string
	DelayMinutes int
	Conditions   []StepCondition
	CreateTask   bool
	TaskTitle    string
}

// SequenceRun is one lead's execution of one sequence.
type SequenceRun struct {
	ID            string
	TenantID      string
	SequenceID    string
	LeadID        string
	Status        RunStatus
	NextStepIndex int
	NextStepAt    *time.Time
	StartedAt     time.Time
	StoppedAt     *time.Time
}

// SequenceRunStep is the immutable record of one step execution attempt.
type SequenceRunStep struct {
	ID         string
	TenantID   string
	RunID      string
	OrderIndex int
	Status     RunStepStatus
	JobID      *string
	ErrorCode  *string
	CreatedAt  time.Time
}
