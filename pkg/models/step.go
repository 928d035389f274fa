package models

import (
	"time"

	"github.com/google/uuid"

	"sparkstep/pkg/params"
)

// ExecutionStatus is the outcome of one step invocation.
type ExecutionStatus string

// Final reports whether no further transition is expected.
func (s ExecutionStatus) Final() bool {
	return s == ExecutionSuccess || s == ExecutionFailed
}

const (
	ExecutionPending ExecutionStatus = "PENDING"
	ExecutionRunning ExecutionStatus = "RUNNING"
	ExecutionSuccess ExecutionStatus = "SUCCESS"
	ExecutionFailed  ExecutionStatus = "FAILED"
)

// StepSubmission asks an executor to run one Spark step.
type StepSubmission struct {
	ID          uuid.UUID   `json:"id"`
	Name        string      `json:"name"`
	Params      *params.Map `json:"params"`
	Attempt     int         `json:"attempt"`
	SubmittedAt time.Time   `json:"submitted_at"`
	// W3C trace context of whoever queued the step.
	Trace map[string]string `json:"trace,omitempty"`
}

// NewStepSubmission fills in an id and submission time.
func NewStepSubmission(name string, p *params.Map) *StepSubmission {
	if p == nil {
		p = params.New()
	}
	return &StepSubmission{
		ID:          uuid.New(),
		Name:        name,
		Params:      p,
		Attempt:     1,
		SubmittedAt: time.Now().UTC(),
	}
}

// StepReport is what an executor sends back once a step has finished.
type StepReport struct {
	SubmissionID uuid.UUID       `json:"submission_id"`
	NodeID       string          `json:"node_id"`
	Status       ExecutionStatus `json:"status"`
	ExitCode     int             `json:"exit_code"`
	Output       string          `json:"output,omitempty"`
	OutputRef    string          `json:"output_ref,omitempty"`
	Message      string          `json:"message,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  time.Time       `json:"completed_at"`
}

// StepRecord is the stored view of a submission and its latest report.
type StepRecord struct {
	ID          uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	Name        string          `json:"name" gorm:"not null;index"`
	ClassName   string          `json:"class_name"`
	Params      *params.Map     `json:"params" gorm:"type:json"` // json keeps key order, jsonb does not
	Status      ExecutionStatus `json:"status" gorm:"type:varchar(20);not null;index"`
	NodeID      string          `json:"node_id,omitempty" gorm:"index"`
	ExitCode    *int            `json:"exit_code,omitempty"`
	Message     string          `json:"message,omitempty"`
	Output      string          `json:"output,omitempty" gorm:"type:text"`
	OutputRef   string          `json:"output_ref,omitempty"`
	Attempt     int             `json:"attempt"`
	SubmittedAt time.Time       `json:"submitted_at" gorm:"index"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// NewStepRecord starts a PENDING record for sub.
func NewStepRecord(sub *StepSubmission) *StepRecord {
	className, _ := sub.Params.Get(params.KeyClassName)
	return &StepRecord{
		ID:          sub.ID,
		Name:        sub.Name,
		ClassName:   className,
		Params:      sub.Params.Clone(),
		Status:      ExecutionPending,
		Attempt:     sub.Attempt,
		SubmittedAt: sub.SubmittedAt,
	}
}

// Apply merges a report into the record and reports whether anything
// changed. A RUNNING report never overrides a final status.
func (r *StepRecord) Apply(report *StepReport) bool {
	if r.Status.Final() && !report.Status.Final() {
		return false
	}

	r.Status = report.Status
	r.NodeID = report.NodeID
	if !report.StartedAt.IsZero() {
		started := report.StartedAt
		r.StartedAt = &started
	}
	if report.Status.Final() {
		exitCode := report.ExitCode
		r.ExitCode = &exitCode
		r.Message = report.Message
		r.Output = report.Output
		r.OutputRef = report.OutputRef
		if !report.CompletedAt.IsZero() {
			completed := report.CompletedAt
			r.CompletedAt = &completed
		}
	}
	return true
}
