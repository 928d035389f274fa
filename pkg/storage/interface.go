package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"sparkstep/pkg/models"
)

var (
	ErrNotFound       = errors.New("record not found")
	ErrInvalidPayload = errors.New("invalid queue payload")
)

// Queue carries step submissions to executors and their reports back.
type Queue interface {
	// Push adds a submission to the pending stream.
	Push(ctx context.Context, sub *models.StepSubmission) error

	// Pop retrieves a submission for a consumer in group. It returns a nil
	// submission when nothing arrived within the blocking window.
	Pop(ctx context.Context, group string, consumer string) (string, *models.StepSubmission, error)

	// Ack acknowledges a submission as processed.
	Ack(ctx context.Context, group string, msgID string) error

	// EnsureGroup ensures the consumer group exists.
	EnsureGroup(ctx context.Context, group string) error

	// PublishReport hands a finished step's outcome back to the orchestrator.
	PublishReport(ctx context.Context, report *models.StepReport) error
}

// ReportStream reads step reports back off the queue.
type ReportStream interface {
	// EnsureReportGroup ensures the consumer group on the report stream exists.
	EnsureReportGroup(ctx context.Context, group string) error

	// PopReport retrieves a report. It returns a nil report when nothing
	// arrived within the blocking window.
	PopReport(ctx context.Context, group string, consumer string) (string, *models.StepReport, error)

	// AckReport acknowledges a report as applied.
	AckReport(ctx context.Context, group string, msgID string) error

	// ClaimStaleReports moves up to count reports that have been pending on
	// any consumer of group for at least minIdle over to consumer and
	// returns them. PopReport only sees new entries, so this is how a report
	// whose apply failed gets another attempt.
	ClaimStaleReports(ctx context.Context, group, consumer string, minIdle time.Duration, count int64) ([]ClaimedReport, error)
}

// ClaimedReport is one entry returned by ClaimStaleReports. Err wraps
// ErrInvalidPayload when the entry could not be decoded.
type ClaimedReport struct {
	MsgID  string
	Report *models.StepReport
	Err    error
}

// StepFilter narrows ListSteps.
type StepFilter struct {
	Status models.ExecutionStatus
	Limit  int
}

// StepStore defines the data access layer for step history.
type StepStore interface {
	// RecordSubmission persists a PENDING record for a new submission.
	RecordSubmission(ctx context.Context, sub *models.StepSubmission) error

	// ApplyReport merges a report into its record, creating it if needed.
	ApplyReport(ctx context.Context, report *models.StepReport) error

	// GetStep retrieves a record by submission id.
	GetStep(ctx context.Context, id uuid.UUID) (*models.StepRecord, error)

	// ListSteps returns records newest first.
	ListSteps(ctx context.Context, filter StepFilter) ([]models.StepRecord, error)

	// MarkOrphansAsFailed fails RUNNING records whose node is gone.
	MarkOrphansAsFailed(ctx context.Context, activeNodeIDs []string) (int64, error)
}
