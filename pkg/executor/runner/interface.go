package runner

import (
	"context"
	"time"

	"sparkstep/pkg/models"
)

// LineSink receives each output line as the child process produces it.
type LineSink func(line string)

// Result captures the outcome of a job execution.
// Status is SUCCESS or FAILED. Output holds every line captured before the
// process ended, in both cases. On FAILED, Message is a short description of
// what went wrong and never the captured output.
type Result struct {
	Status   models.ExecutionStatus
	Output   string
	Message  string
	ExitCode int
	Duration time.Duration
	Error    error // detailed go error if any
}

// Succeeded reports whether the command finished with a zero exit status.
func (r Result) Succeeded() bool {
	return r.Status == models.ExecutionSuccess
}

// Succeeded builds a successful Result.
func Succeeded(output string) Result {
	return Result{Status: models.ExecutionSuccess, Output: output}
}

// Failed builds a failed Result.
func Failed(message string, err error) Result {
	return Result{Status: models.ExecutionFailed, Message: message, Error: err, ExitCode: -1}
}

// JobRunner defines the interface for executing a single job.
type JobRunner interface {
	// Run executes command, streaming each output line to sink, and blocks
	// until the process has exited and every line has been delivered.
	Run(ctx context.Context, command string, sink LineSink) Result
}
