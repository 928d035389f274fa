package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sparkstep/pkg/params"
)

func TestNewStepRecord(t *testing.T) {
	p := params.New()
	p.Set(params.KeyClassName, "com.x.Main")
	p.Set("segmentId", "seg-1")
	sub := NewStepSubmission("build", p)

	rec := NewStepRecord(sub)
	assert.Equal(t, sub.ID, rec.ID)
	assert.Equal(t, "com.x.Main", rec.ClassName)
	assert.Equal(t, ExecutionPending, rec.Status)

	p.Set("late", "x")
	assert.Equal(t, 2, rec.Params.Len(), "record params are a copy")
}

func TestStepRecord_Apply(t *testing.T) {
	started := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	rec := &StepRecord{Status: ExecutionPending}

	assert.True(t, rec.Apply(&StepReport{NodeID: "n1", Status: ExecutionRunning, StartedAt: started}))
	assert.Equal(t, ExecutionRunning, rec.Status)
	assert.Equal(t, "n1", rec.NodeID)
	require.NotNil(t, rec.StartedAt)
	assert.Nil(t, rec.ExitCode)

	completed := started.Add(time.Minute)
	assert.True(t, rec.Apply(&StepReport{
		NodeID: "n1", Status: ExecutionFailed, ExitCode: 2, Message: "boom",
		OutputRef: "/out/x.log", StartedAt: started, CompletedAt: completed,
	}))
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 2, *rec.ExitCode)
	assert.Equal(t, "boom", rec.Message)
	assert.Equal(t, "/out/x.log", rec.OutputRef)
	require.NotNil(t, rec.CompletedAt)
	assert.True(t, completed.Equal(*rec.CompletedAt))

	assert.False(t, rec.Apply(&StepReport{Status: ExecutionRunning}), "final status sticks")
	assert.Equal(t, ExecutionFailed, rec.Status)
}
