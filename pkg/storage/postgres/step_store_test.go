package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"sparkstep/pkg/models"
	"sparkstep/pkg/params"
	"sparkstep/pkg/storage"
)

var _ storage.StepStore = (*PostgresStore)(nil)

func TestListLimit(t *testing.T) {
	assert.Equal(t, defaultListLimit, listLimit(0))
	assert.Equal(t, defaultListLimit, listLimit(-3))
	assert.Equal(t, 7, listLimit(7))
	assert.Equal(t, maxListLimit, listLimit(maxListLimit+1))
}

// StepStoreSuite runs against TEST_DATABASE_URL and is skipped without it.
type StepStoreSuite struct {
	suite.Suite
	store *PostgresStore
}

func (s *StepStoreSuite) SetupSuite() {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" || os.Getenv("SKIP_INTEGRATION_TESTS") == "true" {
		s.T().Skip("Skipping postgres tests (TEST_DATABASE_URL not set)")
	}
	store, err := NewPostgresStore(dsn)
	if err != nil {
		s.T().Skipf("Skipping postgres tests: %v", err)
	}
	s.store = store
}

func (s *StepStoreSuite) TearDownSuite() {
	if s.store != nil {
		s.store.Close()
	}
}

func (s *StepStoreSuite) SetupTest() {
	s.Require().NoError(s.store.db.Exec("DELETE FROM step_records").Error)
}

func (s *StepStoreSuite) submission(name string) *models.StepSubmission {
	p := params.New()
	p.Set(params.KeyClassName, "com.x.Main")
	p.Set("segmentId", "seg-1")
	p.Set("cubeName", "sales")
	return models.NewStepSubmission(name, p)
}

func (s *StepStoreSuite) TestSubmissionLifecycle() {
	ctx := context.Background()
	sub := s.submission("build")
	s.Require().NoError(s.store.RecordSubmission(ctx, sub))

	rec, err := s.store.GetStep(ctx, sub.ID)
	s.Require().NoError(err)
	s.Equal(models.ExecutionPending, rec.Status)
	s.Equal("com.x.Main", rec.ClassName)
	s.Equal([]string{params.KeyClassName, "segmentId", "cubeName"}, rec.Params.Keys())

	started := time.Now().UTC()
	s.Require().NoError(s.store.ApplyReport(ctx, &models.StepReport{
		SubmissionID: sub.ID, NodeID: "exec-1", Status: models.ExecutionRunning, StartedAt: started,
	}))
	s.Require().NoError(s.store.ApplyReport(ctx, &models.StepReport{
		SubmissionID: sub.ID, NodeID: "exec-1", Status: models.ExecutionSuccess,
		Output: "done", StartedAt: started, CompletedAt: time.Now().UTC(),
	}))
	// a late RUNNING report must not reopen the step
	s.Require().NoError(s.store.ApplyReport(ctx, &models.StepReport{
		SubmissionID: sub.ID, NodeID: "exec-1", Status: models.ExecutionRunning, StartedAt: started,
	}))

	rec, err = s.store.GetStep(ctx, sub.ID)
	s.Require().NoError(err)
	s.Equal(models.ExecutionSuccess, rec.Status)
	s.Require().NotNil(rec.ExitCode)
	s.Equal(0, *rec.ExitCode)
	s.Equal("done", rec.Output)
	s.NotNil(rec.CompletedAt)
}

func (s *StepStoreSuite) TestReportBeforeSubmission() {
	ctx := context.Background()
	sub := s.submission("early")

	s.Require().NoError(s.store.ApplyReport(ctx, &models.StepReport{
		SubmissionID: sub.ID, NodeID: "exec-1", Status: models.ExecutionRunning, StartedAt: time.Now().UTC(),
	}))
	s.Require().NoError(s.store.RecordSubmission(ctx, sub))

	rec, err := s.store.GetStep(ctx, sub.ID)
	s.Require().NoError(err)
	s.Equal(models.ExecutionRunning, rec.Status)
	s.Equal("early", rec.Name)
}

func (s *StepStoreSuite) TestGetUnknown() {
	_, err := s.store.GetStep(context.Background(), uuid.New())
	s.ErrorIs(err, storage.ErrNotFound)
}

func (s *StepStoreSuite) TestListAndOrphans() {
	ctx := context.Background()
	first := s.submission("first")
	first.SubmittedAt = time.Now().UTC().Add(-time.Minute)
	second := s.submission("second")
	s.Require().NoError(s.store.RecordSubmission(ctx, first))
	s.Require().NoError(s.store.RecordSubmission(ctx, second))

	for _, sub := range []*models.StepSubmission{first, second} {
		s.Require().NoError(s.store.ApplyReport(ctx, &models.StepReport{
			SubmissionID: sub.ID, NodeID: "node-" + sub.Name, Status: models.ExecutionRunning, StartedAt: time.Now().UTC(),
		}))
	}

	recs, err := s.store.ListSteps(ctx, storage.StepFilter{})
	s.Require().NoError(err)
	s.Require().Len(recs, 2)
	s.Equal("second", recs[0].Name)

	n, err := s.store.MarkOrphansAsFailed(ctx, []string{"node-second"})
	s.Require().NoError(err)
	s.Equal(int64(1), n)

	failed, err := s.store.ListSteps(ctx, storage.StepFilter{Status: models.ExecutionFailed})
	s.Require().NoError(err)
	s.Require().Len(failed, 1)
	s.Equal("first", failed[0].Name)
	s.Equal("executor node lost", failed[0].Message)
}

func TestStepStore(t *testing.T) {
	suite.Run(t, new(StepStoreSuite))
}
