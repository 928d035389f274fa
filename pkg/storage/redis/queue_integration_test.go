package redis_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"sparkstep/pkg/api"
	"sparkstep/pkg/models"
	"sparkstep/pkg/params"
	"sparkstep/pkg/storage/redis"
)

// QueueIntegrationSuite runs against a real Redis. It is skipped when
// SKIP_INTEGRATION_TESTS=true or when Redis cannot be reached.
type QueueIntegrationSuite struct {
	suite.Suite
	queue  *redis.RedisQueue
	raw    *goredis.Client
	server *api.Server
}

func (s *QueueIntegrationSuite) SetupSuite() {
	if os.Getenv("SKIP_INTEGRATION_TESTS") == "true" {
		s.T().Skip("Skipping integration tests (SKIP_INTEGRATION_TESTS=true)")
	}

	addr := fmt.Sprintf("%s:%s",
		getEnv("TEST_REDIS_HOST", "localhost"),
		getEnv("TEST_REDIS_PORT", "6379"),
	)
	cfg := redis.DefaultRedisQueueConfig(addr)
	cfg.DialTimeout = time.Second
	cfg.PopBlock = 200 * time.Millisecond

	queue, err := redis.NewRedisQueueWithConfig(cfg)
	if err != nil {
		s.T().Skipf("Skipping integration tests: %v", err)
	}
	s.queue = queue
	s.raw = goredis.NewClient(&goredis.Options{Addr: addr})

	s.server = api.NewServer(api.Config{
		Port:   "0",
		Queue:  queue,
		Logger: zap.NewNop(),
	})
}

func (s *QueueIntegrationSuite) TearDownSuite() {
	if s.queue != nil {
		s.queue.Close()
	}
	if s.raw != nil {
		s.raw.Close()
	}
}

func (s *QueueIntegrationSuite) SetupTest() {
	ctx := context.Background()
	s.Require().NoError(s.raw.Del(ctx, redis.StreamKeyPending, redis.StreamKeyReports).Err())
}

// TestStepLifecycle pushes a submission, pops it as an executor would,
// reports and acks it.
func (s *QueueIntegrationSuite) TestStepLifecycle() {
	ctx := context.Background()
	group := "lifecycle-" + s.T().Name()

	p := params.New()
	p.Set(params.KeyClassName, "com.x.Main")
	p.Set("segmentId", "seg-1")
	p.Set("cubeName", "sales")
	sub := models.NewStepSubmission("cube-build", p)

	s.Require().NoError(s.queue.Push(ctx, sub))
	// the group is created after the push and still sees it
	s.Require().NoError(s.queue.EnsureGroup(ctx, group))
	s.Require().NoError(s.queue.EnsureGroup(ctx, group), "EnsureGroup is idempotent")

	msgID, got, err := s.queue.Pop(ctx, group, "executor-1")
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.Equal(sub.ID, got.ID)
	s.Equal([]string{params.KeyClassName, "segmentId", "cubeName"}, got.Params.Keys())

	report := &models.StepReport{
		SubmissionID: got.ID,
		NodeID:       "executor-1",
		Status:       models.ExecutionSuccess,
		Output:       "a\nb",
		StartedAt:    time.Now().UTC(),
		CompletedAt:  time.Now().UTC(),
	}
	s.Require().NoError(s.queue.PublishReport(ctx, report))
	s.Require().NoError(s.queue.Ack(ctx, group, msgID))

	pending, err := s.raw.XPending(ctx, redis.StreamKeyPending, group).Result()
	s.Require().NoError(err)
	s.Zero(pending.Count)

	reports, err := s.raw.XRange(ctx, redis.StreamKeyReports, "-", "+").Result()
	s.Require().NoError(err)
	s.Require().Len(reports, 1)
	s.Equal(string(models.ExecutionSuccess), reports[0].Values["status"])
	s.Equal(sub.ID.String(), reports[0].Values["submission_id"])
}

// TestReportStream reads reports back through a collector group.
func (s *QueueIntegrationSuite) TestReportStream() {
	ctx := context.Background()
	group := "collectors-" + s.T().Name()

	running := &models.StepReport{SubmissionID: uuid.New(), NodeID: "executor-1", Status: models.ExecutionRunning}
	s.Require().NoError(s.queue.PublishReport(ctx, running))
	s.Require().NoError(s.queue.EnsureReportGroup(ctx, group))

	msgID, got, err := s.queue.PopReport(ctx, group, "collector-1")
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.Equal(running.SubmissionID, got.SubmissionID)
	s.Equal(models.ExecutionRunning, got.Status)
	s.Require().NoError(s.queue.AckReport(ctx, group, msgID))

	pending, err := s.raw.XPending(ctx, redis.StreamKeyReports, group).Result()
	s.Require().NoError(err)
	s.Zero(pending.Count)

	msgID, got, err = s.queue.PopReport(ctx, group, "collector-1")
	s.NoError(err)
	s.Empty(msgID)
	s.Nil(got)
}

// TestClaimStaleReports leaves a report unacked on one collector and takes
// it over from another once it has been idle long enough.
func (s *QueueIntegrationSuite) TestClaimStaleReports() {
	ctx := context.Background()
	group := "reclaim-" + s.T().Name()

	final := &models.StepReport{SubmissionID: uuid.New(), NodeID: "executor-1", Status: models.ExecutionFailed, ExitCode: 3}
	s.Require().NoError(s.queue.PublishReport(ctx, final))
	s.Require().NoError(s.queue.EnsureReportGroup(ctx, group))

	msgID, got, err := s.queue.PopReport(ctx, group, "collector-dead")
	s.Require().NoError(err)
	s.Require().NotNil(got)

	// not idle long enough yet
	claimed, err := s.queue.ClaimStaleReports(ctx, group, "collector-2", time.Hour, 10)
	s.Require().NoError(err)
	s.Empty(claimed)

	time.Sleep(20 * time.Millisecond)
	claimed, err = s.queue.ClaimStaleReports(ctx, group, "collector-2", 10*time.Millisecond, 10)
	s.Require().NoError(err)
	s.Require().Len(claimed, 1)
	s.Equal(msgID, claimed[0].MsgID)
	s.NoError(claimed[0].Err)
	s.Equal(final.SubmissionID, claimed[0].Report.SubmissionID)
	s.Equal(3, claimed[0].Report.ExitCode)

	consumers, err := s.raw.XInfoConsumers(ctx, redis.StreamKeyReports, group).Result()
	s.Require().NoError(err)
	owned := map[string]int64{}
	for _, c := range consumers {
		owned[c.Name] = c.Pending
	}
	s.Equal(int64(1), owned["collector-2"])
	s.Zero(owned["collector-dead"])

	s.Require().NoError(s.queue.AckReport(ctx, group, msgID))
	claimed, err = s.queue.ClaimStaleReports(ctx, group, "collector-2", 0, 10)
	s.Require().NoError(err)
	s.Empty(claimed)
}

func (s *QueueIntegrationSuite) TestPopEmptyQueue() {
	ctx := context.Background()
	group := "empty-" + s.T().Name()
	s.Require().NoError(s.queue.EnsureGroup(ctx, group))

	msgID, got, err := s.queue.Pop(ctx, group, "executor-1")
	s.NoError(err)
	s.Empty(msgID)
	s.Nil(got)
}

// TestConcurrentConsumers checks each submission is delivered to exactly one
// consumer of a group.
func (s *QueueIntegrationSuite) TestConcurrentConsumers() {
	ctx := context.Background()
	group := "concurrent-" + s.T().Name()
	s.Require().NoError(s.queue.EnsureGroup(ctx, group))

	const n = 6
	for i := 0; i < n; i++ {
		s.Require().NoError(s.queue.Push(ctx, models.NewStepSubmission(fmt.Sprintf("step-%d", i), nil)))
	}

	seen := make(map[string]string)
	for i := 0; i < n; i++ {
		consumer := fmt.Sprintf("executor-%d", i%2)
		_, got, err := s.queue.Pop(ctx, group, consumer)
		s.Require().NoError(err)
		s.Require().NotNil(got)
		_, dup := seen[got.Name]
		s.False(dup, "%s delivered twice", got.Name)
		seen[got.Name] = consumer
	}
	s.Len(seen, n)
}

// TestSubmitThroughAPI posts a step and pops it off the stream.
func (s *QueueIntegrationSuite) TestSubmitThroughAPI() {
	ctx := context.Background()
	group := "api-" + s.T().Name()
	s.Require().NoError(s.queue.EnsureGroup(ctx, group))

	w := s.makeRequest(http.MethodPost, "/api/v1/steps", map[string]interface{}{
		"name":       "merge",
		"class_name": "org.apache.kylin.engine.spark.job.CubeMergeJob",
		"jars":       []string{"/opt/kylin/lib/extra.jar"},
	})
	s.Require().Equal(http.StatusAccepted, w.Code, w.Body.String())

	_, got, err := s.queue.Pop(ctx, group, "executor-1")
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.Equal("merge", got.Name)
	jars, _ := got.Params.Get(params.KeyJars)
	s.Equal("/opt/kylin/lib/extra.jar", jars)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *QueueIntegrationSuite) makeRequest(method, path string, body interface{}) *httptest.ResponseRecorder {
	data, err := json.Marshal(body)
	s.Require().NoError(err)

	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.server.Handler().ServeHTTP(w, req)
	return w
}

func TestQueueIntegration(t *testing.T) {
	suite.Run(t, new(QueueIntegrationSuite))
}
