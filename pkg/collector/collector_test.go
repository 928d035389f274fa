package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sparkstep/pkg/models"
	"sparkstep/pkg/resilience"
	"sparkstep/pkg/storage"
)

type popResult struct {
	msgID  string
	report *models.StepReport
	err    error
}

type fakeStream struct {
	mu     sync.Mutex
	queue  []popResult
	stuck  error
	pops   int
	acked  []string
	groups []string
	// read but not yet acked, in read order
	pending   []popResult
	claimIdle time.Duration
	claimErr  error
}

func (s *fakeStream) EnsureReportGroup(_ context.Context, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups = append(s.groups, group)
	return nil
}

func (s *fakeStream) PopReport(context.Context, string, string) (string, *models.StepReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pops++
	if s.stuck != nil {
		return "", nil, s.stuck
	}
	if len(s.queue) == 0 {
		return "", nil, nil
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	s.pending = append(s.pending, next)
	return next.msgID, next.report, next.err
}

func (s *fakeStream) AckReport(_ context.Context, _ string, msgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, msgID)
	for i, p := range s.pending {
		if p.msgID == msgID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	return nil
}

func (s *fakeStream) ClaimStaleReports(_ context.Context, _, _ string, minIdle time.Duration, count int64) ([]storage.ClaimedReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimIdle = minIdle
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	var out []storage.ClaimedReport
	for _, p := range s.pending {
		if int64(len(out)) == count {
			break
		}
		out = append(out, storage.ClaimedReport{MsgID: p.msgID, Report: p.report, Err: p.err})
	}
	return out, nil
}

func (s *fakeStream) pendingIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, p := range s.pending {
		ids = append(ids, p.msgID)
	}
	return ids
}

func (s *fakeStream) push(r *models.StepReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, popResult{msgID: fmt.Sprintf("%d-0", len(s.queue)+len(s.acked)+1), report: r})
}

func (s *fakeStream) ackedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.acked...)
}

type fakeStore struct {
	mu       sync.Mutex
	records  map[uuid.UUID]*models.StepRecord
	applyErr error
	orphanOf []string
}

func (f *fakeStore) RecordSubmission(_ context.Context, sub *models.StepSubmission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensure()
	f.records[sub.ID] = models.NewStepRecord(sub)
	return nil
}

func (f *fakeStore) ApplyReport(_ context.Context, r *models.StepReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return f.applyErr
	}
	f.ensure()
	rec, ok := f.records[r.SubmissionID]
	if !ok {
		rec = &models.StepRecord{ID: r.SubmissionID, Status: models.ExecutionPending}
		f.records[r.SubmissionID] = rec
	}
	rec.Apply(r)
	return nil
}

func (f *fakeStore) GetStep(_ context.Context, id uuid.UUID) (*models.StepRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeStore) ListSteps(context.Context, storage.StepFilter) ([]models.StepRecord, error) {
	return nil, nil
}

func (f *fakeStore) MarkOrphansAsFailed(_ context.Context, active []string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orphanOf = active
	var n int64
	for _, rec := range f.records {
		if rec.Status != models.ExecutionRunning {
			continue
		}
		alive := false
		for _, id := range active {
			alive = alive || id == rec.NodeID
		}
		if !alive {
			rec.Status = models.ExecutionFailed
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) ensure() {
	if f.records == nil {
		f.records = map[uuid.UUID]*models.StepRecord{}
	}
}

type fakeCoordinator struct {
	nodes []string
	err   error
}

func (c *fakeCoordinator) RegisterNode(context.Context, string, int) error { return nil }
func (c *fakeCoordinator) GetActiveNodes(context.Context) ([]string, error) {
	return c.nodes, c.err
}
func (c *fakeCoordinator) Close() error { return nil }

func newTestCollector(stream *fakeStream, store *fakeStore, coord *fakeCoordinator, opts ...Option) *Collector {
	base := []Option{WithLogger(zap.NewNop()), WithIdleWait(0)}
	if coord == nil {
		return New(stream, store, nil, append(base, opts...)...)
	}
	return New(stream, store, coord, append(base, opts...)...)
}

func TestCollectOne_AppliesAndAcks(t *testing.T) {
	stream := &fakeStream{}
	store := &fakeStore{}
	c := newTestCollector(stream, store, nil)

	id := uuid.New()
	stream.push(&models.StepReport{SubmissionID: id, NodeID: "n1", Status: models.ExecutionRunning, StartedAt: time.Now()})
	stream.push(&models.StepReport{SubmissionID: id, NodeID: "n1", Status: models.ExecutionSuccess, Output: "ok"})

	c.collectOne(context.Background())
	c.collectOne(context.Background())

	rec, err := store.GetStep(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionSuccess, rec.Status)
	assert.Equal(t, "ok", rec.Output)
	assert.Equal(t, []string{"1-0", "2-0"}, stream.ackedIDs())
}

func TestCollectOne_ApplyFailureLeavesMessagePending(t *testing.T) {
	stream := &fakeStream{}
	store := &fakeStore{applyErr: errors.New("db down")}
	c := newTestCollector(stream, store, nil)

	stream.push(&models.StepReport{SubmissionID: uuid.New(), Status: models.ExecutionFailed})
	c.collectOne(context.Background())

	assert.Empty(t, stream.ackedIDs())
	assert.Equal(t, []string{"1-0"}, stream.pendingIDs())
}

func TestReclaimStale_RetriesFailedApply(t *testing.T) {
	stream := &fakeStream{}
	store := &fakeStore{applyErr: errors.New("db down")}
	c := newTestCollector(stream, store, nil, WithClaimIdle(2*time.Minute))

	id := uuid.New()
	stream.push(&models.StepReport{SubmissionID: id, Status: models.ExecutionFailed, ExitCode: 3, Output: "trace"})
	c.collectOne(context.Background())
	require.Empty(t, stream.ackedIDs())

	// still failing: claimed, not applied, still pending
	n, err := c.ReclaimStale(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 2*time.Minute, stream.claimIdle)
	assert.Equal(t, []string{"1-0"}, stream.pendingIDs())

	store.mu.Lock()
	store.applyErr = nil
	store.mu.Unlock()

	n, err = c.ReclaimStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"1-0"}, stream.ackedIDs())
	assert.Empty(t, stream.pendingIDs())

	rec, err := store.GetStep(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, rec.Status)
	assert.Equal(t, "trace", rec.Output)

	n, err = c.ReclaimStale(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReclaimStale_UndecodableIsAcked(t *testing.T) {
	stream := &fakeStream{pending: []popResult{{
		msgID: "4-0",
		err:   fmt.Errorf("%w: missing payload field", storage.ErrInvalidPayload),
	}}}
	c := newTestCollector(stream, &fakeStore{}, nil)

	n, err := c.ReclaimStale(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, []string{"4-0"}, stream.ackedIDs())
}

func TestReclaimStale_ClaimError(t *testing.T) {
	stream := &fakeStream{claimErr: errors.New("NOGROUP")}
	c := newTestCollector(stream, &fakeStore{}, nil)

	_, err := c.ReclaimStale(context.Background())
	assert.Error(t, err)
}

func TestStart_MaintenanceTickReclaims(t *testing.T) {
	stream := &fakeStream{}
	store := &fakeStore{}
	id := uuid.New()
	// left behind by a collector that died before acking
	stream.pending = []popResult{{msgID: "7-0", report: &models.StepReport{SubmissionID: id, Status: models.ExecutionSuccess}}}
	c := newTestCollector(stream, store, nil, WithIdleWait(5*time.Millisecond), WithReapInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(stream.ackedIDs()) == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	rec, err := store.GetStep(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionSuccess, rec.Status)
}

func TestCollectOne_UndecodableReportIsAcked(t *testing.T) {
	stream := &fakeStream{}
	stream.queue = append(stream.queue, popResult{
		msgID: "9-0",
		err:   fmt.Errorf("%w: missing payload field", storage.ErrInvalidPayload),
	})
	c := newTestCollector(stream, &fakeStore{}, nil)

	c.collectOne(context.Background())

	assert.Equal(t, []string{"9-0"}, stream.ackedIDs())
	assert.Equal(t, resilience.CircuitClosed, c.breaker.State())
}

func TestCollectOne_StreamErrorsTripBreaker(t *testing.T) {
	stream := &fakeStream{stuck: errors.New("connection refused")}
	cb := resilience.NewCircuitBreaker("test", resilience.CircuitBreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Timeout:          time.Hour,
		MaxRequests:      1,
	})
	c := newTestCollector(stream, &fakeStore{}, nil, WithBreaker(cb))

	for i := 0; i < 6; i++ {
		c.collectOne(context.Background())
	}

	assert.Equal(t, 3, stream.pops)
	assert.Equal(t, resilience.CircuitOpen, cb.State())
}

func TestReapOrphans(t *testing.T) {
	store := &fakeStore{}
	live, dead := uuid.New(), uuid.New()
	store.ensure()
	store.records[live] = &models.StepRecord{ID: live, Status: models.ExecutionRunning, NodeID: "alive"}
	store.records[dead] = &models.StepRecord{ID: dead, Status: models.ExecutionRunning, NodeID: "gone"}

	c := newTestCollector(&fakeStream{}, store, &fakeCoordinator{nodes: []string{"alive"}})

	n, err := c.ReapOrphans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, []string{"alive"}, store.orphanOf)
	assert.Equal(t, models.ExecutionFailed, store.records[dead].Status)
	assert.Equal(t, models.ExecutionRunning, store.records[live].Status)
}

func TestReapOrphans_CoordinatorErrorReapsNothing(t *testing.T) {
	store := &fakeStore{}
	id := uuid.New()
	store.ensure()
	store.records[id] = &models.StepRecord{ID: id, Status: models.ExecutionRunning, NodeID: "n1"}

	c := newTestCollector(&fakeStream{}, store, &fakeCoordinator{err: errors.New("etcd unavailable")})

	_, err := c.ReapOrphans(context.Background())
	assert.Error(t, err)
	assert.Equal(t, models.ExecutionRunning, store.records[id].Status)

	n, err := newTestCollector(&fakeStream{}, store, nil).ReapOrphans(context.Background())
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestStart_DrainsStreamAndStops(t *testing.T) {
	stream := &fakeStream{}
	store := &fakeStore{}
	c := newTestCollector(stream, store, &fakeCoordinator{}, WithIdleWait(5*time.Millisecond), WithReapInterval(time.Hour))

	ids := []uuid.UUID{uuid.New(), uuid.New()}
	for _, id := range ids {
		stream.push(&models.StepReport{SubmissionID: id, Status: models.ExecutionSuccess})
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(stream.ackedIDs()) == 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("collector did not stop")
	}

	assert.Equal(t, []string{ConsumerGroup}, stream.groups)
	for _, id := range ids {
		rec, err := store.GetStep(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionSuccess, rec.Status)
	}
}
