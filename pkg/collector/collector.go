// Package collector folds step reports from the report stream into the
// status store and fails steps whose executor has disappeared.
package collector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sparkstep/pkg/coordination"
	"sparkstep/pkg/logger"
	"sparkstep/pkg/metrics"
	"sparkstep/pkg/models"
	"sparkstep/pkg/resilience"
	"sparkstep/pkg/storage"
)

// ConsumerGroup is the report stream group shared by all collectors.
const ConsumerGroup = "sparkstep-collectors"

type Collector struct {
	ID string

	stream      storage.ReportStream
	store       storage.StepStore
	coordinator coordination.Coordinator
	breaker     *resilience.CircuitBreaker
	logger      *zap.Logger

	reapInterval time.Duration
	claimIdle    time.Duration
	idleWait     time.Duration
}

// claimBatch caps how many stale reports one maintenance tick takes over.
const claimBatch = 100

type Option func(*Collector)

func WithLogger(l *zap.Logger) Option {
	return func(c *Collector) { c.logger = l }
}

func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Collector) { c.breaker = cb }
}

// WithReapInterval sets how often stale pending reports are reclaimed and
// orphaned RUNNING steps are failed. Zero disables both.
func WithReapInterval(d time.Duration) Option {
	return func(c *Collector) { c.reapInterval = d }
}

// WithClaimIdle sets how long a report must sit unacked before another
// collector may take it over.
func WithClaimIdle(d time.Duration) Option {
	return func(c *Collector) { c.claimIdle = d }
}

// WithIdleWait sets the pause after an empty pop or an error.
func WithIdleWait(d time.Duration) Option {
	return func(c *Collector) { c.idleWait = d }
}

// New builds a collector. coord may be nil, which disables reaping.
func New(stream storage.ReportStream, store storage.StepStore, coord coordination.Coordinator, opts ...Option) *Collector {
	hostname, _ := os.Hostname()
	c := &Collector{
		ID:           fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8]),
		stream:       stream,
		store:        store,
		coordinator:  coord,
		reapInterval: 30 * time.Second,
		claimIdle:    time.Minute,
		idleWait:     time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logger.WithComponent("collector")
	}
	if c.breaker == nil {
		cbCfg := resilience.DefaultCircuitBreakerConfig()
		cbCfg.OnStateChange = resilience.Observer(c.logger)
		c.breaker = resilience.NewCircuitBreaker("report-pop", cbCfg)
	}
	return c
}

// Start applies reports until ctx is cancelled.
func (c *Collector) Start(ctx context.Context) {
	c.logger.Info("collector starting", zap.String("consumer", c.ID))

	if err := c.stream.EnsureReportGroup(ctx, ConsumerGroup); err != nil {
		c.logger.Warn("failed to ensure report consumer group", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.maintenanceLoop(ctx)
	}()

	for ctx.Err() == nil {
		c.collectOne(ctx)
	}
	<-done
	c.logger.Info("collector stopped")
}

func (c *Collector) collectOne(ctx context.Context) {
	var (
		msgID     string
		report    *models.StepReport
		decodeErr error
	)
	err := c.breaker.Execute(ctx, func() error {
		var popErr error
		msgID, report, popErr = c.stream.PopReport(ctx, ConsumerGroup, c.ID)
		if errors.Is(popErr, storage.ErrInvalidPayload) {
			decodeErr = popErr
			return nil
		}
		return popErr
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if !errors.Is(err, resilience.ErrCircuitOpen) {
			metrics.QueueErrors.WithLabelValues("report_pop").Inc()
			c.logger.Error("error popping report", zap.Error(err))
		}
		c.pause(ctx)
		return
	}
	if decodeErr != nil {
		metrics.QueueErrors.WithLabelValues("decode").Inc()
		c.logger.Error("dropping undecodable report", zap.String("msg_id", msgID), zap.Error(decodeErr))
		c.ack(ctx, msgID)
		return
	}
	if report == nil {
		c.pause(ctx)
		return
	}

	if err := c.apply(ctx, msgID, report); err != nil {
		c.pause(ctx)
	}
}

// apply stores report and acks it. On failure the entry stays in the pending
// list until ReclaimStale picks it up again.
func (c *Collector) apply(ctx context.Context, msgID string, report *models.StepReport) error {
	// a report that was read is applied even if shutdown has begun
	applyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := c.store.ApplyReport(applyCtx, report); err != nil {
		c.logger.Error("failed to apply report",
			zap.Stringer("submission_id", report.SubmissionID),
			zap.String("msg_id", msgID),
			zap.Error(err),
		)
		return err
	}
	metrics.ReportsApplied.WithLabelValues(string(report.Status)).Inc()
	c.logger.Debug("report applied",
		zap.Stringer("submission_id", report.SubmissionID),
		zap.String("status", string(report.Status)),
	)
	c.ack(applyCtx, msgID)
	return nil
}

func (c *Collector) ack(ctx context.Context, msgID string) {
	if msgID == "" {
		return
	}
	if err := c.stream.AckReport(ctx, ConsumerGroup, msgID); err != nil {
		metrics.QueueErrors.WithLabelValues("report_ack").Inc()
		c.logger.Error("failed to ack report", zap.String("msg_id", msgID), zap.Error(err))
	}
}

func (c *Collector) maintenanceLoop(ctx context.Context) {
	if c.reapInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// reclaim first so a late final report beats the reaper
			if _, err := c.ReclaimStale(ctx); err != nil {
				c.logger.Warn("reclaiming stale reports failed", zap.Error(err))
			}
			if _, err := c.ReapOrphans(ctx); err != nil {
				c.logger.Warn("orphan reaping failed", zap.Error(err))
			}
		}
	}
}

// ReclaimStale takes over reports that have been pending longer than the
// claim idle time and applies them again. It returns how many were applied.
func (c *Collector) ReclaimStale(ctx context.Context) (int, error) {
	claimed, err := c.stream.ClaimStaleReports(ctx, ConsumerGroup, c.ID, c.claimIdle, claimBatch)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, entry := range claimed {
		if entry.Err != nil {
			metrics.ReportsReclaimed.WithLabelValues("dropped").Inc()
			c.logger.Error("dropping undecodable report", zap.String("msg_id", entry.MsgID), zap.Error(entry.Err))
			c.ack(ctx, entry.MsgID)
			continue
		}
		if err := c.apply(ctx, entry.MsgID, entry.Report); err != nil {
			metrics.ReportsReclaimed.WithLabelValues("error").Inc()
			continue
		}
		metrics.ReportsReclaimed.WithLabelValues("applied").Inc()
		applied++
	}
	if len(claimed) > 0 {
		c.logger.Info("reclaimed stale reports",
			zap.Int("claimed", len(claimed)),
			zap.Int("applied", applied),
		)
	}
	return applied, nil
}

// ReapOrphans fails RUNNING steps whose executor is no longer registered.
// Nothing is reaped when the active node list cannot be read.
func (c *Collector) ReapOrphans(ctx context.Context) (int64, error) {
	if c.coordinator == nil {
		return 0, nil
	}
	nodes, err := c.coordinator.GetActiveNodes(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active nodes: %w", err)
	}
	n, err := c.store.MarkOrphansAsFailed(ctx, nodes)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.OrphansReaped.Add(float64(n))
		c.logger.Warn("marked orphaned steps as failed",
			zap.Int64("count", n),
			zap.Int("active_nodes", len(nodes)),
		)
	}
	return n, nil
}

func (c *Collector) pause(ctx context.Context) {
	if c.idleWait <= 0 {
		return
	}
	t := time.NewTimer(c.idleWait)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
