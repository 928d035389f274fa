package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	config "sparkstep/configs"
	"sparkstep/pkg/coordination"
	"sparkstep/pkg/logger"
	"sparkstep/pkg/metrics"
	"sparkstep/pkg/models"
	tracing "sparkstep/pkg/observability"
	"sparkstep/pkg/resilience"
	"sparkstep/pkg/resolver"
	"sparkstep/pkg/step"
	"sparkstep/pkg/storage"
)

// ConsumerGroup is the stream consumer group shared by all executors.
const ConsumerGroup = "sparkstep-executors"

// errDrainExpired cancels steps still running when the drain timeout ends.
var errDrainExpired = errors.New("executor drain timeout expired")

type Executor struct {
	ID       string
	Hostname string

	// Resources
	TotalCPU int
	TotalMem uint64 // In MB

	coordinator coordination.Coordinator
	queue       storage.Queue
	spark       config.SparkConfig
	locator     resolver.Locator
	breaker     *resilience.CircuitBreaker
	stepOpts    []step.Option
	logger      *zap.Logger

	outputs     storage.OutputStore
	inlineLimit int

	nodeTTL     int
	interval    time.Duration
	idleWait    time.Duration
	stepTimeout time.Duration
	// zero waits for in-flight steps however long they take
	drainTimeout time.Duration
}

type Option func(*Executor)

// WithLocator overrides where steps look for hive-site.xml and hbase-site.xml.
func WithLocator(l resolver.Locator) Option {
	return func(e *Executor) { e.locator = l }
}

// WithStepOptions is applied to every step the executor builds.
func WithStepOptions(opts ...step.Option) Option {
	return func(e *Executor) { e.stepOpts = append(e.stepOpts, opts...) }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(e *Executor) { e.breaker = cb }
}

// WithConcurrency caps how many steps run at once. Defaults to the CPU count.
func WithConcurrency(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.TotalCPU = n
		}
	}
}

// WithOutputStore archives each step's full output in store. Report output
// is then cut to the last inlineLimit bytes.
func WithOutputStore(store storage.OutputStore, inlineLimit int) Option {
	return func(e *Executor) {
		e.outputs = store
		e.inlineLimit = inlineLimit
	}
}

// WithDrainTimeout bounds how long in-flight steps keep running once Start's
// context is cancelled.
func WithDrainTimeout(d time.Duration) Option {
	return func(e *Executor) { e.drainTimeout = d }
}

// WithIdleWait sets the pause after an empty pop or a queue error.
func WithIdleWait(d time.Duration) Option {
	return func(e *Executor) { e.idleWait = d }
}

func NewExecutor(cfg *config.Config, coord coordination.Coordinator, queue storage.Queue, opts ...Option) *Executor {
	hostname, _ := os.Hostname()
	id := fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])

	ttl := cfg.NodeTTL
	if ttl <= 0 {
		ttl = 10
	}
	e := &Executor{
		ID:          id,
		Hostname:    hostname,
		TotalCPU:    runtime.NumCPU(),
		coordinator: coord,
		queue:       queue,
		spark:       cfg.Spark,
		nodeTTL:     ttl,
		// heartbeat at half the TTL leaves a safe margin
		interval:     time.Duration(ttl) * time.Second / 2,
		idleWait:     time.Second,
		stepTimeout:  cfg.StepTimeout,
		drainTimeout: cfg.DrainTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logger.WithComponent("executor")
	}
	e.logger = e.logger.With(zap.String("node_id", e.ID))
	if e.locator == nil {
		e.locator = resolver.DefaultLocator(e.spark.ResourcePath)
	}
	if e.breaker == nil {
		cbCfg := resilience.DefaultCircuitBreakerConfig()
		cbCfg.OnStateChange = resilience.Observer(e.logger)
		e.breaker = resilience.NewCircuitBreaker("queue-pop", cbCfg)
	}
	e.TotalMem = detectTotalMemory(e.logger)
	return e
}

func detectTotalMemory(log *zap.Logger) uint64 {
	v, err := mem.VirtualMemory()
	if err != nil {
		log.Warn("failed to detect memory, defaulting to 1GB", zap.Error(err))
		return 1024
	}
	// Return in MB
	return v.Total / 1024 / 1024
}

// Start runs the heartbeat and work loops until ctx is cancelled. Cancelling
// ctx stops new pops only: steps already running carry on (bounded by the
// step and drain timeouts), are reported and acked, and the node keeps
// heartbeating until the last one is done.
func (e *Executor) Start(ctx context.Context) {
	e.logger.Info("executor starting",
		zap.Int("cpus", e.TotalCPU),
		zap.Uint64("memory_mb", e.TotalMem),
	)

	if err := e.queue.EnsureGroup(ctx, ConsumerGroup); err != nil {
		e.logger.Warn("failed to ensure consumer group", zap.Error(err))
	}

	// outlives ctx so the reaper does not fail steps that are draining
	hbCtx, stopHeartbeat := context.WithCancel(context.WithoutCancel(ctx))
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		e.heartbeatLoop(hbCtx)
	}()

	var wg sync.WaitGroup

	e.logger.Info("waiting for steps", zap.Int("concurrency", e.TotalCPU))

	// Worker Pool Semaphore
	sem := make(chan struct{}, e.TotalCPU)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("draining in-flight steps", zap.Duration("drain_timeout", e.drainTimeout))
			wg.Wait()
			stopHeartbeat()
			<-hbDone
			e.logger.Info("executor stopped")
			return
		case sem <- struct{}{}:
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				e.consumeOne(ctx)
			}()
		}
	}
}

func (e *Executor) heartbeatLoop(ctx context.Context) {
	if err := e.RegisterHeartbeat(ctx); err != nil {
		e.logger.Warn("heartbeat failed", zap.Error(err))
	}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.RegisterHeartbeat(ctx); err != nil {
				e.logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

// RegisterHeartbeat renews this node's registration with the coordinator.
func (e *Executor) RegisterHeartbeat(ctx context.Context) error {
	if err := e.coordinator.RegisterNode(ctx, e.ID, e.nodeTTL); err != nil {
		return fmt.Errorf("failed to register node: %w", err)
	}
	metrics.HeartbeatsSent.Inc()
	return nil
}

func (e *Executor) consumeOne(ctx context.Context) {
	var (
		msgID     string
		sub       *models.StepSubmission
		decodeErr error
	)
	err := e.breaker.Execute(ctx, func() error {
		var popErr error
		msgID, sub, popErr = e.queue.Pop(ctx, ConsumerGroup, e.ID)
		// a bad payload is the message's fault, not the backend's
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
			metrics.QueueErrors.WithLabelValues("pop").Inc()
			e.logger.Error("error popping step", zap.Error(err))
		}
		e.pause(ctx)
		return
	}
	if decodeErr != nil {
		metrics.QueueErrors.WithLabelValues("decode").Inc()
		e.logger.Error("dropping undecodable submission", zap.String("msg_id", msgID), zap.Error(decodeErr))
		if msgID != "" {
			if err := e.queue.Ack(ctx, ConsumerGroup, msgID); err != nil {
				e.logger.Error("failed to ack step", zap.String("msg_id", msgID), zap.Error(err))
			}
		}
		return
	}
	if sub == nil {
		// the queue already blocked for a while; a short pause keeps an
		// always-empty backend from spinning the semaphore
		e.pause(ctx)
		return
	}

	metrics.ExecutorStepsRunning.Inc()
	defer metrics.ExecutorStepsRunning.Dec()

	running := &models.StepReport{
		SubmissionID: sub.ID,
		NodeID:       e.ID,
		Status:       models.ExecutionRunning,
		StartedAt:    time.Now().UTC(),
	}
	if err := e.queue.PublishReport(ctx, running); err != nil {
		metrics.QueueErrors.WithLabelValues("report").Inc()
		e.logger.Warn("failed to publish running report",
			zap.Stringer("submission_id", sub.ID), zap.Error(err))
	}

	runCtx, stopRun := e.detach(ctx)
	report := e.RunSubmission(runCtx, sub)
	stopRun()

	if report.Status != models.ExecutionSuccess && errors.Is(context.Cause(runCtx), errDrainExpired) {
		// Left unacked and unreported: the step did not finish here, and the
		// orphan reaper fails its record once this node's lease is gone.
		e.logger.Warn("step killed at drain timeout, leaving it unacked",
			zap.Stringer("submission_id", sub.ID), zap.String("msg_id", msgID))
		return
	}

	// Reports and acks must go out even when shutdown has begun.
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	e.archiveOutput(reportCtx, report)

	if err := e.queue.PublishReport(reportCtx, report); err != nil {
		metrics.QueueErrors.WithLabelValues("report").Inc()
		e.logger.Error("failed to publish step report",
			zap.Stringer("submission_id", sub.ID), zap.Error(err))
	}
	if err := e.queue.Ack(reportCtx, ConsumerGroup, msgID); err != nil {
		metrics.QueueErrors.WithLabelValues("ack").Inc()
		e.logger.Error("failed to ack step",
			zap.Stringer("submission_id", sub.ID), zap.Error(err))
	}
}

// detach gives a step a context that survives cancellation of ctx. With a
// drain timeout it is cancelled with errDrainExpired that long after ctx is.
// The returned func releases it and must be called once the step is done.
func (e *Executor) detach(ctx context.Context) (context.Context, func()) {
	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	if e.drainTimeout <= 0 {
		return runCtx, func() { cancel(nil) }
	}

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	stopAfter := context.AfterFunc(ctx, func() {
		mu.Lock()
		defer mu.Unlock()
		timer = time.AfterFunc(e.drainTimeout, func() { cancel(errDrainExpired) })
	})
	return runCtx, func() {
		stopAfter()
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
		cancel(nil)
	}
}

// RunSubmission runs one submission on a freshly built step and describes
// the outcome. Config errors are reported as FAILED with the error message.
func (e *Executor) RunSubmission(ctx context.Context, sub *models.StepSubmission) *models.StepReport {
	ctx, span := tracing.StartSpan(tracing.Extract(ctx, sub.Trace), "executor.run_submission",
		tracing.SubmissionIDKey.String(sub.ID.String()),
		tracing.NodeKey.String(e.ID),
	)
	defer span.End()

	log := logger.ForSubmission(e.logger, sub.ID, sub.Name)
	log.Info("received step", zap.Int("attempt", sub.Attempt))

	report := &models.StepReport{
		SubmissionID: sub.ID,
		NodeID:       e.ID,
		StartedAt:    time.Now().UTC(),
	}

	opts := append([]step.Option{step.WithLogger(log)}, e.stepOpts...)
	s := step.New(sub.Name, opts...)
	for name, value := range sub.Params.All() {
		s.SetParam(name, value)
	}

	runCtx := ctx
	if e.stepTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.stepTimeout)
		defer cancel()
	}

	result, err := s.Run(runCtx, &step.ExecutableContext{
		Config:  e.spark,
		Locator: e.locator,
	})
	report.CompletedAt = time.Now().UTC()

	if err != nil {
		report.Status = models.ExecutionFailed
		report.ExitCode = -1
		report.Message = err.Error()
		return report
	}

	report.Status = result.Status
	report.ExitCode = result.ExitCode
	report.Output = result.Output
	report.Message = result.Message
	return report
}

// archiveOutput moves the full output to the output store and keeps only its
// tail inline. On a store error the report keeps the full output.
func (e *Executor) archiveOutput(ctx context.Context, report *models.StepReport) {
	if e.outputs == nil || report.Output == "" {
		return
	}
	ref, err := e.outputs.Store(ctx, report.SubmissionID.String(), []byte(report.Output))
	if err != nil {
		metrics.OutputArchived.WithLabelValues("error").Inc()
		e.logger.Warn("failed to archive step output",
			zap.Stringer("submission_id", report.SubmissionID), zap.Error(err))
		return
	}
	metrics.OutputArchived.WithLabelValues("ok").Inc()
	report.OutputRef = ref
	report.Output = tail(report.Output, e.inlineLimit)
}

// tail returns the last n bytes of s, starting on a rune boundary.
// n <= 0 keeps everything.
func tail(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}

func (e *Executor) pause(ctx context.Context) {
	if e.idleWait <= 0 {
		return
	}
	t := time.NewTimer(e.idleWait)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
