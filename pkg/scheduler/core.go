// Package scheduler fires configured step submissions on cron schedules.
// With several replicas only the elected leader fires.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	config "sparkstep/configs"
	"sparkstep/pkg/coordination"
	"sparkstep/pkg/logger"
	"sparkstep/pkg/metrics"
	"sparkstep/pkg/models"
	tracing "sparkstep/pkg/observability"
	"sparkstep/pkg/params"
	"sparkstep/pkg/storage"
)

// ElectionName is the election all scheduler replicas campaign in.
const ElectionName = "scheduler"

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type entry struct {
	name      string
	spec      string
	schedule  cron.Schedule
	className string
	jars      []string
	params    *params.Map
}

type Core struct {
	ID string

	queue   storage.Queue
	store   storage.StepStore
	elector coordination.Elector
	entries []entry
	logger  *zap.Logger

	location   *time.Location
	retryDelay time.Duration
}

type Option func(*Core)

func WithLogger(l *zap.Logger) Option {
	return func(c *Core) { c.logger = l }
}

// WithStore records each fired submission as PENDING before it is pushed.
func WithStore(s storage.StepStore) Option {
	return func(c *Core) { c.store = s }
}

// WithElector makes the core campaign for leadership before firing.
func WithElector(e coordination.Elector) Option {
	return func(c *Core) { c.elector = e }
}

// WithLocation sets the time zone cron expressions are read in. Defaults to UTC.
func WithLocation(loc *time.Location) Option {
	return func(c *Core) { c.location = loc }
}

// WithRetryDelay sets the wait after a failed campaign.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Core) { c.retryDelay = d }
}

// NewCore validates schedules up front so a typo fails at startup rather
// than at the first firing.
func NewCore(schedules []config.ScheduleConfig, queue storage.Queue, opts ...Option) (*Core, error) {
	hostname, _ := os.Hostname()
	c := &Core{
		ID:         fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8]),
		queue:      queue,
		location:   time.UTC,
		retryDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logger.WithComponent("scheduler")
	}

	seen := make(map[string]bool, len(schedules))
	for i, sc := range schedules {
		if sc.Name == "" {
			return nil, fmt.Errorf("schedule #%d: name is required", i+1)
		}
		if seen[sc.Name] {
			return nil, fmt.Errorf("schedule %q: duplicate name", sc.Name)
		}
		seen[sc.Name] = true
		if sc.ClassName == "" {
			return nil, fmt.Errorf("schedule %q: class_name is required", sc.Name)
		}
		sched, err := parser.Parse(sc.Cron)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: invalid cron %q: %w", sc.Name, sc.Cron, err)
		}
		c.entries = append(c.entries, entry{
			name:      sc.Name,
			spec:      sc.Cron,
			schedule:  sched,
			className: sc.ClassName,
			jars:      sc.Jars,
			params:    sc.Params.Clone(),
		})
	}
	return c, nil
}

// Run fires schedules until ctx is cancelled. With an elector it first wins
// the election, and campaigns again if leadership is lost. Leadership is
// resigned on the way out.
func (c *Core) Run(ctx context.Context) error {
	if len(c.entries) == 0 {
		c.logger.Warn("no schedules configured, idling")
		<-ctx.Done()
		return nil
	}

	for {
		election, err := c.campaign(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("election campaign failed", zap.Error(err))
			if !sleep(ctx, c.retryDelay) {
				return nil
			}
			continue
		}

		lost := c.lead(ctx, election)
		if !lost {
			return nil
		}
		c.logger.Warn("leadership lost, campaigning again")
	}
}

func (c *Core) campaign(ctx context.Context) (coordination.Election, error) {
	if c.elector == nil {
		return nil, nil
	}
	election := c.elector.NewElection(ElectionName)
	c.logger.Info("campaigning for leadership", zap.String("candidate", c.ID))
	if err := election.Campaign(ctx, c.ID); err != nil {
		return nil, err
	}
	c.logger.Info("elected leader", zap.String("candidate", c.ID))
	return election, nil
}

// lead runs the cron until ctx ends (false) or leadership is lost (true).
func (c *Core) lead(ctx context.Context, election coordination.Election) bool {
	metrics.SchedulerLeader.Set(1)
	defer metrics.SchedulerLeader.Set(0)

	cronLog := cronLogger{c.logger.Sugar()}
	cr := cron.New(
		cron.WithLocation(c.location),
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	for _, e := range c.entries {
		cr.Schedule(e.schedule, cron.FuncJob(func() {
			if _, err := c.Fire(ctx, e.name); err != nil {
				c.logger.Error("scheduled submission failed", zap.String("schedule", e.name), zap.Error(err))
			}
		}))
		c.logger.Info("schedule registered", zap.String("schedule", e.name), zap.String("cron", e.spec))
	}
	cr.Start()

	var lostCh <-chan struct{}
	if election != nil {
		lostCh = election.Done()
	}

	lost := false
	select {
	case <-ctx.Done():
	case <-lostCh:
		lost = true
	}

	<-cr.Stop().Done()

	if election != nil && !lost {
		resignCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := election.Resign(resignCtx); err != nil {
			c.logger.Warn("failed to resign leadership", zap.Error(err))
		} else {
			c.logger.Info("leadership resigned")
		}
	}
	return lost
}

// Fire pushes one submission for the named schedule.
func (c *Core) Fire(ctx context.Context, name string) (*models.StepSubmission, error) {
	var e *entry
	for i := range c.entries {
		if c.entries[i].name == name {
			e = &c.entries[i]
			break
		}
	}
	if e == nil {
		return nil, fmt.Errorf("unknown schedule %q", name)
	}

	ctx, span := tracing.StartSpan(ctx, "scheduler.fire",
		tracing.ScheduleKey.String(e.name),
		tracing.ClassNameKey.String(e.className),
	)
	defer span.End()

	sub := models.NewStepSubmission(e.name, params.Compose(e.className, e.jars, e.params))
	sub.Trace = tracing.Inject(ctx)
	tracing.SetAttributes(ctx, tracing.SubmissionIDKey.String(sub.ID.String()))

	if c.store != nil {
		if err := c.store.RecordSubmission(ctx, sub); err != nil {
			metrics.ScheduledSubmissions.WithLabelValues(e.name, "error").Inc()
			tracing.SetError(ctx, err)
			return nil, fmt.Errorf("failed to record submission: %w", err)
		}
	}
	if err := c.queue.Push(ctx, sub); err != nil {
		metrics.ScheduledSubmissions.WithLabelValues(e.name, "error").Inc()
		metrics.QueueErrors.WithLabelValues("push").Inc()
		tracing.SetError(ctx, err)
		return nil, err
	}

	metrics.ScheduledSubmissions.WithLabelValues(e.name, "ok").Inc()
	c.logger.Info("scheduled step queued",
		zap.String("schedule", e.name),
		zap.Stringer("submission_id", sub.ID),
	)
	return sub, nil
}

// Next reports when the named schedule fires after t.
func (c *Core) Next(name string, t time.Time) (time.Time, error) {
	for _, e := range c.entries {
		if e.name == name {
			return e.schedule.Next(t.In(c.location)), nil
		}
	}
	return time.Time{}, fmt.Errorf("unknown schedule %q", name)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// cronLogger routes cron's own logging through zap.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
