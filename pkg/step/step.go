// Package step implements the Spark job step: resolve the cluster
// environment, render a spark-submit command, run it and report the outcome.
package step

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	config "sparkstep/configs"
	"sparkstep/pkg/command"
	"sparkstep/pkg/executor/runner"
	"sparkstep/pkg/logger"
	"sparkstep/pkg/metrics"
	tracing "sparkstep/pkg/observability"
	"sparkstep/pkg/params"
	"sparkstep/pkg/resolver"
)

// ExecutableContext is what the orchestrator hands a step when it runs.
type ExecutableContext struct {
	Config config.SparkConfig
	// Locator finds hive-site.xml and hbase-site.xml. When nil the config's
	// resource path (or $CLASSPATH) is searched.
	Locator resolver.Locator
	// Sink, when set, also receives every output line.
	Sink runner.LineSink
}

// Step is one spark-submit invocation. Configure it with the setters, then
// call Run once. A Step is not safe for concurrent use.
type Step struct {
	Name string

	params       *params.Map
	runner       runner.JobRunner
	logger       *zap.Logger
	resolverOpts []resolver.Option
}

type Option func(*Step)

func WithRunner(r runner.JobRunner) Option {
	return func(s *Step) { s.runner = r }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Step) { s.logger = l }
}

// WithResolverOptions passes options through to the config resolver.
func WithResolverOptions(opts ...resolver.Option) Option {
	return func(s *Step) { s.resolverOpts = append(s.resolverOpts, opts...) }
}

func New(name string, opts ...Option) *Step {
	s := &Step{
		Name:   name,
		params: params.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.runner == nil {
		s.runner = runner.NewShellRunner()
	}
	if s.logger == nil {
		s.logger = logger.WithComponent("step")
	}
	return s
}

// SetClassName sets the application class spark runs.
func (s *Step) SetClassName(className string) {
	s.params.Set(params.KeyClassName, className)
}

// SetJars sets the auxiliary jars shipped with the job. Paths are joined
// with commas, the form spark-submit --jars expects.
func (s *Step) SetJars(paths ...string) {
	s.params.Set(params.KeyJars, strings.Join(paths, ","))
}

// SetParam sets an application argument rendered as "-name value".
func (s *Step) SetParam(name, value string) {
	s.params.Set(name, value)
}

func (s *Step) Param(name string) (string, bool) {
	return s.params.Get(name)
}

// Params returns a copy of the step parameters.
func (s *Step) Params() *params.Map {
	return s.params.Clone()
}

// Run resolves the environment, submits the job and waits for it.
//
// A missing required setting or config file is returned as an error wrapping
// resolver.ErrConfig, before anything is spawned. Everything that goes wrong
// once the command is built comes back as a failed Result instead.
func (s *Step) Run(ctx context.Context, ec *ExecutableContext) (runner.Result, error) {
	if ec == nil {
		return runner.Result{}, fmt.Errorf("%w: no executable context", resolver.ErrConfig)
	}

	// parameters are frozen from here on
	frozen := s.params.Clone()
	className, _ := frozen.Get(params.KeyClassName)

	ctx, span := tracing.StartSpan(ctx, "spark_step.run",
		tracing.StepKey.String(s.Name),
		tracing.ClassNameKey.String(className),
	)
	defer span.End()

	log := s.logger.With(zap.String("step", s.Name))

	locator := ec.Locator
	if locator == nil {
		locator = resolver.DefaultLocator(ec.Config.ResourcePath)
	}
	opts := append([]resolver.Option{resolver.WithLogger(log)}, s.resolverOpts...)

	resolved, err := resolver.New(locator, opts...).Resolve(ec.Config, frozen)
	if err != nil {
		metrics.ConfigFailures.Inc()
		tracing.SetError(ctx, err)
		log.Error("spark step configuration failed", zap.Error(err))
		return runner.Result{}, err
	}

	cmd := command.Build(resolved, frozen)
	log.Info("submitting spark job", zap.String("cmd", cmd))

	result := s.runner.Run(ctx, cmd, func(line string) {
		metrics.OutputLines.Inc()
		log.Info(line)
		if ec.Sink != nil {
			ec.Sink(line)
		}
	})

	metrics.RecordStep(string(result.Status), result.Duration.Seconds())
	tracing.SetAttributes(ctx,
		tracing.StatusKey.String(string(result.Status)),
		tracing.ExitCodeKey.Int(result.ExitCode),
	)

	if !result.Succeeded() {
		tracing.SetError(ctx, errors.New(result.Message))
		log.Error("error run spark job",
			zap.String("message", result.Message),
			zap.Int("exit_code", result.ExitCode),
			zap.Error(result.Error),
		)
		return result, nil
	}

	log.Info("spark job finished", zap.Duration("duration", result.Duration))
	return result, nil
}
