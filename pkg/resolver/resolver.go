// Package resolver works out where the cluster configuration lives before a
// Spark step is submitted.
package resolver

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	config "sparkstep/configs"
	"sparkstep/pkg/logger"
	"sparkstep/pkg/params"
)

const (
	// DefaultHadoopConfDir is used when nothing better is configured or found.
	DefaultHadoopConfDir = "/etc/hadoop/conf"

	// HiveSiteResource is looked up on the classpath to derive the Hadoop conf dir.
	HiveSiteResource = "hive-site.xml"
	// HBaseSiteResource must be on the classpath; it is shipped with --files.
	HBaseSiteResource = "hbase-site.xml"
)

// ErrConfig marks a configuration precondition failure. Every fatal
// resolution error wraps it.
var ErrConfig = errors.New("spark step configuration error")

var (
	ErrMissingSparkHome = fmt.Errorf("%w: spark home is not set", ErrConfig)
	ErrMissingJobJar    = fmt.Errorf("%w: job jar path is not set", ErrConfig)
	ErrMissingHBaseConf = fmt.Errorf("%w: couldn't find %s from classpath", ErrConfig, HBaseSiteResource)
)

// Resolved holds everything the command builder needs from the environment.
type Resolved struct {
	SparkHome     string
	JobJar        string
	HadoopConfDir string
	HBaseConf     string
	Jars          string
	ConfOverride  *params.Map
}

// Resolver applies the lookup and fallback rules. A Resolver is cheap and
// holds no state between calls.
type Resolver struct {
	locator    Locator
	fileExists func(path string) bool
	logger     *zap.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithFileCheck replaces the on-disk existence check.
func WithFileCheck(fn func(path string) bool) Option {
	return func(r *Resolver) { r.fileExists = fn }
}

// WithLogger sets where fallback decisions are logged. Default is the global logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// New returns a Resolver that looks up classpath resources with locator.
func New(locator Locator, opts ...Option) *Resolver {
	r := &Resolver{
		locator:    locator,
		fileExists: fileExists,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.locator == nil {
		r.locator = SearchPath(nil)
	}
	if r.logger == nil {
		r.logger = logger.Get()
	}
	return r
}

// Resolve reads cfg and the step's parameters. It fails fast with an error
// wrapping ErrConfig when a required setting or file is missing.
func (r *Resolver) Resolve(cfg config.SparkConfig, stepParams *params.Map) (*Resolved, error) {
	if cfg.SparkHome == "" {
		return nil, ErrMissingSparkHome
	}
	if cfg.JobJarPath == "" {
		return nil, ErrMissingJobJar
	}

	hadoopConf := r.hadoopConfDir(cfg)
	r.logger.Info("Using HADOOP_CONF_DIR", zap.String("hadoop_conf_dir", hadoopConf))

	hbaseConf, err := r.hbaseConf()
	if err != nil {
		return nil, err
	}

	jars, _ := stepParams.Get(params.KeyJars)
	if jars == "" {
		jars = cfg.JobJarPath
	}

	return &Resolved{
		SparkHome:     cfg.SparkHome,
		JobJar:        cfg.JobJarPath,
		HadoopConfDir: hadoopConf,
		HBaseConf:     hbaseConf,
		Jars:          jars,
		ConfOverride:  cfg.ConfOverride.Clone(),
	}, nil
}

func (r *Resolver) hadoopConfDir(cfg config.SparkConfig) string {
	if cfg.HadoopConfDir != "" {
		return cfg.HadoopConfDir
	}

	dir := DefaultHadoopConfDir
	hiveSite, ok := r.locator.Locate(HiveSiteResource)
	if !ok {
		r.logger.Info("hive-site.xml not on search path, keeping default", zap.String("hadoop_conf_dir", dir))
		return dir
	}
	if r.fileExists(hiveSite) {
		r.logger.Info("Located hive-site.xml", zap.String("path", hiveSite))
		dir = filepath.Dir(hiveSite)
	}
	return dir
}

func (r *Resolver) hbaseConf() (string, error) {
	path, ok := r.locator.Locate(HBaseSiteResource)
	if !ok {
		return "", ErrMissingHBaseConf
	}
	r.logger.Info("Got hbase-site.xml location from search path", zap.String("path", path))
	if !r.fileExists(path) {
		return "", ErrMissingHBaseConf
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrConfig, path, err)
	}
	return abs, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
