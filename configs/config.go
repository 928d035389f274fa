package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"sparkstep/pkg/params"
)

// Config is the process-wide configuration shared by the executor daemon
// and the submission API.
type Config struct {
	RedisHost       string
	RedisPort       string
	EtcdEndpoints   []string
	NodeTTL         int
	ElectionTTL     int
	APIPort         string
	LogLevel        string
	LogEncoding     string
	TracingEndpoint string
	TracingEnabled  bool
	// StepTimeout bounds one spark-submit run; 0 means unbounded.
	StepTimeout time.Duration
	// DrainTimeout bounds how long in-flight steps may keep running after
	// shutdown starts; 0 waits for them.
	DrainTimeout time.Duration
	ReapInterval time.Duration

	// DatabaseURL enables the step status store when set.
	DatabaseURL string

	Output OutputConfig
	Auth   AuthConfig
	Spark  SparkConfig

	// Schedules come from the YAML file only.
	Schedules []ScheduleConfig
}

// OutputConfig selects where captured step output is archived.
type OutputConfig struct {
	Backend         string // "", "local" or "s3"
	Dir             string
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string // For MinIO/local S3
	AccessKeyID     string
	SecretAccessKey string
	InlineLimit     int
}

// AuthConfig enables API authentication. Both methods may be on at once.
type AuthConfig struct {
	JWTSecret string
	JWTIssuer string
	APIKeys   bool
}

// Enabled reports whether any authentication method is configured.
func (a AuthConfig) Enabled() bool {
	return a.JWTSecret != "" || a.APIKeys
}

// ScheduleConfig is one recurring step submission.
type ScheduleConfig struct {
	Name      string      `yaml:"name"`
	Cron      string      `yaml:"cron"`
	ClassName string      `yaml:"class_name"`
	Jars      []string    `yaml:"jars"`
	Params    *params.Map `yaml:"params"`
}

// SparkConfig holds the cluster facts a Spark step reads before submission.
// Steps treat it as read-only.
type SparkConfig struct {
	SparkHome     string `yaml:"spark_home"`
	JobJarPath    string `yaml:"job_jar"`
	HadoopConfDir string `yaml:"hadoop_conf_dir"`
	// ConfOverride is rendered as one --conf flag per entry, in order.
	ConfOverride *params.Map `yaml:"conf_override"`
	// ResourcePath lists directories searched for hive-site.xml and
	// hbase-site.xml.
	ResourcePath []string `yaml:"resource_path"`
}

type fileConfig struct {
	Spark     SparkConfig      `yaml:"spark"`
	Schedules []ScheduleConfig `yaml:"schedules"`
}

func LoadConfig() (*Config, error) {
	cfg := &Config{
		RedisHost:       getEnv("REDIS_HOST", "localhost"),
		RedisPort:       getEnv("REDIS_PORT", "6379"),
		EtcdEndpoints:   splitList(getEnv("ETCD_ENDPOINTS", "localhost:2379"), ","),
		NodeTTL:         getEnvAsInt("NODE_TTL", 10),
		ElectionTTL:     getEnvAsInt("ELECTION_TTL", 10),
		APIPort:         getEnv("API_PORT", "8080"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogEncoding:     getEnv("LOG_ENCODING", "json"),
		TracingEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getEnvAsBool("TRACING_ENABLED", false),
		DatabaseURL:     getEnv("DATABASE_URL", ""),
		Output: OutputConfig{
			Backend:         getEnv("OUTPUT_STORE", ""),
			Dir:             getEnv("OUTPUT_DIR", "/var/lib/sparkstep/output"),
			Bucket:          getEnv("S3_BUCKET", ""),
			Prefix:          getEnv("S3_PREFIX", "sparkstep/output/"),
			Region:          getEnv("S3_REGION", "us-east-1"),
			Endpoint:        getEnv("S3_ENDPOINT", ""),
			AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
			InlineLimit:     getEnvAsInt("OUTPUT_INLINE_LIMIT", 64*1024),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("AUTH_JWT_SECRET", ""),
			JWTIssuer: getEnv("AUTH_JWT_ISSUER", "sparkstep"),
			APIKeys:   getEnvAsBool("AUTH_API_KEYS", false),
		},
	}

	var err error
	if cfg.StepTimeout, err = getEnvAsDuration("STEP_TIMEOUT", 0); err != nil {
		return nil, err
	}
	if cfg.DrainTimeout, err = getEnvAsDuration("DRAIN_TIMEOUT", 0); err != nil {
		return nil, err
	}
	if cfg.ReapInterval, err = getEnvAsDuration("REAP_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}

	if path := getEnv("SPARKSTEP_CONFIG", ""); path != "" {
		fc, err := readFile(path)
		if err != nil {
			return nil, err
		}
		cfg.Spark = fc.Spark
		cfg.Schedules = fc.Schedules
	}
	applySparkEnv(&cfg.Spark)

	return cfg, nil
}

// LoadSparkFile reads the spark section of a YAML config file.
func LoadSparkFile(path string) (*SparkConfig, error) {
	fc, err := readFile(path)
	if err != nil {
		return nil, err
	}
	return &fc.Spark, nil
}

func readFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	// relative resource dirs are taken relative to the config file
	base := filepath.Dir(path)
	for i, dir := range fc.Spark.ResourcePath {
		if dir != "" && !filepath.IsAbs(dir) {
			fc.Spark.ResourcePath[i] = filepath.Join(base, dir)
		}
	}
	if fc.Spark.ConfOverride == nil {
		fc.Spark.ConfOverride = params.New()
	}
	return &fc, nil
}

// applySparkEnv lets environment variables win over file values.
func applySparkEnv(s *SparkConfig) {
	if v, ok := os.LookupEnv("SPARK_HOME"); ok {
		s.SparkHome = v
	}
	if v, ok := os.LookupEnv("KYLIN_JOB_JAR"); ok {
		s.JobJarPath = v
	}
	if v, ok := os.LookupEnv("HADOOP_CONF_DIR"); ok {
		s.HadoopConfDir = v
	}
	if v, ok := os.LookupEnv("SPARKSTEP_RESOURCE_PATH"); ok {
		s.ResourcePath = splitList(v, string(os.PathListSeparator))
	}
	if s.ConfOverride == nil {
		s.ConfOverride = params.New()
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvAsDuration parses key with time.ParseDuration. A set but malformed
// value (such as "600" without a unit) is an error, not the fallback.
func getEnvAsDuration(key string, fallback time.Duration) (time.Duration, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s %q: must not be negative", key, value)
	}
	return d, nil
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return fallback
}

func splitList(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
