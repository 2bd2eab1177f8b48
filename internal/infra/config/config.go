package config

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ExhaustedAggregate = "aggregate"
	ExhaustedFailed    = "failed"
)

type Config struct {
	BaseDir  string `yaml:"base_dir"`
	LogLevel string `yaml:"log_level"`

	SQLite   SQLite   `yaml:"sqlite"`
	Redis    Redis    `yaml:"redis"`
	MinIO    MinIO    `yaml:"minio"`
	NATS     NATS     `yaml:"nats"`
	Pipeline Pipeline `yaml:"pipeline"`
	Worker   Worker   `yaml:"worker"`
	Replica  Replica  `yaml:"replication"`
	Caches   Caches   `yaml:"caches"`
	Ops      Ops      `yaml:"ops"`
	Runner   Runner   `yaml:"rule_runner"`
}

type SQLite struct {
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
	MaxOpen     int           `yaml:"max_open"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MinIO struct {
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl"`
	Bucket          string `yaml:"bucket"`
}

type NATS struct {
	URL           string        `yaml:"url"`
	Name          string        `yaml:"name"`
	MaxReconnects int           `yaml:"max_reconnects"`
	Stream        string        `yaml:"stream"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	MaxAge        time.Duration `yaml:"max_age"`
	FetchWait     time.Duration `yaml:"fetch_wait"`
	Consumers     int           `yaml:"consumers"`
}

type Pipeline struct {
	MaxRetries      int    `yaml:"max_retries"`
	ExhaustedStatus string `yaml:"exhausted_status"`
}

type Worker struct {
	MaxParallelTasks  int           `yaml:"max_parallel_tasks"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	TaskTimeout       time.Duration `yaml:"task_timeout"`
}

type Replica struct {
	QueueCapacity int `yaml:"queue_capacity"`
	PoolSize      int `yaml:"pool_size"`
	MaxRetries    int `yaml:"max_retries"`
}

type Cache struct {
	Capacity int           `yaml:"capacity"`
	TTL      time.Duration `yaml:"ttl"`
}

type Caches struct {
	Rulesets  Cache `yaml:"rulesets"`
	Endpoints Cache `yaml:"endpoints"`
	Files     Cache `yaml:"files"`
}

type Ops struct {
	Addr string `yaml:"addr"`
	// Peers are the ops endpoints of running services, purged by feedctl
	// after catalog changes.
	Peers []string `yaml:"peers"`
}

type Runner struct {
	// Listen is the rulerunner's own address, Addr the one workers dial.
	Listen  string        `yaml:"listen"`
	Addr    string        `yaml:"addr"`
	Timeout time.Duration `yaml:"timeout"`
	// Rules lists the ruleset names served by the remote runner. A name
	// without a matching command is served by the archive check.
	Rules    []string  `yaml:"rules"`
	Commands []Command `yaml:"commands"`
}

type Command struct {
	Name        string              `yaml:"name"`
	Path        string              `yaml:"path"`
	Args        []string            `yaml:"args"`
	MaxParallel int                 `yaml:"max_parallel"`
	Packages    map[string][]string `yaml:"packages"`
}

// Path returns the config file location, FEEDCHECK_CONFIG when set.
func Path(def string) string {
	if p := os.Getenv("FEEDCHECK_CONFIG"); p != "" {
		return p
	}
	return def
}

func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	return cfg
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read file %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot unmarshal yaml: %w", err)
	}

	cfg.applyEnv()
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnv lets credentials stay out of the YAML file.
func (c *Config) applyEnv() {
	for env, dst := range map[string]*string{
		"FEEDCHECK_REDIS_PASSWORD":          &c.Redis.Password,
		"FEEDCHECK_MINIO_ACCESS_KEY_ID":     &c.MinIO.AccessKeyID,
		"FEEDCHECK_MINIO_SECRET_ACCESS_KEY": &c.MinIO.SecretAccessKey,
		"FEEDCHECK_NATS_URL":                &c.NATS.URL,
	} {
		if v, ok := os.LookupEnv(env); ok {
			*dst = v
		}
	}
}

func (c *Config) setDefaults() {
	if c.SQLite.BusyTimeout <= 0 {
		c.SQLite.BusyTimeout = 5 * time.Second
	}
	if c.NATS.Stream == "" {
		c.NATS.Stream = "FEEDCHECK"
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "feedcheck"
	}
	if c.NATS.MaxAge <= 0 {
		c.NATS.MaxAge = 72 * time.Hour
	}
	if c.NATS.FetchWait <= 0 {
		c.NATS.FetchWait = 5 * time.Second
	}
	if c.NATS.Consumers <= 0 {
		c.NATS.Consumers = 4
	}
	if c.Pipeline.MaxRetries <= 0 {
		c.Pipeline.MaxRetries = 5
	}
	if c.Pipeline.ExhaustedStatus == "" {
		c.Pipeline.ExhaustedStatus = ExhaustedAggregate
	}
	if c.Worker.MaxParallelTasks <= 0 {
		c.Worker.MaxParallelTasks = 4
	}
	if c.Worker.HeartbeatInterval <= 0 {
		c.Worker.HeartbeatInterval = 30 * time.Second
	}
	if c.Worker.PollInterval <= 0 {
		c.Worker.PollInterval = time.Second
	}
	if c.Worker.TaskTimeout <= 0 {
		c.Worker.TaskTimeout = 30 * time.Minute
	}
	if c.Replica.QueueCapacity <= 0 {
		c.Replica.QueueCapacity = 100
	}
	if c.Replica.PoolSize <= 0 {
		c.Replica.PoolSize = 2
	}
	if c.Replica.MaxRetries <= 0 {
		c.Replica.MaxRetries = 3
	}
	if c.Runner.Listen == "" {
		c.Runner.Listen = ":50051"
	}
	if c.Ops.Addr == "" {
		c.Ops.Addr = ":8081"
	}
	if c.Runner.Timeout <= 0 {
		c.Runner.Timeout = 10 * time.Minute
	}
}

func (c *Config) validate() error {
	if c.BaseDir == "" {
		return fmt.Errorf("base_dir is empty")
	}
	if c.SQLite.Path == "" {
		return fmt.Errorf("sqlite.path is empty")
	}
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url is empty")
	}
	switch c.Pipeline.ExhaustedStatus {
	case ExhaustedAggregate, ExhaustedFailed:
	default:
		return fmt.Errorf("pipeline.exhausted_status must be %q or %q, got %q",
			ExhaustedAggregate, ExhaustedFailed, c.Pipeline.ExhaustedStatus)
	}
	return nil
}

func (c *Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}
