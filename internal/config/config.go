package config

import (
	"errors"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	CredentialsFile string
	OutputDir       string
	LogDir          string
	MetricsDir      string
	TransferDir     string

	Threads           int
	WriteToStore      bool
	IgnoreJobSchedule bool
	SchedulerCron     string
	FilePattern       string

	// FirstEpoch and LastEpoch bound contingency-table runs. A zero
	// LastEpoch means now.
	FirstEpoch int64
	LastEpoch  int64

	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	BatchSize    int
	DocCacheSize int

	// Job-run notifications, disabled when no brokers are configured.
	KafkaBrokers     []string
	KafkaNotifyTopic string
}

// Load reads configuration from environment variables, applying defaults
// where unset. A .env file in the working directory is read first when
// present; variables already set win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	batchSize, err := sharedcfg.ParseBatchSize()
	if err != nil {
		return nil, err
	}

	threads, err := parseThreads()
	if err != nil {
		return nil, err
	}

	docCacheSize, err := positiveInt("DOC_CACHE_SIZE", 1000)
	if err != nil {
		return nil, err
	}

	firstEpoch, err := epoch("FIRST_EPOCH")
	if err != nil {
		return nil, err
	}
	lastEpoch, err := epoch("LAST_EPOCH")
	if err != nil {
		return nil, err
	}

	var brokers []string
	if raw := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); raw != "" {
		brokers = sharedcfg.ParseBrokers(raw)
	}

	cfg := &Config{
		CredentialsFile:   sharedcfg.EnvOrDefault("CREDENTIALS_FILE", "./credentials.yaml"),
		OutputDir:         sharedcfg.EnvOrDefault("OUTPUT_DIR", "./output"),
		LogDir:            sharedcfg.EnvOrDefault("LOG_DIR", "./logs"),
		MetricsDir:        sharedcfg.EnvOrDefault("METRICS_DIR", "./metrics"),
		TransferDir:       sharedcfg.EnvOrDefault("TRANSFER_DIR", "./transfer"),
		Threads:           threads,
		WriteToStore:      os.Getenv("WRITE_TO_STORE") == "true",
		IgnoreJobSchedule: os.Getenv("IGNORE_JOB_SCHEDULE") == "true",
		SchedulerCron:     sharedcfg.EnvOrDefault("SCHEDULER_CRON", "*/15 * * * *"),
		FilePattern:       sharedcfg.EnvOrDefault("FILE_PATTERN", "*"),
		FirstEpoch:        firstEpoch,
		LastEpoch:         lastEpoch,
		HTTPAddr:          sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:          sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:         sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout:   shutdownTimeout,
		BatchSize:         batchSize,
		DocCacheSize:      docCacheSize,
		KafkaBrokers:      brokers,
		KafkaNotifyTopic:  sharedcfg.EnvOrDefault("KAFKA_NOTIFY_TOPIC", "vxingest-job-runs"),
	}

	if cfg.OutputDir == "" {
		return nil, errors.New("OUTPUT_DIR is required")
	}
	if cfg.TransferDir == "" {
		return nil, errors.New("TRANSFER_DIR is required")
	}
	if _, err := cron.ParseStandard(cfg.SchedulerCron); err != nil {
		return nil, errors.New("invalid SCHEDULER_CRON")
	}
	if cfg.LastEpoch > 0 && cfg.FirstEpoch > cfg.LastEpoch {
		return nil, errors.New("FIRST_EPOCH is after LAST_EPOCH")
	}
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaNotifyTopic == "" {
		return nil, errors.New("KAFKA_NOTIFY_TOPIC is required when KAFKA_BROKERS is set")
	}

	return cfg, nil
}

// NotifyEnabled reports whether job runs are published to Kafka.
func (c *Config) NotifyEnabled() bool { return len(c.KafkaBrokers) > 0 }

func parseThreads() (int, error) {
	def := max(runtime.NumCPU()-2, 1)
	return positiveInt("THREADS", def)
}

func positiveInt(key string, def int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, errors.New("invalid " + key)
	}
	return n, nil
}

func epoch(key string) (int64, error) {
	s := os.Getenv(key)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + key)
	}
	return n, nil
}
