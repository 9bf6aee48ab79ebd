package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	LogLevel  string
	Database  DatabaseConfig
	Redis     RedisConfig
	AWS       AWSConfig
	Upload    UploadConfig
	Reconcile ReconcileConfig
	Storage   StorageConfig
	Admin     AdminConfig
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/recordings?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string

	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	// AutoMigrate applies embedded migrations on startup.
	AutoMigrate bool
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
}

// AWSConfig holds credentials and the recordings bucket.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	Endpoint             string // S3-compatible endpoint; empty for AWS
	UsePathStyle         bool
	RecordingsBucket     string
	RemotePrefix         string
	PresignExpireMinutes int
	PartSizeMB           int
	PartConcurrency      int

	BreakerFailures int
	BreakerCooldown time.Duration
}

// UploadConfig controls the worker pool and retry policy.
type UploadConfig struct {
	Enabled          bool
	Concurrency      int
	PollInterval     time.Duration
	MaxRetries       int
	BackoffBase      time.Duration
	BackoffCeiling   time.Duration
	MaxIdle          time.Duration
	ProgressInterval time.Duration
	ShutdownTimeout  time.Duration
}

// ReconcileConfig controls the reconciliation engine and its schedule.
type ReconcileConfig struct {
	Enabled                 bool
	Interval                time.Duration
	StuckUploadThreshold    time.Duration
	StuckRecordingThreshold time.Duration
	MissedEnqueueGrace      time.Duration
	OrphanMatchWindow       time.Duration
	OrphanMinAge            time.Duration
	OrphanMaxAttempts       int
	OrphanAttemptTTL        time.Duration
	ArchiveAfter            time.Duration
	ArchiveInterval         time.Duration
	MaxDurationEstimate     time.Duration
	BatchSize               int
}

// StorageConfig describes the local recordings filesystem.
type StorageConfig struct {
	RecordingsPath string
	AltRoots       []string
	FFProbePath    string
}

// AdminConfig holds the operator HTTP listener.
type AdminConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// PresignExpire returns the default lifetime of download URLs.
func (c AWSConfig) PresignExpire() time.Duration {
	return time.Duration(c.PresignExpireMinutes) * time.Minute
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "5432"),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", "postgres"),
			DBName:          getEnv("DB_NAME", "recordings"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxConns:        getEnvInt("DB_MAX_CONNS", 10),
			MinConns:        getEnvInt("DB_MIN_CONNS", 1),
			MaxConnLifetime: getEnvDuration("DB_MAX_CONN_LIFETIME", time.Hour),
			MaxConnIdleTime: getEnvDuration("DB_MAX_CONN_IDLE_TIME", 30*time.Minute),
			AutoMigrate:     getEnvBool("DB_AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Addr:        getEnv("REDIS_ADDR", "localhost:6379"),
			Password:    getEnv("REDIS_PASSWORD", ""),
			DB:          getEnvInt("REDIS_DB", 0),
			DialTimeout: getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			Endpoint:             getEnv("AWS_S3_ENDPOINT", ""),
			UsePathStyle:         getEnvBool("AWS_S3_PATH_STYLE", false),
			RecordingsBucket:     getEnv("AWS_S3_RECORDINGS_BUCKET", "recordings-bucket"),
			RemotePrefix:         getEnv("S3_REMOTE_PREFIX", "recordings"),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
			PartSizeMB:           getEnvInt("S3_PART_SIZE_MB", 5),
			PartConcurrency:      getEnvInt("S3_PART_CONCURRENCY", 3),
			BreakerFailures:      getEnvInt("S3_BREAKER_FAILURES", 5),
			BreakerCooldown:      getEnvDuration("S3_BREAKER_COOLDOWN", 30*time.Second),
		},
		Upload: UploadConfig{
			Enabled:          getEnvBool("S3_UPLOAD_ENABLED", true),
			Concurrency:      getEnvInt("S3_UPLOAD_CONCURRENCY", 2),
			PollInterval:     getEnvDuration("UPLOAD_POLL_INTERVAL", 30*time.Second),
			MaxRetries:       getEnvInt("S3_UPLOAD_MAX_RETRIES", 5),
			BackoffBase:      getEnvDuration("UPLOAD_BACKOFF_BASE", time.Minute),
			BackoffCeiling:   getEnvDuration("UPLOAD_BACKOFF_CEILING", 4*time.Hour),
			MaxIdle:          getEnvDuration("UPLOAD_MAX_IDLE", 5*time.Minute),
			ProgressInterval: getEnvDuration("UPLOAD_PROGRESS_INTERVAL", 2*time.Second),
			ShutdownTimeout:  getEnvDuration("UPLOAD_SHUTDOWN_TIMEOUT", 60*time.Second),
		},
		Reconcile: ReconcileConfig{
			Enabled:                 getEnvBool("RECONCILE_ENABLED", true),
			Interval:                getEnvDuration("RECONCILE_INTERVAL", 5*time.Minute),
			StuckUploadThreshold:    getEnvDuration("STUCK_UPLOAD_THRESHOLD", 30*time.Minute),
			StuckRecordingThreshold: getEnvDuration("STUCK_RECORDING_THRESHOLD", 45*time.Minute),
			MissedEnqueueGrace:      getEnvDuration("MISSED_ENQUEUE_GRACE", 2*time.Minute),
			OrphanMatchWindow:       getEnvDuration("ORPHAN_MATCH_WINDOW", 10*time.Minute),
			OrphanMinAge:            getEnvDuration("ORPHAN_MIN_AGE", 2*time.Minute),
			OrphanMaxAttempts:       getEnvInt("ORPHAN_MAX_ATTEMPTS", 3),
			OrphanAttemptTTL:        getEnvDuration("ORPHAN_ATTEMPT_TTL", 24*time.Hour),
			ArchiveAfter:            getEnvDuration("ARCHIVE_AFTER", 720*time.Hour),
			ArchiveInterval:         getEnvDuration("ARCHIVE_INTERVAL", 24*time.Hour),
			MaxDurationEstimate:     getEnvDuration("MAX_DURATION_ESTIMATE", 1800*time.Second),
			BatchSize:               getEnvInt("RECONCILE_BATCH_SIZE", 100),
		},
		Storage: StorageConfig{
			RecordingsPath: getEnv("RECORDINGS_PATH", "/var/lib/recordings"),
			AltRoots:       splitTrim(getEnv("RECORDINGS_ALT_ROOTS", ""), ","),
			FFProbePath:    getEnv("FFPROBE_PATH", "ffprobe"),
		},
		Admin: AdminConfig{
			Addr:         getEnv("ADMIN_ADDR", ":8081"),
			ReadTimeout:  getEnvDuration("ADMIN_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvDuration("ADMIN_WRITE_TIMEOUT", 30*time.Second),
		},
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the worker cannot run with.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, v time.Duration) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Upload.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("S3_UPLOAD_CONCURRENCY must be at least 1, got %d", c.Upload.Concurrency))
	}
	if c.Upload.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("S3_UPLOAD_MAX_RETRIES must be at least 1, got %d", c.Upload.MaxRetries))
	}
	positive("UPLOAD_POLL_INTERVAL", c.Upload.PollInterval)
	positive("UPLOAD_BACKOFF_BASE", c.Upload.BackoffBase)
	positive("RECONCILE_INTERVAL", c.Reconcile.Interval)
	positive("ARCHIVE_INTERVAL", c.Reconcile.ArchiveInterval)
	positive("STUCK_UPLOAD_THRESHOLD", c.Reconcile.StuckUploadThreshold)
	positive("STUCK_RECORDING_THRESHOLD", c.Reconcile.StuckRecordingThreshold)
	if c.Upload.BackoffCeiling < c.Upload.BackoffBase {
		errs = append(errs, errors.New("UPLOAD_BACKOFF_CEILING must not be below UPLOAD_BACKOFF_BASE"))
	}
	if c.Database.MaxConns < c.Database.MinConns {
		errs = append(errs, errors.New("DB_MAX_CONNS must be >= DB_MIN_CONNS"))
	}
	if c.Storage.RecordingsPath == "" {
		errs = append(errs, errors.New("RECORDINGS_PATH is required"))
	}
	if c.Upload.Enabled && c.AWS.RecordingsBucket == "" {
		errs = append(errs, errors.New("AWS_S3_RECORDINGS_BUCKET is required when uploads are enabled"))
	}
	return errors.Join(errs...)
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("90s", "4h") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
