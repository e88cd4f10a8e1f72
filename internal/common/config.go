package common

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Database  DatabaseConfig
	Server    ServerConfig
	Scheduler SchedulerConfig
	Ingest    IngestConfig
	Model     ModelConfig
	Notify    NotifyConfig
	Log       LogConfig
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Driver           string `validate:"oneof=postgres sqlite"`
	DSN              string `validate:"required"`
	MaxConns         int32  `validate:"gte=1"`
	MinConns         int32  `validate:"gte=0,ltefield=MaxConns"`
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration `validate:"gt=0"`
	StatementTimeout time.Duration
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	HTTPAddr        string        `validate:"required"`
	GRPCHealthAddr  string        `validate:"required"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
	MaxWait         time.Duration `validate:"gte=0"`
}

// SchedulerConfig holds job scheduling configuration
type SchedulerConfig struct {
	Slots                   int           `validate:"gte=1,lte=64"`
	MaxAttempts             int           `validate:"gte=1"`
	BackoffBase             time.Duration `validate:"gt=0"`
	BackoffMax              time.Duration `validate:"gtefield=BackoffBase"`
	LeaseTimeout            time.Duration `validate:"gt=0"`
	ReaperInterval          time.Duration `validate:"gte=0"`
	StoreWriteAttempts      int           `validate:"gte=1"`
	ResetAttemptsOnResubmit bool
}

// IngestConfig holds audio validation and spooling configuration
type IngestConfig struct {
	MaxBytes      int64         `validate:"gt=0"`
	MaxDuration   time.Duration `validate:"gt=0"`
	SpoolDir      string        `validate:"required"`
	RetainAudio   bool
	FFmpegBin     string
	InboxDir      string // drop-folder watcher is enabled when set
	InboxDebounce time.Duration `validate:"gte=0"`
	// SplitStereo keeps two-channel calls as client (left) and operator (right).
	SplitStereo bool
}

// ModelConfig holds speech-to-text model configuration
type ModelConfig struct {
	CacheDir         string `validate:"required"`
	Version          string `validate:"required"`
	URL              string `validate:"omitempty,url"`
	SHA256           string `validate:"omitempty,len=64,hexadecimal"`
	VerifyOnStart    bool
	WhisperBin       string `validate:"required"`
	Threads          int    `validate:"gte=0"`
	Language         string
	Diarize          bool
	InferenceTimeout time.Duration `validate:"gt=0"`
	DownloadTimeout  time.Duration `validate:"gte=0"`
}

// NotifyConfig holds result delivery configuration
type NotifyConfig struct {
	EventBuffer     int           `validate:"gte=1"`
	WebhookTimeout  time.Duration `validate:"gt=0"`
	WebhookAttempts int           `validate:"gte=1"`
	WebhookQueue    int           `validate:"gte=1"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `validate:"oneof=debug info warn error"`
	Format string `validate:"oneof=text json"`
}

// LoadConfig loads configuration from a .env file (if present) and environment variables
func LoadConfig() *Config {
	// .env is optional; variables already set in the environment win.
	_ = godotenv.Load()
	return &Config{
		Database: DatabaseConfig{
			Driver:           strings.ToLower(getEnv("DB_DRIVER", "postgres")),
			DSN:              getEnv("DB_URL", ""),
			MaxConns:         getEnvAsInt32("DB_MAX_CONNS", 10),
			MinConns:         getEnvAsInt32("DB_MIN_CONNS", 2),
			MaxConnLifetime:  getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime:  getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:      getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
			StatementTimeout: getEnvAsDuration("DB_STATEMENT_TIMEOUT", 0),
		},
		Server: ServerConfig{
			HTTPAddr:        getEnv("HTTP_ADDR", ":8000"),
			GRPCHealthAddr:  getEnv("GRPC_HEALTH_ADDR", ":8081"),
			ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
			MaxWait:         getEnvAsDuration("MAX_POLL_WAIT", 60*time.Second),
		},
		Scheduler: SchedulerConfig{
			Slots:                   getEnvAsInt("MAX_INFERENCE_SLOTS", 1),
			MaxAttempts:             getEnvAsInt("MAX_ATTEMPTS", 3),
			BackoffBase:             getEnvAsDuration("RETRY_BACKOFF_BASE", 2*time.Second),
			BackoffMax:              getEnvAsDuration("RETRY_BACKOFF_MAX", 2*time.Minute),
			LeaseTimeout:            getEnvAsDuration("RUNNING_LEASE_TIMEOUT", 30*time.Minute),
			ReaperInterval:          getEnvAsDuration("REAPER_INTERVAL", time.Minute),
			StoreWriteAttempts:      getEnvAsInt("STORE_WRITE_ATTEMPTS", 8),
			ResetAttemptsOnResubmit: getEnvAsBool("RESET_ATTEMPTS_ON_RESUBMIT", true),
		},
		Ingest: IngestConfig{
			MaxBytes:      getEnvAsInt64("MAX_AUDIO_BYTES", 200<<20),
			MaxDuration:   getEnvAsDuration("MAX_AUDIO_DURATION", 2*time.Hour),
			SpoolDir:      getEnv("AUDIO_SPOOL_DIR", "./tmp/audio"),
			RetainAudio:   getEnvAsBool("AUDIO_RETAIN", false),
			FFmpegBin:     getEnv("FFMPEG_BIN", ""),
			InboxDir:      getEnv("INBOX_DIR", ""),
			InboxDebounce: getEnvAsDuration("INBOX_DEBOUNCE", 2*time.Second),
			SplitStereo:   getEnvAsBool("SPLIT_STEREO_SPEAKERS", false),
		},
		Model: ModelConfig{
			CacheDir:         getEnv("MODEL_CACHE_DIR", "./models"),
			Version:          getEnv("MODEL_VERSION", "large-v3"),
			URL:              getEnv("MODEL_URL", ""),
			SHA256:           strings.ToLower(getEnv("MODEL_SHA256", "")),
			VerifyOnStart:    getEnvAsBool("MODEL_VERIFY_ON_START", false),
			WhisperBin:       getEnv("WHISPER_BIN", "whisper-cli"),
			Threads:          getEnvAsInt("WHISPER_THREADS", 0),
			Language:         getEnv("WHISPER_LANGUAGE", "auto"),
			Diarize:          getEnvAsBool("WHISPER_DIARIZE", false),
			InferenceTimeout: getEnvAsDuration("INFERENCE_TIMEOUT", 30*time.Minute),
			DownloadTimeout:  getEnvAsDuration("MODEL_DOWNLOAD_TIMEOUT", 0),
		},
		Notify: NotifyConfig{
			EventBuffer:     getEnvAsInt("EVENT_BUFFER", 500),
			WebhookTimeout:  getEnvAsDuration("WEBHOOK_TIMEOUT", 10*time.Second),
			WebhookAttempts: getEnvAsInt("WEBHOOK_ATTEMPTS", 5),
			WebhookQueue:    getEnvAsInt("WEBHOOK_QUEUE", 256),
		},
		Log: LogConfig{
			Level:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
			Format: strings.ToLower(getEnv("LOG_FORMAT", "text")),
		},
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

var configValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fe.Namespace()+" failed '"+fe.Tag()+"'")
			}
			return NewAppError("CONFIG_ERROR", strings.Join(msgs, "; "), ErrInvalidInput)
		}
		return NewAppError("CONFIG_ERROR", err.Error(), ErrInvalidInput)
	}
	return nil
}
