package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"media-jobs-service/internal/adapter"
	"media-jobs-service/internal/entity"
)

const (
	BackendCommand = "command"
	BackendDocker  = "docker"
)

// KindBackend is how one job kind reaches its model.
type KindBackend struct {
	Command []string
	Image   string
}

type Config struct {
	HTTPAddr string
	DataDir  string

	GuardPermits     int
	AdmissionTimeout time.Duration
	ExecutionTimeout time.Duration
	JobRetention     time.Duration
	ReapInterval     time.Duration
	ShutdownTimeout  time.Duration

	Limits adapter.Limits

	Backend    string
	ModelsDir  string
	Preprocess bool
	DockerGPUs bool
	Kinds      map[entity.JobKind]KindBackend

	RedisAddr          string
	RedisEventsChannel string
	RedisStatusTTL     time.Duration
	PostgresDSN        string

	LogLevel  string
	LogFormat string
}

// Load reads an optional .env file and then the environment. Values already
// set in the environment win over the file.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

func FromEnv() (Config, error) {
	cfg := Config{
		HTTPAddr: envOr("HTTP_ADDR", ":8080"),
		DataDir:  envOr("DATA_DIR", "./data/jobs"),

		GuardPermits:     envIntOr("GUARD_PERMITS", 1),
		AdmissionTimeout: envDurationOr("ADMISSION_TIMEOUT", 5*time.Minute),
		ExecutionTimeout: envDurationOr("EXECUTION_TIMEOUT", 30*time.Minute),
		JobRetention:     envDurationOr("JOB_RETENTION", 24*time.Hour),
		ReapInterval:     envDurationOr("REAP_INTERVAL", time.Minute),
		ShutdownTimeout:  envDurationOr("SHUTDOWN_TIMEOUT", 30*time.Second),

		Limits: adapter.Limits{
			Video: envInt64Or("MAX_VIDEO_BYTES", adapter.DefaultMaxVideoBytes),
			Audio: envInt64Or("MAX_AUDIO_BYTES", adapter.DefaultMaxAudioBytes),
			Text:  envInt64Or("MAX_TEXT_BYTES", adapter.DefaultMaxTextBytes),
		},

		Backend:    strings.ToLower(envOr("ADAPTER_BACKEND", BackendCommand)),
		ModelsDir:  os.Getenv("MODELS_DIR"),
		Preprocess: envBoolOr("ADAPTER_PREPROCESS", true),
		DockerGPUs: envBoolOr("DOCKER_GPUS", false),
		Kinds: map[entity.JobKind]KindBackend{
			entity.KindLipSync: {
				Command: adapter.SplitCommand(os.Getenv("LIPSYNC_COMMAND")),
				Image:   os.Getenv("LIPSYNC_IMAGE"),
			},
			entity.KindTranscribe: {
				Command: adapter.SplitCommand(os.Getenv("TRANSCRIBE_COMMAND")),
				Image:   os.Getenv("TRANSCRIBE_IMAGE"),
			},
			entity.KindTranslate: {
				Command: adapter.SplitCommand(os.Getenv("TRANSLATE_COMMAND")),
				Image:   os.Getenv("TRANSLATE_IMAGE"),
			},
			entity.KindDetectLanguage: {
				Command: adapter.SplitCommand(os.Getenv("DETECT_LANGUAGE_COMMAND")),
				Image:   os.Getenv("DETECT_LANGUAGE_IMAGE"),
			},
		},

		RedisAddr:          os.Getenv("REDIS_ADDR"),
		RedisEventsChannel: envOr("REDIS_EVENTS_CHANNEL", "jobs:events"),
		RedisStatusTTL:     envDurationOr("REDIS_STATUS_TTL", 24*time.Hour),
		PostgresDSN:        os.Getenv("POSTGRES_DSN"),

		LogLevel:  envOr("LOG_LEVEL", "info"),
		LogFormat: envOr("LOG_FORMAT", "json"),
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Backend != BackendCommand && c.Backend != BackendDocker {
		return fmt.Errorf("ADAPTER_BACKEND must be %q or %q, got %q", BackendCommand, BackendDocker, c.Backend)
	}
	if c.GuardPermits <= 0 {
		return fmt.Errorf("GUARD_PERMITS must be positive, got %d", c.GuardPermits)
	}
	if c.DataDir == "" {
		return errors.New("DATA_DIR must not be empty")
	}
	if c.Limits.Video <= 0 || c.Limits.Audio <= 0 || c.Limits.Text <= 0 {
		return errors.New("upload size ceilings must be positive")
	}
	return nil
}

func envOr(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func envInt64Or(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return i
}

func envDurationOr(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envBoolOr(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

var dsnPassword = regexp.MustCompile(`://([^:/?#]+):([^@/]+)@`)

// RedactDSN masks the password of a URL-style DSN (user:pass@ -> user:****@).
func RedactDSN(dsn string) string {
	return dsnPassword.ReplaceAllString(dsn, `://$1:****@`)
}
