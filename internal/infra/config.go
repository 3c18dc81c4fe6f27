package infra

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AMQPURL         string
	QueueName       string
	DeadLetterQueue string
	MessageTTL      time.Duration

	LockTTL time.Duration

	WorkDir       string
	ResultsDir    string
	PublicBaseURL string

	APIBaseURL        string
	StorageUploadURL  string
	SwapCommand       string
	UploadMaxAttempts int

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		AMQPURL:         os.Getenv("AMQP_URL"),
		QueueName:       getEnv("QUEUE_NAME", "face_swap_jobs"),
		DeadLetterQueue: getEnv("DEAD_LETTER_QUEUE", "face_swap_jobs_dead"),
		MessageTTL:      time.Millisecond * time.Duration(getEnvInt("MESSAGE_TTL_MS", 300000)),

		LockTTL: time.Second * time.Duration(getEnvInt("LOCK_TTL_SECONDS", 300)),

		WorkDir:       getEnv("WORK_DIR", os.TempDir()),
		ResultsDir:    getEnv("RESULTS_DIR", "/tmp/results"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", "http://localhost:8080"),

		APIBaseURL:        getEnv("API_BASE_URL", "http://localhost:8080"),
		StorageUploadURL:  os.Getenv("STORAGE_UPLOAD_URL"),
		SwapCommand:       getEnv("SWAP_COMMAND", "faceswap-run"),
		UploadMaxAttempts: getEnvInt("UPLOAD_MAX_ATTEMPTS", 3),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.AMQPURL == "" {
		return nil, fmt.Errorf("AMQP_URL is required")
	}

	if cfg.MessageTTL > cfg.LockTTL {
		// A message must never outlive the lock of the session that queued it.
		return nil, fmt.Errorf("MESSAGE_TTL_MS (%s) exceeds LOCK_TTL_SECONDS (%s)", cfg.MessageTTL, cfg.LockTTL)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
