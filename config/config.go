package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	RoleAll    = "all"
	RoleAPI    = "api"
	RoleWorker = "worker"
	RoleReaper = "reaper"
)

type Config struct {
	Role     string
	HTTPAddr string
	LogDebug bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	WorkerCount       int
	PollInterval      time.Duration
	WorkerInactivity  time.Duration
	WorkerRecordTTL   time.Duration
	JobLease          time.Duration
	JobTTL            time.Duration
	QueueItemTTL      time.Duration
	ConversionTimeout int
	MaxRetries        int
	BackoffBase       time.Duration

	MaxFileBytes         int64
	PremiumMaxFileBytes  int64
	PremiumPriorityBoost int

	WorkDir          string
	UploadDir        string
	RetentionWindow  time.Duration
	ReaperInterval   time.Duration
	ArtifactTTLHours int
	ProgressInterval time.Duration

	CDNBackend    string
	CDNDir        string
	CDNBaseURL    string
	PublicBaseURL string

	GotenbergURL   string
	S3Bucket       string
	S3Region       string
	AWSS3AccessKey string
	AWSS3SecretKey string
	S3Endpoint     string
	S3UsePathStyle bool

	ScannerURL   string
	AMQPURL      string
	AMQPExchange string

	DatabaseURL string

	SubmitRate  float64
	SubmitBurst int
}

// Load reads an optional .env file and then the process environment.
func Load() *Config {
	if path := getEnv("ENV_FILE", ".env"); path != "" {
		if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
			log.Printf("config: could not load %s: %v", path, err)
		}
	}

	redisPrefix := getEnv("REDIS_PREFIX", "")
	publicBase := strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:8080"), "/")

	return &Config{
		Role:     strings.ToLower(getEnv("ROLE", RoleAll)),
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
		LogDebug: getEnvBool("LOG_DEBUG", false),

		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_CONVERSION_DB", 3),
		RedisPrefix:   applyPrefix("", redisPrefix),

		WorkerCount:       getEnvInt("CONVERSION_WORKER_COUNT", 3),
		PollInterval:      time.Duration(getEnvInt("WORKER_POLL_INTERVAL_MS", 1000)) * time.Millisecond,
		WorkerInactivity:  time.Duration(getEnvInt("WORKER_INACTIVITY_MINUTES", 60)) * time.Minute,
		WorkerRecordTTL:   time.Duration(getEnvInt("WORKER_RECORD_TTL_MINUTES", 120)) * time.Minute,
		JobLease:          time.Duration(getEnvInt("JOB_LEASE_SECONDS", 60)) * time.Second,
		JobTTL:            time.Duration(getEnvInt("JOB_TTL_HOURS", 24)) * time.Hour,
		QueueItemTTL:      time.Duration(getEnvInt("QUEUE_ITEM_TTL_HOURS", 24)) * time.Hour,
		ConversionTimeout: getEnvInt("CONVERSION_TIMEOUT", 120),
		MaxRetries:        getEnvInt("CONVERSION_MAX_RETRIES", 3),
		BackoffBase:       time.Duration(getEnvInt("CONVERSION_BACKOFF_MS", 1000)) * time.Millisecond,

		MaxFileBytes:         int64(getEnvInt("MAX_FILE_MB", 50)) << 20,
		PremiumMaxFileBytes:  int64(getEnvInt("PREMIUM_MAX_FILE_MB", 500)) << 20,
		PremiumPriorityBoost: getEnvInt("PREMIUM_PRIORITY_BOOST", 10),

		WorkDir:          getEnv("WORK_DIR", "/tmp/conversions"),
		UploadDir:        getEnv("UPLOAD_DIR", ""),
		RetentionWindow:  time.Duration(getEnvInt("RETENTION_HOURS", 24)) * time.Hour,
		ReaperInterval:   time.Duration(getEnvInt("REAPER_INTERVAL_MINUTES", 5)) * time.Minute,
		ArtifactTTLHours: getEnvInt("ARTIFACT_TTL_HOURS", 24),
		ProgressInterval: time.Duration(getEnvInt("PROGRESS_INTERVAL_MS", 1000)) * time.Millisecond,

		CDNBackend:    strings.ToLower(getEnv("CDN_BACKEND", "disk")),
		CDNDir:        getEnv("CDN_DIR", "/var/lib/fileconv/cdn"),
		CDNBaseURL:    strings.TrimRight(getEnv("CDN_BASE_URL", publicBase+"/cdn"), "/"),
		PublicBaseURL: publicBase,

		GotenbergURL: getEnv("GOTENBERG_URL", "http://gotenberg:3000"),
		S3Bucket:     getEnv("AWS_BUCKET", "fileconv"),
		// Prefer unified S3_* vars, fall back to legacy AWS_* vars for compatibility
		S3Region:       getEnvWithFallback("S3_REGION", "AWS_DEFAULT_REGION", "us-east-1"),
		AWSS3AccessKey: getEnvWithFallback("S3_KEY", "AWS_ACCESS_KEY_ID", ""),
		AWSS3SecretKey: getEnvWithFallback("S3_SECRET", "AWS_SECRET_ACCESS_KEY", ""),
		S3Endpoint:     getEnv("S3_ENDPOINT", ""),
		S3UsePathStyle: getEnvBool("S3_USE_PATH_STYLE_ENDPOINT", false),

		ScannerURL:   getEnv("SCANNER_URL", ""),
		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "conversion.events"),

		DatabaseURL: databaseURL(),

		SubmitRate:  getEnvFloat("SUBMIT_RATE", 20),
		SubmitBurst: getEnvInt("SUBMIT_BURST", 40),
	}
}

// databaseURL builds a lib/pq key=value DSN. An empty DB_HOST disables the archive.
func databaseURL() string {
	dbHost := getEnv("DB_HOST", "")
	if dbHost == "" {
		return ""
	}
	dbPort := getEnv("DB_PORT", "5432")
	dbName := getEnv("DB_DATABASE", "fileconv")
	dbUser := getEnv("DB_USERNAME", "fileconv")
	dbPassword := getEnv("DB_PASSWORD", "")
	dbSSLMode := getEnv("DB_SSLMODE", "disable")

	// lib/pq supports "key=value" connection strings and this avoids
	// URI escaping issues for special characters in passwords.
	dbURL := fmt.Sprintf("host=%s port=%s dbname=%s user=%s sslmode=%s", dbHost, dbPort, dbName, dbUser, dbSSLMode)
	if dbPassword != "" {
		dbURL += fmt.Sprintf(" password=%s", dbPassword)
	}
	if cert := getEnv("DB_SSLCERT", ""); cert != "" {
		dbURL += fmt.Sprintf(" sslcert=%s", cert)
	}
	if key := getEnv("DB_SSLKEY", ""); key != "" {
		dbURL += fmt.Sprintf(" sslkey=%s", key)
	}
	if root := getEnv("DB_SSLROOTCERT", ""); root != "" {
		dbURL += fmt.Sprintf(" sslrootcert=%s", root)
	}
	return dbURL
}

// RunsAPI reports whether this process serves HTTP.
func (c *Config) RunsAPI() bool { return c.Role == RoleAll || c.Role == RoleAPI }

// RunsWorkers reports whether this process claims jobs.
func (c *Config) RunsWorkers() bool { return c.Role == RoleAll || c.Role == RoleWorker }

// RunsReaper reports whether this process runs maintenance sweeps.
func (c *Config) RunsReaper() bool { return c.Role == RoleAll || c.Role == RoleReaper }

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvWithFallback(primaryKey, secondaryKey, fallback string) string {
	if value := os.Getenv(primaryKey); value != "" {
		return value
	}
	if value := os.Getenv(secondaryKey); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func applyPrefix(key string, prefix string) string {
	if prefix == "" {
		return key
	}
	return prefix + key
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}
