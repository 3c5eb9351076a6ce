package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// TimeoutPolicy decides what happens to a job whose processing exceeds the
// per-job timeout.
type TimeoutPolicy string

const (
	// TimeoutFail marks the job FAILED with a timeout reason (default).
	TimeoutFail TimeoutPolicy = "fail"
	// TimeoutRequeue releases the job back to PENDING for another attempt.
	TimeoutRequeue TimeoutPolicy = "requeue"
)

type Config struct {
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	WorkerCount    int
	ClaimInterval  time.Duration
	LeaseDuration  time.Duration
	JobTimeout     time.Duration
	TimeoutPolicy  TimeoutPolicy
	StorageRetries int
	StrategyParams string
	S3Bucket       string
	S3Region       string
	AWSS3AccessKey string
	AWSS3SecretKey string
	S3Endpoint     string
	S3UsePathStyle bool
	DatabaseURL    string
	LogLevel       string
}

func Load() *Config {
	dbHost := getEnv("DB_HOST", "localhost")
	dbPort := getEnv("DB_PORT", "5432")
	dbName := getEnv("DB_DATABASE", "dicom2mesh")
	dbUser := getEnv("DB_USERNAME", "dicom2mesh")
	dbPassword := getEnv("DB_PASSWORD", "")
	dbSSLMode := getEnv("DB_SSLMODE", "disable")

	// lib/pq supports "key=value" connection strings and this avoids
	// URI escaping issues for special characters in passwords.
	var dbURL string
	if dbPassword != "" {
		dbURL = fmt.Sprintf(
			"host=%s port=%s dbname=%s user=%s password=%s sslmode=%s",
			dbHost, dbPort, dbName, dbUser, dbPassword, dbSSLMode,
		)
	} else {
		dbURL = fmt.Sprintf(
			"host=%s port=%s dbname=%s user=%s sslmode=%s",
			dbHost, dbPort, dbName, dbUser, dbSSLMode,
		)
	}

	leaseDuration := getEnvDuration("CONVERSION_LEASE", 10*time.Minute)
	jobTimeout := getEnvDuration("CONVERSION_TIMEOUT", 5*time.Minute)
	if leaseDuration <= jobTimeout {
		// The lease must outlive the worst-case job with margin, otherwise a
		// live worker's job could be reclaimed mid-flight.
		leaseDuration = 2 * jobTimeout
	}

	return &Config{
		RedisAddr:      getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisDB:        getEnvInt("REDIS_CONVERSION_DB", 3),
		WorkerCount:    getEnvInt("CONVERSION_WORKER_COUNT", 3),
		ClaimInterval:  getEnvDuration("CONVERSION_CLAIM_INTERVAL", 2*time.Second),
		LeaseDuration:  leaseDuration,
		JobTimeout:     jobTimeout,
		TimeoutPolicy:  timeoutPolicy(getEnv("CONVERSION_TIMEOUT_POLICY", string(TimeoutFail))),
		StorageRetries: getEnvInt("CONVERSION_STORAGE_RETRIES", 3),
		StrategyParams: getEnv("CONVERSION_STRATEGY_PARAMS", ""),
		S3Bucket:       getEnv("AWS_BUCKET", "dicom2mesh"),
		// Prefer unified S3_* vars, fall back to legacy AWS_* vars for compatibility
		S3Region:       getEnvWithFallback("S3_REGION", "AWS_DEFAULT_REGION", "us-east-1"),
		AWSS3AccessKey: getEnvWithFallback("S3_KEY", "AWS_ACCESS_KEY_ID", ""),
		AWSS3SecretKey: getEnvWithFallback("S3_SECRET", "AWS_SECRET_ACCESS_KEY", ""),
		S3Endpoint:     getEnv("S3_ENDPOINT", ""),
		S3UsePathStyle: getEnvBool("S3_USE_PATH_STYLE_ENDPOINT", false),
		DatabaseURL:    dbURL,
		LogLevel:       getEnv("LOG_LEVEL", "info"),
	}
}

func timeoutPolicy(v string) TimeoutPolicy {
	if strings.EqualFold(v, string(TimeoutRequeue)) {
		return TimeoutRequeue
	}
	return TimeoutFail
}

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

// getEnvDuration accepts either a Go duration string ("90s") or a bare
// number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
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
