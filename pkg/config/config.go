// Package config loads process configuration from the environment once at
// startup. Components receive the relevant sub-struct at construction.
package config

import (
	"encoding/json"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/censys/intake-scanner/pkg/storage"
)

type Config struct {
	Grant       Grant
	Dispatch    Dispatch
	Store       Store
	PubSub      PubSub
	Scanner     Scanner
	Notify      Notify
	Log         Log
	DatabaseURL string
	RedisAddr   string
	HTTPAddr    string
	HealthAddr  string
}

type Grant struct {
	AllowedContentTypes []string
	MaxSizeBytes        int64
	TTL                 time.Duration
	APIKeys             []string
	// TokenSecret signs local upload tokens (memory backend only).
	TokenSecret   string
	PublicBaseURL string
}

type Dispatch struct {
	Concurrency    int
	ScanTimeout    time.Duration
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	ClaimTTL       time.Duration
	MaxObjectBytes int64
}

// LeaseBudget is the longest one dispatch can hold an object: every scan
// attempt timing out and every routing attempt failing, each followed by the
// longest backoff, plus a minute for storage calls.
func (d Dispatch) LeaseBudget() time.Duration {
	attempts := time.Duration(d.MaxRetries + 1)
	return attempts*(d.ScanTimeout+2*d.BackoffMax) + time.Minute
}

type Store struct {
	// Backend is one of memory, gcs, minio, s3.
	Backend          string
	IntakeBucket     string
	CleanBucket      string
	QuarantineBucket string
	GCSEndpoint      string
	MinioEndpoint    string
	MinioAccessKey   string
	MinioSecretKey   string
	MinioUseTLS      bool
	AWSRegion        string
	AWSEndpoint      string
}

// Buckets returns the area to bucket mapping.
func (s Store) Buckets() storage.Buckets {
	return storage.Buckets{
		storage.AreaIntake:     s.IntakeBucket,
		storage.AreaClean:      s.CleanBucket,
		storage.AreaQuarantine: s.QuarantineBucket,
	}
}

type PubSub struct {
	ProjectID      string
	SubscriptionID string
	DLQTopicID     string
	SuccessTopicID string
	AlertTopicID   string
	WorkerCount    int
	MaxOutstanding int
}

type Scanner struct {
	// Engines is an ordered list drawn from signature, clamd, sniff.
	Engines        []string
	ClamdNetwork   string
	ClamdAddr      string
	SignaturesFile string
	DenyTypes      []string
}

type Notify struct {
	WebhookURL string
	Timeout    time.Duration
}

type Log struct {
	Level   string
	Format  string
	Service string
}

var defaultAllowedTypes = []string{
	"application/pdf",
	"image/jpeg",
	"image/png",
	"image/gif",
	"text/plain",
	"text/csv",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.ms-excel",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
}

// Load reads the configuration from the environment, applying defaults.
func Load(service string) Config {
	maxSize := getEnvInt64("MAX_FILE_SIZE_BYTES", 10<<20)
	cfg := Config{
		Grant: Grant{
			AllowedContentTypes: getEnvList("ALLOWED_FILE_TYPES", defaultAllowedTypes),
			MaxSizeBytes:        maxSize,
			TTL:                 getEnvDuration("PRESIGNED_URL_EXPIRY", 15*time.Minute),
			APIKeys:             getEnvList("GRANT_API_KEYS", nil),
			TokenSecret:         getEnv("UPLOAD_TOKEN_SECRET", ""),
			PublicBaseURL:       getEnv("PUBLIC_BASE_URL", "http://localhost:8080"),
		},
		Dispatch: Dispatch{
			Concurrency:    getEnvInt("SCAN_CONCURRENCY", runtime.NumCPU()),
			ScanTimeout:    getEnvDuration("SCAN_TIMEOUT", 30*time.Second),
			MaxRetries:     getEnvInt("SCAN_MAX_RETRIES", 2),
			BackoffInitial: getEnvDuration("SCAN_BACKOFF_INITIAL", time.Second),
			BackoffMax:     getEnvDuration("SCAN_BACKOFF_MAX", 10*time.Second),
			ClaimTTL:       getEnvDuration("SCAN_CLAIM_TTL", 0),
			MaxObjectBytes: maxSize,
		},
		Store: Store{
			Backend:          getEnv("STORE_BACKEND", "memory"),
			IntakeBucket:     getEnv("UPLOAD_BUCKET_NAME", "intake"),
			CleanBucket:      getEnv("CLEAN_BUCKET_NAME", "clean"),
			QuarantineBucket: getEnv("QUARANTINE_BUCKET_NAME", "quarantine"),
			GCSEndpoint:      getEnv("GCS_ENDPOINT", ""),
			MinioEndpoint:    getEnv("MINIO_ENDPOINT", "localhost:9000"),
			MinioAccessKey:   getEnv("MINIO_ACCESS_KEY", ""),
			MinioSecretKey:   getEnv("MINIO_SECRET_KEY", ""),
			MinioUseTLS:      getEnvBool("MINIO_USE_TLS", false),
			AWSRegion:        getEnv("AWS_REGION", ""),
			AWSEndpoint:      getEnv("AWS_ENDPOINT_URL_S3", ""),
		},
		PubSub: PubSub{
			ProjectID:      getEnv("PUBSUB_PROJECT_ID", "test-project"),
			SubscriptionID: getEnv("PUBSUB_SUBSCRIPTION_ID", "intake-events-sub"),
			DLQTopicID:     getEnv("PUBSUB_DLQ_TOPIC", ""),
			SuccessTopicID: getEnv("PUBSUB_SUCCESS_TOPIC", ""),
			AlertTopicID:   getEnv("PUBSUB_ALERT_TOPIC", ""),
			WorkerCount:    getEnvInt("PROCESSOR_WORKERS", runtime.NumCPU()),
			MaxOutstanding: getEnvInt("PROCESSOR_MAX_OUTSTANDING", 200),
		},
		Scanner: Scanner{
			Engines:        getEnvList("SCAN_ENGINES", []string{"signature", "sniff"}),
			ClamdNetwork:   getEnv("CLAMD_NETWORK", "tcp"),
			ClamdAddr:      getEnv("CLAMD_ADDR", "localhost:3310"),
			SignaturesFile: getEnv("SIGNATURES_FILE", ""),
			DenyTypes:      getEnvList("SNIFF_DENY_TYPES", nil),
		},
		Notify: Notify{
			WebhookURL: getEnv("NOTIFY_WEBHOOK_URL", ""),
			Timeout:    getEnvDuration("NOTIFY_TIMEOUT", 5*time.Second),
		},
		Log: Log{
			Level:   getEnv("LOG_LEVEL", "info"),
			Format:  getEnv("LOG_FORMAT", "json"),
			Service: service,
		},
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisAddr:   getEnv("REDIS_ADDR", ""),
		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),
		HealthAddr:  getEnv("HEALTH_ADDR", ""),
	}
	if cfg.Dispatch.ClaimTTL == 0 {
		cfg.Dispatch.ClaimTTL = cfg.Dispatch.LeaseBudget()
	}
	return cfg
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil && n >= 0 {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.ParseInt(val, 10, 64)
		if err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		b, err := strconv.ParseBool(val)
		if err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("900").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	if n, err := strconv.Atoi(val); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	if d, err := time.ParseDuration(val); err == nil && d > 0 {
		return d
	}
	return fallback
}

// getEnvList accepts a JSON array or a comma-separated list.
func getEnvList(key string, fallback []string) []string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	var out []string
	if strings.HasPrefix(val, "[") {
		if err := json.Unmarshal([]byte(val), &out); err != nil {
			return fallback
		}
	} else {
		out = strings.Split(val, ",")
	}
	items := out[:0]
	for _, item := range out {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return fallback
	}
	return items
}
