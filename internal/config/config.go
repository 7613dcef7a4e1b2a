// Package config centralizes environment-derived configuration the way
// the teacher does it in cmd/main.go: read once at startup, fail fast on
// anything required, pass the typed struct down instead of re-reading
// os.Getenv from inside business logic.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/yungbote/neurobridge-backend/internal/phase"
	"github.com/yungbote/neurobridge-backend/internal/platform/envutil"
	"github.com/yungbote/neurobridge-backend/internal/platform/objectstore"
)

// Config is every environment-derived value the orchestrator needs
// (spec.md section 6, plus the ambient connection strings SPEC_FULL.md
// adds for the HTTP server, database, queue, and alarm clock).
type Config struct {
	HTTPAddr string
	LogMode  string

	DatabaseURL string

	NATSURL     string
	NATSSubject string
	NATSStream  string

	RedisAddr string

	BatchSizePhase       int
	AlarmDelayPhase      time.Duration
	AlarmDelayErrorRetry time.Duration
	MaxRetryAttempts     int

	FlyAPIBaseURL string
	FlyAppName    string
	FlyWorkerImage string
	FlyRegion     string
	FlyAPIToken   string

	OrchestratorURL string

	ObjectStore phase.ObjectStoreCreds

	MetricsAddr string
}

// Load reads Config from the process environment, applying the defaults
// spec.md section 6 names and failing only on values with no sane
// default (database URL, machine-API app/image/token, object-store
// credentials).
func Load() (Config, error) {
	cfg := Config{
		HTTPAddr: envutil.String("HTTP_ADDR", ":8080"),
		LogMode:  envutil.String("LOG_MODE", "development"),

		DatabaseURL: envutil.String("DATABASE_URL", ""),

		NATSURL:     envutil.String("NATS_URL", "nats://127.0.0.1:4222"),
		NATSSubject: envutil.String("NATS_SUBJECT", "batches.incoming"),
		NATSStream:  envutil.String("NATS_STREAM", "BATCHES"),

		RedisAddr: envutil.String("REDIS_ADDR", "127.0.0.1:6379"),

		BatchSizePhase:       envutil.Int("BATCH_SIZE_PHASE", 1000),
		AlarmDelayPhase:      envutil.DurationMS("ALARM_DELAY_PHASE", 5000),
		AlarmDelayErrorRetry: envutil.DurationMS("ALARM_DELAY_ERROR_RETRY", 30000),
		MaxRetryAttempts:     envutil.Int("MAX_RETRY_ATTEMPTS", 5),

		FlyAPIBaseURL:  envutil.String("FLY_API_BASE_URL", "https://api.machines.dev/v1"),
		FlyAppName:     envutil.String("FLY_APP_NAME", ""),
		FlyWorkerImage: envutil.String("FLY_WORKER_IMAGE", ""),
		FlyRegion:      envutil.String("FLY_REGION", ""),
		FlyAPIToken:    envutil.String("FLY_API_TOKEN", ""),

		OrchestratorURL: envutil.String("ORCHESTRATOR_URL", "http://localhost:8080"),

		MetricsAddr: envutil.String("METRICS_ADDR", ":9090"),
	}

	var missing []string
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if strings.TrimSpace(cfg.FlyAppName) == "" {
		missing = append(missing, "FLY_APP_NAME")
	}
	if strings.TrimSpace(cfg.FlyWorkerImage) == "" {
		missing = append(missing, "FLY_WORKER_IMAGE")
	}
	if strings.TrimSpace(cfg.FlyAPIToken) == "" {
		missing = append(missing, "FLY_API_TOKEN")
	}
	if len(missing) > 0 {
		return cfg, fmt.Errorf("config: missing required env vars: %s", strings.Join(missing, ", "))
	}

	objStore, err := objectstore.FromEnv()
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	cfg.ObjectStore = objStore

	return cfg, nil
}
