package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/cordum/procflow/internal/infra/logging"
)

const (
	defaultNATSURL         = "nats://localhost:4222"
	defaultRedisURL        = "redis://localhost:6379"
	defaultAPIAddr         = ":8000"
	defaultOpsAddr         = ":9093"
	defaultSchedulerConfig = "config/scheduler.yaml"

	envNATSURL             = "NATS_URL"
	envRedisURL            = "REDIS_URL"
	envAPIAddr             = "PROCFLOW_API_ADDR"
	envOpsAddr             = "PROCFLOW_OPS_ADDR"
	envSchedulerConfigPath = "PROCFLOW_SCHEDULER_CONFIG_PATH"

	// EnvRunAPIEndpoints controls whether the API routes are served.
	EnvRunAPIEndpoints = "PROCFLOW_RUN_API_ENDPOINTS"
	// EnvRunBackgroundSchedulerInCreateApp starts the background scheduler during app construction.
	EnvRunBackgroundSchedulerInCreateApp = "PROCFLOW_RUN_BACKGROUND_SCHEDULER_IN_CREATE_APP"
)

// Config holds runtime configuration for the procflow application.
type Config struct {
	NatsURL                           string
	RedisURL                          string
	APIAddr                           string
	OpsAddr                           string
	RunAPIEndpoints                   bool
	RunBackgroundSchedulerInCreateApp bool
	SchedulerConfigPath               string
	Scheduler                         SchedulerConfig
}

// Load returns configuration using environment variables with sane defaults.
func Load() *Config {
	cfg := &Config{
		NatsURL:                           envOr(envNATSURL, defaultNATSURL),
		RedisURL:                          envOr(envRedisURL, defaultRedisURL),
		APIAddr:                           envOr(envAPIAddr, defaultAPIAddr),
		OpsAddr:                           envOr(envOpsAddr, defaultOpsAddr),
		RunAPIEndpoints:                   boolEnv(EnvRunAPIEndpoints, true),
		RunBackgroundSchedulerInCreateApp: boolEnv(EnvRunBackgroundSchedulerInCreateApp, false),
		SchedulerConfigPath:               envOr(envSchedulerConfigPath, defaultSchedulerConfig),
	}

	sched, err := LoadScheduler(cfg.SchedulerConfigPath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		logging.Error("config", "scheduler config unusable, using defaults", "path", cfg.SchedulerConfigPath, "error", err)
	}
	sched.applyEnv()
	cfg.Scheduler = *sched
	return cfg
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// boolEnv reads a boolean flag; unset or unrecognised values yield def.
func boolEnv(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}
