package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	envPollingInterval          = "PROCFLOW_BACKGROUND_SCHEDULER_POLLING_INTERVAL_IN_SECONDS"
	envUserInputPollingInterval = "PROCFLOW_BACKGROUND_SCHEDULER_USER_INPUT_REQUIRED_POLLING_INTERVAL_IN_SECONDS"
	envFutureTaskInterval       = "PROCFLOW_BACKGROUND_SCHEDULER_FUTURE_TASK_EXECUTION_INTERVAL_IN_SECONDS"
	envFutureTaskLookahead      = "PROCFLOW_BACKGROUND_SCHEDULER_FUTURE_TASK_LOOKAHEAD_IN_SECONDS"
	envConfiscateLockAfter      = "PROCFLOW_ALLOW_CONFISCATING_LOCK_AFTER_SECONDS"
	envInstanceScanLimit        = "PROCFLOW_BACKGROUND_SCHEDULER_INSTANCE_SCAN_LIMIT"
)

// SchedulerConfig tunes the background scheduler's periodic jobs.
type SchedulerConfig struct {
	PollingIntervalSeconds                  int64 `yaml:"polling_interval_seconds"`
	UserInputRequiredPollingIntervalSeconds int64 `yaml:"user_input_required_polling_interval_seconds"`
	FutureTaskExecutionIntervalSeconds      int64 `yaml:"future_task_execution_interval_seconds"`
	FutureTaskLookaheadSeconds              int64 `yaml:"future_task_lookahead_seconds"`
	AllowConfiscatingLockAfterSeconds       int64 `yaml:"allow_confiscating_lock_after_seconds"`
	InstanceScanLimit                       int64 `yaml:"instance_scan_limit"`
}

// DefaultScheduler returns the built-in scheduler settings.
func DefaultScheduler() *SchedulerConfig {
	return &SchedulerConfig{
		PollingIntervalSeconds:                  10,
		UserInputRequiredPollingIntervalSeconds: 120,
		FutureTaskExecutionIntervalSeconds:      30,
		FutureTaskLookaheadSeconds:              300,
		AllowConfiscatingLockAfterSeconds:       600,
		InstanceScanLimit:                       200,
	}
}

// LoadScheduler reads a YAML scheduler file. Defaults are always returned,
// with file values layered on top when the file parses.
func LoadScheduler(path string) (*SchedulerConfig, error) {
	if path == "" {
		return DefaultScheduler(), nil
	}
	// #nosec G304 -- scheduler config path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultScheduler(), fmt.Errorf("read scheduler config: %w", err)
	}
	return ParseScheduler(data)
}

// ParseScheduler parses scheduler settings from YAML bytes.
func ParseScheduler(data []byte) (*SchedulerConfig, error) {
	cfg := DefaultScheduler()
	if len(data) == 0 {
		return cfg, nil
	}
	var parsed SchedulerConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return cfg, fmt.Errorf("parse scheduler config: %w", err)
	}
	cfg.merge(parsed)
	return cfg, nil
}

func (c *SchedulerConfig) merge(o SchedulerConfig) {
	setPositive(&c.PollingIntervalSeconds, o.PollingIntervalSeconds)
	setPositive(&c.UserInputRequiredPollingIntervalSeconds, o.UserInputRequiredPollingIntervalSeconds)
	setPositive(&c.FutureTaskExecutionIntervalSeconds, o.FutureTaskExecutionIntervalSeconds)
	setPositive(&c.FutureTaskLookaheadSeconds, o.FutureTaskLookaheadSeconds)
	setPositive(&c.AllowConfiscatingLockAfterSeconds, o.AllowConfiscatingLockAfterSeconds)
	setPositive(&c.InstanceScanLimit, o.InstanceScanLimit)
}

func (c *SchedulerConfig) applyEnv() {
	setPositive(&c.PollingIntervalSeconds, intEnv(envPollingInterval))
	setPositive(&c.UserInputRequiredPollingIntervalSeconds, intEnv(envUserInputPollingInterval))
	setPositive(&c.FutureTaskExecutionIntervalSeconds, intEnv(envFutureTaskInterval))
	setPositive(&c.FutureTaskLookaheadSeconds, intEnv(envFutureTaskLookahead))
	setPositive(&c.AllowConfiscatingLockAfterSeconds, intEnv(envConfiscateLockAfter))
	setPositive(&c.InstanceScanLimit, intEnv(envInstanceScanLimit))
}

// PollingInterval is how often waiting and running instances are re-run.
func (c SchedulerConfig) PollingInterval() time.Duration {
	return seconds(c.PollingIntervalSeconds)
}

// UserInputRequiredPollingInterval is how often instances awaiting user input are checked.
func (c SchedulerConfig) UserInputRequiredPollingInterval() time.Duration {
	return seconds(c.UserInputRequiredPollingIntervalSeconds)
}

// FutureTaskExecutionInterval is how often due timers are fired.
func (c SchedulerConfig) FutureTaskExecutionInterval() time.Duration {
	return seconds(c.FutureTaskExecutionIntervalSeconds)
}

// FutureTaskLookahead is how far ahead timers are armed in process.
func (c SchedulerConfig) FutureTaskLookahead() time.Duration {
	return seconds(c.FutureTaskLookaheadSeconds)
}

// AllowConfiscatingLockAfter is the age at which an instance lock counts as stale.
func (c SchedulerConfig) AllowConfiscatingLockAfter() time.Duration {
	return seconds(c.AllowConfiscatingLockAfterSeconds)
}

func seconds(n int64) time.Duration {
	return time.Duration(n) * time.Second
}

func setPositive(dst *int64, v int64) {
	if v > 0 {
		*dst = v
	}
}

func intEnv(key string) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
