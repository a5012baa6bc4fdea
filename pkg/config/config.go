// Package config loads the Worker Runtime's environment-variable
// configuration, with documented defaults overridable by env vars, the
// same posture cmd/worker's cobra flags layer on top of.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full set of environment-overridable runtime settings.
type Config struct {
	// Attempt budgets
	PolicyRecoveryAttempts  int
	NoChangeRecoveryAttempts int
	VerifyRecoveryAttempts  int

	// Toggles
	PolicyRecoveryUseLLM       bool
	VerifyLLMInlineRecovery    bool
	ImmediateDoomRecovery      bool
	NoChangeConfirmMode        bool

	// Paths
	LogDir      string
	TaskLockDir string

	// Timeouts
	TaskTimeoutCapSeconds     int
	RecoveryTimeoutSeconds    int
	PolicyJudgeTimeoutSeconds int
	VerifyCommandTimeout      time.Duration

	// Model configuration
	PolicyRecoveryModel string
	DefaultModel        string

	// Database / queue
	DatabaseURL string
	QueueName   string
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

// Load reads configuration from the process environment, applying the
// documented defaults below for anything unset.
func Load() *Config {
	return &Config{
		PolicyRecoveryAttempts:   getEnvInt("WORKER_POLICY_RECOVERY_ATTEMPTS", 5),
		NoChangeRecoveryAttempts: getEnvInt("WORKER_NO_CHANGE_RECOVERY_ATTEMPTS", 5),
		VerifyRecoveryAttempts:   getEnvInt("WORKER_VERIFY_RECOVERY_ATTEMPTS", 5),

		PolicyRecoveryUseLLM:    getEnvBool("WORKER_POLICY_RECOVERY_USE_LLM", true),
		VerifyLLMInlineRecovery: getEnvBool("WORKER_VERIFY_LLM_INLINE_RECOVERY", true),
		ImmediateDoomRecovery:   getEnvBool("WORKER_IMMEDIATE_DOOM_RECOVERY", true),
		NoChangeConfirmMode:     getEnvBool("WORKER_NO_CHANGE_CONFIRM_MODE", false),

		LogDir:      getEnv("OPENTIGER_LOG_DIR", "/var/lib/opentiger/logs"),
		TaskLockDir: getEnv("OPENTIGER_TASK_LOCK_DIR", "/var/lib/opentiger/locks"),

		TaskTimeoutCapSeconds:     getEnvInt("OPENCODE_TASK_TIMEOUT_CAP_SECONDS", 1800),
		RecoveryTimeoutSeconds:    getEnvInt("OPENCODE_RECOVERY_TIMEOUT_SECONDS", 420),
		PolicyJudgeTimeoutSeconds: getEnvInt("OPENCODE_POLICY_JUDGE_TIMEOUT_SECONDS", 90),
		VerifyCommandTimeout:      time.Duration(getEnvInt("OPENCODE_VERIFY_COMMAND_TIMEOUT_SECONDS", 300)) * time.Second,

		PolicyRecoveryModel: getEnv("OPENCODE_POLICY_RECOVERY_MODEL", "claude-haiku-4-5"),
		DefaultModel:        getEnv("OPENCODE_DEFAULT_MODEL", "claude-sonnet-4-5"),

		DatabaseURL: getEnv("OPENTIGER_DATABASE_URL", ""),
		QueueName:   getEnv("OPENTIGER_QUEUE_NAME", "worker-tasks"),
	}
}

// ClampTimeboxSeconds clamps a task's timebox (minutes*60) into [60, cap].
func (c *Config) ClampTimeboxSeconds(timeboxMinutes int) int {
	seconds := timeboxMinutes * 60
	if seconds < 60 {
		return 60
	}
	if seconds > c.TaskTimeoutCapSeconds {
		return c.TaskTimeoutCapSeconds
	}
	return seconds
}
