package shared

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultProbeConcurrency = 8
	DefaultProbeTimeout     = 3 * time.Second
	DefaultProbeAttempts    = 3
)

// ProbeConfig 提供延迟探测阈值配置（可通过环境变量覆盖）。
// XMPM_PROBE_CONCURRENCY / XMPM_PROBE_TIMEOUT_MS / XMPM_PROBE_ATTEMPTS
type ProbeConfig struct {
	Concurrency int
	Timeout     time.Duration
	Attempts    int
}

var probeConfig = loadProbeConfig()

func ProbeConfigValue() ProbeConfig {
	return probeConfig
}

func loadProbeConfig() ProbeConfig {
	cfg := ProbeConfig{
		Concurrency: DefaultProbeConcurrency,
		Timeout:     DefaultProbeTimeout,
		Attempts:    DefaultProbeAttempts,
	}

	cfg.Concurrency = int(parseIntEnv("XMPM_PROBE_CONCURRENCY", int64(cfg.Concurrency)))
	if ms := parseIntEnv("XMPM_PROBE_TIMEOUT_MS", int64(cfg.Timeout/time.Millisecond)); ms > 0 {
		cfg.Timeout = time.Duration(ms) * time.Millisecond
	}
	cfg.Attempts = int(parseIntEnv("XMPM_PROBE_ATTEMPTS", int64(cfg.Attempts)))

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultProbeConcurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultProbeTimeout
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultProbeAttempts
	}

	return cfg
}

func parseIntEnv(key string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}
