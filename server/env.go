// File: server/env.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"os"
	"strconv"
	"time"
)

// LoadConfigFromEnv overlays HIOLOAD_* environment variables on DefaultConfig.
// Malformed values fall back to the default.
func LoadConfigFromEnv() *Config {
	cfg := DefaultConfig()
	cfg.ListenNetwork = getEnv("HIOLOAD_NETWORK", cfg.ListenNetwork)
	cfg.ListenAddr = getEnv("HIOLOAD_ADDR", cfg.ListenAddr)
	cfg.MetricsAddr = getEnv("HIOLOAD_METRICS_ADDR", cfg.MetricsAddr)

	cfg.KeepAliveTimeout = getDuration("HIOLOAD_KEEPALIVE_TIMEOUT", cfg.KeepAliveTimeout)
	cfg.MaxRequestSize = getInt("HIOLOAD_MAX_REQUEST_SIZE", cfg.MaxRequestSize)
	cfg.MaxFrameSize = uint64(getInt("HIOLOAD_MAX_FRAME_SIZE", int(cfg.MaxFrameSize)))
	cfg.MaxPendingOutput = int64(getInt("HIOLOAD_MAX_PENDING_OUTPUT", int(cfg.MaxPendingOutput)))
	cfg.SendBufferSize = getInt("HIOLOAD_SNDBUF", cfg.SendBufferSize)
	cfg.RecvBufferSize = getInt("HIOLOAD_RCVBUF", cfg.RecvBufferSize)
	cfg.NoDelay = getBool("HIOLOAD_NODELAY", cfg.NoDelay)

	cfg.ExecutorWorkers = getInt("HIOLOAD_WORKERS", cfg.ExecutorWorkers)
	cfg.ExecutorQueue = getInt("HIOLOAD_WORKER_QUEUE", cfg.ExecutorQueue)
	cfg.HandoffTimeout = getDuration("HIOLOAD_HANDOFF_TIMEOUT", cfg.HandoffTimeout)
	cfg.PingInterval = getDuration("HIOLOAD_PING_INTERVAL", cfg.PingInterval)
	cfg.CPU = getInt("HIOLOAD_CPU", cfg.CPU)
	cfg.ShutdownTimeout = getDuration("HIOLOAD_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)

	cfg.RedisAddr = getEnv("HIOLOAD_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnv("HIOLOAD_REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = getInt("HIOLOAD_REDIS_DB", cfg.RedisDB)
	cfg.RedisPrefix = getEnv("HIOLOAD_REDIS_PREFIX", cfg.RedisPrefix)

	cfg.LogLevel = getEnv("HIOLOAD_LOG_LEVEL", cfg.LogLevel)
	return cfg
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
