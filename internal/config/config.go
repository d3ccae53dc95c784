package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all daemon configuration, populated from environment variables
// with sensible defaults.
//
// Environment Variables:
// HTTP:
// - HTTP_ADDR: listen address (default: :8090)
// - RATE_LIMIT_RPS: request rate limit per second (default: 10)
// - RATE_LIMIT_BURST: rate limit burst size (default: 20)
//
// Redis (job store):
// - REDIS_ADDR: address (default: localhost:6379)
// - REDIS_PASSWORD: password (default: empty)
// - REDIS_DB: database index (default: 0)
//
// Conversion:
// - FREECAD_CMD: engine executable (default: freecadcmd)
// - CONVERT_SCRIPT: conversion script path (default: ./scripts/convert.py)
// - CONVERT_TIMEOUT_SEC: wall-clock budget per conversion (default: 600)
// - CONVERT_WORKERS: concurrent conversions (default: 1)
// - UPLOAD_DIR: input mesh directory (default: ./uploads)
// - CONVERTED_DIR: output artifact directory (default: ./converted)
// - JOB_TTL_HOURS: job record TTL (default: 24)
// - PATTERN_KILL: enable process-name kill sweep on cancel (default: true)
//
// Cleanup:
// - CLEANUP_CRON: sweep schedule (default: */30 * * * *)
// - CLEANUP_PROCESSING_GRACE_MIN: grace for expired mid-processing jobs (default: 30)
//
// System:
// - LOG_LEVEL: debug|info|warn|error (default: info)

type Config struct {
	HTTP    HTTPConfig    `json:"http"`
	Redis   RedisConfig   `json:"redis"`
	Convert ConvertConfig `json:"convert"`
	Cleanup CleanupConfig `json:"cleanup"`
	System  SystemConfig  `json:"system"`
}

type HTTPConfig struct {
	Addr           string  `json:"addr"`
	RateLimitRPS   float64 `json:"rate_limit_rps"`
	RateLimitBurst int     `json:"rate_limit_burst"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

type ConvertConfig struct {
	Command      string        `json:"command"`
	Script       string        `json:"script"`
	Timeout      time.Duration `json:"timeout"`
	Workers      int           `json:"workers"`
	UploadDir    string        `json:"upload_dir"`
	ConvertedDir string        `json:"converted_dir"`
	JobTTL       time.Duration `json:"job_ttl"`
	PatternKill  bool          `json:"pattern_kill"`
}

type CleanupConfig struct {
	CronExpr        string        `json:"cron_expr"`
	ProcessingGrace time.Duration `json:"processing_grace"`
}

type SystemConfig struct {
	LogLevel string `json:"log_level"`
}

// Option is a function type for configuring Config
type Option func(*Config)

// NewFromEnv creates a Config from environment variables and options.
func NewFromEnv(opts ...Option) (*Config, error) {
	config := &Config{
		HTTP: HTTPConfig{
			Addr:           getEnvString("HTTP_ADDR", ":8090"),
			RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 10),
			RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 20),
		},
		Redis: RedisConfig{
			Addr:     getEnvString("REDIS_ADDR", "localhost:6379"),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Convert: ConvertConfig{
			Command:      getEnvString("FREECAD_CMD", "freecadcmd"),
			Script:       getEnvString("CONVERT_SCRIPT", "./scripts/convert.py"),
			Timeout:      time.Duration(getEnvInt("CONVERT_TIMEOUT_SEC", 600)) * time.Second,
			Workers:      getEnvInt("CONVERT_WORKERS", 1),
			UploadDir:    getEnvString("UPLOAD_DIR", "./uploads"),
			ConvertedDir: getEnvString("CONVERTED_DIR", "./converted"),
			JobTTL:       time.Duration(getEnvInt("JOB_TTL_HOURS", 24)) * time.Hour,
			PatternKill:  getEnvBool("PATTERN_KILL", true),
		},
		Cleanup: CleanupConfig{
			CronExpr:        getEnvString("CLEANUP_CRON", "*/30 * * * *"),
			ProcessingGrace: time.Duration(getEnvInt("CLEANUP_PROCESSING_GRACE_MIN", 30)) * time.Minute,
		},
		System: SystemConfig{
			LogLevel: getEnvString("LOG_LEVEL", "info"),
		},
	}

	for _, opt := range opts {
		opt(config)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// validate checks required configuration.
func (c *Config) validate() error {
	if c.Convert.Command == "" {
		return fmt.Errorf("FREECAD_CMD is required")
	}
	if c.Convert.Script == "" {
		return fmt.Errorf("CONVERT_SCRIPT is required")
	}
	if c.Convert.Workers <= 0 {
		return fmt.Errorf("CONVERT_WORKERS must be positive")
	}
	if c.Convert.UploadDir == "" || c.Convert.ConvertedDir == "" {
		return fmt.Errorf("UPLOAD_DIR and CONVERTED_DIR are required")
	}
	return nil
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat gets a float value from environment variables with default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getEnvBool gets a boolean value from environment variables with default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
