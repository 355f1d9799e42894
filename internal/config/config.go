/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// Event bus backend selection.
type BusBackend string

const (
	BusMemory BusBackend = "memory"
	BusRedis  BusBackend = "redis"
	BusNATS   BusBackend = "nats"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment   string
	HTTPBind      string
	HTTPPort      int
	BaseURL       string
	DBBackend     DatabaseBackend
	DBDSN         string
	MediaRoot     string
	JWTSigningKey string
	MetricsBind   string
	InstanceID    string

	// Playback
	Streams        []int64 // stream ids started at boot
	AudioBackends  []string
	SilenceSkip    bool
	AudioBlacklist string // path to the yaml blacklist file

	// Playlist limits
	MaxQueueDepth int // 0 means unlimited
	TitlesPerUser int // 0 means unlimited

	// S3 object storage, used instead of the filesystem when a bucket is set
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Region          string
	S3Bucket          string
	S3Endpoint        string
	S3UsePathStyle    bool

	// Event bus
	BusBackend    BusBackend
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	NATSURL       string
	NATSToken     string

	// Tracing
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	LongPollWindow time.Duration
}

// Blacklists is the optional yaml file naming files and devices the audio
// layer must never touch.
type Blacklists struct {
	// Files are wildcard patterns matched against media paths.
	Files []string `yaml:"files"`
	// Devices are audio backend names excluded from probing.
	Devices []string `yaml:"devices"`
}

// Load reads .env when present, then environment variables, applies
// defaults, and validates the result.
func Load() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		Environment:    getEnv("SKALD_ENV", "development"),
		HTTPBind:       getEnv("SKALD_HTTP_BIND", "0.0.0.0"),
		HTTPPort:       getEnvInt("SKALD_HTTP_PORT", 8080),
		BaseURL:        getEnv("SKALD_BASE_URL", ""),
		DBBackend:      DatabaseBackend(getEnv("SKALD_DB_BACKEND", string(DatabaseSQLite))),
		DBDSN:          getEnv("SKALD_DB_DSN", ""),
		MediaRoot:      getEnv("SKALD_MEDIA_ROOT", "./media"),
		JWTSigningKey:  getEnv("SKALD_JWT_SIGNING_KEY", ""),
		MetricsBind:    getEnv("SKALD_METRICS_BIND", "127.0.0.1:9000"),
		InstanceID:     getEnv("SKALD_INSTANCE_ID", ""),
		Streams:        getEnvInt64List("SKALD_STREAMS", []int64{1}),
		AudioBackends:  getEnvList("SKALD_AUDIO_BACKENDS", []string{"malgo"}),
		SilenceSkip:    getEnvBool("SKALD_SILENCE_SKIP", true),
		AudioBlacklist: getEnv("SKALD_AUDIO_BLACKLIST", ""),
		MaxQueueDepth:  getEnvInt("SKALD_MAX_QUEUE_DEPTH", 50),
		TitlesPerUser:  getEnvInt("SKALD_TITLES_PER_USER", 5),

		S3AccessKeyID:     getEnv("SKALD_S3_ACCESS_KEY_ID", os.Getenv("AWS_ACCESS_KEY_ID")),
		S3SecretAccessKey: getEnv("SKALD_S3_SECRET_ACCESS_KEY", os.Getenv("AWS_SECRET_ACCESS_KEY")),
		S3Region:          getEnv("SKALD_S3_REGION", "us-east-1"),
		S3Bucket:          getEnv("SKALD_S3_BUCKET", ""),
		S3Endpoint:        getEnv("SKALD_S3_ENDPOINT", ""),
		S3UsePathStyle:    getEnvBool("SKALD_S3_USE_PATH_STYLE", false),

		BusBackend:    BusBackend(getEnv("SKALD_BUS_BACKEND", string(BusMemory))),
		RedisAddr:     getEnv("SKALD_REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("SKALD_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("SKALD_REDIS_DB", 0),
		NATSURL:       getEnv("SKALD_NATS_URL", "nats://localhost:4222"),
		NATSToken:     getEnv("SKALD_NATS_TOKEN", ""),

		TracingEnabled:    getEnvBool("SKALD_TRACING_ENABLED", false),
		OTLPEndpoint:      getEnv("SKALD_OTLP_ENDPOINT", "localhost:4317"),
		TracingSampleRate: getEnvFloat("SKALD_TRACING_SAMPLE_RATE", 1.0),

		LongPollWindow: time.Duration(getEnvInt("SKALD_LONG_POLL_SECONDS", 30)) * time.Second,
	}

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}
	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("SKALD_DB_DSN must be provided")
	}
	if cfg.JWTSigningKey == "" {
		return nil, fmt.Errorf("SKALD_JWT_SIGNING_KEY must be provided")
	}
	if cfg.BusBackend != BusMemory && cfg.BusBackend != BusRedis && cfg.BusBackend != BusNATS {
		return nil, fmt.Errorf("unsupported bus backend %q", cfg.BusBackend)
	}
	if len(cfg.Streams) == 0 {
		return nil, fmt.Errorf("SKALD_STREAMS must name at least one stream")
	}

	return cfg, nil
}

// LoadBlacklists parses the configured yaml blacklist file. No configured
// file means empty blacklists.
func (c *Config) LoadBlacklists() (Blacklists, error) {
	var bl Blacklists
	if c.AudioBlacklist == "" {
		return bl, nil
	}
	data, err := os.ReadFile(c.AudioBlacklist)
	if err != nil {
		return bl, fmt.Errorf("read blacklist file: %w", err)
	}
	if err := yaml.Unmarshal(data, &bl); err != nil {
		return bl, fmt.Errorf("parse blacklist file: %w", err)
	}
	return bl, nil
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(strings.TrimSpace(val))
		if val == "true" || val == "1" || val == "yes" {
			return true
		}
		if val == "false" || val == "0" || val == "no" {
			return false
		}
	}
	return def
}

func getEnvList(key string, def []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

func getEnvInt64List(key string, def []int64) []int64 {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	var out []int64
	for _, p := range strings.Split(val, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		parsed, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, parsed)
	}
	if len(out) == 0 {
		return def
	}
	return out
}
