package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"github.com/zakinabdul/appointflow"
	"github.com/zakinabdul/appointflow/transport"
	"github.com/zakinabdul/appointflow/transport/brevo"
)

// fileConfig is the daemon configuration file.
type fileConfig struct {
	HTTP     httpConfig         `yaml:"http"`
	Log      logConfig          `yaml:"log"`
	Store    storeConfig        `yaml:"store"`
	Brevo    brevoConfig        `yaml:"brevo"`
	Kafka    kafkaConfig        `yaml:"kafka"`
	Breaker  breakerConfig      `yaml:"breaker"`
	Audit    auditConfig        `yaml:"audit"`
	Dispatch appointflow.Config `yaml:"dispatch"`
}

type httpConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type logConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// storeConfig selects a backend. DSN is interpreted per driver: a
// postgres connection string, a sqlite file path, a redis URL or a
// mongodb URI.
type storeConfig struct {
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`
	Database string `yaml:"database"`
}

type brevoConfig struct {
	APIKey string       `yaml:"api_key"`
	Sender brevo.Sender `yaml:"sender"`
}

type kafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	Events  []string `yaml:"events"`
}

// auditConfig controls the audit trail written to the log. Empty Actions
// records every action.
type auditConfig struct {
	Enabled bool     `yaml:"enabled"`
	Actions []string `yaml:"actions"`
}

type breakerConfig struct {
	Enabled             bool          `yaml:"enabled"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
	Timeout             time.Duration `yaml:"timeout"`
}

func defaultFileConfig() fileConfig {
	return fileConfig{
		HTTP: httpConfig{
			Addr:         ":8080",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Log:   logConfig{Level: "info", Format: "json"},
		Store: storeConfig{Driver: "memory", Database: "appointflow"},
		Brevo: brevoConfig{Sender: brevo.Sender{Name: "AppointFlow"}},
		Kafka: kafkaConfig{Topic: "appointflow.jobs"},
		Breaker: breakerConfig{
			Enabled:             true,
			ConsecutiveFailures: transport.DefaultBreakerConfig().ConsecutiveFailures,
			Timeout:             transport.DefaultBreakerConfig().Timeout,
		},
		Audit:    auditConfig{Enabled: true},
		Dispatch: appointflow.DefaultConfig(),
	}
}

// loadConfig reads path over the defaults, then applies environment
// overrides. An empty path uses defaults and environment only.
func loadConfig(path string, getenv func(string) string) (fileConfig, error) {
	cfg := defaultFileConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return cfg, err
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// decodeYAML rejects unknown keys so typos surface at startup.
func decodeYAML(data []byte, cfg *fileConfig) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnv overlays environment variables. The Brevo and frontend
// variables keep the names used by existing deployments.
func applyEnv(cfg *fileConfig, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	str("APPOINTFLOW_HTTP_ADDR", &cfg.HTTP.Addr)
	str("APPOINTFLOW_LOG_LEVEL", &cfg.Log.Level)
	str("APPOINTFLOW_LOG_FORMAT", &cfg.Log.Format)
	str("APPOINTFLOW_STORE_DRIVER", &cfg.Store.Driver)
	str("APPOINTFLOW_STORE_DSN", &cfg.Store.DSN)
	str("APPOINTFLOW_STORE_DATABASE", &cfg.Store.Database)
	str("APPOINTFLOW_KAFKA_TOPIC", &cfg.Kafka.Topic)
	str("BREVO_API_KEY", &cfg.Brevo.APIKey)
	str("BREVO_SENDER_EMAIL", &cfg.Brevo.Sender.Email)
	str("BREVO_SENDER_NAME", &cfg.Brevo.Sender.Name)
	str("FRONTEND_URL", &cfg.Dispatch.FrontendURL)

	if v := getenv("APPOINTFLOW_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}
	if v := getenv("APPOINTFLOW_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: APPOINTFLOW_BATCH_SIZE: %w", appointflow.ErrConfiguration, err)
		}
		cfg.Dispatch.BatchSize = n
	}
	if v := getenv("APPOINTFLOW_MAX_JOB_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: APPOINTFLOW_MAX_JOB_RETRIES: %w", appointflow.ErrConfiguration, err)
		}
		cfg.Dispatch.MaxJobRetries = n
	}
	if v := getenv("APPOINTFLOW_INTER_BATCH_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: APPOINTFLOW_INTER_BATCH_DELAY: %w", appointflow.ErrConfiguration, err)
		}
		cfg.Dispatch.InterBatchDelay = d
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c fileConfig) validate() error {
	if err := c.Dispatch.Validate(); err != nil {
		return err
	}
	switch c.Store.Driver {
	case "memory":
	case "postgres", "sqlite", "redis", "mongo":
		if c.Store.DSN == "" {
			return fmt.Errorf("%w: store.dsn is required for driver %q", appointflow.ErrConfiguration, c.Store.Driver)
		}
	default:
		return fmt.Errorf("%w: unknown store driver %q", appointflow.ErrConfiguration, c.Store.Driver)
	}
	if c.Brevo.APIKey != "" && c.Brevo.Sender.Email == "" {
		return fmt.Errorf("%w: brevo.sender.email is required with an API key", appointflow.ErrConfiguration)
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("%w: kafka.topic is required with brokers", appointflow.ErrConfiguration)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("%w: log.format must be json or text, got %q", appointflow.ErrConfiguration, c.Log.Format)
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return lvl, fmt.Errorf("%w: log.level: %w", appointflow.ErrConfiguration, err)
	}
	return lvl, nil
}

func newLogger(cfg logConfig, w io.Writer) *slog.Logger {
	lvl, err := parseLevel(cfg.Level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
