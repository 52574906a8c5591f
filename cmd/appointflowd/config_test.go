package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zakinabdul/appointflow"
)

func envFrom(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "appointflow.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig("", envFrom(nil))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Store.Driver != "memory" || cfg.HTTP.Addr != ":8080" {
		t.Errorf("store=%q addr=%q", cfg.Store.Driver, cfg.HTTP.Addr)
	}
	if cfg.Dispatch.BatchSize != 50 || cfg.Dispatch.InterBatchDelay != time.Second {
		t.Errorf("dispatch defaults = %+v", cfg.Dispatch)
	}
}

func TestLoadConfig_YAMLAndEnv(t *testing.T) {
	path := writeFile(t, `
http:
  addr: ":9090"
log:
  level: debug
  format: text
store:
  driver: sqlite
  dsn: /var/lib/appointflow.db
dispatch:
  batch_size: 25
  inter_batch_delay: 250ms
  max_job_retries: 5
  frontend_url: https://events.example.com
kafka:
  brokers: ["k1:9092"]
`)
	cfg, err := loadConfig(path, envFrom(map[string]string{
		"BREVO_API_KEY":          "xkeysib-123",
		"BREVO_SENDER_EMAIL":     "events@example.com",
		"FRONTEND_URL":           "https://app.example.com",
		"APPOINTFLOW_BATCH_SIZE": "40",
	}))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}

	if cfg.HTTP.Addr != ":9090" || cfg.Log.Format != "text" || cfg.Store.Driver != "sqlite" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Dispatch.InterBatchDelay != 250*time.Millisecond || cfg.Dispatch.MaxJobRetries != 5 {
		t.Errorf("dispatch = %+v", cfg.Dispatch)
	}
	// Environment wins over the file.
	if cfg.Dispatch.BatchSize != 40 || cfg.Dispatch.FrontendURL != "https://app.example.com" {
		t.Errorf("env overrides not applied: batch=%d frontend=%q", cfg.Dispatch.BatchSize, cfg.Dispatch.FrontendURL)
	}
	if cfg.Brevo.APIKey != "xkeysib-123" || cfg.Brevo.Sender.Email != "events@example.com" {
		t.Errorf("brevo = %+v", cfg.Brevo)
	}
	// Defaults survive for keys the file leaves out.
	if cfg.Kafka.Topic != "appointflow.jobs" || cfg.Dispatch.Concurrency != 10 {
		t.Errorf("defaults lost: topic=%q concurrency=%d", cfg.Kafka.Topic, cfg.Dispatch.Concurrency)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		file string
		env  map[string]string
	}{
		{"unknown key", "dispatch:\n  batchsize: 10\n", nil},
		{"zero batch size", "dispatch:\n  batch_size: 0\n", nil},
		{"unknown driver", "store:\n  driver: cassandra\n", nil},
		{"missing dsn", "store:\n  driver: postgres\n", nil},
		{"bad log level", "log:\n  level: loud\n", nil},
		{"bad log format", "log:\n  format: xml\n", nil},
		{"key without sender", "", map[string]string{"BREVO_API_KEY": "k"}},
		{"bad env int", "", map[string]string{"APPOINTFLOW_BATCH_SIZE": "many"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := ""
			if tt.file != "" {
				path = writeFile(t, tt.file)
			}
			_, err := loadConfig(path, envFrom(tt.env))
			if err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadConfig_ValidationIsConfigurationError(t *testing.T) {
	_, err := loadConfig(writeFile(t, "store:\n  driver: cassandra\n"), envFrom(nil))
	if !errors.Is(err, appointflow.ErrConfiguration) {
		t.Errorf("err = %v, want ErrConfiguration", err)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"), envFrom(nil)); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" a:9092, ,b:9092 ")
	if strings.Join(got, "|") != "a:9092|b:9092" {
		t.Errorf("splitList = %q", got)
	}
}

func TestNewLogger_Format(t *testing.T) {
	var buf bytes.Buffer
	newLogger(logConfig{Level: "warn", Format: "json"}, &buf).Info("hidden")
	newLogger(logConfig{Level: "warn", Format: "json"}, &buf).Warn("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"msg":"shown"`) {
		t.Errorf("json log output = %q", out)
	}

	buf.Reset()
	newLogger(logConfig{Level: "info", Format: "text"}, &buf).Info("plain")
	if !strings.Contains(buf.String(), "msg=plain") {
		t.Errorf("text log output = %q", buf.String())
	}
}
