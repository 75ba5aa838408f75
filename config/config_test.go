package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rondo.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "broker:\n  kind: memory\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Environment != EnvDev {
		t.Fatalf("expected default environment dev, got %s", cfg.Environment)
	}
	if cfg.Broker.Kind != BrokerMemory {
		t.Fatalf("expected memory broker, got %s", cfg.Broker.Kind)
	}
	if cfg.Broker.Memory.BufferSize != 256 {
		t.Fatalf("expected default buffer size 256, got %d", cfg.Broker.Memory.BufferSize)
	}
	if cfg.Broker.Memory.MaxAttempts != 5 {
		t.Fatalf("expected default max attempts 5, got %d", cfg.Broker.Memory.MaxAttempts)
	}
	if cfg.Database.MaxConns != 16 {
		t.Fatalf("expected default max conns 16, got %d", cfg.Database.MaxConns)
	}
	if cfg.Outbox.PollInterval != time.Second {
		t.Fatalf("expected default poll interval 1s, got %s", cfg.Outbox.PollInterval)
	}
	if cfg.Policy.Engine != PolicyNative {
		t.Fatalf("expected native policy engine, got %s", cfg.Policy.Engine)
	}
	if cfg.Telemetry.ServiceName != "rondo" {
		t.Fatalf("expected default service name rondo, got %q", cfg.Telemetry.ServiceName)
	}
	if got := cfg.Consumers.Count(); got != 1 {
		t.Fatalf("expected one consumer loop by default, got %d", got)
	}
}

func TestLoadParsesFullDocument(t *testing.T) {
	path := writeConfig(t, `environment: prod
broker:
  kind: postgres
  postgres:
    pollRate: 25
    prefetch: 64
    requeueDelay: 2s
    maxAttempts: 8
database:
  dsn: postgresql://rondo:secret@db:5432/rondo
  maxConns: 32
  minConns: 4
  runMigrations: true
outbox:
  enabled: true
  pollInterval: 500ms
  batchSize: 128
policy:
  engine: js
  directory: ./policies
  module: part_index
telemetry:
  otlpEndpoint: otel:4318
  serviceName: rondo-worker
  enableMetrics: true
consumers: 4
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Environment != EnvProd {
		t.Fatalf("expected prod environment, got %s", cfg.Environment)
	}
	if cfg.Broker.Kind != BrokerPostgres {
		t.Fatalf("expected postgres broker, got %s", cfg.Broker.Kind)
	}
	if cfg.Broker.Postgres.PollRate != 25 {
		t.Fatalf("expected poll rate 25, got %v", cfg.Broker.Postgres.PollRate)
	}
	if cfg.Broker.Postgres.RequeueDelay != 2*time.Second {
		t.Fatalf("expected requeue delay 2s, got %s", cfg.Broker.Postgres.RequeueDelay)
	}
	if cfg.Database.DSN != "postgresql://rondo:secret@db:5432/rondo" {
		t.Fatalf("unexpected dsn %q", cfg.Database.DSN)
	}
	if !cfg.Database.RunMigrations {
		t.Fatal("expected runMigrations true")
	}
	if !cfg.Outbox.Enabled || cfg.Outbox.BatchSize != 128 {
		t.Fatalf("unexpected outbox config %+v", cfg.Outbox)
	}
	if cfg.Policy.Engine != PolicyJS || cfg.Policy.Module != "part_index" {
		t.Fatalf("unexpected policy config %+v", cfg.Policy)
	}
	if cfg.Telemetry.OTLPEndpoint != "otel:4318" || !cfg.Telemetry.EnableMetrics {
		t.Fatalf("unexpected telemetry config %+v", cfg.Telemetry)
	}
	if got := cfg.Consumers.Count(); got != 4 {
		t.Fatalf("expected four consumer loops, got %d", got)
	}
}

func TestLoadEnvOverridesWinOverFile(t *testing.T) {
	path := writeConfig(t, `environment: dev
broker:
  kind: memory
database:
  dsn: postgresql://file-host:5432/rondo
`)
	t.Setenv("RONDO_ENV", "staging")
	t.Setenv("RONDO_DATABASE_DSN", "postgresql://env-host:5432/rondo")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Environment != EnvStaging {
		t.Fatalf("expected env override to staging, got %s", cfg.Environment)
	}
	if cfg.Database.DSN != "postgresql://env-host:5432/rondo" {
		t.Fatalf("expected env dsn override, got %q", cfg.Database.DSN)
	}
}

func TestLoadRejectsUnknownBrokerKind(t *testing.T) {
	path := writeConfig(t, "broker:\n  kind: rabbitmq\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for unknown broker kind")
	}
}

func TestLoadRejectsWebsocketWithoutURL(t *testing.T) {
	path := writeConfig(t, "broker:\n  kind: websocket\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for missing websocket url")
	}
}

func TestLoadRejectsJSPolicyWithoutModule(t *testing.T) {
	path := writeConfig(t, "broker:\n  kind: memory\npolicy:\n  engine: js\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for js policy without module")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadOrDefaultFallsBackWhenAbsent(t *testing.T) {
	cfg, loaded, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load or default: %v", err)
	}
	if loaded {
		t.Fatal("expected fallback to defaults")
	}
	if cfg.Broker.Kind != BrokerMemory || cfg.Policy.Engine != PolicyNative {
		t.Fatalf("unexpected default config: %+v", cfg)
	}

	path := writeConfig(t, "environment: staging\nbroker:\n  kind: memory\n")
	cfg, loaded, err = LoadOrDefault(path)
	if err != nil {
		t.Fatalf("load or default: %v", err)
	}
	if !loaded || cfg.Environment != EnvStaging {
		t.Fatalf("expected staging config from file, got loaded=%v env=%s", loaded, cfg.Environment)
	}

	bad := writeConfig(t, "broker:\n  kind: carrier-pigeon\n")
	if _, _, err := LoadOrDefault(bad); err == nil {
		t.Fatal("expected validation error to surface")
	}
}

func TestConsumerSettingSymbolicValues(t *testing.T) {
	path := writeConfig(t, "broker:\n  kind: memory\nconsumers: auto\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if got := cfg.Consumers.Count(); got < 1 {
		t.Fatalf("expected auto consumers >= 1, got %d", got)
	}

	path = writeConfig(t, "broker:\n  kind: memory\nconsumers: default\n")
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if got := cfg.Consumers.Count(); got != 1 {
		t.Fatalf("expected default consumers 1, got %d", got)
	}
}

func TestConsumerSettingRejectsInvalidValues(t *testing.T) {
	path := writeConfig(t, "broker:\n  kind: memory\nconsumers: -2\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for negative consumer count")
	}

	path = writeConfig(t, "broker:\n  kind: memory\nconsumers: sometimes\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for textual consumer count")
	}
}
