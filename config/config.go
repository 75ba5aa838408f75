// Package config manages runtime configuration loading and validation for
// Rondo services.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment where Rondo operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// BrokerKind selects the transport backing the message bus.
type BrokerKind string

const (
	// BrokerMemory runs the in-process queue.
	BrokerMemory BrokerKind = "memory"
	// BrokerPostgres runs the Postgres-backed queue.
	BrokerPostgres BrokerKind = "postgres"
	// BrokerWebsocket bridges to a remote hub over WebSocket.
	BrokerWebsocket BrokerKind = "websocket"
)

// PolicyEngine selects how event policies are evaluated.
type PolicyEngine string

const (
	// PolicyNative uses the compiled-in Go policy.
	PolicyNative PolicyEngine = "native"
	// PolicyJS evaluates policies from JavaScript modules.
	PolicyJS PolicyEngine = "js"
)

// MemoryBrokerConfig sizes the in-memory queue.
type MemoryBrokerConfig struct {
	BufferSize         int           `yaml:"bufferSize"`
	MaxAttempts        int           `yaml:"maxAttempts"`
	RedeliveryDelay    time.Duration `yaml:"redeliveryDelay"`
	DeadLetterCapacity int           `yaml:"deadLetterCapacity"`
}

func (c *MemoryBrokerConfig) applyDefaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RedeliveryDelay < 0 {
		c.RedeliveryDelay = 0
	}
	if c.DeadLetterCapacity <= 0 {
		c.DeadLetterCapacity = 1024
	}
}

// PostgresBrokerConfig controls the Postgres queue's polling consumer.
type PostgresBrokerConfig struct {
	PollRate     float64       `yaml:"pollRate"`
	Prefetch     int           `yaml:"prefetch"`
	RequeueDelay time.Duration `yaml:"requeueDelay"`
	MaxAttempts  int           `yaml:"maxAttempts"`
}

func (c *PostgresBrokerConfig) applyDefaults() {
	if c.PollRate <= 0 {
		c.PollRate = 10
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 32
	}
	if c.RequeueDelay <= 0 {
		c.RequeueDelay = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
}

// WebsocketBrokerConfig configures the WebSocket bridge transport.
type WebsocketBrokerConfig struct {
	URL          string        `yaml:"url"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

func (c *WebsocketBrokerConfig) applyDefaults() {
	c.URL = strings.TrimSpace(c.URL)
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

// BrokerConfig selects and configures the transport.
type BrokerConfig struct {
	Kind      BrokerKind            `yaml:"kind"`
	Memory    MemoryBrokerConfig    `yaml:"memory"`
	Postgres  PostgresBrokerConfig  `yaml:"postgres"`
	Websocket WebsocketBrokerConfig `yaml:"websocket"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/rondo"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	return nil
}

// OutboxConfig controls the transactional outbox relay.
type OutboxConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"pollInterval"`
	BatchSize    int           `yaml:"batchSize"`
	MaxAttempts  int           `yaml:"maxAttempts"`
}

func (c *OutboxConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 12
	}
}

// PolicyConfig defines how event policies are sourced.
type PolicyConfig struct {
	Engine    PolicyEngine `yaml:"engine"`
	Directory string       `yaml:"directory"`
	Module    string       `yaml:"module"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

type consumerKind int

const (
	consumerUnset consumerKind = iota
	consumerExplicit
	consumerAuto
	consumerDefault
)

// ConsumerSetting encapsulates the receive-loop count, allowing both
// numeric and symbolic values.
type ConsumerSetting struct {
	kind  consumerKind
	value int
}

// UnmarshalYAML supports integer, "auto", and "default" values for consumers.
func (s *ConsumerSetting) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = ConsumerSetting{kind: consumerUnset, value: 0}
		return nil
	}

	text := strings.TrimSpace(node.Value)
	if text == "" {
		s.kind = consumerUnset
		s.value = 0
		return nil
	}

	switch strings.ToLower(text) {
	case "auto":
		s.kind = consumerAuto
		s.value = 0
		return nil
	case "default":
		s.kind = consumerDefault
		s.value = 0
		return nil
	}

	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("consumers: invalid value %q", node.Value)
	}
	if val <= 0 {
		return fmt.Errorf("consumers: numeric value must be > 0")
	}
	s.kind = consumerExplicit
	s.value = val
	return nil
}

// Count returns the effective receive-loop count derived from the setting.
func (s ConsumerSetting) Count() int {
	switch s.kind {
	case consumerExplicit:
		return s.value
	case consumerAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
		return 1
	case consumerDefault, consumerUnset:
		return 1
	default:
		return 1
	}
}

// Config is the unified Rondo runtime configuration sourced from YAML.
type Config struct {
	Environment Environment     `yaml:"environment"`
	Broker      BrokerConfig    `yaml:"broker"`
	Database    DatabaseConfig  `yaml:"database"`
	Outbox      OutboxConfig    `yaml:"outbox"`
	Policy      PolicyConfig    `yaml:"policy"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Consumers   ConsumerSetting `yaml:"consumers"`
}

// Default returns the configuration used when no file is present: the
// in-memory broker, the native policy, one consumer.
func Default() Config {
	var cfg Config
	cfg.applyEnvOverrides()
	cfg.normalise()
	return cfg
}

// LoadOrDefault loads the configuration file when it exists and falls
// back to Default when it does not. The boolean reports whether a file
// was read.
func LoadOrDefault(configPath string) (Config, bool, error) {
	cfg, err := Load(configPath)
	if err == nil {
		return cfg, true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), false, nil
	}
	return Config{}, false, err
}

// Load reads, normalises, and validates a Config from the provided YAML file.
// Environment variables override file values after unmarshalling.
func Load(configPath string) (Config, error) {
	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return Config{}, err
	}
	defer closer()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// applyEnvOverrides lets deploy environments override file settings
// without editing the file.
func (c *Config) applyEnvOverrides() {
	if v := strings.TrimSpace(os.Getenv("RONDO_ENV")); v != "" {
		c.Environment = Environment(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("RONDO_DATABASE_DSN")); v != "" {
		c.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("RONDO_OTLP_ENDPOINT")); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("RONDO_BROKER_KIND")); v != "" {
		c.Broker.Kind = BrokerKind(strings.ToLower(v))
	}
}

func (c *Config) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	c.Broker.Kind = BrokerKind(strings.ToLower(strings.TrimSpace(string(c.Broker.Kind))))
	if c.Broker.Kind == "" {
		c.Broker.Kind = BrokerMemory
	}
	c.Broker.Memory.applyDefaults()
	c.Broker.Postgres.applyDefaults()
	c.Broker.Websocket.applyDefaults()

	c.Database.applyDefaults()
	c.Outbox.applyDefaults()

	c.Policy.Engine = PolicyEngine(strings.ToLower(strings.TrimSpace(string(c.Policy.Engine))))
	if c.Policy.Engine == "" {
		c.Policy.Engine = PolicyNative
	}
	dir := strings.TrimSpace(c.Policy.Directory)
	if dir == "" {
		dir = "policies"
	}
	c.Policy.Directory = filepath.Clean(dir)
	c.Policy.Module = strings.TrimSpace(c.Policy.Module)

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "rondo"
	}
}

// Validate performs semantic validation on the configuration.
func (c Config) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	switch c.Broker.Kind {
	case BrokerMemory:
	case BrokerPostgres:
		if err := c.Database.validate(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	case BrokerWebsocket:
		if c.Broker.Websocket.URL == "" {
			return fmt.Errorf("broker.websocket.url required")
		}
	default:
		return fmt.Errorf("broker.kind must be one of memory, postgres, websocket")
	}

	if c.Outbox.Enabled {
		if err := c.Database.validate(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}

	switch c.Policy.Engine {
	case PolicyNative:
	case PolicyJS:
		if c.Policy.Module == "" {
			return fmt.Errorf("policy.module required for the js engine")
		}
	default:
		return fmt.Errorf("policy.engine must be one of native, js")
	}

	if c.Consumers.Count() <= 0 {
		return fmt.Errorf("consumers must resolve to >0")
	}

	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
