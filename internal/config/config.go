package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models deskline.yml.
type Config struct {
	Database struct {
		Path          string `yaml:"path"`
		BusyTimeoutMS int    `yaml:"busy_timeout_ms"`
	} `yaml:"database"`
	Log struct {
		Level   string `yaml:"level"`
		Format  string `yaml:"format"`
		Service string `yaml:"service"`
	} `yaml:"log"`
	Server struct {
		Addr            string `yaml:"addr"`
		BasePath        string `yaml:"base_path"`
		JWTSecret       string `yaml:"jwt_secret"`
		AllowDevTenant  bool   `yaml:"allow_dev_tenant"`
		PublicURL       string `yaml:"public_url"`
		ShutdownSeconds int    `yaml:"shutdown_seconds"`
	} `yaml:"server"`
	Bus struct {
		Buffer int `yaml:"buffer"`
		Redis  struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Stream   string `yaml:"stream"`
			MaxLen   int64  `yaml:"max_len"`
		} `yaml:"redis"`
		Kafka struct {
			Brokers []string `yaml:"brokers"`
			Topic   string   `yaml:"topic"`
		} `yaml:"kafka"`
	} `yaml:"bus"`
	Ingest struct {
		HTTPTimeoutSeconds int    `yaml:"http_timeout_seconds"`
		RetryCount         int    `yaml:"retry_count"`
		LockTTLSeconds     int    `yaml:"lock_ttl_seconds"`
		DistributedLock    bool   `yaml:"distributed_lock"`
		CredentialPrefix   string `yaml:"credential_prefix"`
		PollTickSeconds    int    `yaml:"poll_tick_seconds"`
	} `yaml:"ingest"`
	Routing struct {
		AutoRouteSeconds int    `yaml:"auto_route_seconds"`
		LookupURL        string `yaml:"lookup_url"`
	} `yaml:"routing"`
	Claim struct {
		MaxRetries    int    `yaml:"max_retries"`
		HistoryLimit  int    `yaml:"history_limit"`
		PlaybookLimit int    `yaml:"playbook_limit"`
		DirectoryFile string `yaml:"directory_file"`
	} `yaml:"claim"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with dl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns Default() if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level must be one of debug, info, warn, error")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("config.log.format must be json or console")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Bus.Buffer <= 0 {
		return fmt.Errorf("config.bus.buffer must be positive")
	}
	if c.Bus.Redis.Addr != "" && c.Bus.Redis.Stream == "" {
		return fmt.Errorf("config.bus.redis.stream is required when redis is enabled")
	}
	if len(c.Bus.Kafka.Brokers) > 0 && c.Bus.Kafka.Topic == "" {
		return fmt.Errorf("config.bus.kafka.topic is required when kafka is enabled")
	}
	if c.Ingest.DistributedLock && c.Bus.Redis.Addr == "" {
		return fmt.Errorf("config.ingest.distributed_lock requires config.bus.redis.addr")
	}
	if c.Ingest.HTTPTimeoutSeconds <= 0 {
		return fmt.Errorf("config.ingest.http_timeout_seconds must be positive")
	}
	if c.Ingest.RetryCount < 0 {
		return fmt.Errorf("config.ingest.retry_count must not be negative")
	}
	if c.Ingest.LockTTLSeconds <= 0 {
		return fmt.Errorf("config.ingest.lock_ttl_seconds must be positive")
	}
	if c.Ingest.PollTickSeconds <= 0 {
		return fmt.Errorf("config.ingest.poll_tick_seconds must be positive")
	}
	if c.Routing.AutoRouteSeconds < 0 {
		return fmt.Errorf("config.routing.auto_route_seconds must not be negative")
	}
	if c.Claim.MaxRetries < 1 {
		return fmt.Errorf("config.claim.max_retries must be at least 1")
	}
	if c.Claim.HistoryLimit < 0 || c.Claim.PlaybookLimit < 0 {
		return fmt.Errorf("config.claim limits must not be negative")
	}
	return nil
}

// HTTPTimeout is the provider request timeout.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.Ingest.HTTPTimeoutSeconds) * time.Second
}

// LockTTL bounds how long a monitor poll may hold its lock.
func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.Ingest.LockTTLSeconds) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "deskline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config on top of the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `database:
  path: ""
  busy_timeout_ms: 5000

log:
  level: info
  format: json
  service: deskline

server:
  addr: ":8080"
  base_path: ""
  jwt_secret: ""
  allow_dev_tenant: false
  public_url: ""
  shutdown_seconds: 10

bus:
  buffer: 64
  redis:
    addr: ""
    stream: deskline:events
    max_len: 10000
  kafka:
    brokers: []
    topic: deskline.events

ingest:
  http_timeout_seconds: 15
  retry_count: 2
  lock_ttl_seconds: 120
  distributed_lock: false
  credential_prefix: DESKLINE_CRED_
  poll_tick_seconds: 30

routing:
  auto_route_seconds: 60
  lookup_url: ""

claim:
  max_retries: 5
  history_limit: 5
  playbook_limit: 3
  directory_file: ""
`
