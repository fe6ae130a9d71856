// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultSystem is registered implicitly by the notification manager.
	DefaultSystem = "main"
	// DefaultEndpoint is the poll endpoint of the default system.
	DefaultEndpoint = "/api/uinotifications"

	defaultHistoryCount     = 10
	defaultRetryInterval    = 10 * time.Second
	defaultMaxRetryInterval = time.Minute
	defaultJournalQueue     = 1024
)

// NotificationsConfig tunes history depth and retry behaviour for every system.
type NotificationsConfig struct {
	HistoryCount     int           `yaml:"historyCount"`
	RetryInterval    time.Duration `yaml:"retryInterval"`
	RetryMode        RetryMode     `yaml:"retryMode"`
	MaxRetryInterval time.Duration `yaml:"maxRetryInterval"`
	DefaultEndpoint  string        `yaml:"defaultEndpoint"`
	BaseURL          string        `yaml:"baseURL,omitempty"`
	JournalQueue     int           `yaml:"journalQueue"`
}

// SystemConfig describes one backend system and how it is polled.
type SystemConfig struct {
	Endpoint        string            `yaml:"endpoint"`
	Transport       TransportKind     `yaml:"transport"`
	MinPollInterval time.Duration     `yaml:"minPollInterval"`
	RequestTimeout  time.Duration     `yaml:"requestTimeout"`
	Headers         map[string]string `yaml:"headers,omitempty"`
}

// SubscriptionConfig declares a topic subscribed at startup.
type SubscriptionConfig struct {
	System string `yaml:"system" json:"system"`
	Topic  string `yaml:"topic" json:"topic"`
	Once   bool   `yaml:"once,omitempty" json:"once,omitempty"`
}

// APIServerConfig configures the client's HTTP control surface.
type APIServerConfig struct {
	Addr string `yaml:"addr"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	Enabled           bool          `yaml:"enabled"`
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
	MigrationsPath    string        `yaml:"migrationsPath"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/uinotify"
	}
	c.MigrationsPath = strings.TrimSpace(c.MigrationsPath)
	if c.MaxConns <= 0 {
		c.MaxConns = 4
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
	if !c.Enabled {
		return nil
	}
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

// AppConfig is the unified client configuration sourced from YAML.
type AppConfig struct {
	Environment   Environment             `yaml:"environment"`
	Notifications NotificationsConfig     `yaml:"notifications"`
	Systems       map[string]SystemConfig `yaml:"systems"`
	Subscriptions []SubscriptionConfig    `yaml:"subscriptions"`
	APIServer     APIServerConfig         `yaml:"apiServer"`
	Telemetry     TelemetryConfig         `yaml:"telemetry"`
	Database      DatabaseConfig          `yaml:"database"`
}

// DefaultAppConfig returns a configuration that polls the default system over HTTP.
func DefaultAppConfig() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		Notifications: NotificationsConfig{
			HistoryCount:     defaultHistoryCount,
			RetryInterval:    defaultRetryInterval,
			RetryMode:        RetryConstant,
			MaxRetryInterval: defaultMaxRetryInterval,
			DefaultEndpoint:  DefaultEndpoint,
			BaseURL:          "",
			JournalQueue:     defaultJournalQueue,
		},
		Systems:       map[string]SystemConfig{},
		Subscriptions: nil,
		APIServer:     APIServerConfig{Addr: ":8881"},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:  "",
			ServiceName:   "uinotify",
			OTLPInsecure:  false,
			EnableMetrics: false,
		},
		Database: DatabaseConfig{},
	}
	_ = cfg.normalise()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(bytes)
}

// Parse decodes YAML onto the defaults, then normalises and validates the result.
func Parse(data []byte) (AppConfig, error) {
	cfg := DefaultAppConfig()
	cfg.Systems = nil
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadOrDefault loads configPath when it exists and falls back to DefaultAppConfig otherwise.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	if strings.TrimSpace(configPath) == "" {
		return DefaultAppConfig(), false, nil
	}
	if _, err := os.Stat(filepath.Clean(strings.TrimSpace(configPath))); err != nil {
		if os.IsNotExist(err) {
			return DefaultAppConfig(), false, nil
		}
		return AppConfig{}, false, fmt.Errorf("stat app config: %w", err)
	}
	cfg, err := Load(ctx, configPath)
	if err != nil {
		return AppConfig{}, false, err
	}
	return cfg, true, nil
}

// Save writes the configuration as YAML, replacing path atomically.
func (c AppConfig) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	clean := filepath.Clean(strings.TrimSpace(path))
	tmp := clean + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, clean); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// Clone returns a deep copy of the configuration.
func (c AppConfig) Clone() AppConfig {
	clone := c
	if c.Systems != nil {
		clone.Systems = make(map[string]SystemConfig, len(c.Systems))
		for name, system := range c.Systems {
			if system.Headers != nil {
				headers := make(map[string]string, len(system.Headers))
				for k, v := range system.Headers {
					headers[k] = v
				}
				system.Headers = headers
			}
			clone.Systems[name] = system
		}
	}
	if c.Subscriptions != nil {
		clone.Subscriptions = append([]SubscriptionConfig(nil), c.Subscriptions...)
	}
	return clone
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "uinotify"
	}

	n := &c.Notifications
	if n.HistoryCount == 0 {
		n.HistoryCount = defaultHistoryCount
	}
	if n.RetryInterval == 0 {
		n.RetryInterval = defaultRetryInterval
	}
	n.RetryMode = normalizeKind(n.RetryMode, RetryConstant)
	if n.MaxRetryInterval == 0 {
		n.MaxRetryInterval = defaultMaxRetryInterval
	}
	n.DefaultEndpoint = strings.TrimSpace(n.DefaultEndpoint)
	if n.DefaultEndpoint == "" {
		n.DefaultEndpoint = DefaultEndpoint
	}
	n.BaseURL = strings.TrimSpace(n.BaseURL)
	if n.JournalQueue == 0 {
		n.JournalQueue = defaultJournalQueue
	}

	systems := make(map[string]SystemConfig, len(c.Systems)+1)
	for name, system := range c.Systems {
		key := normalizeSystemName(name)
		if _, exists := systems[key]; exists {
			return fmt.Errorf("duplicate system name %q", key)
		}
		system.Endpoint = strings.TrimSpace(system.Endpoint)
		system.Transport = normalizeKind(system.Transport, TransportHTTP)
		systems[key] = system
	}
	if _, ok := systems[DefaultSystem]; !ok {
		systems[DefaultSystem] = SystemConfig{
			Endpoint:        n.DefaultEndpoint,
			Transport:       TransportHTTP,
			MinPollInterval: 0,
			RequestTimeout:  0,
			Headers:         nil,
		}
	}
	c.Systems = systems

	subs := make([]SubscriptionConfig, 0, len(c.Subscriptions))
	seen := make(map[SubscriptionConfig]struct{}, len(c.Subscriptions))
	for _, sub := range c.Subscriptions {
		sub.System = normalizeSystemName(sub.System)
		if sub.System == "" {
			sub.System = DefaultSystem
		}
		sub.Topic = strings.TrimSpace(sub.Topic)
		if _, dup := seen[sub]; dup {
			continue
		}
		seen[sub] = struct{}{}
		subs = append(subs, sub)
	}
	c.Subscriptions = subs

	c.Database.applyDefaults()
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	n := c.Notifications
	if n.HistoryCount <= 0 {
		return fmt.Errorf("notifications historyCount must be >0")
	}
	if n.RetryInterval <= 0 {
		return fmt.Errorf("notifications retryInterval must be >0")
	}
	switch n.RetryMode {
	case RetryConstant:
	case RetryExponential:
		if n.MaxRetryInterval < n.RetryInterval {
			return fmt.Errorf("notifications maxRetryInterval must be >= retryInterval")
		}
	default:
		return fmt.Errorf("notifications retryMode must be one of constant, exponential")
	}
	if n.JournalQueue <= 0 {
		return fmt.Errorf("notifications journalQueue must be >0")
	}
	if n.BaseURL != "" {
		if _, err := url.ParseRequestURI(n.BaseURL); err != nil {
			return fmt.Errorf("notifications baseURL: %w", err)
		}
	}

	for name, system := range c.Systems {
		if name == "" {
			return fmt.Errorf("system name required")
		}
		if system.Endpoint == "" {
			return fmt.Errorf("system %s: endpoint required", name)
		}
		switch system.Transport {
		case TransportHTTP, TransportFake:
		case TransportWebSocket:
			if !strings.HasPrefix(system.Endpoint, "ws://") && !strings.HasPrefix(system.Endpoint, "wss://") {
				return fmt.Errorf("system %s: websocket endpoint must use ws:// or wss://", name)
			}
		default:
			return fmt.Errorf("system %s: transport must be one of http, websocket, fake", name)
		}
		if system.MinPollInterval < 0 || system.RequestTimeout < 0 {
			return fmt.Errorf("system %s: intervals must be >=0", name)
		}
	}

	for idx, sub := range c.Subscriptions {
		if sub.Topic == "" {
			return fmt.Errorf("subscriptions[%d]: topic required", idx)
		}
		if _, ok := c.Systems[sub.System]; !ok {
			return fmt.Errorf("subscriptions[%d]: unknown system %q", idx, sub.System)
		}
	}

	if strings.TrimSpace(c.APIServer.Addr) == "" {
		return fmt.Errorf("apiServer addr required")
	}
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
