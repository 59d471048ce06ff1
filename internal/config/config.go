package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	dbconfig "github.com/intelhome/envios/pkg/database"
)

// Config is the process-wide settings tree. Each section is handed to the
// component that owns it.
type Config struct {
	Database  *dbconfig.Config `yaml:"database"`
	HTTP      *HTTPConfig      `yaml:"http"`
	WebSocket *WebSocketConfig `yaml:"websocket"`
	Session   *SessionConfig   `yaml:"session"`
	Admission *AdmissionConfig `yaml:"admission"`
	Connector *ConnectorConfig `yaml:"connector"`
	Dispatch  *DispatchConfig  `yaml:"dispatch"`
	Relay     *RelayConfig     `yaml:"relay"`
	Broker    *BrokerConfig    `yaml:"broker"`
	Log       *LogConfig       `yaml:"log"`
}

type HTTPConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	Host         string        `yaml:"host"`
}

type WebSocketConfig struct {
	PingInterval time.Duration `yaml:"ping_interval"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	BufferSize   int           `yaml:"buffer_size"`
}

// SessionConfig tunes the per-tenant state machine.
type SessionConfig struct {
	InitTimeout          time.Duration `yaml:"init_timeout"`
	WatchdogGrace        time.Duration `yaml:"watchdog_grace"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	LogoutTimeout        time.Duration `yaml:"logout_timeout"`
	ShutdownTimeout      time.Duration `yaml:"shutdown_timeout"`
}

// AdmissionConfig bounds how many sessions start at once during restore.
type AdmissionConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	BatchDelay    time.Duration `yaml:"batch_delay"`
	SettleTimeout time.Duration `yaml:"settle_timeout"`
}

// ConnectorConfig describes the external session driver.
type ConnectorConfig struct {
	Command  string   `yaml:"command"`
	Args     []string `yaml:"args"`
	AuthDir  string   `yaml:"auth_dir"`
	CacheDir string   `yaml:"cache_dir"`
}

type DispatchConfig struct {
	CountryCode        string        `yaml:"country_code"`
	RateLimitPerMinute int           `yaml:"rate_limit_per_minute"`
	FetchTimeout       time.Duration `yaml:"fetch_timeout"`
	MaxFetchBytes      int64         `yaml:"max_fetch_bytes"`
}

// RelayConfig controls inbound delivery. An empty WebhookURL disables the webhook.
type RelayConfig struct {
	WebhookURL   string        `yaml:"webhook_url"`
	Timeout      time.Duration `yaml:"timeout"`
	IgnoredKinds []string      `yaml:"ignored_kinds"`
}

// BrokerConfig enables the AMQP mirror when URL is set.
type BrokerConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
	Producer string `yaml:"producer"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		Database: dbconfig.DefaultConfig(),
		HTTP: &HTTPConfig{
			Port:         3000,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			Host:         "0.0.0.0",
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 5 * time.Second,
			BufferSize:   100,
		},
		Session: &SessionConfig{
			InitTimeout:          90 * time.Second,
			WatchdogGrace:        45 * time.Second,
			ReconnectDelay:       5 * time.Second,
			MaxReconnectAttempts: 5,
			LogoutTimeout:        10 * time.Second,
			ShutdownTimeout:      30 * time.Second,
		},
		Admission: &AdmissionConfig{
			BatchSize:     3,
			BatchDelay:    5 * time.Second,
			SettleTimeout: 120 * time.Second,
		},
		Connector: &ConnectorConfig{
			Command:  "envios-driver",
			AuthDir:  "./data/auth",
			CacheDir: "./data/cache",
		},
		Dispatch: &DispatchConfig{
			CountryCode:   "593",
			FetchTimeout:  30 * time.Second,
			MaxFetchBytes: 16 << 20,
		},
		Relay: &RelayConfig{
			Timeout: 10 * time.Second,
			IgnoredKinds: []string{
				"e2e_notification",
				"notification_template",
				"gp2",
				"broadcast_notification",
				"call_log",
			},
		},
		Broker: &BrokerConfig{
			Exchange: "envios.events",
			Producer: "envios",
		},
		Log: &LogConfig{
			Level: "info",
		},
	}
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}

	if c.Session == nil {
		return fmt.Errorf("session configuration is required")
	}
	if c.Session.InitTimeout <= 0 || c.Session.WatchdogGrace <= 0 {
		return fmt.Errorf("session init timeout and watchdog grace must be positive")
	}
	if c.Session.ReconnectDelay < 0 {
		return fmt.Errorf("session reconnect delay cannot be negative")
	}
	if c.Session.MaxReconnectAttempts < 0 {
		return fmt.Errorf("session max reconnect attempts cannot be negative")
	}
	if c.Session.LogoutTimeout <= 0 || c.Session.ShutdownTimeout <= 0 {
		return fmt.Errorf("session logout and shutdown timeouts must be positive")
	}

	if c.Admission == nil {
		return fmt.Errorf("admission configuration is required")
	}
	if c.Admission.BatchSize <= 0 {
		return fmt.Errorf("admission batch size must be positive")
	}
	if c.Admission.BatchDelay < 0 || c.Admission.SettleTimeout <= 0 {
		return fmt.Errorf("admission delays must be valid")
	}

	if c.Connector == nil {
		return fmt.Errorf("connector configuration is required")
	}
	if c.Connector.Command == "" {
		return fmt.Errorf("connector command cannot be empty")
	}
	if c.Connector.AuthDir == "" || c.Connector.CacheDir == "" {
		return fmt.Errorf("connector auth and cache directories cannot be empty")
	}

	if c.Dispatch == nil {
		return fmt.Errorf("dispatch configuration is required")
	}
	if c.Dispatch.CountryCode == "" || strings.Trim(c.Dispatch.CountryCode, "0123456789") != "" {
		return fmt.Errorf("dispatch country code must be digits")
	}
	if c.Dispatch.RateLimitPerMinute < 0 {
		return fmt.Errorf("dispatch rate limit cannot be negative")
	}

	if c.Relay == nil {
		return fmt.Errorf("relay configuration is required")
	}
	if c.Relay.Timeout <= 0 {
		return fmt.Errorf("relay timeout must be positive")
	}

	if c.Broker == nil {
		return fmt.Errorf("broker configuration is required")
	}
	if c.Broker.URL != "" && c.Broker.Exchange == "" {
		return fmt.Errorf("broker exchange is required when broker url is set")
	}

	if c.Log == nil {
		return fmt.Errorf("log configuration is required")
	}

	return nil
}

// LoadFromEnv overlays ENVIOS_* variables onto the defaults. Unparsable values
// are ignored.
func LoadFromEnv() *Config {
	config := DefaultConfig()
	applyEnv(config)
	return config
}

func applyEnv(config *Config) {
	envString("ENVIOS_DATABASE_PATH", &config.Database.DatabasePath)
	envDuration("ENVIOS_DATABASE_WRITE_TIMEOUT", &config.Database.WriteTimeout)

	envInt("ENVIOS_HTTP_PORT", &config.HTTP.Port)
	envString("ENVIOS_HTTP_HOST", &config.HTTP.Host)
	envDuration("ENVIOS_HTTP_READ_TIMEOUT", &config.HTTP.ReadTimeout)
	envDuration("ENVIOS_HTTP_WRITE_TIMEOUT", &config.HTTP.WriteTimeout)

	envDuration("ENVIOS_WEBSOCKET_PING_INTERVAL", &config.WebSocket.PingInterval)
	envDuration("ENVIOS_WEBSOCKET_READ_TIMEOUT", &config.WebSocket.ReadTimeout)
	envDuration("ENVIOS_WEBSOCKET_WRITE_TIMEOUT", &config.WebSocket.WriteTimeout)
	envInt("ENVIOS_WEBSOCKET_BUFFER_SIZE", &config.WebSocket.BufferSize)

	envDuration("ENVIOS_SESSION_INIT_TIMEOUT", &config.Session.InitTimeout)
	envDuration("ENVIOS_SESSION_WATCHDOG_GRACE", &config.Session.WatchdogGrace)
	envDuration("ENVIOS_SESSION_RECONNECT_DELAY", &config.Session.ReconnectDelay)
	envInt("ENVIOS_SESSION_MAX_RECONNECT_ATTEMPTS", &config.Session.MaxReconnectAttempts)
	envDuration("ENVIOS_SESSION_SHUTDOWN_TIMEOUT", &config.Session.ShutdownTimeout)

	envInt("ENVIOS_ADMISSION_BATCH_SIZE", &config.Admission.BatchSize)
	envDuration("ENVIOS_ADMISSION_BATCH_DELAY", &config.Admission.BatchDelay)
	envDuration("ENVIOS_ADMISSION_SETTLE_TIMEOUT", &config.Admission.SettleTimeout)

	envString("ENVIOS_CONNECTOR_COMMAND", &config.Connector.Command)
	if args := os.Getenv("ENVIOS_CONNECTOR_ARGS"); args != "" {
		config.Connector.Args = strings.Fields(args)
	}
	envString("ENVIOS_CONNECTOR_AUTH_DIR", &config.Connector.AuthDir)
	envString("ENVIOS_CONNECTOR_CACHE_DIR", &config.Connector.CacheDir)

	envString("ENVIOS_DISPATCH_COUNTRY_CODE", &config.Dispatch.CountryCode)
	envInt("ENVIOS_DISPATCH_RATE_LIMIT_PER_MINUTE", &config.Dispatch.RateLimitPerMinute)

	envString("ENVIOS_RELAY_WEBHOOK_URL", &config.Relay.WebhookURL)
	envDuration("ENVIOS_RELAY_TIMEOUT", &config.Relay.Timeout)

	envString("ENVIOS_BROKER_URL", &config.Broker.URL)
	envString("ENVIOS_BROKER_EXCHANGE", &config.Broker.Exchange)

	envString("ENVIOS_LOG_LEVEL", &config.Log.Level)
	envBool("ENVIOS_LOG_PRETTY", &config.Log.Pretty)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// LoadFromFile reads a YAML (or JSON) file over the defaults. Fields missing
// from the file keep their default values; durations are written as strings
// such as "5s".
func LoadFromFile(filepath string) (*Config, error) {
	return decodeFile(filepath, DefaultConfig())
}

func decodeFile(filepath string, base *Config) (*Config, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filepath, err)
	}

	if err := yaml.Unmarshal(data, base); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filepath, err)
	}
	base.fillMissingSections()

	if err := base.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", filepath, err)
	}

	return base, nil
}

// fillMissingSections restores sections a file explicitly set to null.
func (c *Config) fillMissingSections() {
	defaults := DefaultConfig()
	if c.Database == nil {
		c.Database = defaults.Database
	}
	if c.HTTP == nil {
		c.HTTP = defaults.HTTP
	}
	if c.WebSocket == nil {
		c.WebSocket = defaults.WebSocket
	}
	if c.Session == nil {
		c.Session = defaults.Session
	}
	if c.Admission == nil {
		c.Admission = defaults.Admission
	}
	if c.Connector == nil {
		c.Connector = defaults.Connector
	}
	if c.Dispatch == nil {
		c.Dispatch = defaults.Dispatch
	}
	if c.Relay == nil {
		c.Relay = defaults.Relay
	}
	if c.Broker == nil {
		c.Broker = defaults.Broker
	}
	if c.Log == nil {
		c.Log = defaults.Log
	}
}

// LoadConfigWithPrecedence resolves file > environment > defaults. A file
// that cannot be loaded is reported and the environment result is returned.
func LoadConfigWithPrecedence(filepath string) (*Config, error) {
	if filepath == "" {
		return LoadFromEnv(), nil
	}

	config, err := decodeFile(filepath, LoadFromEnv())
	if err != nil {
		return LoadFromEnv(), err
	}
	return config, nil
}
