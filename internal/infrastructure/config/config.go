package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for devlink.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Dashboard DashboardConfig `yaml:"dashboard"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Cloud     CloudConfig     `yaml:"cloud"`
	Pairing   PairingConfig   `yaml:"pairing"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Security  SecurityConfig  `yaml:"security"`
}

// DashboardConfig describes the page that hosts the dashboard.
type DashboardConfig struct {
	// Origin is the scheme and host the dashboard is served from
	// (e.g. "http://192.168.4.1"). Relative channel URLs resolve against it.
	Origin string `yaml:"origin"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains settings for the dashboard WebSocket hub.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// CloudConfig contains settings for the cloud relay and claim endpoint.
type CloudConfig struct {
	// BaseURL is the default relay written to devices by set_cloud and
	// used for claim redemption when the caller does not supply one.
	BaseURL string `yaml:"base_url"`

	// DefaultTunnel is the tunnel key used when none is requested.
	DefaultTunnel string `yaml:"default_tunnel"`

	// RequestTimeout bounds a single claim request (seconds).
	RequestTimeout int `yaml:"request_timeout"`
}

// PairingConfig contains onboarding timings and the control-channel transport.
type PairingConfig struct {
	// Transport selects the short-range transport: "none" or "mqtt".
	// With "none" every pairing attempt fails as unsupported.
	Transport string `yaml:"transport"`

	// GatewayID names the BLE gateway when Transport is "mqtt".
	GatewayID string `yaml:"gateway_id"`

	// PollInterval is the delay between get_status polls.
	PollInterval time.Duration `yaml:"poll_interval"`

	// WifiDeadline bounds the wait for the device to obtain an address.
	WifiDeadline time.Duration `yaml:"wifi_deadline"`

	// SettleDelay is the fixed wait after provisioning during first-time setup.
	SettleDelay time.Duration `yaml:"settle_delay"`

	// ResponseTimeout bounds one control-channel read on the gateway transport.
	ResponseTimeout time.Duration `yaml:"response_timeout"`
}

// ChannelsConfig contains channel registry timings.
type ChannelsConfig struct {
	DebounceWindow   time.Duration `yaml:"debounce_window"`
	ReconnectDelay   time.Duration `yaml:"reconnect_delay"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// DiscoveryConfig contains mDNS lookup settings.
type DiscoveryConfig struct {
	Enabled bool          `yaml:"enabled"`
	Service string        `yaml:"service"`
	Domain  string        `yaml:"domain"`
	Timeout time.Duration `yaml:"timeout"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings.
// An empty Secret disables bearer authentication on the API.
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// minJWTSecretLength is the shortest HMAC secret accepted when auth is enabled.
const minJWTSecretLength = 32

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: DEVLINK_SECTION_KEY
// For example: DEVLINK_DATABASE_PATH, DEVLINK_CLOUD_BASE_URL
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration with environment overrides applied.
// It is used when no config file exists.
func Default() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	return cfg
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Dashboard: DashboardConfig{
			Origin: "http://localhost:8080",
		},
		Database: DatabaseConfig{
			Path:        "./data/devlink.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "devlink",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 120,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Cloud: CloudConfig{
			BaseURL:        "https://cloud.espwifi.io",
			DefaultTunnel:  "ws_control",
			RequestTimeout: 15,
		},
		Pairing: PairingConfig{
			Transport:       "none",
			PollInterval:    2 * time.Second,
			WifiDeadline:    45 * time.Second,
			SettleDelay:     3 * time.Second,
			ResponseTimeout: 10 * time.Second,
		},
		Channels: ChannelsConfig{
			DebounceWindow:   500 * time.Millisecond,
			ReconnectDelay:   2 * time.Second,
			HandshakeTimeout: 10 * time.Second,
		},
		Discovery: DiscoveryConfig{
			Service: "_ws._tcp",
			Domain:  "local.",
			Timeout: 3 * time.Second,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: DEVLINK_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DEVLINK_DASHBOARD_ORIGIN"); v != "" {
		cfg.Dashboard.Origin = v
	}

	if v := os.Getenv("DEVLINK_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("DEVLINK_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("DEVLINK_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("DEVLINK_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("DEVLINK_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	if v := os.Getenv("DEVLINK_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("DEVLINK_CLOUD_BASE_URL"); v != "" {
		cfg.Cloud.BaseURL = v
	}

	if v := os.Getenv("DEVLINK_PAIRING_GATEWAY_ID"); v != "" {
		cfg.Pairing.GatewayID = v
	}

	if v := os.Getenv("DEVLINK_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if u, err := url.Parse(c.Dashboard.Origin); err != nil || u.Host == "" {
		errs = append(errs, "dashboard.origin must be an absolute URL")
	}

	if u, err := url.Parse(c.Cloud.BaseURL); err != nil || u.Host == "" {
		errs = append(errs, "cloud.base_url must be an absolute URL")
	}

	switch c.Pairing.Transport {
	case "none", "":
	case "mqtt":
		if !c.MQTT.Enabled {
			errs = append(errs, "pairing.transport mqtt requires mqtt.enabled")
		}
		if c.Pairing.GatewayID == "" {
			errs = append(errs, "pairing.gateway_id is required for the mqtt transport")
		}
	default:
		errs = append(errs, fmt.Sprintf("pairing.transport %q is not supported", c.Pairing.Transport))
	}

	if c.Pairing.PollInterval <= 0 || c.Pairing.WifiDeadline <= 0 {
		errs = append(errs, "pairing.poll_interval and pairing.wifi_deadline must be positive")
	}

	if c.Channels.DebounceWindow < 0 || c.Channels.ReconnectDelay < 0 {
		errs = append(errs, "channels timings must not be negative")
	}

	if s := c.Security.JWT.Secret; s != "" && len(s) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters when set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
