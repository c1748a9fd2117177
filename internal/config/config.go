package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"iotc-bridge/internal/types"
)

// Config represents the bridge configuration
type Config struct {
	// Device identity
	DeviceID string `mapstructure:"device_id"`
	IDScope  string `mapstructure:"id_scope"`
	GroupKey string `mapstructure:"group_key"` // base64 group enrollment key

	// Local bus, passed through to the relay
	MQTTBroker string `mapstructure:"mqtt_broker"`
	MQTTTopic  string `mapstructure:"mqtt_topic"`

	// Provisioning service
	ProvisioningEndpoint    string `mapstructure:"provisioning_endpoint"`
	APIVersion              string `mapstructure:"api_version"`
	PollAttempts            int    `mapstructure:"poll_attempts"`
	PollInterval            int    `mapstructure:"poll_interval"`             // milliseconds
	MinRegistrationInterval int    `mapstructure:"min_registration_interval"` // seconds
	TokenTTL                int    `mapstructure:"token_ttl"`                 // seconds
	RequestTimeout          int    `mapstructure:"request_timeout"`           // seconds
	HTTPRetries             int    `mapstructure:"http_retries"`

	// Startup provisioning retries performed by the bridge after a
	// retryable failure
	ProvisionRetries int `mapstructure:"provision_retries"`

	// Logging configuration
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`

	StatusAPI StatusAPIConfig `mapstructure:"status_api"`
}

// StatusAPIConfig configures the local provisioning status API
type StatusAPIConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		ProvisioningEndpoint:    "https://global.azure-devices-provisioning.net",
		APIVersion:              "2018-11-01",
		PollAttempts:            10,
		PollInterval:            2000,
		MinRegistrationInterval: 60,
		TokenTTL:                3600,
		RequestTimeout:          30,
		HTTPRetries:             0,
		ProvisionRetries:        3,
		LogLevel:                "info",
		LogFile:                 "",
		StatusAPI: StatusAPIConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    8081,
		},
	}
}

// envAliases binds config keys to the environment variable names used by
// existing deployments, in addition to the BRIDGE_ prefixed form
var envAliases = map[string]string{
	"id_scope":    "ID_SCOPE",
	"group_key":   "IOTC_SAS_KEY",
	"device_id":   "DEVICE_ID",
	"mqtt_broker": "MQTT_BROKER",
	"mqtt_topic":  "MQTT_TOPIC",
}

// Load loads configuration from file and environment variables
func Load(configFile string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	setDefaults(v, cfg)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/iotc-bridge")

		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".iotc-bridge"))
		}
	}

	v.SetEnvPrefix("BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, alias := range envAliases {
		envName := "BRIDGE_" + strings.ToUpper(key)
		if err := v.BindEnv(key, envName, alias); err != nil {
			return nil, fmt.Errorf("failed to bind env %s: %w", alias, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, env and defaults still apply
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values in viper
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("device_id", cfg.DeviceID)
	v.SetDefault("id_scope", cfg.IDScope)
	v.SetDefault("group_key", cfg.GroupKey)
	v.SetDefault("mqtt_broker", cfg.MQTTBroker)
	v.SetDefault("mqtt_topic", cfg.MQTTTopic)
	v.SetDefault("provisioning_endpoint", cfg.ProvisioningEndpoint)
	v.SetDefault("api_version", cfg.APIVersion)
	v.SetDefault("poll_attempts", cfg.PollAttempts)
	v.SetDefault("poll_interval", cfg.PollInterval)
	v.SetDefault("min_registration_interval", cfg.MinRegistrationInterval)
	v.SetDefault("token_ttl", cfg.TokenTTL)
	v.SetDefault("request_timeout", cfg.RequestTimeout)
	v.SetDefault("http_retries", cfg.HTTPRetries)
	v.SetDefault("provision_retries", cfg.ProvisionRetries)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_file", cfg.LogFile)
	v.SetDefault("status_api.enabled", cfg.StatusAPI.Enabled)
	v.SetDefault("status_api.host", cfg.StatusAPI.Host)
	v.SetDefault("status_api.port", cfg.StatusAPI.Port)
	v.SetDefault("status_api.jwt_secret", cfg.StatusAPI.JWTSecret)
}

// Validate validates the shape of the configuration. Missing device
// identity is not an error here; see ValidateProvisioning.
func (c *Config) Validate() error {
	if c.ProvisioningEndpoint == "" {
		return fmt.Errorf("provisioning_endpoint is required")
	}

	u, err := url.Parse(c.ProvisioningEndpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("provisioning_endpoint must be an absolute URL")
	}

	if c.APIVersion == "" {
		return fmt.Errorf("api_version is required")
	}

	if c.PollAttempts <= 0 {
		return fmt.Errorf("poll_attempts must be positive")
	}

	if c.PollInterval < 0 {
		return fmt.Errorf("poll_interval must not be negative")
	}

	if c.MinRegistrationInterval < 0 {
		return fmt.Errorf("min_registration_interval must not be negative")
	}

	if c.TokenTTL <= 0 {
		return fmt.Errorf("token_ttl must be positive")
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}

	if c.HTTPRetries < 0 || c.ProvisionRetries < 0 {
		return fmt.Errorf("retry counts must not be negative")
	}

	if c.StatusAPI.Enabled && (c.StatusAPI.Port <= 0 || c.StatusAPI.Port > 65535) {
		return fmt.Errorf("status_api.port must be between 1 and 65535")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("log_level must be one of: debug, info, warn, error")
	}

	return nil
}

// ValidateProvisioning checks that the values needed to derive a device key
// and register are present. It must pass before any derivation is tried.
func (c *Config) ValidateProvisioning() error {
	var missing []string
	if c.IDScope == "" {
		missing = append(missing, "id_scope (ID_SCOPE)")
	}
	if c.GroupKey == "" {
		missing = append(missing, "group_key (IOTC_SAS_KEY)")
	}
	if c.DeviceID == "" {
		missing = append(missing, "device_id (DEVICE_ID)")
	}

	if len(missing) > 0 {
		return types.NewProvisioningError(types.KindConfigurationMissing, c.DeviceID,
			fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", ")))
	}

	return nil
}

// PollIntervalDuration returns the delay before each status poll
func (c *Config) PollIntervalDuration() time.Duration {
	return time.Duration(c.PollInterval) * time.Millisecond
}

// MinRegistrationIntervalDuration returns the per-device registration cool-down
func (c *Config) MinRegistrationIntervalDuration() time.Duration {
	return time.Duration(c.MinRegistrationInterval) * time.Second
}

// TokenTTLDuration returns the SAS token lifetime
func (c *Config) TokenTTLDuration() time.Duration {
	return time.Duration(c.TokenTTL) * time.Second
}

// RequestTimeoutDuration returns the per-request HTTP timeout
func (c *Config) RequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}
