package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/ultimaops/backend-datalink/pkg/broker"
	"github.com/ultimaops/backend-datalink/pkg/sysdata"
	"github.com/ultimaops/backend-datalink/pkg/wsserver"
)

// ValidationError names the configuration field that failed its range
// check
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// DatabaseConfig controls the embedded store
type DatabaseConfig struct {
	Path           string `mapstructure:"path"`
	Enabled        bool   `mapstructure:"enabled"`
	LogConnections bool   `mapstructure:"log_connections"`
	LogMessages    bool   `mapstructure:"log_messages"`
}

// Config is the full gateway configuration document
type Config struct {
	WebSocket  wsserver.Config `mapstructure:"websocket"`
	Database   DatabaseConfig  `mapstructure:"database"`
	SystemData sysdata.Config  `mapstructure:"system_data"`

	// Broker is optional; when absent the gateway runs in
	// dashboard-only mode without the RPC pipeline
	Broker *broker.Config `mapstructure:"broker"`
}

// Load reads the JSON document at path, applies defaults and
// validates every range exactly
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	v.SetDefault("websocket.host", "0.0.0.0")
	v.SetDefault("websocket.port", 8765)
	v.SetDefault("websocket.max_connections", 100)
	v.SetDefault("websocket.timeout_ms", 30000)
	v.SetDefault("websocket.enable_logging", true)
	v.SetDefault("database.path", "datalink.db")
	v.SetDefault("broker.qos", broker.DefaultQoS)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	// The broker.qos default materializes a broker section even when
	// the document has none; only an explicit section enables it
	if !v.InConfig("broker") {
		cfg.Broker = nil
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset optional values on the nested sections
func (c *Config) ApplyDefaults() {
	c.SystemData.ApplyDefaults()
	if c.Broker != nil {
		c.Broker.ApplyDefaults()
	}
}

// Validate applies the exact documented ranges; the first violation
// is returned as a ValidationError
func (c *Config) Validate() error {
	if err := c.WebSocket.Validate(); err != nil {
		return &ValidationError{Field: "websocket", Reason: err.Error()}
	}
	if c.Database.Enabled && c.Database.Path == "" {
		return &ValidationError{Field: "database.path", Reason: "must not be empty when the database is enabled"}
	}
	if err := c.SystemData.Validate(); err != nil {
		return &ValidationError{Field: "system_data", Reason: err.Error()}
	}
	if c.Broker != nil {
		if err := c.Broker.Validate(); err != nil {
			return &ValidationError{Field: "broker", Reason: err.Error()}
		}
	}
	return nil
}
