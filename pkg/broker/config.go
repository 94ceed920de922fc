package broker

import "fmt"

// Defaults applied by ApplyDefaults
const (
	defaultKeepalive = 60

	// DefaultQoS is applied at configuration load when the file does
	// not set broker.qos; an explicit qos of 0 is respected
	DefaultQoS = 1

	defaultConnectTimeout    = 10
	defaultMessageTimeout    = 30
	defaultReconnectDelayMin = 1
	defaultReconnectDelayMax = 60
	defaultHeartbeatInterval = 30
)

// HeartbeatConfig controls the periodic liveness publish
type HeartbeatConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Topic           string `mapstructure:"topic"`
	IntervalSeconds int    `mapstructure:"interval_seconds"`
	Payload         string `mapstructure:"payload"`
}

// Config holds every broker client option. Zero values are filled in
// by ApplyDefaults before validation.
type Config struct {
	// Connection
	BrokerHost   string `mapstructure:"broker_host"`
	BrokerPort   int    `mapstructure:"broker_port"`
	ClientID     string `mapstructure:"client_id"`
	Keepalive    int    `mapstructure:"keepalive"`
	CleanSession bool   `mapstructure:"clean_session"`
	QoS          int    `mapstructure:"qos"`

	// Credentials; applied only when at least one is set
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	// TLS
	UseTLS      bool   `mapstructure:"use_tls"`
	CAFile      string `mapstructure:"ca_file"`
	CertFile    string `mapstructure:"cert_file"`
	KeyFile     string `mapstructure:"key_file"`
	TLSVersion  string `mapstructure:"tls_version"`
	TLSInsecure bool   `mapstructure:"tls_insecure"`

	// Timeouts, seconds
	ConnectTimeout int `mapstructure:"connect_timeout"`
	MessageTimeout int `mapstructure:"message_timeout"`

	// Reconnect, seconds; the broker library retries with bounded
	// exponential backoff between the two delays
	AutoReconnect     bool `mapstructure:"auto_reconnect"`
	ReconnectDelayMin int  `mapstructure:"reconnect_delay_min"`
	ReconnectDelayMax int  `mapstructure:"reconnect_delay_max"`

	// Topic lists. Subscriptions are re-applied on every (re)connect;
	// publications are descriptive for higher layers.
	Subscriptions []string `mapstructure:"subscriptions"`
	Publications  []string `mapstructure:"publications"`

	Topics    TopicConfig     `mapstructure:"topics"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Relay     RelayConfig     `mapstructure:"relay"`
}

// ApplyDefaults fills unset options with their documented defaults
func (c *Config) ApplyDefaults() {
	if c.Keepalive == 0 {
		c.Keepalive = defaultKeepalive
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.MessageTimeout == 0 {
		c.MessageTimeout = defaultMessageTimeout
	}
	if c.ReconnectDelayMin == 0 {
		c.ReconnectDelayMin = defaultReconnectDelayMin
	}
	if c.ReconnectDelayMax == 0 {
		c.ReconnectDelayMax = defaultReconnectDelayMax
	}
	if c.Heartbeat.Enabled && c.Heartbeat.IntervalSeconds == 0 {
		c.Heartbeat.IntervalSeconds = defaultHeartbeatInterval
	}
	if c.Topics.RequestSuffix == "" {
		c.Topics.RequestSuffix = "request"
	}
	if c.Topics.ResponseSuffix == "" {
		c.Topics.ResponseSuffix = "response"
	}
	if c.Topics.NotificationSuffix == "" {
		c.Topics.NotificationSuffix = "notification"
	}
}

// Validate checks option ranges. Call ApplyDefaults first.
func (c Config) Validate() error {
	if c.BrokerHost == "" {
		return fmt.Errorf("broker.broker_host must not be empty")
	}
	if c.BrokerPort < 1 || c.BrokerPort > 65535 {
		return fmt.Errorf("broker.broker_port must be in [1,65535], got %d", c.BrokerPort)
	}
	if c.ClientID == "" {
		return fmt.Errorf("broker.client_id must not be empty")
	}
	if c.QoS != 0 && c.QoS != 1 {
		return fmt.Errorf("broker.qos must be 0 or 1, got %d", c.QoS)
	}
	if c.ReconnectDelayMin > c.ReconnectDelayMax {
		return fmt.Errorf("broker.reconnect_delay_min %d exceeds reconnect_delay_max %d",
			c.ReconnectDelayMin, c.ReconnectDelayMax)
	}
	if c.Heartbeat.Enabled && c.Heartbeat.Topic == "" {
		return fmt.Errorf("broker.heartbeat.topic must not be empty when heartbeat is enabled")
	}
	if c.Relay.Enabled {
		if err := c.Relay.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// BrokerURL renders the paho connection URL
func (c Config) BrokerURL() string {
	scheme := "tcp"
	if c.UseTLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.BrokerHost, c.BrokerPort)
}
