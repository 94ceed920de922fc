package sysdata

import "fmt"

// Config controls the host-metrics collector
type Config struct {
	Enabled                       bool `mapstructure:"enabled" json:"enabled"`
	PollIntervalSeconds           int  `mapstructure:"poll_interval_seconds" json:"poll_interval_seconds"`
	DatabaseUpdateIntervalSeconds int  `mapstructure:"database_update_interval_seconds" json:"database_update_interval_seconds"`

	// Per-category log switches; the interval is the number of polls
	// between log lines for that category
	LogSystem  bool `mapstructure:"log_system" json:"log_system"`
	LogRAM     bool `mapstructure:"log_ram" json:"log_ram"`
	LogSwap    bool `mapstructure:"log_swap" json:"log_swap"`
	LogNetwork bool `mapstructure:"log_network" json:"log_network"`

	SystemLogInterval  int `mapstructure:"system_log_interval" json:"system_log_interval"`
	RAMLogInterval     int `mapstructure:"ram_log_interval" json:"ram_log_interval"`
	SwapLogInterval    int `mapstructure:"swap_log_interval" json:"swap_log_interval"`
	NetworkLogInterval int `mapstructure:"network_log_interval" json:"network_log_interval"`
}

// ApplyDefaults fills unset intervals
func (c *Config) ApplyDefaults() {
	if c.PollIntervalSeconds == 0 {
		c.PollIntervalSeconds = 5
	}
	if c.DatabaseUpdateIntervalSeconds == 0 {
		c.DatabaseUpdateIntervalSeconds = 60
	}
	if c.SystemLogInterval == 0 {
		c.SystemLogInterval = 12
	}
	if c.RAMLogInterval == 0 {
		c.RAMLogInterval = 12
	}
	if c.SwapLogInterval == 0 {
		c.SwapLogInterval = 12
	}
	if c.NetworkLogInterval == 0 {
		c.NetworkLogInterval = 12
	}
}

// Validate checks interval ranges
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.PollIntervalSeconds < 1 {
		return fmt.Errorf("poll_interval_seconds must be >= 1, got %d", c.PollIntervalSeconds)
	}
	if c.DatabaseUpdateIntervalSeconds < 1 {
		return fmt.Errorf("database_update_interval_seconds must be >= 1, got %d", c.DatabaseUpdateIntervalSeconds)
	}
	for name, v := range map[string]int{
		"system_log_interval":  c.SystemLogInterval,
		"ram_log_interval":     c.RAMLogInterval,
		"swap_log_interval":    c.SwapLogInterval,
		"network_log_interval": c.NetworkLogInterval,
	} {
		if v < 1 {
			return fmt.Errorf("%s must be >= 1, got %d", name, v)
		}
	}
	return nil
}
