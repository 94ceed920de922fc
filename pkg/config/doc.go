// Package config loads and validates the gateway's JSON configuration
// document.
//
// The document has up to four top-level objects:
//
//	{
//	  "websocket":   { "host", "port", "max_connections", "timeout_ms", "enable_logging" },
//	  "database":    { "path", "enabled", "log_connections", "log_messages" },
//	  "system_data": { "enabled", "poll_interval_seconds", ... },
//	  "broker":      { "broker_host", "broker_port", ..., "heartbeat", "relay" }
//	}
//
// The broker object is optional: a document without it configures a
// dashboard-only gateway with no RPC pipeline. Each section's options
// and ranges are owned by the package that consumes them; Load wires
// viper defaults, unmarshals into the composed Config and runs every
// section's Validate, converting the first failure into a
// ValidationError naming the offending field.
package config
