// Package log provides structured logging for the gateway using
// zerolog.
//
// Init configures the package-level Logger once at startup (level,
// JSON or console output); every subsystem then derives a scoped
// child through WithComponent, WithConnectionID or WithWorkerID so
// log lines carry their origin:
//
//	logger := log.WithComponent("broker")
//	logger.Info().Str("topic", topic).Msg("Subscribed")
//
// Component loggers are plain zerolog.Logger values; callers may
// raise their level independently, which is how the WebSocket
// server's enable_logging switch silences only its own output.
package log
