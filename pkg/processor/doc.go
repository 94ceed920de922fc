// Package processor validates and executes inbound JSON-RPC 2.0
// requests arriving over the broker transport.
//
// # Architecture
//
//	                      ┌──────────────────────────────┐
//	                      │          Processor           │
//	  inbound payload ───▶│  size / UTF-8 guard          │
//	  + response topic    │  envelope validation         │
//	                      │  shutdown gate               │
//	                      └──────────┬───────────────────┘
//	                                 │ dispatch
//	                                 ▼
//	                      ┌──────────────────────────────┐
//	                      │   pool worker (per request)  │
//	                      │   handler lookup + execute   │
//	                      │   response envelope publish  │
//	                      └──────────────────────────────┘
//
// # Validation
//
// A request is accepted only when the payload is at most one mebibyte
// of valid UTF-8 and the envelope satisfies JSON-RPC 2.0: jsonrpc is
// exactly "2.0", method is a string, params is an object, and id is a
// string or number. Oversized or non-UTF-8 payloads are dropped with
// no reply at all; every other violation produces an error reply with
// code -1 and a reason message. When the id itself is unusable the
// reply carries the literal id "unknown" so callers can still
// correlate the failure.
//
// # Execution
//
// Each valid request runs on its own pool worker so a slow handler
// never blocks validation of the next request. Worker IDs are tracked
// in an in-flight set; Shutdown flips the refuse gate (new requests
// get a "Server is shutting down" reply), then joins every tracked
// worker with a bounded per-worker timeout, logging and continuing on
// expiry.
//
// # Result embedding
//
// Handlers return a plain string. A result starting with '{' that
// parses as JSON is embedded as an object, any other non-empty string
// is embedded verbatim, and an empty string becomes the default
// success message. Successful replies also carry the measured
// processing time in milliseconds.
//
// The method table starts empty; integrators install handlers with
// RegisterHandler and unregistered methods get an "Unknown method"
// error reply.
package processor
