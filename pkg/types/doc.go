// Package types defines the shared domain types of the gateway: the
// caller authority levels, the dashboard category set, and the JSON
// message shapes exchanged with WebSocket clients and over the broker
// (welcome, dashboard data and updates, echo, RPC envelopes,
// heartbeat).
//
// The shapes here are the wire contract; packages depend on types
// rather than on each other. Timestamp returns whole-second Unix
// time, which is the resolution every envelope carries.
package types
