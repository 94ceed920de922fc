// Package metrics defines and registers the gateway's Prometheus
// collectors.
//
// All metrics carry the datalink_ prefix and are registered with the
// default registry at package init. Counters are incremented inline
// by the owning subsystem (connections, messages, dedup suppressions,
// RPC outcomes, relay forwards and errors, heartbeats, worker
// spawns); the two gauges, active connections and live pool workers,
// are synced by the Collector, whose Collect method polls the owning
// components rather than making them push. The gateway drives Collect
// from a pool worker on a fixed interval.
//
// Handler returns the promhttp handler mounted on the WebSocket
// server's mux at /metrics, next to the /healthz liveness, /health
// component-status and /ready readiness endpoints.
package metrics
