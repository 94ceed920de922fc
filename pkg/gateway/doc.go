// Package gateway assembles the telemetry-and-control gateway from
// its subsystems and owns their lifecycle.
//
// # Architecture
//
//	                ┌──────────────────────── Gateway ───────────────────────┐
//	                │                                                          │
//	 ws clients ───▶│  wsserver ──▶ handlers ──▶ store (sqlite / nop)         │
//	                │                 ▲                                        │
//	                │                 │ dashboard_update                       │
//	                │  sysdata ──▶ event bus ──▶ subscribed clients            │
//	                │                                                          │
//	 mqtt broker ──▶│  broker client ──▶ processor ──▶ broker client (reply)  │
//	                │  relay (optional, multi-broker forwarding)              │
//	                │                                                          │
//	                │  worker pool carries every loop above                    │
//	                └──────────────────────────────────────────────────────────┘
//
// # Client protocol
//
// On connect a client receives a welcome envelope carrying its
// connection ID. get_dashboard_data returns the stored snapshot per
// requested category (the default category set when none are named);
// subscribe_updates registers the client for dashboard_update pushes
// driven by the collector's bus events; any other message is echoed
// back with the original payload and the server name.
//
// # Lifecycle
//
// Start brings up bus, WebSocket server, broker client, relay,
// collector, gauge sync and the bus drain worker, in that order. Stop
// unwinds in reverse with the processor barrier first, so in-flight
// RPC requests drain while their reply transport is still up, and the
// pool shutdown last. The broker section of the configuration is
// optional; without it the gateway serves dashboards only.
package gateway
