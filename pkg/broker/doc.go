/*
Package broker maintains the gateway's sessions to the MQTT bus: one
durable RPC client session and, optionally, a multi-broker relay.

The client speaks a request/response protocol over topic pairs. A
request is published on

	<base_prefix>/<service>/<method>/<request_suffix>[/<tid>]

and its response arrives on the mirrored topic with the response
suffix. Transaction IDs are UUIDv4-shaped 36-character strings; the
pending-request table matches responses to callbacks by transaction ID
in O(1).

# Architecture

	         paho I/O goroutines                 pool workers
	┌────────────────────────────┐   ┌─────────────────────────────┐
	│  OnConnect / OnLost /      │   │  dispatchLoop               │
	│  OnMessage callbacks       │──►│    drains statusCh and      │
	│                            │   │    inboundCh, owns all      │
	│  post typed values onto    │   │    dispatch state           │
	│  statusCh / inboundCh,     │   │                             │
	│  nothing else              │   │  reaperLoop (1 s sweep)     │
	└────────────────────────────┘   │    expires pending entries  │
	                                 │                             │
	                                 │  heartbeatLoop              │
	                                 │    gated liveness publisher │
	                                 └─────────────────────────────┘

The broker library's callbacks never touch mutable dispatch state;
they only post onto buffered channels. A single dispatcher worker
drains them, so pending matching, deduplication and subscription
replay all happen on owned data.

# Connection state machine

	disconnected → connecting → connected
	          ↘           ↙↘
	          error     reconnecting → connecting → …

Transitions reach one registered status callback. Reconnection is
delegated to the broker library with the configured bounded backoff;
the full subscription set is re-applied on every (re)connect.

# Exactly-once completion

For any async call exactly one of the response callback or the timeout
callback fires, exactly once: entries are removed from the pending
table under its mutex before the callback is invoked, so the response
path and the reaper race for the single removal. An entry never
outlives timeout_ms plus one sweep interval.

# Deduplication

A per-client sliding window remembers the last (message ID, topic)
pairs seen with QoS > 0 and suppresses redelivery of the same pair
within two seconds. The window is never shared across client
instances.

# Heartbeat

When enabled, a dedicated worker publishes

	{"type":"heartbeat","client":...,"status":"alive","ssl":...,"timestamp":...}

at the configured interval, but only after the connection has stayed
up for five consecutive 500 ms readiness probes. Any non-connected
observation disarms the gate immediately, so no publish is attempted
on a dead socket.

# Conditional relay

Relay mode owns up to 16 broker sessions and 32 forwarding rules.
Primary brokers connect at start; with conditional_relay the
non-primary brokers wait for their per-broker readiness latch
(MarkReady) plus an explicit ConnectSecondaryBrokers call. Rules match
inbound topics by substring and forward the raw payload, with a
per-message forwarded-set breaking bidirectional loops. Forwards to a
disconnected destination increment the relay error counter and are
skipped.
*/
package broker
