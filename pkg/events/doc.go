// Package events provides the in-process event bus decoupling the
// host-metrics collector from the WebSocket fan-out.
//
// # Architecture
//
//	publisher ──▶ event channel (buffer 100) ──▶ broadcast loop
//	                                                   │
//	                          ┌────────────────────────┼──────┐
//	                          ▼                        ▼      ▼
//	                   subscriber chans (buffer 50 each) ...
//
// Publish never blocks a producer on a slow consumer: a subscriber
// whose buffer is full simply misses the event, and the broker counts
// the drop. Dashboard pushes are periodic snapshots, so a missed
// update is corrected by the next poll.
//
// Event types cover category updates from the collector, connection
// lifecycle, broker status transitions and worker exits. The gateway
// publishes the lifecycle events and consumes category updates on its
// fan-out worker; the distribution loop itself runs as a pool worker
// registered under WorkerKey.
package events
