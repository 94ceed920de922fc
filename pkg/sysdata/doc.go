// Package sysdata collects host metrics from /proc and feeds them to
// the dashboard pipeline.
//
// # Architecture
//
//	 /proc/meminfo ──┐
//	 /proc/stat    ──┤   ┌───────────────┐   category-update   ┌─────────┐
//	 /proc/loadavg ──┼──▶│  poll worker  │────── events ──────▶│   bus   │
//	 /proc/net/dev ──┘   └──────┬────────┘                     └─────────┘
//	                            │ latest snapshot per category
//	                            ▼
//	                     ┌───────────────┐      upserts        ┌─────────┐
//	                     │ flush worker  │────────────────────▶│  store  │
//	                     └───────────────┘                     └─────────┘
//
// # Categories
//
// Each poll produces one JSON snapshot per category: ram and swap from
// /proc/meminfo (usage percent plus used/total gigabytes), system from
// /proc/stat and /proc/loadavg (busy share between consecutive polls,
// core count, load averages), and network from /proc/net/dev (per
// interface counters plus derived throughput, loopback excluded).
//
// # Workers
//
// Both loops run as pool function workers honoring pause and stop
// requests between ticks. The poll worker publishes at
// poll_interval_seconds; the flush worker upserts the latest snapshots
// into the store at database_update_interval_seconds, so the database
// write rate stays independent of the poll rate. Per-category log
// switches and intervals throttle the collector's own log output.
package sysdata
