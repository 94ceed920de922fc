/*
Package storage persists the gateway's connection log, message log and
dashboard snapshots.

The store is an embedded SQLite database accessed through a small
facade: append-only connection events, append-only message records and
an upserted JSON document per dashboard category. The dashboard surface
is deliberately a key/value put/get; the gateway never queries across
categories.

# Schema

	connections_log(id PK, connection_id, client_ip, status,
	                connected_at, disconnected_at)
	messages(id PK, connection_id, direction in {in,out},
	         message_text, timestamp)
	dashboard_data(id PK, category UNIQUE, data_json, updated_at)

Timestamps are RFC3339 UTC text. dashboard_data uses
ON CONFLICT(category) DO UPDATE so the latest snapshot always wins.

# Engine

modernc.org/sqlite (pure Go, no CGO) with WAL journaling, a 5 s busy
timeout and a single connection, since SQLite serialises writes anyway.

# Disabled mode

When the database is disabled in configuration the gateway runs on
NopStore, which accepts every write and reports ErrNotFound for every
category read. Callers never branch on whether persistence is on.

# Usage

	store, err := storage.Open("/var/lib/datalink/gateway.db")
	if err != nil {
		return err
	}
	defer store.Close()

	_ = store.PutDashboardData("ram", ramJSON)
	data, err := store.GetDashboardData("ram")
*/
package storage
