/*
Package wsserver accepts browser dashboard sockets and fans JSON
messages in and out.

The server owns the only mutable connection table in the gateway. Every
accepted socket gets an opaque connection ID; other subsystems address
clients exclusively by that ID through Send and Broadcast. Inbound text
frames are parsed as JSON objects and handed to the installed message
handler in per-connection arrival order.

# Architecture

	┌──────────────────────────────────────────────────────────┐
	│                        Server                            │
	│                                                          │
	│  conns: map[string]*client      (connection ID → socket) │
	│  handlers: OnOpen / OnMessage / OnClose                  │
	└──────┬──────────────────────────────┬────────────────────┘
	       │                              │
	       ▼                              ▼
	┌────────────────────┐      ┌─────────────────────────┐
	│   Accept loop      │      │   Read loop (per conn)  │
	│                    │      │                         │
	│  one pool worker   │      │  single reader, frames  │
	│  (key "ws-accept") │      │  delivered in order     │
	│  http.Serve on the │      │  JSON parse → handler   │
	│  bound listener    │      │  parse error → error    │
	│                    │      │  reply, conn kept       │
	└────────────────────┘      └─────────────────────────┘

The HTTP mux upgrades WebSocket clients on every path and additionally
serves /healthz, /health, /ready and /metrics for operational probing.

# Connection lifecycle

On accept the server generates conn_<millis>_<rand6>, inserts the map
entry and invokes the open handler. On close or transport error the
entry is removed and the close handler fires exactly once; after that
the ID never again appears in ActiveIDs. Connections over the
max_connections cap are refused with 503 before the upgrade.

# Send semantics

Send and Broadcast marshal once and write under a per-connection write
mutex with the configured timeout_ms deadline. A failed send evicts
only the offending connection; a broadcast continues over the
remaining peers. Ordering across concurrent broadcasters is
unspecified.

# Usage

	srv := wsserver.New(wsserver.Config{
		Host:           "0.0.0.0",
		Port:           8765,
		MaxConnections: 100,
		TimeoutMS:      5000,
		EnableLogging:  true,
	})
	srv.OnMessage(func(id string, msg map[string]any) {
		_ = srv.Send(id, reply(msg))
	})
	if err := srv.Start(p); err != nil {
		return err
	}
	defer srv.Stop()
*/
package wsserver
