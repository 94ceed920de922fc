package types

import (
	"encoding/json"
	"time"
)

// ServerName identifies this gateway in outbound envelopes
const ServerName = "backend-datalink"

// Authority classifies the caller of an RPC request
type Authority string

const (
	AuthorityAdmin  Authority = "admin"
	AuthorityUser   Authority = "user"
	AuthorityGuest  Authority = "guest"
	AuthoritySystem Authority = "system"
)

// ParseAuthority maps a raw string to an Authority; unknown values map to guest
func ParseAuthority(s string) Authority {
	switch Authority(s) {
	case AuthorityAdmin, AuthorityUser, AuthorityGuest, AuthoritySystem:
		return Authority(s)
	default:
		return AuthorityGuest
	}
}

// Dashboard categories partition live data pushed to clients
const (
	CategorySystem       = "system"
	CategoryRAM          = "ram"
	CategorySwap         = "swap"
	CategoryNetwork      = "network"
	CategoryUltimaServer = "ultima_server"
	CategorySignal       = "signal"
)

// DefaultCategories returns the category set used when a client
// requests dashboard data without naming any
func DefaultCategories() []string {
	return []string{
		CategorySystem,
		CategoryRAM,
		CategorySwap,
		CategoryNetwork,
		CategoryUltimaServer,
		CategorySignal,
	}
}

// Inbound WebSocket message types understood by the default handler
const (
	MsgGetDashboardData = "get_dashboard_data"
	MsgSubscribeUpdates = "subscribe_updates"
)

// Outbound WebSocket message types
const (
	MsgWelcome               = "welcome"
	MsgDashboardData         = "dashboard_data"
	MsgDashboardUpdate       = "dashboard_update"
	MsgSubscriptionConfirmed = "subscription_confirmed"
	MsgError                 = "error"
	MsgEcho                  = "echo"
)

// WelcomeMessage greets a client on connect
type WelcomeMessage struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
	Server       string `json:"server"`
	Timestamp    int64  `json:"timestamp"`
}

// DashboardDataMessage replies to get_dashboard_data with one
// JSON object per requested category
type DashboardDataMessage struct {
	Type      string                     `json:"type"`
	Data      map[string]json.RawMessage `json:"data"`
	Timestamp int64                      `json:"timestamp"`
}

// DashboardUpdateMessage broadcasts a single category refresh
type DashboardUpdateMessage struct {
	Type      string          `json:"type"`
	Category  string          `json:"category"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// SubscriptionConfirmedMessage acknowledges subscribe_updates
type SubscriptionConfirmedMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorMessage reports a per-connection failure to the client
type ErrorMessage struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// EchoMessage reflects an unrecognised inbound message back to its sender
type EchoMessage struct {
	Type      string         `json:"type"`
	Original  map[string]any `json:"original"`
	Timestamp int64          `json:"timestamp"`
	Server    string         `json:"server"`
}

// RPCRequest is the JSON-RPC 2.0 request envelope carried on the bus
type RPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// RPCResponse is the JSON-RPC 2.0 response envelope published on the
// mirrored response topic
type RPCResponse struct {
	JSONRPC          string    `json:"jsonrpc"`
	ID               any       `json:"id"`
	Result           any       `json:"result,omitempty"`
	Error            *RPCError `json:"error,omitempty"`
	ProcessingTimeMS int64     `json:"processing_time_ms,omitempty"`
}

// RPCError carries the code/message pair of a failed RPC
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// CallRequest is the outbound request body built by the broker client
// for call_async
type CallRequest struct {
	Method        string    `json:"method"`
	Service       string    `json:"service"`
	TransactionID string    `json:"transaction_id"`
	Authority     Authority `json:"authority"`
	TimeoutMS     int       `json:"timeout_ms"`
	Params        any       `json:"params"`
}

// HeartbeatMessage is published periodically by the broker client
// while the session is healthy
type HeartbeatMessage struct {
	Type      string `json:"type"`
	Client    string `json:"client"`
	Status    string `json:"status"`
	SSL       bool   `json:"ssl"`
	Timestamp int64  `json:"timestamp"`
}

// Timestamp returns whole-second UNIX time, the resolution used by
// every outbound envelope
func Timestamp() int64 {
	return time.Now().Unix()
}
