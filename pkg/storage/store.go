package storage

import "errors"

// ErrNotFound is returned when a dashboard category has no stored data
var ErrNotFound = errors.New("category not found")

// Direction labels a logged WebSocket message
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Store persists connection events, message logs and dashboard
// snapshots. Dashboard data is a key/value facade: one JSON document
// per category, upsert semantics.
type Store interface {
	// LogConnection appends a connection-opened event
	LogConnection(connectionID, clientIP string) error

	// MarkDisconnected closes the most recent open event for the connection
	MarkDisconnected(connectionID string) error

	// LogMessage appends one in- or outbound message
	LogMessage(connectionID string, direction Direction, text string) error

	// PutDashboardData upserts the JSON snapshot for a category
	PutDashboardData(category string, data []byte) error

	// GetDashboardData returns the stored snapshot for a category,
	// or ErrNotFound
	GetDashboardData(category string) ([]byte, error)

	// Categories lists every category with stored data
	Categories() ([]string, error)

	Close() error
}

// NopStore satisfies Store without persisting anything. It backs the
// gateway when the database is disabled in configuration.
type NopStore struct{}

func (NopStore) LogConnection(string, string) error         { return nil }
func (NopStore) MarkDisconnected(string) error              { return nil }
func (NopStore) LogMessage(string, Direction, string) error { return nil }
func (NopStore) PutDashboardData(string, []byte) error      { return nil }
func (NopStore) GetDashboardData(string) ([]byte, error)    { return nil, ErrNotFound }
func (NopStore) Categories() ([]string, error)              { return nil, nil }
func (NopStore) Close() error                               { return nil }
