package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ultimaops/backend-datalink/pkg/log"
)

// SQLiteStore implements Store on an embedded SQLite database. The
// driver is pure Go, so the gateway binary stays static.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	// SQLite serialises writes; one connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	storageLogger := log.WithComponent("storage")
	storageLogger.Info().Str("path", path).Msg("Store opened")
	return s, nil
}

// migrate applies the schema. New versions only add statements here so
// existing databases keep working without a migration tool.
func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS connections_log (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			connection_id   TEXT NOT NULL,
			client_ip       TEXT NOT NULL,
			status          TEXT NOT NULL,
			connected_at    TEXT NOT NULL,
			disconnected_at TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			connection_id TEXT NOT NULL,
			direction     TEXT NOT NULL CHECK (direction IN ('in','out')),
			message_text  TEXT NOT NULL,
			timestamp     TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS dashboard_data (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			category   TEXT NOT NULL UNIQUE,
			data_json  TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_connections_log_conn
			ON connections_log(connection_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conn
			ON messages(connection_id, timestamp)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) LogConnection(connectionID, clientIP string) error {
	_, err := s.db.Exec(`
		INSERT INTO connections_log (connection_id, client_ip, status, connected_at)
		VALUES (?, ?, 'connected', ?)
	`, connectionID, clientIP, now())
	return err
}

func (s *SQLiteStore) MarkDisconnected(connectionID string) error {
	_, err := s.db.Exec(`
		UPDATE connections_log
		   SET status = 'disconnected', disconnected_at = ?
		 WHERE id = (
			SELECT id FROM connections_log
			 WHERE connection_id = ? AND status = 'connected'
			 ORDER BY id DESC LIMIT 1
		 )
	`, now(), connectionID)
	return err
}

func (s *SQLiteStore) LogMessage(connectionID string, direction Direction, text string) error {
	_, err := s.db.Exec(`
		INSERT INTO messages (connection_id, direction, message_text, timestamp)
		VALUES (?, ?, ?, ?)
	`, connectionID, string(direction), text, now())
	return err
}

func (s *SQLiteStore) PutDashboardData(category string, data []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO dashboard_data (category, data_json, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(category) DO UPDATE SET
			data_json  = excluded.data_json,
			updated_at = excluded.updated_at
	`, category, string(data), now())
	return err
}

func (s *SQLiteStore) GetDashboardData(category string) ([]byte, error) {
	var data string
	err := s.db.QueryRow(
		`SELECT data_json FROM dashboard_data WHERE category = ?`, category,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(data), nil
}

func (s *SQLiteStore) Categories() ([]string, error) {
	rows, err := s.db.Query(`SELECT category FROM dashboard_data ORDER BY category`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var categories []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
