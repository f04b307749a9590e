package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the gateway's single SQLite database. All entities in
// share one *sql.DB handle; sql.DB is itself safe for concurrent
// use, and every multi-statement write here executes inside a single
// transaction so a crash mid-write never leaves the schema half
// updated.
type Store struct {
	db  *sql.DB
	loc *time.Location
}

// Open creates or opens the SQLite database at path and runs
// migrations. loc is the timezone used to convert reader-supplied
// epoch timestamps into timezone-aware instants; a nil loc
// defaults to time.Local.
func Open(path string, loc *time.Location) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver serializes writers anyway; avoid SQLITE_BUSY storms

	if loc == nil {
		loc = time.Local
	}

	s := &Store{db: db, loc: loc}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Location returns the timezone used for timestamp conversion.
func (s *Store) Location() *time.Location {
	return s.loc
}

func (s *Store) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS readers (
		serial_number TEXT PRIMARY KEY,
		ip_address TEXT NOT NULL DEFAULT '',
		location TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		is_connected INTEGER NOT NULL DEFAULT 0,
		last_communication TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS commands (
		command_id TEXT PRIMARY KEY,
		reader_serial TEXT NOT NULL REFERENCES readers(serial_number),
		command_type TEXT NOT NULL,
		details_json TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		response TEXT NOT NULL DEFAULT '',
		date_sent TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_commands_status_date ON commands(status, date_sent);
	CREATE INDEX IF NOT EXISTS idx_commands_reader ON commands(reader_serial);

	CREATE TABLE IF NOT EXISTS tag_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		reader_serial TEXT NOT NULL REFERENCES readers(serial_number),
		epc TEXT NOT NULL DEFAULT '',
		first_seen_timestamp TEXT NOT NULL,
		antenna_port INTEGER NOT NULL DEFAULT 0,
		antenna_zone TEXT NOT NULL DEFAULT '',
		peak_rssi INTEGER NOT NULL DEFAULT 0,
		tx_power INTEGER NOT NULL DEFAULT 0,
		mac_address TEXT NOT NULL DEFAULT '',
		tag_data_key TEXT NOT NULL DEFAULT '',
		tag_data_key_name TEXT NOT NULL DEFAULT '',
		tag_data_serial TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tagevents_reader ON tag_events(reader_serial);
	CREATE INDEX IF NOT EXISTS idx_tagevents_epc ON tag_events(epc);

	CREATE TABLE IF NOT EXISTS detailed_status_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		reader_serial TEXT NOT NULL REFERENCES readers(serial_number),
		event_type TEXT NOT NULL DEFAULT '',
		component TEXT NOT NULL DEFAULT '',
		timestamp TEXT NOT NULL,
		mac_address TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		details_json TEXT NOT NULL DEFAULT '',
		non_antenna_json TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_statusevents_reader ON detailed_status_events(reader_serial);

	CREATE TABLE IF NOT EXISTS scheduled_commands (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		reader_serial TEXT NOT NULL REFERENCES readers(serial_number),
		command_type TEXT NOT NULL,
		scheduled_time TEXT NOT NULL,
		recurrence TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		last_run TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_schedules_due ON scheduled_commands(is_active, scheduled_time);

	CREATE TABLE IF NOT EXISTS alerts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS alert_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		alert_id INTEGER NOT NULL REFERENCES alerts(id),
		fired_at TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_alertlogs_alert ON alert_logs(alert_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
