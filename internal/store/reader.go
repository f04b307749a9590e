package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a lookup by key finds no row.
var ErrNotFound = errors.New("store: not found")

// CreateReader registers a new reader. SerialNumber is immutable after
// create; a second CreateReader with the same serial returns an error
// from the underlying UNIQUE constraint.
func (s *Store) CreateReader(r *Reader) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO readers (serial_number, ip_address, location, enabled, is_connected, last_communication, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.SerialNumber, r.IPAddress, r.Location, boolToInt(r.Enabled), boolToInt(r.IsConnected),
		nullableTime(r.LastCommunication), formatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("create reader %s: %w", r.SerialNumber, err)
	}
	return nil
}

// GetReader looks up a reader by serial number. Returns ErrNotFound if
// no reader with that serial is registered — the Inbound Router relies
// on this to implement "look up Reader; if missing, log and drop,
// never create".
func (s *Store) GetReader(serial string) (*Reader, error) {
	row := s.db.QueryRow(`
		SELECT serial_number, ip_address, location, enabled, is_connected, last_communication, created_at
		FROM readers WHERE serial_number = ?
	`, serial)
	return scanReader(row)
}

// ListReaders returns every registered reader.
func (s *Store) ListReaders() ([]*Reader, error) {
	rows, err := s.db.Query(`
		SELECT serial_number, ip_address, location, enabled, is_connected, last_communication, created_at
		FROM readers ORDER BY serial_number
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Reader
	for rows.Next() {
		r, err := scanReaderRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TouchLastCommunication sets last_communication to at for the named
// reader. Called on every inbound message, before the
// payload is even decoded. Returns ErrNotFound if the serial is
// unknown.
func (s *Store) TouchLastCommunication(serial string, at time.Time) error {
	res, err := s.db.Exec(`UPDATE readers SET last_communication = ? WHERE serial_number = ?`,
		formatTime(at), serial)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

// SetConnected updates is_connected for a reader. The Inbound Router is
// the only writer of this field.
func (s *Store) SetConnected(serial string, connected bool) error {
	res, err := s.db.Exec(`UPDATE readers SET is_connected = ? WHERE serial_number = ?`,
		boolToInt(connected), serial)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

func requireRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReader(row rowScanner) (*Reader, error) {
	var r Reader
	var enabled, connected int
	var lastComm sql.NullString
	var createdAt string

	err := row.Scan(&r.SerialNumber, &r.IPAddress, &r.Location, &enabled, &connected, &lastComm, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	r.Enabled = enabled == 1
	r.IsConnected = connected == 1
	if lastComm.Valid {
		t, err := parseTime(lastComm.String)
		if err == nil {
			r.LastCommunication = &t
		}
	}
	r.CreatedAt, _ = parseTime(createdAt)
	return &r, nil
}

func scanReaderRow(rows *sql.Rows) (*Reader, error) {
	return scanReader(rows)
}
