package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewCommandID generates a new command identifier. UUIDv7 is used so
// identifiers sort roughly by creation time; NewV7 only fails on
// exhausted entropy, in which case a random v4 is substituted.
func NewCommandID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// CreateCommand inserts a new Command in PENDING status. Fails with a
// wrapped error if ReaderSerial does not reference a known reader (the
// REFERENCES constraint is deliberately soft — SQLite only enforces it
// when foreign_keys=on is set, which Open does) so the Ingress API can
// surface a descriptive 4xx.
func (s *Store) CreateCommand(c *Command) error {
	if c.CommandID == "" {
		c.CommandID = NewCommandID()
	}
	if c.Status == "" {
		c.Status = StatusPending
	}
	now := time.Now()
	if c.DateSent.IsZero() {
		c.DateSent = now
	}
	c.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO commands (command_id, reader_serial, command_type, details_json, status, response, date_sent, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, c.CommandID, c.ReaderSerial, string(c.CommandType), c.DetailsJSON, string(c.Status), c.Response,
		formatTime(c.DateSent), formatTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create command for reader %s: %w", c.ReaderSerial, err)
	}
	return nil
}

// GetCommand looks up a command by ID. Returns ErrNotFound if absent.
func (s *Store) GetCommand(id string) (*Command, error) {
	row := s.db.QueryRow(`
		SELECT command_id, reader_serial, command_type, details_json, status, response, date_sent, updated_at
		FROM commands WHERE command_id = ?
	`, id)
	return scanCommand(row)
}

// ClaimPending atomically selects every PENDING command (ordered by
// date_sent ascending, preserving per-reader order) and transitions each
// to PROCESSING in a single transaction. The UPDATE's WHERE clause
// re-checks status='PENDING' per row so a second concurrent caller
// (another Pump instance, or a sidecar hitting the HTTP pending-poll
// endpoint concurrently) can never claim the same row twice.
func (s *Store) ClaimPending(limit int) ([]*Command, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := `SELECT command_id, reader_serial, command_type, details_json, status, response, date_sent, updated_at
		FROM commands WHERE status = ? ORDER BY date_sent ASC`
	args := []any{string(StatusPending)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, err
	}
	var candidates []*Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	now := time.Now()
	claimed := make([]*Command, 0, len(candidates))
	for _, c := range candidates {
		res, err := tx.Exec(`UPDATE commands SET status = ?, updated_at = ? WHERE command_id = ? AND status = ?`,
			string(StatusProcessing), formatTime(now), c.CommandID, string(StatusPending))
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			// Claimed by someone else between SELECT and UPDATE.
			continue
		}
		c.Status = StatusProcessing
		c.UpdatedAt = now
		claimed = append(claimed, c)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

// CompleteCommand transitions a command to a terminal status (COMPLETED
// or FAILED), guarded by `WHERE status='PROCESSING'` so that whichever
// of the Response Correlator or Reaper gets there first wins and the
// other's update affects zero rows. Returns
// ErrAlreadyTerminal (not an error condition the caller should log
// loudly) if the command was already resolved by the other writer.
func (s *Store) CompleteCommand(id string, status CommandStatus, response string) error {
	if !status.Terminal() {
		return fmt.Errorf("complete command %s: status %q is not terminal", id, status)
	}
	res, err := s.db.Exec(`
		UPDATE commands SET status = ?, response = ?, updated_at = ?
		WHERE command_id = ? AND status = ?
	`, string(status), response, formatTime(time.Now()), id, string(StatusProcessing))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyTerminal
	}
	return nil
}

// ErrAlreadyTerminal is returned by CompleteCommand when the command
// was not in PROCESSING at the time of the call — either it was never
// claimed, or another writer (Correlator vs. Reaper) already resolved
// it. Not logged as an error by callers; it is the expected outcome of
// losing a race that the schema is designed to make safe.
var ErrAlreadyTerminal = errors.New("store: command already terminal or not processing")

// ReapStale transitions every PROCESSING command whose updated_at is
// older than olderThan to FAILED with the standard timeout response
// text, and returns the number of commands reaped.
func (s *Store) ReapStale(olderThan time.Time, responseText string) (int, error) {
	now := time.Now()
	res, err := s.db.Exec(`
		UPDATE commands SET status = ?, response = ?, updated_at = ?
		WHERE status = ? AND updated_at < ?
	`, string(StatusFailed), responseText, formatTime(now), string(StatusProcessing), formatTime(olderThan))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// CountCommandsByStatus returns how many commands are in each
// lifecycle status. Feeds the queue-depth gauge.
func (s *Store) CountCommandsByStatus() (map[CommandStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM commands GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[CommandStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[CommandStatus(status)] = n
	}
	return out, rows.Err()
}

// ListCommandsForReader returns up to limit commands (100 when limit
// <= 0) submitted for a reader, most recent first.
func (s *Store) ListCommandsForReader(serial string, limit int) ([]*Command, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT command_id, reader_serial, command_type, details_json, status, response, date_sent, updated_at
		FROM commands WHERE reader_serial = ? ORDER BY date_sent DESC LIMIT ?
	`, serial, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCommand(row rowScanner) (*Command, error) {
	var c Command
	var commandType, status, dateSent, updatedAt string

	err := row.Scan(&c.CommandID, &c.ReaderSerial, &commandType, &c.DetailsJSON, &status, &c.Response, &dateSent, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	c.CommandType = CommandType(commandType)
	c.Status = CommandStatus(status)
	c.DateSent, _ = parseTime(dateSent)
	c.UpdatedAt, _ = parseTime(updatedAt)
	return &c, nil
}
