package store

import (
	"database/sql"
	"errors"
	"time"
)

// CreateScheduledCommand registers a new recurring (or one-shot)
// command firing rule.
func (s *Store) CreateScheduledCommand(sc *ScheduledCommand) error {
	res, err := s.db.Exec(`
		INSERT INTO scheduled_commands (reader_serial, command_type, scheduled_time, recurrence, is_active, last_run)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sc.ReaderSerial, string(sc.CommandType), formatTime(sc.ScheduledTime), string(sc.Recurrence),
		boolToInt(sc.IsActive), nullableTime(sc.LastRun))
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	sc.ID = id
	return nil
}

// DueScheduledCommands returns active schedule rows whose
// scheduled_time has passed as of now.
func (s *Store) DueScheduledCommands(now time.Time) ([]*ScheduledCommand, error) {
	rows, err := s.db.Query(`
		SELECT id, reader_serial, command_type, scheduled_time, recurrence, is_active, last_run
		FROM scheduled_commands WHERE is_active = 1 AND scheduled_time <= ?
		ORDER BY scheduled_time ASC
	`, formatTime(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ScheduledCommand
	for rows.Next() {
		sc, err := scanScheduledCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// AdvanceSchedule advances a fired ScheduledCommand's scheduled_time
// (or deactivates it for ONCE) and records last_run. Guarded by the
// row's previous scheduled_time so a row already advanced by a
// concurrent Scheduler tick is not double-advanced.
func (s *Store) AdvanceSchedule(id int64, previousScheduledTime, nextScheduledTime time.Time, stillActive bool, ranAt time.Time) error {
	res, err := s.db.Exec(`
		UPDATE scheduled_commands SET scheduled_time = ?, is_active = ?, last_run = ?
		WHERE id = ? AND scheduled_time = ?
	`, formatTime(nextScheduledTime), boolToInt(stillActive), formatTime(ranAt), id, formatTime(previousScheduledTime))
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

// ListScheduledCommands returns every schedule row, active or not.
func (s *Store) ListScheduledCommands() ([]*ScheduledCommand, error) {
	rows, err := s.db.Query(`
		SELECT id, reader_serial, command_type, scheduled_time, recurrence, is_active, last_run
		FROM scheduled_commands ORDER BY scheduled_time ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ScheduledCommand
	for rows.Next() {
		sc, err := scanScheduledCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func scanScheduledCommand(rows *sql.Rows) (*ScheduledCommand, error) {
	var sc ScheduledCommand
	var commandType, scheduledTime, recurrence string
	var isActive int
	var lastRun sql.NullString

	err := rows.Scan(&sc.ID, &sc.ReaderSerial, &commandType, &scheduledTime, &recurrence, &isActive, &lastRun)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	sc.CommandType = CommandType(commandType)
	sc.ScheduledTime, _ = parseTime(scheduledTime)
	sc.Recurrence = Recurrence(recurrence)
	sc.IsActive = isActive == 1
	if lastRun.Valid {
		t, err := parseTime(lastRun.String)
		if err == nil {
			sc.LastRun = &t
		}
	}
	return &sc, nil
}
