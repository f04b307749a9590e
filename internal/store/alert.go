package store

import "time"

// CreateAlert persists an alert rule. Rule evaluation is out of core
// scope; the Store only owns the schema and basic CRUD so the
// out-of-scope operator UI has somewhere to read and write.
func (s *Store) CreateAlert(a *Alert) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	res, err := s.db.Exec(`
		INSERT INTO alerts (name, description, enabled, created_at) VALUES (?, ?, ?, ?)
	`, a.Name, a.Description, boolToInt(a.Enabled), formatTime(a.CreatedAt))
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	a.ID = id
	return nil
}

// ListAlerts returns every configured alert rule.
func (s *Store) ListAlerts() ([]*Alert, error) {
	rows, err := s.db.Query(`SELECT id, name, description, enabled, created_at FROM alerts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Alert
	for rows.Next() {
		var a Alert
		var enabled int
		var createdAt string
		if err := rows.Scan(&a.ID, &a.Name, &a.Description, &enabled, &createdAt); err != nil {
			return nil, err
		}
		a.Enabled = enabled == 1
		a.CreatedAt, _ = parseTime(createdAt)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// RecordAlertLog appends a firing of an alert rule.
func (s *Store) RecordAlertLog(l *AlertLog) error {
	if l.FiredAt.IsZero() {
		l.FiredAt = time.Now()
	}
	res, err := s.db.Exec(`
		INSERT INTO alert_logs (alert_id, fired_at, message) VALUES (?, ?, ?)
	`, l.AlertID, formatTime(l.FiredAt), l.Message)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	l.ID = id
	return nil
}
