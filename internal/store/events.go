package store

import "time"

// CreateTagEvent appends a single RFID tag observation. Append-only:
// no UPDATE or DELETE statement in this package ever targets
// tag_events.
func (s *Store) CreateTagEvent(e *TagEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO tag_events (reader_serial, epc, first_seen_timestamp, antenna_port, antenna_zone,
			peak_rssi, tx_power, mac_address, tag_data_key, tag_data_key_name, tag_data_serial, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ReaderSerial, e.EPC, formatTime(e.FirstSeenAt), e.AntennaPort, e.AntennaZone,
		e.PeakRSSI, e.TxPower, e.MACAddress, e.TagDataKey, e.TagDataKeyName, e.TagDataSerial, formatTime(e.CreatedAt))
	return err
}

// CountTagEventsForReader returns how many tag events have been
// recorded for a reader. Used by tests asserting that unknown serials
// produce no writes.
func (s *Store) CountTagEventsForReader(serial string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM tag_events WHERE reader_serial = ?`, serial).Scan(&n)
	return n, err
}

// CreateDetailedStatusEvent appends a health/status observation.
// Append-only, like CreateTagEvent.
func (s *Store) CreateDetailedStatusEvent(e *DetailedStatusEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO detailed_status_events (reader_serial, event_type, component, timestamp, mac_address,
			status, details_json, non_antenna_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ReaderSerial, e.EventType, e.Component, formatTime(e.Timestamp), e.MACAddress,
		e.Status, e.DetailsJSON, e.NonAntennaJSON, formatTime(e.CreatedAt))
	return err
}

// CountDetailedStatusEventsForReader mirrors CountTagEventsForReader
// for the detailed-status-event table.
func (s *Store) CountDetailedStatusEventsForReader(serial string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM detailed_status_events WHERE reader_serial = ?`, serial).Scan(&n)
	return n, err
}

// ListDetailedStatusEventsForReader returns the most recent status
// events for a reader, newest first.
func (s *Store) ListDetailedStatusEventsForReader(serial string, limit int) ([]*DetailedStatusEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, reader_serial, event_type, component, timestamp, mac_address, status, details_json, non_antenna_json, created_at
		FROM detailed_status_events WHERE reader_serial = ? ORDER BY timestamp DESC LIMIT ?
	`, serial, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DetailedStatusEvent
	for rows.Next() {
		var e DetailedStatusEvent
		var ts, createdAt string
		if err := rows.Scan(&e.ID, &e.ReaderSerial, &e.EventType, &e.Component, &ts, &e.MACAddress,
			&e.Status, &e.DetailsJSON, &e.NonAntennaJSON, &createdAt); err != nil {
			return nil, err
		}
		e.Timestamp, _ = parseTime(ts)
		e.CreatedAt, _ = parseTime(createdAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}
