// Package storage persists the append-only delivery event log to SQLite.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/kilianp07/dronefleet/core/model"
)

// SQLiteEventStore implements fleet.EventStore on a SQLite database.
type SQLiteEventStore struct {
	db *sql.DB
}

// NewSQLiteEventStore opens or creates the database at path and ensures
// the schema.
func NewSQLiteEventStore(path string) (*SQLiteEventStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	schema := `CREATE TABLE IF NOT EXISTS delivery_events (
        id TEXT PRIMARY KEY,
        delivery_id TEXT NOT NULL,
        event_type TEXT NOT NULL,
        ts INTEGER NOT NULL,
        record TEXT NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_delivery_events_delivery
        ON delivery_events (delivery_id, ts);`
	if _, err := db.Exec(schema); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("close db: %v (schema err: %w)", cerr, err)
		}
		return nil, err
	}
	return &SQLiteEventStore{db: db}, nil
}

// Append writes the event. Events are immutable; a duplicate id is an
// error.
func (s *SQLiteEventStore) Append(ctx context.Context, ev model.DeliveryEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO delivery_events (id, delivery_id, event_type, ts, record) VALUES (?, ?, ?, ?, ?)`,
		ev.ID, ev.DeliveryID, string(ev.Type), ev.Timestamp.UnixNano(), string(b))
	return err
}

// EventsByDelivery returns the delivery's events in chronological order.
func (s *SQLiteEventStore) EventsByDelivery(ctx context.Context, deliveryID string) ([]model.DeliveryEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM delivery_events WHERE delivery_id = ? ORDER BY ts`, deliveryID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var res []model.DeliveryEvent
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var ev model.DeliveryEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		res = append(res, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

// Close closes the underlying database.
func (s *SQLiteEventStore) Close() error { return s.db.Close() }
