package persist

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS pump_fields (
	pump_id    TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at TEXT NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (pump_id, key)
);
`

// SQLiteStore keeps pump fields in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// SaveFields replaces every field saved for pumpID.
func (s *SQLiteStore) SaveFields(ctx context.Context, pumpID string, fields map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pump_fields WHERE pump_id = ?`, pumpID); err != nil {
		return fmt.Errorf("clear fields for %q: %w", pumpID, err)
	}
	for k, v := range fields {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pump_fields (pump_id, key, value) VALUES (?, ?, ?)`, pumpID, k, v); err != nil {
			return fmt.Errorf("save %s for %q: %w", k, pumpID, err)
		}
	}
	return tx.Commit()
}

// LoadFields returns a pump's saved fields, or ErrNotFound.
func (s *SQLiteStore) LoadFields(ctx context.Context, pumpID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM pump_fields WHERE pump_id = ?`, pumpID)
	if err != nil {
		return nil, fmt.Errorf("load fields for %q: %w", pumpID, err)
	}
	defer rows.Close()

	fields := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		fields[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, pumpID)
	}
	return fields, nil
}

// ListPumps returns the IDs of every saved pump in order.
func (s *SQLiteStore) ListPumps(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT pump_id FROM pump_fields ORDER BY pump_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }
