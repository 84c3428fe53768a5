package repository

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// connPragmas are applied by the driver to every new connection.
const connPragmas = "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

type SQLiteDB struct {
	db       *sql.DB
	claimTTL time.Duration
	now      func() time.Time
}

// NewSQLiteDB opens (creating if needed) the database at path. claimTTL is how long a
// pending delivery claim is honoured before another dispatch may take it over.
func NewSQLiteDB(path string, claimTTL time.Duration) (*SQLiteDB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("error creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+connPragmas)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	// One connection: keeps :memory: databases shared and serialises writers
	// inside the process. Cross-process writers are arbitrated by SQLite locking.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error while pinging database: %w", err)
	}

	s := &SQLiteDB{
		db:       db,
		claimTTL: claimTTL,
		now:      time.Now,
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("error while migrating to database: %w", err)
	}

	return s, nil
}

func (s *SQLiteDB) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS cameras (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS uploads (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			camera_id INTEGER REFERENCES cameras(id) ON DELETE SET NULL,
			file_path TEXT NOT NULL,
			file_type TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS sightings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			upload_id INTEGER REFERENCES uploads(id) ON DELETE CASCADE,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			detected_at DATETIME NOT NULL,
			confidence REAL NOT NULL,
			bear_count INTEGER NOT NULL DEFAULT 1,
			severity TEXT NOT NULL,
			image_path TEXT,
			frame_number INTEGER,
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS detections (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sighting_id INTEGER NOT NULL REFERENCES sightings(id) ON DELETE CASCADE,
			class_name TEXT NOT NULL,
			confidence REAL NOT NULL,
			bbox_x INTEGER NOT NULL,
			bbox_y INTEGER NOT NULL,
			bbox_w INTEGER NOT NULL,
			bbox_h INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sighting_id INTEGER UNIQUE REFERENCES sightings(id) ON DELETE CASCADE,
			severity TEXT NOT NULL,
			message TEXT NOT NULL,
			acknowledged INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY,
			email TEXT,
			email_opt_in INTEGER NOT NULL DEFAULT 0,
			latitude REAL,
			longitude REAL,
			location_updated_at DATETIME
		);

		-- lease_expires_at is unix seconds so it compares numerically.
		CREATE TABLE IF NOT EXISTS alert_notifications (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			alert_id INTEGER NOT NULL REFERENCES alerts(id) ON DELETE CASCADE,
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			channel TEXT NOT NULL,
			status TEXT NOT NULL,
			claim_token TEXT,
			lease_expires_at INTEGER,
			sent_at DATETIME,
			error_message TEXT,
			created_at DATETIME NOT NULL,
			UNIQUE (alert_id, user_id, channel)
		);

		CREATE INDEX IF NOT EXISTS idx_sightings_detected_at ON sightings(detected_at);
		CREATE INDEX IF NOT EXISTS idx_users_opt_in_location ON users(email_opt_in, latitude, longitude);
		CREATE INDEX IF NOT EXISTS idx_alert_notifications_alert_id ON alert_notifications(alert_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteDB) Close() error {
	return s.db.Close()
}
