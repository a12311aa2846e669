package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS watermarks (
	team TEXT PRIMARY KEY,
	ts   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS redlist (
	player_id TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS outbound (
	channel    TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	origin_tag TEXT NOT NULL,
	text       TEXT NOT NULL,
	PRIMARY KEY (channel, seq)
);
CREATE TABLE IF NOT EXISTS status_messages (
	team TEXT PRIMARY KEY,
	ref  TEXT NOT NULL
);`

// SQLiteStore keeps the state snapshot in a SQLite database. It honors the
// same full-rewrite contract as FileStore: Save replaces the whole
// document inside one transaction.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens or creates the database and applies the schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database %s: %w", dbPath, err)
	}

	// SQLite doesn't support concurrent writes
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		log.Warn().Err(err).Msg("failed to enable WAL mode")
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply state schema: %w", err)
	}

	log.Info().Str("path", dbPath).Msg("state database opened")
	return &SQLiteStore{db: db, path: dbPath}, nil
}

// Load reads the full snapshot.
func (s *SQLiteStore) Load() (Snapshot, error) {
	snap := emptySnapshot()

	rows, err := s.db.Query("SELECT team, ts FROM watermarks")
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to load watermarks: %w", err)
	}
	for rows.Next() {
		var team string
		var ts int64
		if err := rows.Scan(&team, &ts); err != nil {
			rows.Close()
			return Snapshot{}, err
		}
		snap.LastPostedMessage[team] = ts
	}
	rows.Close()

	rows, err = s.db.Query("SELECT player_id FROM redlist")
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to load redlist: %w", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return Snapshot{}, err
		}
		snap.Redlist = append(snap.Redlist, id)
	}
	rows.Close()

	rows, err = s.db.Query("SELECT channel, origin_tag, text FROM outbound ORDER BY channel, seq")
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to load outbound queues: %w", err)
	}
	for rows.Next() {
		var channel, tag, text string
		if err := rows.Scan(&channel, &tag, &text); err != nil {
			rows.Close()
			return Snapshot{}, err
		}
		snap.QueuedMessages[channel] = append(snap.QueuedMessages[channel], [2]string{tag, text})
	}
	rows.Close()

	rows, err = s.db.Query("SELECT team, ref FROM status_messages")
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to load status messages: %w", err)
	}
	for rows.Next() {
		var team, ref string
		if err := rows.Scan(&team, &ref); err != nil {
			rows.Close()
			return Snapshot{}, err
		}
		snap.StatusMessage[team] = ref
	}
	rows.Close()

	return snap, nil
}

// Save replaces the whole snapshot in one transaction.
func (s *SQLiteStore) Save(snap Snapshot) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin state transaction: %w", err)
	}

	for _, table := range []string{"watermarks", "redlist", "outbound", "status_messages"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	for team, ts := range snap.LastPostedMessage {
		if _, err := tx.Exec("INSERT INTO watermarks (team, ts) VALUES (?, ?)", team, ts); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to store watermark: %w", err)
		}
	}
	for _, id := range snap.Redlist {
		if _, err := tx.Exec("INSERT INTO redlist (player_id) VALUES (?)", id); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to store redlist entry: %w", err)
		}
	}
	for channel, entries := range snap.QueuedMessages {
		for seq, e := range entries {
			if _, err := tx.Exec(
				"INSERT INTO outbound (channel, seq, origin_tag, text) VALUES (?, ?, ?, ?)",
				channel, seq, e[0], e[1]); err != nil {
				tx.Rollback()
				return fmt.Errorf("failed to store outbound entry: %w", err)
			}
		}
	}
	for team, ref := range snap.StatusMessage {
		if _, err := tx.Exec("INSERT INTO status_messages (team, ref) VALUES (?, ?)", team, ref); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to store status message ref: %w", err)
		}
	}

	return tx.Commit()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
