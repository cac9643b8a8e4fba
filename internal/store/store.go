// Package store persists device settings, channel states, and pending
// events in a local SQLite database. It is the only durable state the
// agent has; everything else is rebuilt at boot.
package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the SQLite database holding all persisted device state.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at the given path and applies
// migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return s, nil
}

// OpenReadOnly opens an existing database without write access, for
// inspection tools running next to a live agent.
func OpenReadOnly(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the schema. Statements are idempotent so migrate runs on
// every open.
func (s *Store) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS channel_states (
			channel INTEGER PRIMARY KEY,
			on_state INTEGER NOT NULL DEFAULT 0,
			source TEXT NOT NULL DEFAULT '',
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			channel INTEGER NOT NULL,
			kind TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			synced INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_synced ON events(synced, id)`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// GetSetting returns the value for key, or "" when the key is absent.
func (s *Store) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return value, nil
}

// SetSetting stores or replaces the value for key.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now())
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

// DeleteSetting removes key. Deleting an absent key is not an error.
func (s *Store) DeleteSetting(key string) error {
	if _, err := s.db.Exec(`DELETE FROM settings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete setting %s: %w", key, err)
	}
	return nil
}

// AllSettings returns every stored setting keyed by name.
func (s *Store) AllSettings() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		settings[key] = value
	}
	return settings, rows.Err()
}

// GetBoolSetting reads a setting stored as "1"/"0". Absent keys return the
// given default.
func (s *Store) GetBoolSetting(key string, def bool) (bool, error) {
	v, err := s.GetSetting(key)
	if err != nil {
		return def, err
	}
	if v == "" {
		return def, nil
	}
	return v == "1" || v == "true", nil
}

// SetBoolSetting stores a boolean setting as "1" or "0".
func (s *Store) SetBoolSetting(key string, value bool) error {
	v := "0"
	if value {
		v = "1"
	}
	return s.SetSetting(key, v)
}

// GetFloatSetting reads a numeric setting. Absent or unparseable values
// return the given default.
func (s *Store) GetFloatSetting(key string, def float64) (float64, error) {
	v, err := s.GetSetting(key)
	if err != nil {
		return def, err
	}
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, nil
	}
	return f, nil
}

// SetFloatSetting stores a numeric setting.
func (s *Store) SetFloatSetting(key string, value float64) error {
	return s.SetSetting(key, strconv.FormatFloat(value, 'f', -1, 64))
}

// EnsureDeviceID returns the persisted device ID, generating and storing
// one on first call. The ID is never regenerated once set.
func (s *Store) EnsureDeviceID() (string, error) {
	id, err := s.GetSetting(KeyDeviceID)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}

	id = uuid.New().String()
	if err := s.SetSetting(KeyDeviceID, id); err != nil {
		return "", err
	}
	return id, nil
}

// UpsertChannelState records the latest observed state of a channel.
func (s *Store) UpsertChannelState(channel int, on bool, source string) error {
	onInt := 0
	if on {
		onInt = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO channel_states (channel, on_state, source, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(channel) DO UPDATE SET
			on_state = excluded.on_state,
			source = excluded.source,
			updated_at = excluded.updated_at`,
		channel, onInt, source, time.Now())
	if err != nil {
		return fmt.Errorf("failed to upsert channel state: %w", err)
	}
	return nil
}

// GetChannelStates returns the last known state of every channel.
func (s *Store) GetChannelStates() ([]ChannelState, error) {
	rows, err := s.db.Query(`
		SELECT channel, on_state, source, updated_at FROM channel_states ORDER BY channel`)
	if err != nil {
		return nil, fmt.Errorf("failed to query channel states: %w", err)
	}
	defer rows.Close()

	var states []ChannelState
	for rows.Next() {
		var cs ChannelState
		var onInt int
		if err := rows.Scan(&cs.Channel, &onInt, &cs.Source, &cs.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan channel state: %w", err)
		}
		cs.On = onInt != 0
		states = append(states, cs)
	}
	return states, rows.Err()
}

// AppendEvent queues an event for upload.
func (s *Store) AppendEvent(channel int, kind, state string) error {
	_, err := s.db.Exec(`
		INSERT INTO events (channel, kind, state, created_at, synced) VALUES (?, ?, ?, ?, 0)`,
		channel, kind, state, time.Now())
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// GetUnsyncedEvents returns up to limit queued events in insertion order.
func (s *Store) GetUnsyncedEvents(limit int) ([]*Event, error) {
	rows, err := s.db.Query(`
		SELECT id, channel, kind, state, created_at, synced
		FROM events WHERE synced = 0 ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsynced events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		var syncedInt int
		if err := rows.Scan(&e.ID, &e.Channel, &e.Kind, &e.State, &e.CreatedAt, &syncedInt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Synced = syncedInt != 0
		events = append(events, &e)
	}
	return events, rows.Err()
}

// MarkEventsSynced flags the given event IDs as uploaded.
func (s *Store) MarkEventsSynced(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	_, err := s.db.Exec(
		`UPDATE events SET synced = 1 WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("failed to mark events synced: %w", err)
	}
	return nil
}

// GetRecentEvents returns the newest events first, synced or not, for the
// inspection CLI.
func (s *Store) GetRecentEvents(limit int) ([]*Event, error) {
	rows, err := s.db.Query(`
		SELECT id, channel, kind, state, created_at, synced
		FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		var syncedInt int
		if err := rows.Scan(&e.ID, &e.Channel, &e.Kind, &e.State, &e.CreatedAt, &syncedInt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Synced = syncedInt != 0
		events = append(events, &e)
	}
	return events, rows.Err()
}

// PruneSyncedEvents removes uploaded events older than the given age so
// the database stays small on long-lived devices.
func (s *Store) PruneSyncedEvents(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res, err := s.db.Exec(`DELETE FROM events WHERE synced = 1 AND created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
