package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS plugins (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	version      TEXT NOT NULL,
	author       TEXT NOT NULL DEFAULT '',
	description  TEXT NOT NULL DEFAULT '',
	enabled      INTEGER NOT NULL DEFAULT 1,
	config       TEXT NOT NULL DEFAULT '{}',
	dependencies TEXT NOT NULL DEFAULT '[]',
	routes       TEXT NOT NULL DEFAULT '[]',
	created_at   TIMESTAMP NOT NULL,
	updated_at   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS plugin_kv (
	plugin_id TEXT NOT NULL,
	key       TEXT NOT NULL,
	value     TEXT NOT NULL,
	PRIMARY KEY (plugin_id, key)
);
`

// SQLiteStore implements PluginStore and KVStore on a local sqlite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and
// ensures the schema exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// UpsertPlugin implements PluginStore.UpsertPlugin.
func (s *SQLiteStore) UpsertPlugin(row *PluginRow) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO plugins (id, name, version, author, description, enabled, config, dependencies, routes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			version = excluded.version,
			author = excluded.author,
			description = excluded.description,
			enabled = excluded.enabled,
			config = excluded.config,
			dependencies = excluded.dependencies,
			routes = excluded.routes,
			updated_at = excluded.updated_at`,
		row.ID, row.Name, row.Version, row.Author, row.Description,
		row.Enabled, row.Config, row.Dependencies, row.Routes, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert plugin %s: %w", row.ID, err)
	}
	return nil
}

// SetEnabled implements PluginStore.SetEnabled.
func (s *SQLiteStore) SetEnabled(id string, enabled bool) error {
	_, err := s.db.Exec(`UPDATE plugins SET enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update enabled flag for %s: %w", id, err)
	}
	return nil
}

// UpdateConfig implements PluginStore.UpdateConfig.
func (s *SQLiteStore) UpdateConfig(id string, config string) error {
	_, err := s.db.Exec(`UPDATE plugins SET config = ?, updated_at = ? WHERE id = ?`,
		config, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update config for %s: %w", id, err)
	}
	return nil
}

// DeletePlugin implements PluginStore.DeletePlugin. Removes the mirror row
// and the plugin's key-value namespace.
func (s *SQLiteStore) DeletePlugin(id string) error {
	if _, err := s.db.Exec(`DELETE FROM plugin_kv WHERE plugin_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete plugin kv for %s: %w", id, err)
	}
	if _, err := s.db.Exec(`DELETE FROM plugins WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete plugin %s: %w", id, err)
	}
	return nil
}

// ListPlugins implements PluginStore.ListPlugins.
func (s *SQLiteStore) ListPlugins() ([]*PluginRow, error) {
	rows, err := s.db.Query(`
		SELECT id, name, version, author, description, enabled, config, dependencies, routes, created_at, updated_at
		FROM plugins ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list plugins: %w", err)
	}
	defer rows.Close()

	var out []*PluginRow
	for rows.Next() {
		var r PluginRow
		if err := rows.Scan(&r.ID, &r.Name, &r.Version, &r.Author, &r.Description,
			&r.Enabled, &r.Config, &r.Dependencies, &r.Routes, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan plugin row: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// KVGet implements KVStore.KVGet.
func (s *SQLiteStore) KVGet(pluginID, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM plugin_kv WHERE plugin_id = ? AND key = ?`,
		pluginID, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read kv %s/%s: %w", pluginID, key, err)
	}
	return value, true, nil
}

// KVSet implements KVStore.KVSet.
func (s *SQLiteStore) KVSet(pluginID, key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO plugin_kv (plugin_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT(plugin_id, key) DO UPDATE SET value = excluded.value`,
		pluginID, key, value)
	if err != nil {
		return fmt.Errorf("failed to write kv %s/%s: %w", pluginID, key, err)
	}
	return nil
}

// KVDelete implements KVStore.KVDelete.
func (s *SQLiteStore) KVDelete(pluginID, key string) error {
	if _, err := s.db.Exec(`DELETE FROM plugin_kv WHERE plugin_id = ? AND key = ?`, pluginID, key); err != nil {
		return fmt.Errorf("failed to delete kv %s/%s: %w", pluginID, key, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
