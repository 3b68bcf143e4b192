package storage

import "time"

// PluginRow is the persisted mirror of a plugin record. Config, dependency
// and route columns hold JSON blobs; the registry never deserializes them
// back into live state.
type PluginRow struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Version      string    `json:"version"`
	Author       string    `json:"author"`
	Description  string    `json:"description"`
	Enabled      bool      `json:"enabled"`
	Config       string    `json:"config"`
	Dependencies string    `json:"dependencies"`
	Routes       string    `json:"routes"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// PluginStore is the persistence contract the lifecycle manager writes
// through. Implementations must treat Upsert as last-writer-wins.
type PluginStore interface {
	UpsertPlugin(row *PluginRow) error
	SetEnabled(id string, enabled bool) error
	UpdateConfig(id string, config string) error
	DeletePlugin(id string) error
	ListPlugins() ([]*PluginRow, error)
	Close() error
}

// KVStore is the scoped key-value surface handed to plugin code through the
// persistence handle. Keys are namespaced per plugin id.
type KVStore interface {
	KVGet(pluginID, key string) (string, bool, error)
	KVSet(pluginID, key, value string) error
	KVDelete(pluginID, key string) error
}
