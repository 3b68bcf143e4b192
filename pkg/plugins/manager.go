package plugins

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"

	"github.com/lanternhost/lantern/pkg/observability"
	"github.com/lanternhost/lantern/pkg/realtime"
	"github.com/lanternhost/lantern/pkg/storage"
)

// EventsRoom is the realtime room lifecycle announcements are emitted on.
const EventsRoom = "plugins"

// Manager orchestrates plugin lifecycle transitions: load, enable/disable,
// delete. It is the only writer of the registry and the persistence mirror,
// and serializes operations per plugin identifier with a keyed lock;
// operations on different identifiers proceed independently.
//
// Side-effect failures after the registration decision (initialize errors,
// persistence writes, file removal) are logged and non-fatal: the system
// favors forward progress over strict transactionality. Validation failures
// abort before any mutation.
type Manager struct {
	registry    *Registry
	store       storage.PluginStore
	kv          storage.KVStore
	broadcaster realtime.Broadcaster
	metrics     *observability.Metrics
	log         *logrus.Logger

	pluginsDir string
	budget     time.Duration

	locks keyedLocks
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithStore sets the persistence mirror.
func WithStore(s storage.PluginStore) ManagerOption {
	return func(m *Manager) { m.store = s }
}

// WithKV sets the key-value store handed to plugin code.
func WithKV(kv storage.KVStore) ManagerOption {
	return func(m *Manager) { m.kv = kv }
}

// WithBroadcaster sets the realtime channel for lifecycle announcements.
func WithBroadcaster(b realtime.Broadcaster) ManagerOption {
	return func(m *Manager) { m.broadcaster = b }
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *observability.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// WithBudget sets the execution time budget for plugin code.
func WithBudget(d time.Duration) ManagerOption {
	return func(m *Manager) { m.budget = d }
}

// WithLogger sets the logger.
func WithLogger(log *logrus.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

// NewManager creates a lifecycle manager over the given plugins directory.
func NewManager(pluginsDir string, opts ...ManagerOption) *Manager {
	m := &Manager{
		registry:   NewRegistry(),
		pluginsDir: pluginsDir,
		budget:     DefaultBudget,
		log:        logrus.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Registry returns the authoritative registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// PluginsDir returns the directory plugin sources live in.
func (m *Manager) PluginsDir() string {
	return m.pluginsDir
}

// Load reads a plugin source (a .lua file, a plugin.yaml manifest, or a
// bundle directory), executes it in a fresh sandbox, validates the exported
// descriptor, initializes the plugin and registers it enabled. Re-loading an
// already-registered identifier destroys the old instance first
// (last-load-wins).
func (m *Manager) Load(path string) (*Record, error) {
	id := DeriveID(filepath.Base(path))
	if id == "" {
		return nil, fmt.Errorf("%w: cannot derive identifier from %q", ErrValidationFailed, filepath.Base(path))
	}

	unlock := m.locks.lock(id)
	defer unlock()
	return m.loadLocked(id, path)
}

func (m *Manager) loadLocked(id, path string) (rec *Record, err error) {
	defer func() { m.metrics.ObserveLifecycle("load", err) }()

	source, dir, err := m.readSource(path)
	if err != nil {
		return nil, err
	}

	log := m.log.WithField("plugin", id)
	rt, desc, err := Evaluate(source, filepath.Base(path), m.budget, log)
	if err != nil {
		if errors.Is(err, ErrExecutionTimeout) {
			m.metrics.ObserveTimeout()
		}
		return nil, err
	}
	desc.ID = id

	if err := Validate(desc); err != nil {
		rt.Close()
		return nil, err
	}

	// Last-load-wins: tear the previous instance down before the overwrite
	// so its destroy procedure and timers cannot outlive it.
	if old := m.registry.Get(id); old != nil {
		m.destroyRecord(old, log)
		old.runtime.Close()
	}

	rec = &Record{
		Descriptor: *desc,
		SourcePath: path,
		Dir:        dir,
		LoadedAt:   time.Now().UTC(),
		enabled:    true,
		routes:     desc.Routes,
		runtime:    rt,
	}

	m.initializeRecord(rec, log)

	m.registry.Put(rec)
	m.metrics.SetPluginsLoaded(m.registry.Count())

	if err := m.persist(rec); err != nil {
		log.WithError(err).Warn("failed to mirror plugin to persistence")
	}
	m.emit("plugin:loaded", rec.Info())
	log.Infof("Loaded plugin %s v%s", desc.Name, desc.Version)

	return rec, nil
}

// Toggle flips a plugin's enabled flag. Disabling runs the destroy
// procedure and stops timers; enabling runs initialize again (plugins must
// tolerate re-initialization). Side-effect errors are logged; the flag
// change itself always succeeds once the record exists.
func (m *Manager) Toggle(id string, enabled bool) (rec *Record, err error) {
	defer func() { m.metrics.ObserveLifecycle("toggle", err) }()

	unlock := m.locks.lock(id)
	defer unlock()

	rec = m.registry.Get(id)
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	log := m.log.WithField("plugin", id)
	was := rec.Enabled()
	rec.setEnabled(enabled)

	if serr := m.storeSetEnabled(id, enabled); serr != nil {
		log.WithError(serr).Warn("failed to persist enabled flag")
	}

	switch {
	case was && !enabled:
		m.destroyRecord(rec, log)
		m.emit("plugin:disabled", map[string]interface{}{"id": id})
		log.Info("Plugin disabled")
	case !was && enabled:
		m.initializeRecord(rec, log)
		m.emit("plugin:enabled", map[string]interface{}{"id": id})
		log.Info("Plugin enabled")
	}

	return rec, nil
}

// Delete destroys a plugin, removes it from the registry, deletes the
// backing source and the persistence row. Cleanup is best-effort: destroy
// and file-removal failures are logged and the delete still completes with
// the record gone from the registry.
func (m *Manager) Delete(id string) (err error) {
	defer func() { m.metrics.ObserveLifecycle("delete", err) }()

	unlock := m.locks.lock(id)
	defer unlock()

	rec := m.registry.Get(id)
	if rec == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	log := m.log.WithField("plugin", id)
	m.destroyRecord(rec, log)
	rec.runtime.Close()

	m.registry.Remove(id)
	m.metrics.SetPluginsLoaded(m.registry.Count())

	if rec.SourcePath != "" {
		if rerr := os.RemoveAll(rec.SourcePath); rerr != nil {
			log.WithError(rerr).Warn("failed to remove plugin source")
		}
	}
	if m.store != nil {
		if serr := m.store.DeletePlugin(id); serr != nil {
			log.WithError(serr).Warn("failed to delete plugin mirror row")
		}
	}

	m.emit("plugin:deleted", map[string]interface{}{"id": id})
	log.Info("Plugin deleted")
	return nil
}

// SetConfig replaces a plugin's configuration map and persists it.
func (m *Manager) SetConfig(id string, cfg map[string]interface{}) (*Record, error) {
	unlock := m.locks.lock(id)
	defer unlock()

	rec := m.registry.Get(id)
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	rec.SetConfig(cfg)
	if m.store != nil {
		data, _ := json.Marshal(cfg)
		if err := m.store.UpdateConfig(id, string(data)); err != nil {
			m.log.WithField("plugin", id).WithError(err).Warn("failed to persist config")
		}
	}
	return rec, nil
}

// Fire invokes a named hook on a plugin, if declared. Hook errors are
// returned to the caller but never crash the host.
func (m *Manager) Fire(id, hook string, payload interface{}) error {
	rec := m.registry.Get(id)
	if rec == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	fn, ok := rec.Hooks[hook]
	if !ok {
		return nil
	}
	return rec.runtime.Do(func(l *lua.LState) error {
		l.Push(fn)
		l.Push(goToLua(l, payload))
		return l.PCall(1, 0, nil)
	})
}

// LoadAll loads every plugin source already present in the plugins
// directory and reconciles enabled flags against the persistence mirror.
// Individual plugin failures are logged and skipped so the host still
// starts.
func (m *Manager) LoadAll() error {
	disabled := make(map[string]bool)
	if m.store != nil {
		rows, err := m.store.ListPlugins()
		if err != nil {
			m.log.WithError(err).Warn("failed to read plugin mirror; assuming all enabled")
		}
		for _, row := range rows {
			if !row.Enabled {
				disabled[row.ID] = true
			}
		}
	}

	entries, err := os.ReadDir(m.pluginsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read plugins directory: %w", err)
	}

	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if !entry.IsDir() && !isPluginSource(entry.Name()) {
			continue
		}
		path := filepath.Join(m.pluginsDir, entry.Name())
		rec, err := m.Load(path)
		if err != nil {
			m.log.WithField("path", path).WithError(err).Warn("failed to load plugin at startup")
			continue
		}
		if disabled[rec.ID] {
			if _, err := m.Toggle(rec.ID, false); err != nil {
				m.log.WithField("plugin", rec.ID).WithError(err).Warn("failed to reapply disabled flag")
			}
		}
	}
	return nil
}

// Shutdown destroys and closes every loaded plugin without touching the
// persistence mirror, so state survives a restart.
func (m *Manager) Shutdown() {
	for _, rec := range m.registry.ListAll() {
		log := m.log.WithField("plugin", rec.ID)
		if rec.Enabled() {
			m.destroyRecord(rec, log)
		}
		rec.runtime.Close()
		m.registry.Remove(rec.ID)
	}
	m.metrics.SetPluginsLoaded(0)
}

// readSource resolves a path into plugin source text and the directory
// asset hints resolve against. Bundle directories are searched for the
// manifest first, then the conventional entry files.
func (m *Manager) readSource(path string) (source, dir string, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", "", fmt.Errorf("failed to stat plugin source: %w", err)
	}

	if info.IsDir() {
		manifestPath := filepath.Join(path, ManifestFileName)
		if data, rerr := os.ReadFile(manifestPath); rerr == nil {
			manifest, perr := ParseManifest(data)
			if perr != nil {
				return "", "", perr
			}
			return manifest.Synthesize(), path, nil
		}
		for _, entry := range []string{"index.plugin.lua", "init.lua"} {
			if data, rerr := os.ReadFile(filepath.Join(path, entry)); rerr == nil {
				return string(data), path, nil
			}
		}
		return "", "", fmt.Errorf("%w: %s has neither %s nor a plugin entry file", ErrNoManifestFound, path, ManifestFileName)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("failed to read plugin source: %w", err)
	}
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		manifest, perr := ParseManifest(data)
		if perr != nil {
			return "", "", perr
		}
		return manifest.Synthesize(), filepath.Dir(path), nil
	}
	return string(data), filepath.Dir(path), nil
}

// initializeRecord calls the plugin's initialize procedure with the host
// app handle, the realtime channel and the persistence handle, then
// resolves any returned asset-path hints relative to the plugin directory.
// Initialize failures are logged; the record still stands.
func (m *Manager) initializeRecord(rec *Record, log *logrus.Entry) {
	// Reset to the declared routes so a re-initialization (re-enable) does
	// not accumulate duplicate dynamic binds.
	declared := make([]RouteDecl, len(rec.Descriptor.Routes))
	copy(declared, rec.Descriptor.Routes)
	rec.setRoutes(declared)

	if rec.Init == nil {
		return
	}

	var hints map[string]interface{}
	err := rec.runtime.Do(func(l *lua.LState) error {
		l.Push(rec.Init)
		l.Push(m.appHandle(l, rec))
		l.Push(m.realtimeHandle(l))
		l.Push(m.kvHandle(l, rec.ID))
		if err := l.PCall(3, 1, nil); err != nil {
			return err
		}
		ret := l.Get(-1)
		l.Pop(1)
		if h, ok := luaToGo(ret).(map[string]interface{}); ok {
			hints = h
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrExecutionTimeout) {
			m.metrics.ObserveTimeout()
		}
		log.WithError(err).Warn("plugin initialize failed")
		return
	}

	static := resolveAssetHint(rec.Dir, hints["static"])
	views := resolveAssetHint(rec.Dir, hints["views"])
	if static != "" || views != "" {
		rec.setAssetDirs(static, views)
	}
}

// resolveAssetHint joins a relative hint with the plugin's own directory.
// Absolute paths and paths escaping the plugin directory are rejected.
func resolveAssetHint(dir string, hint interface{}) string {
	s, ok := hint.(string)
	if !ok || s == "" || dir == "" {
		return ""
	}
	if filepath.IsAbs(s) {
		return ""
	}
	joined := filepath.Join(dir, s)
	if !strings.HasPrefix(joined, filepath.Clean(dir)+string(filepath.Separator)) {
		return ""
	}
	return joined
}

// destroyRecord runs the plugin's destroy procedure and stops its timers.
// Destroy errors are logged, never fatal.
func (m *Manager) destroyRecord(rec *Record, log *logrus.Entry) {
	rec.runtime.StopTimers()
	if rec.Destroy == nil {
		return
	}
	err := rec.runtime.Do(func(l *lua.LState) error {
		l.Push(rec.Destroy)
		return l.PCall(0, 0, nil)
	})
	if err != nil {
		if errors.Is(err, ErrExecutionTimeout) {
			m.metrics.ObserveTimeout()
		}
		log.WithError(err).Warn("plugin destroy failed")
	}
}

// appHandle builds the host application surface passed to initialize:
// bind(method, path, handler) registers an additional route for the plugin.
func (m *Manager) appHandle(l *lua.LState, rec *Record) *lua.LTable {
	app := l.NewTable()
	app.RawSetString("bind", l.NewFunction(func(L *lua.LState) int {
		method := strings.ToUpper(L.CheckString(1))
		path := L.CheckString(2)
		handler := L.CheckFunction(3)
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		rec.appendRoute(RouteDecl{Method: method, Path: path, Handler: handler})
		return 0
	}))
	return app
}

// realtimeHandle builds the broadcast surface passed to initialize:
// emit(room, event, payload).
func (m *Manager) realtimeHandle(l *lua.LState) *lua.LTable {
	rt := l.NewTable()
	rt.RawSetString("emit", l.NewFunction(func(L *lua.LState) int {
		room := L.CheckString(1)
		event := L.CheckString(2)
		var payload interface{}
		if L.GetTop() >= 3 {
			payload = luaToGo(L.Get(3))
		}
		if m.broadcaster != nil {
			m.broadcaster.EmitToRoom(room, event, payload)
		}
		return 0
	}))
	return rt
}

// kvHandle builds the persistence surface passed to initialize, scoped to
// the plugin's identifier: get(key), set(key, value), delete(key).
func (m *Manager) kvHandle(l *lua.LState, pluginID string) *lua.LTable {
	kv := l.NewTable()
	kv.RawSetString("get", l.NewFunction(func(L *lua.LState) int {
		if m.kv == nil {
			L.Push(lua.LNil)
			return 1
		}
		value, ok, err := m.kv.KVGet(pluginID, L.CheckString(1))
		if err != nil || !ok {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(lua.LString(value))
		return 1
	}))
	kv.RawSetString("set", l.NewFunction(func(L *lua.LState) int {
		if m.kv == nil {
			return 0
		}
		if err := m.kv.KVSet(pluginID, L.CheckString(1), L.CheckString(2)); err != nil {
			L.RaiseError("kv set failed: %s", err.Error())
		}
		return 0
	}))
	kv.RawSetString("delete", l.NewFunction(func(L *lua.LState) int {
		if m.kv == nil {
			return 0
		}
		if err := m.kv.KVDelete(pluginID, L.CheckString(1)); err != nil {
			L.RaiseError("kv delete failed: %s", err.Error())
		}
		return 0
	}))
	return kv
}

// persist mirrors a record into the plugins table.
func (m *Manager) persist(rec *Record) error {
	if m.store == nil {
		return nil
	}

	info := rec.Info()
	config, _ := json.Marshal(info.Config)
	deps, _ := json.Marshal(info.Dependencies)
	routes, _ := json.Marshal(info.Routes)

	return m.store.UpsertPlugin(&storage.PluginRow{
		ID:           info.ID,
		Name:         info.Name,
		Version:      info.Version,
		Author:       info.Author,
		Description:  info.Description,
		Enabled:      info.Enabled,
		Config:       string(config),
		Dependencies: string(deps),
		Routes:       string(routes),
	})
}

func (m *Manager) storeSetEnabled(id string, enabled bool) error {
	if m.store == nil {
		return nil
	}
	return m.store.SetEnabled(id, enabled)
}

func (m *Manager) emit(event string, payload interface{}) {
	if m.broadcaster != nil {
		m.broadcaster.EmitToRoom(EventsRoom, event, payload)
	}
}

// isPluginSource reports whether a filename looks like an installable plugin
// source.
func isPluginSource(name string) bool {
	return strings.HasSuffix(name, ".lua") || strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}

// DeriveID slugifies an uploaded filename into a plugin identifier: known
// extensions are stripped and only letters, digits, underscore and hyphen
// survive.
func DeriveID(filename string) string {
	name := filepath.Base(filename)
	for _, suffix := range []string{".zip", ".lua", ".yaml", ".yml", ".js"} {
		name = strings.TrimSuffix(name, suffix)
	}
	name = strings.TrimSuffix(name, ".plugin")

	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}
