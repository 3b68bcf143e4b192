package plugins

import (
	"regexp"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// versionRegex is the accepted version format. Stricter than full semver:
// no pre-release or build metadata.
var versionRegex = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// RouteDecl is a single HTTP route declared by a plugin. Sub-paths are
// mounted under /api/plugins/{id}. Path segments of the form {name} are
// captured and passed to the handler as params.
type RouteDecl struct {
	Method       string
	Path         string
	Handler      *lua.LFunction
	RequireAuth  bool
	RequireAdmin bool
}

// AdminPanel describes an optional admin-panel contribution.
type AdminPanel struct {
	Title string
	Icon  string
	Path  string
}

// Frontend is an optional asset bundle injected into host pages.
type Frontend struct {
	Style  string
	Script string
}

// Descriptor is the immutable contract a plugin exports when evaluated.
type Descriptor struct {
	ID           string
	Name         string
	Version      string
	Author       string
	Description  string
	Icon         string
	Category     string
	Config       map[string]interface{}
	Dependencies []string
	Routes       []RouteDecl
	AdminPanel   *AdminPanel
	Frontend     *Frontend
	Hooks        map[string]*lua.LFunction
	Init         *lua.LFunction
	Destroy      *lua.LFunction
}

// Record is the runtime entity owned by the Registry: the descriptor plus
// mutable state. Mutation goes through the lifecycle manager, which holds a
// per-identifier lock; the embedded mutex makes the hot-path reads from the
// route dispatcher safe against toggles.
type Record struct {
	Descriptor

	SourcePath string    // backing .lua file or bundle directory
	Dir        string    // directory asset hints resolve against
	LoadedAt   time.Time

	mu        sync.RWMutex
	enabled   bool
	staticDir string
	viewsDir  string
	routes    []RouteDecl // declared routes plus dynamic binds from init

	runtime *Runtime
}

// Enabled reports whether the plugin's routes are reachable.
func (r *Record) Enabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled
}

func (r *Record) setEnabled(v bool) {
	r.mu.Lock()
	r.enabled = v
	r.mu.Unlock()
}

// StaticDir returns the resolved static-asset directory, or "" if the
// plugin declared none.
func (r *Record) StaticDir() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.staticDir
}

// ViewsDir returns the resolved view-template directory, or "".
func (r *Record) ViewsDir() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.viewsDir
}

func (r *Record) setAssetDirs(static, views string) {
	r.mu.Lock()
	r.staticDir = static
	r.viewsDir = views
	r.mu.Unlock()
}

// RouteList returns a snapshot of the plugin's bound routes.
func (r *Record) RouteList() []RouteDecl {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RouteDecl, len(r.routes))
	copy(out, r.routes)
	return out
}

func (r *Record) setRoutes(routes []RouteDecl) {
	r.mu.Lock()
	r.routes = routes
	r.mu.Unlock()
}

func (r *Record) appendRoute(route RouteDecl) {
	r.mu.Lock()
	r.routes = append(r.routes, route)
	r.mu.Unlock()
}

// SetConfig replaces the plugin's configuration map.
func (r *Record) SetConfig(cfg map[string]interface{}) {
	r.mu.Lock()
	r.Config = cfg
	r.mu.Unlock()
}

// Info is the JSON-serializable view of a Record returned by the API.
type Info struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Version      string                 `json:"version"`
	Author       string                 `json:"author,omitempty"`
	Description  string                 `json:"description,omitempty"`
	Icon         string                 `json:"icon,omitempty"`
	Category     string                 `json:"category,omitempty"`
	Enabled      bool                   `json:"enabled"`
	Config       map[string]interface{} `json:"config,omitempty"`
	Dependencies []string               `json:"dependencies,omitempty"`
	Routes       []RouteInfo            `json:"routes,omitempty"`
	AdminPanel   *AdminPanel            `json:"adminPanel,omitempty"`
	LoadedAt     time.Time              `json:"loadedAt"`
}

// RouteInfo is the serializable shape of a route declaration.
type RouteInfo struct {
	Method       string `json:"method"`
	Path         string `json:"path"`
	RequireAuth  bool   `json:"requireAuth,omitempty"`
	RequireAdmin bool   `json:"requireAdmin,omitempty"`
}

// Info builds the serializable view of the record.
func (r *Record) Info() Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	routes := make([]RouteInfo, 0, len(r.routes))
	for _, rt := range r.routes {
		routes = append(routes, RouteInfo{
			Method:       rt.Method,
			Path:         rt.Path,
			RequireAuth:  rt.RequireAuth,
			RequireAdmin: rt.RequireAdmin,
		})
	}

	return Info{
		ID:           r.ID,
		Name:         r.Name,
		Version:      r.Version,
		Author:       r.Author,
		Description:  r.Description,
		Icon:         r.Icon,
		Category:     r.Category,
		Enabled:      r.enabled,
		Config:       r.Config,
		Dependencies: r.Dependencies,
		Routes:       routes,
		AdminPanel:   r.AdminPanel,
		LoadedAt:     r.LoadedAt,
	}
}
