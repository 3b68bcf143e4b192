package plugins

import (
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"

	"github.com/lanternhost/lantern/pkg/httputil"
	"github.com/lanternhost/lantern/pkg/middleware"
	"github.com/lanternhost/lantern/pkg/observability"
)

const maxRequestBody = 1 << 20 // 1 MiB

// Binder dispatches HTTP requests to plugin-declared routes. Instead of
// mutating the router when plugins come and go, a single catch-all route is
// mounted once and every request consults the registry, so a disabled or
// deleted plugin stops serving immediately.
type Binder struct {
	registry *Registry
	metrics  *observability.Metrics
	log      *logrus.Logger
}

// NewBinder creates a dispatcher over the given registry.
func NewBinder(registry *Registry, metrics *observability.Metrics, log *logrus.Logger) *Binder {
	if log == nil {
		log = logrus.New()
	}
	return &Binder{registry: registry, metrics: metrics, log: log}
}

// Mount attaches the dispatcher and the static asset handler to the router.
func (b *Binder) Mount(r *mux.Router) {
	r.PathPrefix("/api/plugins/{plugin}/").HandlerFunc(b.Dispatch)
	r.PathPrefix("/plugins/{plugin}/static/").HandlerFunc(b.ServeStatic)
}

// Dispatch routes a request to the matching plugin handler.
func (b *Binder) Dispatch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	vars := mux.Vars(r)
	pluginID := vars["plugin"]

	status := b.dispatch(w, r, pluginID)
	b.metrics.ObserveDispatch(pluginID, strconv.Itoa(status), time.Since(start).Seconds())
}

func (b *Binder) dispatch(w http.ResponseWriter, r *http.Request, pluginID string) int {
	rec := b.registry.Get(pluginID)
	if rec == nil || !rec.Enabled() {
		httputil.WriteError(w, http.StatusNotFound, "plugin not found")
		return http.StatusNotFound
	}

	subpath := strings.TrimPrefix(r.URL.Path, "/api/plugins/"+pluginID)
	if subpath == "" {
		subpath = "/"
	}

	var matched *RouteDecl
	var params map[string]string
	for _, route := range rec.RouteList() {
		if route.Method != r.Method {
			continue
		}
		if p, ok := matchRoute(route.Path, subpath); ok {
			route := route
			matched = &route
			params = p
			break
		}
	}
	if matched == nil {
		httputil.WriteError(w, http.StatusNotFound, "no such route")
		return http.StatusNotFound
	}

	user, authed := middleware.UserFromContext(r.Context())
	if matched.RequireAuth && !authed {
		httputil.WriteError(w, http.StatusUnauthorized, "authentication required")
		return http.StatusUnauthorized
	}
	if matched.RequireAdmin && (!authed || !user.Admin) {
		httputil.WriteError(w, http.StatusForbidden, "admin access required")
		return http.StatusForbidden
	}

	body, _ := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))

	var result interface{}
	err := rec.runtime.Do(func(l *lua.LState) error {
		l.Push(matched.Handler)
		l.Push(b.requestTable(l, r, subpath, params, body, user))
		if err := l.PCall(1, 1, nil); err != nil {
			return err
		}
		result = luaToGo(l.Get(-1))
		l.Pop(1)
		return nil
	})
	if err != nil {
		log := b.log.WithField("plugin", pluginID).WithField("path", subpath)
		switch {
		case errors.Is(err, ErrExecutionTimeout):
			b.metrics.ObserveTimeout()
			log.WithError(err).Warn("plugin handler exceeded time budget")
			httputil.WriteError(w, http.StatusGatewayTimeout, "plugin handler timed out")
			return http.StatusGatewayTimeout
		default:
			log.WithError(err).Error("plugin handler failed")
			httputil.WriteError(w, http.StatusInternalServerError, "internal plugin error")
			return http.StatusInternalServerError
		}
	}

	return writeHandlerResult(w, result)
}

// requestTable builds the Lua view of the incoming request.
func (b *Binder) requestTable(l *lua.LState, r *http.Request, subpath string, params map[string]string, body []byte, user *middleware.User) *lua.LTable {
	req := l.NewTable()
	req.RawSetString("method", lua.LString(r.Method))
	req.RawSetString("path", lua.LString(subpath))
	req.RawSetString("body", lua.LString(body))

	p := l.NewTable()
	for k, v := range params {
		p.RawSetString(k, lua.LString(v))
	}
	req.RawSetString("params", p)

	q := l.NewTable()
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			q.RawSetString(k, lua.LString(vs[0]))
		}
	}
	req.RawSetString("query", q)

	h := l.NewTable()
	for k, vs := range r.Header {
		if len(vs) > 0 {
			h.RawSetString(strings.ToLower(k), lua.LString(vs[0]))
		}
	}
	req.RawSetString("headers", h)

	if user != nil {
		u := l.NewTable()
		u.RawSetString("id", lua.LString(user.ID))
		u.RawSetString("name", lua.LString(user.Name))
		u.RawSetString("admin", lua.LBool(user.Admin))
		req.RawSetString("user", u)
	}
	return req
}

// writeHandlerResult interprets what the handler returned. A table may set
// status, headers and either a raw body string or a json value; a bare
// string becomes a 200 text response; nil becomes 204.
func writeHandlerResult(w http.ResponseWriter, result interface{}) int {
	switch v := result.(type) {
	case nil:
		w.WriteHeader(http.StatusNoContent)
		return http.StatusNoContent
	case string:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(v))
		return http.StatusOK
	case map[string]interface{}:
		status := http.StatusOK
		switch s := v["status"].(type) {
		case int64:
			status = int(s)
		case float64:
			status = int(s)
		}
		if headers, ok := v["headers"].(map[string]interface{}); ok {
			for k, hv := range headers {
				if s, ok := hv.(string); ok {
					w.Header().Set(k, s)
				}
			}
		}
		if j, ok := v["json"]; ok {
			httputil.WriteJSON(w, status, j)
			return status
		}
		if body, ok := v["body"].(string); ok {
			if w.Header().Get("Content-Type") == "" {
				w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			}
			w.WriteHeader(status)
			_, _ = w.Write([]byte(body))
			return status
		}
		w.WriteHeader(status)
		return status
	default:
		httputil.WriteJSON(w, http.StatusOK, v)
		return http.StatusOK
	}
}

// ServeStatic serves files from an enabled plugin's declared static
// directory under /plugins/{plugin}/static/.
func (b *Binder) ServeStatic(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rec := b.registry.Get(vars["plugin"])
	if rec == nil || !rec.Enabled() {
		http.NotFound(w, r)
		return
	}
	dir := rec.StaticDir()
	if dir == "" {
		http.NotFound(w, r)
		return
	}

	rel := strings.TrimPrefix(r.URL.Path, "/plugins/"+vars["plugin"]+"/static/")
	clean := filepath.Clean("/" + rel)
	http.ServeFile(w, r, filepath.Join(dir, clean))
}

// matchRoute compares a declared route pattern against a request path.
// Pattern segments of the form {name} capture the corresponding path
// segment.
func matchRoute(pattern, path string) (map[string]string, bool) {
	ps := splitPath(pattern)
	rs := splitPath(path)
	if len(ps) != len(rs) {
		return nil, false
	}
	params := make(map[string]string)
	for i, seg := range ps {
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			params[seg[1:len(seg)-1]] = rs[i]
			continue
		}
		if seg != rs[i] {
			return nil, false
		}
	}
	return params, true
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
