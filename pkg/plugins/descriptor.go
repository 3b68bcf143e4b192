package plugins

import (
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// parseDescriptor converts an exported plugin table into a Descriptor.
// Shape errors (non-sequence dependencies or routes, route entries missing
// a handler) fail with ErrValidationFailed; required-field and version
// checks happen later in Validate so that both report through the same
// taxonomy entry.
func parseDescriptor(tbl *lua.LTable) (*Descriptor, error) {
	desc := &Descriptor{
		Name:        tableString(tbl, "name"),
		Version:     tableString(tbl, "version"),
		Author:      tableString(tbl, "author"),
		Description: tableString(tbl, "description"),
		Icon:        tableString(tbl, "icon"),
		Category:    tableString(tbl, "category"),
		Init:        tableFunc(tbl, "init"),
		Destroy:     tableFunc(tbl, "destroy"),
	}

	if v := tbl.RawGetString("config"); v != lua.LNil {
		cfg, ok := luaToGo(v).(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: config must be a table", ErrValidationFailed)
		}
		desc.Config = cfg
	}

	if v := tbl.RawGetString("dependencies"); v != lua.LNil {
		deps, ok := stringList(luaToGo(v))
		if !ok {
			return nil, fmt.Errorf("%w: dependencies must be a list of plugin ids", ErrValidationFailed)
		}
		desc.Dependencies = deps
	}

	if v := tbl.RawGetString("routes"); v != lua.LNil {
		routes, err := parseRoutes(v)
		if err != nil {
			return nil, err
		}
		desc.Routes = routes
	}

	if v, ok := tbl.RawGetString("adminPanel").(*lua.LTable); ok {
		desc.AdminPanel = &AdminPanel{
			Title: tableString(v, "title"),
			Icon:  tableString(v, "icon"),
			Path:  tableString(v, "path"),
		}
	}

	if v, ok := tbl.RawGetString("frontend").(*lua.LTable); ok {
		desc.Frontend = &Frontend{
			Style:  tableString(v, "style"),
			Script: tableString(v, "script"),
		}
	}

	if v, ok := tbl.RawGetString("hooks").(*lua.LTable); ok {
		hooks := make(map[string]*lua.LFunction)
		v.ForEach(func(k, fv lua.LValue) {
			if fn, ok := fv.(*lua.LFunction); ok {
				hooks[k.String()] = fn
			}
		})
		desc.Hooks = hooks
	}

	return desc, nil
}

// parseRoutes converts the declared routes value into RouteDecls.
func parseRoutes(v lua.LValue) ([]RouteDecl, error) {
	tbl, ok := v.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("%w: routes must be a list", ErrValidationFailed)
	}

	var routes []RouteDecl
	var parseErr error
	n := 0
	tbl.ForEach(func(k, rv lua.LValue) {
		n++
		if parseErr != nil {
			return
		}
		if _, ok := k.(lua.LNumber); !ok {
			parseErr = fmt.Errorf("%w: routes must be a list", ErrValidationFailed)
			return
		}
		entry, ok := rv.(*lua.LTable)
		if !ok {
			parseErr = fmt.Errorf("%w: route %v must be a table", ErrValidationFailed, k)
			return
		}

		route := RouteDecl{
			Method:       strings.ToUpper(tableString(entry, "method")),
			Path:         tableString(entry, "path"),
			Handler:      tableFunc(entry, "handler"),
			RequireAuth:  tableBool(entry, "auth"),
			RequireAdmin: tableBool(entry, "admin"),
		}
		if route.Method == "" || route.Path == "" || route.Handler == nil {
			parseErr = fmt.Errorf("%w: route %v needs method, path and handler", ErrValidationFailed, k)
			return
		}
		if !strings.HasPrefix(route.Path, "/") {
			route.Path = "/" + route.Path
		}
		// Admin routes imply an authenticated session.
		if route.RequireAdmin {
			route.RequireAuth = true
		}
		routes = append(routes, route)
	})
	if parseErr != nil {
		return nil, parseErr
	}
	if len(routes) != n {
		return nil, fmt.Errorf("%w: routes must be a list", ErrValidationFailed)
	}
	return routes, nil
}

// Validate checks the descriptor's required fields and version format. It
// runs before any registry or persistence mutation; a failure here means the
// load had no side effects.
func Validate(desc *Descriptor) error {
	if desc.Name == "" {
		return fmt.Errorf("%w: name is required", ErrValidationFailed)
	}
	if desc.Version == "" {
		return fmt.Errorf("%w: version is required", ErrValidationFailed)
	}
	if !versionRegex.MatchString(desc.Version) {
		return fmt.Errorf("%w: version %q must be major.minor.patch", ErrValidationFailed, desc.Version)
	}
	return nil
}
