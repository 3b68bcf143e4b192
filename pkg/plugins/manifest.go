package plugins

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ManifestFileName is the declarative description looked for inside plugin
// bundles.
const ManifestFileName = "plugin.yaml"

// Manifest is the declarative plugin description. name and version are
// required; init, destroy and route handlers are Lua fragments spliced into
// the synthesized source.
type Manifest struct {
	Name         string                 `yaml:"name"`
	Version      string                 `yaml:"version"`
	Author       string                 `yaml:"author"`
	Description  string                 `yaml:"description"`
	Icon         string                 `yaml:"icon"`
	Category     string                 `yaml:"category"`
	Config       map[string]interface{} `yaml:"config"`
	Dependencies []string               `yaml:"dependencies"`
	Routes       []ManifestRoute        `yaml:"routes"`
	AdminPanel   *ManifestAdminPanel    `yaml:"adminPanel"`
	Frontend     *ManifestFrontend      `yaml:"frontend"`
	Hooks        map[string]string      `yaml:"hooks"`
	Init         string                 `yaml:"init"`
	Destroy      string                 `yaml:"destroy"`
	Static       string                 `yaml:"static"`
	Views        string                 `yaml:"views"`
}

// ManifestRoute declares a route whose handler body is a Lua fragment. The
// fragment sees the request as `req` and should return a response table.
type ManifestRoute struct {
	Method  string `yaml:"method"`
	Path    string `yaml:"path"`
	Handler string `yaml:"handler"`
	Auth    bool   `yaml:"auth"`
	Admin   bool   `yaml:"admin"`
}

// ManifestAdminPanel mirrors the adminPanel descriptor block.
type ManifestAdminPanel struct {
	Title string `yaml:"title"`
	Icon  string `yaml:"icon"`
	Path  string `yaml:"path"`
}

// ManifestFrontend mirrors the frontend asset bundle block.
type ManifestFrontend struct {
	Style  string `yaml:"style"`
	Script string `yaml:"script"`
}

// ParseManifest parses manifest bytes and checks the required fields.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
	}
	if m.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrManifestInvalid)
	}
	if m.Version == "" {
		return nil, fmt.Errorf("%w: version is required", ErrManifestInvalid)
	}
	return &m, nil
}

// Synthesize renders the manifest into the Lua source a hand-written plugin
// file would contain: declarative fields become literals, init/destroy and
// handler fragments are spliced into procedure bodies. It has no side
// effects; callers decide whether to persist the source.
func (m *Manifest) Synthesize() string {
	var b strings.Builder
	b.WriteString("return {\n")
	fmt.Fprintf(&b, "  name = %s,\n", luaQuote(m.Name))
	fmt.Fprintf(&b, "  version = %s,\n", luaQuote(m.Version))
	if m.Author != "" {
		fmt.Fprintf(&b, "  author = %s,\n", luaQuote(m.Author))
	}
	if m.Description != "" {
		fmt.Fprintf(&b, "  description = %s,\n", luaQuote(m.Description))
	}
	if m.Icon != "" {
		fmt.Fprintf(&b, "  icon = %s,\n", luaQuote(m.Icon))
	}
	if m.Category != "" {
		fmt.Fprintf(&b, "  category = %s,\n", luaQuote(m.Category))
	}

	if len(m.Config) > 0 {
		fmt.Fprintf(&b, "  config = %s,\n", luaLiteral(m.Config, "  "))
	}
	if len(m.Dependencies) > 0 {
		quoted := make([]string, len(m.Dependencies))
		for i, d := range m.Dependencies {
			quoted[i] = luaQuote(d)
		}
		fmt.Fprintf(&b, "  dependencies = { %s },\n", strings.Join(quoted, ", "))
	}

	if len(m.Routes) > 0 {
		b.WriteString("  routes = {\n")
		for _, r := range m.Routes {
			fmt.Fprintf(&b, "    { method = %s, path = %s, auth = %t, admin = %t, handler = function(req)\n%s\n    end },\n",
				luaQuote(r.Method), luaQuote(r.Path), r.Auth, r.Admin, indent(r.Handler, "      "))
		}
		b.WriteString("  },\n")
	}

	if m.AdminPanel != nil {
		fmt.Fprintf(&b, "  adminPanel = { title = %s, icon = %s, path = %s },\n",
			luaQuote(m.AdminPanel.Title), luaQuote(m.AdminPanel.Icon), luaQuote(m.AdminPanel.Path))
	}
	if m.Frontend != nil {
		fmt.Fprintf(&b, "  frontend = { style = %s, script = %s },\n",
			luaQuote(m.Frontend.Style), luaQuote(m.Frontend.Script))
	}

	if len(m.Hooks) > 0 {
		names := make([]string, 0, len(m.Hooks))
		for name := range m.Hooks {
			names = append(names, name)
		}
		sort.Strings(names)
		b.WriteString("  hooks = {\n")
		for _, name := range names {
			fmt.Fprintf(&b, "    [%s] = function(payload)\n%s\n    end,\n",
				luaQuote(name), indent(m.Hooks[name], "      "))
		}
		b.WriteString("  },\n")
	}

	b.WriteString("  init = function(app, realtime, store)\n")
	if m.Init != "" {
		b.WriteString(indent(m.Init, "    "))
		b.WriteString("\n")
	}
	if m.Static != "" || m.Views != "" {
		fmt.Fprintf(&b, "    return { static = %s, views = %s }\n", luaQuote(m.Static), luaQuote(m.Views))
	}
	b.WriteString("  end,\n")

	b.WriteString("  destroy = function()\n")
	if m.Destroy != "" {
		b.WriteString(indent(m.Destroy, "    "))
		b.WriteString("\n")
	}
	b.WriteString("  end,\n")

	b.WriteString("}\n")
	return b.String()
}

// luaQuote renders s as a Lua string literal. Control characters use decimal
// escapes, which are valid in Lua 5.1.
func luaQuote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"' || c == '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		case c == '\n':
			b.WriteString(`\n`)
		case c == '\r':
			b.WriteString(`\r`)
		case c == '\t':
			b.WriteString(`\t`)
		case c < 0x20:
			fmt.Fprintf(&b, `\%d`, c)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
	return b.String()
}

// luaLiteral renders a config value as a Lua literal.
func luaLiteral(v interface{}, ind string) string {
	switch val := v.(type) {
	case nil:
		return "nil"
	case bool:
		return fmt.Sprintf("%t", val)
	case int, int64, float64:
		return fmt.Sprintf("%v", val)
	case string:
		return luaQuote(val)
	case []interface{}:
		parts := make([]string, len(val))
		for i, e := range val {
			parts[i] = luaLiteral(e, ind+"  ")
		}
		return "{ " + strings.Join(parts, ", ") + " }"
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("[%s] = %s", luaQuote(k), luaLiteral(val[k], ind+"  "))
		}
		return "{ " + strings.Join(parts, ", ") + " }"
	default:
		return luaQuote(fmt.Sprintf("%v", val))
	}
}

// indent prefixes every line of a code fragment.
func indent(code, prefix string) string {
	lines := strings.Split(strings.TrimRight(code, "\n"), "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}
