package plugins

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateVersionFormat(t *testing.T) {
	cases := []struct {
		version string
		ok      bool
	}{
		{"1.0.0", true},
		{"0.0.1", true},
		{"12.34.56", true},
		{"1.0", false},
		{"1.0.0-beta", false},
		{"1.0.0+build5", false},
		{"v1.0.0", false},
		{"latest", false},
		{"", false},
	}
	for _, tc := range cases {
		err := Validate(&Descriptor{Name: "x", Version: tc.version})
		if tc.ok {
			assert.NoError(t, err, tc.version)
		} else {
			assert.ErrorIs(t, err, ErrValidationFailed, tc.version)
		}
	}
}

func TestValidateRequiresName(t *testing.T) {
	err := Validate(&Descriptor{Version: "1.0.0"})
	require.ErrorIs(t, err, ErrValidationFailed)
}

func TestParseDescriptorRejectsBadShapes(t *testing.T) {
	cases := map[string]string{
		"config not a table":      `return { name = "x", version = "1.0.0", config = "nope" }`,
		"dependencies not a list": `return { name = "x", version = "1.0.0", dependencies = { a = 1 } }`,
		"routes not a list":       `return { name = "x", version = "1.0.0", routes = "nope" }`,
		"route missing handler":   `return { name = "x", version = "1.0.0", routes = { { method = "GET", path = "/a" } } }`,
		"route missing method":    `return { name = "x", version = "1.0.0", routes = { { path = "/a", handler = function() end } } }`,
		"routes keyed by name":    `return { name = "x", version = "1.0.0", routes = { a = { method = "GET", path = "/a", handler = function() end } } }`,
	}
	for name, source := range cases {
		_, _, err := Evaluate(source, "bad.lua", 0, nil)
		assert.ErrorIs(t, err, ErrValidationFailed, name)
	}
}

func TestParseDescriptorNormalizesRoutes(t *testing.T) {
	source := `
return {
  name = "x",
  version = "1.0.0",
  routes = {
    { method = "get", path = "stats", handler = function() end },
    { method = "POST", path = "/admin/reset", admin = true, handler = function() end },
  },
}
`
	rt, desc, err := Evaluate(source, "norm.lua", 0, nil)
	require.NoError(t, err)
	defer rt.Close()

	require.Len(t, desc.Routes, 2)
	assert.Equal(t, "GET", desc.Routes[0].Method)
	assert.Equal(t, "/stats", desc.Routes[0].Path)

	// admin implies auth
	assert.True(t, desc.Routes[1].RequireAdmin)
	assert.True(t, desc.Routes[1].RequireAuth)
}

func TestParseDescriptorCollectsHooksAndPanels(t *testing.T) {
	source := `
return {
  name = "x",
  version = "1.0.0",
  adminPanel = { title = "X Settings", icon = "gear", path = "/admin/x" },
  frontend = { style = "style.css", script = "app.js" },
  hooks = {
    ["user:created"] = function(payload) end,
  },
}
`
	rt, desc, err := Evaluate(source, "panels.lua", 0, nil)
	require.NoError(t, err)
	defer rt.Close()

	require.NotNil(t, desc.AdminPanel)
	assert.Equal(t, "X Settings", desc.AdminPanel.Title)
	require.NotNil(t, desc.Frontend)
	assert.Equal(t, "app.js", desc.Frontend.Script)
	require.Contains(t, desc.Hooks, "user:created")
}
