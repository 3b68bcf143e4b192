package plugins

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseManifestRequiresNameAndVersion(t *testing.T) {
	_, err := ParseManifest([]byte("version: 1.0.0\n"))
	require.ErrorIs(t, err, ErrManifestInvalid)

	_, err = ParseManifest([]byte("name: Thing\n"))
	require.ErrorIs(t, err, ErrManifestInvalid)

	_, err = ParseManifest([]byte(":\tnot yaml"))
	require.ErrorIs(t, err, ErrManifestInvalid)
}

func TestSynthesizedManifestEvaluates(t *testing.T) {
	manifest, err := ParseManifest([]byte(`
name: Weather
version: 2.1.0
author: ops
description: "Current conditions"
config:
  units: metric
  limit: 10
dependencies:
  - geo
routes:
  - method: GET
    path: /now
    handler: |
      return { json = { temp = 21 } }
  - method: POST
    path: /admin/refresh
    admin: true
    handler: |
      return { status = 202 }
hooks:
  "cache:flush": |
    flushed = true
init: |
  initialized = true
static: assets
`))
	require.NoError(t, err)

	rt, desc, err := Evaluate(manifest.Synthesize(), "weather.yaml", 0, nil)
	require.NoError(t, err)
	defer rt.Close()

	assert.Equal(t, "Weather", desc.Name)
	assert.Equal(t, "2.1.0", desc.Version)
	assert.Equal(t, "metric", desc.Config["units"])
	assert.Equal(t, int64(10), desc.Config["limit"])
	assert.Equal(t, []string{"geo"}, desc.Dependencies)

	require.Len(t, desc.Routes, 2)
	assert.Equal(t, "/now", desc.Routes[0].Path)
	assert.True(t, desc.Routes[1].RequireAdmin)

	require.Contains(t, desc.Hooks, "cache:flush")
	require.NotNil(t, desc.Init)
	require.NotNil(t, desc.Destroy)
}

func TestSynthesizeQuotesHostileStrings(t *testing.T) {
	manifest := &Manifest{
		Name:    `Evil" ]] os.exit(1) --`,
		Version: "1.0.0",
		Description: "line one\nline two\ttabbed\x01",
	}

	rt, desc, err := Evaluate(manifest.Synthesize(), "evil.yaml", 0, nil)
	require.NoError(t, err)
	defer rt.Close()

	assert.Equal(t, manifest.Name, desc.Name)
	assert.Equal(t, manifest.Description, desc.Description)
}

func TestSynthesizeInitReturnsAssetHints(t *testing.T) {
	manifest := &Manifest{Name: "Assets", Version: "1.0.0", Static: "public", Views: "templates"}

	rt, desc, err := Evaluate(manifest.Synthesize(), "assets.yaml", 0, nil)
	require.NoError(t, err)
	defer rt.Close()

	results, err := rt.CallFunction(desc.Init)
	require.NoError(t, err)
	require.Len(t, results, 1)
	hints, ok := results[0].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "public", hints["static"])
	assert.Equal(t, "templates", hints["views"])
}
