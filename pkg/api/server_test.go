package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanternhost/lantern/pkg/middleware"
	"github.com/lanternhost/lantern/pkg/observability"
	"github.com/lanternhost/lantern/pkg/plugins"
	"github.com/lanternhost/lantern/pkg/realtime"
	"github.com/lanternhost/lantern/pkg/storage"
)

const helloSource = `
return {
  name = "Hello",
  version = "1.0.0",
  routes = {
    { method = "GET", path = "/ping", handler = function(req)
        return "pong"
      end },
  },
}
`

func newTestServer(t *testing.T) (*httptest.Server, *plugins.Manager) {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.NewSQLiteStore(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	pluginLog := logrus.New()
	pluginLog.SetOutput(io.Discard)

	hub := realtime.NewHub()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	manager := plugins.NewManager(filepath.Join(dir, "plugins"),
		plugins.WithStore(store),
		plugins.WithKV(store),
		plugins.WithBroadcaster(hub),
		plugins.WithMetrics(metrics),
		plugins.WithLogger(pluginLog),
	)
	require.NoError(t, os.MkdirAll(manager.PluginsDir(), 0o755))
	t.Cleanup(manager.Shutdown)

	tokens := middleware.NewTokenStore()
	tokens.Issue("user-token", &middleware.User{ID: "u1", Name: "user"})
	tokens.Issue("admin-token", &middleware.User{ID: "a1", Name: "root", Admin: true})

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	server := NewServer(manager, hub, metrics, logger, tokens, pluginLog)

	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)
	return srv, manager
}

func doRequest(t *testing.T, srv *httptest.Server, method, path, token string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, body)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func uploadPlugin(t *testing.T, srv *httptest.Server, token, filename, source string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("plugin", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(source))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	return doRequest(t, srv, http.MethodPost, "/api/plugins/upload", token, &buf, mw.FormDataContentType())
}

func decodeEnvelope(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestListEmpty(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := doRequest(t, srv, http.MethodGet, "/api/plugins", "", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	env := decodeEnvelope(t, resp)
	assert.Equal(t, true, env["success"])
}

func TestUploadRequiresAdmin(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := uploadPlugin(t, srv, "", "hello.lua", helloSource)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = uploadPlugin(t, srv, "user-token", "hello.lua", helloSource)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestUploadAndDispatch(t *testing.T) {
	srv, manager := newTestServer(t)

	resp := uploadPlugin(t, srv, "admin-token", "hello.lua", helloSource)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	env := decodeEnvelope(t, resp)
	data := env["data"].(map[string]interface{})
	assert.Equal(t, "hello", data["id"])
	assert.Equal(t, true, data["enabled"])

	require.NotNil(t, manager.Registry().Get("hello"))

	// The uploaded plugin's route is live immediately.
	resp = doRequest(t, srv, http.MethodGet, "/api/plugins/hello/ping", "", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(body))
}

func TestUploadInvalidPlugin(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := uploadPlugin(t, srv, "admin-token", "bad.lua", `return { name = "Bad", version = "nope" }`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestToggleLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := uploadPlugin(t, srv, "admin-token", "hello.lua", helloSource)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doRequest(t, srv, http.MethodPost, "/api/plugins/hello/toggle", "admin-token",
		bytes.NewReader([]byte(`{"enabled":false}`)), "application/json")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Disabled plugins stop serving.
	resp = doRequest(t, srv, http.MethodGet, "/api/plugins/hello/ping", "", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doRequest(t, srv, http.MethodPost, "/api/plugins/hello/toggle", "admin-token",
		bytes.NewReader([]byte(`{"enabled":true}`)), "application/json")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doRequest(t, srv, http.MethodGet, "/api/plugins/hello/ping", "", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestManagementRoutesShadowPluginRoutes(t *testing.T) {
	srv, _ := newTestServer(t)

	source := `
return {
  name = "Shadow",
  version = "1.0.0",
  routes = {
    { method = "POST", path = "/toggle", handler = function(req)
        return "plugin toggle"
      end },
  },
}
`
	resp := uploadPlugin(t, srv, "admin-token", "shadow.lua", source)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// "/toggle" is a reserved sub-path: the management endpoint matches
	// first, so the plugin handler never sees the request.
	resp = doRequest(t, srv, http.MethodPost, "/api/plugins/shadow/toggle", "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doRequest(t, srv, http.MethodPost, "/api/plugins/shadow/toggle", "admin-token",
		bytes.NewReader([]byte(`{"enabled":false}`)), "application/json")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "plugin toggle")
}

func TestToggleUnknownPlugin(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := doRequest(t, srv, http.MethodPost, "/api/plugins/ghost/toggle", "admin-token",
		bytes.NewReader([]byte(`{"enabled":false}`)), "application/json")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeletePlugin(t *testing.T) {
	srv, manager := newTestServer(t)
	resp := uploadPlugin(t, srv, "admin-token", "hello.lua", helloSource)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doRequest(t, srv, http.MethodDelete, "/api/plugins/hello", "admin-token", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, manager.Registry().Get("hello"))

	resp = doRequest(t, srv, http.MethodDelete, "/api/plugins/hello", "admin-token", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSetConfig(t *testing.T) {
	srv, manager := newTestServer(t)
	resp := uploadPlugin(t, srv, "admin-token", "hello.lua", helloSource)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doRequest(t, srv, http.MethodPost, "/api/plugins/hello/config", "admin-token",
		bytes.NewReader([]byte(`{"greeting":"hi"}`)), "application/json")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	rec := manager.Registry().Get("hello")
	require.NotNil(t, rec)
	assert.Equal(t, "hi", rec.Info().Config["greeting"])
}

func TestGetSinglePlugin(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := doRequest(t, srv, http.MethodGet, "/api/plugins/ghost", "", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	uploadPlugin(t, srv, "admin-token", "hello.lua", helloSource)
	resp = doRequest(t, srv, http.MethodGet, "/api/plugins/hello", "", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	env := decodeEnvelope(t, resp)
	data := env["data"].(map[string]interface{})
	assert.Equal(t, "Hello", data["name"])
}

func TestEventStreamAnnouncesLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doRequest(t, srv, http.MethodGet, "/api/events?room=plugins", "", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	uploadPlugin(t, srv, "admin-token", "hello.lua", helloSource)

	lines := make(chan string, 1)
	go func() {
		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			if strings.HasPrefix(line, "event: ") {
				lines <- strings.TrimSpace(line)
				return
			}
		}
	}()

	select {
	case line := <-lines:
		assert.Equal(t, "event: plugin:loaded", line)
	case <-time.After(3 * time.Second):
		t.Fatal("no lifecycle event received")
	}
}

func TestMetricsAndHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doRequest(t, srv, http.MethodGet, "/healthz", "", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doRequest(t, srv, http.MethodGet, "/metrics", "", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
