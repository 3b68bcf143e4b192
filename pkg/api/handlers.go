package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/lanternhost/lantern/pkg/httputil"
	"github.com/lanternhost/lantern/pkg/observability"
	"github.com/lanternhost/lantern/pkg/plugins"
)

const maxUploadMemory = 32 << 20

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	records := s.manager.Registry().ListAll()
	infos := make([]plugins.Info, 0, len(records))
	for _, rec := range records {
		infos = append(infos, rec.Info())
	}
	httputil.WriteSuccess(w, http.StatusOK, infos)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec := s.manager.Registry().Get(mux.Vars(r)["id"])
	if rec == nil {
		httputil.WriteError(w, http.StatusNotFound, "plugin not found")
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, rec.Info())
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("plugin")
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "missing plugin file")
		return
	}
	defer file.Close()

	rec, err := s.pipeline.Install(header.Filename, file)
	if err != nil {
		s.writePluginError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusCreated, rec.Info())
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec, err := s.manager.Toggle(mux.Vars(r)["id"], body.Enabled)
	if err != nil {
		s.writePluginError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, rec.Info())
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Delete(mux.Vars(r)["id"]); err != nil {
		s.writePluginError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, map[string]string{"id": mux.Vars(r)["id"]})
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	var cfg map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec, err := s.manager.SetConfig(mux.Vars(r)["id"], cfg)
	if err != nil {
		s.writePluginError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, rec.Info())
}

// handleEvents streams realtime events for a room over server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	room := r.URL.Query().Get("room")
	if room == "" {
		room = plugins.EventsRoom
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, unsubscribe := s.hub.Subscribe(room)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Name, data)
			flusher.Flush()
		}
	}
}

// writePluginError maps the plugin error taxonomy onto HTTP statuses.
func (s *Server) writePluginError(w http.ResponseWriter, r *http.Request, err error) {
	log := observability.FromContext(r.Context())
	switch {
	case errors.Is(err, plugins.ErrNotFound):
		httputil.WriteError(w, http.StatusNotFound, "plugin not found")
	case errors.Is(err, plugins.ErrValidationFailed),
		errors.Is(err, plugins.ErrManifestInvalid),
		errors.Is(err, plugins.ErrNoManifestFound),
		errors.Is(err, plugins.ErrInvalidExport):
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, plugins.ErrExecutionTimeout):
		log.WithError(err).Warn("plugin operation timed out")
		httputil.WriteError(w, http.StatusGatewayTimeout, "plugin execution timed out")
	default:
		log.WithError(err).Error("plugin operation failed")
		httputil.WriteError(w, http.StatusInternalServerError, "internal server error")
	}
}
