// Package api exposes the dispatch engine over HTTP: prediction and batch
// endpoints per model, model administration, conversation history access and
// an aggregate stats endpoint.
package api

import (
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nzrlabs/mcpd/core/contextstore"
	"github.com/nzrlabs/mcpd/core/dispatch"
	"github.com/nzrlabs/mcpd/core/events"
	"github.com/nzrlabs/mcpd/core/mcp"
	"github.com/nzrlabs/mcpd/core/registry"
	"github.com/nzrlabs/mcpd/core/usage"
	"github.com/nzrlabs/mcpd/infra/logger"
	"github.com/nzrlabs/mcpd/internal/eventbus"
)

// Server holds the handler dependencies.
type Server struct {
	dispatcher *dispatch.Dispatcher
	registry   *registry.Registry
	store      contextstore.Store
	recorder   *usage.Recorder
	bus        eventbus.EventBus
	log        logger.Logger
}

// NewServer builds the HTTP surface over the dispatch engine. The bus may
// be nil; model lifecycle events are then dropped.
func NewServer(d *dispatch.Dispatcher, reg *registry.Registry, store contextstore.Store, rec *usage.Recorder, bus eventbus.EventBus, log logger.Logger) *Server {
	if log == nil {
		log = logger.NopLogger{}
	}
	return &Server{dispatcher: d, registry: reg, store: store, recorder: rec, bus: bus, log: log}
}

// Routes returns the API mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /mcp/{model}/predict", s.handlePredict)
	mux.HandleFunc("POST /mcp/{model}/batch", s.handleBatch)
	mux.HandleFunc("GET /models", s.handleListModels)
	mux.HandleFunc("POST /models/{name}/load", s.handleLoadModel)
	mux.HandleFunc("DELETE /models/{name}", s.handleRemoveModel)
	mux.HandleFunc("GET /models/{name}/health", s.handleModelHealth)
	mux.HandleFunc("GET /contexts/{id}/history", s.handleContextHistory)
	mux.HandleFunc("DELETE /contexts/{id}", s.handleDeleteContext)
	mux.HandleFunc("GET /stats", s.handleStats)
	return mux
}

// callerKey identifies the caller for rate limiting: the API key header when
// present, otherwise the remote host.
func callerKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	model := r.PathValue("model")
	var req mcp.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, mcp.E(mcp.KindValidation, "invalid request body: %v", err))
		return
	}
	resp := s.dispatcher.Dispatch(r.Context(), callerKey(r), model, req)
	s.writeResponse(w, resp)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	model := r.PathValue("model")
	var batch mcp.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		s.writeError(w, mcp.E(mcp.KindValidation, "invalid request body: %v", err))
		return
	}
	if len(batch.Requests) == 0 {
		s.writeError(w, mcp.E(mcp.KindValidation, "batch contains no requests"))
		return
	}
	out := s.dispatcher.DispatchBatch(r.Context(), callerKey(r), model, batch)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"models": s.registry.List(),
		"types":  s.registry.Types(),
	})
}

func (s *Server) handleLoadModel(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.registry.Load(r.Context(), name); err != nil {
		s.writeError(w, err)
		return
	}
	s.publishModelEvent(name, "loaded", nil)
	writeJSON(w, http.StatusOK, map[string]string{"name": name, "state": "ready"})
}

func (s *Server) handleRemoveModel(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.registry.Remove(r.Context(), name); err != nil {
		s.writeError(w, err)
		return
	}
	s.publishModelEvent(name, "removed", nil)
	writeJSON(w, http.StatusOK, map[string]string{"name": name, "status": "removed"})
}

func (s *Server) publishModelEvent(name, action string, err error) {
	if s.bus == nil {
		return
	}
	ev := events.ModelEvent{Name: name, Action: action, Time: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(ev)
}

func (s *Server) handleModelHealth(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	h, err := s.registry.HealthCheck(r.Context(), name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "health": h})
}

func (s *Server) handleContextHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conv, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleDeleteContext(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.Delete(r.Context(), id); err != nil {
		s.writeStoreError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"context_id": id, "status": "deleted"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"usage": s.recorder.Snapshot()}
	if sp, ok := s.store.(contextstore.StatsProvider); ok {
		out["contexts"] = sp.Stats()
	}
	writeJSON(w, http.StatusOK, out)
}

// writeResponse maps a dispatch envelope to an HTTP status. Successful
// dispatches are 200; failures keep the envelope body and take the status of
// the error kind.
func (s *Server) writeResponse(w http.ResponseWriter, resp mcp.Response) {
	status := http.StatusOK
	if resp.Error != "" {
		status = resp.ErrorKind.HTTPStatus()
		if resp.RetryAfter > 0 {
			w.Header().Set("Retry-After", itoaCeil(resp.RetryAfter))
		}
	}
	writeJSON(w, status, resp)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := mcp.KindOf(err)
	if ra := mcp.RetryAfterOf(err); ra > 0 {
		w.Header().Set("Retry-After", itoaCeil(ra.Seconds()))
	}
	writeJSON(w, kind.HTTPStatus(), map[string]any{
		"error": err.Error(),
		"kind":  kind,
	})
}

func (s *Server) writeStoreError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, contextstore.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error": "context " + id + " not found",
			"kind":  "not_found",
		})
		return
	}
	s.writeError(w, mcp.Wrap(mcp.KindStoreUnavailable, err, "context store"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func itoaCeil(seconds float64) string {
	n := int(math.Ceil(seconds))
	if n < 1 {
		n = 1
	}
	return strconv.Itoa(n)
}
