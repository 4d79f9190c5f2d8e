// ABOUTME: Thin go-chi/chi router exposing the session-request and change-event endpoints over the Registry + Coordinator.
// ABOUTME: Grounded on teacher editor/server.go's chi-router-in-a-struct shape and attractor/server.go's handleEvents SSE loop.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/strangelove-ventures/mandrake/internal/merr"
	"github.com/strangelove-ventures/mandrake/internal/registry"
	"github.com/strangelove-ventures/mandrake/internal/store"
)

// WorkspacePathResolver maps a workspace id (as it appears in the URL) to
// its on-disk root; callers typically back this with internal/workspace's
// layout conventions or a static lookup table.
type WorkspacePathResolver func(workspaceID string) (string, error)

// Server wraps a chi router over one Registry.
type Server struct {
	router      chi.Router
	reg         *registry.Registry
	resolvePath WorkspacePathResolver
}

// NewServer builds a Server with all routes configured.
func NewServer(reg *registry.Registry, resolvePath WorkspacePathResolver) *Server {
	s := &Server{reg: reg, resolvePath: resolvePath}

	r := chi.NewRouter()
	r.Post("/workspaces/{workspaceID}/sessions/{sessionID}/requests", s.handlePostRequest)
	r.Get("/workspaces/{workspaceID}/sessions/{sessionID}/events", s.handleEvents)
	s.router = r
	return s
}

// ServeHTTP implements http.Handler, delegating to the chi router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type postRequestBody struct {
	Text string `json:"text"`
}

// handlePostRequest implements "POST /workspaces/{id}/sessions/{sid}/requests"
// (spec.md §6): accepts a new user request, hands it to the session's
// Coordinator, and returns 202 immediately — the assistant's response
// streams out asynchronously over the change-event feed, not this
// response body.
func (s *Server) handlePostRequest(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	sessionID := chi.URLParam(r, "sessionID")

	var body postRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, merr.Validation("malformed request body"))
		return
	}
	if body.Text == "" {
		writeError(w, merr.Validation("text is required"))
		return
	}

	workspacePath, err := s.resolvePath(workspaceID)
	if err != nil {
		writeError(w, err)
		return
	}

	co, err := s.reg.GetSessionCoordinator(r.Context(), workspaceID, workspacePath, sessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	// HandleRequest drives the full round (provider turns, tool dispatch,
	// persistence); its progress is observed by the caller over the SSE
	// feed, so this handler only needs to kick it off and report whether
	// it was accepted, per spec.md §6's "streams nothing itself" contract.
	go func() {
		ctx := context.Background()
		if err := co.HandleRequest(ctx, sessionID, body.Text); err != nil {
			log.Printf("component=httpapi action=handle_request_err session=%s err=%v", sessionID, err)
		}
	}()

	w.WriteHeader(http.StatusAccepted)
}

const sseHeartbeatInterval = 20 * time.Second

// handleEvents implements "GET /workspaces/{id}/sessions/{sid}/events"
// (spec.md §6): a server-sent-events stream of SessionChangeEvent, with
// periodic heartbeat comments so intermediaries don't time out an idle
// connection.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	workspaceID := chi.URLParam(r, "workspaceID")
	workspacePath, err := s.resolvePath(workspaceID)
	if err != nil {
		writeError(w, err)
		return
	}
	ws, err := s.reg.GetWorkspaceResources(r.Context(), workspaceID, workspacePath)
	if err != nil {
		writeError(w, err)
		return
	}
	defer s.reg.ReleaseWorkspaceResources(workspaceID)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := ws.Storage.Subscribe(sessionID)
	defer ws.Storage.Unsubscribe(sessionID, ch)

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case evt, ok := <-ch:
			if !ok {
				return
			}
			writeChangeEvent(w, flusher, evt)
		}
	}
}

func writeChangeEvent(w http.ResponseWriter, flusher http.Flusher, evt store.ChangeEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
	flusher.Flush()
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch merr.KindOf(err) {
	case merr.KindValidation:
		status = http.StatusBadRequest
	case merr.KindNotFound:
		status = http.StatusNotFound
	case merr.KindConflict:
		status = http.StatusConflict
	case merr.KindToolDenied, merr.KindServerDisabled:
		status = http.StatusForbidden
	case merr.KindCancelled:
		status = http.StatusRequestTimeout
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"kind":    string(merr.KindOf(err)),
		"message": err.Error(),
	})
}
