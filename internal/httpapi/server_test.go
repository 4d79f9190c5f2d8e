package httpapi

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/strangelove-ventures/mandrake/internal/coordinator"
	"github.com/strangelove-ventures/mandrake/internal/prompt"
	"github.com/strangelove-ventures/mandrake/internal/registry"
	"github.com/strangelove-ventures/mandrake/internal/store"
)

// flushRecorder is a concurrency-safe http.ResponseWriter/http.Flusher for
// tests that read a handler's streamed output from another goroutine while
// it is still writing.
type flushRecorder struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	header http.Header
	status int
}

func newFlushRecorder() *flushRecorder {
	return &flushRecorder{header: make(http.Header)}
}

func (r *flushRecorder) Header() http.Header { return r.header }

func (r *flushRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Write(p)
}

func (r *flushRecorder) WriteHeader(status int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
}

func (r *flushRecorder) Flush() {}

func newTestServer(t *testing.T) (*Server, *registry.Registry, string) {
	t.Helper()
	dir := t.TempDir()

	reg := registry.New(registry.Config{
		MaxConcurrentSessions: 32,
		SweepInterval:         time.Hour,
		WorkspaceIdleTimeout:  time.Hour,
		NewCoordinator: func(ws *registry.WorkspaceResources, sessionID string) *coordinator.Coordinator {
			return coordinator.New(coordinator.Config{
				Store:        ws.Storage,
				Manager:      ws.Manager,
				Provider:     ws.Provider,
				ProviderName: "local",
				Model:        "mandrake-local-fixture",
				PromptConfig: prompt.Config{Instructions: "be helpful"},
			})
		},
	})

	resolve := func(workspaceID string) (string, error) { return dir, nil }
	s := NewServer(reg, resolve)
	return s, reg, dir
}

func TestPostRequestAccepted(t *testing.T) {
	s, reg, dir := newTestServer(t)
	defer reg.Dispose()

	ctx := context.Background()
	ws, err := reg.GetWorkspaceResources(ctx, "ws1", dir)
	if err != nil {
		t.Fatalf("get workspace resources: %v", err)
	}
	sess, err := ws.Storage.CreateSession(ctx, "ws1", "test", "", nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	body := strings.NewReader(`{"text":"hello there"}`)
	req := httptest.NewRequest(http.MethodPost, "/workspaces/ws1/sessions/"+sess.ID+"/requests", body)
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestPostRequestRejectsEmptyText(t *testing.T) {
	s, reg, _ := newTestServer(t)
	defer reg.Dispose()

	req := httptest.NewRequest(http.MethodPost, "/workspaces/ws1/sessions/sess1/requests", strings.NewReader(`{"text":""}`))
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestEventsStreamDeliversChangeEvents(t *testing.T) {
	s, reg, dir := newTestServer(t)
	defer reg.Dispose()

	ctx := context.Background()
	ws, err := reg.GetWorkspaceResources(ctx, "ws1", dir)
	if err != nil {
		t.Fatalf("get workspace resources: %v", err)
	}
	sess, err := ws.Storage.CreateSession(ctx, "ws1", "test", "", nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/workspaces/ws1/sessions/"+sess.ID+"/events", nil).WithContext(reqCtx)
	rec := newFlushRecorder()

	done := make(chan struct{})
	go func() {
		s.ServeHTTP(rec, req)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond) // give the handler time to subscribe

	newTitle := "renamed"
	if _, err := ws.Storage.UpdateSession(ctx, sess.ID, store.SessionPatch{Title: &newTitle}); err != nil {
		t.Fatalf("update session: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		rec.mu.Lock()
		body := rec.buf.String()
		rec.mu.Unlock()
		if strings.Contains(body, `"type":"updated"`) {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for change event in SSE body, got: %q", body)
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	cancel()
	<-done
}
