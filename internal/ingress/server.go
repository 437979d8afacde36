// Package ingress is the HTTP surface: per-provider webhook endpoints,
// manual retry, health, and status (including a live websocket stream).
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/agentbridge/agentbridge/internal/provider"
	"github.com/agentbridge/agentbridge/internal/queue"
)

const maxWebhookBody = 32 << 20 // 32MB

// Trigger is the interface the processor exposes to ingress after a task is
// admitted.
type Trigger interface {
	Trigger()
}

// Server is the daemon's HTTP surface.
type Server struct {
	mux       *http.ServeMux
	listener  net.Listener
	startedAt time.Time

	registry *provider.Registry
	queue    *queue.Queue
	hub      *Hub
	trigger  Trigger

	reposRoot     string
	worktreesRoot string
}

// New builds a Server bound to addr (host:port, e.g. ":3847").
func New(addr string, registry *provider.Registry, q *queue.Queue, trigger Trigger, hub *Hub, reposRoot, worktreesRoot string) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}

	s := &Server{
		mux:           http.NewServeMux(),
		listener:      listener,
		startedAt:     time.Now(),
		registry:      registry,
		queue:         q,
		hub:           hub,
		trigger:       trigger,
		reposRoot:     reposRoot,
		worktreesRoot: worktreesRoot,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /webhook/{provider}", s.handleWebhook)
	s.mux.HandleFunc("POST /retry/{issueId}", s.handleRetry)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.HandleFunc("GET /status/stream", s.hub.ServeStream)
}

// Addr returns the address the server is bound to, useful for tests that
// listen on ":0".
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Serve blocks, serving HTTP until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{Handler: s.mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	err := srv.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	correlationID := uuid.NewString()
	tagStr := r.PathValue("provider")
	log := slog.With("correlationId", correlationID, "provider", tagStr)

	p, ok := s.registry.Get(provider.Tag(tagStr))
	if !ok {
		log.Warn("webhook received for unconfigured provider")
		writeError(w, http.StatusServiceUnavailable, "provider not configured: "+tagStr)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading request body")
		return
	}

	headers := flattenHeaders(r.Header)
	ok, event, err := p.VerifyWebhook(body, headers)
	if err != nil {
		log.Error("webhook verification error", "err", err)
		writeError(w, http.StatusBadRequest, "verifying webhook")
		return
	}
	if !ok {
		log.Warn("webhook signature rejected", "remoteAddr", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	match, err := p.ShouldTrigger(event)
	if err != nil {
		if errors.Is(err, provider.ErrNoTrigger) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		log.Error("evaluating trigger failed", "err", err)
		writeError(w, http.StatusBadRequest, "evaluating trigger")
		return
	}

	s.admit(w, log, p, match.IssueID, http.StatusBadRequest)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	correlationID := uuid.NewString()
	issueID := r.PathValue("issueId")
	tagStr := r.URL.Query().Get("provider")
	log := slog.With("correlationId", correlationID, "provider", tagStr)

	p, ok := s.registry.Get(provider.Tag(tagStr))
	if !ok {
		writeError(w, http.StatusBadRequest, "provider not configured: "+tagStr)
		return
	}

	key := queue.Key{Provider: p.Tag(), IssueID: issueID}
	if s.queue.IsQueued(key) || s.queue.IsRunning(key) {
		writeError(w, http.StatusConflict, "task already queued or running")
		return
	}

	s.admit(w, log, p, issueID, http.StatusNotFound)
}

// admit fetches the issue and enqueues a task for it. notFoundStatus is the
// status reported for provider.ErrNotFound: spec.md requires 404 from the
// manual retry endpoint (the caller names an issue it expects to exist) but
// 400 from the webhook path (the tracker's own payload named an issue we
// could not confirm, which reads as a bad/stale request rather than a
// missing resource the caller asked for by id).
func (s *Server) admit(w http.ResponseWriter, log *slog.Logger, p provider.Provider, issueID string, notFoundStatus int) {
	ctx := context.Background()
	issue, err := p.GetIssue(ctx, issueID)
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			writeError(w, notFoundStatus, "issue not found")
			return
		}
		log.Error("fetching issue failed", "err", err)
		writeError(w, http.StatusBadRequest, "fetching issue")
		return
	}

	repo, err := p.GetRepository(issue)
	if err != nil || repo == "" {
		writeError(w, http.StatusBadRequest, "could not resolve repository for issue")
		return
	}
	branch := p.GetBranchName(issue)

	task := &queue.Task{
		Provider:      p.Tag(),
		IssueID:       issueID,
		Identifier:    issue.Identifier,
		Repo:          repo,
		Branch:        branch,
		Title:         issue.Title,
		WorkspacePath: filepath.Join(s.worktreesRoot, branch),
	}

	if !s.queue.Add(task) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_processing"})
		return
	}
	log.Info("task admitted", "issue", issue.Identifier, "repo", repo)
	s.broadcast("admitted", task)
	s.trigger.Trigger()
	writeJSON(w, http.StatusOK, map[string]string{"status": "enqueued", "issueId": issue.Identifier})
}

func (s *Server) broadcast(eventType string, task *queue.Task) {
	if s.hub == nil {
		return
	}
	s.hub.Broadcast(eventType, map[string]any{
		"issue":  task.Identifier,
		"repo":   task.Repo,
		"branch": task.Branch,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"providers":      s.registry.Tags(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.queue.Snapshot()
	running := make([]map[string]any, 0, len(snap.Running))
	for _, t := range snap.Running {
		running = append(running, map[string]any{
			"issue":      t.Identifier,
			"repo":       t.Repo,
			"started_at": t.StartedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pending":   snap.PendingCount,
		"running":   running,
		"providers": s.registry.Tags(),
	})
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
