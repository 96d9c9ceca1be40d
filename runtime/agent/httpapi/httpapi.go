// Package httpapi exposes the public HTTP surface named in spec.md §6:
// starting and stopping runs, reading run metadata, and streaming run
// events over SSE. The routing layer is hand-authored with chi rather than
// Goa's DSL/codegen, since codegen cannot be run in this exercise (see
// DESIGN.md).
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentrun/engine/runtime/agent/events"
	"github.com/agentrun/engine/runtime/agent/supervisor"
	"github.com/agentrun/engine/runtime/agent/telemetry"
	"github.com/agentrun/engine/runtime/agent/thread"
)

// Authenticator maps a request to an account id and verifies thread access.
// Concrete implementations are outside this module's scope (spec.md §1).
type Authenticator interface {
	Authenticate(r *http.Request) (accountID string, err error)
	VerifyThreadAccess(ctx context.Context, threadID, accountID string) (bool, error)
}

// BillingChecker gates run starts on account billing status.
type BillingChecker interface {
	CheckBillingStatus(ctx context.Context, accountID string) (allowed bool, message string, err error)
}

// ParamsFactory builds a run's RunThreadParams from a start request body.
// The caller supplies model/system-prompt policy; this package only routes.
type ParamsFactory func(ctx context.Context, threadID string, body StartRequest) (supervisor.RunParams, error)

// StartRequest is the JSON body accepted by POST /thread/{thread_id}/agent/start.
type StartRequest struct {
	Model            string `json:"model,omitempty"`
	Stream           bool   `json:"stream,omitempty"`
	TemporaryMessage string `json:"temporaryMessage,omitempty"`
}

// Server wires the Supervisor and collaborators to the documented routes.
type Server struct {
	Supervisor    *supervisor.Supervisor
	Runs          thread.RunStore
	Auth          Authenticator
	Billing       BillingChecker
	ParamsFactory ParamsFactory
	Logger        telemetry.Logger
}

// Router builds the chi.Mux implementing spec.md §6's exact routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Post("/thread/{thread_id}/agent/start", s.handleStart)
	r.Post("/agent-run/{run_id}/stop", s.handleStop)
	r.Get("/agent-run/{run_id}", s.handleGetRun)
	r.Get("/thread/{thread_id}/agent-runs", s.handleListRuns)
	r.Get("/agent-run/{run_id}/stream", s.handleStream)
	return r
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	threadID := chi.URLParam(r, "thread_id")

	accountID, err := s.Auth.Authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	ok, err := s.Auth.VerifyThreadAccess(ctx, threadID, accountID)
	if err != nil || !ok {
		writeError(w, http.StatusForbidden, "thread access denied")
		return
	}
	if allowed, message, err := s.Billing.CheckBillingStatus(ctx, accountID); err != nil || !allowed {
		msg := message
		if msg == "" {
			msg = "billing check failed"
		}
		writeError(w, http.StatusPaymentRequired, msg)
		return
	}

	var body StartRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	params, err := s.ParamsFactory(ctx, threadID, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	runID, err := s.Supervisor.Start(ctx, threadID, params)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"agent_run_id": runID, "status": "running"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	if err := s.Supervisor.Stop(r.Context(), runID, ""); err != nil {
		if errors.Is(err, thread.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "stopped"})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	run, err := s.Runs.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, thread.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runMetadata(run))
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "thread_id")
	runs, err := s.Runs.ListRunsByThread(r.Context(), threadID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]any, 0, len(runs))
	for _, run := range runs {
		out = append(out, runMetadata(run))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	ch, err := s.Supervisor.Stream(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	header.Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range ch {
		payload, err := events.Marshal(ev)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return
		}
		flusher.Flush()
	}
}

func runMetadata(run thread.AgentRun) map[string]any {
	out := map[string]any{
		"id":        run.ID,
		"threadId":  run.ThreadID,
		"status":    run.Status,
		"startedAt": run.StartedAt.Format(time.RFC3339),
	}
	if run.CompletedAt != nil {
		out["completedAt"] = run.CompletedAt.Format(time.RFC3339)
	}
	if run.Error != "" {
		out["error"] = run.Error
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
