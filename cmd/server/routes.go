package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/folkg/auto-coach/pkg/dispatch"
	"github.com/folkg/auto-coach/pkg/executor"
	"github.com/folkg/auto-coach/pkg/logger"
	"github.com/folkg/auto-coach/pkg/rate"
	"github.com/folkg/auto-coach/pkg/store"
	"github.com/folkg/auto-coach/pkg/sweeper"
	"github.com/folkg/auto-coach/pkg/tasks"
	"github.com/folkg/auto-coach/pkg/trigger"
)

// invocationResponse is the uniform reply of the dispatch/execute/sweep
// surface. The external scheduler only retries on transport-level failure,
// so the pipeline reports internal retry decisions as success-with-detail.
type invocationResponse struct {
	Success   bool   `json:"success"`
	TaskCount *int   `json:"taskCount,omitempty"`
	Message   string `json:"message"`
}

// app bundles the pipeline components the HTTP surface exposes.
type app struct {
	store      *store.Store
	dispatcher *dispatch.Dispatcher
	executor   *executor.Executor
	sweeper    *sweeper.Sweeper
	rate       *rate.Controller
	queue      *trigger.Queue
}

// dispatchKinds names the accepted scheduling-run flavors.
var dispatchKinds = map[string]bool{
	"transactions": true,
	"lineups":      true,
	"full":         true,
}

// authMiddleware enforces API key authentication. An empty configured key
// disables auth (dev mode), matching the rest of the tooling.
func authMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requiredKey != "" && r.Header.Get("X-API-Key") != requiredKey {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// setupRouter wires the invocation surface.
func setupRouter(a *app, apiKey string) chi.Router {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-API-Key"},
	}))

	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(apiKey))

		r.Post("/dispatch/{kind}", a.handleDispatch)
		r.Post("/execute", a.handleExecute)
		r.Post("/sweep", a.handleSweep)

		r.Get("/tasks/{id}", a.handleGetTask)
		r.Get("/stats", a.handleStats)
		r.Post("/pause", a.handlePause)
		r.Post("/resume", a.handleResume)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Error().Err(err).Msg("Failed encoding response")
	}
}

func writeInvocation(w http.ResponseWriter, count int, message string) {
	writeJSON(w, http.StatusOK, invocationResponse{Success: true, TaskCount: &count, Message: message})
}

// writeStoreError reports a durable-store failure. This is the only class
// of error the surface exposes as a failure, allowing the external queue's
// own redelivery to kick in.
func writeStoreError(w http.ResponseWriter, err error) {
	logger.Log.Error().Err(err).Msg("Store failure during invocation")
	writeJSON(w, http.StatusInternalServerError, invocationResponse{Success: false, Message: err.Error()})
}

func (a *app) handleDispatch(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	if !dispatchKinds[kind] {
		writeJSON(w, http.StatusBadRequest, invocationResponse{Success: false, Message: "unknown dispatch kind: " + kind})
		return
	}

	var req struct {
		UserID  string          `json:"userId"`
		Changes tasks.ChangeSet `json:"changes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, invocationResponse{Success: false, Message: "invalid body: " + err.Error()})
		return
	}
	if req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, invocationResponse{Success: false, Message: "userId is required"})
		return
	}

	res, err := a.dispatcher.Dispatch(r.Context(), req.UserID, req.Changes)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	logger.Log.Info().Str("kind", kind).Str("user_id", req.UserID).Str("summary", res.Message).Msg("Dispatch invoked")
	writeInvocation(w, res.Enqueued, res.Message)
}

func (a *app) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskID string `json:"taskId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TaskID == "" {
		writeJSON(w, http.StatusBadRequest, invocationResponse{Success: false, Message: "taskId is required"})
		return
	}

	res, err := a.executor.Execute(r.Context(), req.TaskID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	msg := string(res.Action)
	if res.Detail != "" {
		msg += ": " + res.Detail
	}
	writeInvocation(w, 1, msg)
}

func (a *app) handleSweep(w http.ResponseWriter, r *http.Request) {
	report, err := a.sweeper.Sweep(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeInvocation(w, report.TimedOut, report.Message)
}

func (a *app) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := a.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err == store.ErrNotFound {
		writeJSON(w, http.StatusNotFound, invocationResponse{Success: false, Message: "task not found"})
		return
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *app) handleStats(w http.ResponseWriter, r *http.Request) {
	snapshot, err := a.rate.Snapshot(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rate":   snapshot,
		"queues": a.queue.Depths(r.Context()),
	})
}

func (a *app) handlePause(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason  string `json:"reason"`
		Seconds int    `json:"seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Seconds <= 0 {
		writeJSON(w, http.StatusBadRequest, invocationResponse{Success: false, Message: "reason and positive seconds are required"})
		return
	}
	if req.Reason == "" {
		req.Reason = "manual pause"
	}

	if err := a.rate.Pause(r.Context(), req.Reason, time.Duration(req.Seconds)*time.Second); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, invocationResponse{Success: true, Message: "paused: " + req.Reason})
}

func (a *app) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := a.rate.Resume(r.Context()); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, invocationResponse{Success: true, Message: "resumed"})
}
