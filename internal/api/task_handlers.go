package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/answer-engine-crawler/internal/crawler"
	"github.com/JakeFAU/answer-engine-crawler/internal/issuer"
)

const (
	defaultResultsLimit   = 100
	maxResultsLimit       = 1000
	defaultCollectPolls   = 1
	maxCollectPolls       = 10
	maxCollectIntervalSec = 5
)

// submitTask handles POST /v1/tasks. It returns 202 with the stored task,
// 400 for malformed or invalid requests, or 500 when persisting or
// enqueueing fails.
func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req issuer.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	task, err := s.deps.Tasks.Submit(r.Context(), req)
	if err != nil {
		if errors.Is(err, issuer.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("submit task failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to submit task")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task": task})
}

// getTask handles GET /v1/tasks/{task_id}. It returns {"task", "progress"}
// or 404 when the store has no such task.
func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := parseTaskID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	task, err := s.deps.Tasks.Task(r.Context(), taskID)
	if err != nil {
		s.writeLookupError(w, "get task", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task":     task,
		"progress": task.Progress(),
	})
}

// listResults handles GET /v1/tasks/{task_id}/results?limit=&offset=.
func (s *Server) listResults(w http.ResponseWriter, r *http.Request) {
	taskID, err := parseTaskID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultResultsLimit, maxResultsLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.deps.Tasks.Task(r.Context(), taskID); err != nil {
		s.writeLookupError(w, "get task", err)
		return
	}
	results, err := s.deps.Tasks.Results(r.Context(), taskID)
	if err != nil {
		s.logger.Error("list results failed", zap.String("task_id", taskID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list results")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": page(results, limit, offset),
		"total":   len(results),
	})
}

// collectTask handles POST /v1/tasks/{task_id}/collect?attempts=&interval_seconds=.
// It returns 200 with the report once the executor has finished, or 202
// with the report when the task is still in progress.
func (s *Server) collectTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := parseTaskID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	attempts, err := parseBoundedInt(r, "attempts", defaultCollectPolls, maxCollectPolls)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	intervalSec, err := parseBoundedInt(r, "interval_seconds", 1, maxCollectIntervalSec)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	report, err := s.deps.Tasks.CollectWith(r.Context(), taskID, attempts, time.Duration(intervalSec)*time.Second)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, report)
	case errors.Is(err, issuer.ErrPollTimeout):
		writeJSON(w, http.StatusAccepted, report)
	default:
		s.writeLookupError(w, "collect task", err)
	}
}

// listSessions handles GET /v1/sessions.
func (s *Server) listSessions(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "session store unavailable")
		return
	}
	sessions, err := s.deps.Sessions.List()
	if err != nil {
		s.logger.Error("list sessions failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// listProxies handles GET /v1/proxies.
func (s *Server) listProxies(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Proxies == nil {
		writeError(w, http.StatusServiceUnavailable, "proxy pool unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Proxies.Stats())
}

func (s *Server) writeLookupError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, crawler.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	s.logger.Error(op+" failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "failed to load task")
}

func parseTaskID(r *http.Request) (string, error) {
	taskID := strings.TrimSpace(chi.URLParam(r, "task_id"))
	if taskID == "" {
		return "", errors.New("task_id is required")
	}
	return taskID, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	limit, err := parseBoundedInt(r, "limit", def, maxLimit)
	if err != nil {
		return 0, 0, err
	}
	offset := 0
	if offStr := r.URL.Query().Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

// parseBoundedInt reads a positive query parameter, clamping it to maxVal.
func parseBoundedInt(r *http.Request, name string, def, maxVal int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid " + name)
	}
	if val > maxVal {
		val = maxVal
	}
	return val, nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
