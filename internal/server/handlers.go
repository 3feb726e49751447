package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Celdrick/mydocker/internal/engine"
	"github.com/Celdrick/mydocker/internal/safety"
	"github.com/Celdrick/mydocker/internal/store"
)

const maxPayloadBytes = 1 << 20

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": msg}); err != nil {
		s.logger.Error("failed to encode error response", "error", err)
	}
}

func queryLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return n, nil
}

// ImagesResponseBody is the response from POST /api/images.
type ImagesResponseBody struct {
	HasNewImages bool     `json:"has_new_images"`
	Total        int      `json:"total"`
	Processed    int      `json:"processed"`
	Skipped      int      `json:"skipped"`
	Failed       int      `json:"failed"`
	Errors       []string `json:"errors,omitempty"`
}

// handleAPIImages enqueues a webhook payload. The body may be a JSON list,
// a JSON string or plain text holding one reference.
func (s *Server) handleAPIImages(w http.ResponseWriter, r *http.Request) {
	body, err := safety.ReadAllWithLimit(r.Body, maxPayloadBytes)
	if err != nil {
		if errors.Is(err, safety.ErrBodyTooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	items := engine.DecodePayload(string(body))
	if len(items) == 0 {
		s.writeError(w, http.StatusBadRequest, "no images in request body")
		return
	}

	hasNew, report := s.enqueuer.EnqueueBatch(r.Context(), items, r.URL.Query().Get("platform"))
	s.writeJSON(w, ImagesResponseBody{
		HasNewImages: hasNew,
		Total:        report.Total,
		Processed:    report.NewWork + report.Unchanged,
		Skipped:      report.Skipped,
		Failed:       report.Failed,
		Errors:       report.Errors,
	})
}

// handleAPIPending lists queue entries, pending only unless ?status= is given.
func (s *Server) handleAPIPending(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	switch status {
	case "":
		status = store.StatusPending
	case "all":
		status = ""
	case store.StatusPending, store.StatusDone:
	default:
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid status %q", status))
		return
	}
	limit, err := queryLimit(r, 0)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := s.store.ListPendingByStatus(r.Context(), status, limit)
	if err != nil {
		s.logger.Error("failed to list pending entries", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list pending entries")
		return
	}
	if entries == nil {
		entries = []store.PendingEntry{}
	}
	s.writeJSON(w, entries)
}

// handleAPIPushed lists push records, newest first.
func (s *Server) handleAPIPushed(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 100)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := s.store.ListPushed(r.Context(), r.URL.Query().Get("target"), limit)
	if err != nil {
		s.logger.Error("failed to list pushed images", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list pushed images")
		return
	}
	if records == nil {
		records = []store.PushedRecord{}
	}
	s.writeJSON(w, records)
}

// StatusResponseBody is the response from GET /api/status.
type StatusResponseBody struct {
	Pending    int             `json:"pending"`
	Done       int             `json:"done"`
	Targets    []string        `json:"targets"`
	RecentRuns []store.SyncRun `json:"recent_runs"`
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	pending, done, err := s.store.CountPending(r.Context())
	if err != nil {
		s.logger.Error("failed to count pending entries", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read queue status")
		return
	}
	runs, err := s.store.ListSyncRuns(r.Context(), "", 10)
	if err != nil {
		s.logger.Error("failed to list sync runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read sync runs")
		return
	}
	if runs == nil {
		runs = []store.SyncRun{}
	}
	s.writeJSON(w, StatusResponseBody{
		Pending:    pending,
		Done:       done,
		Targets:    s.config.TargetNames(),
		RecentRuns: runs,
	})
}

// SyncRequestBody is the expected request body for POST /api/sync.
type SyncRequestBody struct {
	Target string `json:"target"`
}

// handleAPISync runs the pipeline for one target and returns its report.
func (s *Server) handleAPISync(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		s.writeError(w, http.StatusServiceUnavailable, "sync is not enabled on this server")
		return
	}

	var req SyncRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Target == "" {
		s.writeError(w, http.StatusBadRequest, "target name required")
		return
	}
	profile, err := s.config.Target(req.Target)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	if !s.syncMu.TryLock() {
		s.writeError(w, http.StatusConflict, "a sync is already running")
		return
	}
	defer s.syncMu.Unlock()

	// The run outlives a disconnecting caller; progress stays readable
	// through /api/sync/progress.
	report, err := s.pipeline.RunSync(context.WithoutCancel(r.Context()), profile)
	if err != nil {
		s.logger.Error("sync failed", "target", req.Target, "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, report)
}

func (s *Server) handleAPISyncProgress(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		s.writeError(w, http.StatusServiceUnavailable, "sync is not enabled on this server")
		return
	}
	tracker := s.pipeline.ActiveProgress()
	if tracker == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, tracker.Snapshot())
}

// handleAPISyncEvents streams progress snapshots as server-sent events until
// the run finishes or the client goes away.
func (s *Server) handleAPISyncEvents(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		s.writeError(w, http.StatusServiceUnavailable, "sync is not enabled on this server")
		return
	}
	tracker := s.pipeline.ActiveProgress()
	if tracker == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	sendEvent := func(event string, data interface{}) {
		jsonData, _ := json.Marshal(data)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
		flusher.Flush()
	}

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		wait := tracker.Wait()
		snap := tracker.Snapshot()
		sendEvent("progress", snap)
		if snap.Phase == engine.PhaseComplete || snap.Phase == engine.PhaseFailed || snap.Phase == engine.PhaseCancelled {
			sendEvent("done", snap)
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-wait:
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if _, _, err := s.store.CountPending(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	s.writeJSON(w, map[string]string{"status": "ok"})
}
