package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/roelfdiedericks/tabrelay/internal/browser"
	. "github.com/roelfdiedericks/tabrelay/internal/logging"
	"github.com/roelfdiedericks/tabrelay/internal/pool"
	"github.com/roelfdiedericks/tabrelay/internal/relay"
)

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		L_debug("server: encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps pool and relay errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, pool.ErrUnknownIndex):
		return http.StatusNotFound
	case errors.Is(err, pool.ErrSessionRemoved):
		return http.StatusGone
	case errors.Is(err, pool.ErrCapacityExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, pool.ErrPoolClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func indexParam(r *http.Request) (int, error) {
	raw := chi.URLParam(r, "index")
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid tab index %q", raw)
	}
	return n, nil
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Pool    pool.Status    `json:"pool"`
	Browser browser.Status `json:"browser"`
	Uptime  string         `json:"uptime"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, StatusResponse{
		Pool:    s.app.Pool.Status(),
		Browser: s.app.Browser.Status(),
		Uptime:  time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleTabs(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.app.Pool.Tabs())
}

func (s *Server) handleSetPreset(w http.ResponseWriter, r *http.Request) {
	index, err := indexParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	var req struct {
		Preset string `json:"preset"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	if err := s.app.Pool.SetPreset(index, req.Preset); err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"index": index, "preset": s.app.Pool.Preset(index)})
}

func (s *Server) handleReleaseAll(w http.ResponseWriter, r *http.Request) {
	n := s.app.Pool.ForceReleaseAll(r.Context())
	respondJSON(w, http.StatusOK, map[string]int{"released": n})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	n, err := s.app.Pool.Refresh(r.Context())
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"adopted": n})
}

// WatchEvent is one NDJSON line of GET /tabs/{index}/watch.
type WatchEvent struct {
	ID      string `json:"id,omitempty"`
	Session string `json:"session,omitempty"`
	Source  string `json:"source,omitempty"`
	Text    string `json:"text,omitempty"`
	Resync  bool   `json:"resync,omitempty"`
	Done    bool   `json:"done,omitempty"`
	Error   string `json:"error,omitempty"`
}

// handleWatch follows the next reply on a tab and streams it as NDJSON.
// Nothing is submitted; the caller drives the page some other way.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	index, err := indexParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	var timeout time.Duration
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		if timeout, err = time.ParseDuration(raw); err != nil {
			respondError(w, http.StatusBadRequest, fmt.Errorf("invalid timeout %q", raw))
			return
		}
	}

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		L_trace("server: cannot lift write deadline", "error", err)
	}

	req := relay.Request{
		TaskID:   "watch-" + uuid.NewString(),
		Index:    index,
		Selector: r.URL.Query().Get("selector"),
		Trigger:  relay.NoTrigger,
		Timeout:  timeout,
	}

	enc := json.NewEncoder(w)
	started := false
	var last WatchEvent
	for chunk, err := range s.app.Relay.Run(r.Context(), req) {
		if err != nil {
			if !started {
				respondError(w, statusFor(err), err)
				return
			}
			writeEvent(enc, rc, WatchEvent{ID: last.ID, Session: last.Session, Error: err.Error()})
			return
		}
		if !started {
			w.Header().Set("Content-Type", "application/x-ndjson")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		last = WatchEvent{
			ID:      chunk.CompletionID,
			Session: chunk.Session,
			Source:  chunk.Source,
			Text:    chunk.Delta.Text,
			Resync:  chunk.Delta.Resync,
		}
		if !writeEvent(enc, rc, last) {
			return
		}
	}
	if r.Context().Err() != nil {
		return
	}
	if !started {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
	}
	writeEvent(enc, rc, WatchEvent{ID: last.ID, Session: last.Session, Done: true})
}

func writeEvent(enc *json.Encoder, rc *http.ResponseController, ev WatchEvent) bool {
	if err := enc.Encode(ev); err != nil {
		L_debug("server: watch client gone", "error", err)
		return false
	}
	if err := rc.Flush(); err != nil {
		L_trace("server: flush", "error", err)
	}
	return true
}
