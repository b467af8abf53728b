package monitor

import (
	"errors"
	"net/http"
	"time"

	"github.com/nugget/mirage/internal/backend"
	"github.com/nugget/mirage/internal/buildinfo"
	"github.com/nugget/mirage/internal/capture"
	"github.com/nugget/mirage/internal/connwatch"
)

// handleHealth answers 200 even when degraded; the body carries the
// state.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	services := map[string]connwatch.ServiceStatus{}
	if s.src.Health != nil {
		services = s.src.Health.Status()
	}

	status := "healthy"
	for _, svc := range services {
		if !svc.Ready {
			status = "degraded"
			break
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"uptime":   buildinfo.Uptime().Truncate(time.Second).String(),
		"services": services,
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, buildinfo.Current())
}

func (s *Server) handleListeners(w http.ResponseWriter, _ *http.Request) {
	if s.src.Listeners == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "listeners not available")
		return
	}
	list := s.src.Listeners.Snapshot()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"count":     len(list),
		"listeners": list,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	if s.src.Stats == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "stats not available")
		return
	}
	s.writeJSON(w, http.StatusOK, s.src.Stats())
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	if s.src.Captures == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "capture store not configured")
		return
	}

	limit := min(intParam(r, "limit", DefaultRecentLimit), MaxRecentLimit)
	list, err := s.src.Captures.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("recent captures query failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "query failed")
		return
	}
	if list == nil {
		list = []capture.Interaction{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"count":        len(list),
		"interactions": list,
	})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if s.src.Captures == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "capture store not configured")
		return
	}

	hours := intParam(r, "hours", DefaultSummaryHours)
	end := time.Now()
	start := end.Add(-time.Duration(hours) * time.Hour)

	total, err := s.src.Captures.Summary(r.Context(), start, end)
	if err != nil {
		s.logger.Error("capture summary query failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "query failed")
		return
	}
	byListener, err := s.src.Captures.SummaryByListener(r.Context(), start, end)
	if err != nil {
		s.logger.Error("capture summary by listener failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "query failed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"hours":       hours,
		"start":       start.UTC().Format(time.RFC3339),
		"end":         end.UTC().Format(time.RFC3339),
		"total":       total,
		"by_listener": byListener,
	})
}

// handleLiveSession returns the backend's memory of a session that is
// still open. Ended sessions are only in the capture store.
func (s *Server) handleLiveSession(w http.ResponseWriter, r *http.Request) {
	if s.src.Sessions == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "sessions not available")
		return
	}
	id := r.PathValue("id")
	msgs, err := s.src.Sessions.History(id)
	if errors.Is(err, backend.ErrUnknownSession) {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.logger.Error("session history failed", "session_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "history failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"count":      len(msgs),
		"messages":   msgs,
	})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if s.src.Captures == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "capture store not configured")
		return
	}
	id := r.PathValue("id")
	list, err := s.src.Captures.Session(r.Context(), id)
	if err != nil {
		s.logger.Error("session captures query failed", "session_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "query failed")
		return
	}
	if len(list) == 0 {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"session_id":   id,
		"count":        len(list),
		"interactions": list,
	})
}
