package server

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/marlinsec/playbookd/internal/controlplane/audit"
)

// handleAuditQuery is GET /api/v1/audit. It reads the in-memory window;
// older events come through the export endpoint.
func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	filter, ok := auditFilter(w, r)
	if !ok {
		return
	}
	if filter.Limit == 0 {
		filter.Limit = 100
	}
	events := s.auditor.Query(filter)
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

// handleAuditExport is GET /api/v1/audit/export. It streams the full
// persisted log as JSONL, one event per line.
func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	filter, ok := auditFilter(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	if err := s.auditor.StreamJSONL(r.Context(), w, filter); err != nil {
		s.logger.Warn("audit export aborted", zap.Error(err))
	}
}

func auditFilter(w http.ResponseWriter, r *http.Request) (audit.Filter, bool) {
	q := r.URL.Query()
	filter := audit.Filter{
		Action:       audit.Action(q.Get("action")),
		ResourceType: q.Get("resource_type"),
		ResourceID:   q.Get("resource_id"),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "INVALID_FILTER", "limit must be a non-negative integer")
			return audit.Filter{}, false
		}
		filter.Limit = n
	}
	for name, dst := range map[string]*time.Time{"since": &filter.Since, "until": &filter.Until} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "INVALID_FILTER", name+" must be RFC3339")
			return audit.Filter{}, false
		}
		*dst = ts
	}
	return filter, true
}
