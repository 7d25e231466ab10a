package api

import (
	"net/http"
	"strconv"

	"github.com/hearthgrid/hearth-core/internal/audit"
)

// handleListAudit returns audit trail events, newest first, with
// optional event_type, actor, and outcome filters.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeInternalError(w, "audit trail not configured")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		EventType: q.Get("event_type"),
		Actor:     q.Get("actor"),
		Outcome:   q.Get("outcome"),
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))   //nolint:errcheck // zero means default
	filter.Offset, _ = strconv.Atoi(q.Get("offset")) //nolint:errcheck // zero means first page

	result, err := s.audit.List(r.Context(), filter)
	if err != nil {
		writeInternalError(w, "failed to list audit events")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
