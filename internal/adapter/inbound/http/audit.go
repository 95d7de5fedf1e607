package http

import (
	"net/http"
	"strconv"

	"github.com/openctrol/openctrol-agent/internal/domain/audit"
)

const (
	auditPath         = "/api/v1/audit"
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// recordAudit appends rec with the caller's IP, API key name and request id.
// A failed append is logged and otherwise ignored.
func (t *HTTPTransport) recordAudit(r *http.Request, rec audit.Record) {
	if t.audit == nil {
		return
	}
	ctx := r.Context()
	if rec.Timestamp.IsZero() {
		rec.Timestamp = t.clock.Now()
	}
	rec.ClientIP = ClientIPFromContext(ctx)
	rec.APIKey, _ = ctx.Value(APIKeyNameKey).(string)
	rec.RequestID, _ = ctx.Value(RequestIDKey).(string)

	if err := t.audit.Append(ctx, rec); err != nil {
		LoggerFromContext(ctx).Warn("audit append failed", "event", rec.Event, "error", err)
	}
}

// handleAudit serves the most recent audit records, newest first.
// ?limit= defaults to 100 and is capped at 1000.
func (t *HTTPTransport) handleAudit(w http.ResponseWriter, r *http.Request) {
	if t.audit == nil {
		writeError(w, http.StatusNotFound, "not_found", "audit trail not configured")
		return
	}

	limit := defaultAuditLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = min(n, maxAuditLimit)
	}

	records := t.audit.Recent(limit)
	if records == nil {
		records = []audit.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}
