package http

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openctrol/openctrol-agent/internal/domain/audit"
	"github.com/openctrol/openctrol-agent/internal/domain/session"
	"github.com/openctrol/openctrol-agent/internal/domain/token"
)

const (
	sessionsPath    = "/api/v1/sessions/desktop"
	revokePath      = "/api/v1/tokens/revoke"
	desktopWSPath   = "/api/v1/rd/session"
	capacityMessage = "Maximum sessions limit reached"
)

type createSessionRequest struct {
	HAID string `json:"ha_id"`
	// TTLSeconds is optional; nil means the configured default.
	TTLSeconds *int64 `json:"ttl_seconds,omitempty"`
}

type createSessionResponse struct {
	SessionID    string    `json:"session_id"`
	Token        string    `json:"token"`
	WebSocketURL string    `json:"websocket_url"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// sessionView is the listing form of a session. The token is never included.
type sessionView struct {
	SessionID string        `json:"session_id"`
	HAID      string        `json:"ha_id"`
	State     session.State `json:"state"`
	CreatedAt time.Time     `json:"created_at"`
	ExpiresAt time.Time     `json:"expires_at"`
}

type revokeRequest struct {
	Token string `json:"token"`
}

func (t *HTTPTransport) viewOf(s session.DesktopSession) sessionView {
	return sessionView{
		SessionID: s.ID,
		HAID:      s.OwnerTag,
		State:     s.StateAt(t.clock.Now()),
		CreatedAt: s.CreatedAt,
		ExpiresAt: s.ExpiresAt,
	}
}

func (t *HTTPTransport) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	logger := LoggerFromContext(r.Context())

	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}

	ttl, ok := t.requestedTTL(req.TTLSeconds)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request",
			"ttl_seconds must be between 1 and "+formatSeconds(t.maxTTL))
		return
	}

	sess, err := t.sessions.StartSession(r.Context(), req.HAID, ttl)
	switch {
	case errors.Is(err, session.ErrCapacityExceeded):
		t.recordAudit(r, audit.Record{Event: audit.EventSessionReject, OwnerTag: req.HAID, Reason: "capacity"})
		writeError(w, http.StatusConflict, "session_creation_failed", capacityMessage)
		return
	case errors.Is(err, session.ErrInvalidTTL):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	case err != nil:
		// Entropy failures end up here. The cause stays in the log.
		logger.Error("session creation failed", "ha_id", req.HAID, "error", err)
		writeError(w, http.StatusInternalServerError, "session_creation_failed", "internal error")
		return
	}

	t.recordAudit(r, audit.Record{
		Timestamp: sess.CreatedAt,
		Event:     audit.EventSessionStart,
		SessionID: sess.ID,
		OwnerTag:  sess.OwnerTag,
		TokenFP:   token.Fingerprint(sess.Token),
	})
	writeJSON(w, http.StatusOK, createSessionResponse{
		SessionID:    sess.ID,
		Token:        sess.Token,
		WebSocketURL: t.websocketURL(r, sess),
		ExpiresAt:    sess.ExpiresAt,
	})
}

// requestedTTL resolves ttl_seconds against the default and the [1s, maxTTL]
// bounds.
func (t *HTTPTransport) requestedTTL(seconds *int64) (time.Duration, bool) {
	if seconds == nil {
		return t.defaultTTL, true
	}
	n := *seconds
	if n < 1 || n > int64(t.maxTTL/time.Second) {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}

func formatSeconds(d time.Duration) string {
	return (d / time.Second * time.Second).String()
}

// websocketURL builds the desktop socket URL from the public URL when
// configured, otherwise from the request's own host.
func (t *HTTPTransport) websocketURL(r *http.Request, s session.DesktopSession) string {
	u := url.URL{Scheme: "ws", Host: r.Host, Path: desktopWSPath}
	if r.TLS != nil {
		u.Scheme = "wss"
	}
	if t.publicURL != nil {
		u.Host = t.publicURL.Host
		u.Path = strings.TrimSuffix(t.publicURL.Path, "/") + desktopWSPath
		if t.publicURL.Scheme == "https" || t.publicURL.Scheme == "wss" {
			u.Scheme = "wss"
		} else {
			u.Scheme = "ws"
		}
	}
	q := url.Values{}
	q.Set("sess", s.ID)
	q.Set("token", s.Token)
	u.RawQuery = q.Encode()
	return u.String()
}

func (t *HTTPTransport) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := t.sessions.GetActiveSessions(r.Context())
	if err != nil {
		LoggerFromContext(r.Context()).Error("list sessions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}
	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, t.viewOf(s))
	}
	writeJSON(w, http.StatusOK, views)
}

func (t *HTTPTransport) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := t.sessions.TryGetSession(r.Context(), r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	writeJSON(w, http.StatusOK, t.viewOf(sess))
}

func (t *HTTPTransport) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if sess, ok := t.sessions.EndSession(r.Context(), id); ok {
		t.recordAudit(r, audit.Record{Event: audit.EventSessionEnd, SessionID: id, OwnerTag: sess.OwnerTag, Reason: "api"})
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": id, "status": string(session.StateEnded)})
}

func (t *HTTPTransport) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "token is required")
		return
	}
	rec := audit.Record{Event: audit.EventTokenRevoke, TokenFP: token.Fingerprint(req.Token)}
	if sess, ok := t.sessions.RevokeSessionToken(r.Context(), req.Token); ok {
		rec.SessionID = sess.ID
		rec.OwnerTag = sess.OwnerTag
	}
	t.recordAudit(r, rec)
	LoggerFromContext(r.Context()).Info("token revoked by operator", "session_id", rec.SessionID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}
