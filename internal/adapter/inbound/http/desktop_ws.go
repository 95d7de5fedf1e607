package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openctrol/openctrol-agent/internal/domain/audit"
	"github.com/openctrol/openctrol-agent/internal/domain/input"
)

const (
	// maxInputMessageSize bounds one inbound input message.
	maxInputMessageSize = 4096
	writeWait           = 5 * time.Second
)

// helloMessage is the first frame sent on every desktop socket.
type helloMessage struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := originSet(allowedOrigins)
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r, allowed)
		},
	}
}

// handleDesktopSocket upgrades an authenticated desktop connection.
//
// The session id and token come from the query string. Any validation
// failure is a bare 401; the reason is only logged by the token authority.
// The connection is attached to its session before the upgrade so that an
// EndSession racing with the handshake still tears it down.
func (t *HTTPTransport) handleDesktopSocket(w http.ResponseWriter, r *http.Request) {
	logger := LoggerFromContext(r.Context())
	q := r.URL.Query()
	id := q.Get("sess")

	sess, ok := t.sessions.ValidateSessionToken(r.Context(), id, q.Get("token"))
	if !ok {
		t.recordAudit(r, audit.Record{Event: audit.EventSocketReject, SessionID: id, Reason: "unauthorized"})
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ctx, cancel := context.WithCancel(t.connCtx)
	defer cancel()
	ctx = context.WithValue(ctx, LoggerKey, logger)

	detach, err := t.sessions.AttachConnection(ctx, sess.ID, cancel)
	if err != nil {
		t.recordAudit(r, audit.Record{Event: audit.EventSocketReject, SessionID: sess.ID, OwnerTag: sess.OwnerTag, Reason: "session ended"})
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	defer detach()

	// Counted while the request is still tracked by the server; Shutdown
	// stops tracking it once Upgrade hijacks the connection.
	t.conns.Add(1)
	defer t.conns.Done()

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		logger.Warn("desktop websocket upgrade failed", "session_id", sess.ID, "error", err)
		return
	}
	defer conn.Close()

	t.metrics.WSConnections.Inc()
	defer t.metrics.WSConnections.Dec()

	logger = logger.With("session_id", sess.ID)
	logger.Info("desktop client connected", "client_ip", ClientIPFromContext(r.Context()))
	t.recordAudit(r, audit.Record{Event: audit.EventSocketConnect, SessionID: sess.ID, OwnerTag: sess.OwnerTag})
	defer logger.Info("desktop client disconnected")

	closeReason := "client disconnected"
	defer func() {
		t.recordAudit(r, audit.Record{Event: audit.EventSocketClose, SessionID: sess.ID, OwnerTag: sess.OwnerTag, Reason: closeReason})
	}()

	conn.SetReadLimit(maxInputMessageSize)
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(helloMessage{Type: "hello", SessionID: sess.ID, ExpiresAt: sess.ExpiresAt}); err != nil {
		logger.Debug("hello write failed", "error", err)
		return
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		t.readInput(ctx, conn, sess.ID, logger)
	}()

	expiry := time.NewTimer(sess.ExpiresAt.Sub(t.clock.Now()))
	defer expiry.Stop()

	select {
	case <-ctx.Done():
		if t.connCtx.Err() != nil {
			closeReason = "server shutting down"
			closeSocket(conn, websocket.CloseGoingAway, closeReason)
		} else {
			closeReason = "session ended"
			closeSocket(conn, websocket.CloseNormalClosure, closeReason)
		}
	case <-expiry.C:
		closeReason = "session expired"
		closeSocket(conn, websocket.CloseNormalClosure, closeReason)
		if _, ended := t.sessions.EndSession(context.Background(), sess.ID); ended {
			t.recordAudit(r, audit.Record{Event: audit.EventSessionExpire, SessionID: sess.ID, OwnerTag: sess.OwnerTag})
		}
	case <-readDone:
	}

	// Unblocks the reader if it is still waiting on the socket
	_ = conn.Close()
	<-readDone
}

// readInput decodes input messages until the socket fails or closes.
// Malformed messages are skipped.
func (t *HTTPTransport) readInput(ctx context.Context, conn *websocket.Conn, sessionID string, logger *slog.Logger) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("desktop socket read failed", "error", err)
			}
			return
		}

		var ev input.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.metrics.InputEvents.WithLabelValues("unknown", "invalid").Inc()
			logger.Debug("invalid input message", "error", err)
			continue
		}
		if err := ev.Validate(); err != nil {
			t.metrics.InputEvents.WithLabelValues(eventLabel(ev.Type), "invalid").Inc()
			logger.Debug("invalid input message", "type", ev.Type, "error", err)
			continue
		}
		if err := t.sink.Inject(ctx, sessionID, ev); err != nil {
			t.metrics.InputEvents.WithLabelValues(string(ev.Type), "error").Inc()
			logger.Warn("input injection failed", "type", ev.Type, "error", err)
			continue
		}
		t.metrics.InputEvents.WithLabelValues(string(ev.Type), "ok").Inc()
	}
}

// eventLabel keeps the metric label set bounded.
func eventLabel(typ input.EventType) string {
	switch typ {
	case input.PointerMove, input.PointerButton, input.PointerWheel, input.Key:
		return string(typ)
	default:
		return "unknown"
	}
}

func closeSocket(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// discardSink drops input when no sink is configured.
type discardSink struct{}

func (discardSink) Inject(context.Context, string, input.Event) error { return nil }
