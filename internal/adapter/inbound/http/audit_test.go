package http

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	auditstore "github.com/openctrol/openctrol-agent/internal/adapter/outbound/audit"
	"github.com/openctrol/openctrol-agent/internal/domain/audit"
	"github.com/openctrol/openctrol-agent/internal/domain/token"
)

func events(records []audit.Record) map[string]audit.Record {
	out := make(map[string]audit.Record, len(records))
	for _, r := range records {
		if _, seen := out[r.Event]; !seen {
			out[r.Event] = r
		}
	}
	return out
}

func TestAudit_SessionLifecycle(t *testing.T) {
	store := auditstore.NewMemoryStore(100)
	env := newTestEnv(t, 1, WithAuditStore(store))

	created := env.createSession(t, "ha-1")
	conn := dial(t, created.WebSocketURL)
	readHello(t, conn)

	env.do(t, http.MethodPost, sessionsPath+"/"+created.SessionID+"/end", nil, nil)
	expectClose(t, conn, 2*time.Second)

	waitFor(t, func() bool { _, ok := events(store.Recent(10))[audit.EventSocketClose]; return ok })
	got := events(store.Recent(10))

	start, ok := got[audit.EventSessionStart]
	if !ok {
		t.Fatal("session.start not recorded")
	}
	if start.SessionID != created.SessionID || start.OwnerTag != "ha-1" {
		t.Errorf("session.start = %+v", start)
	}
	if start.TokenFP != token.Fingerprint(created.Token) {
		t.Errorf("token_fp = %q, want fingerprint of issued token", start.TokenFP)
	}
	if start.ClientIP != "127.0.0.1" || start.RequestID == "" {
		t.Errorf("request context missing: ip=%q request_id=%q", start.ClientIP, start.RequestID)
	}
	for _, ev := range []string{audit.EventSocketConnect, audit.EventSessionEnd} {
		if _, ok := got[ev]; !ok {
			t.Errorf("%s not recorded", ev)
		}
	}
	if r := got[audit.EventSocketClose]; r.Reason != "session ended" {
		t.Errorf("socket.close reason = %q, want session ended", r.Reason)
	}
}

func TestAudit_RejectRevokeAndUnknownEnd(t *testing.T) {
	store := auditstore.NewMemoryStore(100)
	env := newTestEnv(t, 1, WithAuditStore(store))

	created := env.createSession(t, "a")
	env.do(t, http.MethodPost, sessionsPath, map[string]any{"ha_id": "b"}, nil)
	env.do(t, http.MethodPost, revokePath, revokeRequest{Token: created.Token}, nil)
	env.do(t, http.MethodPost, sessionsPath+"/missing/end", nil, nil)

	got := events(store.Recent(10))
	if r := got[audit.EventSessionReject]; r.OwnerTag != "b" || r.Reason != "capacity" {
		t.Errorf("session.reject = %+v", r)
	}
	if r := got[audit.EventTokenRevoke]; r.TokenFP != token.Fingerprint(created.Token) || r.SessionID != created.SessionID {
		t.Errorf("token.revoke = %+v", r)
	}
	if _, ok := got[audit.EventSessionEnd]; ok {
		t.Error("ending an unknown session should not be recorded")
	}
}

func TestAudit_ConcurrentEndRecordedOnce(t *testing.T) {
	store := auditstore.NewMemoryStore(100)
	env := newTestEnv(t, 1, WithAuditStore(store))
	created := env.createSession(t, "a")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Post(env.server.URL+sessionsPath+"/"+created.SessionID+"/end", "application/json", nil)
			if err == nil {
				resp.Body.Close()
			}
		}()
	}
	wg.Wait()

	n := 0
	for _, r := range store.Recent(100) {
		if r.Event == audit.EventSessionEnd {
			n++
		}
	}
	if n != 1 {
		t.Errorf("session.end records = %d, want 1", n)
	}
}

func TestAudit_SocketReject(t *testing.T) {
	store := auditstore.NewMemoryStore(10)
	env := newTestEnv(t, 1, WithAuditStore(store))

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + desktopWSPath + "?sess=nope&token=bad"
	if conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil {
		conn.Close()
		t.Fatal("dial succeeded")
	}

	r, ok := events(store.Recent(10))[audit.EventSocketReject]
	if !ok || r.SessionID != "nope" || r.Reason != "unauthorized" {
		t.Errorf("socket.reject = %+v (recorded %v)", r, ok)
	}
}

func TestAuditEndpoint(t *testing.T) {
	store := auditstore.NewMemoryStore(100)
	env := newTestEnv(t, 3, WithAuditStore(store))
	var tokens []string
	for _, id := range []string{"a", "b", "c"} {
		tokens = append(tokens, env.createSession(t, id).Token)
	}

	tests := []struct {
		name   string
		query  string
		status int
		count  int
	}{
		{"default limit", "", http.StatusOK, 3},
		{"limit", "?limit=2", http.StatusOK, 2},
		{"zero limit", "?limit=0", http.StatusBadRequest, 0},
		{"garbage limit", "?limit=many", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodGet, auditPath+tt.query, nil, nil)
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if tt.status != http.StatusOK {
				return
			}
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				t.Fatal(err)
			}
			for _, tok := range tokens {
				if strings.Contains(string(body), tok) {
					t.Fatal("audit response contains a raw token")
				}
			}
			var records []audit.Record
			if err := json.Unmarshal(body, &records); err != nil {
				t.Fatal(err)
			}
			if len(records) != tt.count {
				t.Errorf("records = %d, want %d", len(records), tt.count)
			}
			if records[0].OwnerTag != "c" {
				t.Errorf("newest record ha_id = %q, want c", records[0].OwnerTag)
			}
		})
	}
}

func TestAuditEndpoint_EmptyAndUnconfigured(t *testing.T) {
	env := newTestEnv(t, 1, WithAuditStore(auditstore.NewMemoryStore(10)))
	resp := env.do(t, http.MethodGet, auditPath, nil, nil)
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(body)) != "[]" {
		t.Errorf("empty audit = %d %q, want 200 []", resp.StatusCode, body)
	}

	bare := newTestEnv(t, 1)
	if resp := bare.do(t, http.MethodGet, auditPath, nil, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unconfigured audit status = %d, want 404", resp.StatusCode)
	}
}
