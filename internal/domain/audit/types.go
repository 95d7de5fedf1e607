// Package audit contains domain types for the session audit trail.
package audit

import "time"

// Event names recorded in the audit trail.
const (
	EventSessionStart  = "session.start"
	EventSessionReject = "session.reject"
	EventSessionEnd    = "session.end"
	EventSessionExpire = "session.expire"
	EventTokenRevoke   = "token.revoke"
	EventSocketConnect = "socket.connect"
	EventSocketReject  = "socket.reject"
	EventSocketClose   = "socket.close"
	EventAgentShutdown = "agent.shutdown"
)

// Record is one audit trail entry. Token values are never recorded; only
// their fingerprint.
type Record struct {
	// Timestamp is when the event happened.
	Timestamp time.Time `json:"timestamp"`
	// Event is one of the Event* constants.
	Event string `json:"event"`
	// SessionID is the affected session, if any.
	SessionID string `json:"session_id,omitempty"`
	// OwnerTag is the session's ha_id.
	OwnerTag string `json:"ha_id,omitempty"`
	// TokenFP is the token fingerprint (see token.Fingerprint).
	TokenFP string `json:"token_fp,omitempty"`
	// Reason explains rejections and closes.
	Reason string `json:"reason,omitempty"`
	// ClientIP is the caller address.
	ClientIP string `json:"client_ip,omitempty"`
	// APIKey is the name of the API key used, if any.
	APIKey string `json:"api_key,omitempty"`
	// RequestID correlates with request logs.
	RequestID string `json:"request_id,omitempty"`
}
