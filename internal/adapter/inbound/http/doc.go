// Package http provides the HTTP and WebSocket transport for the openctrol agent.
//
// The transport exposes session admission and token revocation to Home
// Assistant over a small REST API, and the desktop input channel to desktop
// clients over a WebSocket authenticated by the session token.
//
// # Usage
//
//	transport := http.NewHTTPTransport(broker,
//	    http.WithAddr("0.0.0.0:44325"),
//	    http.WithAPIKeyVerifier(verifier),
//	    http.WithRequestLimiter(limiter, nil),
//	    http.WithLogger(logger),
//	)
//	err := transport.Start(ctx)
//
// # Endpoints
//
//	GET  /api/v1/health                    - Agent status (no API key)
//	POST /api/v1/sessions/desktop          - Create a session {ha_id, ttl_seconds}
//	GET  /api/v1/sessions/desktop          - List active sessions (tokens omitted)
//	GET  /api/v1/sessions/desktop/{id}     - One session, 404 if unknown
//	POST /api/v1/sessions/desktop/{id}/end - End a session (idempotent)
//	POST /api/v1/tokens/revoke             - Revoke a token {token}
//	GET  /api/v1/audit?limit=              - Recent audit records, newest first
//	GET  /api/v1/rd/session?sess=&token=   - Desktop WebSocket
//	GET  /metrics                          - Prometheus metrics
//
// # Request Headers
//
//	X-Openctrol-Key: <api-key> - Required on REST routes when keys are configured
//	X-Request-ID: <id>         - Optional; generated when absent and echoed back
//
// # Status Codes
//
//	400 - malformed body or ttl_seconds out of range
//	401 - missing or invalid API key, or failed socket authentication
//	409 - session cap reached ("Maximum sessions limit reached")
//	429 - session creation throttled, see Retry-After
//	500 - internal failure; details are only logged
//
// # Desktop Socket
//
// After the upgrade the agent sends {"type":"hello","session_id","expires_at"}.
// Client messages are JSON input events (pointer_move, pointer_button,
// pointer_wheel, key) handed to the configured input sink. When the session
// ends the agent sends a 1000 "session ended" close frame, at expiry 1000
// "session expired", and at shutdown 1001 "server shutting down".
package http
