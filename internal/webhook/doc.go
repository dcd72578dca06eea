// Package webhook accepts HMAC-SHA256 signed events from the backends that
// originate them and dispatches them through the plugin manager.
//
// Each endpoint has its own pre-shared secret. The signature covers the raw
// request body and is read from the endpoint's signature header
// (X-Hookwarden-Signature unless configured), either as plain hex or in the
// "sha256=<hex>" form. Verification failures always answer a bare 403.
//
// # Configuration
//
//	webhooks:
//	  listen: "127.0.0.1:8788"
//	  endpoints:
//	    - path: /hooks/desktop
//	      source: desktop
//	      secret: ${DESKTOP_HOOK_SECRET}
//	    - path: /hooks/prompt
//	      source: cli
//	      event: user.message.before_send
//	      secret: ${PROMPT_HOOK_SECRET}
//	      max_body_size: 256KB
//
// Without a fixed event the body is an envelope:
//
//	{"name": "permission.request", "session_id": "s1", "data": {...}}
//
// With one, the body is the event data object itself.
package webhook
