package middleware

import "net/http"

// corsHeaders is what every response advertises to the operator
// dashboard's browser. The permissive origin is for development; a
// production deployment narrows it at the gateway terminating TLS.
var corsHeaders = map[string]string{
	"Access-Control-Allow-Origin":  "*",
	"Access-Control-Allow-Methods": "GET, POST, OPTIONS",
	"Access-Control-Allow-Headers": "Authorization, Content-Type, X-Idempotency-Key, X-Webhook-Signature",
	"Access-Control-Max-Age":       "3600",
}

// CORS adds cross-origin response headers and short-circuits preflight
// requests before they reach authentication.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for k, v := range corsHeaders {
			w.Header().Set(k, v)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
