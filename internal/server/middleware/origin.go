package middleware

import (
	"net/http"
	"net/url"
	"strings"
)

// OriginChecker decides which browser origins may use the API and the feed.
// Requests without an Origin header and localhost origins are always allowed.
type OriginChecker struct {
	allowed []string
}

// NewOriginChecker creates a checker. Entries are exact origins such as
// "https://dash.example.com" or wildcard hosts such as "*.example.com".
func NewOriginChecker(allowed []string) *OriginChecker {
	return &OriginChecker{allowed: allowed}
}

// Allowed reports whether origin may be served.
func (oc *OriginChecker) Allowed(origin string) bool {
	if origin == "" {
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if isLocalhost(parsed.Hostname()) {
		return true
	}

	for _, allowed := range oc.allowed {
		if matchOrigin(parsed, origin, allowed) {
			return true
		}
	}
	return false
}

// CheckOrigin is suitable for websocket.Upgrader.CheckOrigin.
func (oc *OriginChecker) CheckOrigin(r *http.Request) bool {
	return oc.Allowed(r.Header.Get("Origin"))
}

// CORS echoes allowed origins back and answers preflight requests.
// Disallowed origins get no CORS headers, so browsers block the response.
func (oc *OriginChecker) CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && oc.Allowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "3600")
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func isLocalhost(host string) bool {
	return host == "localhost" ||
		host == "127.0.0.1" ||
		host == "::1" ||
		strings.HasSuffix(host, ".localhost")
}

func matchOrigin(parsed *url.URL, origin, allowed string) bool {
	if strings.EqualFold(origin, strings.TrimRight(allowed, "/")) {
		return true
	}

	// *.example.com matches subdomains only
	if suffix, ok := strings.CutPrefix(allowed, "*."); ok {
		return strings.HasSuffix(parsed.Hostname(), "."+suffix)
	}
	return false
}
