package api

import (
	"crypto/subtle"
	"net/http"
	"net/url"
	"strings"
)

// validateToken accepts a Bearer header or a token query parameter. An empty
// configured token disables the check.
func validateToken(r *http.Request, token string) bool {
	if token == "" {
		return true
	}
	presented := ""
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		presented = strings.TrimPrefix(auth, "Bearer ")
	} else {
		presented = r.URL.Query().Get("token")
	}
	if presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
}

// isOriginAllowed admits any origin unless an allow list is configured, in
// which case the full origin or its host must match an entry.
func isOriginAllowed(r *http.Request, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	originHost := parsed.Hostname()
	if originHost == "" {
		return false
	}
	for _, allowedOrigin := range allowed {
		allowedOrigin = strings.TrimSpace(allowedOrigin)
		if allowedOrigin == "*" {
			return true
		}
		if strings.EqualFold(origin, allowedOrigin) || strings.EqualFold(originHost, allowedOrigin) {
			return true
		}
	}
	return false
}
