package server

import (
	"log"
	"net/http"
	"net/url"
	"strings"
)

// sameOrigin reports whether a browser request came from a page served by
// this host. Requests without an Origin header (curl, the CLI) pass.
func sameOrigin(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Site") == "cross-site" {
		return false
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// rejectCrossSite refuses state-changing requests from other origins.
// Inbound events can open the microphone, so a foreign page must not be
// able to post them.
func rejectCrossSite(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead && !sameOrigin(r) {
			log.Printf("cross-site %s %s rejected (origin %q)", r.Method, r.URL.Path, r.Header.Get("Origin"))
			http.Error(w, "cross-site request rejected", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
