package main

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
)

const (
	corsAllowMethods = "GET, POST, PUT, DELETE, OPTIONS"
	corsAllowHeaders = "Authorization, Content-Type"
)

// corsPolicy answers cross-origin calls to the admin API from the origins
// listed in the cors config section. Origins registered by clients are for
// protocol endpoints and never grant access here. Entries are stored
// lowercased; origins carry no path so case folding the whole string is safe.
type corsPolicy struct {
	config func() CORSConfig

	mu      sync.RWMutex
	origins map[string]struct{}
	stale   bool
}

func newCORSPolicy(config func() CORSConfig) *corsPolicy {
	return &corsPolicy{config: config, stale: true}
}

// Invalidate forces a reload on the next lookup.
func (p *corsPolicy) Invalidate() {
	p.mu.Lock()
	p.stale = true
	p.mu.Unlock()
}

func (p *corsPolicy) refresh() {
	cfg := p.config()
	set := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		set[strings.ToLower(strings.TrimSpace(o))] = struct{}{}
	}
	delete(set, "")

	p.mu.Lock()
	p.origins = set
	p.stale = false
	p.mu.Unlock()
	Debugf("cors origins refreshed count=%d", len(set))
}

// Allowed reports whether origin may make credentialed cross-origin calls.
func (p *corsPolicy) Allowed(origin string) bool {
	origin = strings.ToLower(strings.TrimSpace(origin))
	if origin == "" || origin == "null" {
		return false
	}
	p.mu.RLock()
	stale := p.stale
	p.mu.RUnlock()
	if stale {
		p.refresh()
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.origins[origin]
	return ok
}

// Middleware applies the policy to /api/ paths and answers preflight
// requests itself.
func (p *corsPolicy) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" || !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Add("Vary", "Origin")
		allowed := p.Allowed(origin)
		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		} else {
			Debugf("cors origin not allowed origin=%q path=%s", origin, r.URL.Path)
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			if allowed {
				w.Header().Set("Access-Control-Allow-Methods", corsAllowMethods)
				w.Header().Set("Access-Control-Allow-Headers", corsAllowHeaders)
				if age := p.config().MaxAgeSeconds; age > 0 {
					w.Header().Set("Access-Control-Max-Age", strconv.Itoa(age))
				}
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
