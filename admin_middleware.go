package main

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

type ctxKey int

const ctxAdminUser ctxKey = iota

func withAdminUser(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, ctxAdminUser, username)
}

func adminUserFrom(ctx context.Context) string {
	if v, ok := ctx.Value(ctxAdminUser).(string); ok {
		return v
	}
	return ""
}

// requireAdmin accepts a bearer token or the admin session cookie. The
// token must carry the admin_api scope.
func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := adminTokenFromRequest(r)
		if raw == "" {
			respondJSON(w, http.StatusUnauthorized, map[string]any{"ok": false, "error": "authentication required"})
			return
		}
		claims, err := parseAdminToken(raw)
		if err != nil {
			Debugf("admin token rejected path=%s: %v", r.URL.Path, err)
			respondJSON(w, http.StatusUnauthorized, map[string]any{"ok": false, "error": "invalid or expired token"})
			return
		}
		if !claims.hasScope(adminScope) {
			Warnf("admin scope missing user=%s path=%s", claims.Subject, r.URL.Path)
			respondJSON(w, http.StatusForbidden, map[string]any{"ok": false, "error": "insufficient scope"})
			return
		}
		next.ServeHTTP(w, r.WithContext(withAdminUser(r.Context(), claims.Subject)))
	})
}

func adminTokenFromRequest(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if c, err := r.Cookie(adminSessionCookie); err == nil {
		return strings.TrimSpace(c.Value)
	}
	return ""
}

// ---------- CSRF-lite for state-changing routes ----------

// requireSameOrigin rejects unsafe requests whose Origin (or Referer) is not
// this host, APP_BASE_URL or an allowed cors origin. Requests carrying an
// Authorization header are exempt since requireAdmin then ignores the cookie.
func requireSameOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if strings.TrimSpace(r.Header.Get("Authorization")) != "" {
			next.ServeHTTP(w, r)
			return
		}
		source := r.Header.Get("Origin")
		if source == "" {
			source = r.Header.Get("Referer")
		}
		// Non-browser clients send neither header.
		if source == "" || trustedRequestSource(r, source) {
			next.ServeHTTP(w, r)
			return
		}
		Warnf("cross-site admin request rejected source=%q path=%s ip=%s", source, r.URL.Path, clientIP(r))
		respondJSON(w, http.StatusForbidden, map[string]any{"ok": false, "error": "cross-site request rejected"})
	})
}

func trustedRequestSource(r *http.Request, raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}
	origin := strings.ToLower(u.Scheme + "://" + u.Host)
	host := strings.ToLower(u.Host)

	if base, err := url.Parse(appBaseURL); err == nil && strings.ToLower(base.Scheme+"://"+base.Host) == origin {
		return true
	}
	if host == strings.ToLower(r.Host) {
		return true
	}
	if remote, ok := parseAddr(r.RemoteAddr); ok && isTrustedProxy(remote) {
		fwd, _, _ := strings.Cut(r.Header.Get("X-Forwarded-Host"), ",")
		if fwd = strings.ToLower(strings.TrimSpace(fwd)); fwd != "" && fwd == host {
			return true
		}
	}
	return corsOrigins != nil && corsOrigins.Allowed(origin)
}
