package main

import (
	"log"
	"net"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"time"
)

type logLevel int

const (
	levelDEBUG logLevel = iota
	levelINFO
	levelWARN
	levelERROR
)

var (
	curLevel       = parseLogLevel(firstNonEmpty(os.Getenv("LOG_LEVEL"), os.Getenv("log_level")))
	trustedProxies = parseTrustedProxies(os.Getenv("TRUSTED_PROXY_CIDRS"))
)

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseLogLevel(s string) logLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return levelDEBUG
	case "WARN", "WARNING":
		return levelWARN
	case "ERROR":
		return levelERROR
	default:
		return levelINFO
	}
}

func (l logLevel) String() string {
	switch l {
	case levelDEBUG:
		return "DEBUG"
	case levelWARN:
		return "WARN"
	case levelERROR:
		return "ERROR"
	default:
		return "INFO"
	}
}

func logf(want logLevel, format string, v ...any) {
	if curLevel > want {
		return
	}
	log.Printf("%-5s "+format, append([]any{want}, v...)...)
}

func Debugf(format string, v ...any) { logf(levelDEBUG, format, v...) }
func Infof(format string, v ...any)  { logf(levelINFO, format, v...) }
func Warnf(format string, v ...any)  { logf(levelWARN, format, v...) }
func Errorf(format string, v ...any) { logf(levelERROR, format, v...) }

// WithRequestLogging emits one line per request at DEBUG.
func WithRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if curLevel > levelDEBUG {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		Debugf(`http %s %s -> %d %dB in %s origin=%q ip=%s`,
			r.Method, r.URL.RequestURI(), rec.status, rec.written,
			time.Since(start).Round(time.Millisecond), r.Header.Get("Origin"), clientIP(r))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int
}

func (s *statusRecorder) WriteHeader(code int) { s.status = code; s.ResponseWriter.WriteHeader(code) }
func (s *statusRecorder) Write(b []byte) (int, error) {
	n, err := s.ResponseWriter.Write(b)
	s.written += n
	return n, err
}

// clientIP returns the peer address, or the first untrusted hop of
// X-Forwarded-For / X-Real-IP when the peer is a trusted proxy.
func clientIP(r *http.Request) string {
	remote, ok := parseAddr(r.RemoteAddr)
	if !ok {
		return strings.TrimSpace(r.RemoteAddr)
	}
	if !isTrustedProxy(remote) {
		return remote.String()
	}

	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		if ip, ok := parseAddr(hops[i]); ok && !isTrustedProxy(ip) {
			return ip.String()
		}
	}
	if ip, ok := parseAddr(r.Header.Get("X-Real-IP")); ok {
		return ip.String()
	}
	return remote.String()
}

func parseAddr(raw string) (netip.Addr, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return netip.Addr{}, false
	}
	if ap, err := netip.ParseAddrPort(raw); err == nil {
		return ap.Addr().Unmap().WithZone(""), true
	}
	if host, _, err := net.SplitHostPort(raw); err == nil {
		raw = host
	}
	ip, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Addr{}, false
	}
	return ip.Unmap().WithZone(""), true
}

func isTrustedProxy(ip netip.Addr) bool {
	for _, p := range trustedProxies {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

func parseTrustedProxies(raw string) []netip.Prefix {
	var out []netip.Prefix
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			p, err := netip.ParsePrefix(part)
			if err != nil {
				log.Printf("Invalid TRUSTED_PROXY_CIDRS entry %q: %v", part, err)
				continue
			}
			out = append(out, p.Masked())
			continue
		}
		ip, ok := parseAddr(part)
		if !ok {
			log.Printf("Invalid TRUSTED_PROXY_CIDRS entry %q: not an IP or CIDR", part)
			continue
		}
		out = append(out, netip.PrefixFrom(ip, ip.BitLen()))
	}
	return out
}
