package main

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
)

var (
	sameSiteNoneDowngradeLogged atomic.Bool
	ucBrowserVersion            = regexp.MustCompile(`UCBrowser/(\d+)\.(\d+)\.(\d+)`)
	chromeVersion               = regexp.MustCompile(`Chrom(?:e|ium)/(\d+)\.`)
)

func parseSameSite(value string, def http.SameSite) http.SameSite {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "":
		return def
	case "lax":
		return http.SameSiteLaxMode
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		Warnf("Unknown SameSite value %q; using default", value)
		return def
	}
}

// cookieSettings resolves the SameSite mode and Secure flag for a cookie
// written in response to r.
func cookieSettings(r *http.Request) (http.SameSite, bool) {
	cfg := currentRuntimeConfig().Security
	sameSite := parseSameSite(cfg.CookieSameSite, http.SameSiteLaxMode)
	secure := cfg.ForceSecureCookie || strings.HasPrefix(strings.ToLower(appBaseURL), "https://")
	if r != nil && r.TLS != nil {
		secure = true
	}

	if sameSite != http.SameSiteNoneMode {
		return sameSite, secure
	}
	if !secure {
		if sameSiteNoneDowngradeLogged.CompareAndSwap(false, true) {
			Warnf("SameSite=None requires Secure cookies; falling back to SameSite=Lax")
		}
		return http.SameSiteLaxMode, secure
	}
	if r != nil && disallowsSameSiteNone(r.UserAgent()) {
		return http.SameSiteDefaultMode, secure
	}
	return sameSite, secure
}

// disallowsSameSiteNone reports user agents that reject or misread
// SameSite=None. Those clients get the cookie without a SameSite attribute.
func disallowsSameSiteNone(ua string) bool {
	if ua == "" {
		return false
	}
	// iOS 12 treats None as Strict.
	if strings.Contains(ua, "CPU iPhone OS 12") || strings.Contains(ua, "iPad; CPU OS 12") {
		return true
	}
	// macOS 10.14 Safari and embedded WebKit views.
	if strings.Contains(ua, "Macintosh; Intel Mac OS X 10_14") {
		if strings.Contains(ua, "Version/") && strings.Contains(ua, "Safari") {
			return true
		}
		if strings.HasSuffix(ua, "(KHTML, like Gecko)") {
			return true
		}
	}
	// Chrome 51 through 66 reject the attribute.
	if m := chromeVersion.FindStringSubmatch(ua); m != nil {
		if major, err := strconv.Atoi(m[1]); err == nil && major >= 51 && major <= 66 {
			return true
		}
	}
	// UC Browser before 12.13.2.
	if m := ucBrowserVersion.FindStringSubmatch(ua); m != nil {
		return versionBefore(m[1:], [3]int{12, 13, 2})
	}
	return false
}

func versionBefore(parts []string, want [3]int) bool {
	for i := 0; i < 3 && i < len(parts); i++ {
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			return false
		}
		if n != want[i] {
			return n < want[i]
		}
	}
	return false
}
