package validation

import (
	"sort"
	"strings"
)

// DefaultSchemes are accepted for redirect URIs and CORS origins when no
// other allowlist is configured.
var DefaultSchemes = []string{"http", "https"}

// SchemeAllowlist is an immutable set of URL schemes. The zero value behaves
// like the default allowlist.
type SchemeAllowlist struct {
	set map[string]struct{}
}

// NewSchemeAllowlist builds an allowlist from the given scheme names. Names
// are trimmed and lowercased; an empty result falls back to DefaultSchemes.
func NewSchemeAllowlist(schemes ...string) SchemeAllowlist {
	set := make(map[string]struct{}, len(schemes))
	for _, s := range schemes {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		set[s] = struct{}{}
	}
	if len(set) == 0 {
		for _, s := range DefaultSchemes {
			set[s] = struct{}{}
		}
	}
	return SchemeAllowlist{set: set}
}

// ParseSchemeAllowlist reads a comma separated list such as "http,https".
func ParseSchemeAllowlist(raw string) SchemeAllowlist {
	return NewSchemeAllowlist(strings.Split(raw, ",")...)
}

// Contains reports whether scheme is allowed, ignoring case.
func (a SchemeAllowlist) Contains(scheme string) bool {
	scheme = strings.ToLower(scheme)
	if a.set == nil {
		for _, s := range DefaultSchemes {
			if s == scheme {
				return true
			}
		}
		return false
	}
	_, ok := a.set[scheme]
	return ok
}

// Schemes returns the allowed schemes in sorted order.
func (a SchemeAllowlist) Schemes() []string {
	if a.set == nil {
		return append([]string(nil), DefaultSchemes...)
	}
	out := make([]string, 0, len(a.set))
	for s := range a.set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (a SchemeAllowlist) String() string {
	return strings.Join(a.Schemes(), ",")
}
