// Package validation checks the URL collections attached to a client
// registration (redirect URIs, post-logout redirect URIs and CORS origins)
// before they are persisted.
//
// Validators are plain values with no mutable state. A nil or empty
// collection is always valid; whether a field is required is decided by the
// caller.
package validation

import (
	"net/url"
	"strings"
	"unicode"
)

const (
	// MessageAbsoluteURLs is reported for a field rejected by AbsoluteURLValidator.
	MessageAbsoluteURLs = "One or more of the given absolute URLs are not valid."
	// MessageOrigins is reported for a field rejected by URLOriginValidator.
	MessageOrigins = "One or more of the given origins are not valid."
)

// Reason classifies why a single candidate was rejected.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonMalformed
	ReasonSchemeNotAllowed
	ReasonNotOrigin
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonMalformed:
		return "malformed"
	case ReasonSchemeNotAllowed:
		return "scheme_not_allowed"
	case ReasonNotOrigin:
		return "not_origin"
	default:
		return "unknown"
	}
}

// Failure describes one rejected element of a candidate collection.
type Failure struct {
	Index  int    `json:"index"`
	Value  string `json:"value"`
	Reason Reason `json:"-"`
}

// Validator is implemented by AbsoluteURLValidator and URLOriginValidator.
type Validator interface {
	Validate(candidates []string) bool
	Check(candidate string) Reason
	Explain(candidates []string) []Failure
	Message() string
}

// parseAbsolute parses raw as an absolute URL with an allowed scheme.
func parseAbsolute(raw string, schemes SchemeAllowlist) (*url.URL, Reason) {
	if raw == "" || strings.IndexFunc(raw, rejectedRune) >= 0 {
		return nil, ReasonMalformed
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, ReasonMalformed
	}
	if u.Scheme == "" || u.Opaque != "" || u.Host == "" || u.Hostname() == "" {
		return nil, ReasonMalformed
	}
	if !schemes.Contains(u.Scheme) {
		return u, ReasonSchemeNotAllowed
	}
	return u, ReasonNone
}

func rejectedRune(r rune) bool {
	return unicode.IsSpace(r) || unicode.IsControl(r)
}

func explain(candidates []string, check func(string) Reason) []Failure {
	var failures []Failure
	for i, c := range candidates {
		if reason := check(c); reason != ReasonNone {
			failures = append(failures, Failure{Index: i, Value: c, Reason: reason})
		}
	}
	return failures
}

func all(candidates []string, check func(string) Reason) bool {
	for _, c := range candidates {
		if check(c) != ReasonNone {
			return false
		}
	}
	return true
}
