package validation

import "strings"

// URLOriginValidator accepts collections in which every element is exactly
// an origin: scheme, host and optional port, written without a trailing
// slash, query or fragment.
type URLOriginValidator struct {
	Schemes SchemeAllowlist
}

// Validate reports whether every candidate is an acceptable origin. A nil or
// empty collection is valid.
func (v URLOriginValidator) Validate(candidates []string) bool {
	return all(candidates, v.Check)
}

// Check classifies a single candidate.
func (v URLOriginValidator) Check(candidate string) Reason {
	u, reason := parseAbsolute(candidate, v.Schemes)
	if reason != ReasonNone {
		return reason
	}
	if u.User != nil {
		return ReasonNotOrigin
	}
	// "https://host/" and "https://host" describe the same resource, but only
	// the latter is an origin string. The literal text decides.
	switch u.Path {
	case "":
	case "/":
		if strings.HasSuffix(candidate, "/") {
			return ReasonNotOrigin
		}
	default:
		return ReasonNotOrigin
	}
	if u.RawQuery != "" || u.ForceQuery {
		return ReasonNotOrigin
	}
	if u.Fragment != "" || strings.Contains(candidate, "#") {
		return ReasonNotOrigin
	}
	return ReasonNone
}

// Explain lists every rejected candidate with its reason.
func (v URLOriginValidator) Explain(candidates []string) []Failure {
	return explain(candidates, v.Check)
}

func (v URLOriginValidator) Message() string { return MessageOrigins }
