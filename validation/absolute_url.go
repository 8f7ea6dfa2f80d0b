package validation

// AbsoluteURLValidator accepts collections in which every element is an
// absolute URL (scheme and host present) with a scheme from Schemes. Paths,
// queries and fragments are allowed, including an empty "?" or "#".
type AbsoluteURLValidator struct {
	Schemes SchemeAllowlist
}

// Validate reports whether every candidate is an acceptable absolute URL.
// A nil or empty collection is valid.
func (v AbsoluteURLValidator) Validate(candidates []string) bool {
	return all(candidates, v.Check)
}

// Check classifies a single candidate.
func (v AbsoluteURLValidator) Check(candidate string) Reason {
	_, reason := parseAbsolute(candidate, v.Schemes)
	return reason
}

// Explain lists every rejected candidate with its reason.
func (v AbsoluteURLValidator) Explain(candidates []string) []Failure {
	return explain(candidates, v.Check)
}

func (v AbsoluteURLValidator) Message() string { return MessageAbsoluteURLs }
