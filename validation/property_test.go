package validation

import (
	"strings"
	"testing"

	"pgregory.net/rapid"
)

func hostGen() *rapid.Generator[string] {
	return rapid.StringMatching(`[a-z]{1,12}\.(com|org|net|io)`)
}

func originGen() *rapid.Generator[string] {
	return rapid.Custom(func(rt *rapid.T) string {
		scheme := rapid.SampledFrom([]string{"http", "https"}).Draw(rt, "scheme")
		origin := scheme + "://" + hostGen().Draw(rt, "host")
		if rapid.Bool().Draw(rt, "withPort") {
			origin += ":" + rapid.StringMatching(`[1-9][0-9]{1,4}`).Draw(rt, "port")
		}
		return origin
	})
}

func mixCase(s string, mask []bool) string {
	b := []byte(s)
	for i := range b {
		if i < len(mask) && mask[i] {
			b[i] = strings.ToUpper(string(b[i]))[0]
		}
	}
	return string(b)
}

func TestOriginsAreAbsoluteURLsProperty(t *testing.T) {
	urls := AbsoluteURLValidator{}
	origins := URLOriginValidator{}
	rapid.Check(t, func(rt *rapid.T) {
		in := rapid.SliceOf(originGen()).Draw(rt, "origins")
		if !origins.Validate(in) {
			rt.Fatalf("generated origins rejected: %q", in)
		}
		if !urls.Validate(in) {
			rt.Fatalf("origins are absolute URLs: %q", in)
		}
	})
}

func TestOriginSuffixRejectedProperty(t *testing.T) {
	origins := URLOriginValidator{}
	urls := AbsoluteURLValidator{}
	rapid.Check(t, func(rt *rapid.T) {
		origin := originGen().Draw(rt, "origin")
		suffix := rapid.SampledFrom([]string{"/", "/cb", "?", "?a=1", "#", "#f", "/?"}).Draw(rt, "suffix")
		candidate := origin + suffix
		if origins.Validate([]string{candidate}) {
			rt.Fatalf("expected %q to be rejected as an origin", candidate)
		}
		if !urls.Validate([]string{candidate}) {
			rt.Fatalf("expected %q to remain a valid absolute URL", candidate)
		}
	})
}

func TestValidateIsConjunctionProperty(t *testing.T) {
	origins := URLOriginValidator{}
	rapid.Check(t, func(rt *rapid.T) {
		good := rapid.SliceOfN(originGen(), 0, 5).Draw(rt, "good")
		bad := rapid.SampledFrom([]string{"www.a.com", "https://a.com/", "ftp://a.com", "/x"}).Draw(rt, "bad")
		at := rapid.IntRange(0, len(good)).Draw(rt, "at")

		mixed := append(append(append([]string{}, good[:at]...), bad), good[at:]...)
		if origins.Validate(mixed) {
			rt.Fatalf("one invalid element must invalidate %q", mixed)
		}
	})
}

func TestValidateIsIdempotentProperty(t *testing.T) {
	urls := AbsoluteURLValidator{Schemes: NewSchemeAllowlist("https")}
	rapid.Check(t, func(rt *rapid.T) {
		in := rapid.SliceOfN(rapid.OneOf(originGen(), rapid.String()), 0, 4).Draw(rt, "in")
		first := urls.Validate(in)
		for i := 0; i < 3; i++ {
			if urls.Validate(in) != first {
				rt.Fatalf("result changed between calls for %q", in)
			}
		}
	})
}

func TestSchemeCaseInsensitiveProperty(t *testing.T) {
	urls := AbsoluteURLValidator{}
	origins := URLOriginValidator{}
	rapid.Check(t, func(rt *rapid.T) {
		origin := originGen().Draw(rt, "origin")
		scheme, rest, _ := strings.Cut(origin, "://")
		mask := rapid.SliceOfN(rapid.Bool(), len(scheme), len(scheme)).Draw(rt, "mask")
		shouted := mixCase(scheme, mask) + "://" + rest

		if urls.Validate([]string{shouted}) != urls.Validate([]string{origin}) {
			rt.Fatalf("absolute URL result differs for %q and %q", shouted, origin)
		}
		if origins.Validate([]string{shouted}) != origins.Validate([]string{origin}) {
			rt.Fatalf("origin result differs for %q and %q", shouted, origin)
		}
	})
}
