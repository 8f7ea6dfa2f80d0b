package validation

import (
	"strings"
	"testing"
)

const (
	unexpectedResultFmt = "Validate(%q) = %v, want %v"
	unexpectedReasonFmt = "Check(%q) = %s, want %s"
)

func TestSchemeAllowlistDefaults(t *testing.T) {
	var zero SchemeAllowlist
	for _, a := range []SchemeAllowlist{zero, NewSchemeAllowlist(), ParseSchemeAllowlist(" , ")} {
		if !a.Contains("http") || !a.Contains("HTTPS") {
			t.Fatalf("expected default schemes, got %v", a.Schemes())
		}
		if a.Contains("ftp") {
			t.Fatalf("ftp should not be allowed by default")
		}
	}
}

func TestParseSchemeAllowlist(t *testing.T) {
	a := ParseSchemeAllowlist(" HTTPS, custom-app ,")
	if got := a.String(); got != "custom-app,https" {
		t.Fatalf("unexpected schemes: %q", got)
	}
	if a.Contains("http") {
		t.Fatalf("http should not be allowed")
	}
	if !a.Contains("Custom-App") {
		t.Fatalf("expected case-insensitive match")
	}
}

func TestAbsoluteURLValidator(t *testing.T) {
	v := AbsoluteURLValidator{Schemes: NewSchemeAllowlist(DefaultSchemes...)}

	cases := []struct {
		in   []string
		want bool
	}{
		{nil, true},
		{[]string{}, true},
		{[]string{"http://a.com"}, true},
		{[]string{"https://a.com/path?q=1#f"}, true},
		{[]string{"https://a.com/path?"}, true},
		{[]string{"https://a.com/path#"}, true},
		{[]string{"https://a.com?#"}, true},
		{[]string{"https://a.com:8443/cb"}, true},
		{[]string{"HTTPS://a.com"}, true},
		{[]string{"http://127.0.0.1:5000/signin-oidc"}, true},
		{[]string{"/relative/path"}, false},
		{[]string{"?q=1"}, false},
		{[]string{"#frag"}, false},
		{[]string{"www.a.com"}, false},
		{[]string{"ftp://a.com"}, false},
		{[]string{"mailto:admin@a.com"}, false},
		{[]string{"http://"}, false},
		{[]string{"http://:8080"}, false},
		{[]string{"https://a.com/pa th"}, false},
		{[]string{""}, false},
		{[]string{"https://a.com", "/relative"}, false},
		{[]string{"https://a.com", "https://b.com/cb"}, true},
	}
	for _, tc := range cases {
		if got := v.Validate(tc.in); got != tc.want {
			t.Errorf(unexpectedResultFmt, tc.in, got, tc.want)
		}
	}
}

func TestURLOriginValidator(t *testing.T) {
	v := URLOriginValidator{Schemes: NewSchemeAllowlist(DefaultSchemes...)}

	cases := []struct {
		in   []string
		want bool
	}{
		{nil, true},
		{[]string{}, true},
		{[]string{"https://a.com"}, true},
		{[]string{"http://localhost:3000"}, true},
		{[]string{"HTTPS://a.com"}, true},
		{[]string{"https://a.com/"}, false},
		{[]string{"https://a.com/path"}, false},
		{[]string{"https://a.com?x=1"}, false},
		{[]string{"https://a.com?"}, false},
		{[]string{"https://a.com#frag"}, false},
		{[]string{"https://a.com#"}, false},
		{[]string{"https://user@a.com"}, false},
		{[]string{"www.a.com"}, false},
		{[]string{"ftp://a.com"}, false},
		{[]string{"https://a.com", "https://b.com/"}, false},
	}
	for _, tc := range cases {
		if got := v.Validate(tc.in); got != tc.want {
			t.Errorf(unexpectedResultFmt, tc.in, got, tc.want)
		}
	}
}

func TestCheckReasons(t *testing.T) {
	urls := AbsoluteURLValidator{}
	origins := URLOriginValidator{}

	cases := []struct {
		v    Validator
		in   string
		want Reason
	}{
		{urls, "https://a.com/cb", ReasonNone},
		{urls, "www.a.com", ReasonMalformed},
		{urls, "ftp://a.com", ReasonSchemeNotAllowed},
		{origins, "https://a.com", ReasonNone},
		{origins, "https://a.com/", ReasonNotOrigin},
		{origins, "ftp://a.com", ReasonSchemeNotAllowed},
		{origins, "not a url", ReasonMalformed},
	}
	for _, tc := range cases {
		if got := tc.v.Check(tc.in); got != tc.want {
			t.Errorf(unexpectedReasonFmt, tc.in, got, tc.want)
		}
	}
}

func TestExplainReportsEveryFailure(t *testing.T) {
	v := URLOriginValidator{}
	failures := v.Explain([]string{"https://ok.com", "https://a.com/", "ftp://b.com"})
	if len(failures) != 2 {
		t.Fatalf("expected two failures, got %+v", failures)
	}
	if failures[0].Index != 1 || failures[0].Reason != ReasonNotOrigin {
		t.Errorf("unexpected first failure: %+v", failures[0])
	}
	if failures[1].Index != 2 || failures[1].Reason != ReasonSchemeNotAllowed {
		t.Errorf("unexpected second failure: %+v", failures[1])
	}
}

func TestCheckFieldAndCollect(t *testing.T) {
	urls := AbsoluteURLValidator{}
	origins := URLOriginValidator{}

	if err := Collect(
		CheckField("redirectUris", urls, []string{"https://a.com/cb"}),
		CheckField("allowedCorsOrigins", origins, nil),
	); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	err := Collect(
		CheckField("redirectUris", urls, []string{"/cb"}),
		CheckField("allowedCorsOrigins", origins, []string{"https://a.com/"}),
	)
	fieldErrs, ok := err.(FieldErrors)
	if !ok {
		t.Fatalf("expected FieldErrors, got %T", err)
	}
	msgs := fieldErrs.Messages()
	if msgs["redirectUris"] != MessageAbsoluteURLs {
		t.Errorf("unexpected redirect message: %q", msgs["redirectUris"])
	}
	if msgs["allowedCorsOrigins"] != MessageOrigins {
		t.Errorf("unexpected origins message: %q", msgs["allowedCorsOrigins"])
	}
	if !strings.Contains(err.Error(), "redirectUris: ") {
		t.Errorf("unexpected error text: %q", err.Error())
	}
}
