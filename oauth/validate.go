package oauth

import (
	"sort"
	"strings"
	"unicode"

	"simple-oidc-oauth/validation"
)

const (
	GrantAuthorizationCode = "authorization_code"
	GrantClientCredentials = "client_credentials"
	GrantRefreshToken      = "refresh_token"
	GrantImplicit          = "implicit"
	GrantDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
)

// Field names as they appear in admin API payloads.
const (
	FieldRedirectURIs           = "redirectUris"
	FieldPostLogoutRedirectURIs = "postLogoutRedirectUris"
	FieldAllowedCORSOrigins     = "allowedCorsOrigins"
	FieldGrantTypes             = "grantTypes"
	FieldScopes                 = "scopes"

	messageUnsupportedGrant = "One or more of the given grant types are not supported."
	messageInvalidScope     = "One or more of the given scopes are not valid."
	messageRedirectRequired = "At least one redirect URI is required for interactive grant types."
)

var (
	DefaultScopes     = []string{"email", "openid", "profile"}
	DefaultGrantTypes = []string{GrantAuthorizationCode, GrantRefreshToken}

	supportedGrants = map[string]struct{}{
		GrantAuthorizationCode: {},
		GrantClientCredentials: {},
		GrantRefreshToken:      {},
		GrantImplicit:          {},
		GrantDeviceCode:        {},
	}
)

// NormalizeInput trims the name, de-duplicates every list and fills in
// default scopes and grant types. Grant types are lowercased first so that
// case variants collapse into one entry.
func NormalizeInput(in ClientInput) ClientInput {
	grants := make([]string, len(in.GrantTypes))
	for i, g := range in.GrantTypes {
		grants[i] = strings.ToLower(g)
	}
	out := ClientInput{
		Name:                   strings.TrimSpace(in.Name),
		RedirectURIs:           NormalizeList(in.RedirectURIs),
		PostLogoutRedirectURIs: NormalizeList(in.PostLogoutRedirectURIs),
		AllowedCORSOrigins:     NormalizeList(in.AllowedCORSOrigins),
		Scopes:                 NormalizeList(in.Scopes),
		GrantTypes:             NormalizeList(grants),
		RequirePKCE:            in.RequirePKCE,
	}
	if len(out.Scopes) == 0 {
		out.Scopes = append([]string(nil), DefaultScopes...)
	}
	if len(out.GrantTypes) == 0 {
		out.GrantTypes = append([]string(nil), DefaultGrantTypes...)
	}
	return out
}

// NormalizeList trims every entry, removes duplicates and sorts the result.
// Entries that are empty after trimming are kept (once) so that validation
// rejects them instead of the list silently shrinking. Absent lists become
// empty, never nil.
func NormalizeList(values []string) []string {
	if len(values) == 0 {
		return []string{}
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[strings.TrimSpace(v)] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// ValidateInput checks a normalized registration. URL fields are checked
// with the absolute URL and origin validators; the error is a
// validation.FieldErrors when any field is rejected.
func (s Service) ValidateInput(in ClientInput) error {
	if strings.TrimSpace(in.Name) == "" {
		return ErrClientNameRequired
	}
	urls := validation.AbsoluteURLValidator{Schemes: s.Schemes}
	origins := validation.URLOriginValidator{Schemes: s.Schemes}

	redirectErr := validation.CheckField(FieldRedirectURIs, urls, in.RedirectURIs)
	if redirectErr == nil && len(in.RedirectURIs) == 0 && needsRedirect(in.GrantTypes) {
		redirectErr = &validation.FieldError{Field: FieldRedirectURIs, Message: messageRedirectRequired}
	}

	return validation.Collect(
		redirectErr,
		validation.CheckField(FieldPostLogoutRedirectURIs, urls, in.PostLogoutRedirectURIs),
		validation.CheckField(FieldAllowedCORSOrigins, origins, in.AllowedCORSOrigins),
		CheckGrantTypes(FieldGrantTypes, in.GrantTypes),
		CheckScopes(FieldScopes, in.Scopes),
	)
}

// CheckGrantTypes rejects grant types this server does not implement.
// Comparison ignores case.
func CheckGrantTypes(field string, grants []string) *validation.FieldError {
	var failures []validation.Failure
	for i, g := range grants {
		if _, ok := supportedGrants[strings.ToLower(g)]; !ok {
			failures = append(failures, validation.Failure{Index: i, Value: g, Reason: validation.ReasonMalformed})
		}
	}
	if len(failures) == 0 {
		return nil
	}
	return &validation.FieldError{Field: field, Message: messageUnsupportedGrant, Failures: failures}
}

// CheckScopes rejects empty scope tokens and tokens containing whitespace.
func CheckScopes(field string, scopes []string) *validation.FieldError {
	var failures []validation.Failure
	for i, sc := range scopes {
		if sc == "" || strings.ContainsFunc(sc, unicode.IsSpace) {
			failures = append(failures, validation.Failure{Index: i, Value: sc, Reason: validation.ReasonMalformed})
		}
	}
	if len(failures) == 0 {
		return nil
	}
	return &validation.FieldError{Field: field, Message: messageInvalidScope, Failures: failures}
}

func needsRedirect(grants []string) bool {
	return containsExact(grants, GrantAuthorizationCode) || containsExact(grants, GrantImplicit)
}

func responseTypesFor(grants []string) []string {
	var out []string
	if containsExact(grants, GrantAuthorizationCode) {
		out = append(out, "code")
	}
	if containsExact(grants, GrantImplicit) {
		out = append(out, "id_token", "id_token token")
	}
	if out == nil {
		return []string{}
	}
	return out
}
