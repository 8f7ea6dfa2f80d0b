package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	adminSessionCookie = "oidc_admin_session"
	adminScope         = "admin_api"
	adminTokenIssuer   = "simple-oidc-oauth"
	ldapTimeout        = 10 * time.Second
)

var errInvalidCredentials = errors.New("invalid credentials")

// dummyAdminHash is compared against when the user does not exist so that
// unknown and known usernames cost the same.
var dummyAdminHash, _ = bcrypt.GenerateFromPassword([]byte("not-a-real-password"), bcrypt.DefaultCost)

// AdminIdentity is an authenticated operator of the admin API.
type AdminIdentity struct {
	Username string
	Source   string
}

// Authenticator verifies admin credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (AdminIdentity, error)
}

// ---------- Local (admin_users) ----------

type localAuthenticator struct{}

func (localAuthenticator) Authenticate(_ context.Context, username, password string) (AdminIdentity, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return AdminIdentity{}, errInvalidCredentials
	}
	u, err := getAdminUser(username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			_ = bcrypt.CompareHashAndPassword(dummyAdminHash, []byte(password))
			return AdminIdentity{}, errInvalidCredentials
		}
		return AdminIdentity{}, fmt.Errorf("admin lookup: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil || u.Disabled {
		return AdminIdentity{}, errInvalidCredentials
	}
	if err := touchAdminLogin(u.Username, time.Now()); err != nil {
		Warnf("admin login timestamp update failed user=%s: %v", u.Username, err)
	}
	return AdminIdentity{Username: u.Username, Source: "local"}, nil
}

// ---------- LDAP ----------

// ldapAuthenticator binds as the user. When groupDN is set the user must
// also be a member of that group.
type ldapAuthenticator struct {
	url            string
	userDNTemplate string
	groupDN        string
	startTLS       bool
	dial           func(url string, startTLS bool) (ldapConn, error)
}

type ldapConn interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Close() error
}

func newLDAPAuthenticatorFromEnv() *ldapAuthenticator {
	url := strings.TrimSpace(envOr("LDAP_URL", ""))
	if url == "" {
		return nil
	}
	return &ldapAuthenticator{
		url:            url,
		userDNTemplate: envOr("LDAP_USER_DN_TEMPLATE", "uid=%s,ou=users,dc=example,dc=org"),
		groupDN:        strings.TrimSpace(envOr("LDAP_ADMIN_GROUP_DN", "")),
		startTLS:       envBool("LDAP_STARTTLS", false),
		dial:           dialLDAP,
	}
}

func (a *ldapAuthenticator) userDN(username string) string {
	return fmt.Sprintf(a.userDNTemplate, ldapEscape(username))
}

func (a *ldapAuthenticator) Authenticate(_ context.Context, username, password string) (AdminIdentity, error) {
	username = strings.TrimSpace(username)
	// An empty password would be an unauthenticated bind.
	if username == "" || password == "" {
		return AdminIdentity{}, errInvalidCredentials
	}
	conn, err := a.dial(a.url, a.startTLS)
	if err != nil {
		return AdminIdentity{}, fmt.Errorf("ldap dial: %w", err)
	}
	defer conn.Close()

	dn := a.userDN(username)
	if err := conn.Bind(dn, password); err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
			return AdminIdentity{}, errInvalidCredentials
		}
		return AdminIdentity{}, fmt.Errorf("ldap bind: %w", err)
	}

	if a.groupDN != "" {
		res, err := conn.Search(ldap.NewSearchRequest(
			a.groupDN,
			ldap.ScopeBaseObject, ldap.NeverDerefAliases, 1, int(ldapTimeout.Seconds()), false,
			fmt.Sprintf("(|(member=%s)(uniqueMember=%s))", ldap.EscapeFilter(dn), ldap.EscapeFilter(dn)),
			[]string{"dn"},
			nil,
		))
		if err != nil {
			return AdminIdentity{}, fmt.Errorf("ldap group check: %w", err)
		}
		if len(res.Entries) == 0 {
			return AdminIdentity{}, errInvalidCredentials
		}
	}
	return AdminIdentity{Username: username, Source: "ldap"}, nil
}

func dialLDAP(host string, startTLS bool) (ldapConn, error) {
	d := &net.Dialer{Timeout: ldapTimeout}
	if !strings.HasPrefix(host, "ldap://") && !strings.HasPrefix(host, "ldaps://") {
		host = "ldap://" + host
	}
	conn, err := ldap.DialURL(host, ldap.DialWithDialer(d))
	if err != nil {
		return nil, err
	}
	conn.SetTimeout(ldapTimeout)
	if startTLS {
		if err := conn.StartTLS(nil); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return ldapClient{conn}, nil
}

// ldapClient adapts *ldap.Conn to ldapConn.
type ldapClient struct{ *ldap.Conn }

func (c ldapClient) Close() error {
	c.Conn.Close()
	return nil
}

func ldapEscape(s string) string {
	replacer := strings.NewReplacer(
		"\\", "\\5c",
		"*", "\\2a",
		"(", "\\28",
		")", "\\29",
		"\x00", "\\00",
		",", "\\2c",
		"+", "\\2b",
		"\"", "\\22",
		"<", "\\3c",
		">", "\\3e",
		";", "\\3b",
		"=", "\\3d",
		"#", "\\23",
	)
	return replacer.Replace(s)
}

// ---------- Chain ----------

// chainAuthenticator tries each authenticator in order. Backend failures are
// remembered so that an outage is not reported as bad credentials.
type chainAuthenticator []Authenticator

func (c chainAuthenticator) Authenticate(ctx context.Context, username, password string) (AdminIdentity, error) {
	var failures error
	for _, a := range c {
		if a == nil {
			continue
		}
		id, err := a.Authenticate(ctx, username, password)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, errInvalidCredentials) {
			failures = errors.Join(failures, err)
		}
	}
	if failures != nil {
		return AdminIdentity{}, failures
	}
	return AdminIdentity{}, errInvalidCredentials
}

// ---------- Tokens ----------

type adminClaims struct {
	Scope  string `json:"scope"`
	Source string `json:"src,omitempty"`
	jwt.RegisteredClaims
}

func (c adminClaims) hasScope(want string) bool {
	for _, s := range strings.Fields(c.Scope) {
		if s == want {
			return true
		}
	}
	return false
}

func issueAdminToken(id AdminIdentity, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(ttl)
	claims := adminClaims{
		Scope:  adminScope,
		Source: id.Source,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    adminTokenIssuer,
			Subject:   id.Username,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(sessionSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

func parseAdminToken(raw string) (*adminClaims, error) {
	claims := &adminClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return sessionSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(adminTokenIssuer))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

func setAdminSessionCookie(w http.ResponseWriter, r *http.Request, token string, ttl time.Duration) {
	sameSite, secure := cookieSettings(r)
	http.SetCookie(w, &http.Cookie{
		Name:     adminSessionCookie,
		Value:    token,
		Domain:   currentRuntimeConfig().Security.CookieDomain,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		SameSite: sameSite,
		Secure:   secure,
	})
}

func clearAdminSessionCookie(w http.ResponseWriter, r *http.Request) {
	sameSite, secure := cookieSettings(r)
	http.SetCookie(w, &http.Cookie{
		Name:     adminSessionCookie,
		Value:    "",
		Domain:   currentRuntimeConfig().Security.CookieDomain,
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		SameSite: sameSite,
		Secure:   secure,
	})
}

// ---------- Handlers ----------

type adminLoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func adminLoginHandler(w http.ResponseWriter, r *http.Request) {
	var req adminLoginRequest
	if !isJSONRequest(r) {
		respondJSON(w, http.StatusUnsupportedMediaType, map[string]any{"ok": false, "error": "content type must be application/json"})
		return
	}
	if json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(&req) != nil {
		respondJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid request"})
		return
	}
	id, err := adminAuthenticator.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, errInvalidCredentials) {
			Infof("admin login rejected user=%q ip=%s", strings.TrimSpace(req.Username), clientIP(r))
			respondJSON(w, http.StatusUnauthorized, map[string]any{"ok": false, "error": "invalid credentials"})
			return
		}
		Errorf("admin login failed user=%q: %v", strings.TrimSpace(req.Username), err)
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": "authentication unavailable"})
		return
	}

	ttl := currentRuntimeConfig().sessionTTL()
	token, exp, err := issueAdminToken(id, ttl)
	if err != nil {
		Errorf("admin token sign failed: %v", err)
		respondJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "login failed"})
		return
	}
	setAdminSessionCookie(w, r, token, ttl)
	Infof("admin login user=%s source=%s", id.Username, id.Source)
	respondJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"token":     token,
		"expiresAt": exp.UTC(),
		"username":  id.Username,
	})
}

func adminLogoutHandler(w http.ResponseWriter, r *http.Request) {
	clearAdminSessionCookie(w, r)
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}
