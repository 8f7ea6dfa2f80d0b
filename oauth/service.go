package oauth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"golang.org/x/crypto/bcrypt"

	"simple-oidc-oauth/validation"
)

var (
	ErrClientNotFound      = errors.New("oauth: client not found")
	ErrClientNameRequired  = errors.New("oauth: client name required")
	ErrInvalidClientSecret = errors.New("oauth: invalid client secret")
)

const clientColumns = `client_id, client_secret, name, redirect_uris, post_logout_redirect_uris, allowed_cors_origins, scopes, grant_types, response_types, require_pkce, created_at, updated_at`

// Service persists OAuth client registrations. Every write runs the
// registration through ValidateInput first.
type Service struct {
	DB      *sql.DB
	Schemes validation.SchemeAllowlist
}

type Client struct {
	ClientID               string
	ClientSecret           sql.NullString
	Name                   string
	RedirectURIs           []string
	PostLogoutRedirectURIs []string
	AllowedCORSOrigins     []string
	Scopes                 []string
	GrantTypes             []string
	ResponseTypes          []string
	RequirePKCE            bool
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// ClientInput is the writable part of a client registration.
type ClientInput struct {
	Name                   string
	RedirectURIs           []string
	PostLogoutRedirectURIs []string
	AllowedCORSOrigins     []string
	Scopes                 []string
	GrantTypes             []string
	RequirePKCE            bool
}

// AllowsRedirectURI reports whether uri is registered verbatim.
func (c Client) AllowsRedirectURI(uri string) bool {
	return containsExact(c.RedirectURIs, uri)
}

// AllowsPostLogoutRedirectURI reports whether uri is registered verbatim.
func (c Client) AllowsPostLogoutRedirectURI(uri string) bool {
	return containsExact(c.PostLogoutRedirectURIs, uri)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClient(rs rowScanner) (Client, error) {
	var (
		client      Client
		redirects   pq.StringArray
		postLogout  pq.StringArray
		corsOrigins pq.StringArray
		scopes      pq.StringArray
		grants      pq.StringArray
		responses   pq.StringArray
	)
	err := rs.Scan(
		&client.ClientID,
		&client.ClientSecret,
		&client.Name,
		&redirects,
		&postLogout,
		&corsOrigins,
		&scopes,
		&grants,
		&responses,
		&client.RequirePKCE,
		&client.CreatedAt,
		&client.UpdatedAt,
	)
	if err != nil {
		return Client{}, err
	}
	client.RedirectURIs = redirects
	client.PostLogoutRedirectURIs = postLogout
	client.AllowedCORSOrigins = corsOrigins
	client.Scopes = scopes
	client.GrantTypes = grants
	client.ResponseTypes = responses
	return client, nil
}

func sanitizeClient(c Client) Client {
	c.ClientSecret = sql.NullString{}
	return c
}

func (s Service) GetClient(ctx context.Context, id string) (Client, error) {
	client, err := s.getClientWithSecret(ctx, id)
	if err != nil {
		return Client{}, err
	}
	return sanitizeClient(client), nil
}

func (s Service) getClientWithSecret(ctx context.Context, id string) (Client, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Client{}, ErrClientNotFound
	}
	client, err := scanClient(s.DB.QueryRowContext(ctx, `
SELECT `+clientColumns+`
  FROM oauth_clients
 WHERE client_id = $1
 LIMIT 1
`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Client{}, ErrClientNotFound
		}
		return Client{}, err
	}
	return client, nil
}

func (s Service) ListClients(ctx context.Context) ([]Client, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT `+clientColumns+`
  FROM oauth_clients
 ORDER BY name, client_id
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clients []Client
	for rows.Next() {
		client, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, sanitizeClient(client))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return clients, nil
}

// CreateClient validates and stores a new client. The plaintext secret is
// returned once; only its bcrypt hash is persisted.
func (s Service) CreateClient(ctx context.Context, in ClientInput) (Client, string, error) {
	in = NormalizeInput(in)
	if err := s.ValidateInput(in); err != nil {
		return Client{}, "", err
	}

	secret, hash, err := newClientSecret()
	if err != nil {
		return Client{}, "", err
	}
	now := time.Now().UTC()

	client, err := scanClient(s.DB.QueryRowContext(ctx, `
INSERT INTO oauth_clients (client_id, client_secret, name, redirect_uris, post_logout_redirect_uris, allowed_cors_origins, scopes, grant_types, response_types, require_pkce, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
RETURNING `+clientColumns+`
`,
		uuid.NewString(),
		hash,
		in.Name,
		pq.StringArray(in.RedirectURIs),
		pq.StringArray(in.PostLogoutRedirectURIs),
		pq.StringArray(in.AllowedCORSOrigins),
		pq.StringArray(in.Scopes),
		pq.StringArray(in.GrantTypes),
		pq.StringArray(responseTypesFor(in.GrantTypes)),
		in.RequirePKCE,
		now,
	))
	if err != nil {
		return Client{}, "", err
	}
	return sanitizeClient(client), secret, nil
}

func (s Service) UpdateClient(ctx context.Context, id string, in ClientInput) (Client, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Client{}, ErrClientNotFound
	}
	in = NormalizeInput(in)
	if err := s.ValidateInput(in); err != nil {
		return Client{}, err
	}

	client, err := scanClient(s.DB.QueryRowContext(ctx, `
UPDATE oauth_clients
   SET name = $2,
       redirect_uris = $3,
       post_logout_redirect_uris = $4,
       allowed_cors_origins = $5,
       scopes = $6,
       grant_types = $7,
       response_types = $8,
       require_pkce = $9,
       updated_at = $10
 WHERE client_id = $1
RETURNING `+clientColumns+`
`,
		id,
		in.Name,
		pq.StringArray(in.RedirectURIs),
		pq.StringArray(in.PostLogoutRedirectURIs),
		pq.StringArray(in.AllowedCORSOrigins),
		pq.StringArray(in.Scopes),
		pq.StringArray(in.GrantTypes),
		pq.StringArray(responseTypesFor(in.GrantTypes)),
		in.RequirePKCE,
		time.Now().UTC(),
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Client{}, ErrClientNotFound
		}
		return Client{}, err
	}
	return sanitizeClient(client), nil
}

func (s Service) DeleteClient(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrClientNotFound
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM oauth_clients WHERE client_id = $1`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s Service) RotateClientSecret(ctx context.Context, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", ErrClientNotFound
	}
	secret, hash, err := newClientSecret()
	if err != nil {
		return "", err
	}
	res, err := s.DB.ExecContext(ctx, `
UPDATE oauth_clients
   SET client_secret = $2,
       updated_at = now()
 WHERE client_id = $1
`, id, hash)
	if err != nil {
		return "", err
	}
	if err := requireAffected(res); err != nil {
		return "", err
	}
	return secret, nil
}

// VerifyClientSecret authenticates a confidential client.
func (s Service) VerifyClientSecret(ctx context.Context, id, secret string) (Client, error) {
	client, err := s.getClientWithSecret(ctx, id)
	if err != nil {
		return Client{}, err
	}
	if !client.ClientSecret.Valid || secret == "" {
		return Client{}, ErrInvalidClientSecret
	}
	if bcrypt.CompareHashAndPassword([]byte(client.ClientSecret.String), []byte(secret)) != nil {
		return Client{}, ErrInvalidClientSecret
	}
	return sanitizeClient(client), nil
}

// AllowedOrigins returns the distinct CORS origins registered across all
// clients.
func (s Service) AllowedOrigins(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT DISTINCT origin
  FROM oauth_clients, unnest(allowed_cors_origins) AS origin
 ORDER BY origin
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var origins []string
	for rows.Next() {
		var origin string
		if err := rows.Scan(&origin); err != nil {
			return nil, err
		}
		origins = append(origins, origin)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return origins, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrClientNotFound
	}
	return nil
}

func newClientSecret() (string, string, error) {
	secret, err := generateOpaqueToken(32)
	if err != nil {
		return "", "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("oauth: hash client secret: %w", err)
	}
	return secret, string(hash), nil
}

func containsExact(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func generateOpaqueToken(size int) (string, error) {
	if size <= 0 {
		size = 32
	}
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
