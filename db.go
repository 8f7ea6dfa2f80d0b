// db.go
package main

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ---------- Schema ----------

var schemaStatements = []string{
	`
CREATE TABLE IF NOT EXISTS oauth_clients (
  client_id                  TEXT PRIMARY KEY,
  client_secret              TEXT,
  name                       TEXT NOT NULL,
  redirect_uris              TEXT[] NOT NULL DEFAULT '{}',
  post_logout_redirect_uris  TEXT[] NOT NULL DEFAULT '{}',
  allowed_cors_origins       TEXT[] NOT NULL DEFAULT '{}',
  scopes                     TEXT[] NOT NULL DEFAULT '{}',
  grant_types                TEXT[] NOT NULL DEFAULT '{}',
  response_types             TEXT[] NOT NULL DEFAULT '{}',
  require_pkce               BOOLEAN NOT NULL DEFAULT TRUE,
  created_at                 TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at                 TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`
CREATE INDEX IF NOT EXISTS idx_oauth_clients_name ON oauth_clients (name);
CREATE INDEX IF NOT EXISTS idx_oauth_clients_cors ON oauth_clients USING GIN (allowed_cors_origins);
`,
	`
CREATE TABLE IF NOT EXISTS admin_users (
  username       TEXT PRIMARY KEY,
  password_hash  TEXT NOT NULL,
  disabled       BOOLEAN NOT NULL DEFAULT FALSE,
  created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
  last_login_at  TIMESTAMPTZ
)`,
	`
CREATE TABLE IF NOT EXISTS app_config (
  namespace   TEXT NOT NULL,
  key         TEXT NOT NULL,
  value       JSONB NOT NULL,
  version     BIGINT NOT NULL DEFAULT 1,
  updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_by  TEXT,
  PRIMARY KEY (namespace, key)
)`,
	`
CREATE TABLE IF NOT EXISTS app_config_history (
  id             BIGSERIAL PRIMARY KEY,
  namespace      TEXT NOT NULL,
  key            TEXT NOT NULL,
  value          JSONB NOT NULL,
  version        BIGINT NOT NULL,
  updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_by     TEXT,
  change_reason  TEXT
);
CREATE INDEX IF NOT EXISTS idx_app_config_history_ns ON app_config_history (namespace, key, id DESC);
`,
}

func createSchema() error {
	if db == nil {
		return errors.New("db not initialized")
	}
	for i, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("schema step %d: %w", i+1, err)
		}
	}
	return nil
}

// ---------- Admin users ----------

type adminUser struct {
	Username     string
	PasswordHash string
	Disabled     bool
	LastLoginAt  sql.NullTime
}

func getAdminUser(username string) (adminUser, error) {
	var u adminUser
	err := db.QueryRow(`
SELECT username, password_hash, disabled, last_login_at
  FROM admin_users
 WHERE username = $1
`, strings.TrimSpace(username)).Scan(&u.Username, &u.PasswordHash, &u.Disabled, &u.LastLoginAt)
	return u, err
}

// insertAdminUserIfMissing reports whether a row was created.
func insertAdminUserIfMissing(username, passwordHash string) (bool, error) {
	res, err := db.Exec(`
INSERT INTO admin_users (username, password_hash)
VALUES ($1, $2)
ON CONFLICT (username) DO NOTHING
`, strings.TrimSpace(username), passwordHash)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func touchAdminLogin(username string, at time.Time) error {
	_, err := db.Exec(`UPDATE admin_users SET last_login_at = $2 WHERE username = $1`, username, at.UTC())
	return err
}
