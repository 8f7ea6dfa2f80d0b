package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"simple-oidc-oauth/configstore"
	"simple-oidc-oauth/oauth"
	"simple-oidc-oauth/validation"
)

// SecurityConfig captures admin session cookie controls.
type SecurityConfig struct {
	SessionTTL        string `json:"sessionTtl"`
	CookieSameSite    string `json:"cookieSameSite"`
	ForceSecureCookie bool   `json:"forceSecureCookie"`
	CookieDomain      string `json:"cookieDomain"`
}

// ClientsConfig holds defaults applied to new client registrations.
type ClientsConfig struct {
	DefaultScopes     []string `json:"defaultScopes"`
	DefaultGrantTypes []string `json:"defaultGrantTypes"`
	RequirePKCE       bool     `json:"requirePkce"`
}

// CORSConfig lists the origins allowed to call the admin API cross-origin.
type CORSConfig struct {
	AllowedOrigins []string `json:"allowedOrigins"`
	MaxAgeSeconds  int      `json:"maxAgeSeconds"`
}

// RuntimeConfig represents all typed configuration sections with revision metadata.
type RuntimeConfig struct {
	Security        SecurityConfig
	SecurityVersion int64

	Clients        ClientsConfig
	ClientsVersion int64

	CORS        CORSConfig
	CORSVersion int64

	LoadedAt time.Time
}

const (
	fieldAllowedOrigins    = "allowedOrigins"
	fieldDefaultScopes     = "defaultScopes"
	fieldDefaultGrantTypes = "defaultGrantTypes"
)

var runtimeConfigValue atomic.Value

func runtimeConfigDefaults() (map[configstore.Section]json.RawMessage, error) {
	sections := map[configstore.Section]any{
		configstore.SectionSecurity: defaultSecurityConfig(),
		configstore.SectionClients:  defaultClientsConfig(),
		configstore.SectionCORS:     defaultCORSConfig(),
	}
	defaults := make(map[configstore.Section]json.RawMessage, len(sections))
	for section, cfg := range sections {
		raw, err := json.Marshal(cfg)
		if err != nil {
			return nil, err
		}
		defaults[section] = raw
	}
	return defaults, nil
}

// runtimeConfigValidators reject section documents before they are stored.
func runtimeConfigValidators() map[configstore.Section]configstore.ValidateFunc {
	return map[configstore.Section]configstore.ValidateFunc{
		configstore.SectionSecurity: validateSecuritySection,
		configstore.SectionClients:  validateClientsSection,
		configstore.SectionCORS:     validateCORSSection,
	}
}

func defaultSecurityConfig() SecurityConfig {
	cfg := SecurityConfig{
		SessionTTL:        strings.TrimSpace(os.Getenv("SESSION_TTL")),
		CookieSameSite:    strings.TrimSpace(strings.ToLower(os.Getenv("SESSION_SAMESITE"))),
		ForceSecureCookie: envBool("FORCE_SECURE_COOKIE", false),
		CookieDomain:      strings.TrimSpace(os.Getenv("SESSION_COOKIE_DOMAIN")),
	}
	if cfg.SessionTTL == "" {
		cfg.SessionTTL = "8h"
	}
	if cfg.CookieSameSite == "" {
		cfg.CookieSameSite = "lax"
	}
	return cfg
}

func defaultClientsConfig() ClientsConfig {
	return ClientsConfig{
		DefaultScopes:     append([]string(nil), oauth.DefaultScopes...),
		DefaultGrantTypes: append([]string(nil), oauth.DefaultGrantTypes...),
		RequirePKCE:       envBool("CLIENTS_REQUIRE_PKCE", true),
	}
}

func defaultCORSConfig() CORSConfig {
	cfg := CORSConfig{
		AllowedOrigins: splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		MaxAgeSeconds:  600,
	}
	if n, err := strconv.Atoi(strings.TrimSpace(os.Getenv("CORS_MAX_AGE"))); err == nil && n >= 0 {
		cfg.MaxAgeSeconds = n
	}
	return cfg
}

func validateSecuritySection(raw json.RawMessage) error {
	var cfg SecurityConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("security: %w", err)
	}
	if ttl := strings.TrimSpace(cfg.SessionTTL); ttl != "" {
		if d, err := time.ParseDuration(ttl); err != nil || d <= 0 {
			return fmt.Errorf("security: invalid sessionTtl %q", ttl)
		}
	}
	switch strings.ToLower(strings.TrimSpace(cfg.CookieSameSite)) {
	case "", "lax", "strict", "none":
	default:
		return fmt.Errorf("security: invalid cookieSameSite %q", cfg.CookieSameSite)
	}
	return nil
}

// validateClientsSection checks the default scopes and grant types. Redirect
// URIs are per client and not part of this document.
func validateClientsSection(raw json.RawMessage) error {
	var cfg ClientsConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("clients: %w", err)
	}
	return validation.Collect(
		oauth.CheckScopes(fieldDefaultScopes, cfg.DefaultScopes),
		oauth.CheckGrantTypes(fieldDefaultGrantTypes, cfg.DefaultGrantTypes),
	)
}

// validateCORSSection runs the static origin list through the origin
// validator with the process scheme allowlist.
func validateCORSSection(raw json.RawMessage) error {
	var cfg CORSConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("cors: %w", err)
	}
	if cfg.MaxAgeSeconds < 0 {
		return errors.New("cors: maxAgeSeconds must not be negative")
	}
	origins := validation.URLOriginValidator{Schemes: urlSchemes}
	return validation.Collect(validation.CheckField(fieldAllowedOrigins, origins, cfg.AllowedOrigins))
}

func loadRuntimeConfig(store *configstore.Store) (RuntimeConfig, error) {
	return loadRuntimeConfigInternal(store, false)
}

func loadRuntimeConfigInternal(store *configstore.Store, retried bool) (RuntimeConfig, error) {
	rc, err := decodeRuntimeConfig(store)
	if err != nil {
		return RuntimeConfig{}, err
	}
	missing := detectMissingSections(rc)
	if len(missing) > 0 && !retried {
		if err := persistInitialSections(store, rc, missing); err != nil {
			return RuntimeConfig{}, err
		}
		return loadRuntimeConfigInternal(store, true)
	}
	return rc, nil
}

// decodeRuntimeConfig reads every section from the store snapshot without
// writing anything back.
func decodeRuntimeConfig(store *configstore.Store) (RuntimeConfig, error) {
	if store == nil {
		return RuntimeConfig{}, errors.New("configstore: store is nil")
	}

	var (
		rc  RuntimeConfig
		err error
	)
	if rc.SecurityVersion, err = store.Decode(configstore.SectionSecurity, &rc.Security); err != nil {
		return RuntimeConfig{}, err
	}
	if rc.ClientsVersion, err = store.Decode(configstore.SectionClients, &rc.Clients); err != nil {
		return RuntimeConfig{}, err
	}
	if rc.CORSVersion, err = store.Decode(configstore.SectionCORS, &rc.CORS); err != nil {
		return RuntimeConfig{}, err
	}

	if snap := store.Snapshot(); !snap.LoadedAt.IsZero() {
		rc.LoadedAt = snap.LoadedAt
	} else {
		rc.LoadedAt = time.Now().UTC()
	}
	return rc, nil
}

// watchRuntimeConfig re-applies the typed config after every store reload
// and drops the cached CORS origins.
func watchRuntimeConfig(store *configstore.Store, cors *corsPolicy) {
	store.Watch(func(configstore.Snapshot) {
		rc, err := decodeRuntimeConfig(store)
		if err != nil {
			Errorf("runtime config reload failed: %v", err)
			return
		}
		applyRuntimeConfig(rc)
		if cors != nil {
			cors.Invalidate()
		}
	})
}

func applyRuntimeConfig(cfg RuntimeConfig) {
	defSecurity := defaultSecurityConfig()

	cfg.Security.SessionTTL = strings.TrimSpace(firstNonEmpty(cfg.Security.SessionTTL, defSecurity.SessionTTL))
	if d := parseDurationOr(cfg.Security.SessionTTL, 0); d <= 0 {
		Warnf("Invalid session TTL %q; defaulting to %s", cfg.Security.SessionTTL, defSecurity.SessionTTL)
		cfg.Security.SessionTTL = defSecurity.SessionTTL
	}
	cfg.Security.CookieSameSite = strings.ToLower(strings.TrimSpace(firstNonEmpty(cfg.Security.CookieSameSite, defSecurity.CookieSameSite)))
	cfg.Security.CookieDomain = strings.TrimSpace(cfg.Security.CookieDomain)
	sameSiteNoneDowngradeLogged.Store(false)

	if len(cfg.Clients.DefaultScopes) == 0 {
		cfg.Clients.DefaultScopes = append([]string(nil), oauth.DefaultScopes...)
	}
	if len(cfg.Clients.DefaultGrantTypes) == 0 {
		cfg.Clients.DefaultGrantTypes = append([]string(nil), oauth.DefaultGrantTypes...)
	}

	if cfg.LoadedAt.IsZero() {
		cfg.LoadedAt = time.Now().UTC()
	}
	runtimeConfigValue.Store(cfg)
}

func currentRuntimeConfig() RuntimeConfig {
	if v := runtimeConfigValue.Load(); v != nil {
		if cfg, ok := v.(RuntimeConfig); ok {
			return cfg
		}
	}
	return RuntimeConfig{
		Security: defaultSecurityConfig(),
		Clients:  defaultClientsConfig(),
		CORS:     defaultCORSConfig(),
		LoadedAt: time.Now().UTC(),
	}
}

func (rc RuntimeConfig) sessionTTL() time.Duration {
	return parseDurationOr(rc.Security.SessionTTL, 8*time.Hour)
}

func detectMissingSections(rc RuntimeConfig) []configstore.Section {
	var sections []configstore.Section
	if rc.SecurityVersion == 0 {
		sections = append(sections, configstore.SectionSecurity)
	}
	if rc.ClientsVersion == 0 {
		sections = append(sections, configstore.SectionClients)
	}
	if rc.CORSVersion == 0 {
		sections = append(sections, configstore.SectionCORS)
	}
	return sections
}

func persistInitialSections(store *configstore.Store, cfg RuntimeConfig, sections []configstore.Section) error {
	ctx := context.Background()
	for _, section := range sections {
		var payload any
		switch section {
		case configstore.SectionSecurity:
			payload = cfg.Security
		case configstore.SectionClients:
			payload = cfg.Clients
		case configstore.SectionCORS:
			payload = cfg.CORS
		default:
			continue
		}
		if _, err := store.Put(ctx, section, payload, configstore.UpdateOptions{
			UpdatedBy: "system:bootstrap",
			Reason:    "initial default config",
		}); err != nil {
			return fmt.Errorf("persist %s defaults: %w", section, err)
		}
	}
	return nil
}

// sectionPayload decodes body into the typed document for section.
func sectionPayload(section configstore.Section, body json.RawMessage) (any, error) {
	var (
		dest any
		err  error
	)
	switch section {
	case configstore.SectionSecurity:
		var cfg SecurityConfig
		err = json.Unmarshal(body, &cfg)
		dest = cfg
	case configstore.SectionClients:
		var cfg ClientsConfig
		err = json.Unmarshal(body, &cfg)
		cfg.DefaultScopes = oauth.NormalizeList(cfg.DefaultScopes)
		cfg.DefaultGrantTypes = oauth.NormalizeList(cfg.DefaultGrantTypes)
		dest = cfg
	case configstore.SectionCORS:
		var cfg CORSConfig
		err = json.Unmarshal(body, &cfg)
		cfg.AllowedOrigins = oauth.NormalizeList(cfg.AllowedOrigins)
		dest = cfg
	default:
		return nil, fmt.Errorf("unknown config section %q", section)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", section, err)
	}
	return dest, nil
}

// splitList reads a comma separated env value; empty items are dropped.
func splitList(raw string) []string {
	var items []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return oauth.NormalizeList(items)
}

func parseDurationOr(s string, d time.Duration) time.Duration {
	if v, err := time.ParseDuration(strings.TrimSpace(s)); err == nil {
		return v
	}
	return d
}
