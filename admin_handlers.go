package main

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"simple-oidc-oauth/configstore"
	"simple-oidc-oauth/oauth"
	"simple-oidc-oauth/validation"
)

const (
	errClientIDRequired = "client id required"
	errClientNotFound   = "client not found"
	errInvalidRequest   = "invalid request"
	errValidationFailed = "validation failed"
	errNameRequired     = "name is required"
	fieldName           = "name"
	maxAdminBodyBytes   = 64 << 10
)

type adminConfigSection[T any] struct {
	Version int64 `json:"version"`
	Config  T     `json:"config"`
}

type adminConfigResponse struct {
	OK       bool                               `json:"ok"`
	Security adminConfigSection[SecurityConfig] `json:"security"`
	Clients  adminConfigSection[ClientsConfig]  `json:"clients"`
	CORS     adminConfigSection[CORSConfig]     `json:"cors"`
	Schemes  []string                           `json:"allowedUrlSchemes"`
	LoadedAt time.Time                          `json:"loadedAt"`
}

type adminConfigUpdateRequest struct {
	Version int64           `json:"version"`
	Reason  string          `json:"reason"`
	Config  json.RawMessage `json:"config"`
}

type adminConfigHistoryEntry struct {
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updatedAt"`
	UpdatedBy string          `json:"updatedBy,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Config    json.RawMessage `json:"config"`
}

type adminConfigHistoryResponse struct {
	OK      bool                      `json:"ok"`
	Section string                    `json:"section"`
	Entries []adminConfigHistoryEntry `json:"entries"`
}

type adminOAuthClient struct {
	ClientID               string    `json:"clientId"`
	Name                   string    `json:"name"`
	RedirectURIs           []string  `json:"redirectUris"`
	PostLogoutRedirectURIs []string  `json:"postLogoutRedirectUris"`
	AllowedCORSOrigins     []string  `json:"allowedCorsOrigins"`
	Scopes                 []string  `json:"scopes"`
	GrantTypes             []string  `json:"grantTypes"`
	ResponseTypes          []string  `json:"responseTypes"`
	RequirePKCE            bool      `json:"requirePkce"`
	CreatedAt              time.Time `json:"createdAt"`
	UpdatedAt              time.Time `json:"updatedAt"`
}

type adminOAuthClientsResponse struct {
	OK      bool               `json:"ok"`
	Clients []adminOAuthClient `json:"clients"`
}

type adminOAuthClientResponse struct {
	OK           bool             `json:"ok"`
	Client       adminOAuthClient `json:"client"`
	ClientSecret string           `json:"clientSecret,omitempty"`
}

type adminOAuthClientRequest struct {
	Name                   string   `json:"name"`
	RedirectURIs           []string `json:"redirectUris"`
	PostLogoutRedirectURIs []string `json:"postLogoutRedirectUris"`
	AllowedCORSOrigins     []string `json:"allowedCorsOrigins"`
	Scopes                 []string `json:"scopes"`
	GrantTypes             []string `json:"grantTypes"`
	RequirePKCE            *bool    `json:"requirePkce"`
}

type adminFieldFailure struct {
	Index  int    `json:"index"`
	Value  string `json:"value"`
	Reason string `json:"reason"`
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if payload != nil {
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		_ = enc.Encode(payload)
	}
}

// validationPayload renders field errors as per-field messages plus the
// rejected elements of each field.
func validationPayload(errs validation.FieldErrors) map[string]any {
	details := make(map[string][]adminFieldFailure, len(errs))
	for _, fe := range errs {
		list := make([]adminFieldFailure, 0, len(fe.Failures))
		for _, f := range fe.Failures {
			list = append(list, adminFieldFailure{Index: f.Index, Value: f.Value, Reason: f.Reason.String()})
		}
		details[fe.Field] = list
	}
	return map[string]any{
		"ok":      false,
		"error":   errValidationFailed,
		"fields":  errs.Messages(),
		"details": details,
	}
}

// respondValidationError writes a 400 when err carries field errors and
// reports whether it did.
func respondValidationError(w http.ResponseWriter, err error) bool {
	var fieldErrs validation.FieldErrors
	switch {
	case errors.As(err, &fieldErrs):
		recordRejectedFields(fieldErrs)
		respondJSON(w, http.StatusBadRequest, validationPayload(fieldErrs))
		return true
	case errors.Is(err, oauth.ErrClientNameRequired):
		respondJSON(w, http.StatusBadRequest, map[string]any{
			"ok":     false,
			"error":  errValidationFailed,
			"fields": map[string]string{fieldName: errNameRequired},
		})
		return true
	}
	return false
}

// decodeAdminJSON accepts application/json bodies only. Browsers cannot send
// that content type cross-site without a preflight.
func decodeAdminJSON(w http.ResponseWriter, r *http.Request, dest any) bool {
	if !isJSONRequest(r) {
		respondJSON(w, http.StatusUnsupportedMediaType, map[string]any{"ok": false, "error": "content type must be application/json"})
		return false
	}
	if json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBodyBytes)).Decode(dest) != nil {
		respondJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": errInvalidRequest})
		return false
	}
	return true
}

func isJSONRequest(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "application/json"
}

// ---------- Config ----------

func adminConfigGetHandler(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, buildAdminConfigResponse(currentRuntimeConfig()))
}

func adminConfigUpdateHandler(w http.ResponseWriter, r *http.Request) {
	sectionKey := strings.ToLower(strings.TrimSpace(mux.Vars(r)["section"]))
	section, ok := sectionFromKey(sectionKey)
	if !ok {
		respondJSON(w, http.StatusNotFound, map[string]any{"ok": false, "error": "unknown config section"})
		return
	}

	var req adminConfigUpdateRequest
	if !decodeAdminJSON(w, r, &req) {
		return
	}
	if len(req.Config) == 0 {
		respondJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "config payload required"})
		return
	}
	payload, err := sectionPayload(section, req.Config)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
		return
	}

	updatedBy := firstNonEmpty(adminUserFrom(r.Context()), "admin")
	_, err = configStore.Put(r.Context(), section, payload, configstore.UpdateOptions{
		ExpectVersion: req.Version,
		UpdatedBy:     updatedBy,
		Reason:        sanitizeAdminReason(req.Reason),
	})
	if err != nil {
		switch {
		case respondValidationError(w, err):
		case errors.Is(err, configstore.ErrInvalidDocument):
			respondJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
		case errors.Is(err, configstore.ErrVersionMismatch):
			respondJSON(w, http.StatusConflict, map[string]any{"ok": false, "error": "config version mismatch"})
		default:
			Errorf("admin config update failed (%s): %v", sectionKey, err)
			respondJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "config update failed"})
		}
		return
	}

	Infof("admin config updated section=%s by=%s", sectionKey, updatedBy)
	respondJSON(w, http.StatusOK, buildAdminConfigResponse(currentRuntimeConfig()))
}

func sanitizeAdminReason(reason string) string {
	reason = strings.TrimSpace(reason)
	if len(reason) > 200 {
		return reason[:200]
	}
	return reason
}

func adminConfigHistoryHandler(w http.ResponseWriter, r *http.Request) {
	sectionKey := strings.ToLower(strings.TrimSpace(mux.Vars(r)["section"]))
	section, ok := sectionFromKey(sectionKey)
	if !ok {
		respondJSON(w, http.StatusNotFound, map[string]any{"ok": false, "error": "unknown config section"})
		return
	}

	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}

	history, err := configStore.History(r.Context(), section, limit)
	if err != nil {
		Errorf("admin config history failed (%s): %v", sectionKey, err)
		respondJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "history lookup failed"})
		return
	}

	resp := adminConfigHistoryResponse{
		OK:      true,
		Section: sectionKey,
		Entries: make([]adminConfigHistoryEntry, 0, len(history)),
	}
	for _, rev := range history {
		resp.Entries = append(resp.Entries, adminConfigHistoryEntry{
			Version:   rev.Version,
			UpdatedAt: rev.UpdatedAt,
			UpdatedBy: rev.UpdatedBy,
			Reason:    rev.Reason,
			Config:    rev.Value,
		})
	}
	respondJSON(w, http.StatusOK, resp)
}

func buildAdminConfigResponse(cfg RuntimeConfig) adminConfigResponse {
	return adminConfigResponse{
		OK:       true,
		Security: adminConfigSection[SecurityConfig]{Version: cfg.SecurityVersion, Config: cfg.Security},
		Clients:  adminConfigSection[ClientsConfig]{Version: cfg.ClientsVersion, Config: cfg.Clients},
		CORS:     adminConfigSection[CORSConfig]{Version: cfg.CORSVersion, Config: cfg.CORS},
		Schemes:  urlSchemes.Schemes(),
		LoadedAt: cfg.LoadedAt.UTC(),
	}
}

func sectionFromKey(key string) (configstore.Section, bool) {
	switch configstore.Section(key) {
	case configstore.SectionSecurity, configstore.SectionClients, configstore.SectionCORS:
		return configstore.Section(key), true
	default:
		return "", false
	}
}

// ---------- Clients ----------

func adminOAuthClientsList(w http.ResponseWriter, r *http.Request) {
	clients, err := oauthService.ListClients(r.Context())
	if err != nil {
		Errorf("admin oauth list: %v", err)
		respondJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "client list failed"})
		return
	}
	out := make([]adminOAuthClient, 0, len(clients))
	for _, c := range clients {
		out = append(out, mapOAuthClient(c))
	}
	respondJSON(w, http.StatusOK, adminOAuthClientsResponse{OK: true, Clients: out})
}

// adminOAuthClientOrigins reports the CORS origins declared by registered
// clients. These gate protocol endpoints, not this API.
func adminOAuthClientOrigins(w http.ResponseWriter, r *http.Request) {
	origins, err := oauthService.AllowedOrigins(r.Context())
	if err != nil {
		Errorf("admin oauth origins: %v", err)
		respondJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "origin list failed"})
		return
	}
	if origins == nil {
		origins = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true, "origins": origins})
}

func adminOAuthClientGet(w http.ResponseWriter, r *http.Request) {
	clientID := strings.TrimSpace(mux.Vars(r)["id"])
	if clientID == "" {
		respondJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": errClientIDRequired})
		return
	}
	client, err := oauthService.GetClient(r.Context(), clientID)
	if err != nil {
		if errors.Is(err, oauth.ErrClientNotFound) {
			respondJSON(w, http.StatusNotFound, map[string]any{"ok": false, "error": errClientNotFound})
			return
		}
		Errorf("admin oauth get: %v", err)
		respondJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "client lookup failed"})
		return
	}
	respondJSON(w, http.StatusOK, adminOAuthClientResponse{OK: true, Client: mapOAuthClient(client)})
}

func adminOAuthClientCreate(w http.ResponseWriter, r *http.Request) {
	var req adminOAuthClientRequest
	if !decodeAdminJSON(w, r, &req) {
		return
	}
	input, err := sanitizeOAuthClientRequest(req, currentRuntimeConfig().Clients)
	if err != nil {
		respondValidationError(w, err)
		return
	}
	client, secret, err := oauthService.CreateClient(r.Context(), input)
	if err != nil {
		if respondValidationError(w, err) {
			return
		}
		Errorf("admin oauth create: %v", err)
		respondJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "client create failed"})
		return
	}
	Infof("oauth client created id=%s by=%s", client.ClientID, adminUserFrom(r.Context()))
	respondJSON(w, http.StatusCreated, adminOAuthClientResponse{
		OK:           true,
		Client:       mapOAuthClient(client),
		ClientSecret: secret,
	})
}

func adminOAuthClientUpdate(w http.ResponseWriter, r *http.Request) {
	clientID := strings.TrimSpace(mux.Vars(r)["id"])
	if clientID == "" {
		respondJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": errClientIDRequired})
		return
	}
	var req adminOAuthClientRequest
	if !decodeAdminJSON(w, r, &req) {
		return
	}
	input, err := sanitizeOAuthClientRequest(req, currentRuntimeConfig().Clients)
	if err != nil {
		respondValidationError(w, err)
		return
	}
	client, err := oauthService.UpdateClient(r.Context(), clientID, input)
	if err != nil {
		switch {
		case respondValidationError(w, err):
		case errors.Is(err, oauth.ErrClientNotFound):
			respondJSON(w, http.StatusNotFound, map[string]any{"ok": false, "error": errClientNotFound})
		default:
			Errorf("admin oauth update: %v", err)
			respondJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "client update failed"})
		}
		return
	}
	respondJSON(w, http.StatusOK, adminOAuthClientResponse{OK: true, Client: mapOAuthClient(client)})
}

// adminOAuthClientValidate runs a registration payload through the same
// checks as create without storing anything.
func adminOAuthClientValidate(w http.ResponseWriter, r *http.Request) {
	var req adminOAuthClientRequest
	if !decodeAdminJSON(w, r, &req) {
		return
	}
	input, err := sanitizeOAuthClientRequest(req, currentRuntimeConfig().Clients)
	if err == nil {
		err = oauthService.ValidateInput(oauth.NormalizeInput(input))
	}

	resp := map[string]any{"ok": true, "valid": err == nil}
	var fieldErrs validation.FieldErrors
	switch {
	case err == nil:
	case errors.As(err, &fieldErrs):
		payload := validationPayload(fieldErrs)
		resp["fields"] = payload["fields"]
		resp["details"] = payload["details"]
	case errors.Is(err, oauth.ErrClientNameRequired):
		resp["fields"] = map[string]string{fieldName: errNameRequired}
	default:
		Errorf("admin oauth validate: %v", err)
		respondJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "validation unavailable"})
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func adminOAuthClientRotateSecret(w http.ResponseWriter, r *http.Request) {
	clientID := strings.TrimSpace(mux.Vars(r)["id"])
	if clientID == "" {
		respondJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": errClientIDRequired})
		return
	}
	secret, err := oauthService.RotateClientSecret(r.Context(), clientID)
	if err != nil {
		if errors.Is(err, oauth.ErrClientNotFound) {
			respondJSON(w, http.StatusNotFound, map[string]any{"ok": false, "error": errClientNotFound})
			return
		}
		Errorf("admin oauth rotate: %v", err)
		respondJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "secret rotation failed"})
		return
	}
	Infof("oauth client secret rotated id=%s by=%s", clientID, adminUserFrom(r.Context()))
	respondJSON(w, http.StatusOK, map[string]any{"ok": true, "clientSecret": secret})
}

func adminOAuthClientDelete(w http.ResponseWriter, r *http.Request) {
	clientID := strings.TrimSpace(mux.Vars(r)["id"])
	if clientID == "" {
		respondJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": errClientIDRequired})
		return
	}
	if err := oauthService.DeleteClient(r.Context(), clientID); err != nil {
		if errors.Is(err, oauth.ErrClientNotFound) {
			respondJSON(w, http.StatusNotFound, map[string]any{"ok": false, "error": errClientNotFound})
			return
		}
		Errorf("admin oauth delete: %v", err)
		respondJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "client delete failed"})
		return
	}
	Infof("oauth client deleted id=%s by=%s", clientID, adminUserFrom(r.Context()))
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func mapOAuthClient(c oauth.Client) adminOAuthClient {
	return adminOAuthClient{
		ClientID:               c.ClientID,
		Name:                   strings.TrimSpace(c.Name),
		RedirectURIs:           append([]string{}, c.RedirectURIs...),
		PostLogoutRedirectURIs: append([]string{}, c.PostLogoutRedirectURIs...),
		AllowedCORSOrigins:     append([]string{}, c.AllowedCORSOrigins...),
		Scopes:                 append([]string{}, c.Scopes...),
		GrantTypes:             append([]string{}, c.GrantTypes...),
		ResponseTypes:          append([]string{}, c.ResponseTypes...),
		RequirePKCE:            c.RequirePKCE,
		CreatedAt:              c.CreatedAt.UTC(),
		UpdatedAt:              c.UpdatedAt.UTC(),
	}
}

// sanitizeOAuthClientRequest trims and de-duplicates the payload and fills
// in the configured defaults. URL checks are left to the oauth service.
func sanitizeOAuthClientRequest(req adminOAuthClientRequest, defaults ClientsConfig) (oauth.ClientInput, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return oauth.ClientInput{}, oauth.ErrClientNameRequired
	}
	in := oauth.ClientInput{
		Name:                   name,
		RedirectURIs:           oauth.NormalizeList(req.RedirectURIs),
		PostLogoutRedirectURIs: oauth.NormalizeList(req.PostLogoutRedirectURIs),
		AllowedCORSOrigins:     oauth.NormalizeList(req.AllowedCORSOrigins),
		Scopes:                 oauth.NormalizeList(req.Scopes),
		GrantTypes:             oauth.NormalizeList(req.GrantTypes),
		RequirePKCE:            defaults.RequirePKCE,
	}
	if len(in.Scopes) == 0 {
		in.Scopes = oauth.NormalizeList(defaults.DefaultScopes)
	}
	if len(in.GrantTypes) == 0 {
		in.GrantTypes = oauth.NormalizeList(defaults.DefaultGrantTypes)
	}
	if req.RequirePKCE != nil {
		in.RequirePKCE = *req.RequirePKCE
	}
	return in, nil
}
