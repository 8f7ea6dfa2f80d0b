package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"golang.org/x/time/rate"

	"simple-oidc-oauth/configstore"
	"simple-oidc-oauth/health"
	"simple-oidc-oauth/oauth"
	"simple-oidc-oauth/validation"
)

var (
	db                 *sql.DB
	configStore        *configstore.Store
	oauthService       oauth.Service
	corsOrigins        *corsPolicy
	adminAuthenticator Authenticator = localAuthenticator{}

	sessionSecret = []byte(envOr("SESSION_SECRET", "dev-insecure-change-me"))
	appBaseURL    = envOr("APP_BASE_URL", "http://localhost:8080")
	listenAddr    = envOr("LISTEN_ADDR", ":8080")

	// Schemes accepted in redirect URIs and CORS origins; fixed for the
	// life of the process.
	urlSchemes = validation.ParseSchemeAllowlist(os.Getenv("ALLOWED_URL_SCHEMES"))
)

func envOr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func buildAuthenticator() Authenticator {
	chain := chainAuthenticator{localAuthenticator{}}
	if l := newLDAPAuthenticatorFromEnv(); l != nil {
		Infof("LDAP admin authentication enabled url=%s", l.url)
		chain = append(chain, l)
	}
	return chain
}

func newRouter(loginLimiter *ipRateLimiter, readyChecks map[string]health.Checker) *mux.Router {
	r := mux.NewRouter()

	adminAPI := r.PathPrefix("/api/admin").Subrouter()
	adminAPI.Use(timedRoutes, requireSameOrigin)
	adminAPI.Handle("/login", rateLimitMiddleware(loginLimiter, http.HandlerFunc(adminLoginHandler))).Methods(http.MethodPost)
	adminAPI.HandleFunc("/logout", adminLogoutHandler).Methods(http.MethodPost)

	admin := func(h http.HandlerFunc) http.Handler { return requireAdmin(h) }
	adminAPI.Handle("/clients", admin(adminOAuthClientsList)).Methods(http.MethodGet)
	adminAPI.Handle("/clients", admin(adminOAuthClientCreate)).Methods(http.MethodPost)
	adminAPI.Handle("/clients/validate", admin(adminOAuthClientValidate)).Methods(http.MethodPost)
	adminAPI.Handle("/clients/origins", admin(adminOAuthClientOrigins)).Methods(http.MethodGet)
	adminAPI.Handle("/clients/{id}", admin(adminOAuthClientGet)).Methods(http.MethodGet)
	adminAPI.Handle("/clients/{id}", admin(adminOAuthClientUpdate)).Methods(http.MethodPut)
	adminAPI.Handle("/clients/{id}", admin(adminOAuthClientDelete)).Methods(http.MethodDelete)
	adminAPI.Handle("/clients/{id}/secret", admin(adminOAuthClientRotateSecret)).Methods(http.MethodPost)
	adminAPI.Handle("/config", admin(adminConfigGetHandler)).Methods(http.MethodGet)
	adminAPI.Handle("/config/history/{section}", admin(adminConfigHistoryHandler)).Methods(http.MethodGet)
	adminAPI.Handle("/config/{section}", admin(adminConfigUpdateHandler)).Methods(http.MethodPut)

	r.HandleFunc("/healthz", health.LivenessHandler()).Methods(http.MethodGet)
	r.HandleFunc("/readyz", health.ReadinessHandler(readyChecks)).Methods(http.MethodGet)
	r.Handle("/metrics", metricsHandler()).Methods(http.MethodGet)
	return r
}

func main() {
	// ---- DB ----
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	var err error
	db, err = sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("DB open error: %v", err)
	}
	if err = db.Ping(); err != nil {
		log.Fatalf("DB ping error: %v", err)
	}
	if err = createSchema(); err != nil {
		log.Fatalf("Schema error: %v", err)
	}

	// ---- Services ----
	oauthService = oauth.Service{DB: db, Schemes: urlSchemes}
	Infof("Allowed URL schemes: %s", urlSchemes)

	defaultSections, err := runtimeConfigDefaults()
	if err != nil {
		log.Fatalf("Config defaults error: %v", err)
	}
	configStore, err = configstore.New(db, configstore.Options{
		Defaults:   defaultSections,
		Validators: runtimeConfigValidators(),
	})
	if err != nil {
		log.Fatalf("Config store init error: %v", err)
	}
	runtimeCfg, err := loadRuntimeConfig(configStore)
	if err != nil {
		log.Fatalf("Config load error: %v", err)
	}
	applyRuntimeConfig(runtimeCfg)
	Infof("Config store loaded with %d items", configStore.Snapshot().Count())

	corsOrigins = newCORSPolicy(func() CORSConfig { return currentRuntimeConfig().CORS })
	watchRuntimeConfig(configStore, corsOrigins)

	if err := bootstrapAdminUser(); err != nil {
		Errorf("Admin bootstrap encountered issues: %v", err)
	}
	adminAuthenticator = buildAuthenticator()

	if string(sessionSecret) == "dev-insecure-change-me" {
		Warnf("SESSION_SECRET is not set; admin tokens use an insecure development key")
	}

	// ---- Router ----
	loginLimiter := newIPRateLimiter(rate.Every(6*time.Second), 5, 15*time.Minute)
	readyChecks := map[string]health.Checker{
		"db": health.PingChecker(db, 500*time.Millisecond),
	}
	r := newRouter(loginLimiter, readyChecks)

	handler := withSecurityHeaders(WithRequestLogging(corsOrigins.Middleware(r)))
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			Errorf("shutdown: %v", err)
		}
	}()

	Infof("Log level: %s", curLevel)
	Infof("Starting client registration service on %s", listenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
	_ = db.Close()
}

func withSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

		// HSTS only if base URL is HTTPS
		if strings.HasPrefix(strings.ToLower(appBaseURL), "https://") {
			w.Header().Set("Strict-Transport-Security", "max-age=86400; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}
