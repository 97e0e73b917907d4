// Package server assembles the impersonate HTTP service: stores, session
// handling, impersonation signals and the admin API on a gorilla/mux router.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/sessions"
	"github.com/juanfont/impersonate/admin"
	"github.com/juanfont/impersonate/auth"
	"github.com/juanfont/impersonate/config"
	"github.com/juanfont/impersonate/database"
	"github.com/juanfont/impersonate/database/sqliteconfig"
	"github.com/juanfont/impersonate/frontend"
	"github.com/juanfont/impersonate/impersonate"
	"github.com/juanfont/impersonate/middleware"
	"github.com/juanfont/impersonate/tasks"
	"github.com/juanfont/impersonate/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Paths that stay writable while impersonating in read-only mode.
const (
	ImpersonateStopPath = "/api/admin/impersonate/stop"
	LogoutPath          = "/api/oidc/logout"
)

// Deps are the collaborators of the router. OIDC and Tasks are optional:
// without OIDC there are no login routes, without Tasks no expiry tasks are
// scheduled.
type Deps struct {
	DB       *database.Database
	Sessions sessions.Store
	OIDC     *auth.OIDCProvider
	Tasks    *tasks.Client
	// Frontend serves the admin console for unmatched paths.
	Frontend bool
}

// NewHandler builds the HTTP handler of the service.
func NewHandler(cfg *config.Config, deps Deps) (http.Handler, error) {
	loc, err := cfg.Impersonate.Location()
	if err != nil {
		return nil, err
	}
	cookieName := cfg.Session.CookieName

	signals := impersonate.NewSignals()
	signals.Connect(impersonate.ReceiverLog, impersonate.NewLogRecorder(deps.DB, cfg.Impersonate.DisableLogging))
	signals.Connect(impersonate.ReceiverAudit, impersonate.NewAuditRecorder(deps.DB))
	signals.Connect(impersonate.ReceiverMetrics, impersonate.MetricsRecorder{})
	if deps.Tasks != nil {
		signals.Connect(impersonate.ReceiverExpiry, tasks.NewExpiryScheduler(deps.Tasks, cfg.Impersonate.MaxDuration))
	}

	manager := impersonate.NewManager(deps.Sessions, cookieName, deps.DB, signals, impersonate.Config{
		MaxDuration:   cfg.Impersonate.MaxDuration,
		RequireReason: cfg.Impersonate.RequireReason,
		Policy: impersonate.Policy{
			RequireSuperuser: cfg.Impersonate.RequireSuperuser,
			AllowSuperuser:   cfg.Impersonate.AllowSuperuser,
		},
	})

	sessionMW := auth.NewSessionMiddleware(deps.Sessions, cookieName, deps.DB,
		cfg.AdminModeTimeout, cfg.Impersonate.MaxDuration)
	sessionMW.SetImpersonationEnder(manager)

	adminHandlers := admin.NewHandlers(deps.Sessions, cookieName, deps.DB, deps.DB, manager, admin.Options{
		AdminModeTimeout: cfg.AdminModeTimeout,
		PageSize:         cfg.Impersonate.PageSize,
		MaxFilterSize:    cfg.Impersonate.MaxFilterSize,
		Location:         loc,
	})

	router := mux.NewRouter()
	router.Use(middleware.Metrics())

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		types.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/session", sessionMW.SessionCheckHandler).Methods(http.MethodGet)

	if deps.OIDC != nil {
		oidcHandlers := auth.NewOIDCHandlers(deps.OIDC, deps.Sessions, cookieName, deps.DB, deps.DB)
		oidcHandlers.SetImpersonationEnder(manager)
		router.HandleFunc("/api/oidc/login", oidcHandlers.LoginHandler).Methods(http.MethodGet)
		router.HandleFunc(deps.OIDC.CallbackPath(), oidcHandlers.CallbackHandler).Methods(http.MethodGet)
		router.HandleFunc(LogoutPath, oidcHandlers.LogoutHandler).Methods(http.MethodPost)
	}

	staff := func(h http.HandlerFunc) http.HandlerFunc {
		return sessionMW.RequireAuth(sessionMW.RequireStaff(h))
	}

	a := api.PathPrefix("/admin").Subrouter()
	a.HandleFunc("/mode/status", staff(adminHandlers.AdminModeStatusHandler)).Methods(http.MethodGet)
	a.HandleFunc("/mode/enable", staff(adminHandlers.AdminModeEnableHandler)).Methods(http.MethodPost)
	// While impersonating the effective user is the target, who need not be staff.
	a.HandleFunc("/mode/disable", sessionMW.RequireAuth(adminHandlers.AdminModeDisableHandler)).Methods(http.MethodPost)

	a.HandleFunc("/impersonate/start",
		sessionMW.RequireAuth(sessionMW.RequireStaff(sessionMW.RequireAdminMode(adminHandlers.ImpersonationStartHandler)))).
		Methods(http.MethodPost)
	a.HandleFunc("/impersonate/stop", sessionMW.RequireAuth(adminHandlers.ImpersonationStopHandler)).Methods(http.MethodPost)
	a.HandleFunc("/impersonate/status", sessionMW.RequireAuth(adminHandlers.ImpersonationStatusHandler)).Methods(http.MethodGet)

	a.HandleFunc("/impersonation-logs", staff(adminHandlers.ImpersonationLogListHandler)).Methods(http.MethodGet)
	a.HandleFunc("/impersonation-logs/filters", staff(adminHandlers.ImpersonationLogFiltersHandler)).Methods(http.MethodGet)
	a.HandleFunc("/impersonation-logs/{id:[0-9]+}", staff(adminHandlers.ImpersonationLogDetailHandler)).Methods(http.MethodGet)
	a.HandleFunc("/impostors", staff(adminHandlers.ImpostorListHandler)).Methods(http.MethodGet)

	if deps.Frontend {
		frontend.Setup(router)
	}

	var handler http.Handler = router
	if cfg.Impersonate.ReadOnly {
		handler = middleware.ReadOnly(sessionMW, ImpersonateStopPath, LogoutPath)(handler)
	}
	handler = middleware.CORS(middleware.NewCORSConfig(cfg.CORS.AllowedOrigins))(handler)
	handler = middleware.Logging(log.Logger, sessionMW)(handler)
	handler = middleware.Recovery()(handler)

	log.Debug().
		Strs("receivers", signals.Receivers()).
		Dur("max_duration", cfg.Impersonate.MaxDuration).
		Bool("read_only", cfg.Impersonate.ReadOnly).
		Msg("Impersonation configured")

	return handler, nil
}

// Server is the running HTTP service.
type Server struct {
	cfg        *config.Config
	db         *database.Database
	tasks      *tasks.Client
	httpServer *http.Server
}

// New opens the database, discovers the OIDC issuer, connects the task
// client and builds the HTTP server.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	db, err := database.NewWithConfig(sqliteconfig.FromSettings(
		cfg.Database.Path, cfg.Database.WriteAheadLog, cfg.Database.WALAutocheckpoint))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	provider, err := auth.NewOIDCProvider(ctx, auth.OIDCProviderConfig{
		ServerURL: cfg.AdvertiseURL,
		OIDCConfig: types.OIDCConfig{
			Issuer:       cfg.OIDC.Issuer,
			ClientID:     cfg.OIDC.ClientID,
			ClientSecret: cfg.OIDC.ClientSecret,
			Scopes:       cfg.OIDC.Scopes,
		},
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	var taskClient *tasks.Client
	if cfg.Impersonate.MaxDuration > 0 && cfg.Redis.Addr != "" {
		taskClient = tasks.NewClient(tasks.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	store := auth.NewCookieStore(cfg.Session.AuthenticationKey, cfg.Session.EncryptionKey,
		cfg.Session.CookieExpiry, cfg.Session.Secure)

	handler, err := NewHandler(cfg, Deps{
		DB:       db,
		Sessions: store,
		OIDC:     provider,
		Tasks:    taskClient,
		Frontend: true,
	})
	if err != nil {
		db.Close()
		if taskClient != nil {
			taskClient.Close()
		}
		return nil, err
	}

	return &Server{
		cfg:   cfg,
		db:    db,
		tasks: taskClient,
		httpServer: &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("listen_addr", s.cfg.ListenAddr).
			Str("advertise_url", s.cfg.AdvertiseURL).
			Msg("Starting HTTP server")
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Close releases the database and the task client.
func (s *Server) Close() error {
	var errs []error
	if s.tasks != nil {
		errs = append(errs, s.tasks.Close())
	}
	errs = append(errs, s.db.Close())
	return errors.Join(errs...)
}
