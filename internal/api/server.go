package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"candlewatch/internal/config"
	"candlewatch/internal/metrics"
	"candlewatch/internal/service"
	"candlewatch/internal/storage"
)

// Triggerer runs an on-demand evaluation.
type Triggerer interface {
	Trigger(ctx context.Context, symbols []string) (service.Report, error)
}

// AlertLister reads ledger rows.
type AlertLister interface {
	List(ctx context.Context, filter storage.AlertFilter) ([]storage.AlertRecord, error)
}

// Options configure the HTTP server.
type Options struct {
	Listen         string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
	Auth           AuthOptions
}

// OptionsFromConfig maps the api config section.
func OptionsFromConfig(cfg config.APIConfig) Options {
	return Options{
		Listen:         cfg.Listen,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		AllowedOrigins: cfg.AllowedOrigins,
		Auth: AuthOptions{
			Enabled:          cfg.Auth.Enabled,
			AllowedAddresses: cfg.Auth.AllowedAddresses,
			MaxSkew:          cfg.Auth.MaxSkew,
		},
	}
}

// Deps are the collaborators behind the routes. Health and Metrics are optional.
type Deps struct {
	Engine  Triggerer
	Alerts  AlertLister
	Health  func(ctx context.Context) error
	Metrics *metrics.Metrics
}

// Server exposes the trigger and ledger endpoints.
type Server struct {
	opts     Options
	deps     Deps
	auth     *walletAuth
	validate *validator.Validate
	logger   zerolog.Logger
	router   chi.Router
}

// New constructs the server and its routes.
func New(opts Options, deps Deps, logger zerolog.Logger) (*Server, error) {
	if deps.Engine == nil || deps.Alerts == nil {
		return nil, errors.New("api requires an engine and an alert lister")
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 2 * time.Minute
	}

	s := &Server{
		opts:     opts,
		deps:     deps,
		validate: config.NewValidator(),
		logger:   logger.With().Str("component", "api").Logger(),
	}
	if opts.Auth.Enabled {
		auth, err := newWalletAuth(opts.Auth)
		if err != nil {
			return nil, err
		}
		s.auth = auth
	}
	s.router = s.routes()
	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(s.recoverer)
	r.Use(s.observe)

	origins := s.opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", headerAddress, headerSignature, headerTimestamp},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/alerts", s.handleListAlerts)
		r.Group(func(r chi.Router) {
			if s.auth != nil {
				r.Use(s.auth.middleware)
			}
			r.Post("/trigger", s.handleTrigger)
		})
	})
	return r
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Listen,
		Handler:           s.router,
		ReadTimeout:       s.opts.ReadTimeout,
		ReadHeaderTimeout: s.opts.ReadTimeout,
		WriteTimeout:      s.opts.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("listen", s.opts.Listen).Msg("api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	return nil
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = "unmatched"
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			elapsed := time.Since(started)
			s.deps.Metrics.ObserveHTTP(r.Method, route, status, elapsed)
			s.logger.Debug().
				Str("method", r.Method).
				Str("route", route).
				Int("status", status).
				Dur("elapsed", elapsed).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("handler panicked")
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
