package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	slacklib "github.com/slack-go/slack"

	"github.com/gosuda/haggle/internal/api/ws"
	"github.com/gosuda/haggle/internal/config"
	"github.com/gosuda/haggle/internal/notify"
	"github.com/gosuda/haggle/internal/responder"
	"github.com/gosuda/haggle/internal/seller"
	"github.com/gosuda/haggle/internal/server/middleware"
)

// Store is the repository accessor shared by the REST handlers and the
// seller. *postgres.Store and *memory.Store satisfy it.
type Store = seller.Store

// PubSub is the broker carrying seller replies to sockets. The Redis and
// in-process implementations both satisfy it.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
}

// Server is the HTTP server that wires all application routes and middleware.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	store      Store
	pubsub     PubSub
	seller     *seller.Service
	wsHub      *ws.Hub
	cfg        *config.Config
}

// New creates a Server with all routes wired. ctx bounds background
// housekeeping such as rate limiter cleanup.
func New(ctx context.Context, cfg *config.Config, store Store, pubsub PubSub) *Server {
	router := chi.NewRouter()

	// Global middleware stack.
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(requestLogger)
	router.Use(chimw.Recoverer)
	router.Use(cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler)

	svc := seller.NewService(store, responder.New(cfg.Responder), pubsub,
		seller.WithNotifier(newNotifier(cfg.Slack)))
	hub := ws.NewHub(pubsub, svc, cfg.Server.CORSOrigins)

	s := &Server{
		router: router,
		store:  store,
		pubsub: pubsub,
		seller: svc,
		wsHub:  hub,
		cfg:    cfg,
		httpServer: &http.Server{
			Addr:         cfg.Server.Addr,
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT.Secret))
		r.Use(middleware.RateLimit(ctx, cfg.RateLimit.RPS, cfg.RateLimit.Burst))

		apiConfig := huma.DefaultConfig("Haggle API", "1.0.0")
		apiConfig.Servers = []*huma.Server{
			{URL: "/api/v1"},
		}
		api := humachi.New(r, apiConfig)
		registerAPIRoutes(api, store, svc)
	})

	// WebSocket routes.
	router.Route("/ws", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT.Secret))
		registerWSRoutes(r, hub)
	})

	// Health check (unauthenticated).
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	return s
}

// newNotifier posts conclusions to Slack when configured and only logs them
// otherwise.
func newNotifier(cfg config.SlackConfig) *notify.Notifier {
	if !cfg.Enabled() {
		return notify.New(nil, "")
	}
	return notify.New(notify.NewSlackMessenger(slacklib.New(cfg.BotToken)), cfg.Channel)
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.Start: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}
