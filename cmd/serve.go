package cmd

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"guest-presence/internal/consumer"
	"guest-presence/internal/database"
	"guest-presence/internal/handlers"
	"guest-presence/internal/middleware"
	"guest-presence/internal/repository"
	"guest-presence/internal/services"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	gorillaHandlers "github.com/gorilla/handlers"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 15 * time.Second

func runServe(args []string) error {
	cfg, err := loadConfig(flag.NewFlagSet("serve", flag.ExitOnError), args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize repositories
	var (
		userRepo     services.UserStore
		presenceRepo services.PresenceStore
	)
	switch cfg.Database.Driver {
	case "memory":
		users := repository.NewMemoryUserRepository()
		userRepo = users
		presenceRepo = repository.NewMemoryPresenceRepository(users, nil)
		log.Warn().Msg("Using in-memory presence store, nothing survives a restart")
	default:
		if cfg.Database.Migrate {
			if err := repository.Migrate(cfg.Database.URL()); err != nil {
				return err
			}
		}
		db, err := database.NewPostgresPool(ctx, cfg.Database.DSN())
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()
		userRepo = repository.NewUserRepository(db)
		presenceRepo = repository.NewPostgresPresenceRepository(db)
	}

	// Initialize broadcast
	hub := services.NewHub(cfg.Presence.SubscriberBuffer)
	var publisher services.Publisher = hub
	if cfg.Redis.Enabled {
		rdb, err := database.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer rdb.Close()

		relay := services.NewRedisRelay(rdb, cfg.Redis.Channel, hub)
		publisher = relay
		go func() {
			if err := relay.Run(ctx); err != nil {
				log.Error().Err(err).Msg("Redis relay stopped")
			}
		}()
	}

	// Initialize services
	userService := services.NewUserService(userRepo, cfg.JWT.Secret)
	gateway := services.NewGateway(presenceRepo, publisher)

	mapView := consumer.New(gateway, hub,
		consumer.WithPollInterval(cfg.Presence.PollInterval),
		consumer.WithStaleAfter(cfg.Presence.StaleAfter),
	)
	if err := mapView.Start(ctx); err != nil {
		// polling keeps retrying in the background
		log.Warn().Err(err).Msg("Initial presence snapshot failed")
	}
	defer mapView.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      newRouter(userService, gateway, hub, mapView),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().
			Str("host", cfg.Server.Host).
			Int("port", cfg.Server.Port).
			Str("driver", cfg.Database.Driver).
			Bool("redis", cfg.Redis.Enabled).
			Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
	return nil
}

func newRouter(userService *services.UserService, gateway *services.Gateway, hub *services.Hub, mapView handlers.MapView) http.Handler {
	userHandler := handlers.NewUserHandler(userService)
	presenceHandler := handlers.NewPresenceHandler(gateway, mapView)
	wsHandler := handlers.NewWebSocketHandler(hub, userService)

	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(gorillaHandlers.CORS(
		gorillaHandlers.AllowedOrigins([]string{"*"}),
		gorillaHandlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
		gorillaHandlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
	))

	r.Get("/health", handlers.Health)

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Post("/users", userHandler.CreateUser)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(middleware.AuthMiddleware(userService))
			r.Get("/users/me", userHandler.GetMe)
			r.Post("/presence", presenceHandler.UpsertPresence)
			r.Delete("/presence", presenceHandler.DeactivatePresence)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireRole(services.RoleOperator))
				r.Get("/presence", presenceHandler.GetPresence)
				r.Get("/map", presenceHandler.GetMap)
			})
		})
	})

	r.Get("/ws/presence", wsHandler.HandleWebSocket)

	return r
}
