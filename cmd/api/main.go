// Package main is the entry point for the API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/elegant-deploy/Elegant-Leather-Backend/internal/config"
	"github.com/elegant-deploy/Elegant-Leather-Backend/internal/gateway"
	"github.com/elegant-deploy/Elegant-Leather-Backend/internal/handler"
	"github.com/elegant-deploy/Elegant-Leather-Backend/internal/inference"
	"github.com/elegant-deploy/Elegant-Leather-Backend/internal/middleware"
	"github.com/elegant-deploy/Elegant-Leather-Backend/internal/relay"
	"github.com/elegant-deploy/Elegant-Leather-Backend/internal/service"
	"github.com/elegant-deploy/Elegant-Leather-Backend/internal/store"
	"github.com/elegant-deploy/Elegant-Leather-Backend/pkg/logger"
	"github.com/elegant-deploy/Elegant-Leather-Backend/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting API server")

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "elegant-leather-backend", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Connect to MongoDB
	connectCtx, cancelConnect := context.WithTimeout(ctx, 10*time.Second)
	chatStore, err := store.Connect(connectCtx, cfg.MongoURI, cfg.MongoDatabase)
	cancelConnect()
	if err != nil {
		log.Error("failed to connect to MongoDB", zap.Error(err))
		os.Exit(1)
	}
	defer chatStore.Close(ctx)

	// Initialize inference client and conversation service
	inferenceClient := inference.NewClient(cfg.InferenceURL, cfg.InferenceTimeout)
	conversationSvc := service.New(chatStore, inferenceClient, log)

	// Initialize realtime gateway, with the NATS relay when configured
	hub := gateway.NewHub(log)

	var roomRelay *relay.NATSRelay
	if cfg.NATSURL != "" {
		roomRelay, err = relay.Connect(relay.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			log.Error("failed to connect to NATS", zap.Error(err))
			os.Exit(1)
		}
		defer roomRelay.Close()
	}

	var gw *gateway.Gateway
	if roomRelay != nil {
		gw = gateway.New(hub, conversationSvc, roomRelay, log)
		if err := roomRelay.Subscribe(gw.HandleRelayFrame); err != nil {
			log.Error("failed to subscribe to relay", zap.Error(err))
			os.Exit(1)
		}
	} else {
		gw = gateway.New(hub, conversationSvc, nil, log)
	}

	// Initialize handlers
	var relayCheck handler.Connectivity
	if roomRelay != nil {
		relayCheck = roomRelay
	}
	healthHandler := handler.NewHealthHandler(chatStore, relayCheck)
	chatHandler := handler.NewChatHandler(conversationSvc, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		ExposedHeaders:   []string{"X-Correlation-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Route("/chats", func(r chi.Router) {
			r.Post("/", chatHandler.Create)
			r.Get("/", chatHandler.List)

			r.Route("/{chatId}", func(r chi.Router) {
				r.Get("/", chatHandler.Get)
				r.Post("/messages", chatHandler.AddMessage)
			})
		})

		// Realtime gateway
		r.Get("/ws", gw.ServeWS)
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}
