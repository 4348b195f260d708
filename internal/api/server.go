package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-gaming/talon/internal/abuse"
	"github.com/opensource-gaming/talon/internal/domain"
	"github.com/opensource-gaming/talon/internal/rules"
	"github.com/opensource-gaming/talon/internal/safety"
	"github.com/opensource-gaming/talon/internal/wallet"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, engine *rules.Engine, gate *safety.Gate, ledger *wallet.Ledger, scorer *abuse.Scorer, states domain.StateProvider, version string) *Server {
	handler := NewHandler(repo, cache, bus, engine, gate, ledger, scorer, states, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// Player profile and state
	router.Post("/players", handler.CreatePlayer)
	router.Get("/players/{id}", handler.GetPlayer)
	router.Get("/players/{id}/state", handler.GetPlayerState)
	router.Get("/players/{id}/balance", handler.GetBalance)
	router.Get("/players/{id}/transactions", handler.ListTransactions)

	// Gameplay and cash flow
	router.Post("/players/{id}/wager", handler.RecordWager)
	router.Post("/players/{id}/deposit", handler.RecordDeposit)
	router.Post("/players/{id}/win", handler.RecordWin)
	router.Post("/players/{id}/withdraw", handler.RecordWithdrawal)

	// Reward evaluation and issuance
	router.Post("/players/{id}/evaluate", handler.Evaluate)
	router.Post("/evaluate/batch", handler.EvaluateBatch)
	router.Get("/rewards/{id}", handler.GetReward)
	router.Post("/rewards/{id}/validate", handler.ValidateReward)
	router.Post("/rewards/{id}/issue", handler.IssueReward)

	// Rule management
	router.Get("/rules", handler.ListRules)
	router.Get("/rules/{id}", handler.GetRule)
	router.Post("/rules", handler.CreateRule)
	router.Delete("/rules/{id}", handler.DeleteRule)

	// Redemptions
	router.Get("/redemption-rules", handler.ListRedemptionRules)
	router.Post("/redemption-rules", handler.CreateRedemptionRule)
	router.Post("/players/{id}/redeem", handler.RedeemPoints)

	// Abuse scoring
	router.Post("/players/{id}/abuse/scan", handler.ScanAbuse)
	router.Get("/players/{id}/abuse/signals", handler.ListAbuseSignals)

	// Expiry sweeps (also run on the worker's schedule)
	router.Post("/sweeps/bonuses", handler.SweepBonuses)
	router.Post("/sweeps/points", handler.SweepPoints)

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
