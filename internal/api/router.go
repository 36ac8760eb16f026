// Package api is the HTTP surface of the generation studio: intake
// endpoints that validate and enqueue work, status and timeline queries,
// token endpoints, and the websocket attach point.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/honam867/tasty-banana-v2-sub001/internal/auth"
	"github.com/honam867/tasty-banana-v2-sub001/internal/catalog"
	"github.com/honam867/tasty-banana-v2-sub001/internal/generation"
	"github.com/honam867/tasty-banana-v2-sub001/internal/ledger"
	"github.com/honam867/tasty-banana-v2-sub001/internal/provider"
	"github.com/honam867/tasty-banana-v2-sub001/internal/queue"
	"github.com/honam867/tasty-banana-v2-sub001/internal/realtime"
	"github.com/honam867/tasty-banana-v2-sub001/internal/storage"
)

type Server struct {
	repo        *generation.Repository
	ledger      ledger.Service
	catalog     *catalog.Repo
	store       *storage.Facade
	queue       *queue.Queue
	hub         *realtime.Hub
	verifier    *auth.Verifier
	limiter     provider.RateLimiter
	validate    *validator.Validate
	signupBonus int
	logger      *slog.Logger
}

func NewServer(repo *generation.Repository, ledgerService ledger.Service, catalogRepo *catalog.Repo, store *storage.Facade, q *queue.Queue, hub *realtime.Hub, verifier *auth.Verifier, limiter provider.RateLimiter, signupBonus int, logger *slog.Logger) *Server {
	return &Server{
		repo:        repo,
		ledger:      ledgerService,
		catalog:     catalogRepo,
		store:       store,
		queue:       q,
		hub:         hub,
		verifier:    verifier,
		limiter:     limiter,
		validate:    validator.New(),
		signupBonus: signupBonus,
		logger:      logger,
	}
}

func (s *Server) Routes(corsOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Get("/ws", realtime.NewHandler(s.hub, s.verifier, s.logger).ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Route("/queue", func(r chi.Router) {
			r.Get("/metrics", s.handleQueueMetrics)
			r.Get("/health", s.handleHealth)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.verifier.Middleware)

			r.Route("/generate", func(r chi.Router) {
				r.Use(middleware.Timeout(30 * time.Second))
				r.Get("/operations", s.handleListOperations)
				r.Post("/text-to-image", s.handleTextToImage)
				r.Post("/image-reference", s.handleImageReference)
				r.Post("/image-multiple-reference", s.handleImageMultipleReference)
				r.Get("/queue/{generationId}", s.handleQueueStatus)
				r.Delete("/queue/{generationId}", s.handleCancel)
				r.Get("/my-queue", s.handleMyQueue)
				r.Get("/my-generations", s.handleMyGenerations)

				r.Group(func(r chi.Router) {
					r.Use(auth.RequireAdmin)
					r.Post("/queue/{jobId}/retry", s.handleRetryJob)
					r.Delete("/queue/failed", s.handleCleanJobs)
				})
			})

			r.Route("/tokens", func(r chi.Router) {
				r.Get("/balance", s.handleBalance)
				r.Get("/history", s.handleHistory)
				r.Post("/signup-bonus", s.handleSignupBonus)

				r.Group(func(r chi.Router) {
					r.Use(auth.RequireAdmin)
					r.Post("/admin/topup", s.handleAdminTopup)
				})
			})
		})
	})

	return r
}
