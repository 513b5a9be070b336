package main

import (
	"database/sql"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/safar/go-storefront/internal/auth"
	"github.com/safar/go-storefront/internal/config"
	"github.com/safar/go-storefront/internal/database"
	"github.com/safar/go-storefront/internal/payments"
)

type server struct {
	db      *sql.DB
	logger  *zap.Logger
	pricing config.PricingConfig
	tokens  *auth.TokenIssuer
	stripe  *payments.StripeService
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	db, err := database.NewConnection(&cfg.Database)
	if err != nil {
		logger.Fatal("connect to database", zap.Error(err))
	}
	defer db.Close()

	logger.Info("connected to database")

	s := &server{
		db:      db,
		logger:  logger,
		pricing: cfg.Pricing,
		tokens:  auth.NewTokenIssuer(cfg.Auth),
		stripe:  payments.NewStripeService(cfg.Stripe),
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      s.routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server starting", zap.String("port", cfg.Server.Port))
	if err := httpServer.ListenAndServe(); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.resolveIdentity)

	r.Post("/auth/register", s.handleRegister)
	r.Post("/auth/login", s.handleLogin)

	r.Get("/profile", s.requireAuth(s.handleGetProfile))
	r.Put("/profile", s.requireAuth(s.handleUpdateProfile))

	r.Get("/products", s.handleListProducts)
	r.Get("/products/{slug}", s.handleGetProduct)
	r.Get("/products/{slug}/reviews", s.handleListReviews)
	r.Post("/products/{slug}/reviews", s.requireAuth(s.handleUpsertReview))

	r.Get("/cart", s.handleGetCart)
	r.Post("/cart/items", s.handleAddCartItem)
	r.Delete("/cart/items/{productID}", s.handleRemoveCartItem)

	r.Post("/orders", s.requireAuth(s.handlePlaceOrder))
	r.Get("/orders", s.requireAuth(s.handleListOrders))
	r.Get("/orders/{id}", s.requireAuth(s.handleGetOrder))

	r.Post("/webhooks/stripe", s.handleStripeWebhook)

	r.Route("/admin", func(r chi.Router) {
		r.Post("/products", s.requireAdmin(s.handleCreateProduct))
		r.Put("/products/{id}", s.requireAdmin(s.handleUpdateProduct))
		r.Delete("/products/{id}", s.requireAdmin(s.handleDeleteProduct))

		r.Get("/users", s.requireAdmin(s.handleAdminListUsers))
		r.Put("/users/{id}/role", s.requireAdmin(s.handleAdminSetUserRole))
		r.Delete("/users/{id}", s.requireAdmin(s.handleAdminDeleteUser))

		r.Get("/orders", s.requireAdmin(s.handleAdminListOrders))
		r.Delete("/orders/{id}", s.requireAdmin(s.handleAdminDeleteOrder))
	})

	return r
}
