package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.uber.org/zap"

	"github.com/coinbox/backend/docs"
	"github.com/coinbox/backend/internal/database"
	"github.com/coinbox/backend/internal/handlers"
	mW "github.com/coinbox/backend/internal/middleware"
	"github.com/coinbox/backend/internal/services"
)

// @title Coinbox P2P Trading API
// @version 1.0
// @description P2P escrow trading engine and wallet ledger
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()
	viper.ReadInConfig()

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("sweeper.interval", "SWEEPER_INTERVAL")

	viper.SetDefault("sweeper.interval", time.Minute)

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	docs.SwaggerInfo.Title = "Coinbox P2P Trading API"
	docs.SwaggerInfo.Description = "P2P escrow trading engine and wallet ledger"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	notifier := services.NewNotifier(redisClient, logger)
	walletService := services.NewWalletService(db, logger)
	offerService := services.NewOfferService(db, logger)
	chatService := services.NewChatService(db, logger)
	orderService := services.NewOrderService(db, walletService, offerService, chatService, notifier, logger)
	disputeService := services.NewDisputeService(db, walletService, offerService, chatService, orderService, notifier, logger)
	qrService := services.NewQRService(db, redisClient)

	walletHandler := handlers.NewWalletHandler(walletService)
	offerHandler := handlers.NewOfferHandler(offerService)
	orderHandler := handlers.NewOrderHandler(orderService, disputeService, chatService, qrService)
	disputeHandler := handlers.NewDisputeHandler(disputeService)

	// Deadline sweeper
	sweeperCtx, stopSweeper := context.WithCancel(context.Background())
	sweeper := services.NewDeadlineSweeper(orderService, viper.GetDuration("sweeper.interval"), logger)
	go sweeper.Run(sweeperCtx)

	// Setup router
	r := chi.NewRouter()

	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Get("/wallet/balance", walletHandler.GetBalance)
			r.Get("/wallet/transactions", walletHandler.GetTransactions)
			r.Post("/wallet/deposit", walletHandler.Deposit)
			r.Post("/wallet/withdraw", walletHandler.Withdraw)

			r.Get("/offers", offerHandler.SearchOffers)
			r.Post("/offers", offerHandler.CreateOffer)
			r.Get("/offers/mine", offerHandler.GetUserOffers)
			r.Put("/offers/{offerId}", offerHandler.UpdateOffer)
			r.Post("/offers/{offerId}/toggle", offerHandler.ToggleOfferStatus)
			r.Delete("/offers/{offerId}", offerHandler.DeleteOffer)

			r.Get("/orders", orderHandler.GetUserOrders)
			r.Post("/orders", orderHandler.CreateOrder)
			r.Get("/orders/{orderId}", orderHandler.GetOrderDetails)
			r.Post("/orders/{orderId}/paid", orderHandler.MarkAsPaid)
			r.Post("/orders/{orderId}/release", orderHandler.ReleaseCrypto)
			r.Post("/orders/{orderId}/cancel", orderHandler.CancelOrder)
			r.Post("/orders/{orderId}/dispute", orderHandler.OpenDispute)
			r.Get("/orders/{orderId}/dispute", disputeHandler.GetDispute)
			r.Post("/orders/{orderId}/messages", orderHandler.SendChatMessage)
			r.Get("/orders/{orderId}/payment-qr", orderHandler.GetPaymentQR)

			r.Post("/disputes/{disputeId}/evidence", disputeHandler.AddEvidence)

			// Arbiter-only
			r.Group(func(r chi.Router) {
				r.Use(mW.RequireRole(mW.RoleArbiter))
				r.Post("/disputes/{orderId}/resolve", disputeHandler.ResolveDispute)
			})
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		logger.Info("server starting", zap.String("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server shutting down")
	stopSweeper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}
