package main

import (
	"github.com/gin-gonic/gin"

	"github.com/frikords/calls/config"
	"github.com/frikords/calls/internal/handlers"
	"github.com/frikords/calls/internal/logging"
	"github.com/frikords/calls/internal/middleware"
	"github.com/frikords/calls/internal/redis"
	"github.com/frikords/calls/internal/signalstore"
)

func main() {
	// Load configuration
	cfg := config.Load()
	logging.Setup(cfg.Environment)

	// Connect to Redis
	if err := redis.Connect(cfg.Redis); err != nil {
		logging.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()

	logging.Info("Redis connection established")

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()

	// Global CORS middleware (runs before routing)
	router.Use(handlers.OriginFilter(cfg.AllowedOrigins))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	store := signalstore.NewRedis(redis.GetClient(), cfg.SignalTTL)
	hub := handlers.NewHub()
	api := handlers.NewSignalAPI(store, hub)

	// Call signal exchange (authenticated)
	apiGroup := router.Group("/api")
	{
		// Login endpoint (public)
		apiGroup.POST("/auth/login", handlers.Login(cfg.JWTSecret))

		auth := middleware.JWTAuth(cfg.JWTSecret)

		// Queue a signal for another user
		apiGroup.POST("/calls/signal", auth, api.Send)

		// Drain the caller's signal mailbox
		apiGroup.GET("/calls/signal", auth, api.Poll)
	}

	// WebSocket push channel (token in query string)
	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/signals", handlers.HandleSignalSocket(api, hub, cfg.JWTSecret))
	}

	// Start server
	logging.Infof("Starting Frikords signaling server on port %s", cfg.Port)
	if err := router.Run(":" + cfg.Port); err != nil {
		logging.Fatal("Failed to start server: ", err)
	}
}
