package main

import (
	"log"
	"os"

	"homecam-bridge/backend/config"
	"homecam-bridge/backend/database"
	"homecam-bridge/backend/handlers"
	"homecam-bridge/backend/middleware"
	"homecam-bridge/backend/services"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := config.Load()

	db, err := database.Initialize(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	registry := services.NewDeviceRegistry(db, cfg.Redis.URL)
	broker := services.NewSignalingBroker(registry, db)
	apiHandler := handlers.NewAPIHandler(registry, broker)

	router := setupRouter(apiHandler, broker, cfg)

	port := cfg.Server.Port
	log.Printf("Signaling broker starting on port %s", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

func setupRouter(apiHandler *handlers.APIHandler, broker *services.SignalingBroker, cfg *config.Config) *gin.Engine {
	if os.Getenv("GIN_MODE") == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()

	router.Use(cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			return true
		},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Requested-With"},
		ExposeHeaders:    []string{"Content-Length", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * 3600,
	}))
	router.Use(middleware.RateLimitMiddleware(50, 100))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Signaling legs. Identity is attached by the JWT middleware; policy
	// beyond signature validation lives in the external identity layer.
	ws := router.Group("/ws")
	ws.Use(middleware.AuthMiddleware(cfg.JWT.Secret))
	{
		ws.GET("/browser", broker.HandleBrowserSocket)
		ws.GET("/gateway", broker.HandleGatewaySocket)
	}

	api := router.Group("/api")
	api.Use(middleware.AuthMiddleware(cfg.JWT.Secret))
	{
		cameras := api.Group("/cameras")
		{
			cameras.POST("/register", apiHandler.RegisterCameras)
			cameras.GET("", apiHandler.GetCameras)
			cameras.GET("/:id", apiHandler.GetCamera)
			cameras.POST("/:id/ptz", apiHandler.PostPTZ)
		}

		sessions := api.Group("/sessions")
		{
			sessions.POST("", apiHandler.CreateSession)
			sessions.GET("/:id", apiHandler.GetSession)
			sessions.POST("/:id/offer", apiHandler.PostOffer)
			sessions.POST("/:id/candidate", apiHandler.PostCandidate)
		}

		api.GET("/status", apiHandler.GetStatus)
	}

	return router
}
