package main

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"pose-studio-backend/internal/config"
	"pose-studio-backend/internal/credit"
	"pose-studio-backend/internal/database"
	"pose-studio-backend/internal/handlers"
	"pose-studio-backend/internal/middleware"
	"pose-studio-backend/internal/queue"
	"pose-studio-backend/internal/recovery"
	"pose-studio-backend/internal/store"
	"pose-studio-backend/internal/supabase"
)

func main() {
	// .env is optional; real deployments set environment variables.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	migrator, err := database.NewMigrator(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize migrator: %v", err)
	}
	if err := migrator.Run(); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	migrator.Close()
	log.Println("Migrations completed successfully")

	st, err := store.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer st.Close()

	q, err := queue.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize queue: %v", err)
	}
	defer q.Close()

	credits, err := credit.NewLedger(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize credit ledger: %v", err)
	}
	defer credits.Close()

	supabaseClient, err := supabase.NewClient(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize Supabase client: %v", err)
	}
	realtimeClient := supabase.NewRealtimeClient(supabaseClient.Supabase)

	recoveryService := recovery.NewService(st, q, realtimeClient)

	generationsHandler := handlers.NewGenerationsHandler(st, q, credits)
	avatarsHandler := handlers.NewAvatarsHandler(st)
	adminHandler := handlers.NewAdminHandler(recoveryService, q)

	router := gin.Default()

	// Health check (no auth)
	router.GET("/health", handlers.HealthHandler)

	api := router.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(cfg))

	// Avatars
	api.POST("/avatars", avatarsHandler.CreateAvatar)
	api.GET("/avatars", avatarsHandler.ListAvatars)
	api.GET("/avatars/:id", avatarsHandler.GetAvatar)

	// Generations
	api.POST("/generations", generationsHandler.CreateGeneration)
	api.GET("/generations", generationsHandler.ListGenerations)
	api.GET("/generations/:id", generationsHandler.GetGeneration)
	api.GET("/generations/:id/items", generationsHandler.ListGeneratedItems)

	// Admin
	api.POST("/admin/recovery/run", adminHandler.RunRecovery)
	api.GET("/admin/queue/metrics", adminHandler.QueueMetrics)

	log.Printf("Server starting on port %s", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, router); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
