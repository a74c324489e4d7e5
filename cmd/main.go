package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"

	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	echoMiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/random"

	"arbion/internal/caching"
	"arbion/internal/crypto"
	"arbion/internal/handlers"
	"arbion/internal/jobs/background"
	"arbion/internal/middleware"
	"arbion/internal/providers"
	"arbion/internal/repositories"
	"arbion/internal/security"
	"arbion/internal/services"
	"arbion/pkg/database"
)

const version = "1.0.0"

func main() {
	// Database connection
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatal("DATABASE_URL environment variable is required")
	}

	pool, err := database.NewPool(context.Background(), databaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	devMode := os.Getenv("DEV_MODE") == "true"

	// JWT configuration
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		if !devMode {
			log.Fatal("JWT_SECRET environment variable is required")
		}
		jwtSecret = random.String(32)
		log.Printf("WARNING: Using generated JWT secret, sessions will not survive restarts")
	}

	// Credential master key. Losing it makes every stored credential
	// unreadable, so refuse to start without it.
	masterKey := os.Getenv("CREDENTIAL_MASTER_KEY")
	if masterKey == "" {
		log.Fatal("CREDENTIAL_MASTER_KEY environment variable is required")
	}
	previousMasterKey := os.Getenv("CREDENTIAL_MASTER_KEY_PREVIOUS")

	cipher, err := crypto.NewCipher(masterKey, previousMasterKey)
	if err != nil {
		log.Fatalf("Failed to initialize credential cipher: %v", err)
	}

	// Redis configuration
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	redisPassword := os.Getenv("REDIS_PASSWORD")
	redisDB := 0
	if redisDBStr := os.Getenv("REDIS_DB"); redisDBStr != "" {
		if db, err := strconv.Atoi(redisDBStr); err == nil {
			redisDB = db
		}
	}

	var cacheSvc caching.CacheService
	if devMode && os.Getenv("REDIS_ADDR") == "" {
		log.Printf("WARNING: DEV_MODE without REDIS_ADDR, using in-memory state store")
		cacheSvc = caching.NewMemoryCacheService()
	} else {
		cacheSvc = caching.NewRedisCacheService(redisAddr, redisPassword, redisDB)
	}

	// Create repositories
	clientRepo := repositories.NewOAuthClientRepo(pool)
	credRepo := repositories.NewAPICredentialRepo(pool)

	// Provider registry. Adding a provider means one adapter plus one line here.
	registry := providers.NewRegistry(
		providers.NewSchwabProvider(),
		providers.NewCoinbaseProvider(),
	)

	// Create services
	guard := security.NewGuard(cacheSvc)
	credentialSvc := services.NewCredentialService(clientRepo, credRepo, guard, cipher, registry, devMode)

	// Background credential validation
	scheduler := background.NewJobScheduler(credentialSvc, credRepo)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("Failed to start job scheduler: %v", err)
	}
	defer scheduler.Stop()

	// Create handlers
	credentialHandlers := handlers.NewCredentialHandlers(credentialSvc, registry)
	healthHandlers := handlers.NewHealthHandlers(pool, cacheSvc, registry, version)
	jobHandlers := handlers.NewJobHandlers(scheduler)

	// Create Echo instance
	e := echo.New()

	// Global middleware
	e.Use(echoMiddleware.Logger())
	e.Use(echoMiddleware.Recover())
	e.Use(echoMiddleware.CORS())
	e.Use(echoMiddleware.RemoveTrailingSlash())

	// Version middleware
	versionMiddleware := middleware.NewVersionMiddleware()
	e.Use(versionMiddleware.APIVersionResolver())

	// Health endpoints (no auth required)
	e.GET("/health", healthHandlers.HealthCheck)
	e.GET("/health/ready", healthHandlers.ReadinessCheck)
	e.GET("/health/live", healthHandlers.LivenessCheck)
	e.GET("/metrics", healthHandlers.GetMetrics)

	jwtConfig := middleware.JWTConfig(jwtSecret)

	// OAuth callback keeps the path shape providers were registered with
	callback := e.Group("/oauth_callback")
	callback.Use(echojwt.WithConfig(jwtConfig))
	callback.GET("/:provider", credentialHandlers.Callback)

	// API routes
	v1 := e.Group("/v1")
	v1.Use(versionMiddleware.VersionHeader("v1"))
	v1.Use(echojwt.WithConfig(jwtConfig))

	v1.GET("/jobs/status", jobHandlers.GetJobStatus)
	v1.GET("/providers", credentialHandlers.ListProviders)
	v1.POST("/providers/:provider/client", credentialHandlers.RegisterClient)
	v1.POST("/providers/:provider/api_key", credentialHandlers.SaveAPIKey)
	v1.POST("/providers/:provider/connect", credentialHandlers.Connect)
	v1.GET("/providers/:provider/status", credentialHandlers.Status)
	v1.POST("/providers/:provider/test", credentialHandlers.Test)
	v1.DELETE("/providers/:provider", credentialHandlers.Revoke)

	// Start server
	portStr := os.Getenv("PORT")
	if portStr == "" {
		portStr = "8080"
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		log.Fatalf("Invalid port %s: %v", portStr, err)
	}

	log.Printf("Arbion credential service v%s starting on port %d", version, port)
	log.Printf("Registered providers: %v", registry.Names())

	e.Logger.Fatal(e.Start(fmt.Sprintf(":%d", port)))
}
