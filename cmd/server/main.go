package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/groupcart/groupcart-api/internal/auth"
	"github.com/groupcart/groupcart-api/internal/clock"
	"github.com/groupcart/groupcart-api/internal/database"
	"github.com/groupcart/groupcart-api/internal/group"
	"github.com/groupcart/groupcart-api/internal/ledger"
	"github.com/groupcart/groupcart-api/internal/notify"
	"github.com/groupcart/groupcart-api/internal/orders"
	"github.com/groupcart/groupcart-api/internal/payment"
	"github.com/groupcart/groupcart-api/internal/settlement"
	"github.com/groupcart/groupcart-api/internal/threshold"
	"github.com/groupcart/groupcart-api/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// scanInterval reads a duration from the environment with a fallback.
func scanInterval(env string, fallback time.Duration) time.Duration {
	raw := os.Getenv(env)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		zlog.Warn().Str("env", env).Str("value", raw).Msg("invalid duration, using default")
		return fallback
	}
	return d
}

// main initializes and runs the group-buying API server with graceful
// shutdown support. It sets up all required services, the database
// connection, the background scanners and the API routes.
func main() {
	// Initialize database
	db, err := database.NewDatabase(os.Getenv("DB_PATH"))
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Initialize router
	router := gin.Default()

	// Shared collaborators
	clk := clock.Real{}
	sink := notify.LogSink{}
	payments := payment.NewSimulated(0.95)
	materializer := orders.NewGormMaterializer(db)

	// Initialize services and handlers
	authService := auth.NewService("groupcart-secret-key")
	authHandlers := auth.NewGinHandlers(authService)
	// Register test credentials
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)

	groupService := group.NewService(db, sink, clk)
	groupHandlers := group.NewGinHandlers(groupService)

	coordinator := settlement.NewCoordinator(db, payments, materializer, sink, clk)
	scanner := settlement.NewScanner(db, coordinator, clk,
		scanInterval("EXPIRY_SCAN_INTERVAL", time.Hour))
	settlementHandlers := settlement.NewGinHandlers(coordinator, scanner)

	commitLedger := ledger.NewLedger(db, sink, clk, payments, coordinator)
	ledgerHandlers := ledger.NewGinHandlers(commitLedger)

	detector := threshold.NewDetector(db, sink, clk, threshold.DefaultMilestones,
		scanInterval("THRESHOLD_SCAN_INTERVAL", 15*time.Minute))
	thresholdHandlers := threshold.NewGinHandlers(detector)

	// Start background scanners
	scanCtx, scanCancel := context.WithCancel(context.Background())
	defer scanCancel()

	go scanner.Start(scanCtx)
	go detector.Start(scanCtx)

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, authHandlers, groupHandlers, ledgerHandlers, settlementHandlers, thresholdHandlers)

	// Get port from env otherwise it's 8080
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Create server
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Group/commitment routes: Protected by JWT authentication
// - Internal routes: Protected by internal network authentication
func setupRoutes(
	router *gin.Engine,
	authHandlers *auth.GinHandlers,
	groupHandlers *group.GinHandlers,
	ledgerHandlers *ledger.GinHandlers,
	settlementHandlers *settlement.GinHandlers,
	thresholdHandlers *threshold.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		auth := v1.Group("/auth")
		{
			auth.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Group and commitment routes
		groups := v1.Group("/groups")
		groups.Use(middleware.JWTAuth())
		{
			groups.POST("", groupHandlers.CreateGroupHandler())
			groups.GET("", groupHandlers.ListGroupsHandler())
			groups.GET("/:group_id", groupHandlers.GetGroupHandler())
			groups.POST("/:group_id/commitments", ledgerHandlers.CommitHandler())
			groups.DELETE("/:group_id/commitments", ledgerHandlers.CancelHandler())
		}

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth())
		{
			internal.POST("/settlement/:group_id", settlementHandlers.SettleGroupHandler())
			internal.POST("/scans/expiry", settlementHandlers.RunExpiryScanHandler())
			internal.POST("/scans/threshold", thresholdHandlers.RunThresholdScanHandler())
			internal.POST("/groups/:group_id/cancel", groupHandlers.CancelGroupHandler())
		}
	}
}
