package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dermrx/dermrx/internal/config"
	"github.com/dermrx/dermrx/internal/domain/followup"
	"github.com/dermrx/dermrx/internal/domain/lesion"
	"github.com/dermrx/dermrx/internal/domain/overlay"
	"github.com/dermrx/dermrx/internal/domain/session"
	"github.com/dermrx/dermrx/internal/observability/metrics"
	"github.com/dermrx/dermrx/internal/platform/auth"
	"github.com/dermrx/dermrx/internal/platform/db"
	"github.com/dermrx/dermrx/internal/platform/imagestore"
	"github.com/dermrx/dermrx/internal/platform/inference"
	"github.com/dermrx/dermrx/internal/platform/middleware"
	"github.com/dermrx/dermrx/internal/platform/smart"
	"github.com/dermrx/dermrx/migrations"
)

const (
	requestTimeout  = 60 * time.Second
	shutdownTimeout = 10 * time.Second
	overlayCacheTTL = 10 * time.Minute
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env, cfg.LogLevel)
	zerolog.DefaultContextLogger = &logger

	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}
	if cfg.IsDev() {
		logger.Warn().Msg("development mode: DevAuthMiddleware grants admin to unauthenticated requests")
	}

	ctx := context.Background()

	// Storage
	var (
		pool *pgxpool.Pool
		repo lesion.AnalysisRepository
	)
	if cfg.UsePostgres() {
		pool, err = db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
		if err != nil {
			logger.Error().Err(err).Msg("failed to connect to database")
			return err
		}
		defer pool.Close()
		n, err := db.NewMigrator(pool, migrations.FS).Up(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("migration failed")
			return err
		}
		logger.Info().Int("applied", n).Msg("connected to database")
		repo = lesion.NewAnalysisRepoPG(pool)
	} else {
		logger.Info().Msg("using in-memory analysis storage")
		repo = lesion.NewMemoryAnalysisRepo()
	}

	registry := prometheus.NewRegistry()
	m, err := metrics.New(registry)
	if err != nil {
		return err
	}

	maxImage, _ := cfg.MaxImageBytes()
	loc, _ := cfg.Location()
	mode, _ := overlay.ParseMode(cfg.HeatmapMode)

	// Services
	lesionSvc := lesion.NewService(repo)
	images := imagestore.NewMemoryStore(maxImage)
	heat := overlay.NewHeatMap(mode, uint8(cfg.HeatmapAlpha)).WithObserver(m.Render)

	infer, err := inference.NewClient(inference.Config{
		BaseURL:     cfg.InferenceURL,
		FallbackURL: cfg.InferenceFallbackURL,
		APIKey:      cfg.InferenceAPIKey,
		Timeout:     cfg.InferenceTimeout,
	}, inference.WithRecorder(m.Inference), inference.WithLogger(logger))
	if err != nil {
		return err
	}

	sessions := session.NewManager(session.Deps{
		Inference: infer,
		Persister: lesionSvc,
		Images:    images,
		Observer:  m.Session,
		Logger:    logger,
		MinArea:   cfg.MinAnnotationArea,
	}, cfg.SessionTTL, m.Session)
	defer sessions.Close()

	contexts := smart.NewRegistry(smart.DefaultContextTTL)
	var (
		smartDocs smart.Documents
		fetcher   session.DocumentFetcher
	)
	if cfg.FHIRTokenURL != "" {
		dc := smart.NewDocumentClient(smart.ClientConfig{
			TokenURL:      cfg.FHIRTokenURL,
			ClientID:      cfg.FHIRClientID,
			ClientSecret:  cfg.FHIRClientSecret,
			Scope:         cfg.FHIRScope,
			MaxImageBytes: maxImage,
		}, &http.Client{Timeout: 30 * time.Second})
		smartDocs, fetcher = dc, dc
	}

	scheduler := followup.NewScheduler(loc)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:  []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader, "Retry-After"},
	}))
	e.Use(middleware.BodyLimit("1M", cfg.MaxImageSize))
	e.Use(middleware.RequestTimeout(requestTimeout, "/metrics"))

	e.GET("/health", db.HealthHandler(pool))
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	var authMW echo.MiddlewareFunc
	if cfg.IsDev() {
		authMW = auth.DevAuthMiddleware()
	} else {
		authMW = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		})
	}

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}

	apiV1 := e.Group("/api/v1", authMW, middleware.RateLimit(rateLimitCfg))
	fhirGroup := e.Group("/fhir", authMW, middleware.RateLimit(rateLimitCfg))

	lesion.NewHandler(lesionSvc).RegisterRoutes(apiV1, fhirGroup)
	overlay.NewHandler(lesionSvc, heat, overlayCacheTTL).RegisterRoutes(apiV1)
	imagestore.NewHandler(images).RegisterRoutes(apiV1)
	smart.NewHandler(contexts, smartDocs).RegisterRoutes(apiV1)
	session.NewHandler(sessions, contexts, fetcher, heat, maxImage).RegisterRoutes(apiV1)
	followup.NewHandler(scheduler, sessions).RegisterRoutes(apiV1)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("storage", cfg.Storage).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
