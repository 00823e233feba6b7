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
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/israelsalinas-g/nexos-labs-sub000/internal/config"
	"github.com/israelsalinas-g/nexos-labs-sub000/internal/domain/labresult"
	"github.com/israelsalinas-g/nexos-labs-sub000/internal/domain/patient"
	"github.com/israelsalinas-g/nexos-labs-sub000/internal/platform/auth"
	"github.com/israelsalinas-g/nexos-labs-sub000/internal/platform/db"
	"github.com/israelsalinas-g/nexos-labs-sub000/internal/platform/hl7v2"
	"github.com/israelsalinas-g/nexos-labs-sub000/internal/platform/metrics"
	"github.com/israelsalinas-g/nexos-labs-sub000/internal/platform/middleware"
	"github.com/israelsalinas-g/nexos-labs-sub000/internal/platform/natsbus"
	"github.com/israelsalinas-g/nexos-labs-sub000/internal/platform/notify"
	"github.com/israelsalinas-g/nexos-labs-sub000/internal/platform/websocket"
	"github.com/israelsalinas-g/nexos-labs-sub000/migrations"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and instrument socket listeners",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrate, _ := cmd.Flags().GetBool("migrate")
			return runServer(migrate)
		},
	}
	cmd.Flags().Bool("migrate", true, "Apply pending migrations before serving")
	return cmd
}

// app holds the wired components shared by the HTTP router and the socket
// listeners.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	pool     *pgxpool.Pool
	svc      *labresult.Service
	hub      *websocket.Hub
	registry *prometheus.Registry
}

func runServer(migrate bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env, cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}
	if cfg.ResolvedAuthMode() == "development" {
		logger.Warn().Msg("development auth mode: requests without a token are treated as admin")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		MaxConnIdleTime: 5 * time.Minute,
		ApplicationName: "lab-server",
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return err
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	if migrate {
		n, err := db.NewMigrator(pool, migrations.FS).Up(ctx)
		if err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		logger.Info().Int("applied", n).Msg("migrations up to date")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	ingestMetrics := metrics.NewIngest()
	if err := ingestMetrics.Register(registry); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	hub := websocket.NewHub(logger)
	events := notify.NewFanout(logger, ingestMetrics)
	events.Add("websocket", hub)

	if cfg.NATSURL != "" {
		pub, err := natsbus.Connect(natsbus.Config{
			URL:           cfg.NATSURL,
			SubjectPrefix: cfg.NATSSubjectPrefix,
		}, logger)
		if err != nil {
			logger.Error().Err(err).Str("url", cfg.NATSURL).Msg("failed to connect to NATS")
			return err
		}
		defer pub.Close()
		events.Add("nats", pub)
	}

	svc := labresult.NewService(labresult.NewRepoPG(pool), patient.NewRegistryPG(pool), labresult.DefaultProfiles(), logger)
	svc.SetTransactor(db.NewTxManager(pool))
	svc.SetPublisher(events)
	svc.SetMetrics(ingestMetrics)
	logger.Info().
		Strs("instruments", svc.Profiles().Names()).
		Int("event_publishers", events.Len()).
		Msg("ingestion service ready")

	a := &app{cfg: cfg, logger: logger, pool: pool, svc: svc, hub: hub, registry: registry}
	e := a.router()

	listeners, err := a.startListeners(ingestMetrics)
	if err != nil {
		return err
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting HTTP server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	for _, l := range listeners {
		if err := l.Stop(); err != nil {
			logger.Warn().Err(err).Str("addr", l.Addr()).Msg("listener stop failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// startListeners opens one socket listener per INGEST_LISTENERS entry. On
// failure the listeners already started are stopped.
func (a *app) startListeners(m *metrics.Ingest) ([]*hl7v2.Listener, error) {
	listeners, err := a.cfg.Listeners()
	if err != nil {
		return nil, err
	}

	var started []*hl7v2.Listener
	stopAll := func() {
		for _, l := range started {
			_ = l.Stop()
		}
	}

	for _, lc := range listeners {
		ingestor, err := labresult.NewSocketIngestor(a.svc, lc.Instrument, a.cfg.IngestStoreTimeout, a.logger)
		if err != nil {
			stopAll()
			return nil, fmt.Errorf("listener %s: %w", lc.Instrument, err)
		}
		l := hl7v2.NewListener(hl7v2.ListenerConfig{
			Instrument:   lc.Instrument,
			Addr:         lc.Addr,
			IdleTimeout:  a.cfg.IngestIdleTimeout,
			MaxFrameSize: a.cfg.IngestMaxMessageBytes,
		}, ingestor.Handler(), a.logger, m)
		if err := l.Start(); err != nil {
			stopAll()
			return nil, fmt.Errorf("listener %s on %s: %w", lc.Instrument, lc.Addr, err)
		}
		started = append(started, l)
	}
	return started, nil
}

func (a *app) authMiddleware() echo.MiddlewareFunc {
	jwtCfg := auth.JWTConfig{
		Issuer:     a.cfg.AuthIssuer,
		Audience:   a.cfg.AuthAudience,
		JWKSURL:    a.cfg.AuthJWKSURL,
		SigningKey: []byte(a.cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	}
	if a.cfg.ResolvedAuthMode() == "development" {
		return auth.DevAuthMiddleware(jwtCfg)
	}
	return auth.JWTMiddleware(jwtCfg)
}

func (a *app) router() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(a.cfg.HTTPBodyLimit))
	e.Use(middleware.RequestTimeout(a.cfg.RequestTimeout, "/ws/"))
	e.Use(a.authMiddleware())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if a.pool != nil {
		e.GET("/health/db", db.HealthHandler(a.pool, db.DefaultHealthTimeout))
	}
	if a.cfg.MetricsEnabled && a.registry != nil {
		e.GET("/metrics", metrics.Handler(a.registry))
	}

	root := e.Group("")
	websocket.NewHandler(a.hub, a.cfg.CORSOrigins).RegisterRoutes(root)

	api := e.Group("/api/v1")
	if a.cfg.RateLimitRPS > 0 {
		api.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: a.cfg.RateLimitRPS,
			BurstSize:         a.cfg.RateLimitBurst,
		}))
	}
	hl7v2.NewHandler(int64(a.cfg.IngestMaxMessageBytes)).RegisterRoutes(api)
	labresult.NewHandler(a.svc).RegisterRoutes(api)

	return e
}
