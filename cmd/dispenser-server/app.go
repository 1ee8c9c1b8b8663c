package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/pilldispenser/dispenser/internal/config"
	"github.com/pilldispenser/dispenser/internal/domain/device"
	"github.com/pilldispenser/dispenser/internal/domain/dispense"
	"github.com/pilldispenser/dispenser/internal/domain/prescription"
	"github.com/pilldispenser/dispenser/internal/domain/slotmap"
	"github.com/pilldispenser/dispenser/internal/platform/db"
	"github.com/pilldispenser/dispenser/internal/platform/middleware"
	"github.com/pilldispenser/dispenser/internal/platform/openapi"
	"github.com/pilldispenser/dispenser/internal/platform/serialport"
	"github.com/pilldispenser/dispenser/internal/platform/telemetry"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "0.1.0"

const storeConnectTimeout = 10 * time.Second

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// cliLogger keeps one-shot commands quiet on stdout, which carries their output.
func cliLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.WarnLevel).
		With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// storeHandle is an opened prescription store plus its teardown.
type storeHandle struct {
	store prescription.Store
	pool  *pgxpool.Pool
	close func()
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*storeHandle, error) {
	ctx, cancel := context.WithTimeout(ctx, storeConnectTimeout)
	defer cancel()

	switch cfg.StoreDriver {
	case config.StoreMemory:
		if cfg.SeedFile == "" {
			logger.Warn().Msg("memory store without SEED_FILE; every lookup will miss")
			return &storeHandle{store: prescription.NewMemoryStore(), close: func() {}}, nil
		}
		store, err := prescription.NewMemoryStoreFromFile(cfg.SeedFile)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("seed_file", cfg.SeedFile).Msg("memory store loaded")
		return &storeHandle{store: store, close: func() {}}, nil

	case config.StorePostgres:
		pool, err := db.NewPool(ctx, db.PoolConfig{
			DatabaseURL:     cfg.DatabaseURL,
			MaxConns:        cfg.DBMaxConns,
			MinConns:        cfg.DBMinConns,
			MaxConnIdleTime: 5 * time.Minute,
		})
		if err != nil {
			return nil, err
		}
		logger.Info().Msg("connected to database")
		return &storeHandle{store: prescription.NewPGStore(pool), pool: pool, close: pool.Close}, nil

	case config.StoreMongo:
		store, err := prescription.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.MongoCollection)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("database", cfg.MongoDatabase).Str("collection", cfg.MongoCollection).
			Msg("connected to mongo")
		return &storeHandle{store: store, close: func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := store.Close(ctx); err != nil {
				logger.Warn().Err(err).Msg("mongo disconnect failed")
			}
		}}, nil

	case config.StoreSQLite:
		store, err := prescription.OpenSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("path", cfg.SQLitePath).Msg("sqlite store opened")
		return &storeHandle{store: store, close: func() {
			if err := store.Close(); err != nil {
				logger.Warn().Err(err).Msg("sqlite close failed")
			}
		}}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

func openSession(cfg *config.Config, logger zerolog.Logger) (device.Session, error) {
	return device.Open(device.OpenConfig{
		Select: cfg.DeviceMode,
		Serial: serialport.Config{
			Address:     cfg.SerialPort,
			BaudRate:    cfg.SerialBaud,
			ReadTimeout: cfg.SerialReadTimeout,
		},
		BootDelay: cfg.DeviceBootDelay,
		Timing: device.Timing{
			PollInterval: cfg.DevicePollInterval,
			WaitTimeout:  cfg.DeviceWaitTimeout,
			SettleDelay:  cfg.DeviceSettleDelay,
		},
		QueueDepth: cfg.DeviceQueueDepth,
	}, logger)
}

// app holds everything a command needs to run the dispense pipeline.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	store    *storeHandle
	service  *prescription.Service
	session  device.Session
	metrics  *telemetry.Provider
	orch     *dispense.Orchestrator
}

// newApp opens the store, slot table and device session. withDevice=false
// uses a degraded session so lookups never open the serial port.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, withDevice bool) (*app, error) {
	pattern, err := regexp.Compile(cfg.CodePattern())
	if err != nil {
		return nil, fmt.Errorf("compile patient code pattern: %w", err)
	}
	table, err := slotmap.Load(cfg.SlotMapPreset, cfg.SlotMapFile)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("preset", cfg.SlotMapPreset).Str("file", cfg.SlotMapFile).
		Int("slots", table.Len()).Msg("slot table loaded")

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	var session device.Session
	if withDevice {
		session, err = openSession(cfg, logger)
		if err != nil {
			store.close()
			return nil, err
		}
	} else {
		session = device.NewDegradedSession(logger)
	}

	metrics := telemetry.NewProvider(telemetry.Config{
		ServiceVersion: version,
		Environment:    cfg.Env,
		ProcessMetrics: true,
	})
	metrics.SetSessionMode(string(session.Mode()), string(device.ModeSerial), string(device.ModeDegraded))

	svc := prescription.NewService(store.store)
	a := &app{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		service: svc,
		session: session,
		metrics: metrics,
		orch:    dispense.NewOrchestrator(svc, table, session, pattern, metrics, logger),
	}
	return a, nil
}

// Close releases the session first so no dispense outlives the store.
func (a *app) Close() {
	if err := a.session.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("device session close failed")
	}
	a.store.close()
}

// newServer builds the Echo instance with middleware and routes.
func newServer(a *app) *echo.Echo {
	cfg := a.cfg
	logger := a.logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.HTTPErrorHandler

	// Global middleware
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.SecurityHeaders(!cfg.IsDev()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization},
	}))

	rateLimitCfg := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rateLimitCfg.General = middleware.Limit{Rate: cfg.RateLimitRPS, Burst: cfg.RateLimitBurst}
	}
	rateLimitCfg.Dispense = middleware.Limit{Rate: cfg.DispenseRateLimitRPS, Burst: cfg.DispenseRateLimitBurst}
	e.Use(middleware.RateLimit(rateLimitCfg))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(a.metrics.MetricsMiddleware())
	e.Use(middleware.Audit(logger, middleware.AuditRecorderFunc(func(entry middleware.AuditEntry) error {
		a.metrics.ObserveAccess(entry.Action, entry.StatusCode)
		return nil
	})))

	h := dispense.NewHandler(a.orch, logger)
	h.RegisterRoutes(e.Group("/api/v1"), e.Group(""))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
			"session": string(a.session.Mode()),
		})
	})
	e.GET("/health/db", db.HealthHandler(a.service, cfg.StoreDriver, a.store.pool, logger))
	e.GET("/metrics", a.metrics.Handler())
	openapi.NewGenerator(version, "/", cfg.CodePattern(), dispense.Codes()).RegisterRoutes(e.Group("/api"))

	return e
}
