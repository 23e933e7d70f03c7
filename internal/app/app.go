// Package app wires configuration, storage and transport into a runnable service.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoinject/ectocontainer"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Ramsey-B/iris/config"
	"github.com/Ramsey-B/iris/internal/repositories/contact"
	"github.com/Ramsey-B/iris/pkg/database"
	"github.com/Ramsey-B/iris/pkg/memstore"
	"github.com/Ramsey-B/iris/pkg/reconcile"
	"github.com/Ramsey-B/iris/pkg/redis"
	"github.com/Ramsey-B/iris/pkg/routes/health"
	"github.com/Ramsey-B/iris/pkg/startup"
	"github.com/Ramsey-B/iris/pkg/tracing"
	"github.com/Ramsey-B/iris/pkg/tracing/exporters"
)

// App owns every long-lived dependency of the service
type App struct {
	cfg    *config.Config
	zap    *zap.Logger
	logger ectologger.Logger

	db          database.DB
	redisClient *redis.Client
	store       reconcile.Store
	engine      *reconcile.Engine
	container   ectocontainer.DIContainer
	health      *health.Checker
	server      *http.Server

	shutdownTracing func(context.Context) error
}

// New builds the logger. Dependencies are created by Startup.
func New(cfg *config.Config) (*App, error) {
	zapLogger, err := NewZapLogger(cfg.LogLevel, cfg.PrettyLogs)
	if err != nil {
		return nil, err
	}
	return &App{
		cfg:    cfg,
		zap:    zapLogger,
		logger: zapadapter.NewZapEctoLogger(zapLogger, nil),
	}, nil
}

// NewZapLogger builds a JSON logger, or a console logger when pretty is set
func NewZapLogger(level string, pretty bool) (*zap.Logger, error) {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
	}

	zapConfig := zap.NewProductionConfig()
	if pretty {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(parsed)
	return zapConfig.Build()
}

func (a *App) Logger() ectologger.Logger {
	return a.logger
}

// Engine is available once the engine dependency has started
func (a *App) Engine() *reconcile.Engine {
	return a.engine
}

// Startup registers the dependencies needed to reconcile contacts. withHTTP adds the API server.
func (a *App) Startup(withHTTP bool) *startup.Startup {
	s := startup.NewStartup(a.logger, a.cfg.StartupMaxAttempts)

	s.AddDependency(&startup.Dependency{
		Name:      "tracing",
		StartFunc: a.startTracing,
		StopFunc: func(ctx context.Context) error {
			if a.shutdownTracing == nil {
				return nil
			}
			return a.shutdownTracing(ctx)
		},
	})

	storeRequires := []string{}
	if a.cfg.StoreDriver == config.StoreDriverPostgres {
		s.AddDependency(&startup.Dependency{
			Name:      "database",
			StartFunc: a.startDatabase,
			StopFunc: func(ctx context.Context) error {
				if a.db == nil {
					return nil
				}
				return a.db.Close()
			},
		})
		s.AddDependency(&startup.Dependency{
			Name:      "migrations",
			Requires:  []string{"database"},
			StartFunc: a.runMigrations,
		})
		storeRequires = append(storeRequires, "migrations")
	}

	s.AddDependency(&startup.Dependency{
		Name:      "store",
		Requires:  storeRequires,
		StartFunc: a.startStore,
	})

	engineRequires := []string{"tracing", "store"}
	if a.cfg.LockBackend == config.LockBackendRedis {
		s.AddDependency(&startup.Dependency{
			Name:      "redis",
			StartFunc: a.startRedis,
			StopFunc: func(ctx context.Context) error {
				if a.redisClient == nil {
					return nil
				}
				return a.redisClient.Close()
			},
		})
		engineRequires = append(engineRequires, "redis")
	}

	s.AddDependency(&startup.Dependency{
		Name:      "engine",
		Requires:  engineRequires,
		StartFunc: a.startEngine,
	})

	if withHTTP {
		s.AddDependency(&startup.Dependency{
			Name:      "http",
			Requires:  []string{"engine"},
			StartFunc: a.startHTTP,
			StopFunc:  a.stopHTTP,
		})
	}

	return s
}

func (a *App) startTracing(ctx context.Context) error {
	shutdown, err := tracing.Init(ctx, tracing.Options{
		ServiceName: a.cfg.AppName,
		Version:     a.cfg.Version,
		Export:      a.cfg.TracingEnabled,
		OTLP: exporters.OTLPConfig{
			Endpoint: a.cfg.OTLPEndpoint,
			Protocol: a.cfg.OTLPProtocol,
			Insecure: a.cfg.OTLPInsecure,
			Timeout:  a.cfg.OTLPTimeout,
		},
	})
	if err != nil {
		return err
	}
	a.shutdownTracing = shutdown
	return nil
}

func (a *App) startDatabase(ctx context.Context) error {
	db, err := database.Connect(ctx, a.cfg.DSN(), database.PoolConfig{
		MaxOpenConns:    a.cfg.DatabaseMaxOpenConns,
		MaxIdleConns:    a.cfg.DatabaseMaxIdleConns,
		ConnMaxLifetime: a.cfg.DatabaseConnMaxLifetime,
	}, a.logger)
	if err != nil {
		return err
	}
	a.db = db
	return nil
}

func (a *App) runMigrations(ctx context.Context) error {
	return a.migrationService().MigratePostgres(a.db, a.cfg.DatabaseName)
}

func (a *App) migrationService() *database.MigrationService {
	return database.NewMigrationService(a.logger, &database.MigrationConfig{
		MigrationFolderPath: a.cfg.DatabaseMigrationFolderPath,
		Version:             uint(max(a.cfg.DatabaseMigrationVersion, 0)),
		Force:               a.cfg.DatabaseMigrationForce,
		AutoRollback:        a.cfg.DatabaseMigrationAutoRollback,
	})
}

func (a *App) startStore(ctx context.Context) error {
	switch a.cfg.StoreDriver {
	case config.StoreDriverPostgres:
		a.store = contact.NewRepository(a.db, a.logger, a.cfg.DatabaseTxMaxRetries)
	case config.StoreDriverMemory:
		a.logger.WithContext(ctx).Warn("Using the in-memory contact store; contacts are lost on restart")
		a.store = memstore.New()
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", a.cfg.StoreDriver)
	}
	return nil
}

func (a *App) startRedis(ctx context.Context) error {
	client, err := redis.NewClient(ctx, redis.Config{
		Host:     a.cfg.RedisHost,
		Port:     a.cfg.RedisPort,
		Password: a.cfg.RedisPassword,
		DB:       a.cfg.RedisDB,
	}, a.logger)
	if err != nil {
		return err
	}
	a.redisClient = client
	return nil
}

func (a *App) startEngine(ctx context.Context) error {
	validator, err := reconcile.NewValidator(a.cfg.PhonePattern)
	if err != nil {
		return err
	}

	opts := []reconcile.Option{reconcile.WithChainPolicy(reconcile.ChainPolicy(a.cfg.ChainPolicy))}
	if a.redisClient != nil {
		opts = append(opts, reconcile.WithLocker(redis.NewLocker(a.redisClient, a.cfg.RedisKeyPrefix, a.cfg.LockTTL, a.cfg.LockWaitTimeout)))
	}

	a.engine = reconcile.NewEngine(a.store, validator, a.logger, opts...)
	return nil
}

func (a *App) healthChecks() map[string]health.Pinger {
	checks := map[string]health.Pinger{}
	if a.db != nil {
		checks["database"] = a.db
	}
	if a.redisClient != nil {
		checks["redis"] = health.PingFunc(a.redisClient.Ping)
	}
	return checks
}

func (a *App) startHTTP(ctx context.Context) error {
	if a.container == nil {
		container, err := NewContainer(a.cfg.AppName, a.logger, a.engine)
		if err != nil {
			return err
		}
		a.container = container
	}

	a.health = health.NewChecker(a.cfg.Version, a.healthChecks())
	router := NewRouter(a.cfg, a.logger, a.container, a.health)

	a.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(a.cfg.HttpServerReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(a.cfg.HttpServerWriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(a.cfg.HttpServerIdleTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: time.Duration(a.cfg.ReadHeaderTimeoutSeconds) * time.Second,
		MaxHeaderBytes:    a.cfg.MaxHeaderBytes,
	}

	go func() {
		a.logger.Infof("HTTP server listening on %s", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.WithError(err).Error("HTTP server stopped unexpectedly")
		}
	}()

	a.health.SetReady(true)
	return nil
}

func (a *App) stopHTTP(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	if a.health != nil {
		a.health.SetReady(false)
	}
	return a.server.Shutdown(ctx)
}

// Serve starts every dependency and blocks until ctx is cancelled, then shuts down
func (a *App) Serve(ctx context.Context) error {
	s := a.Startup(true)
	if err := s.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	a.logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	return s.Stop(shutdownCtx)
}

// Migrate applies the schema without starting the service
func (a *App) Migrate(ctx context.Context) error {
	if a.cfg.StoreDriver != config.StoreDriverPostgres {
		return fmt.Errorf("migrations require STORE_DRIVER=%s", config.StoreDriverPostgres)
	}
	if err := a.startDatabase(ctx); err != nil {
		return err
	}
	defer a.db.Close()
	return a.runMigrations(ctx)
}

// Sync flushes buffered log entries
func (a *App) Sync() {
	_ = a.zap.Sync()
}
