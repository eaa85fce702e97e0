// Package runtime wires configuration, storage, the secret cipher and the
// HTTP server into a runnable process.
package runtime

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	app "github.com/jobsift/credpool/internal/app"
	"github.com/jobsift/credpool/internal/app/httpapi"
	"github.com/jobsift/credpool/internal/app/metrics"
	"github.com/jobsift/credpool/internal/app/services/secrets"
	"github.com/jobsift/credpool/internal/app/storage/postgres"
	"github.com/jobsift/credpool/internal/config"
	"github.com/jobsift/credpool/pkg/logger"
)

// Application wires core dependencies and manages the HTTP server lifecycle.
type Application struct {
	cfg        *config.Config
	log        *logger.Logger
	app        *app.Application
	httpServer *http.Server
	db         *sqlx.DB
}

// NewApplication constructs a new application instance with default wiring.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	cipher, err := buildCipher(cfg.Encryption)
	if err != nil {
		return nil, fmt.Errorf("configure secret cipher: %w", err)
	}

	var stores app.Stores
	var db *sqlx.DB
	if cfg.Database.DSN != "" {
		db, err = openDatabase(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if err := runMigrations(db, cfg.Database.MigrationsPath); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		stores.Credentials = postgres.New(db)
	} else {
		log.Warn("no database DSN configured; using in-memory credential store")
	}

	application, err := app.New(stores, cipher, log)
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, err
	}
	if err := configureWorkers(application, cfg.Pool); err != nil {
		if db != nil {
			db.Close()
		}
		return nil, err
	}

	handler, err := httpapi.NewHandler(application, httpapi.Options{
		WorkerTokens:         cfg.Auth.WorkerTokens,
		AdminTokens:          cfg.Auth.AdminTokens,
		AcquireRatePerSecond: cfg.Pool.AcquireRatePerSecond,
		AcquireBurst:         cfg.Pool.AcquireBurst,
		AuditLogPath:         cfg.Pool.AuditLogPath,
	})
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, err
	}

	metrics.RegisterPoolStats(application.Pool.Stats)

	mux := http.NewServeMux()
	mux.Handle("/", handler)
	mux.Handle("/metrics", metrics.Handler())

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      metrics.InstrumentHandler(mux),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	return &Application{
		cfg:        cfg,
		log:        log,
		app:        application,
		httpServer: httpServer,
		db:         db,
	}, nil
}

// Run starts the background workers and the HTTP server, blocking until the
// context is cancelled or the server fails.
func (a *Application) Run(ctx context.Context) error {
	if err := a.app.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Infof("HTTP server listening on %s", a.httpServer.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the HTTP server, the background workers and the
// database connection.
func (a *Application) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := a.app.Stop(shutdownCtx); err != nil {
		a.log.WithError(err).Warn("error stopping services")
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.WithError(err).Warn("error closing database connection")
		}
	}
	return nil
}

func configureWorkers(application *app.Application, cfg config.PoolConfig) error {
	if cfg.StaleAfter != "" {
		staleAfter, err := time.ParseDuration(cfg.StaleAfter)
		if err != nil {
			return fmt.Errorf("parse stale_after: %w", err)
		}
		if err := application.Reaper.WithStaleAfter(staleAfter); err != nil {
			return err
		}
	}
	if cfg.ReapSchedule != "" {
		if err := application.Reaper.WithSchedule(cfg.ReapSchedule); err != nil {
			return err
		}
	}
	if cfg.SweepSchedule != "" {
		if err := application.Sweeper.WithSchedule(cfg.SweepSchedule); err != nil {
			return err
		}
	}
	return nil
}

func buildCipher(cfg config.EncryptionConfig) (secrets.Cipher, error) {
	if cfg.Key != "" {
		key, err := parseEncryptionKey(cfg.Key)
		if err != nil {
			return nil, err
		}
		return secrets.NewAESCipher(key)
	}
	if cfg.MasterSecret != "" {
		return secrets.NewDerivedCipher([]byte(cfg.MasterSecret), "credentials")
	}
	return nil, errors.New("encryption key or master secret is required")
}

func openDatabase(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	if cfg.Driver == "" {
		return nil, fmt.Errorf("database driver not configured")
	}

	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func runMigrations(db *sqlx.DB, path string) error {
	if path == "" {
		return nil
	}
	driver, err := migratepg.WithInstance(db.DB, &migratepg.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+path, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func parseEncryptionKey(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("missing encryption key")
	}

	// raw bytes
	if l := len(value); l == 16 || l == 24 || l == 32 {
		return []byte(value), nil
	}

	// base64
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		if l := len(decoded); l == 16 || l == 24 || l == 32 {
			return decoded, nil
		}
	}

	// hex
	if decoded, err := hex.DecodeString(value); err == nil {
		if l := len(decoded); l == 16 || l == 24 || l == 32 {
			return decoded, nil
		}
	}

	return nil, errors.New("must be raw 16/24/32 byte string or base64/hex encoding of that length")
}
