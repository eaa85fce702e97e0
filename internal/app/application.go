// Package app assembles the credential pool services and manages their
// lifecycle.
package app

import (
	"context"
	"fmt"

	"github.com/jobsift/credpool/internal/app/services/pool"
	"github.com/jobsift/credpool/internal/app/services/secrets"
	"github.com/jobsift/credpool/internal/app/storage"
	"github.com/jobsift/credpool/internal/app/storage/memory"
	"github.com/jobsift/credpool/internal/app/system"
	"github.com/jobsift/credpool/pkg/logger"
)

// Stores encapsulates persistence dependencies. A nil store defaults to the
// in-memory implementation.
type Stores struct {
	Credentials storage.CredentialStore
}

// Application ties the pool service and its background workers together.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Pool    *pool.Service
	Reaper  *pool.Reaper
	Sweeper *pool.Sweeper
}

// New builds a fully initialised application with the provided stores and
// secret cipher.
func New(stores Stores, cipher secrets.Cipher, log *logger.Logger) (*Application, error) {
	if cipher == nil {
		return nil, fmt.Errorf("secret cipher is required")
	}
	if log == nil {
		log = logger.NewDefault("app")
	}
	if stores.Credentials == nil {
		stores.Credentials = memory.New()
	}

	manager := system.NewManager()

	poolService := pool.New(stores.Credentials, cipher, log)
	reaper := pool.NewReaper(stores.Credentials, log)
	sweeper := pool.NewSweeper(stores.Credentials, log)

	if err := manager.Register(system.NoopService{ServiceName: "pool"}); err != nil {
		return nil, fmt.Errorf("register pool service: %w", err)
	}
	for _, svc := range []system.Service{reaper, sweeper} {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}

	return &Application{
		manager: manager,
		log:     log,
		Pool:    poolService,
		Reaper:  reaper,
		Sweeper: sweeper,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
