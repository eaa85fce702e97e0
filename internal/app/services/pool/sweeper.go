package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jobsift/credpool/internal/app/metrics"
	"github.com/jobsift/credpool/internal/app/storage"
	"github.com/jobsift/credpool/internal/app/system"
	"github.com/jobsift/credpool/pkg/logger"
)

var _ system.Service = (*Sweeper)(nil)

// Sweeper returns credentials whose cooldown window has elapsed back to
// AVAILABLE. Acquisition never claims COOLDOWN rows, so the sweep interval
// bounds how long an expired cooldown keeps a credential out of rotation.
type Sweeper struct {
	store    storage.CredentialStore
	log      *logger.Logger
	schedule cron.Schedule
	now      func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewSweeper creates a lifecycle-managed cooldown sweeper running every
// minute.
func NewSweeper(store storage.CredentialStore, log *logger.Logger) *Sweeper {
	if log == nil {
		log = logger.NewDefault("pool-sweeper")
	}
	schedule, _ := cron.ParseStandard("@every 1m")
	return &Sweeper{
		store:    store,
		log:      log,
		schedule: schedule,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithSchedule replaces the run schedule with a cron expression or descriptor
// such as "@every 30s". The run loop captures the schedule at Start, so this
// must be called before then.
func (s *Sweeper) WithSchedule(spec string) error {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("parse sweeper schedule %q: %w", spec, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("sweeper already started; set the schedule before Start")
	}
	s.schedule = schedule
	return nil
}

func (s *Sweeper) Name() string { return "pool-sweeper" }

func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	schedule := s.schedule
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		runOnSchedule(runCtx, schedule, s.now, s.tick)
	}()

	s.log.Info("cooldown sweeper started")
	return nil
}

func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.log.Info("cooldown sweeper stopped")
	return nil
}

func (s *Sweeper) tick(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	now := s.now()
	expired, err := s.store.ListExpiredCooldowns(ctx, now)
	if err != nil {
		s.log.WithError(err).Warn("list expired cooldowns failed")
		return
	}

	for _, cred := range expired {
		released, err := s.store.FinishCooldown(ctx, cred.ID, now)
		if errors.Is(err, storage.ErrConflict) {
			// Claimed or disabled between the list and the update.
			continue
		}
		if err != nil {
			s.log.WithError(err).
				WithField("credential_id", cred.ID).
				Warn("finish cooldown failed")
			continue
		}
		metrics.RecordCooldownRelease()
		s.log.WithField("credential_id", released.ID).
			WithField("platform", released.Platform).
			Info("cooldown elapsed, credential available")
	}
}
