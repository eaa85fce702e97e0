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

var _ system.Service = (*Reaper)(nil)

const staleReclaimMessage = "assignment expired without a report"

// DefaultStaleAfter is how long an assignment may stay IN_USE before the
// reaper considers its session dead.
const DefaultStaleAfter = time.Hour

// Reaper periodically reclaims credentials whose scraper session crashed
// without reporting back. Reclaimed credentials are marked FAILED with a
// synthetic failure message so operators can tell reaped rows from genuine
// platform failures.
type Reaper struct {
	store      storage.CredentialStore
	log        *logger.Logger
	schedule   cron.Schedule
	staleAfter time.Duration
	now        func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewReaper creates a lifecycle-managed stale-assignment reaper running every
// five minutes with the default staleness cutoff.
func NewReaper(store storage.CredentialStore, log *logger.Logger) *Reaper {
	if log == nil {
		log = logger.NewDefault("pool-reaper")
	}
	schedule, _ := cron.ParseStandard("@every 5m")
	return &Reaper{
		store:      store,
		log:        log,
		schedule:   schedule,
		staleAfter: DefaultStaleAfter,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithSchedule replaces the run schedule with a cron expression or descriptor
// such as "@every 2m". The run loop captures the schedule at Start, so this
// must be called before then.
func (r *Reaper) WithSchedule(spec string) error {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("parse reaper schedule %q: %w", spec, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("reaper already started; set the schedule before Start")
	}
	r.schedule = schedule
	return nil
}

// WithStaleAfter replaces the staleness cutoff.
func (r *Reaper) WithStaleAfter(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("stale cutoff must be positive")
	}
	r.mu.Lock()
	r.staleAfter = d
	r.mu.Unlock()
	return nil
}

func (r *Reaper) Name() string { return "pool-reaper" }

func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	schedule := r.schedule
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		runOnSchedule(runCtx, schedule, r.now, r.tick)
	}()

	r.log.Info("stale assignment reaper started")
	return nil
}

func (r *Reaper) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.log.Info("stale assignment reaper stopped")
	return nil
}

// tick reclaims every stale assignment visible at its start. Rows are
// reclaimed one at a time so a report racing the reaper loses at most its own
// row, and a second pass over already-reclaimed rows is a no-op.
func (r *Reaper) tick(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	r.mu.Lock()
	staleAfter := r.staleAfter
	r.mu.Unlock()

	now := r.now()
	before := now.Add(-staleAfter)

	stale, err := r.store.ListStaleAssignments(ctx, before)
	if err != nil {
		r.log.WithError(err).Warn("list stale assignments failed")
		return
	}

	for _, cred := range stale {
		reclaimed, err := r.store.ReclaimStale(ctx, cred.ID, before, staleReclaimMessage, now)
		if errors.Is(err, storage.ErrConflict) {
			// The session reported after all, or another reaper won.
			continue
		}
		if err != nil {
			r.log.WithError(err).
				WithField("credential_id", cred.ID).
				Warn("reclaim stale assignment failed")
			continue
		}
		metrics.RecordStaleReclaim()
		r.log.WithField("credential_id", reclaimed.ID).
			WithField("platform", reclaimed.Platform).
			WithField("session_id", cred.AssignedSessionID).
			Warn("stale assignment reclaimed")
	}
}

// runOnSchedule fires tick at each instant the cron schedule produces, until
// the context is cancelled.
func runOnSchedule(ctx context.Context, schedule cron.Schedule, now func() time.Time, tick func(context.Context)) {
	timer := time.NewTimer(time.Until(schedule.Next(now())))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			tick(ctx)
			timer.Reset(time.Until(schedule.Next(now())))
		}
	}
}
