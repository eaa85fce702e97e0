package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jobsift/credpool/internal/app/domain/credential"
	"github.com/jobsift/credpool/internal/app/services/secrets"
	"github.com/jobsift/credpool/internal/app/storage/memory"
)

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	cipher, err := secrets.NewAESCipher(make([]byte, 32))
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	store := memory.New()
	return New(store, cipher, nil), store
}

func seedPassword(t *testing.T, svc *Service, platform, name string) credential.Credential {
	t.Helper()
	cred, err := svc.CreatePassword(context.Background(), platform, name, name+"@example.com", "hunter2", "")
	if err != nil {
		t.Fatalf("seed %s: %v", name, err)
	}
	return cred
}

func TestAcquireMutualExclusion(t *testing.T) {
	svc, _ := newTestService(t)
	const n = 8
	for i := 0; i < n; i++ {
		seedPassword(t, svc, "linkedin", fmt.Sprintf("scraper-%d", i))
	}

	var wg sync.WaitGroup
	ids := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(session int) {
			defer wg.Done()
			assignment, err := svc.Acquire(context.Background(), "linkedin", fmt.Sprintf("session-%d", session))
			if err != nil {
				t.Errorf("acquire session-%d: %v", session, err)
				return
			}
			ids <- assignment.Credential.ID
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("credential %s handed to two sessions", id)
		}
		seen[id] = true
	}
	if len(seen) != n {
		t.Fatalf("got %d distinct credentials, want %d", len(seen), n)
	}
}

func TestAcquireExhaustsPool(t *testing.T) {
	svc, _ := newTestService(t)
	seedPassword(t, svc, "linkedin", "only")

	if _, err := svc.Acquire(context.Background(), "linkedin", "session-1"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	_, err := svc.Acquire(context.Background(), "linkedin", "session-2")
	if !errors.Is(err, credential.ErrPoolExhausted) {
		t.Fatalf("err = %v, want ErrPoolExhausted", err)
	}

	// Another platform's pool is independent.
	_, err = svc.Acquire(context.Background(), "glassdoor", "session-3")
	if !errors.Is(err, credential.ErrPoolExhausted) {
		t.Fatalf("err = %v, want ErrPoolExhausted", err)
	}
}

func TestAcquirePrefersLeastFailed(t *testing.T) {
	svc, _ := newTestService(t)
	healthy := seedPassword(t, svc, "linkedin", "healthy")
	flaky := seedPassword(t, svc, "linkedin", "flaky")

	// Give the flaky credential one recorded failure, then bring it back to
	// AVAILABLE without clearing the counter (disable/enable keeps it).
	if _, err := svc.ReportFailure(context.Background(), flaky.ID, "captcha", 0); err != nil {
		t.Fatalf("fail flaky: %v", err)
	}
	if _, err := svc.Disable(context.Background(), flaky.ID); err != nil {
		t.Fatalf("disable flaky: %v", err)
	}
	if _, err := svc.Enable(context.Background(), flaky.ID); err != nil {
		t.Fatalf("enable flaky: %v", err)
	}

	assignment, err := svc.Acquire(context.Background(), "linkedin", "session-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if assignment.Credential.ID != healthy.ID {
		t.Fatalf("claim picked %s, want the least-failed credential %s", assignment.Credential.ID, healthy.ID)
	}
}

func TestAcquireValidation(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.Acquire(context.Background(), "monster", "session-1"); !credential.IsValidation(err) {
		t.Fatalf("err = %v, want validation error", err)
	}
	if _, err := svc.Acquire(context.Background(), "linkedin", "  "); !credential.IsValidation(err) {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestAcquireDecryptsSecret(t *testing.T) {
	svc, _ := newTestService(t)
	seedPassword(t, svc, "linkedin", "scraper")

	assignment, err := svc.Acquire(context.Background(), "linkedin", "session-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if string(assignment.Secret) != "hunter2" {
		t.Fatalf("secret = %q, want hunter2", assignment.Secret)
	}
}

func TestAcquireFailsUndecryptableCredential(t *testing.T) {
	svc, store := newTestService(t)

	corrupted, err := store.CreateCredential(context.Background(), credential.Credential{
		Platform:        credential.PlatformLinkedIn,
		Name:            "corrupted",
		Email:           "corrupted@example.com",
		EncryptedSecret: "bm90IGEgcmVhbCBjaXBoZXJ0ZXh0",
		Status:          credential.StatusAvailable,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, err = svc.Acquire(context.Background(), "linkedin", "session-1")
	var decErr *secrets.DecryptionError
	if !errors.As(err, &decErr) {
		t.Fatalf("err = %v, want DecryptionError", err)
	}

	after, err := store.GetCredential(context.Background(), corrupted.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.Status != credential.StatusFailed {
		t.Fatalf("status = %s, want %s", after.Status, credential.StatusFailed)
	}
}

func TestReportSuccessReturnsCredentialToPool(t *testing.T) {
	svc, _ := newTestService(t)
	seedPassword(t, svc, "glassdoor", "scraper")

	assignment, err := svc.Acquire(context.Background(), "glassdoor", "session-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	released, err := svc.ReportSuccess(context.Background(), assignment.Credential.ID)
	if err != nil {
		t.Fatalf("report success: %v", err)
	}
	if released.Status != credential.StatusAvailable {
		t.Fatalf("status = %s, want %s", released.Status, credential.StatusAvailable)
	}
	if released.SuccessCount != 1 {
		t.Fatalf("success count = %d, want 1", released.SuccessCount)
	}
	if released.AssignedSessionID != "" {
		t.Fatalf("assignment not cleared: %q", released.AssignedSessionID)
	}

	if _, err := svc.Acquire(context.Background(), "glassdoor", "session-2"); err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
}

func TestReportFailureWithCooldown(t *testing.T) {
	svc, store := newTestService(t)
	cred := seedPassword(t, svc, "linkedin", "scraper")

	base := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	svc.WithClock(func() time.Time { return base })

	if _, err := svc.Acquire(context.Background(), "linkedin", "session-1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	cooled, err := svc.ReportFailure(context.Background(), cred.ID, "rate limited", 30*time.Minute)
	if err != nil {
		t.Fatalf("report failure: %v", err)
	}
	if cooled.Status != credential.StatusCooldown {
		t.Fatalf("status = %s, want %s", cooled.Status, credential.StatusCooldown)
	}
	if !cooled.CooldownUntil.Equal(base.Add(30 * time.Minute)) {
		t.Fatalf("cooldown until = %v", cooled.CooldownUntil)
	}

	// Not claimable while cooling down.
	if _, err := svc.Acquire(context.Background(), "linkedin", "session-2"); !errors.Is(err, credential.ErrPoolExhausted) {
		t.Fatalf("err = %v, want ErrPoolExhausted during cooldown", err)
	}

	// Sweep after expiry returns it to rotation.
	sweeper := NewSweeper(store, nil)
	sweeper.now = func() time.Time { return base.Add(31 * time.Minute) }
	sweeper.tick(context.Background())

	after, err := store.GetCredential(context.Background(), cred.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.Status != credential.StatusAvailable {
		t.Fatalf("status after sweep = %s, want %s", after.Status, credential.StatusAvailable)
	}
}

func TestReportFailureWithoutCooldownTripsCredential(t *testing.T) {
	svc, _ := newTestService(t)
	cred := seedPassword(t, svc, "linkedin", "scraper")

	if _, err := svc.Acquire(context.Background(), "linkedin", "session-1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	failed, err := svc.ReportFailure(context.Background(), cred.ID, "account locked", 0)
	if err != nil {
		t.Fatalf("report failure: %v", err)
	}
	if failed.Status != credential.StatusFailed {
		t.Fatalf("status = %s, want %s", failed.Status, credential.StatusFailed)
	}
	if failed.FailureCount != 1 {
		t.Fatalf("failure count = %d, want 1", failed.FailureCount)
	}

	// FAILED stays out of rotation until an operator resets it.
	if _, err := svc.Acquire(context.Background(), "linkedin", "session-2"); !errors.Is(err, credential.ErrPoolExhausted) {
		t.Fatalf("err = %v, want ErrPoolExhausted", err)
	}

	reset, err := svc.Reset(context.Background(), cred.ID)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if reset.Status != credential.StatusAvailable || reset.FailureCount != 0 {
		t.Fatalf("reset result: status=%s failures=%d", reset.Status, reset.FailureCount)
	}
	if _, err := svc.Acquire(context.Background(), "linkedin", "session-3"); err != nil {
		t.Fatalf("acquire after reset: %v", err)
	}
}

func TestReaperReclaimsStaleAssignments(t *testing.T) {
	svc, store := newTestService(t)
	scraper := seedPassword(t, svc, "glassdoor", "scraper")

	base := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	svc.WithClock(func() time.Time { return base })
	if _, err := svc.Acquire(context.Background(), "glassdoor", "crashed-session"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	reaper := NewReaper(store, nil)
	reaper.now = func() time.Time { return base.Add(2 * time.Hour) }

	reaper.tick(context.Background())

	after, err := store.GetCredential(context.Background(), scraper.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.Status != credential.StatusFailed {
		t.Fatalf("status = %s, want %s", after.Status, credential.StatusFailed)
	}
	if after.LastFailureMessage != staleReclaimMessage {
		t.Fatalf("failure message = %q", after.LastFailureMessage)
	}
	if after.FailureCount != 1 {
		t.Fatalf("failure count = %d, want 1", after.FailureCount)
	}

	// A second pass must not double-count.
	reaper.tick(context.Background())
	again, err := store.GetCredential(context.Background(), scraper.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if again.FailureCount != 1 {
		t.Fatalf("failure count after second pass = %d, want 1", again.FailureCount)
	}
}

func TestReaperLeavesFreshAssignmentsAlone(t *testing.T) {
	svc, store := newTestService(t)
	cred := seedPassword(t, svc, "linkedin", "scraper")

	if _, err := svc.Acquire(context.Background(), "linkedin", "live-session"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	reaper := NewReaper(store, nil)
	reaper.tick(context.Background())

	after, err := store.GetCredential(context.Background(), cred.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.Status != credential.StatusInUse {
		t.Fatalf("status = %s, want %s", after.Status, credential.StatusInUse)
	}
}

func TestLateSuccessAfterReclaimWins(t *testing.T) {
	svc, store := newTestService(t)
	cred := seedPassword(t, svc, "linkedin", "scraper")

	base := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	svc.WithClock(func() time.Time { return base })
	if _, err := svc.Acquire(context.Background(), "linkedin", "slow-session"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	reaper := NewReaper(store, nil)
	reaper.now = func() time.Time { return base.Add(2 * time.Hour) }
	reaper.tick(context.Background())

	released, err := svc.ReportSuccess(context.Background(), cred.ID)
	if err != nil {
		t.Fatalf("late report: %v", err)
	}
	if released.Status != credential.StatusAvailable {
		t.Fatalf("status = %s, want %s", released.Status, credential.StatusAvailable)
	}
	if released.SuccessCount != 1 {
		t.Fatalf("success count = %d, want 1", released.SuccessCount)
	}
}

func TestCreateValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreatePassword(ctx, "indeed", "n", "a@b.c", "pw", ""); !credential.IsValidation(err) {
		t.Fatalf("password on session platform: %v", err)
	}
	if _, err := svc.CreateSession(ctx, "linkedin", "n", `{"ok":true}`, ""); !credential.IsValidation(err) {
		t.Fatalf("session on password platform: %v", err)
	}
	if _, err := svc.CreateSession(ctx, "indeed", "n", "not-json", ""); !credential.IsValidation(err) {
		t.Fatalf("invalid session blob: %v", err)
	}
	if _, err := svc.CreatePassword(ctx, "linkedin", "n", "", "pw", ""); !credential.IsValidation(err) {
		t.Fatalf("missing email: %v", err)
	}
	if _, err := svc.CreatePassword(ctx, "linkedin", "", "a@b.c", "pw", ""); !credential.IsValidation(err) {
		t.Fatalf("missing name: %v", err)
	}

	if _, err := svc.CreateSession(ctx, "indeed", "bot", `{"cookies":[]}`, "exported 2026-02-01"); err != nil {
		t.Fatalf("valid session create: %v", err)
	}
}

func TestDisableEnableCycle(t *testing.T) {
	svc, _ := newTestService(t)
	cred := seedPassword(t, svc, "linkedin", "scraper")

	disabled, err := svc.Disable(context.Background(), cred.ID)
	if err != nil {
		t.Fatalf("disable: %v", err)
	}
	if disabled.Status != credential.StatusDisabled {
		t.Fatalf("status = %s, want %s", disabled.Status, credential.StatusDisabled)
	}
	if _, err := svc.Acquire(context.Background(), "linkedin", "session-1"); !errors.Is(err, credential.ErrPoolExhausted) {
		t.Fatalf("disabled credential still claimable: %v", err)
	}

	enabled, err := svc.Enable(context.Background(), cred.ID)
	if err != nil {
		t.Fatalf("enable: %v", err)
	}
	if enabled.Status != credential.StatusAvailable {
		t.Fatalf("status = %s, want %s", enabled.Status, credential.StatusAvailable)
	}

	// Enable also forces a cooling-down credential back, clearing the window
	// but keeping the failure history.
	if _, err := svc.ReportFailure(context.Background(), cred.ID, "blocked", 30*time.Minute); err != nil {
		t.Fatalf("report failure: %v", err)
	}
	forced, err := svc.Enable(context.Background(), cred.ID)
	if err != nil {
		t.Fatalf("enable cooling credential: %v", err)
	}
	if forced.Status != credential.StatusAvailable {
		t.Fatalf("status = %s, want %s", forced.Status, credential.StatusAvailable)
	}
	if !forced.CooldownUntil.IsZero() {
		t.Fatalf("cooldown not cleared: %v", forced.CooldownUntil)
	}
	if forced.FailureCount != 1 {
		t.Fatalf("failure count = %d, want 1", forced.FailureCount)
	}
}

func TestUpdateRotatesSecret(t *testing.T) {
	svc, _ := newTestService(t)
	cred := seedPassword(t, svc, "linkedin", "scraper")

	rotated := "n3w-p@ss"
	if _, err := svc.Update(context.Background(), cred.ID, nil, nil, nil, &rotated); err != nil {
		t.Fatalf("update: %v", err)
	}

	assignment, err := svc.Acquire(context.Background(), "linkedin", "session-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if string(assignment.Secret) != rotated {
		t.Fatalf("secret = %q, want %q", assignment.Secret, rotated)
	}
}

func TestStats(t *testing.T) {
	svc, _ := newTestService(t)
	seedPassword(t, svc, "linkedin", "a")
	b := seedPassword(t, svc, "linkedin", "b")
	if _, err := svc.CreateSession(context.Background(), "indeed", "c", `{"cookies":[]}`, ""); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	if _, err := svc.Acquire(context.Background(), "linkedin", "session-1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := svc.ReportFailure(context.Background(), b.ID, "locked", 0); err != nil {
		t.Fatalf("fail: %v", err)
	}

	stats, err := svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("platforms in stats = %d, want 2", len(stats))
	}

	byPlatform := make(map[credential.Platform]credential.PlatformStats)
	for _, s := range stats {
		byPlatform[s.Platform] = s
	}
	li := byPlatform[credential.PlatformLinkedIn]
	if li.Counts[credential.StatusFailed] != 1 {
		t.Fatalf("linkedin FAILED count = %d, want 1", li.Counts[credential.StatusFailed])
	}
	if li.FailureTotal != 1 {
		t.Fatalf("linkedin failure total = %d, want 1", li.FailureTotal)
	}
	if byPlatform[credential.PlatformIndeed].Counts[credential.StatusAvailable] != 1 {
		t.Fatalf("indeed AVAILABLE count = %d, want 1", byPlatform[credential.PlatformIndeed].Counts[credential.StatusAvailable])
	}
}

func TestListPagination(t *testing.T) {
	svc, _ := newTestService(t)
	const total = 7
	for i := 0; i < total; i++ {
		seedPassword(t, svc, "linkedin", fmt.Sprintf("scraper-%d", i))
	}

	seen := make(map[string]bool)
	for page, wantLen := range map[int]int{1: 3, 2: 3, 3: 1} {
		creds, err := svc.List(context.Background(), "", "", page, 3)
		if err != nil {
			t.Fatalf("list page %d: %v", page, err)
		}
		if len(creds) != wantLen {
			t.Fatalf("page %d has %d credentials, want %d", page, len(creds), wantLen)
		}
		for _, cred := range creds {
			if seen[cred.ID] {
				t.Fatalf("credential %s appeared on more than one page", cred.ID)
			}
			seen[cred.ID] = true
		}
	}
	if len(seen) != total {
		t.Fatalf("pages covered %d credentials, want %d", len(seen), total)
	}

	empty, err := svc.List(context.Background(), "", "", 4, 3)
	if err != nil {
		t.Fatalf("list past last page: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("page past the end has %d credentials, want 0", len(empty))
	}

	// Unset paging falls back to the bounded default.
	all, err := svc.List(context.Background(), "", "", 0, 0)
	if err != nil {
		t.Fatalf("list with defaults: %v", err)
	}
	if len(all) != total {
		t.Fatalf("default page has %d credentials, want %d", len(all), total)
	}
}

func TestReportsKeepDisabledCredential(t *testing.T) {
	svc, _ := newTestService(t)
	cred := seedPassword(t, svc, "linkedin", "scraper")

	if _, err := svc.Acquire(context.Background(), "linkedin", "session-1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := svc.Disable(context.Background(), cred.ID); err != nil {
		t.Fatalf("disable: %v", err)
	}

	// A late success still lands in the counters but never resurrects the
	// credential past the operator's disable.
	released, err := svc.ReportSuccess(context.Background(), cred.ID)
	if err != nil {
		t.Fatalf("late success report: %v", err)
	}
	if released.Status != credential.StatusDisabled {
		t.Fatalf("status after success = %s, want %s", released.Status, credential.StatusDisabled)
	}
	if released.SuccessCount != 1 {
		t.Fatalf("success count = %d, want 1", released.SuccessCount)
	}

	failed, err := svc.ReportFailure(context.Background(), cred.ID, "late failure", 10*time.Minute)
	if err != nil {
		t.Fatalf("late failure report: %v", err)
	}
	if failed.Status != credential.StatusDisabled {
		t.Fatalf("status after failure = %s, want %s", failed.Status, credential.StatusDisabled)
	}
	if !failed.CooldownUntil.IsZero() {
		t.Fatalf("cooldown set on disabled credential: %v", failed.CooldownUntil)
	}
	if failed.FailureCount != 1 {
		t.Fatalf("failure count = %d, want 1", failed.FailureCount)
	}

	if _, err := svc.Acquire(context.Background(), "linkedin", "session-2"); !errors.Is(err, credential.ErrPoolExhausted) {
		t.Fatalf("disabled credential claimable after late report: %v", err)
	}
}

func TestWithScheduleRejectedOnceRunning(t *testing.T) {
	_, store := newTestService(t)

	reaper := NewReaper(store, nil)
	if err := reaper.WithSchedule("@every 2m"); err != nil {
		t.Fatalf("set reaper schedule before start: %v", err)
	}
	if err := reaper.Start(context.Background()); err != nil {
		t.Fatalf("start reaper: %v", err)
	}
	if err := reaper.WithSchedule("@every 1m"); err == nil {
		t.Fatalf("expected error changing reaper schedule while running")
	}
	if err := reaper.Stop(context.Background()); err != nil {
		t.Fatalf("stop reaper: %v", err)
	}
	if err := reaper.WithSchedule("@every 1m"); err != nil {
		t.Fatalf("set reaper schedule after stop: %v", err)
	}

	sweeper := NewSweeper(store, nil)
	if err := sweeper.Start(context.Background()); err != nil {
		t.Fatalf("start sweeper: %v", err)
	}
	if err := sweeper.WithSchedule("@every 30s"); err == nil {
		t.Fatalf("expected error changing sweeper schedule while running")
	}
	if err := sweeper.Stop(context.Background()); err != nil {
		t.Fatalf("stop sweeper: %v", err)
	}
}
