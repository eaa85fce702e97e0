package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/jobsift/credpool/internal/app/domain/credential"
	"github.com/jobsift/credpool/internal/app/storage"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })
	return New(sqlx.NewDb(mockDB, "sqlmock")), mock
}

func mockColumns() []string {
	return []string{
		"id", "platform", "name", "email", "encrypted_secret", "status",
		"assigned_session_id", "assigned_at",
		"failure_count", "last_failure_at", "last_failure_message",
		"success_count", "last_success_at",
		"cooldown_until", "notes", "created_at", "updated_at",
	}
}

func availableRow(id string, now time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(mockColumns()).AddRow(
		id, "linkedin", "scraper-1", "scraper@example.com", "c2VhbGVk", "AVAILABLE",
		nil, nil,
		0, nil, nil,
		0, nil,
		nil, nil, now, now,
	)
}

func TestClaimNextCredential(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM pool_credentials WHERE platform = .+ FOR UPDATE SKIP LOCKED`).
		WithArgs("linkedin", "AVAILABLE", now).
		WillReturnRows(availableRow("cred-1", now.Add(-time.Hour)))
	mock.ExpectExec(`UPDATE pool_credentials SET status = .+ WHERE id = \$1`).
		WithArgs("cred-1", "IN_USE", "session-7", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	claimed, err := store.ClaimNextCredential(context.Background(), credential.PlatformLinkedIn, "session-7", now)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.ID != "cred-1" {
		t.Fatalf("claimed id = %q, want cred-1", claimed.ID)
	}
	if claimed.Status != credential.StatusInUse {
		t.Fatalf("status = %s, want %s", claimed.Status, credential.StatusInUse)
	}
	if claimed.AssignedSessionID != "session-7" {
		t.Fatalf("assigned session = %q, want session-7", claimed.AssignedSessionID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestClaimNextCredentialExhausted(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FOR UPDATE SKIP LOCKED`).
		WithArgs("indeed", "AVAILABLE", now).
		WillReturnRows(sqlmock.NewRows(mockColumns()))
	mock.ExpectRollback()

	_, err := store.ClaimNextCredential(context.Background(), credential.PlatformIndeed, "session-1", now)
	if !errors.Is(err, credential.ErrPoolExhausted) {
		t.Fatalf("err = %v, want ErrPoolExhausted", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetCredentialNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .+ FROM pool_credentials WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(mockColumns()))

	_, err := store.GetCredential(context.Background(), "missing")
	if !errors.Is(err, credential.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestReclaimStaleConflict(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	before := now.Add(-time.Hour)

	mock.ExpectQuery(`UPDATE pool_credentials SET status = .+ RETURNING`).
		WithArgs("cred-1", "IN_USE", "FAILED", now, "assignment expired without a report", before).
		WillReturnRows(sqlmock.NewRows(mockColumns()))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("cred-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	_, err := store.ReclaimStale(context.Background(), "cred-1", before, "assignment expired without a report", now)
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestReclaimStaleNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	before := now.Add(-time.Hour)

	mock.ExpectQuery(`UPDATE pool_credentials SET status = .+ RETURNING`).
		WillReturnRows(sqlmock.NewRows(mockColumns()))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("gone").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	_, err := store.ReclaimStale(context.Background(), "gone", before, "assignment expired without a report", now)
	if !errors.Is(err, credential.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListCredentialsPaged(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT .+ FROM pool_credentials WHERE .+ ORDER BY created_at, id LIMIT \$3 OFFSET \$4`).
		WithArgs("linkedin", "", 5, 10).
		WillReturnRows(availableRow("cred-11", now))

	creds, err := store.ListCredentials(context.Background(), storage.CredentialFilter{
		Platform: credential.PlatformLinkedIn,
		Limit:    5,
		Offset:   10,
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(creds) != 1 || creds[0].ID != "cred-11" {
		t.Fatalf("creds = %+v, want single cred-11", creds)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestReleaseSuccessKeepsDisabled(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

	returned := sqlmock.NewRows(mockColumns()).AddRow(
		"cred-1", "linkedin", "scraper-1", "scraper@example.com", "c2VhbGVk", "DISABLED",
		nil, nil,
		0, nil, nil,
		1, now,
		nil, nil, now.Add(-24*time.Hour), now,
	)
	mock.ExpectQuery(`UPDATE pool_credentials SET status = CASE WHEN status = \$4 THEN status ELSE \$2 END`).
		WithArgs("cred-1", "AVAILABLE", now, "DISABLED").
		WillReturnRows(returned)

	cred, err := store.ReleaseSuccess(context.Background(), "cred-1", now)
	if err != nil {
		t.Fatalf("release success: %v", err)
	}
	if cred.Status != credential.StatusDisabled {
		t.Fatalf("status = %s, want %s", cred.Status, credential.StatusDisabled)
	}
	if cred.SuccessCount != 1 {
		t.Fatalf("success count = %d, want 1", cred.SuccessCount)
	}
}

func TestReleaseFailureEntersCooldown(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	until := now.Add(30 * time.Minute)

	returned := sqlmock.NewRows(mockColumns()).AddRow(
		"cred-1", "glassdoor", "scraper-2", "scraper@example.com", "c2VhbGVk", "COOLDOWN",
		nil, nil,
		3, now, "captcha challenge",
		5, now.Add(-time.Hour),
		until, nil, now.Add(-24*time.Hour), now,
	)
	mock.ExpectQuery(`UPDATE pool_credentials SET status = .+ RETURNING`).
		WithArgs("cred-1", "COOLDOWN", now, "captcha challenge", until, "DISABLED").
		WillReturnRows(returned)

	cred, err := store.ReleaseFailure(context.Background(), "cred-1", "captcha challenge", now, until)
	if err != nil {
		t.Fatalf("release failure: %v", err)
	}
	if cred.Status != credential.StatusCooldown {
		t.Fatalf("status = %s, want %s", cred.Status, credential.StatusCooldown)
	}
	if !cred.CooldownUntil.Equal(until) {
		t.Fatalf("cooldown until = %v, want %v", cred.CooldownUntil, until)
	}
}

func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	store := New(db)
	ctx := context.Background()
	now := time.Now().UTC()

	cred, err := store.CreateCredential(ctx, credential.Credential{
		Platform:        credential.PlatformLinkedIn,
		Name:            "integration",
		Email:           "integration@example.com",
		EncryptedSecret: "c2VhbGVk",
		Status:          credential.StatusAvailable,
	})
	if err != nil {
		t.Fatalf("create credential: %v", err)
	}
	defer func() {
		if err := store.DeleteCredential(ctx, cred.ID); err != nil {
			t.Errorf("cleanup: %v", err)
		}
	}()

	claimed, err := store.ClaimNextCredential(ctx, credential.PlatformLinkedIn, "it-session", now)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != credential.StatusInUse {
		t.Fatalf("status after claim = %s, want %s", claimed.Status, credential.StatusInUse)
	}

	failed, err := store.ReleaseFailure(ctx, claimed.ID, "rate limited", now, now.Add(-time.Second))
	if err != nil {
		t.Fatalf("release failure: %v", err)
	}
	if failed.Status != credential.StatusCooldown {
		t.Fatalf("status after failure = %s, want %s", failed.Status, credential.StatusCooldown)
	}

	recovered, err := store.FinishCooldown(ctx, claimed.ID, time.Now().UTC())
	if err != nil {
		t.Fatalf("finish cooldown: %v", err)
	}
	if recovered.Status != credential.StatusAvailable {
		t.Fatalf("status after cooldown = %s, want %s", recovered.Status, credential.StatusAvailable)
	}

	released, err := store.ReleaseSuccess(ctx, claimed.ID, time.Now().UTC())
	if err != nil {
		t.Fatalf("release success: %v", err)
	}
	if released.SuccessCount != 1 {
		t.Fatalf("success count = %d, want 1", released.SuccessCount)
	}

	stats, err := store.AggregateStats(ctx)
	if err != nil {
		t.Fatalf("aggregate stats: %v", err)
	}
	if len(stats) == 0 {
		t.Fatal("expected at least one platform in stats")
	}
}
