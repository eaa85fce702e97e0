// Package storage defines the persistence contracts for the credential pool.
// The credential table is the only shared mutable state in the system, so the
// operations that race across worker processes (claim, reclaim, cooldown
// finish) are part of the store contract and must be atomic per row.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jobsift/credpool/internal/app/domain/credential"
)

// ErrConflict is returned by conditional mutations when the row no longer
// satisfies the expected prior state, e.g. a stale reclaim racing a worker's
// own report. Callers treat it as "someone else got there first".
var ErrConflict = errors.New("credential state changed concurrently")

// CredentialFilter narrows and pages list queries. Zero values match
// everything; a Limit of zero or less returns all matching rows.
type CredentialFilter struct {
	Platform credential.Platform
	Status   credential.Status

	Limit  int
	Offset int
}

// CredentialStore persists credential records.
type CredentialStore interface {
	CreateCredential(ctx context.Context, cred credential.Credential) (credential.Credential, error)
	UpdateCredential(ctx context.Context, cred credential.Credential) (credential.Credential, error)
	GetCredential(ctx context.Context, id string) (credential.Credential, error)
	ListCredentials(ctx context.Context, filter CredentialFilter) ([]credential.Credential, error)
	DeleteCredential(ctx context.Context, id string) error

	// ClaimNextCredential atomically selects and claims the next eligible
	// credential for the platform: status AVAILABLE, cooldown elapsed,
	// ordered by failure count then least-recently-succeeded (never-used
	// first). A successful claim is acknowledged to exactly one caller per
	// row; concurrent callers are routed to different rows. Returns
	// credential.ErrPoolExhausted when no row is eligible.
	ClaimNextCredential(ctx context.Context, platform credential.Platform, sessionID string, now time.Time) (credential.Credential, error)

	// ReleaseSuccess clears the assignment, returns the credential to
	// AVAILABLE and records a success. It applies from any state except
	// DISABLED, so a late report after a reaper reclaim is a deliberate
	// last-writer-wins release but never overrides an operator disable;
	// a DISABLED credential keeps its status and only records the success.
	ReleaseSuccess(ctx context.Context, id string, now time.Time) (credential.Credential, error)

	// ReleaseFailure clears the assignment and records a failure. A zero
	// cooldownUntil marks the credential FAILED; otherwise it enters
	// COOLDOWN until the given instant. Like ReleaseSuccess it never
	// overrides DISABLED.
	ReleaseFailure(ctx context.Context, id, message string, now, cooldownUntil time.Time) (credential.Credential, error)

	// ListStaleAssignments returns credentials still IN_USE whose
	// assignment started before the cutoff.
	ListStaleAssignments(ctx context.Context, before time.Time) ([]credential.Credential, error)

	// ReclaimStale marks a single stale assignment FAILED, conditional on
	// the row still being IN_USE with assigned_at before the cutoff.
	// Returns ErrConflict when the condition no longer holds.
	ReclaimStale(ctx context.Context, id string, before time.Time, message string, now time.Time) (credential.Credential, error)

	// ListExpiredCooldowns returns credentials in COOLDOWN whose window has
	// elapsed.
	ListExpiredCooldowns(ctx context.Context, now time.Time) ([]credential.Credential, error)

	// FinishCooldown returns a single credential to AVAILABLE, conditional
	// on it still being in an elapsed COOLDOWN. Returns ErrConflict when
	// the condition no longer holds.
	FinishCooldown(ctx context.Context, id string, now time.Time) (credential.Credential, error)

	// AggregateStats reports per-platform status counts and cumulative
	// success/failure totals.
	AggregateStats(ctx context.Context) ([]credential.PlatformStats, error)
}
