// Package memory provides an in-memory CredentialStore. It is safe for
// concurrent use and is primarily intended for tests and local development;
// the claim path serializes on a mutex, which stands in for the row locking a
// real store provides.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jobsift/credpool/internal/app/domain/credential"
	"github.com/jobsift/credpool/internal/app/storage"
)

// Store is an in-memory implementation of storage.CredentialStore.
type Store struct {
	mu          sync.RWMutex
	nextID      int64
	credentials map[string]credential.Credential
}

var _ storage.CredentialStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:      1,
		credentials: make(map[string]credential.Credential),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

func (s *Store) CreateCredential(_ context.Context, cred credential.Credential) (credential.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cred.ID == "" {
		cred.ID = s.nextIDLocked()
	} else if _, exists := s.credentials[cred.ID]; exists {
		return credential.Credential{}, fmt.Errorf("credential %s already exists", cred.ID)
	}

	now := time.Now().UTC()
	cred.CreatedAt = now
	cred.UpdatedAt = now

	s.credentials[cred.ID] = cred
	return cred, nil
}

func (s *Store) UpdateCredential(_ context.Context, cred credential.Credential) (credential.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.credentials[cred.ID]
	if !ok {
		return credential.Credential{}, credential.ErrNotFound
	}

	cred.Platform = original.Platform // shape is immutable after creation
	cred.CreatedAt = original.CreatedAt
	cred.UpdatedAt = time.Now().UTC()

	s.credentials[cred.ID] = cred
	return cred, nil
}

func (s *Store) GetCredential(_ context.Context, id string) (credential.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.credentials[id]
	if !ok {
		return credential.Credential{}, credential.ErrNotFound
	}
	return cred, nil
}

func (s *Store) ListCredentials(_ context.Context, filter storage.CredentialFilter) ([]credential.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]credential.Credential, 0, len(s.credentials))
	for _, cred := range s.credentials {
		if filter.Platform != "" && cred.Platform != filter.Platform {
			continue
		}
		if filter.Status != "" && cred.Status != filter.Status {
			continue
		}
		result = append(result, cred)
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []credential.Credential{}, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *Store) DeleteCredential(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.credentials[id]; !ok {
		return credential.ErrNotFound
	}
	delete(s.credentials, id)
	return nil
}

func (s *Store) ClaimNextCredential(_ context.Context, platform credential.Platform, sessionID string, now time.Time) (credential.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []credential.Credential
	for _, cred := range s.credentials {
		if cred.Platform == platform && cred.Eligible(now) {
			candidates = append(candidates, cred)
		}
	}
	if len(candidates) == 0 {
		return credential.Credential{}, credential.ErrPoolExhausted
	}

	// Least failures first, then least-recently-succeeded with never-used
	// (zero time) before everything else.
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.FailureCount != b.FailureCount {
			return a.FailureCount < b.FailureCount
		}
		if a.LastSuccessAt.IsZero() != b.LastSuccessAt.IsZero() {
			return a.LastSuccessAt.IsZero()
		}
		return a.LastSuccessAt.Before(b.LastSuccessAt)
	})

	claimed := candidates[0]
	claimed.Status = credential.StatusInUse
	claimed.AssignedSessionID = sessionID
	claimed.AssignedAt = now.UTC()
	claimed.CooldownUntil = time.Time{}
	claimed.UpdatedAt = now.UTC()

	s.credentials[claimed.ID] = claimed
	return claimed, nil
}

func (s *Store) ReleaseSuccess(_ context.Context, id string, now time.Time) (credential.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.credentials[id]
	if !ok {
		return credential.Credential{}, credential.ErrNotFound
	}

	if cred.Status != credential.StatusDisabled {
		cred.Status = credential.StatusAvailable
	}
	cred.AssignedSessionID = ""
	cred.AssignedAt = time.Time{}
	cred.SuccessCount++
	cred.LastSuccessAt = now.UTC()
	cred.UpdatedAt = now.UTC()

	s.credentials[id] = cred
	return cred, nil
}

func (s *Store) ReleaseFailure(_ context.Context, id, message string, now, cooldownUntil time.Time) (credential.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.credentials[id]
	if !ok {
		return credential.Credential{}, credential.ErrNotFound
	}

	cred.AssignedSessionID = ""
	cred.AssignedAt = time.Time{}
	cred.FailureCount++
	cred.LastFailureAt = now.UTC()
	cred.LastFailureMessage = message
	if cred.Status != credential.StatusDisabled {
		if cooldownUntil.IsZero() {
			cred.Status = credential.StatusFailed
			cred.CooldownUntil = time.Time{}
		} else {
			cred.Status = credential.StatusCooldown
			cred.CooldownUntil = cooldownUntil.UTC()
		}
	}
	cred.UpdatedAt = now.UTC()

	s.credentials[id] = cred
	return cred, nil
}

func (s *Store) ListStaleAssignments(_ context.Context, before time.Time) ([]credential.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []credential.Credential
	for _, cred := range s.credentials {
		if cred.Status == credential.StatusInUse && cred.AssignedAt.Before(before) {
			result = append(result, cred)
		}
	}
	return result, nil
}

func (s *Store) ReclaimStale(_ context.Context, id string, before time.Time, message string, now time.Time) (credential.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.credentials[id]
	if !ok {
		return credential.Credential{}, credential.ErrNotFound
	}
	if cred.Status != credential.StatusInUse || !cred.AssignedAt.Before(before) {
		return credential.Credential{}, storage.ErrConflict
	}

	cred.Status = credential.StatusFailed
	cred.AssignedSessionID = ""
	cred.AssignedAt = time.Time{}
	cred.FailureCount++
	cred.LastFailureAt = now.UTC()
	cred.LastFailureMessage = message
	cred.CooldownUntil = time.Time{}
	cred.UpdatedAt = now.UTC()

	s.credentials[id] = cred
	return cred, nil
}

func (s *Store) ListExpiredCooldowns(_ context.Context, now time.Time) ([]credential.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []credential.Credential
	for _, cred := range s.credentials {
		if cred.Status == credential.StatusCooldown && !cred.CooldownUntil.After(now) {
			result = append(result, cred)
		}
	}
	return result, nil
}

func (s *Store) FinishCooldown(_ context.Context, id string, now time.Time) (credential.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.credentials[id]
	if !ok {
		return credential.Credential{}, credential.ErrNotFound
	}
	if cred.Status != credential.StatusCooldown || cred.CooldownUntil.After(now) {
		return credential.Credential{}, storage.ErrConflict
	}

	cred.Status = credential.StatusAvailable
	cred.CooldownUntil = time.Time{}
	cred.UpdatedAt = now.UTC()

	s.credentials[id] = cred
	return cred, nil
}

func (s *Store) AggregateStats(_ context.Context) ([]credential.PlatformStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byPlatform := make(map[credential.Platform]*credential.PlatformStats)
	for _, cred := range s.credentials {
		stats, ok := byPlatform[cred.Platform]
		if !ok {
			stats = &credential.PlatformStats{
				Platform: cred.Platform,
				Counts:   make(map[credential.Status]int),
			}
			byPlatform[cred.Platform] = stats
		}
		stats.Counts[cred.Status]++
		stats.SuccessTotal += cred.SuccessCount
		stats.FailureTotal += cred.FailureCount
	}

	result := make([]credential.PlatformStats, 0, len(byPlatform))
	for _, platform := range credential.Platforms() {
		if stats, ok := byPlatform[platform]; ok {
			result = append(result, *stats)
		}
	}
	return result, nil
}
