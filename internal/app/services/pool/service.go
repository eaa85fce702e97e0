// Package pool implements the credential rotation pool: acquisition with
// exclusive assignment, usage reporting, and the admin lifecycle operations.
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jobsift/credpool/internal/app/domain/credential"
	"github.com/jobsift/credpool/internal/app/metrics"
	"github.com/jobsift/credpool/internal/app/services/secrets"
	"github.com/jobsift/credpool/internal/app/storage"
	"github.com/jobsift/credpool/pkg/logger"
)

// Assignment is a successful acquisition: the claimed credential plus its
// decrypted secret. The secret never leaves the process except through this
// value.
type Assignment struct {
	Credential credential.Credential
	Secret     []byte
}

// Service manages the credential pool.
type Service struct {
	store  storage.CredentialStore
	cipher secrets.Cipher
	log    *logger.Logger
	now    func() time.Time
}

// New constructs a pool service.
func New(store storage.CredentialStore, cipher secrets.Cipher, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("pool")
	}
	return &Service{
		store:  store,
		cipher: cipher,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the service clock. Intended for tests.
func (s *Service) WithClock(now func() time.Time) {
	s.now = now
}

// Acquire claims the next eligible credential for the platform and hands the
// decrypted secret to the requesting session. When the claimed secret cannot
// be decrypted the credential is failed in place so the pool does not keep
// handing out a broken record.
func (s *Service) Acquire(ctx context.Context, rawPlatform, sessionID string) (Assignment, error) {
	platform, err := credential.ParsePlatform(rawPlatform)
	if err != nil {
		return Assignment{}, err
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Assignment{}, &credential.ValidationError{Field: "session_id", Reason: "session_id is required"}
	}

	now := s.now()
	claimed, err := s.store.ClaimNextCredential(ctx, platform, sessionID, now)
	if err != nil {
		if errors.Is(err, credential.ErrPoolExhausted) {
			metrics.RecordAcquire(string(platform), "exhausted")
			s.log.WithField("platform", platform).
				WithField("session_id", sessionID).
				Info("credential pool exhausted")
		}
		return Assignment{}, err
	}

	secret, err := s.cipher.Decrypt(claimed.EncryptedSecret)
	if err != nil {
		if _, failErr := s.store.ReleaseFailure(ctx, claimed.ID, "secret decryption failed", s.now(), time.Time{}); failErr != nil {
			s.log.WithError(failErr).
				WithField("credential_id", claimed.ID).
				Error("fail undecryptable credential")
		}
		s.log.WithError(err).
			WithField("credential_id", claimed.ID).
			Error("decrypt claimed secret")
		return Assignment{}, err
	}

	metrics.RecordAcquire(string(platform), "acquired")
	s.log.WithField("credential_id", claimed.ID).
		WithField("platform", platform).
		WithField("session_id", sessionID).
		Info("credential acquired")
	return Assignment{Credential: claimed, Secret: secret}, nil
}

// ReportSuccess releases the credential back to the pool and records a
// success. A late report that lands after a reaper reclaim deliberately wins;
// the one state a report never overrides is DISABLED.
func (s *Service) ReportSuccess(ctx context.Context, id string) (credential.Credential, error) {
	cred, err := s.store.ReleaseSuccess(ctx, id, s.now())
	if err != nil {
		return credential.Credential{}, err
	}
	metrics.RecordReport(string(cred.Platform), "success")
	s.log.WithField("credential_id", cred.ID).
		WithField("platform", cred.Platform).
		Info("credential released after success")
	return cred, nil
}

// ReportFailure records a failed session. With a positive cooldown the
// credential rests until the window elapses; without one it trips to FAILED
// and stays out of rotation until an operator resets it. A DISABLED
// credential records the failure but keeps its status.
func (s *Service) ReportFailure(ctx context.Context, id, message string, cooldown time.Duration) (credential.Credential, error) {
	if cooldown < 0 {
		return credential.Credential{}, &credential.ValidationError{Field: "cooldown", Reason: "cooldown must not be negative"}
	}
	message = strings.TrimSpace(message)
	if message == "" {
		message = "unspecified failure"
	}

	now := s.now()
	var cooldownUntil time.Time
	outcome := "failure"
	if cooldown > 0 {
		cooldownUntil = now.Add(cooldown)
		outcome = "cooldown"
	}

	cred, err := s.store.ReleaseFailure(ctx, id, message, now, cooldownUntil)
	if err != nil {
		return credential.Credential{}, err
	}
	metrics.RecordReport(string(cred.Platform), outcome)
	s.log.WithField("credential_id", cred.ID).
		WithField("platform", cred.Platform).
		WithField("status", cred.Status).
		WithField("message", message).
		Info("credential released after failure")
	return cred, nil
}

// CreatePassword registers an email/password credential for a password-shape
// platform.
func (s *Service) CreatePassword(ctx context.Context, rawPlatform, name, email, password, notes string) (credential.Credential, error) {
	platform, err := credential.ParsePlatform(rawPlatform)
	if err != nil {
		return credential.Credential{}, err
	}
	if platform.Shape() != credential.ShapePassword {
		return credential.Credential{}, &credential.ValidationError{Field: "platform", Reason: "platform " + string(platform) + " uses session secrets, not passwords"}
	}
	if strings.TrimSpace(password) == "" {
		return credential.Credential{}, &credential.ValidationError{Field: "password", Reason: "password is required"}
	}
	return s.create(ctx, credential.Credential{
		Platform: platform,
		Name:     strings.TrimSpace(name),
		Email:    strings.TrimSpace(email),
		Notes:    strings.TrimSpace(notes),
	}, []byte(password))
}

// CreateSession registers a session-blob credential for a session-shape
// platform. The blob must be valid JSON, typically exported cookies.
func (s *Service) CreateSession(ctx context.Context, rawPlatform, name, sessionJSON, notes string) (credential.Credential, error) {
	platform, err := credential.ParsePlatform(rawPlatform)
	if err != nil {
		return credential.Credential{}, err
	}
	if platform.Shape() != credential.ShapeSession {
		return credential.Credential{}, &credential.ValidationError{Field: "platform", Reason: "platform " + string(platform) + " uses password secrets, not session blobs"}
	}
	if !json.Valid([]byte(sessionJSON)) {
		return credential.Credential{}, &credential.ValidationError{Field: "session", Reason: "session blob must be valid JSON"}
	}
	return s.create(ctx, credential.Credential{
		Platform: platform,
		Name:     strings.TrimSpace(name),
		Notes:    strings.TrimSpace(notes),
	}, []byte(sessionJSON))
}

func (s *Service) create(ctx context.Context, cred credential.Credential, secret []byte) (credential.Credential, error) {
	sealed, err := s.cipher.Encrypt(secret)
	if err != nil {
		return credential.Credential{}, err
	}
	cred.EncryptedSecret = sealed
	cred.Status = credential.StatusAvailable

	if err := cred.Validate(); err != nil {
		return credential.Credential{}, err
	}

	created, err := s.store.CreateCredential(ctx, cred)
	if err != nil {
		return credential.Credential{}, err
	}
	s.log.WithField("credential_id", created.ID).
		WithField("platform", created.Platform).
		Info("credential created")
	return created, nil
}

// Update changes mutable metadata and optionally rotates the secret. Nil
// pointers leave the corresponding field untouched; the platform and its
// secret shape cannot change.
func (s *Service) Update(ctx context.Context, id string, name, email, notes, secret *string) (credential.Credential, error) {
	cred, err := s.store.GetCredential(ctx, id)
	if err != nil {
		return credential.Credential{}, err
	}

	if name != nil {
		cred.Name = strings.TrimSpace(*name)
	}
	if email != nil {
		cred.Email = strings.TrimSpace(*email)
	}
	if notes != nil {
		cred.Notes = strings.TrimSpace(*notes)
	}
	if secret != nil {
		if cred.Shape() == credential.ShapeSession && !json.Valid([]byte(*secret)) {
			return credential.Credential{}, &credential.ValidationError{Field: "session", Reason: "session blob must be valid JSON"}
		}
		if cred.Shape() == credential.ShapePassword && strings.TrimSpace(*secret) == "" {
			return credential.Credential{}, &credential.ValidationError{Field: "password", Reason: "password is required"}
		}
		sealed, err := s.cipher.Encrypt([]byte(*secret))
		if err != nil {
			return credential.Credential{}, err
		}
		cred.EncryptedSecret = sealed
	}

	if err := cred.Validate(); err != nil {
		return credential.Credential{}, err
	}

	updated, err := s.store.UpdateCredential(ctx, cred)
	if err != nil {
		return credential.Credential{}, err
	}
	s.log.WithField("credential_id", updated.ID).Info("credential updated")
	return updated, nil
}

// Delete removes a credential permanently.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteCredential(ctx, id); err != nil {
		return err
	}
	s.log.WithField("credential_id", id).Info("credential deleted")
	return nil
}

// Get retrieves a single credential.
func (s *Service) Get(ctx context.Context, id string) (credential.Credential, error) {
	return s.store.GetCredential(ctx, id)
}

// DefaultListLimit caps a page of credentials when the caller does not pick a
// size; MaxListLimit is the hard ceiling.
const (
	DefaultListLimit = 100
	MaxListLimit     = 500
)

// List returns one page of credentials, optionally filtered by platform and
// status. Pages are 1-based; a non-positive limit selects the default page
// size.
func (s *Service) List(ctx context.Context, rawPlatform, rawStatus string, page, limit int) ([]credential.Credential, error) {
	var filter storage.CredentialFilter
	if strings.TrimSpace(rawPlatform) != "" {
		platform, err := credential.ParsePlatform(rawPlatform)
		if err != nil {
			return nil, err
		}
		filter.Platform = platform
	}
	if strings.TrimSpace(rawStatus) != "" {
		status, err := credential.ParseStatus(rawStatus)
		if err != nil {
			return nil, err
		}
		filter.Status = status
	}

	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if page <= 0 {
		page = 1
	}
	filter.Limit = limit
	filter.Offset = (page - 1) * limit

	return s.store.ListCredentials(ctx, filter)
}

// Reset returns a credential to AVAILABLE and zeroes its failure tracking.
// This is the operator escape hatch for FAILED records.
func (s *Service) Reset(ctx context.Context, id string) (credential.Credential, error) {
	cred, err := s.store.GetCredential(ctx, id)
	if err != nil {
		return credential.Credential{}, err
	}

	cred.Status = credential.StatusAvailable
	cred.AssignedSessionID = ""
	cred.AssignedAt = time.Time{}
	cred.FailureCount = 0
	cred.LastFailureAt = time.Time{}
	cred.LastFailureMessage = ""
	cred.CooldownUntil = time.Time{}

	updated, err := s.store.UpdateCredential(ctx, cred)
	if err != nil {
		return credential.Credential{}, err
	}
	s.log.WithField("credential_id", updated.ID).Info("credential reset")
	return updated, nil
}

// Disable takes a credential out of rotation from any state.
func (s *Service) Disable(ctx context.Context, id string) (credential.Credential, error) {
	cred, err := s.store.GetCredential(ctx, id)
	if err != nil {
		return credential.Credential{}, err
	}

	cred.Status = credential.StatusDisabled
	cred.AssignedSessionID = ""
	cred.AssignedAt = time.Time{}
	cred.CooldownUntil = time.Time{}

	updated, err := s.store.UpdateCredential(ctx, cred)
	if err != nil {
		return credential.Credential{}, err
	}
	s.log.WithField("credential_id", updated.ID).Info("credential disabled")
	return updated, nil
}

// Enable forces a credential back to AVAILABLE from any state. Failure
// counters and the last failure message are kept; use Reset to clear them.
func (s *Service) Enable(ctx context.Context, id string) (credential.Credential, error) {
	cred, err := s.store.GetCredential(ctx, id)
	if err != nil {
		return credential.Credential{}, err
	}

	cred.Status = credential.StatusAvailable
	cred.AssignedSessionID = ""
	cred.AssignedAt = time.Time{}
	cred.CooldownUntil = time.Time{}

	updated, err := s.store.UpdateCredential(ctx, cred)
	if err != nil {
		return credential.Credential{}, err
	}
	s.log.WithField("credential_id", updated.ID).Info("credential enabled")
	return updated, nil
}

// Stats returns per-platform pool statistics.
func (s *Service) Stats(ctx context.Context) ([]credential.PlatformStats, error) {
	return s.store.AggregateStats(ctx)
}

// DecryptSecret opens a credential's stored secret. Used by the admin API
// when an operator explicitly requests secrets.
func (s *Service) DecryptSecret(cred credential.Credential) ([]byte, error) {
	return s.cipher.Decrypt(cred.EncryptedSecret)
}
