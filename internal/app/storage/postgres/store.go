// Package postgres implements the credential store on PostgreSQL. Claiming
// relies on FOR UPDATE SKIP LOCKED so concurrent callers are routed to
// different rows instead of serializing on the same one.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jobsift/credpool/internal/app/domain/credential"
	"github.com/jobsift/credpool/internal/app/storage"
)

// Store implements storage.CredentialStore backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.CredentialStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

const credentialColumns = `
	id, platform, name, email, encrypted_secret, status,
	assigned_session_id, assigned_at,
	failure_count, last_failure_at, last_failure_message,
	success_count, last_success_at,
	cooldown_until, notes, created_at, updated_at`

type credentialRow struct {
	ID                 string         `db:"id"`
	Platform           string         `db:"platform"`
	Name               string         `db:"name"`
	Email              sql.NullString `db:"email"`
	EncryptedSecret    string         `db:"encrypted_secret"`
	Status             string         `db:"status"`
	AssignedSessionID  sql.NullString `db:"assigned_session_id"`
	AssignedAt         sql.NullTime   `db:"assigned_at"`
	FailureCount       int            `db:"failure_count"`
	LastFailureAt      sql.NullTime   `db:"last_failure_at"`
	LastFailureMessage sql.NullString `db:"last_failure_message"`
	SuccessCount       int            `db:"success_count"`
	LastSuccessAt      sql.NullTime   `db:"last_success_at"`
	CooldownUntil      sql.NullTime   `db:"cooldown_until"`
	Notes              sql.NullString `db:"notes"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
}

func (r credentialRow) toDomain() (credential.Credential, error) {
	status, err := credential.ParseStatus(r.Status)
	if err != nil {
		return credential.Credential{}, fmt.Errorf("credential %s: %w", r.ID, err)
	}
	platform, err := credential.ParsePlatform(r.Platform)
	if err != nil {
		return credential.Credential{}, fmt.Errorf("credential %s: %w", r.ID, err)
	}
	return credential.Credential{
		ID:                 r.ID,
		Platform:           platform,
		Name:               r.Name,
		Email:              r.Email.String,
		EncryptedSecret:    r.EncryptedSecret,
		Status:             status,
		AssignedSessionID:  r.AssignedSessionID.String,
		AssignedAt:         nullableTime(r.AssignedAt),
		FailureCount:       r.FailureCount,
		LastFailureAt:      nullableTime(r.LastFailureAt),
		LastFailureMessage: r.LastFailureMessage.String,
		SuccessCount:       r.SuccessCount,
		LastSuccessAt:      nullableTime(r.LastSuccessAt),
		CooldownUntil:      nullableTime(r.CooldownUntil),
		Notes:              r.Notes.String,
		CreatedAt:          r.CreatedAt.UTC(),
		UpdatedAt:          r.UpdatedAt.UTC(),
	}, nil
}

func (s *Store) CreateCredential(ctx context.Context, cred credential.Credential) (credential.Credential, error) {
	if cred.ID == "" {
		cred.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	cred.CreatedAt = now
	cred.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pool_credentials (
			id, platform, name, email, encrypted_secret, status,
			assigned_session_id, assigned_at,
			failure_count, last_failure_at, last_failure_message,
			success_count, last_success_at,
			cooldown_until, notes, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, cred.ID, cred.Platform, cred.Name, toNullString(cred.Email), cred.EncryptedSecret, cred.Status,
		toNullString(cred.AssignedSessionID), toNullTime(cred.AssignedAt),
		cred.FailureCount, toNullTime(cred.LastFailureAt), toNullString(cred.LastFailureMessage),
		cred.SuccessCount, toNullTime(cred.LastSuccessAt),
		toNullTime(cred.CooldownUntil), toNullString(cred.Notes), cred.CreatedAt, cred.UpdatedAt)
	if err != nil {
		return credential.Credential{}, err
	}
	return cred, nil
}

func (s *Store) UpdateCredential(ctx context.Context, cred credential.Credential) (credential.Credential, error) {
	existing, err := s.GetCredential(ctx, cred.ID)
	if err != nil {
		return credential.Credential{}, err
	}

	cred.Platform = existing.Platform // shape is immutable after creation
	cred.CreatedAt = existing.CreatedAt
	cred.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE pool_credentials
		SET name = $2, email = $3, encrypted_secret = $4, status = $5,
			assigned_session_id = $6, assigned_at = $7,
			failure_count = $8, last_failure_at = $9, last_failure_message = $10,
			success_count = $11, last_success_at = $12,
			cooldown_until = $13, notes = $14, updated_at = $15
		WHERE id = $1
	`, cred.ID, cred.Name, toNullString(cred.Email), cred.EncryptedSecret, cred.Status,
		toNullString(cred.AssignedSessionID), toNullTime(cred.AssignedAt),
		cred.FailureCount, toNullTime(cred.LastFailureAt), toNullString(cred.LastFailureMessage),
		cred.SuccessCount, toNullTime(cred.LastSuccessAt),
		toNullTime(cred.CooldownUntil), toNullString(cred.Notes), cred.UpdatedAt)
	if err != nil {
		return credential.Credential{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return credential.Credential{}, credential.ErrNotFound
	}
	return cred, nil
}

func (s *Store) GetCredential(ctx context.Context, id string) (credential.Credential, error) {
	var row credentialRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+credentialColumns+`
		FROM pool_credentials
		WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return credential.Credential{}, credential.ErrNotFound
	}
	if err != nil {
		return credential.Credential{}, err
	}
	return row.toDomain()
}

func (s *Store) ListCredentials(ctx context.Context, filter storage.CredentialFilter) ([]credential.Credential, error) {
	query := `
		SELECT ` + credentialColumns + `
		FROM pool_credentials
		WHERE ($1 = '' OR platform = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY created_at, id`
	args := []interface{}{string(filter.Platform), string(filter.Status)}
	if filter.Limit > 0 {
		query += `
		LIMIT $3 OFFSET $4`
		args = append(args, filter.Limit, filter.Offset)
	}

	var rows []credentialRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return rowsToDomain(rows)
}

func (s *Store) DeleteCredential(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM pool_credentials WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return credential.ErrNotFound
	}
	return nil
}

// ClaimNextCredential runs the select-and-claim inside one short transaction.
// SKIP LOCKED makes concurrent claimants pass over rows another transaction
// already holds, so N callers land on N distinct rows.
func (s *Store) ClaimNextCredential(ctx context.Context, platform credential.Platform, sessionID string, now time.Time) (credential.Credential, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return credential.Credential{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var row credentialRow
	err = tx.GetContext(ctx, &row, `
		SELECT `+credentialColumns+`
		FROM pool_credentials
		WHERE platform = $1
		  AND status = $2
		  AND (cooldown_until IS NULL OR cooldown_until <= $3)
		ORDER BY failure_count ASC, last_success_at ASC NULLS FIRST
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, platform, credential.StatusAvailable, now.UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return credential.Credential{}, credential.ErrPoolExhausted
	}
	if err != nil {
		return credential.Credential{}, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE pool_credentials
		SET status = $2, assigned_session_id = $3, assigned_at = $4,
			cooldown_until = NULL, updated_at = $4
		WHERE id = $1
	`, row.ID, credential.StatusInUse, sessionID, now.UTC())
	if err != nil {
		return credential.Credential{}, err
	}
	if err := tx.Commit(); err != nil {
		return credential.Credential{}, err
	}

	claimed, err := row.toDomain()
	if err != nil {
		return credential.Credential{}, err
	}
	claimed.Status = credential.StatusInUse
	claimed.AssignedSessionID = sessionID
	claimed.AssignedAt = now.UTC()
	claimed.CooldownUntil = time.Time{}
	claimed.UpdatedAt = now.UTC()
	return claimed, nil
}

// ReleaseSuccess never overrides an operator disable: a DISABLED row keeps
// its status and only records the success.
func (s *Store) ReleaseSuccess(ctx context.Context, id string, now time.Time) (credential.Credential, error) {
	var row credentialRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE pool_credentials
		SET status = CASE WHEN status = $4 THEN status ELSE $2 END,
			assigned_session_id = NULL, assigned_at = NULL,
			success_count = success_count + 1, last_success_at = $3, updated_at = $3
		WHERE id = $1
		RETURNING `+credentialColumns+`
	`, id, credential.StatusAvailable, now.UTC(), credential.StatusDisabled)
	if errors.Is(err, sql.ErrNoRows) {
		return credential.Credential{}, credential.ErrNotFound
	}
	if err != nil {
		return credential.Credential{}, err
	}
	return row.toDomain()
}

func (s *Store) ReleaseFailure(ctx context.Context, id, message string, now, cooldownUntil time.Time) (credential.Credential, error) {
	status := credential.StatusFailed
	if !cooldownUntil.IsZero() {
		status = credential.StatusCooldown
	}

	var row credentialRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE pool_credentials
		SET status = CASE WHEN status = $6 THEN status ELSE $2 END,
			assigned_session_id = NULL, assigned_at = NULL,
			failure_count = failure_count + 1, last_failure_at = $3, last_failure_message = $4,
			cooldown_until = CASE WHEN status = $6 THEN cooldown_until ELSE $5 END,
			updated_at = $3
		WHERE id = $1
		RETURNING `+credentialColumns+`
	`, id, status, now.UTC(), message, toNullTime(cooldownUntil), credential.StatusDisabled)
	if errors.Is(err, sql.ErrNoRows) {
		return credential.Credential{}, credential.ErrNotFound
	}
	if err != nil {
		return credential.Credential{}, err
	}
	return row.toDomain()
}

func (s *Store) ListStaleAssignments(ctx context.Context, before time.Time) ([]credential.Credential, error) {
	var rows []credentialRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+credentialColumns+`
		FROM pool_credentials
		WHERE status = $1 AND assigned_at < $2
		ORDER BY assigned_at
	`, credential.StatusInUse, before.UTC())
	if err != nil {
		return nil, err
	}
	return rowsToDomain(rows)
}

func (s *Store) ReclaimStale(ctx context.Context, id string, before time.Time, message string, now time.Time) (credential.Credential, error) {
	var row credentialRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE pool_credentials
		SET status = $3, assigned_session_id = NULL, assigned_at = NULL,
			failure_count = failure_count + 1, last_failure_at = $4, last_failure_message = $5,
			cooldown_until = NULL, updated_at = $4
		WHERE id = $1 AND status = $2 AND assigned_at < $6
		RETURNING `+credentialColumns+`
	`, id, credential.StatusInUse, credential.StatusFailed, now.UTC(), message, before.UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return credential.Credential{}, s.conflictOrNotFound(ctx, id)
	}
	if err != nil {
		return credential.Credential{}, err
	}
	return row.toDomain()
}

func (s *Store) ListExpiredCooldowns(ctx context.Context, now time.Time) ([]credential.Credential, error) {
	var rows []credentialRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+credentialColumns+`
		FROM pool_credentials
		WHERE status = $1 AND cooldown_until <= $2
		ORDER BY cooldown_until
	`, credential.StatusCooldown, now.UTC())
	if err != nil {
		return nil, err
	}
	return rowsToDomain(rows)
}

func (s *Store) FinishCooldown(ctx context.Context, id string, now time.Time) (credential.Credential, error) {
	var row credentialRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE pool_credentials
		SET status = $3, cooldown_until = NULL, updated_at = $4
		WHERE id = $1 AND status = $2 AND cooldown_until <= $4
		RETURNING `+credentialColumns+`
	`, id, credential.StatusCooldown, credential.StatusAvailable, now.UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return credential.Credential{}, s.conflictOrNotFound(ctx, id)
	}
	if err != nil {
		return credential.Credential{}, err
	}
	return row.toDomain()
}

func (s *Store) AggregateStats(ctx context.Context) ([]credential.PlatformStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT platform, status, COUNT(*),
			COALESCE(SUM(success_count), 0), COALESCE(SUM(failure_count), 0)
		FROM pool_credentials
		GROUP BY platform, status
		ORDER BY platform, status
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byPlatform := make(map[credential.Platform]*credential.PlatformStats)
	for rows.Next() {
		var (
			rawPlatform, rawStatus            string
			count, successTotal, failureTotal int
		)
		if err := rows.Scan(&rawPlatform, &rawStatus, &count, &successTotal, &failureTotal); err != nil {
			return nil, err
		}
		platform, err := credential.ParsePlatform(rawPlatform)
		if err != nil {
			return nil, err
		}
		status, err := credential.ParseStatus(rawStatus)
		if err != nil {
			return nil, err
		}

		stats, ok := byPlatform[platform]
		if !ok {
			stats = &credential.PlatformStats{
				Platform: platform,
				Counts:   make(map[credential.Status]int),
			}
			byPlatform[platform] = stats
		}
		stats.Counts[status] += count
		stats.SuccessTotal += successTotal
		stats.FailureTotal += failureTotal
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := make([]credential.PlatformStats, 0, len(byPlatform))
	for _, platform := range credential.Platforms() {
		if stats, ok := byPlatform[platform]; ok {
			result = append(result, *stats)
		}
	}
	return result, nil
}

// conflictOrNotFound disambiguates a zero-row conditional update: the row is
// either gone (not found) or no longer in the expected state (conflict).
func (s *Store) conflictOrNotFound(ctx context.Context, id string) error {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `
		SELECT EXISTS (SELECT 1 FROM pool_credentials WHERE id = $1)
	`, id)
	if err != nil {
		return err
	}
	if !exists {
		return credential.ErrNotFound
	}
	return storage.ErrConflict
}

func rowsToDomain(rows []credentialRow) ([]credential.Credential, error) {
	result := make([]credential.Credential, 0, len(rows))
	for _, row := range rows {
		cred, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, cred)
	}
	return result, nil
}

func toNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func toNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableTime(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}
