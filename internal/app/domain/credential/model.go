// Package credential defines the credential pool's core entity: a shared
// third-party platform login handed out to one scraper session at a time.
package credential

import (
	"fmt"
	"strings"
	"time"
)

// Platform identifies a supported scraping target. The set is closed; each
// platform has exactly one secret shape, fixed at creation.
type Platform string

const (
	PlatformLinkedIn  Platform = "linkedin"
	PlatformGlassdoor Platform = "glassdoor"
	PlatformIndeed    Platform = "indeed"
)

// Shape describes what kind of secret a credential carries.
type Shape string

const (
	// ShapePassword credentials authenticate with an email and password.
	ShapePassword Shape = "password"
	// ShapeSession credentials carry an opaque JSON document, typically
	// exported session cookies or tokens.
	ShapeSession Shape = "session"
)

// platformShapes pins the secret shape per platform (invariant: immutable
// after creation).
var platformShapes = map[Platform]Shape{
	PlatformLinkedIn:  ShapePassword,
	PlatformGlassdoor: ShapePassword,
	PlatformIndeed:    ShapeSession,
}

// ParsePlatform validates a platform string from an external boundary.
func ParsePlatform(raw string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := platformShapes[p]; !ok {
		return "", &ValidationError{Field: "platform", Reason: fmt.Sprintf("unsupported platform %q", raw)}
	}
	return p, nil
}

// Shape returns the secret shape for the platform.
func (p Platform) Shape() Shape {
	return platformShapes[p]
}

// Platforms returns all supported platforms in a stable order.
func Platforms() []Platform {
	return []Platform{PlatformLinkedIn, PlatformGlassdoor, PlatformIndeed}
}

// Status is the credential lifecycle state. Exactly one holds at any time.
type Status string

const (
	StatusAvailable Status = "AVAILABLE"
	StatusInUse     Status = "IN_USE"
	StatusFailed    Status = "FAILED"
	StatusDisabled  Status = "DISABLED"
	StatusCooldown  Status = "COOLDOWN"
)

// ParseStatus validates a status string read from a store or request.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	switch s {
	case StatusAvailable, StatusInUse, StatusFailed, StatusDisabled, StatusCooldown:
		return s, nil
	}
	return "", &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", raw)}
}

// Statuses returns all lifecycle states in a stable order.
func Statuses() []Status {
	return []Status{StatusAvailable, StatusInUse, StatusFailed, StatusDisabled, StatusCooldown}
}

// Credential is one platform login identity. The secret is stored encrypted;
// zero time values and empty strings represent unset optional fields.
type Credential struct {
	ID              string
	Platform        Platform
	Name            string
	Email           string // password shape only
	EncryptedSecret string
	Status          Status

	AssignedSessionID string
	AssignedAt        time.Time

	FailureCount       int
	LastFailureAt      time.Time
	LastFailureMessage string

	SuccessCount  int
	LastSuccessAt time.Time

	CooldownUntil time.Time

	Notes     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Shape returns the credential's secret shape, derived from its platform.
func (c Credential) Shape() Shape {
	return c.Platform.Shape()
}

// InCooldown reports whether the credential is inside an active cooldown
// window at the given instant.
func (c Credential) InCooldown(now time.Time) bool {
	return !c.CooldownUntil.IsZero() && c.CooldownUntil.After(now)
}

// Eligible reports whether the credential may be handed out at the given
// instant.
func (c Credential) Eligible(now time.Time) bool {
	return c.Status == StatusAvailable && !c.InCooldown(now)
}

// Validate checks structural invariants before the credential is persisted.
func (c Credential) Validate() error {
	if _, err := ParsePlatform(string(c.Platform)); err != nil {
		return err
	}
	if strings.TrimSpace(c.Name) == "" {
		return &ValidationError{Field: "name", Reason: "name is required"}
	}
	switch c.Shape() {
	case ShapePassword:
		if strings.TrimSpace(c.Email) == "" {
			return &ValidationError{Field: "email", Reason: fmt.Sprintf("platform %s requires an email", c.Platform)}
		}
	case ShapeSession:
		if strings.TrimSpace(c.Email) != "" {
			return &ValidationError{Field: "email", Reason: fmt.Sprintf("platform %s does not use an email", c.Platform)}
		}
	}
	if c.EncryptedSecret == "" {
		return &ValidationError{Field: "secret", Reason: "secret is required"}
	}
	return nil
}
