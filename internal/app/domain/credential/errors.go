package credential

import "errors"

// ErrNotFound is returned when a credential id does not exist.
var ErrNotFound = errors.New("credential not found")

// ErrPoolExhausted signals that no eligible credential exists for a platform
// right now. It is an expected condition, not a failure: callers should back
// off and retry.
var ErrPoolExhausted = errors.New("credential pool exhausted")

// ValidationError reports a request that does not fit the data model, such as
// a missing password for an email/password platform.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
