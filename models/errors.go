package models

import "github.com/pkg/errors"

// Error taxonomy. Wrap with errors.Wrap/Wrapf and test with errors.Is.
var (
	ErrValidation     = errors.New("validation failed")
	ErrAuthorization  = errors.New("not authorized")
	ErrAuthentication = errors.New("authentication failed")
	ErrConflict       = errors.New("conflict")
	ErrNotFound       = errors.New("not found")
	ErrTransient      = errors.New("transient infrastructure failure")
)

// Permanent reports whether retrying the operation that produced err can
// never succeed.
func Permanent(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrValidation)
}
