// Package hints labels outcomes that travel the error path without being
// failures: a mirror file that is already up to date, a watch event that only
// echoes our own write, a file of unknown encoding skipped by policy.
// Consumers count hints as skipped instead of failed without importing the
// producer's sentinels.
package hints

import "errors"

type hint struct {
	err error
}

func (h hint) Error() string { return h.err.Error() }

func (h hint) Unwrap() error { return h.err }

// New returns a hint with the given message.
func New(msg string) error {
	return hint{err: errors.New(msg)}
}

// Wrap marks err as a hint. A nil err stays nil.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return hint{err: err}
}

// IsHint reports whether err or any error it wraps is a hint.
func IsHint(err error) bool {
	var h hint
	return errors.As(err, &h)
}
