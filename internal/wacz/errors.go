package wacz

import (
	"errors"
	"fmt"
)

// ErrNoWARC is returned when an archive carries no WARC file under archive/.
var ErrNoWARC = errors.New("wacz: no WARC file under archive/")

// ValidationError reports a file whose content does not match what its
// location in the archive requires.
type ValidationError struct {
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("wacz: invalid %s: %s", e.Path, e.Reason)
}

// IncompleteArchiveError is returned by Finalize when a required part of the
// archive was never added.
type IncompleteArchiveError struct {
	Missing string
}

func (e *IncompleteArchiveError) Error() string {
	return "wacz: incomplete archive: missing " + e.Missing
}

// SigningError reports a failed signing request or a signing response that
// does not have the expected shape.
type SigningError struct {
	Reason string
	Err    error
}

func (e *SigningError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("wacz: signing failed: %s: %v", e.Reason, e.Err)
	}
	return "wacz: signing failed: " + e.Reason
}

func (e *SigningError) Unwrap() error { return e.Err }
