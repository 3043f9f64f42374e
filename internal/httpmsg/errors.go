package httpmsg

import (
	"errors"
	"fmt"
)

var (
	// ErrIncomplete means the buffer ends before the message head does.
	ErrIncomplete = errors.New("incomplete message")
	// ErrMalformed means the start line or a header line cannot be understood.
	ErrMalformed = errors.New("malformed message")
	// ErrHeadTooLarge is returned by ReadHead when a head exceeds MaxHeadSize.
	ErrHeadTooLarge = errors.New("message head too large")
)

// ParseError describes why raw bytes could not be read as an HTTP message.
type ParseError struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("httpmsg: parse %s: %s", e.Kind, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

func malformed(kind Kind, format string, args ...any) error {
	return &ParseError{Kind: kind, Reason: fmt.Sprintf(format, args...), Err: ErrMalformed}
}

func incomplete(kind Kind, reason string) error {
	return &ParseError{Kind: kind, Reason: reason, Err: ErrIncomplete}
}
