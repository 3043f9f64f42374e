package exchange

import (
	"time"

	"github.com/google/uuid"
	"github.com/raysh454/scoop/internal/httpmsg"
)

// Source tells intercepted exchanges apart from synthesized ones.
type Source int

const (
	SourceProxy Source = iota
	SourceGenerated
)

func (s Source) String() string {
	switch s {
	case SourceProxy:
		return "proxy"
	case SourceGenerated:
		return "generated"
	default:
		return "unknown"
	}
}

// HeaderField is re-exported for callers building generated exchanges.
type HeaderField = httpmsg.HeaderField

// DateLayout is the timestamp precision exchanges are created with and the
// form used wherever a date is part of a file name or record header.
const DateLayout = "2006-01-02T15:04:05.000Z07:00"

// Exchange is one HTTP transaction, captured or synthesized.
type Exchange interface {
	ID() string
	Date() time.Time
	IsEntryPoint() bool
	Source() Source
	URL() string
	Description() string

	HasRequest() bool
	HasResponse() bool

	// Request and Response return the structured views. Parse failures are
	// returned, not hidden.
	Request() (*Message, error)
	Response() (*Message, error)
}

// NewID returns a time-ordered unique identifier (UUIDv7).
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Now returns the current UTC time at exchange date precision.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// FormatDate renders t in DateLayout, in UTC.
func FormatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// ParseDate is the inverse of FormatDate.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
