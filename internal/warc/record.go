// Package warc writes and reads WARC 1.1 files.
package warc

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/raysh454/scoop/internal/httpmsg"
)

const Version = "WARC/1.1"

// Record types written by this package.
const (
	TypeWarcinfo = "warcinfo"
	TypeRequest  = "request"
	TypeResponse = "response"
)

// Header names beyond the WARC standard set.
const (
	HeaderExchangeID  = "exchange-id"
	HeaderDescription = "description"
)

var ErrMalformedRecord = errors.New("warc: malformed record")

// Field is one named header of a record.
type Field struct {
	Name  string
	Value string
}

// Record is a WARC record. Offset and Length locate it inside the file it
// was read from (compressed bytes for gzip files); they are zero for records
// built in memory.
type Record struct {
	Version string
	Fields  []Field
	Block   []byte

	Offset int64
	Length int64
}

// NewRecord starts a record of the given type with a fresh record ID.
func NewRecord(recordType string, date time.Time) *Record {
	r := &Record{Version: Version}
	r.Set("WARC-Type", recordType)
	r.Set("WARC-Record-ID", NewRecordID())
	r.Set("WARC-Date", date.UTC().Format("2006-01-02T15:04:05.000Z"))
	return r
}

// NewRecordID returns a record identifier in <urn:uuid:...> form.
func NewRecordID() string {
	return "<urn:uuid:" + uuid.NewString() + ">"
}

// Set replaces the first field called name, or appends it.
func (r *Record) Set(name, value string) {
	for i := range r.Fields {
		if strings.EqualFold(r.Fields[i].Name, name) {
			r.Fields[i].Value = value
			return
		}
	}
	r.Fields = append(r.Fields, Field{Name: name, Value: value})
}

// Header returns the value of the first field called name.
func (r *Record) Header(name string) string {
	for _, f := range r.Fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

func (r *Record) Type() string       { return r.Header("WARC-Type") }
func (r *Record) ID() string         { return r.Header("WARC-Record-ID") }
func (r *Record) TargetURI() string  { return r.Header("WARC-Target-URI") }
func (r *Record) ExchangeID() string { return r.Header(HeaderExchangeID) }

// Date parses WARC-Date. Both second and sub-second precision are accepted.
func (r *Record) Date() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, r.Header("WARC-Date"))
}

// IsHTTP reports whether the block is an HTTP message.
func (r *Record) IsHTTP() bool {
	return strings.HasPrefix(strings.ToLower(r.Header("Content-Type")), "application/http")
}

// HTTPPayload returns the entity body of an HTTP block: everything after
// the head. It is nil for non-HTTP records or when no head boundary exists.
func (r *Record) HTTPPayload() []byte {
	if !r.IsHTTP() {
		return nil
	}
	_, bodyStart, ok := httpmsg.HeadBoundary(r.Block)
	if !ok {
		return nil
	}
	return r.Block[bodyStart:]
}

// Marshal renders the record with a Content-Length matching its block.
func (r *Record) Marshal() []byte {
	var buf bytes.Buffer
	version := r.Version
	if version == "" {
		version = Version
	}
	buf.WriteString(version)
	buf.WriteString("\r\n")
	for _, f := range r.Fields {
		if strings.EqualFold(f.Name, "Content-Length") {
			continue
		}
		buf.WriteString(f.Name)
		buf.WriteString(": ")
		buf.WriteString(f.Value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("Content-Length: ")
	buf.WriteString(strconv.Itoa(len(r.Block)))
	buf.WriteString("\r\n\r\n")
	buf.Write(r.Block)
	buf.WriteString("\r\n\r\n")
	return buf.Bytes()
}

// parseRecord reads one uncompressed record from the start of b and returns
// it with the number of bytes consumed.
func parseRecord(b []byte) (*Record, int, error) {
	headEnd := bytes.Index(b, []byte("\r\n\r\n"))
	if headEnd < 0 {
		return nil, 0, fmt.Errorf("%w: no header terminator", ErrMalformedRecord)
	}
	lines := strings.Split(string(b[:headEnd]), "\r\n")
	if !strings.HasPrefix(lines[0], "WARC/") {
		return nil, 0, fmt.Errorf("%w: bad version line %q", ErrMalformedRecord, lines[0])
	}
	r := &Record{Version: lines[0]}
	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, 0, fmt.Errorf("%w: bad header line %q", ErrMalformedRecord, line)
		}
		r.Fields = append(r.Fields, Field{Name: strings.TrimSpace(name), Value: strings.TrimSpace(value)})
	}

	n, err := strconv.Atoi(r.Header("Content-Length"))
	if err != nil || n < 0 {
		return nil, 0, fmt.Errorf("%w: bad Content-Length %q", ErrMalformedRecord, r.Header("Content-Length"))
	}
	start := headEnd + 4
	if len(b)-start < n {
		return nil, 0, fmt.Errorf("%w: block truncated", ErrMalformedRecord)
	}
	r.Block = b[start : start+n]
	end := start + n
	if !bytes.HasPrefix(b[end:], []byte("\r\n\r\n")) {
		return nil, 0, fmt.Errorf("%w: missing record terminator", ErrMalformedRecord)
	}
	return r, end + 4, nil
}
