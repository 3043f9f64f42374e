package exchange

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/raysh454/scoop/internal/httpmsg"
)

// Headers is an ordered header set in which repeated names are merged: the
// name keeps its first position and takes its last value.
type Headers struct {
	fields []HeaderField
}

// NewHeaders merges wire-order fields.
func NewHeaders(fields []HeaderField) Headers {
	var h Headers
	for _, f := range fields {
		h.Set(f.Name, f.Value)
	}
	return h
}

// Set replaces the value of name, or appends it when absent.
func (h *Headers) Set(name, value string) {
	for i := range h.fields {
		if strings.EqualFold(h.fields[i].Name, name) {
			h.fields[i].Value = value
			return
		}
	}
	h.fields = append(h.fields, HeaderField{Name: name, Value: value})
}

// Del removes name.
func (h *Headers) Del(name string) {
	out := make([]HeaderField, 0, len(h.fields))
	for _, f := range h.fields {
		if !strings.EqualFold(f.Name, name) {
			out = append(out, f)
		}
	}
	h.fields = out
}

func (h Headers) Get(name string) string {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

func (h Headers) Has(name string) bool {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

func (h Headers) Len() int { return len(h.fields) }

// Fields returns a copy of the merged fields in order.
func (h Headers) Fields() []HeaderField {
	return append([]HeaderField(nil), h.fields...)
}

// Flat returns the merged headers keyed by their original name.
func (h Headers) Flat() map[string]string {
	out := make(map[string]string, len(h.fields))
	for _, f := range h.fields {
		out[f.Name] = f.Value
	}
	return out
}

// Message is the structured view of a request or response.
type Message struct {
	StartLine string

	Method string
	Target string

	StatusCode    int
	StatusMessage string

	VersionMajor int
	VersionMinor int

	Headers Headers

	// Body is the payload with transfer coding removed.
	Body []byte
	// CombinedBody is the body as it crossed the wire. It aliases Body
	// when the two are identical.
	CombinedBody []byte
	// Chunked reports that CombinedBody carried chunked transfer coding.
	Chunked bool
}

// IsRequest reports whether m was parsed from a request.
func (m *Message) IsRequest() bool { return m.Method != "" }

// Head serializes the start line and merged headers followed by a blank line.
func (m *Message) Head() []byte {
	var buf bytes.Buffer
	buf.WriteString(m.StartLine)
	buf.WriteString("\r\n")
	for _, f := range m.Headers.fields {
		buf.WriteString(f.Name)
		buf.WriteString(": ")
		buf.WriteString(f.Value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

func messageFromParsed(p *httpmsg.Parsed, raw []byte) *Message {
	m := &Message{
		Method:        p.Method,
		Target:        p.URL,
		StatusCode:    p.StatusCode,
		StatusMessage: p.StatusMessage,
		VersionMajor:  p.VersionMajor,
		VersionMinor:  p.VersionMinor,
		Headers:       NewHeaders(p.Headers),
		Body:          p.Body,
		Chunked:       p.Chunked,
	}
	if p.Kind == httpmsg.KindRequest {
		m.StartLine = fmt.Sprintf("%s %s HTTP/%d.%d", p.Method, p.URL, p.VersionMajor, p.VersionMinor)
	} else {
		m.StartLine = statusLine(p.VersionMajor, p.VersionMinor, p.StatusCode, p.StatusMessage)
	}

	wire := raw[p.HeadLength:]
	if bytes.Equal(wire, p.Body) {
		m.CombinedBody = m.Body
	} else {
		m.CombinedBody = wire
	}
	return m
}

func statusLine(major, minor, code int, reason string) string {
	line := "HTTP/" + strconv.Itoa(major) + "." + strconv.Itoa(minor) + " " + strconv.Itoa(code)
	if reason != "" {
		line += " " + reason
	}
	return line
}

// NewResponse builds a synthetic HTTP/1.1 response. Content-Length is added
// when headers do not carry one.
func NewResponse(code int, reason string, headers []HeaderField, body []byte) *Message {
	h := NewHeaders(headers)
	if !h.Has("Content-Length") {
		h.Set("Content-Length", strconv.Itoa(len(body)))
	}
	return &Message{
		StartLine:     statusLine(1, 1, code, reason),
		StatusCode:    code,
		StatusMessage: reason,
		VersionMajor:  1,
		VersionMinor:  1,
		Headers:       h,
		Body:          body,
		CombinedBody:  body,
	}
}

// ParseMessage parses one complete raw message into its structured view.
func ParseMessage(raw []byte, kind httpmsg.Kind) (*Message, error) {
	p, err := httpmsg.Parse(raw, kind)
	if err != nil {
		return nil, err
	}
	return messageFromParsed(p, raw), nil
}
