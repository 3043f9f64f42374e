package httpmsg

import (
	"bytes"
	"strconv"
	"strings"
)

// Kind tells the parser which start line to expect.
type Kind int

const (
	KindRequest Kind = iota
	KindResponse
)

func (k Kind) String() string {
	if k == KindResponse {
		return "response"
	}
	return "request"
}

// HeaderField is one header line as it appeared on the wire.
type HeaderField struct {
	Name  string
	Value string
}

// Parsed is the structured view of one HTTP/1.x message.
type Parsed struct {
	Kind Kind

	Method string
	URL    string

	StatusCode    int
	StatusMessage string

	VersionMajor int
	VersionMinor int

	ShouldKeepAlive bool
	Upgrade         bool

	// Headers keeps wire order and repeated names.
	Headers  []HeaderField
	Body     []byte
	Trailers []HeaderField

	// HeadLength is the byte length of start line, headers and blank line.
	HeadLength int
	// Chunked is set when the body was transfer-encoded and Body holds the decoded bytes.
	Chunked bool
}

// Header returns the last value for name, matched case-insensitively.
func (p *Parsed) Header(name string) string {
	return lastValue(p.Headers, name)
}

// HeadBoundary locates the end of the message head: the first CRLFCRLF or bare LFLF.
// headEnd is the index where the terminator starts, bodyStart the index after it.
func HeadBoundary(raw []byte) (headEnd, bodyStart int, ok bool) {
	crlf := bytes.Index(raw, []byte("\r\n\r\n"))
	lf := bytes.Index(raw, []byte("\n\n"))
	switch {
	case crlf < 0 && lf < 0:
		return 0, 0, false
	case lf < 0 || (crlf >= 0 && crlf < lf):
		return crlf, crlf + 4, true
	default:
		return lf, lf + 2, true
	}
}

// ParseRequest parses a complete request.
func ParseRequest(raw []byte) (*Parsed, error) { return Parse(raw, KindRequest) }

// ParseResponse parses a complete response.
func ParseResponse(raw []byte) (*Parsed, error) { return Parse(raw, KindResponse) }

// Parse reads one HTTP/1.x message from raw. The head must be complete; a body
// shorter than its framing announces is returned as far as it goes.
func Parse(raw []byte, kind Kind) (*Parsed, error) {
	headEnd, bodyStart, ok := HeadBoundary(raw)
	if !ok {
		return nil, incomplete(kind, "no end of head")
	}

	lines := splitLines(raw[:headEnd])
	if len(lines) == 0 || lines[0] == "" {
		return nil, malformed(kind, "empty start line")
	}

	p := &Parsed{Kind: kind, HeadLength: bodyStart}
	var err error
	if kind == KindRequest {
		err = p.parseRequestLine(lines[0])
	} else {
		err = p.parseStatusLine(lines[0])
	}
	if err != nil {
		return nil, err
	}

	p.Headers, err = parseHeaderLines(kind, lines[1:])
	if err != nil {
		return nil, err
	}

	p.ShouldKeepAlive = keepAlive(p)
	p.Upgrade = isUpgrade(p)

	rest := raw[bodyStart:]
	switch f := FramingFor(p, ""); f.Mode {
	case BodyNone:
		p.Body = nil
	case BodyLength:
		n := f.Length
		if n > int64(len(rest)) {
			n = int64(len(rest))
		}
		p.Body = rest[:n]
	case BodyChunked:
		body, trailers, err := decodeChunked(rest)
		if err != nil {
			return nil, malformed(kind, "chunked body: %v", err)
		}
		p.Body, p.Trailers, p.Chunked = body, trailers, true
	case BodyUntilClose:
		p.Body = rest
	}
	return p, nil
}

func (p *Parsed) parseRequestLine(line string) error {
	method, rest, ok1 := strings.Cut(line, " ")
	target, version, ok2 := strings.Cut(rest, " ")
	if !ok1 || !ok2 || method == "" || target == "" {
		return malformed(KindRequest, "bad request line %q", line)
	}
	if !isToken(method) {
		return malformed(KindRequest, "bad method %q", method)
	}
	major, minor, ok := parseVersion(strings.TrimSpace(version))
	if !ok {
		return malformed(KindRequest, "bad version %q", version)
	}
	p.Method, p.URL = method, target
	p.VersionMajor, p.VersionMinor = major, minor
	return nil
}

func (p *Parsed) parseStatusLine(line string) error {
	version, rest, _ := strings.Cut(line, " ")
	major, minor, ok := parseVersion(version)
	if !ok {
		return malformed(KindResponse, "bad version in status line %q", line)
	}
	code, reason, _ := strings.Cut(rest, " ")
	status, err := strconv.Atoi(code)
	if err != nil || len(code) != 3 {
		return malformed(KindResponse, "bad status code %q", code)
	}
	p.VersionMajor, p.VersionMinor = major, minor
	p.StatusCode, p.StatusMessage = status, reason
	return nil
}

func parseVersion(v string) (int, int, bool) {
	nums, ok := strings.CutPrefix(v, "HTTP/")
	if !ok {
		return 0, 0, false
	}
	maj, mnr, ok := strings.Cut(nums, ".")
	if !ok || len(maj) != 1 || len(mnr) != 1 {
		return 0, 0, false
	}
	major, err1 := strconv.Atoi(maj)
	minor, err2 := strconv.Atoi(mnr)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return major, minor, true
}

func splitLines(head []byte) []string {
	parts := strings.Split(string(head), "\n")
	for i, line := range parts {
		parts[i] = strings.TrimSuffix(line, "\r")
	}
	return parts
}

func parseHeaderLines(kind Kind, lines []string) ([]HeaderField, error) {
	headers := make([]HeaderField, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		// obs-fold continuation
		if line[0] == ' ' || line[0] == '\t' {
			if len(headers) == 0 {
				return nil, malformed(kind, "continuation before first header")
			}
			last := &headers[len(headers)-1]
			last.Value = strings.TrimSpace(last.Value + " " + strings.TrimSpace(line))
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || name == "" || !isToken(name) {
			return nil, malformed(kind, "bad header line %q", line)
		}
		headers = append(headers, HeaderField{Name: name, Value: strings.TrimSpace(value)})
	}
	return headers, nil
}

func lastValue(headers []HeaderField, name string) string {
	for i := len(headers) - 1; i >= 0; i-- {
		if strings.EqualFold(headers[i].Name, name) {
			return headers[i].Value
		}
	}
	return ""
}

// hasToken reports whether any comma separated element of the named headers equals token.
func hasToken(headers []HeaderField, name, token string) bool {
	for _, h := range headers {
		if !strings.EqualFold(h.Name, name) {
			continue
		}
		for _, part := range strings.Split(h.Value, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

func keepAlive(p *Parsed) bool {
	if hasToken(p.Headers, "Connection", "close") {
		return false
	}
	if p.VersionMajor == 1 && p.VersionMinor == 0 {
		return hasToken(p.Headers, "Connection", "keep-alive")
	}
	return p.VersionMajor >= 1
}

func isUpgrade(p *Parsed) bool {
	if p.Kind == KindRequest {
		if p.Method == "CONNECT" {
			return true
		}
		return hasToken(p.Headers, "Connection", "upgrade") && p.Header("Upgrade") != ""
	}
	return p.StatusCode == 101
}

func isToken(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c <= ' ' || c >= 0x7f || strings.IndexByte("()<>@,;:\\\"/[]?={}", c) >= 0 {
			return false
		}
	}
	return s != ""
}
