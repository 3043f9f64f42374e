package exchange

import (
	"strings"
	"sync"
	"time"

	"github.com/raysh454/scoop/internal/httpmsg"
)

type parseResult struct {
	msg *Message
	err error
}

// ProxyExchange is an exchange intercepted by the proxy. Its raw buffers are
// the source of truth; parsed views are derived on demand and cached until
// the raw bytes change.
type ProxyExchange struct {
	id     string
	date   time.Time
	connID string
	scheme string

	mu          sync.Mutex
	entryPoint  bool
	url         string
	requestRaw  []byte
	responseRaw []byte
	request     *parseResult
	response    *parseResult
}

// NewProxyExchange starts an empty exchange for a connection. scheme is the
// scheme the client used on that connection ("http" or "https").
func NewProxyExchange(connID, scheme string) *ProxyExchange {
	if scheme == "" {
		scheme = "http"
	}
	return &ProxyExchange{id: NewID(), date: Now(), connID: connID, scheme: scheme}
}

// RestoreProxyExchange rebuilds an exchange from stored raw bytes. targetURI,
// when set, overrides URL derivation from the request.
func RestoreProxyExchange(id string, date time.Time, requestRaw, responseRaw []byte, targetURI string) *ProxyExchange {
	return &ProxyExchange{
		id:          id,
		date:        date,
		scheme:      "http",
		url:         targetURI,
		requestRaw:  requestRaw,
		responseRaw: responseRaw,
	}
}

func (e *ProxyExchange) ID() string           { return e.id }
func (e *ProxyExchange) Date() time.Time      { return e.date }
func (e *ProxyExchange) Source() Source       { return SourceProxy }
func (e *ProxyExchange) Description() string  { return "" }
func (e *ProxyExchange) ConnectionID() string { return e.connID }
func (e *ProxyExchange) Scheme() string       { return e.scheme }

func (e *ProxyExchange) IsEntryPoint() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.entryPoint
}

func (e *ProxyExchange) SetEntryPoint(v bool) {
	e.mu.Lock()
	e.entryPoint = v
	e.mu.Unlock()
}

func (e *ProxyExchange) HasRequest() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.requestRaw) > 0
}

func (e *ProxyExchange) HasResponse() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.responseRaw) > 0
}

// RequestRaw returns the request bytes as they crossed the wire. Callers must
// not modify the returned slice.
func (e *ProxyExchange) RequestRaw() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requestRaw
}

// ResponseRaw returns the response bytes as they crossed the wire.
func (e *ProxyExchange) ResponseRaw() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.responseRaw
}

func (e *ProxyExchange) AppendRequestRaw(b []byte) {
	e.mu.Lock()
	e.requestRaw = append(e.requestRaw, b...)
	e.request = nil
	e.mu.Unlock()
}

func (e *ProxyExchange) AppendResponseRaw(b []byte) {
	e.mu.Lock()
	e.responseRaw = append(e.responseRaw, b...)
	e.response = nil
	e.mu.Unlock()
}

func (e *ProxyExchange) SetRequestRaw(b []byte) {
	e.mu.Lock()
	e.requestRaw = b
	e.request = nil
	e.mu.Unlock()
}

func (e *ProxyExchange) SetResponseRaw(b []byte) {
	e.mu.Lock()
	e.responseRaw = b
	e.response = nil
	e.mu.Unlock()
}

// ParsedRequest parses the raw request once and caches the outcome.
func (e *ProxyExchange) ParsedRequest() (*Message, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.request == nil {
		e.request = parseRaw(e.requestRaw, httpmsg.KindRequest)
	}
	return e.request.msg, e.request.err
}

// ParsedResponse parses the raw response once and caches the outcome.
func (e *ProxyExchange) ParsedResponse() (*Message, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.response == nil {
		e.response = parseRaw(e.responseRaw, httpmsg.KindResponse)
	}
	return e.response.msg, e.response.err
}

func (e *ProxyExchange) Request() (*Message, error)  { return e.ParsedRequest() }
func (e *ProxyExchange) Response() (*Message, error) { return e.ParsedResponse() }

func parseRaw(raw []byte, kind httpmsg.Kind) *parseResult {
	msg, err := ParseMessage(raw, kind)
	return &parseResult{msg: msg, err: err}
}

// URL is the absolute URL of the request: the target itself when it is in
// absolute form, otherwise scheme, Host header and target combined.
func (e *ProxyExchange) URL() string {
	e.mu.Lock()
	override, scheme := e.url, e.scheme
	e.mu.Unlock()
	if override != "" {
		return override
	}

	req, err := e.ParsedRequest()
	if err != nil || req == nil {
		return ""
	}
	target := req.Target
	lower := strings.ToLower(target)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return target
	}
	host := req.Headers.Get("Host")
	if host == "" {
		return ""
	}
	if !strings.HasPrefix(target, "/") {
		target = "/" + target
	}
	return scheme + "://" + host + target
}
