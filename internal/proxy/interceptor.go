package proxy

import (
	"sync"

	"github.com/raysh454/scoop/internal/exchange"
	"github.com/raysh454/scoop/internal/logging"
)

// Direction tells which side of a connection produced a chunk.
type Direction int

const (
	DirRequest Direction = iota
	DirResponse
)

func (d Direction) String() string {
	if d == DirResponse {
		return "response"
	}
	return "request"
}

// BlockedRequest is a URL or address refused by the blocklist.
type BlockedRequest struct {
	Match string `json:"match" yaml:"match"`
	Rule  string `json:"rule" yaml:"rule"`
}

type tracked struct {
	ex           *exchange.ProxyExchange
	requestDone  bool
	responseDone bool
}

type connState struct {
	scheme  string
	pending []*tracked
}

// Interceptor turns chunks observed on proxied connections into exchanges.
//
// Per connection, a request chunk extends the newest exchange while that
// exchange's request is still open and it has no response bytes; otherwise
// it opens a new exchange. A response chunk extends the oldest exchange whose
// response is not complete, or opens a loose-response exchange when none is.
type Interceptor struct {
	maxSize int64
	onLimit func()
	logger  logging.Logger
	metrics *Metrics

	mu        sync.Mutex
	total     int64
	limited   bool
	fired     bool
	exchanges []*exchange.ProxyExchange
	conns     map[string]*connState
	blocked   []BlockedRequest
	noArchive []string
}

// InterceptorOption configures an Interceptor.
type InterceptorOption func(*Interceptor)

// WithSizeLimit stops recording once maxSize bytes were taken and calls
// onLimit exactly once. maxSize <= 0 disables the cap.
func WithSizeLimit(maxSize int64, onLimit func()) InterceptorOption {
	return func(ic *Interceptor) {
		ic.maxSize = maxSize
		ic.onLimit = onLimit
	}
}

func WithMetrics(m *Metrics) InterceptorOption {
	return func(ic *Interceptor) { ic.metrics = m }
}

func NewInterceptor(logger logging.Logger, opts ...InterceptorOption) *Interceptor {
	ic := &Interceptor{
		logger: logger,
		conns:  make(map[string]*connState),
	}
	for _, opt := range opts {
		opt(ic)
	}
	return ic
}

// OpenConn registers the scheme used by a connection. Unregistered
// connections are treated as plain http.
func (ic *Interceptor) OpenConn(connID, scheme string) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.conns[connID] = &connState{scheme: scheme}
}

// CloseConn forgets correlation state for a connection. Its exchanges stay.
func (ic *Interceptor) CloseConn(connID string) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	delete(ic.conns, connID)
}

// Observe records one chunk. final marks the end of the current message in
// that direction; it may come with an empty chunk.
func (ic *Interceptor) Observe(connID string, dir Direction, chunk []byte, final bool) {
	ic.mu.Lock()
	if ic.limited {
		ic.mu.Unlock()
		return
	}

	n := int64(len(chunk))
	if n > 0 && ic.maxSize > 0 && ic.total+n > ic.maxSize {
		fire := ic.hitLimitLocked()
		ic.mu.Unlock()
		ic.fireLimit(fire)
		return
	}
	ic.total += n

	cs := ic.conns[connID]
	if cs == nil {
		cs = &connState{scheme: "http"}
		ic.conns[connID] = cs
	}

	var completed *exchange.ProxyExchange
	if dir == DirRequest {
		ic.observeRequestLocked(connID, cs, chunk, final)
	} else {
		completed = ic.observeResponseLocked(connID, cs, chunk, final)
	}
	if n > 0 && ic.metrics != nil {
		ic.metrics.BytesTotal.WithLabelValues(dir.String()).Add(float64(n))
	}

	fire := false
	if ic.maxSize > 0 && ic.total >= ic.maxSize {
		fire = ic.hitLimitLocked()
	}
	ic.mu.Unlock()

	ic.fireLimit(fire)
	if completed != nil {
		ic.inspect(completed)
	}
}

func (ic *Interceptor) observeRequestLocked(connID string, cs *connState, chunk []byte, final bool) {
	var t *tracked
	if k := len(cs.pending); k > 0 {
		last := cs.pending[k-1]
		if !last.requestDone && !last.ex.HasResponse() {
			t = last
		}
	}
	if t == nil {
		if len(chunk) == 0 {
			return
		}
		t = ic.openLocked(connID, cs)
	}
	if len(chunk) > 0 {
		t.ex.AppendRequestRaw(chunk)
	}
	if final {
		t.requestDone = true
	}
	ic.pruneLocked(cs)
}

func (ic *Interceptor) observeResponseLocked(connID string, cs *connState, chunk []byte, final bool) *exchange.ProxyExchange {
	var t *tracked
	for _, p := range cs.pending {
		if !p.responseDone {
			t = p
			break
		}
	}
	if t == nil {
		if len(chunk) == 0 {
			return nil
		}
		t = ic.openLocked(connID, cs)
		t.requestDone = true
	}
	if len(chunk) > 0 {
		t.ex.AppendResponseRaw(chunk)
	}
	var completed *exchange.ProxyExchange
	if final {
		t.responseDone = true
		completed = t.ex
	}
	ic.pruneLocked(cs)
	return completed
}

func (ic *Interceptor) openLocked(connID string, cs *connState) *tracked {
	t := &tracked{ex: exchange.NewProxyExchange(connID, cs.scheme)}
	cs.pending = append(cs.pending, t)
	ic.exchanges = append(ic.exchanges, t.ex)
	if ic.metrics != nil {
		ic.metrics.ExchangesTotal.Inc()
	}
	return t
}

// pruneLocked drops settled exchanges from the head of the connection queue.
func (ic *Interceptor) pruneLocked(cs *connState) {
	i := 0
	for i < len(cs.pending) && cs.pending[i].requestDone && cs.pending[i].responseDone {
		i++
	}
	if i > 0 {
		cs.pending = append([]*tracked(nil), cs.pending[i:]...)
	}
}

func (ic *Interceptor) hitLimitLocked() bool {
	ic.limited = true
	if ic.fired {
		return false
	}
	ic.fired = true
	return true
}

func (ic *Interceptor) fireLimit(fire bool) {
	if !fire {
		return
	}
	ic.logger.Warn("capture size limit reached", logging.Int64("max_size", ic.maxSize))
	if ic.onLimit != nil {
		ic.onLimit()
	}
}

func (ic *Interceptor) inspect(ex *exchange.ProxyExchange) {
	resp, err := ex.ParsedResponse()
	if err != nil || resp == nil {
		return
	}
	found, err := hasNoArchiveDirective(resp.Headers.Get("Content-Type"), resp.Headers.Get("Content-Encoding"), resp.Body)
	if err != nil {
		ic.logger.Debug("noarchive scan skipped", logging.String("url", ex.URL()), logging.Err(err))
		return
	}
	if !found {
		return
	}
	url := ex.URL()
	ic.logger.Info("noarchive directive found", logging.String("url", url))
	ic.mu.Lock()
	ic.noArchive = append(ic.noArchive, url)
	ic.mu.Unlock()
	if ic.metrics != nil {
		ic.metrics.NoArchiveTotal.Inc()
	}
}

// RecordBlocked notes a request refused by the blocklist.
func (ic *Interceptor) RecordBlocked(match, rule string) {
	ic.mu.Lock()
	ic.blocked = append(ic.blocked, BlockedRequest{Match: match, Rule: rule})
	ic.mu.Unlock()
	ic.logger.Info("blocked request", logging.String("match", match), logging.String("rule", rule))
}

// Exchanges returns a snapshot in arrival order.
func (ic *Interceptor) Exchanges() []*exchange.ProxyExchange {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return append([]*exchange.ProxyExchange(nil), ic.exchanges...)
}

func (ic *Interceptor) BlockedRequests() []BlockedRequest {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return append([]BlockedRequest(nil), ic.blocked...)
}

func (ic *Interceptor) NoArchiveURLs() []string {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return append([]string(nil), ic.noArchive...)
}

// TotalBytes is the number of bytes recorded so far.
func (ic *Interceptor) TotalBytes() int64 {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.total
}

// Limited reports whether the size cap stopped recording.
func (ic *Interceptor) Limited() bool {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.limited
}

// Stop ends recording without firing the limit callback.
func (ic *Interceptor) Stop() {
	ic.mu.Lock()
	ic.limited = true
	ic.fired = true
	ic.mu.Unlock()
}
