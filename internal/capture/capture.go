package capture

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/raysh454/scoop/internal/blocklist"
	"github.com/raysh454/scoop/internal/browser"
	"github.com/raysh454/scoop/internal/exchange"
	"github.com/raysh454/scoop/internal/interfaces"
	"github.com/raysh454/scoop/internal/logging"
	"github.com/raysh454/scoop/internal/proxy"
	"github.com/raysh454/scoop/internal/urlutil"
)

const tracerName = "github.com/raysh454/scoop/internal/capture"

// PageInfo describes the document the browser ended up on.
type PageInfo struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Capture is one single-page archiving session. It owns the proxy and the
// browser for the duration of Run and releases both on every exit path.
type Capture struct {
	id        string
	url       string
	opts      Options
	createdAt time.Time

	logger     logging.Logger
	launcher   interfaces.BrowserLauncher
	httpClient *http.Client
	metrics    *proxy.Metrics
	blocklist  *blocklist.Matcher
	tracer     trace.Tracer

	mu            sync.Mutex
	state         State
	partialReason string
	exchanges     []exchange.Exchange
	generated     []*exchange.GeneratedExchange
	generatedSize int64
	provenance    *ProvenanceInfo
	pageInfo      PageInfo

	// Live resources, set during SETUP.
	ic      *proxy.Interceptor
	proxy   *proxy.Server
	browser interfaces.Browser
	cancel  context.CancelFunc
}

// Option customizes a Capture.
type Option func(*Capture)

func WithLogger(l logging.Logger) Option {
	return func(c *Capture) { c.logger = l }
}

// WithBrowserLauncher replaces the Chrome launcher.
func WithBrowserLauncher(fn interfaces.BrowserLauncher) Option {
	return func(c *Capture) { c.launcher = fn }
}

// WithHTTPClient sets the client used for out-of-band requests such as the
// public IP lookup. It never goes through the capture proxy.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Capture) { c.httpClient = hc }
}

func WithMetrics(m *proxy.Metrics) Option {
	return func(c *Capture) { c.metrics = m }
}

// New validates rawURL and opts and returns a capture in state INIT.
func New(rawURL string, opts Options, options ...Option) (*Capture, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	u, err := urlutil.ValidateCaptureURL(rawURL)
	if err != nil {
		return nil, &ValidationError{Field: "url", Reason: "must be an absolute http(s) URL", Err: err}
	}
	bl, err := blocklist.New(opts.Blocklist)
	if err != nil {
		return nil, &ValidationError{Field: "blocklist", Reason: "invalid rule", Err: err}
	}
	if rule, ok := bl.Match(u.String()); ok {
		return nil, &ValidationError{Field: "url", Reason: "matches blocklist rule " + rule}
	}

	c := &Capture{
		id:         exchange.NewID(),
		url:        u.String(),
		opts:       opts,
		createdAt:  exchange.Now(),
		logger:     interfaces.NopLogger{},
		launcher:   browser.Launch,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		blocklist:  bl,
		tracer:     otel.Tracer(tracerName),
		state:      StateInit,
	}
	for _, o := range options {
		o(c)
	}
	c.logger = c.logger.With(logging.String("component", "capture"), logging.String("capture_id", c.id))
	return c, nil
}

// Snapshot is everything needed to rebuild a capture read back from an archive.
type Snapshot struct {
	ID         string
	URL        string
	CreatedAt  time.Time
	Options    Options
	Exchanges  []exchange.Exchange
	Provenance *ProvenanceInfo
	PageInfo   PageInfo
}

// Reconstruct returns a capture in state RECONSTRUCTED holding s.
func Reconstruct(s Snapshot, options ...Option) *Capture {
	id := s.ID
	if id == "" {
		id = exchange.NewID()
	}
	c := &Capture{
		id:         id,
		url:        s.URL,
		opts:       s.Options,
		createdAt:  s.CreatedAt,
		logger:     interfaces.NopLogger{},
		tracer:     otel.Tracer(tracerName),
		state:      StateReconstructed,
		exchanges:  append([]exchange.Exchange(nil), s.Exchanges...),
		provenance: s.Provenance,
		pageInfo:   s.PageInfo,
	}
	for _, o := range options {
		o(c)
	}
	return c
}

func (c *Capture) ID() string           { return c.id }
func (c *Capture) URL() string          { return c.url }
func (c *Capture) Options() Options     { return c.opts }
func (c *Capture) CreatedAt() time.Time { return c.createdAt }

func (c *Capture) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PartialReason explains why a capture ended PARTIAL.
func (c *Capture) PartialReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.partialReason
}

// Exchanges returns the captured exchanges in capture order. It is empty
// until teardown has merged proxy and generated exchanges.
func (c *Capture) Exchanges() []exchange.Exchange {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]exchange.Exchange(nil), c.exchanges...)
}

// Provenance returns a copy of the provenance record, or nil if there is none.
func (c *Capture) Provenance() *ProvenanceInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.provenance == nil {
		return nil
	}
	p := *c.provenance
	return &p
}

func (c *Capture) PageInfo() PageInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pageInfo
}

// Exportable returns an *InvalidStateError unless archives may be produced.
func (c *Capture) Exportable() error {
	if s := c.State(); !s.Exportable() {
		return &InvalidStateError{Op: "export", State: s}
	}
	return nil
}

// Run drives the capture through SETUP and CAPTURE and always tears down.
// It returns a *SetupError when resources could not be acquired and
// ErrNothingCaptured when teardown found no exchanges. Hitting the size cap
// or the capture timeout is not an error: the capture ends PARTIAL.
func (c *Capture) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateInit {
		s := c.state
		c.mu.Unlock()
		return &InvalidStateError{Op: "run", State: s}
	}
	c.state = StateSetup
	c.mu.Unlock()

	ctx, span := c.tracer.Start(ctx, "capture.Run", trace.WithAttributes(
		attribute.String("capture.id", c.id),
		attribute.String("capture.url", c.url),
	))
	defer span.End()

	captureCtx, cancel := context.WithTimeout(ctx, c.opts.CaptureTimeout)
	defer cancel()
	c.cancel = cancel

	c.logger.Info("capture setup", logging.String("url", c.url))
	if err := c.setup(captureCtx); err != nil {
		c.teardown()
		c.setState(StateFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, "setup failed")
		c.logger.Error("capture setup failed", logging.Err(err))
		return err
	}

	c.mu.Lock()
	if c.state == StateSetup {
		c.state = StateCapture
	}
	c.mu.Unlock()

	stop := context.AfterFunc(captureCtx, func() {
		if errors.Is(captureCtx.Err(), context.DeadlineExceeded) {
			c.markPartial("capture timeout reached")
		} else {
			c.markPartial("capture cancelled")
		}
	})
	c.runSteps(captureCtx)
	stop()

	err := c.teardown()
	state := c.State()
	span.SetAttributes(attribute.String("capture.state", state.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	c.logger.Info("capture finished",
		logging.String("state", state.String()),
		logging.Int("exchanges", len(c.Exchanges())),
	)
	return nil
}

func (c *Capture) setup(ctx context.Context) error {
	ca, err := c.certAuthority()
	if err != nil {
		return &SetupError{Stage: "certificate authority", Err: err}
	}

	icOpts := []proxy.InterceptorOption{
		proxy.WithSizeLimit(c.opts.MaxCaptureSize, func() {
			c.markPartial("max capture size reached")
			c.cancel()
		}),
	}
	if c.metrics != nil {
		icOpts = append(icOpts, proxy.WithMetrics(c.metrics))
	}
	c.ic = proxy.NewInterceptor(c.logger, icOpts...)

	var bl interfaces.Blocklist
	if c.blocklist.Len() > 0 {
		bl = c.blocklist
	}
	c.proxy = proxy.New(proxy.Config{
		Host:                c.opts.ProxyHost,
		Port:                c.opts.ProxyPort,
		CA:                  ca,
		InsecureUpstreamTLS: c.opts.InsecureUpstreamTLS,
	}, c.ic, bl, c.logger)
	if err := c.proxy.Start(); err != nil {
		return &SetupError{Stage: "proxy", Err: err}
	}

	b, err := c.launcher(ctx, interfaces.BrowserOptions{
		ProxyAddr:       c.proxy.Addr(),
		WindowWidth:     c.opts.CaptureWindowX,
		WindowHeight:    c.opts.CaptureWindowY,
		Headless:        c.opts.Headless,
		ExecPath:        c.opts.BrowserPath,
		UserAgentSuffix: c.opts.UserAgentSuffix,
	}, c.logger)
	if err != nil {
		return &SetupError{Stage: "browser", Err: err}
	}
	c.browser = b

	c.mu.Lock()
	c.provenance = c.newProvenance()
	c.pageInfo = PageInfo{URL: c.url}
	c.mu.Unlock()
	return nil
}

func (c *Capture) certAuthority() (*proxy.CertAuthority, error) {
	if c.opts.CACertPath != "" {
		return proxy.LoadCertAuthority(c.opts.CACertPath, c.opts.CAKeyPath)
	}
	return proxy.NewEphemeralCertAuthority()
}

func (c *Capture) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// markPartial moves a running capture to PARTIAL. It is a no-op in any
// other state, so the first reason wins.
func (c *Capture) markPartial(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateCapture {
		return
	}
	c.state = StatePartial
	c.partialReason = reason
	c.logger.Warn("capture ended early", logging.String("reason", reason))
}

// teardown releases every resource and merges exchanges: proxy exchanges in
// arrival order, then generated ones.
func (c *Capture) teardown() error {
	if c.ic != nil {
		c.ic.Stop()
	}
	if c.browser != nil {
		if err := c.browser.Close(); err != nil {
			c.logger.Warn("browser close failed", logging.Err(err))
		}
	}
	if c.proxy != nil {
		if err := c.proxy.Close(); err != nil {
			c.logger.Warn("proxy close failed", logging.Err(err))
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var merged []exchange.Exchange
	if c.ic != nil {
		for _, ex := range c.ic.Exchanges() {
			merged = append(merged, ex)
		}
	}
	for _, g := range c.generated {
		merged = append(merged, g)
	}
	c.exchanges = merged

	if c.provenance != nil && c.ic != nil {
		c.provenance.BlockedRequests = append([]proxy.BlockedRequest{}, c.ic.BlockedRequests()...)
		c.provenance.NoArchiveURLs = append([]string{}, c.ic.NoArchiveURLs()...)
		c.provenance.PartialReason = c.partialReason
	}

	switch c.state {
	case StateCapture:
		c.state = StateComplete
	case StateSetup:
		return nil
	}
	if len(merged) == 0 {
		c.state = StateFailed
		return ErrNothingCaptured
	}
	return nil
}

// AddGeneratedExchange records an artifact produced during capture. It
// returns false, and ends the capture PARTIAL, when the capture is not
// running or the artifact would exceed MaxCaptureSize.
func (c *Capture) AddGeneratedExchange(url string, headers []exchange.HeaderField, body []byte, isEntryPoint bool, description string) bool {
	c.mu.Lock()
	if c.state != StateCapture {
		state := c.state
		c.mu.Unlock()
		c.logger.Warn("generated exchange rejected", logging.String("url", url), logging.String("state", state.String()))
		return false
	}
	var recorded int64
	if c.ic != nil {
		recorded = c.ic.TotalBytes()
	}
	if recorded+c.generatedSize+int64(len(body)) > c.opts.MaxCaptureSize {
		c.mu.Unlock()
		c.logger.Warn("generated exchange would exceed max capture size",
			logging.String("url", url),
			logging.Int("size", len(body)),
		)
		c.markPartial("max capture size reached")
		return false
	}
	c.generated = append(c.generated, exchange.NewGeneratedExchange(url, headers, body, isEntryPoint, description))
	c.generatedSize += int64(len(body))
	c.mu.Unlock()

	c.logger.Debug("generated exchange added", logging.String("url", url), logging.Int("size", len(body)))
	return true
}
