// Package testutil provides shared test doubles for use across package tests.
// All dummies implement the corresponding interfaces from the production code,
// allowing injection into components under test without a real browser.
package testutil

import (
	"bytes"
	"context"
	"crypto/tls"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/raysh454/scoop/internal/interfaces"
	"github.com/raysh454/scoop/internal/logging"
)

// ─── Logger ────────────────────────────────────────────────────────────

// DummyLogger implements logging.Logger with in-memory recording.
type DummyLogger struct {
	mu     sync.Mutex
	Errors []string
	Infos  []string
	Debugs []string
	Warns  []string
}

func (l *DummyLogger) Debug(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Debugs = append(l.Debugs, msg)
}

func (l *DummyLogger) Info(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Infos = append(l.Infos, msg)
}

func (l *DummyLogger) Warn(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Warns = append(l.Warns, msg)
}

func (l *DummyLogger) Error(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Errors = append(l.Errors, msg)
}

func (l *DummyLogger) With(_ ...logging.Field) logging.Logger { return l }

// HasWarn reports whether a warning with msg was logged.
func (l *DummyLogger) HasWarn(msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return contains(l.Warns, msg)
}

// HasInfo reports whether an info line with msg was logged.
func (l *DummyLogger) HasInfo(msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return contains(l.Infos, msg)
}

func contains(msgs []string, msg string) bool {
	for _, m := range msgs {
		if m == msg {
			return true
		}
	}
	return false
}

// ─── Browser ───────────────────────────────────────────────────────────

// FakeUserAgent is the User-Agent FakeBrowser sends and reports.
const FakeUserAgent = "scoop-fake-browser/1.0"

// FakeBrowser implements interfaces.Browser with a plain HTTP client routed
// through the capture proxy. Navigation follows redirects and, when
// FetchSubresources is set, loads stylesheets, scripts and images.
// Screenshots are blank PNGs the size of the window.
type FakeBrowser struct {
	FetchSubresources bool

	// LaunchErr makes the launcher fail.
	LaunchErr error
	// OnLaunch runs inside the launcher, while the capture is in SETUP.
	OnLaunch func()
	// OnNavigate runs after a successful navigation, while the capture is in CAPTURE.
	OnNavigate func()
	// NavigateDelay holds navigation for the given time or until ctx ends.
	NavigateDelay time.Duration

	NavigateErr   error
	ScreenshotErr error

	mu        sync.Mutex
	opts      interfaces.BrowserOptions
	client    *http.Client
	lastURL   string
	lastBody  []byte
	navigated []string
	closed    bool
}

// Launcher returns a launcher handing out b.
func (b *FakeBrowser) Launcher() interfaces.BrowserLauncher {
	return func(_ context.Context, opts interfaces.BrowserOptions, _ interfaces.Logger) (interfaces.Browser, error) {
		if b.OnLaunch != nil {
			b.OnLaunch()
		}
		if b.LaunchErr != nil {
			return nil, b.LaunchErr
		}
		proxyURL, err := url.Parse("http://" + opts.ProxyAddr)
		if err != nil {
			return nil, err
		}
		b.mu.Lock()
		b.opts = opts
		b.client = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				Proxy:              http.ProxyURL(proxyURL),
				TLSClientConfig:    &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // capture proxy MITM
				DisableCompression: true,
			},
		}
		b.mu.Unlock()
		return b, nil
	}
}

func (b *FakeBrowser) get(ctx context.Context, target string) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("User-Agent", FakeUserAgent)
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return resp, body, err
}

func (b *FakeBrowser) Navigate(ctx context.Context, target string) error {
	if b.NavigateDelay > 0 {
		select {
		case <-time.After(b.NavigateDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if b.NavigateErr != nil {
		return b.NavigateErr
	}
	resp, body, err := b.get(ctx, target)
	if err != nil {
		return err
	}
	final := resp.Request.URL.String()

	b.mu.Lock()
	b.lastURL = final
	b.lastBody = body
	b.navigated = append(b.navigated, target)
	b.mu.Unlock()

	if b.FetchSubresources {
		for _, ref := range subresources(final, body) {
			if _, _, err := b.get(ctx, ref); err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
	if b.OnNavigate != nil {
		b.OnNavigate()
	}
	return nil
}

func subresources(base string, body []byte) []string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil
	}
	var refs []string
	add := func(ref string) {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			return
		}
		if u, err := baseURL.Parse(ref); err == nil {
			refs = append(refs, u.String())
		}
	}
	doc.Find("link[rel=stylesheet][href]").Each(func(_ int, s *goquery.Selection) { add(s.AttrOr("href", "")) })
	doc.Find("script[src]").Each(func(_ int, s *goquery.Selection) { add(s.AttrOr("src", "")) })
	doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) { add(s.AttrOr("src", "")) })
	return refs
}

func (b *FakeBrowser) WaitForNetworkIdle(context.Context, time.Duration) error { return nil }

func (b *FakeBrowser) ScrollToTop(context.Context) error { return nil }

func (b *FakeBrowser) Screenshot(context.Context) ([]byte, error) {
	if b.ScreenshotErr != nil {
		return nil, b.ScreenshotErr
	}
	b.mu.Lock()
	w, h := b.opts.WindowWidth, b.opts.WindowHeight
	b.mu.Unlock()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (b *FakeBrowser) DOMSnapshot(context.Context) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.lastBody...), nil
}

// FakePDF is the document FakeBrowser.PDF returns.
var FakePDF = []byte("%PDF-1.4\n1 0 obj<</Type/Catalog/Pages 2 0 R>>endobj\n2 0 obj<</Type/Pages/Count 0/Kids[]>>endobj\ntrailer<</Root 1 0 R>>\n%%EOF\n")

func (b *FakeBrowser) PDF(context.Context) ([]byte, error) {
	return append([]byte(nil), FakePDF...), nil
}

func (b *FakeBrowser) Title(context.Context) (string, error) {
	b.mu.Lock()
	body := b.lastBody
	b.mu.Unlock()
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(doc.Find("title").First().Text()), nil
}

func (b *FakeBrowser) Location(context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastURL, nil
}

func (b *FakeBrowser) UserAgent(context.Context) (string, error) { return FakeUserAgent, nil }

func (b *FakeBrowser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.client != nil {
		b.client.CloseIdleConnections()
	}
	return nil
}

// Closed reports whether Close was called.
func (b *FakeBrowser) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Navigated lists the URLs passed to Navigate.
func (b *FakeBrowser) Navigated() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.navigated...)
}
