package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/raysh454/scoop/internal/exchange"
	"github.com/raysh454/scoop/internal/logging"
)

// Artifact URLs of generated exchanges.
const (
	ScreenshotURL        = "file:///screenshot.png"
	DOMSnapshotURL       = "file:///dom-snapshot.html"
	PDFSnapshotURL       = "file:///pdf-snapshot.pdf"
	ProvenanceSummaryURL = "file:///provenance-summary.html"
)

// networkIdleWindow is how long the page must stay quiet to count as idle.
const networkIdleWindow = 500 * time.Millisecond

var errNotRecorded = errors.New("generated exchange was not recorded")

type step struct {
	name    string
	enabled bool
	run     func(ctx context.Context) error
}

func (c *Capture) steps() []step {
	return []step{
		{name: "initial page load", enabled: true, run: c.loadPage},
		{name: "network idle", enabled: true, run: c.waitForNetworkIdle},
		{name: "scroll to top", enabled: true, run: c.scrollToTop},
		{name: "page info", enabled: true, run: c.readPageInfo},
		{name: "screenshot", enabled: c.opts.Screenshot, run: c.takeScreenshot},
		{name: "DOM snapshot", enabled: c.opts.DOMSnapshot, run: c.takeDOMSnapshot},
		{name: "PDF snapshot", enabled: c.opts.PDFSnapshot, run: c.takePDFSnapshot},
		{name: "browser info", enabled: true, run: c.readUserAgent},
		{name: "client IP lookup", enabled: c.opts.ProvenanceSummary && c.opts.PublicIPResolverEndpoint != "", run: c.lookupClientIP},
		{name: "provenance summary", enabled: c.opts.ProvenanceSummary, run: c.addProvenanceSummary},
	}
}

// runSteps executes the enabled steps in order. A failing step is logged and
// skipped; the loop stops once the capture has left CAPTURE.
func (c *Capture) runSteps(ctx context.Context) {
	for _, st := range c.steps() {
		if !st.enabled {
			continue
		}
		if c.State() != StateCapture {
			break
		}

		stepCtx, span := c.tracer.Start(ctx, "capture.step", trace.WithAttributes(attribute.String("step", st.name)))
		start := time.Now()
		c.logger.Debug("step started", logging.String("step", st.name))
		err := st.run(stepCtx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if c.State() != StateCapture {
				c.logger.Warn("step ended due to limits", logging.String("step", st.name), logging.Err(err))
			} else {
				c.logger.Warn("step failed", logging.String("step", st.name), logging.Err(err))
			}
		} else {
			c.logger.Debug("step done", logging.String("step", st.name), logging.Duration("took", time.Since(start)))
		}
		span.End()
	}
}

func (c *Capture) loadPage(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.LoadTimeout)
	defer cancel()
	return c.browser.Navigate(ctx, c.url)
}

// waitForNetworkIdle treats its own timeout as success: busy pages are
// captured as they are.
func (c *Capture) waitForNetworkIdle(ctx context.Context) error {
	idleCtx, cancel := context.WithTimeout(ctx, c.opts.NetworkIdleTimeout)
	defer cancel()
	err := c.browser.WaitForNetworkIdle(idleCtx, networkIdleWindow)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		c.logger.Info("network did not go idle before timeout", logging.Duration("timeout", c.opts.NetworkIdleTimeout))
		return nil
	}
	return err
}

func (c *Capture) scrollToTop(ctx context.Context) error {
	return c.browser.ScrollToTop(ctx)
}

func (c *Capture) readPageInfo(ctx context.Context) error {
	title, err := c.browser.Title(ctx)
	if err != nil {
		return fmt.Errorf("read title: %w", err)
	}
	loc, err := c.browser.Location(ctx)
	if err != nil || loc == "" {
		loc = c.url
	}
	c.mu.Lock()
	c.pageInfo = PageInfo{Title: title, URL: loc}
	c.mu.Unlock()
	return nil
}

func (c *Capture) takeScreenshot(ctx context.Context) error {
	png, err := c.browser.Screenshot(ctx)
	if err != nil {
		return err
	}
	return c.addArtifact(ScreenshotURL, "image/png", png, "Capture Time Screenshot of "+c.url)
}

func (c *Capture) takeDOMSnapshot(ctx context.Context) error {
	html, err := c.browser.DOMSnapshot(ctx)
	if err != nil {
		return err
	}
	return c.addArtifact(DOMSnapshotURL, "text/html; charset=utf-8", html, "Capture Time DOM Snapshot of "+c.url)
}

func (c *Capture) takePDFSnapshot(ctx context.Context) error {
	pdf, err := c.browser.PDF(ctx)
	if err != nil {
		return err
	}
	return c.addArtifact(PDFSnapshotURL, "application/pdf", pdf, "Capture Time PDF Snapshot of "+c.url)
}

func (c *Capture) addArtifact(url, contentType string, body []byte, description string) error {
	headers := []exchange.HeaderField{{Name: "Content-Type", Value: contentType}}
	if !c.AddGeneratedExchange(url, headers, body, true, description) {
		return errNotRecorded
	}
	return nil
}

func (c *Capture) readUserAgent(ctx context.Context) error {
	ua, err := c.browser.UserAgent(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.provenance != nil {
		c.provenance.UserAgent = ua
	}
	c.mu.Unlock()
	return nil
}

// lookupClientIP asks the resolver endpoint for the public address of this
// host. The request bypasses the capture proxy.
func (c *Capture) lookupClientIP(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.PublicIPResolverEndpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ip resolver returned %s", resp.Status)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return err
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(string(raw)))
	if err != nil {
		return fmt.Errorf("ip resolver returned an invalid address: %w", err)
	}
	c.mu.Lock()
	if c.provenance != nil {
		c.provenance.ClientIP = addr.String()
	}
	c.mu.Unlock()
	return nil
}

func (c *Capture) addProvenanceSummary(ctx context.Context) error {
	c.mu.Lock()
	if c.provenance == nil {
		c.mu.Unlock()
		return errors.New("no provenance record")
	}
	info := *c.provenance
	page := c.pageInfo
	c.mu.Unlock()

	info.BlockedRequests = c.ic.BlockedRequests()
	info.NoArchiveURLs = c.ic.NoArchiveURLs()

	html, err := renderProvenance(info, page)
	if err != nil {
		return fmt.Errorf("render provenance summary: %w", err)
	}
	return c.addArtifact(ProvenanceSummaryURL, "text/html; charset=utf-8", html, "Provenance Summary")
}
