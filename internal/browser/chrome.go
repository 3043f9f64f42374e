package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/raysh454/scoop/internal/interfaces"
	"github.com/raysh454/scoop/internal/logging"
)

var ErrClosed = errors.New("browser: closed")

// Chrome drives a Chrome or Chromium instance through the DevTools protocol.
// All of its traffic is routed through the capture proxy.
type Chrome struct {
	opts   interfaces.BrowserOptions
	logger logging.Logger

	allocCancel context.CancelFunc
	ctx         context.Context
	cancel      context.CancelFunc

	net *netTracker
}

var _ interfaces.Browser = (*Chrome)(nil)

// Launch starts a browser configured for capture. It satisfies
// interfaces.BrowserLauncher.
func Launch(ctx context.Context, opts interfaces.BrowserOptions, logger interfaces.Logger) (interfaces.Browser, error) {
	return NewChrome(ctx, opts, logger)
}

func NewChrome(ctx context.Context, opts interfaces.BrowserOptions, logger logging.Logger) (*Chrome, error) {
	if opts.ProxyAddr == "" {
		return nil, errors.New("browser: proxy address is required")
	}
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ProxyServer("http://"+opts.ProxyAddr),
		// Chrome bypasses proxies for loopback hosts unless told otherwise.
		chromedp.Flag("proxy-bypass-list", "<-loopback>"),
		chromedp.Flag("ignore-certificate-errors", true),
		chromedp.Flag("headless", opts.Headless),
		chromedp.WindowSize(opts.WindowWidth, opts.WindowHeight),
	)
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}

	// The browser outlives the launch call; only values are inherited.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), allocOpts...)
	bctx, cancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(format string, args ...any) {
		logger.Debug(fmt.Sprintf(format, args...), logging.String("component", "chrome"))
	}))

	c := &Chrome{
		opts:        opts,
		logger:      logger.With(logging.String("component", "browser")),
		allocCancel: allocCancel,
		ctx:         bctx,
		cancel:      cancel,
		net:         newNetTracker(),
	}

	chromedp.ListenTarget(bctx, func(ev any) {
		switch e := ev.(type) {
		case *network.EventRequestWillBeSent:
			c.net.start(string(e.RequestID))
		case *network.EventLoadingFinished:
			c.net.finish(string(e.RequestID))
		case *network.EventLoadingFailed:
			c.net.finish(string(e.RequestID))
		}
	})

	// The first Run starts the browser process and binds it to bctx.
	if err := chromedp.Run(bctx, network.Enable()); err != nil {
		c.Close()
		return nil, fmt.Errorf("browser: launch: %w", err)
	}
	if err := c.run(ctx,
		emulation.SetDeviceMetricsOverride(int64(opts.WindowWidth), int64(opts.WindowHeight), 1, false),
	); err != nil {
		c.Close()
		return nil, fmt.Errorf("browser: set viewport: %w", err)
	}
	if opts.UserAgentSuffix != "" {
		if err := c.applyUserAgentSuffix(ctx); err != nil {
			c.Close()
			return nil, err
		}
	}
	c.logger.Info("browser started", logging.String("proxy", opts.ProxyAddr), logging.Bool("headless", opts.Headless))
	return c, nil
}

func (c *Chrome) applyUserAgentSuffix(ctx context.Context) error {
	return c.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, _, _, ua, _, err := cdpbrowser.GetVersion().Do(ctx)
		if err != nil {
			return fmt.Errorf("browser: read version: %w", err)
		}
		ua = strings.TrimSpace(ua) + " " + c.opts.UserAgentSuffix
		return emulation.SetUserAgentOverride(ua).Do(ctx)
	}))
}

// run executes actions on the browser tab, bounded by ctx.
func (c *Chrome) run(ctx context.Context, actions ...chromedp.Action) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	rctx, cancel := context.WithCancel(c.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(rctx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (c *Chrome) Navigate(ctx context.Context, url string) error {
	return c.run(ctx, chromedp.Navigate(url))
}

func (c *Chrome) WaitForNetworkIdle(ctx context.Context, idleAfter time.Duration) error {
	return c.net.wait(ctx, idleAfter)
}

func (c *Chrome) ScrollToTop(ctx context.Context) error {
	return c.run(ctx, chromedp.Evaluate(`window.scrollTo(0, 0)`, nil))
}

// Screenshot captures the viewport as PNG.
func (c *Chrome) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := c.run(ctx, chromedp.CaptureScreenshot(&buf))
	return buf, err
}

func (c *Chrome) DOMSnapshot(ctx context.Context) ([]byte, error) {
	var html string
	if err := c.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return nil, err
	}
	return []byte(html), nil
}

func (c *Chrome) PDF(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := c.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		data, _, err := page.PrintToPDF().WithPrintBackground(true).Do(ctx)
		if err != nil {
			return err
		}
		buf = data
		return nil
	}))
	return buf, err
}

func (c *Chrome) Title(ctx context.Context) (string, error) {
	var title string
	err := c.run(ctx, chromedp.Title(&title))
	return title, err
}

func (c *Chrome) Location(ctx context.Context) (string, error) {
	var loc string
	err := c.run(ctx, chromedp.Location(&loc))
	return loc, err
}

func (c *Chrome) UserAgent(ctx context.Context) (string, error) {
	var ua string
	err := c.run(ctx, chromedp.Evaluate(`navigator.userAgent`, &ua))
	return ua, err
}

// Close shuts the browser down. It is safe to call more than once.
func (c *Chrome) Close() error {
	var err error
	if c.ctx.Err() == nil {
		err = chromedp.Cancel(c.ctx)
	}
	c.cancel()
	c.allocCancel()
	return err
}
