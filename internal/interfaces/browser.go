package interfaces

import (
	"context"
	"time"
)

// Browser is the automation collaborator a capture drives. Every artifact it
// produces is handed back as bytes; network traffic flows through the proxy.
type Browser interface {
	Navigate(ctx context.Context, url string) error

	// WaitForNetworkIdle returns once no request has been in flight for idleAfter,
	// or when ctx is done.
	WaitForNetworkIdle(ctx context.Context, idleAfter time.Duration) error

	ScrollToTop(ctx context.Context) error
	Screenshot(ctx context.Context) ([]byte, error)
	DOMSnapshot(ctx context.Context) ([]byte, error)
	PDF(ctx context.Context) ([]byte, error)
	Title(ctx context.Context) (string, error)
	// Location is the URL of the loaded document after redirects.
	Location(ctx context.Context) (string, error)
	UserAgent(ctx context.Context) (string, error)

	Close() error
}

// BrowserOptions configures a browser launch.
type BrowserOptions struct {
	// ProxyAddr is host:port of the intercepting proxy every request must use.
	ProxyAddr string

	WindowWidth  int
	WindowHeight int
	Headless     bool

	// ExecPath overrides browser discovery when set.
	ExecPath string

	UserAgentSuffix string
}

// BrowserLauncher starts a Browser. Captures receive one through options so
// tests can substitute a scripted client.
type BrowserLauncher func(ctx context.Context, opts BrowserOptions, logger Logger) (Browser, error)
