package capture

import (
	"net/url"
	"time"

	"github.com/raysh454/scoop/internal/blocklist"
)

// Options is the validated configuration of one capture. It is stored in
// exported archives and read back on import.
type Options struct {
	// MaxCaptureSize caps the bytes recorded by the proxy plus generated artifacts.
	MaxCaptureSize int64 `yaml:"max_capture_size" json:"maxCaptureSize"`

	CaptureTimeout     time.Duration `yaml:"capture_timeout" json:"captureTimeout"`
	LoadTimeout        time.Duration `yaml:"load_timeout" json:"loadTimeout"`
	NetworkIdleTimeout time.Duration `yaml:"network_idle_timeout" json:"networkIdleTimeout"`

	ProxyHost string `yaml:"proxy_host" json:"proxyHost"`
	// ProxyPort 0 picks a free port.
	ProxyPort int `yaml:"proxy_port" json:"proxyPort"`

	CaptureWindowX int  `yaml:"capture_window_x" json:"captureWindowX"`
	CaptureWindowY int  `yaml:"capture_window_y" json:"captureWindowY"`
	Headless       bool `yaml:"headless" json:"headless"`

	Screenshot        bool `yaml:"screenshot" json:"screenshot"`
	DOMSnapshot       bool `yaml:"dom_snapshot" json:"domSnapshot"`
	PDFSnapshot       bool `yaml:"pdf_snapshot" json:"pdfSnapshot"`
	ProvenanceSummary bool `yaml:"provenance_summary" json:"provenanceSummary"`

	PublicIPResolverEndpoint string `yaml:"public_ip_resolver_endpoint" json:"publicIpResolverEndpoint"`

	// Blocklist entries are literal prefixes, CIDR ranges or /regex/ rules.
	Blocklist []string `yaml:"blocklist" json:"blocklist"`

	InsecureUpstreamTLS bool   `yaml:"insecure_upstream_tls" json:"insecureUpstreamTls"`
	CACertPath          string `yaml:"ca_cert_path" json:"caCertPath"`
	CAKeyPath           string `yaml:"ca_key_path" json:"caKeyPath"`

	BrowserPath     string `yaml:"browser_path" json:"browserPath"`
	UserAgentSuffix string `yaml:"user_agent_suffix" json:"userAgentSuffix"`

	SigningURL   string `yaml:"signing_url" json:"signingUrl"`
	SigningToken string `yaml:"signing_token" json:"-"`
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		MaxCaptureSize:           200 * 1024 * 1024,
		CaptureTimeout:           60 * time.Second,
		LoadTimeout:              20 * time.Second,
		NetworkIdleTimeout:       20 * time.Second,
		ProxyHost:                "127.0.0.1",
		ProxyPort:                9000,
		CaptureWindowX:           1600,
		CaptureWindowY:           900,
		Headless:                 true,
		Screenshot:               true,
		ProvenanceSummary:        true,
		PublicIPResolverEndpoint: "https://icanhazip.com",
		Blocklist:                blocklist.DefaultRules(),
	}
}

// Validate returns a *ValidationError naming the first violated constraint.
func (o Options) Validate() error {
	switch {
	case o.MaxCaptureSize <= 0:
		return &ValidationError{Field: "maxCaptureSize", Reason: "must be positive"}
	case o.CaptureTimeout <= 0:
		return &ValidationError{Field: "captureTimeout", Reason: "must be positive"}
	case o.LoadTimeout <= 0:
		return &ValidationError{Field: "loadTimeout", Reason: "must be positive"}
	case o.NetworkIdleTimeout <= 0:
		return &ValidationError{Field: "networkIdleTimeout", Reason: "must be positive"}
	case o.ProxyHost == "":
		return &ValidationError{Field: "proxyHost", Reason: "must not be empty"}
	case o.ProxyPort < 0 || o.ProxyPort > 65535:
		return &ValidationError{Field: "proxyPort", Reason: "must be between 0 and 65535"}
	case o.CaptureWindowX <= 0:
		return &ValidationError{Field: "captureWindowX", Reason: "must be positive"}
	case o.CaptureWindowY <= 0:
		return &ValidationError{Field: "captureWindowY", Reason: "must be positive"}
	case (o.CACertPath == "") != (o.CAKeyPath == ""):
		return &ValidationError{Field: "caCertPath", Reason: "certificate and key must be set together"}
	}
	if o.PublicIPResolverEndpoint != "" && !isHTTPURL(o.PublicIPResolverEndpoint) {
		return &ValidationError{Field: "publicIpResolverEndpoint", Reason: "must be an http(s) URL"}
	}
	if o.SigningURL != "" && !isHTTPURL(o.SigningURL) {
		return &ValidationError{Field: "signingUrl", Reason: "must be an http(s) URL"}
	}
	if _, err := blocklist.New(o.Blocklist); err != nil {
		return &ValidationError{Field: "blocklist", Reason: "invalid rule", Err: err}
	}
	return nil
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
