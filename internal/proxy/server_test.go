package proxy_test

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/raysh454/scoop/internal/blocklist"
	"github.com/raysh454/scoop/internal/interfaces"
	"github.com/raysh454/scoop/internal/proxy"
)

func startProxy(t *testing.T, cfg proxy.Config, ic *proxy.Interceptor, bl interfaces.Blocklist) *proxy.Server {
	t.Helper()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	srv := proxy.New(cfg, ic, bl, interfaces.NopLogger{})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func proxyClient(t *testing.T, addr string, tlsCfg *tls.Config) *http.Client {
	t.Helper()
	u, err := url.Parse("http://" + addr)
	if err != nil {
		t.Fatalf("parse proxy url: %v", err)
	}
	tr := &http.Transport{Proxy: http.ProxyURL(u), TLSClientConfig: tlsCfg, DisableCompression: true}
	t.Cleanup(tr.CloseIdleConnections)
	return &http.Client{Transport: tr, Timeout: 10 * time.Second}
}

func get(t *testing.T, c *http.Client, target string) string {
	t.Helper()
	resp, err := c.Get(target)
	if err != nil {
		t.Fatalf("GET %s: %v", target, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

// ─── Plain HTTP ────────────────────────────────────────────────────────

func TestServer_PlainHTTPIsRelayedAndRecorded(t *testing.T) {
	t.Parallel()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "hello from "+r.URL.Path)
	}))
	defer upstream.Close()

	ic := newInterceptor()
	srv := startProxy(t, proxy.Config{}, ic, nil)
	client := proxyClient(t, srv.Addr(), nil)

	if body := get(t, client, upstream.URL+"/page"); body != "hello from /page" {
		t.Fatalf("unexpected body %q", body)
	}

	exs := ic.Exchanges()
	if len(exs) != 1 {
		t.Fatalf("expected 1 exchange, got %d", len(exs))
	}
	if !strings.HasPrefix(string(exs[0].RequestRaw()), "GET "+upstream.URL+"/page HTTP/1.1\r\n") {
		t.Errorf("request bytes not preserved: %q", exs[0].RequestRaw())
	}
	if exs[0].URL() != upstream.URL+"/page" {
		t.Errorf("unexpected URL %q", exs[0].URL())
	}
	resp, err := exs[0].ParsedResponse()
	if err != nil {
		t.Fatalf("ParsedResponse: %v", err)
	}
	if resp.StatusCode != 200 || string(resp.Body) != "hello from /page" {
		t.Errorf("unexpected recorded response %d %q", resp.StatusCode, resp.Body)
	}
}

func TestServer_MetricsCountProxiedTraffic(t *testing.T) {
	t.Parallel()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "counted")
	}))
	defer upstream.Close()

	m := proxy.NewMetrics()
	ic := newInterceptor(proxy.WithMetrics(m))
	srv := startProxy(t, proxy.Config{}, ic, nil)
	client := proxyClient(t, srv.Addr(), nil)
	get(t, client, upstream.URL+"/a")
	get(t, client, upstream.URL+"/b")

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var intercepted float64
	for _, f := range families {
		if f.GetName() != "scoop_proxy_intercepted_bytes_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			intercepted += metric.GetCounter().GetValue()
		}
	}
	if intercepted == 0 {
		t.Fatal("scoop_proxy_intercepted_bytes_total is zero after a proxied round trip")
	}

	stats, err := m.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	var recorded int64
	for _, ex := range ic.Exchanges() {
		recorded += int64(len(ex.RequestRaw()) + len(ex.ResponseRaw()))
	}
	if stats.Exchanges != 2 || stats.RequestBytes == 0 || stats.ResponseBytes == 0 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.RequestBytes+stats.ResponseBytes != recorded {
		t.Errorf("counted %d bytes, exchanges hold %d", stats.RequestBytes+stats.ResponseBytes, recorded)
	}
}

func TestServer_KeepAliveProducesOneExchangePerRequest(t *testing.T) {
	t.Parallel()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.URL.Path)
	}))
	defer upstream.Close()

	ic := newInterceptor()
	srv := startProxy(t, proxy.Config{}, ic, nil)
	client := proxyClient(t, srv.Addr(), nil)

	_ = get(t, client, upstream.URL+"/one")
	_ = get(t, client, upstream.URL+"/two")

	exs := ic.Exchanges()
	if len(exs) != 2 {
		t.Fatalf("expected 2 exchanges, got %d", len(exs))
	}
	if exs[0].ConnectionID() != exs[1].ConnectionID() {
		t.Errorf("expected both requests on one proxied connection")
	}
	if exs[0].URL() != upstream.URL+"/one" || exs[1].URL() != upstream.URL+"/two" {
		t.Errorf("unexpected order: %s, %s", exs[0].URL(), exs[1].URL())
	}
}

func TestServer_ChunkedResponseKeepsWireBytes(t *testing.T) {
	t.Parallel()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f := w.(http.Flusher)
		_, _ = io.WriteString(w, "part1-")
		f.Flush()
		_, _ = io.WriteString(w, "part2")
	}))
	defer upstream.Close()

	ic := newInterceptor()
	srv := startProxy(t, proxy.Config{}, ic, nil)
	client := proxyClient(t, srv.Addr(), nil)

	if body := get(t, client, upstream.URL+"/stream"); body != "part1-part2" {
		t.Fatalf("unexpected body %q", body)
	}
	ex := ic.Exchanges()[0]
	if !strings.Contains(string(ex.ResponseRaw()), "Transfer-Encoding: chunked") {
		t.Fatalf("expected chunked response on the wire: %q", ex.ResponseRaw())
	}
	resp, err := ex.ParsedResponse()
	if err != nil {
		t.Fatalf("ParsedResponse: %v", err)
	}
	if string(resp.Body) != "part1-part2" || !resp.Chunked {
		t.Errorf("unexpected decoded body %q", resp.Body)
	}
}

// ─── CONNECT / TLS interception ───────────────────────────────────────

func TestServer_ConnectIsIntercepted(t *testing.T) {
	t.Parallel()
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "secret "+r.URL.Path)
	}))
	defer upstream.Close()

	ca, err := proxy.NewEphemeralCertAuthority()
	if err != nil {
		t.Fatalf("NewEphemeralCertAuthority: %v", err)
	}
	upstreamRoots := x509.NewCertPool()
	upstreamRoots.AddCert(upstream.Certificate())

	ic := newInterceptor()
	srv := startProxy(t, proxy.Config{CA: ca, UpstreamRootCAs: upstreamRoots}, ic, nil)

	clientRoots := x509.NewCertPool()
	if !clientRoots.AppendCertsFromPEM(ca.CertPEM()) {
		t.Fatal("could not load CA PEM")
	}
	client := proxyClient(t, srv.Addr(), &tls.Config{RootCAs: clientRoots})

	if body := get(t, client, upstream.URL+"/secure"); body != "secret /secure" {
		t.Fatalf("unexpected body %q", body)
	}

	exs := ic.Exchanges()
	if len(exs) != 1 {
		t.Fatalf("expected 1 exchange, got %d", len(exs))
	}
	if exs[0].URL() != upstream.URL+"/secure" {
		t.Errorf("expected https URL, got %q", exs[0].URL())
	}
	if !strings.HasPrefix(string(exs[0].RequestRaw()), "GET /secure HTTP/1.1\r\n") {
		t.Errorf("expected decrypted origin-form request, got %q", exs[0].RequestRaw())
	}
}

func TestServer_ConnectWithoutCAIsTunnelled(t *testing.T) {
	t.Parallel()
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "tunnelled")
	}))
	defer upstream.Close()

	ic := newInterceptor()
	srv := startProxy(t, proxy.Config{}, ic, nil)
	roots := x509.NewCertPool()
	roots.AddCert(upstream.Certificate())
	client := proxyClient(t, srv.Addr(), &tls.Config{RootCAs: roots})

	if body := get(t, client, upstream.URL+"/"); body != "tunnelled" {
		t.Fatalf("unexpected body %q", body)
	}
	if n := len(ic.Exchanges()); n != 0 {
		t.Errorf("blind tunnels must not be recorded, got %d exchanges", n)
	}
}

// ─── Blocklist ─────────────────────────────────────────────────────────

func TestServer_BlockedURLProducesNoExchange(t *testing.T) {
	t.Parallel()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "should not be reached")
	}))
	defer upstream.Close()

	bl, err := blocklist.New([]string{"10.0.0.0/8", upstream.URL})
	if err != nil {
		t.Fatalf("blocklist.New: %v", err)
	}
	ic := newInterceptor()
	srv := startProxy(t, proxy.Config{}, ic, bl)
	client := proxyClient(t, srv.Addr(), nil)

	if resp, err := client.Get(upstream.URL + "/anything"); err == nil {
		resp.Body.Close()
		t.Fatal("expected the blocked request to fail")
	}
	if n := len(ic.Exchanges()); n != 0 {
		t.Fatalf("expected no exchanges, got %d", n)
	}
	blocked := ic.BlockedRequests()
	if len(blocked) == 0 || blocked[0].Match != upstream.URL+"/anything" || blocked[0].Rule != upstream.URL {
		t.Fatalf("unexpected blocked requests %+v", blocked)
	}
}

func TestServer_BlockedDestinationIP(t *testing.T) {
	t.Parallel()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "should not be reached")
	}))
	defer upstream.Close()
	_, port, _ := net.SplitHostPort(upstream.Listener.Addr().String())

	bl, err := blocklist.New([]string{"127.0.0.0/8", "::1/128"})
	if err != nil {
		t.Fatalf("blocklist.New: %v", err)
	}
	ic := newInterceptor()
	srv := startProxy(t, proxy.Config{}, ic, bl)
	client := proxyClient(t, srv.Addr(), nil)

	if resp, err := client.Get(fmt.Sprintf("http://localhost:%s/x", port)); err == nil {
		resp.Body.Close()
		t.Fatal("expected the blocked request to fail")
	}
	if n := len(ic.Exchanges()); n != 0 {
		t.Fatalf("expected no exchanges, got %d", n)
	}
	blocked := ic.BlockedRequests()
	if len(blocked) == 0 || blocked[0].Match != "127.0.0.1" || blocked[0].Rule != "127.0.0.0/8" {
		t.Fatalf("unexpected blocked requests %+v", blocked)
	}
}

// ─── Lifecycle ─────────────────────────────────────────────────────────

func TestServer_StartFailsWhenPortInUse(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	srv := proxy.New(proxy.Config{Host: "127.0.0.1", Port: port}, newInterceptor(), nil, interfaces.NopLogger{})
	if err := srv.Start(); err == nil {
		_ = srv.Close()
		t.Fatal("expected listen error")
	}
}

func TestServer_CloseIsIdempotent(t *testing.T) {
	t.Parallel()
	srv := proxy.New(proxy.Config{Host: "127.0.0.1"}, newInterceptor(), nil, interfaces.NopLogger{})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestCertAuthority_IssuesAndCachesLeaf(t *testing.T) {
	t.Parallel()
	ca, err := proxy.NewEphemeralCertAuthority()
	if err != nil {
		t.Fatalf("NewEphemeralCertAuthority: %v", err)
	}
	first, err := ca.IssueFor("example.com:443")
	if err != nil {
		t.Fatalf("IssueFor: %v", err)
	}
	second, err := ca.IssueFor("EXAMPLE.com")
	if err != nil {
		t.Fatalf("IssueFor: %v", err)
	}
	if &first.Certificate[0][0] != &second.Certificate[0][0] {
		t.Error("expected cached leaf for the same host")
	}
	leaf, err := x509.ParseCertificate(first.Certificate[0])
	if err != nil {
		t.Fatalf("parse leaf: %v", err)
	}
	roots := x509.NewCertPool()
	roots.AddCert(ca.Certificate())
	if _, err := leaf.Verify(x509.VerifyOptions{DNSName: "example.com", Roots: roots}); err != nil {
		t.Errorf("leaf does not verify against CA: %v", err)
	}
}
