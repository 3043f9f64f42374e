package wacz_test

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raysh454/scoop/internal/capture"
	"github.com/raysh454/scoop/internal/exchange"
	"github.com/raysh454/scoop/internal/fixtures"
	"github.com/raysh454/scoop/internal/testutil"
	"github.com/raysh454/scoop/internal/wacz"
	"github.com/raysh454/scoop/internal/warc"
)

const (
	pageURL  = "https://example.com/index.html"
	pageReq  = "GET /index.html HTTP/1.1\r\nHost: example.com\r\nUser-Agent: test\r\n\r\n"
	pageResp = "HTTP/1.1 200 OK\r\nContent-Type: text/html\r\nContent-Length: 13\r\n\r\n<p>hello</p>\n"

	chunkedResp = "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n0\r\n\r\n"
)

var date = time.Date(2024, 5, 1, 12, 30, 45, 123000000, time.UTC)

func reconstructed(exs ...exchange.Exchange) *capture.Capture {
	return capture.Reconstruct(capture.Snapshot{
		ID:        "capture-1",
		URL:       pageURL,
		CreatedAt: date,
		Options:   capture.DefaultOptions(),
		Exchanges: exs,
	})
}

func pageExchange(id, resp string) *exchange.ProxyExchange {
	return exchange.RestoreProxyExchange(id, date, []byte(pageReq), []byte(resp), pageURL)
}

func unzip(t *testing.T, data []byte) ([]string, map[string][]byte) {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("zip: %v", err)
	}
	var names []string
	files := map[string][]byte{}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", f.Name, err)
		}
		b, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("read %s: %v", f.Name, err)
		}
		names = append(names, f.Name)
		files[f.Name] = b
	}
	return names, files
}

func export(t *testing.T, c *capture.Capture, opts wacz.ExportOptions, eopts ...wacz.ExporterOption) []byte {
	t.Helper()
	data, err := wacz.NewExporter(eopts...).Export(context.Background(), c, opts)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	return data
}

// ─── Round trip ────────────────────────────────────────────────────────

func TestRoundTrip_LiveCapture(t *testing.T) {
	t.Parallel()
	for _, gz := range []bool{false, true} {
		t.Run(map[bool]string{false: "plain", true: "gzip"}[gz], func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(fixtures.Handler())
			t.Cleanup(srv.Close)

			opts := capture.DefaultOptions()
			opts.ProxyPort = 0
			opts.Blocklist = nil
			opts.PublicIPResolverEndpoint = ""
			opts.CaptureWindowX = 320
			opts.CaptureWindowY = 240
			opts.DOMSnapshot = true
			fb := &testutil.FakeBrowser{FetchSubresources: true}
			c, err := capture.New(srv.URL+"/page.html", opts, capture.WithBrowserLauncher(fb.Launcher()))
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if err := c.Run(context.Background()); err != nil {
				t.Fatalf("Run: %v", err)
			}

			data := export(t, c, wacz.ExportOptions{IncludeRaw: true, Gzip: gz})
			got, err := wacz.NewImporter().ImportBytes(context.Background(), data)
			if err != nil {
				t.Fatalf("ImportBytes: %v", err)
			}

			if got.State() != capture.StateReconstructed {
				t.Errorf("state = %s", got.State())
			}
			if got.URL() != c.URL() || got.ID() != c.ID() {
				t.Errorf("url, id = %s, %s; want %s, %s", got.URL(), got.ID(), c.URL(), c.ID())
			}
			if !got.CreatedAt().Equal(c.CreatedAt().Truncate(time.Millisecond)) {
				t.Errorf("createdAt = %v, want %v", got.CreatedAt(), c.CreatedAt())
			}
			if !reflect.DeepEqual(got.Options(), c.Options()) {
				t.Errorf("options differ:\n got %+v\nwant %+v", got.Options(), c.Options())
			}
			if got.Provenance() == nil || got.Provenance().UserAgent != testutil.FakeUserAgent {
				t.Errorf("provenance = %+v", got.Provenance())
			}

			want, have := c.Exchanges(), got.Exchanges()
			if len(have) != len(want) {
				t.Fatalf("got %d exchanges, want %d", len(have), len(want))
			}
			for i := range want {
				if have[i].ID() != want[i].ID() || have[i].Source() != want[i].Source() || !have[i].Date().Equal(want[i].Date()) {
					t.Errorf("exchange %d = %s %s %v, want %s %s %v", i,
						have[i].ID(), have[i].Source(), have[i].Date(), want[i].ID(), want[i].Source(), want[i].Date())
					continue
				}
				if have[i].URL() != want[i].URL() {
					t.Errorf("exchange %d url = %s, want %s", i, have[i].URL(), want[i].URL())
				}
				if wp, ok := want[i].(*exchange.ProxyExchange); ok {
					hp := have[i].(*exchange.ProxyExchange)
					if !bytes.Equal(hp.RequestRaw(), wp.RequestRaw()) || !bytes.Equal(hp.ResponseRaw(), wp.ResponseRaw()) {
						t.Errorf("exchange %d (%s) raw bytes differ", i, wp.URL())
					}
					continue
				}
				wr, _ := want[i].Response()
				hr, _ := have[i].Response()
				if !bytes.Equal(hr.Body, wr.Body) || have[i].IsEntryPoint() != want[i].IsEntryPoint() ||
					have[i].Description() != want[i].Description() {
					t.Errorf("generated exchange %s differs", want[i].URL())
				}
			}

			// A reconstructed capture exports again with the same exchange ids.
			again := export(t, got, wacz.ExportOptions{IncludeRaw: true, Gzip: gz})
			_, files := unzip(t, again)
			name := "archive/data.warc"
			if gz {
				name += ".gz"
			}
			records, err := warc.Read(files[name])
			if err != nil {
				t.Fatalf("read re-exported WARC: %v", err)
			}
			ids := map[string]bool{}
			for _, r := range records {
				ids[r.ExchangeID()] = true
			}
			for _, ex := range want {
				if ex.HasResponse() && !ids[ex.ID()] {
					t.Errorf("exchange %s missing after re-export", ex.ID())
				}
			}
		})
	}
}

func TestRoundTrip_ChunkedResponseKeepsWireBytes(t *testing.T) {
	t.Parallel()
	ex := pageExchange("ex-1", chunkedResp)
	data := export(t, reconstructed(ex), wacz.ExportOptions{IncludeRaw: true})

	got, err := wacz.NewImporter().ImportBytes(context.Background(), data)
	if err != nil {
		t.Fatalf("ImportBytes: %v", err)
	}
	px := got.Exchanges()[0].(*exchange.ProxyExchange)
	if string(px.ResponseRaw()) != chunkedResp {
		t.Errorf("response raw = %q", px.ResponseRaw())
	}
}

func TestImport_WithoutRawTreeUsesWARC(t *testing.T) {
	t.Parallel()
	ex := pageExchange("ex-1", pageResp)
	gen := exchange.RestoreGeneratedExchange("gen-1", date, capture.ScreenshotURL, "Screenshot", true,
		exchange.NewResponse(200, "OK", []exchange.HeaderField{{Name: "Content-Type", Value: "image/png"}}, []byte("png")))
	data := export(t, reconstructed(ex, gen), wacz.ExportOptions{})

	got, err := wacz.NewImporter().ImportBytes(context.Background(), data)
	if err != nil {
		t.Fatalf("ImportBytes: %v", err)
	}
	exs := got.Exchanges()
	if len(exs) != 2 {
		t.Fatalf("got %d exchanges, want 2", len(exs))
	}
	if exs[0].ID() != "ex-1" || exs[0].URL() != pageURL {
		t.Errorf("proxy exchange = %s %s", exs[0].ID(), exs[0].URL())
	}
	resp, err := exs[0].Response()
	if err != nil || string(resp.Body) != "<p>hello</p>\n" {
		t.Errorf("response = %v, %v", resp, err)
	}
	if exs[1].ID() != "gen-1" || exs[1].Source() != exchange.SourceGenerated || !exs[1].IsEntryPoint() {
		t.Errorf("generated exchange = %s %s entry=%v", exs[1].ID(), exs[1].Source(), exs[1].IsEntryPoint())
	}
	if exs[1].Description() != "Screenshot" {
		t.Errorf("description = %q", exs[1].Description())
	}
}

// ─── Export layout ─────────────────────────────────────────────────────

func TestExport_Layout(t *testing.T) {
	t.Parallel()
	data := export(t, reconstructed(pageExchange("ex-1", pageResp)), wacz.ExportOptions{})
	names, files := unzip(t, data)

	want := []string{"archive/data.warc", "indexes/index.cdxj", "pages/pages.jsonl", "datapackage.json", "datapackage-digest.json"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("zip entries = %v, want %v", names, want)
	}

	var dp wacz.Datapackage
	if err := json.Unmarshal(files["datapackage.json"], &dp); err != nil {
		t.Fatalf("datapackage: %v", err)
	}
	if dp.WACZVersion != "1.1.1" || dp.MainPageURL != pageURL || dp.MainPageDate != "2024-05-01T12:30:45.123Z" {
		t.Errorf("datapackage = %+v", dp)
	}
	if len(dp.Resources) != 3 {
		t.Fatalf("resources = %+v", dp.Resources)
	}
	for _, r := range dp.Resources {
		if r.Hash != (wacz.SHA256{}).Digest(files[r.Path]) || r.Bytes != int64(len(files[r.Path])) {
			t.Errorf("resource %s = %+v", r.Path, r)
		}
	}
	var extras wacz.Extras
	if err := json.Unmarshal(dp.Extras, &extras); err != nil || extras.CaptureURL != pageURL {
		t.Errorf("extras = %+v, %v", extras, err)
	}

	var digest wacz.DigestFile
	if err := json.Unmarshal(files["datapackage-digest.json"], &digest); err != nil {
		t.Fatalf("digest: %v", err)
	}
	if digest.Path != "datapackage.json" || digest.Hash != (wacz.SHA256{}).Digest(files["datapackage.json"]) || digest.SignedData != nil {
		t.Errorf("digest = %+v", digest)
	}
}

func TestExport_Pages(t *testing.T) {
	t.Parallel()
	first := pageExchange("ex-1", pageResp)
	second := pageExchange("ex-2", pageResp)
	shot := exchange.RestoreGeneratedExchange("gen-1", date, capture.ScreenshotURL, "Capture Time Screenshot", true,
		exchange.NewResponse(200, "OK", nil, []byte("png")))
	hidden := exchange.RestoreGeneratedExchange("gen-2", date, "file:///other.txt", "", false,
		exchange.NewResponse(200, "OK", nil, []byte("x")))
	data := export(t, reconstructed(first, second, shot, hidden), wacz.ExportOptions{})
	_, files := unzip(t, data)

	lines := strings.Split(strings.TrimSpace(string(files["pages/pages.jsonl"])), "\n")
	if len(lines) != 3 {
		t.Fatalf("pages.jsonl = %q", files["pages/pages.jsonl"])
	}
	if !strings.Contains(lines[0], `"format":"json-pages-1.0"`) {
		t.Errorf("header = %s", lines[0])
	}
	var p1, p2 wacz.Page
	_ = json.Unmarshal([]byte(lines[1]), &p1)
	_ = json.Unmarshal([]byte(lines[2]), &p2)
	if p1.ID != "ex-1" || p1.Title != "High-Fidelity Web Capture of "+pageURL || p1.TS != "2024-05-01T12:30:45.123Z" {
		t.Errorf("first page = %+v", p1)
	}
	if p2.ID != "gen-1" || p2.URL != capture.ScreenshotURL || p2.Title != "Capture Time Screenshot" {
		t.Errorf("second page = %+v", p2)
	}
}

func TestExport_MalformedTargetStillIndexed(t *testing.T) {
	t.Parallel()
	bad := exchange.RestoreProxyExchange("ex-bad", date,
		[]byte("GET /a%zz HTTP/1.1\r\nHost: example.com\r\n\r\n"), []byte(pageResp), "")
	data := export(t, reconstructed(pageExchange("ex-1", pageResp), bad), wacz.ExportOptions{IncludeRaw: true})
	_, files := unzip(t, data)

	index := string(files["indexes/index.cdxj"])
	lines := strings.Split(strings.TrimSpace(index), "\n")
	if len(lines) != 2 {
		t.Fatalf("index.cdxj = %q", index)
	}
	if !strings.Contains(index, `"url":"`+pageURL+`"`) || !strings.Contains(index, "/a%zz") {
		t.Errorf("index.cdxj = %q", index)
	}

	c, err := wacz.NewImporter().ImportBytes(context.Background(), data)
	if err != nil {
		t.Fatalf("ImportBytes: %v", err)
	}
	if got := len(c.Exchanges()); got != 2 {
		t.Errorf("imported %d exchanges, want 2", got)
	}
}

func TestRoundTrip_LooseResponseKeepsEmptyURL(t *testing.T) {
	t.Parallel()
	for _, includeRaw := range []bool{true, false} {
		loose := exchange.RestoreProxyExchange("ex-loose", date, nil, []byte(pageResp), "")
		data := export(t, reconstructed(pageExchange("ex-1", pageResp), loose), wacz.ExportOptions{IncludeRaw: includeRaw})

		c, err := wacz.NewImporter().ImportBytes(context.Background(), data)
		if err != nil {
			t.Fatalf("raw=%v ImportBytes: %v", includeRaw, err)
		}
		var found bool
		for _, ex := range c.Exchanges() {
			if ex.ID() != "ex-loose" {
				continue
			}
			found = true
			if ex.URL() != "" || ex.HasRequest() || !ex.HasResponse() {
				t.Errorf("raw=%v loose exchange url=%q request=%v response=%v", includeRaw, ex.URL(), ex.HasRequest(), ex.HasResponse())
			}
		}
		if !found {
			t.Errorf("raw=%v loose exchange not imported", includeRaw)
		}
	}
}

func TestRoundTrip_SigningTokenStaysOutOfArchive(t *testing.T) {
	t.Parallel()
	opts := capture.DefaultOptions()
	opts.SigningToken = "secret-token"
	c := capture.Reconstruct(capture.Snapshot{
		ID:        "capture-1",
		URL:       pageURL,
		CreatedAt: date,
		Options:   opts,
		Exchanges: []exchange.Exchange{pageExchange("ex-1", pageResp)},
	})
	data := export(t, c, wacz.ExportOptions{})
	if bytes.Contains(data, []byte("secret-token")) {
		t.Fatal("signing token written to the archive")
	}

	imported, err := wacz.NewImporter().ImportBytes(context.Background(), data)
	if err != nil {
		t.Fatalf("ImportBytes: %v", err)
	}
	want := opts
	want.SigningToken = ""
	if got := imported.Options(); !reflect.DeepEqual(got, want) {
		t.Errorf("options = %+v, want %+v", got, want)
	}
}

func TestExport_RawDedup(t *testing.T) {
	t.Parallel()
	data := export(t,
		reconstructed(pageExchange("ex-1", pageResp), pageExchange("ex-2", chunkedResp)),
		wacz.ExportOptions{IncludeRaw: true})
	names, files := unzip(t, data)

	var raw []string
	for _, n := range names {
		if strings.HasPrefix(n, "raw/") {
			raw = append(raw, n)
		}
	}
	if len(raw) != 4 {
		t.Fatalf("raw entries = %v", raw)
	}
	headOnly := "raw/response_2024-05-01T12:30:45.123Z_ex-1_" + (wacz.SHA256{}).Digest([]byte("<p>hello</p>\n"))
	want := []string{
		"raw/request_2024-05-01T12:30:45.123Z_ex-1",
		headOnly,
		"raw/request_2024-05-01T12:30:45.123Z_ex-2",
		"raw/response_2024-05-01T12:30:45.123Z_ex-2",
	}
	if !reflect.DeepEqual(raw, want) {
		t.Fatalf("raw entries = %v\nwant %v", raw, want)
	}
	head := pageResp[:strings.Index(pageResp, "\r\n\r\n")+4]
	if string(files[headOnly]) != head || len(files[headOnly]) >= len(pageResp) {
		t.Errorf("head-only entry = %q", files[headOnly])
	}
	if string(files[want[3]]) != chunkedResp {
		t.Errorf("chunked entry = %q", files[want[3]])
	}
}

func TestExport_RejectsUnexportableCapture(t *testing.T) {
	t.Parallel()
	c, err := capture.New("https://example.com/", capture.DefaultOptions())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = wacz.NewExporter().Export(context.Background(), c, wacz.ExportOptions{})
	var ise *capture.InvalidStateError
	if !errors.As(err, &ise) || ise.State != capture.StateInit {
		t.Fatalf("Export error = %v, want InvalidStateError in INIT", err)
	}
}

// ─── Signing ───────────────────────────────────────────────────────────

func signingServer(t *testing.T, fail int32, respond func(hash, created string) map[string]string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if n <= fail {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		var req struct{ Hash, Created string }
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(respond(req.Hash, req.Created))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestExport_Signed(t *testing.T) {
	t.Parallel()
	srv, calls := signingServer(t, 1, func(hash, created string) map[string]string {
		return map[string]string{"hash": hash, "created": created, "signature": "c2ln", "publicKey": "a2V5"}
	})
	c := reconstructed(pageExchange("ex-1", pageResp))
	signer := wacz.NewHTTPSigner(srv.URL, "secret", srv.Client(), nil)
	signer.MaxElapsed = 10 * time.Second

	data := export(t, c, wacz.ExportOptions{}, wacz.WithSigner(signer))
	_, files := unzip(t, data)
	var digest wacz.DigestFile
	if err := json.Unmarshal(files["datapackage-digest.json"], &digest); err != nil {
		t.Fatalf("digest: %v", err)
	}
	if digest.SignedData == nil || digest.SignedData.Hash != digest.Hash || digest.SignedData.PublicKey != "a2V5" {
		t.Errorf("signedData = %+v", digest.SignedData)
	}
	if calls.Load() != 2 {
		t.Errorf("signing calls = %d, want a retry after 503", calls.Load())
	}
}

func TestExport_SigningFailures(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		token   string
		respond func(hash, created string) map[string]string
	}{
		{"wrong hash", "secret", func(_, created string) map[string]string {
			return map[string]string{"hash": "sha256:00", "created": created, "signature": "c2ln", "publicKey": "a2V5"}
		}},
		{"bad date", "secret", func(hash, _ string) map[string]string {
			return map[string]string{"hash": hash, "created": "yesterday", "signature": "c2ln", "publicKey": "a2V5"}
		}},
		{"signature not base64", "secret", func(hash, created string) map[string]string {
			return map[string]string{"hash": hash, "created": created, "signature": "%%%", "publicKey": "a2V5"}
		}},
		{"no identity", "secret", func(hash, created string) map[string]string {
			return map[string]string{"hash": hash, "created": created, "signature": "c2ln"}
		}},
		{"unauthorized", "wrong", func(hash, created string) map[string]string { return nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv, calls := signingServer(t, 0, tc.respond)
			signer := wacz.NewHTTPSigner(srv.URL, tc.token, srv.Client(), nil)
			_, err := wacz.NewExporter(wacz.WithSigner(signer)).
				Export(context.Background(), reconstructed(pageExchange("ex-1", pageResp)), wacz.ExportOptions{})
			var se *wacz.SigningError
			if !errors.As(err, &se) {
				t.Fatalf("Export error = %v, want SigningError", err)
			}
			if calls.Load() != 1 {
				t.Errorf("signing calls = %d, want 1", calls.Load())
			}
		})
	}
}

func TestExport_SigningFromCaptureOptions(t *testing.T) {
	t.Parallel()
	srv, _ := signingServer(t, 0, func(hash, created string) map[string]string {
		return map[string]string{
			"hash": hash, "created": created, "signature": "c2ln",
			"domain": "signer.example", "domainCert": "cert", "timeSignature": "dHM=", "timestampCert": "tscert",
		}
	})
	opts := capture.DefaultOptions()
	opts.SigningURL = srv.URL
	opts.SigningToken = "secret"
	c := capture.Reconstruct(capture.Snapshot{URL: pageURL, CreatedAt: date, Options: opts,
		Exchanges: []exchange.Exchange{pageExchange("ex-1", pageResp)}})

	data := export(t, c, wacz.ExportOptions{}, wacz.WithSigningClient(srv.Client()))
	_, files := unzip(t, data)
	if !bytes.Contains(files["datapackage-digest.json"], []byte(`"domain": "signer.example"`)) {
		t.Errorf("digest = %s", files["datapackage-digest.json"])
	}
}

// ─── Archive ───────────────────────────────────────────────────────────

func TestArchive_Finalize_Incomplete(t *testing.T) {
	t.Parallel()
	a := wacz.NewArchive(nil, nil)
	_, err := a.Finalize(context.Background(), wacz.Metadata{})
	var ie *wacz.IncompleteArchiveError
	if !errors.As(err, &ie) {
		t.Fatalf("Finalize without WARC = %v", err)
	}

	if err := a.AddFile("archive/data.warc", []byte("WARC/1.1\r\n")); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	_, err = a.Finalize(context.Background(), wacz.Metadata{})
	if !errors.As(err, &ie) || ie.Missing != "pages" {
		t.Fatalf("Finalize without pages = %v", err)
	}

	if err := a.AddPage(wacz.Page{ID: "p", URL: pageURL, TS: "2024-05-01T12:30:45Z"}); err != nil {
		t.Fatalf("AddPage: %v", err)
	}
	if _, err := a.Finalize(context.Background(), wacz.Metadata{Software: "test"}); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
}

func TestArchive_AddFileValidation(t *testing.T) {
	t.Parallel()
	cases := []struct {
		path string
		data string
		ok   bool
	}{
		{"archive/data.warc", "WARC/1.1\r\n", true},
		{"archive/data.warc", "<html>", false},
		{"archive/data.warc.gz", "\x1f\x8b\x08\x00", true},
		{"archive/data.warc.gz", "WARC/1.1\r\n", false},
		{"archive/data.txt", "WARC/1.1\r\n", false},
		{"indexes/index.cdxj", "com,example)/ 20240501123045 {\"url\":\"https://example.com/\"}\n", true},
		{"indexes/index.cdxj", "com,example)/ 20240501123045 {\"mime\":\"text/html\"}\n", false},
		{"pages/pages.jsonl", "{\"format\":\"json-pages-1.0\",\"id\":\"pages\"}\n{\"url\":\"https://example.com/\",\"ts\":\"2024-05-01T12:30:45Z\"}\n", true},
		{"pages/pages.jsonl", "{\"url\":\"https://example.com/\"}\n", false},
		{"pages/pages.jsonl", "not json\n", false},
		{"raw/request_2024-05-01T12:30:45.123Z_ex-1", "GET / HTTP/1.1\r\n\r\n", true},
		{"datapackage.json", "{}", false},
		{"other/file.txt", "x", false},
		{"../escape.warc", "WARC/1.1", false},
	}
	for _, tc := range cases {
		err := wacz.NewArchive(nil, nil).AddFile(tc.path, []byte(tc.data))
		if tc.ok && err != nil {
			t.Errorf("AddFile(%s, %q) = %v", tc.path, tc.data, err)
		}
		var ve *wacz.ValidationError
		if !tc.ok && !errors.As(err, &ve) {
			t.Errorf("AddFile(%s, %q) = %v, want ValidationError", tc.path, tc.data, err)
		}
	}
}

// ─── Import ────────────────────────────────────────────────────────────

func rezip(t *testing.T, data []byte, edit func(name string, b []byte) []byte) []byte {
	t.Helper()
	names, files := unzip(t, data)
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, n := range names {
		b := edit(n, files[n])
		if b == nil {
			continue
		}
		w, err := zw.Create(n)
		if err != nil {
			t.Fatalf("create %s: %v", n, err)
		}
		_, _ = w.Write(b)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return buf.Bytes()
}

func TestImport_MissingDatapackage(t *testing.T) {
	t.Parallel()
	data := export(t, reconstructed(pageExchange("ex-1", pageResp)), wacz.ExportOptions{})
	broken := rezip(t, data, func(name string, b []byte) []byte {
		if name == wacz.DatapackageName {
			return nil
		}
		return b
	})
	_, err := wacz.NewImporter().ImportBytes(context.Background(), broken)
	var ie *wacz.IncompleteArchiveError
	if !errors.As(err, &ie) {
		t.Fatalf("ImportBytes = %v, want IncompleteArchiveError", err)
	}
}

func TestImport_TamperedResource(t *testing.T) {
	t.Parallel()
	data := export(t, reconstructed(pageExchange("ex-1", pageResp)), wacz.ExportOptions{IncludeRaw: true})
	broken := rezip(t, data, func(name string, b []byte) []byte {
		if strings.HasPrefix(name, "raw/request_") {
			return append(append([]byte(nil), b...), 'x')
		}
		return b
	})
	_, err := wacz.NewImporter().ImportBytes(context.Background(), broken)
	var ve *wacz.ValidationError
	if !errors.As(err, &ve) || !strings.HasPrefix(ve.Path, "raw/request_") {
		t.Fatalf("ImportBytes = %v, want ValidationError for the raw request", err)
	}
}

func TestImport_NotAZip(t *testing.T) {
	t.Parallel()
	if _, err := wacz.NewImporter().ImportBytes(context.Background(), []byte("WARC/1.1\r\n")); err == nil {
		t.Fatal("ImportBytes accepted a non-zip input")
	}
}
