package warc_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/raysh454/scoop/internal/capture"
	"github.com/raysh454/scoop/internal/exchange"
	"github.com/raysh454/scoop/internal/testutil"
	"github.com/raysh454/scoop/internal/warc"
)

const (
	pageURL  = "https://example.com/index.html"
	pageReq  = "GET /index.html HTTP/1.1\r\nHost: example.com\r\nUser-Agent: test\r\n\r\n"
	pageResp = "HTTP/1.1 200 OK\r\nContent-Type: text/html\r\nContent-Length: 13\r\n\r\n<p>hello</p>\n"
)

var date = time.Date(2024, 5, 1, 12, 30, 45, 123000000, time.UTC)

func proxyExchange(id, req, resp string) *exchange.ProxyExchange {
	var reqRaw, respRaw []byte
	if req != "" {
		reqRaw = []byte(req)
	}
	if resp != "" {
		respRaw = []byte(resp)
	}
	return exchange.RestoreProxyExchange(id, date, reqRaw, respRaw, pageURL)
}

func reconstructed(exs ...exchange.Exchange) *capture.Capture {
	return capture.Reconstruct(capture.Snapshot{
		ID:        "capture-1",
		URL:       pageURL,
		CreatedAt: date,
		Options:   capture.DefaultOptions(),
		Exchanges: exs,
	})
}

func exportAndRead(t *testing.T, c *capture.Capture, opts warc.Options) ([]byte, []*warc.Record) {
	t.Helper()
	data, err := warc.Export(context.Background(), c, opts)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	records, err := warc.Read(data)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	return data, records
}

// ─── Export ────────────────────────────────────────────────────────────

func TestExport_RecordLayout(t *testing.T) {
	t.Parallel()
	ex := proxyExchange("ex-1", pageReq, pageResp)
	_, records := exportAndRead(t, reconstructed(ex), warc.Options{})

	if len(records) != 3 {
		t.Fatalf("got %d records, want warcinfo + response + request", len(records))
	}
	info, resp, req := records[0], records[1], records[2]
	if info.Type() != warc.TypeWarcinfo || !bytes.Contains(info.Block, []byte("software: "+capture.Software)) {
		t.Errorf("warcinfo = %s %q", info.Type(), info.Block)
	}
	if resp.Type() != warc.TypeResponse || req.Type() != warc.TypeRequest {
		t.Fatalf("record types = %s, %s", resp.Type(), req.Type())
	}
	for _, r := range []*warc.Record{resp, req} {
		if r.ExchangeID() != "ex-1" {
			t.Errorf("%s exchange-id = %q", r.Type(), r.ExchangeID())
		}
		if r.TargetURI() != pageURL {
			t.Errorf("%s target = %q", r.Type(), r.TargetURI())
		}
		if got, _ := r.Date(); !got.Equal(date) {
			t.Errorf("%s date = %v, want %v", r.Type(), got, date)
		}
		if r.Header("WARC-Block-Digest") != warc.Digest(r.Block) {
			t.Errorf("%s block digest mismatch", r.Type())
		}
	}
	if req.Header("WARC-Concurrent-To") != resp.ID() {
		t.Errorf("request not linked to response: %q vs %q", req.Header("WARC-Concurrent-To"), resp.ID())
	}
	if !bytes.HasPrefix(req.Block, []byte("GET "+pageURL+" HTTP/1.1\r\n")) {
		t.Errorf("request line = %q", strings.SplitN(string(req.Block), "\r\n", 2)[0])
	}
	if !bytes.HasPrefix(resp.Block, []byte("HTTP/1.1 200 OK\r\n")) {
		t.Errorf("status line = %q", strings.SplitN(string(resp.Block), "\r\n", 2)[0])
	}
	if !bytes.Equal(resp.HTTPPayload(), []byte("<p>hello</p>\n")) {
		t.Errorf("payload = %q", resp.HTTPPayload())
	}
	if resp.Header("WARC-Payload-Digest") != warc.Digest([]byte("<p>hello</p>\n")) {
		t.Errorf("payload digest = %q", resp.Header("WARC-Payload-Digest"))
	}
}

func TestExport_LooseResponseAndMissingResponse(t *testing.T) {
	t.Parallel()
	loose := exchange.RestoreProxyExchange("loose", date, nil, []byte(pageResp), pageURL)
	unanswered := proxyExchange("unanswered", pageReq, "")
	_, records := exportAndRead(t, reconstructed(loose, unanswered), warc.Options{})

	if len(records) != 2 {
		t.Fatalf("got %d records, want warcinfo + one response", len(records))
	}
	if records[1].Type() != warc.TypeResponse || records[1].ExchangeID() != "loose" {
		t.Errorf("record = %s %s", records[1].Type(), records[1].ExchangeID())
	}
}

func TestExport_LiveLooseResponseGetsUnknownTarget(t *testing.T) {
	t.Parallel()
	loose := exchange.NewProxyExchange("conn-1", "http")
	loose.AppendResponseRaw([]byte(pageResp))
	if loose.URL() != "" {
		t.Fatalf("loose URL = %q, want empty", loose.URL())
	}
	_, records := exportAndRead(t, reconstructed(loose), warc.Options{})

	if len(records) != 2 {
		t.Fatalf("got %d records, want warcinfo + one response", len(records))
	}
	r := records[1]
	if r.Type() != warc.TypeResponse || r.ExchangeID() != loose.ID() {
		t.Errorf("record = %s %s", r.Type(), r.ExchangeID())
	}
	if r.TargetURI() != warc.UnknownTarget(loose.ID()) || !warc.IsUnknownTarget(r.TargetURI()) {
		t.Errorf("target = %q", r.TargetURI())
	}
}

func TestExport_GeneratedExchange(t *testing.T) {
	t.Parallel()
	gen := exchange.NewGeneratedExchange("file:///screenshot.png",
		[]exchange.HeaderField{{Name: "Content-Type", Value: "image/png"}},
		[]byte("\x89PNG fake"), true, "Capture Time Screenshot of "+pageURL)
	_, records := exportAndRead(t, reconstructed(gen), warc.Options{})

	if len(records) != 2 {
		t.Fatalf("got %d records", len(records))
	}
	r := records[1]
	if r.TargetURI() != "file:///screenshot.png" {
		t.Errorf("target = %q", r.TargetURI())
	}
	if r.Header("WARC-Refers-To-Target-URI") != pageURL {
		t.Errorf("refers-to = %q", r.Header("WARC-Refers-To-Target-URI"))
	}
	if r.Header(warc.HeaderDescription) != gen.Description() {
		t.Errorf("description = %q", r.Header(warc.HeaderDescription))
	}
	if !bytes.Equal(r.HTTPPayload(), []byte("\x89PNG fake")) {
		t.Errorf("payload = %q", r.HTTPPayload())
	}
}

func TestExport_ChunkedResponseIsDecoded(t *testing.T) {
	t.Parallel()
	chunked := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\nContent-Type: text/plain\r\n\r\n5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n"
	_, records := exportAndRead(t, reconstructed(proxyExchange("c", pageReq, chunked)), warc.Options{})

	resp := records[1]
	if !bytes.Equal(resp.HTTPPayload(), []byte("hello world")) {
		t.Errorf("payload = %q", resp.HTTPPayload())
	}
	if bytes.Contains(resp.Block, []byte("Transfer-Encoding")) || !bytes.Contains(resp.Block, []byte("Content-Length: 11\r\n")) {
		t.Errorf("head not relabelled:\n%s", resp.Block)
	}
}

func TestExport_SkipsUnparsableExchange(t *testing.T) {
	t.Parallel()
	bad := proxyExchange("bad", pageReq, "garbage without a status line\r\n\r\n")
	good := proxyExchange("good", pageReq, pageResp)
	logger := &testutil.DummyLogger{}
	_, records := exportAndRead(t, reconstructed(bad, good), warc.Options{Logger: logger})

	if len(records) != 3 || records[1].ExchangeID() != "good" {
		t.Fatalf("records = %d, first exchange %q", len(records), records[1].ExchangeID())
	}
	if !logger.HasWarn("exchange skipped in WARC export") {
		t.Errorf("skip not logged: %v", logger.Warns)
	}
}

func TestExport_RejectsUnfinishedCapture(t *testing.T) {
	t.Parallel()
	opts := capture.DefaultOptions()
	opts.Blocklist = nil
	c, err := capture.New(pageURL, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = warc.Export(context.Background(), c, warc.Options{})
	var ise *capture.InvalidStateError
	if !errors.As(err, &ise) || ise.State != capture.StateInit {
		t.Fatalf("Export error = %v, want InvalidStateError", err)
	}
}

// ─── Read ──────────────────────────────────────────────────────────────

func TestRead_OffsetsLocateRecords(t *testing.T) {
	t.Parallel()
	c := reconstructed(proxyExchange("a", pageReq, pageResp), proxyExchange("b", pageReq, pageResp))
	for _, compressed := range []bool{false, true} {
		data, records := exportAndRead(t, c, warc.Options{Gzip: compressed})
		if len(records) != 5 {
			t.Fatalf("gzip=%v: got %d records", compressed, len(records))
		}
		if compressed != warc.IsGzip(data) {
			t.Fatalf("gzip=%v: IsGzip = %v", compressed, warc.IsGzip(data))
		}
		for _, r := range records {
			slice := data[r.Offset : r.Offset+r.Length]
			if compressed {
				zr, err := gzip.NewReader(bytes.NewReader(slice))
				if err != nil {
					t.Fatalf("member at %d: %v", r.Offset, err)
				}
				slice, _ = io.ReadAll(zr)
			}
			again, err := warc.Read(slice)
			if err != nil || len(again) != 1 || again[0].ID() != r.ID() {
				t.Errorf("gzip=%v: slice at %d does not hold record %s", compressed, r.Offset, r.ID())
			}
		}
	}
}

func TestRead_Malformed(t *testing.T) {
	t.Parallel()
	for _, data := range []string{
		"not a warc\r\n\r\n",
		"WARC/1.1\r\nContent-Length: 50\r\n\r\nshort\r\n\r\n",
		"WARC/1.1\r\nContent-Length: 2\r\n\r\nokXX",
	} {
		if _, err := warc.Read([]byte(data)); !errors.Is(err, warc.ErrMalformedRecord) {
			t.Errorf("Read(%q) error = %v, want ErrMalformedRecord", data, err)
		}
	}
}
