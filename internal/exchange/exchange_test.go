package exchange_test

import (
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/raysh454/scoop/internal/exchange"
	"github.com/raysh454/scoop/internal/httpmsg"
)

// ─── IDs and dates ─────────────────────────────────────────────────────

func TestNewID_UniqueAndTimeOrdered(t *testing.T) {
	t.Parallel()
	ids := make([]string, 50)
	for i := range ids {
		ids[i] = exchange.NewID()
	}
	seen := map[string]bool{}
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
	if !sort.StringsAreSorted(ids) {
		t.Errorf("expected v7 ids to sort in creation order")
	}
}

func TestFormatDate_RoundTrip(t *testing.T) {
	t.Parallel()
	d := exchange.Now()
	got, err := exchange.ParseDate(exchange.FormatDate(d))
	if err != nil {
		t.Fatalf("ParseDate: %v", err)
	}
	if !got.Equal(d) {
		t.Errorf("round trip mismatch: %v vs %v", got, d)
	}
}

// ─── Headers ───────────────────────────────────────────────────────────

func TestHeaders_MergeLastWinsKeepsFirstPosition(t *testing.T) {
	t.Parallel()
	h := exchange.NewHeaders([]exchange.HeaderField{
		{Name: "Content-Encoding", Value: "gzip"},
		{Name: "X-A", Value: "1"},
		{Name: "content-encoding", Value: "br"},
	})
	fields := h.Fields()
	if len(fields) != 2 {
		t.Fatalf("expected 2 merged fields, got %d", len(fields))
	}
	if fields[0].Name != "Content-Encoding" || fields[0].Value != "br" {
		t.Errorf("unexpected merged field %+v", fields[0])
	}
	if h.Get("CONTENT-ENCODING") != "br" {
		t.Errorf("Get should be case-insensitive")
	}
	if h.Flat()["X-A"] != "1" {
		t.Errorf("unexpected flat map %v", h.Flat())
	}
}

func TestHeaders_DelDoesNotAffectCopies(t *testing.T) {
	t.Parallel()
	h := exchange.NewHeaders([]exchange.HeaderField{{Name: "A", Value: "1"}, {Name: "B", Value: "2"}})
	cp := h
	cp.Del("A")
	if h.Get("A") != "1" || h.Get("B") != "2" {
		t.Errorf("original headers changed: %v", h.Fields())
	}
	if cp.Has("A") {
		t.Error("expected A removed from copy")
	}
}

// ─── ProxyExchange ─────────────────────────────────────────────────────

func TestProxyExchange_ParsesLazilyAndCaches(t *testing.T) {
	t.Parallel()
	ex := exchange.NewProxyExchange("c1", "http")
	ex.AppendRequestRaw([]byte("GET /a HTTP/1.1\r\nHost: example.com\r\n\r\n"))

	first, err := ex.ParsedRequest()
	if err != nil {
		t.Fatalf("ParsedRequest: %v", err)
	}
	second, _ := ex.ParsedRequest()
	if first != second {
		t.Error("expected cached message on second call")
	}
	if first.StartLine != "GET /a HTTP/1.1" {
		t.Errorf("unexpected start line %q", first.StartLine)
	}
}

func TestProxyExchange_SetRawInvalidatesCache(t *testing.T) {
	t.Parallel()
	ex := exchange.NewProxyExchange("c1", "http")
	ex.SetResponseRaw([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	before, err := ex.ParsedResponse()
	if err != nil {
		t.Fatalf("ParsedResponse: %v", err)
	}

	ex.SetResponseRaw([]byte("HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n"))
	after, err := ex.ParsedResponse()
	if err != nil {
		t.Fatalf("ParsedResponse: %v", err)
	}
	if before == after || after.StatusCode != 404 {
		t.Errorf("cache not invalidated: status %d", after.StatusCode)
	}
}

func TestProxyExchange_ParseFailureIsExplicit(t *testing.T) {
	t.Parallel()
	ex := exchange.NewProxyExchange("c1", "http")
	ex.AppendResponseRaw([]byte("HTTP/1.1 200 OK\r\nContent-"))
	_, err := ex.ParsedResponse()
	if !errors.Is(err, httpmsg.ErrIncomplete) {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}
	if !ex.HasResponse() {
		t.Error("raw bytes should still be present")
	}
}

func TestProxyExchange_URLDerivation(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name, scheme, raw, want string
	}{
		{"absolute form", "http", "GET http://a.test/x?y=1 HTTP/1.1\r\nHost: a.test\r\n\r\n", "http://a.test/x?y=1"},
		{"origin form https", "https", "GET /p HTTP/1.1\r\nHost: b.test\r\n\r\n", "https://b.test/p"},
		{"no host", "http", "GET /p HTTP/1.1\r\n\r\n", ""},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ex := exchange.NewProxyExchange("c", tc.scheme)
			ex.AppendRequestRaw([]byte(tc.raw))
			if got := ex.URL(); got != tc.want {
				t.Errorf("URL() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestProxyExchange_RestoreUsesTargetURI(t *testing.T) {
	t.Parallel()
	d := time.Date(2024, 1, 2, 3, 4, 5, 6e6, time.UTC)
	ex := exchange.RestoreProxyExchange("id-1", d, []byte("GET /p HTTP/1.1\r\nHost: b.test\r\n\r\n"), nil, "https://b.test/p")
	if ex.ID() != "id-1" || !ex.Date().Equal(d) {
		t.Errorf("identity not restored")
	}
	if ex.URL() != "https://b.test/p" {
		t.Errorf("unexpected URL %q", ex.URL())
	}
	if ex.HasResponse() {
		t.Error("expected no response")
	}
}

func TestProxyExchange_CombinedBodyAliasesWhenEqual(t *testing.T) {
	t.Parallel()
	ex := exchange.NewProxyExchange("c", "http")
	ex.SetResponseRaw([]byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"))
	msg, err := ex.ParsedResponse()
	if err != nil {
		t.Fatalf("ParsedResponse: %v", err)
	}
	if &msg.CombinedBody[0] != &msg.Body[0] {
		t.Error("expected CombinedBody to alias Body")
	}

	chunked := exchange.NewProxyExchange("c", "http")
	chunked.SetResponseRaw([]byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n0\r\n\r\n"))
	msg, err = chunked.ParsedResponse()
	if err != nil {
		t.Fatalf("ParsedResponse: %v", err)
	}
	if string(msg.Body) != "hello" || string(msg.CombinedBody) != "5\r\nhello\r\n0\r\n\r\n" {
		t.Errorf("unexpected bodies %q / %q", msg.Body, msg.CombinedBody)
	}
	if !msg.Chunked {
		t.Error("expected Chunked")
	}
}

func TestProxyExchange_ConcurrentAppends(t *testing.T) {
	t.Parallel()
	ex := exchange.NewProxyExchange("c", "http")
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ex.AppendResponseRaw([]byte("x"))
			_, _ = ex.ParsedResponse()
		}()
	}
	wg.Wait()
	if len(ex.ResponseRaw()) != 20 {
		t.Errorf("expected 20 bytes, got %d", len(ex.ResponseRaw()))
	}
}

// ─── GeneratedExchange ─────────────────────────────────────────────────

func TestGeneratedExchange_SynthesizesResponse(t *testing.T) {
	t.Parallel()
	body := []byte{0x89, 'P', 'N', 'G'}
	g := exchange.NewGeneratedExchange("file:///screenshot.png",
		[]exchange.HeaderField{{Name: "Content-Type", Value: "image/png"}},
		body, true, "Capture Time Screenshot of http://a.test/")

	if g.Source() != exchange.SourceGenerated || !g.IsEntryPoint() || g.HasRequest() {
		t.Fatalf("unexpected generated exchange flags")
	}
	resp, err := g.Response()
	if err != nil {
		t.Fatalf("Response: %v", err)
	}
	if resp.StartLine != "HTTP/1.1 200 OK" {
		t.Errorf("unexpected start line %q", resp.StartLine)
	}
	if resp.Headers.Get("Content-Length") != "4" {
		t.Errorf("expected Content-Length 4, got %q", resp.Headers.Get("Content-Length"))
	}
	if string(resp.Head()) != "HTTP/1.1 200 OK\r\nContent-Type: image/png\r\nContent-Length: 4\r\n\r\n" {
		t.Errorf("unexpected head %q", resp.Head())
	}
	if g.Size() != 4 {
		t.Errorf("Size = %d", g.Size())
	}
}
