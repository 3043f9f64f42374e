package fixtures_test

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/raysh454/scoop/internal/fixtures"
)

func TestHandler_ServesFixtureBytes(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(fixtures.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/test.html")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(body, fixtures.File("test.html")) {
		t.Errorf("body differs from fixture file")
	}
}

func TestHandler_Redirect(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(fixtures.Handler())
	defer srv.Close()

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Get(srv.URL + "/redirect")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMovedPermanently || resp.Header.Get("Location") != "/test.html" {
		t.Errorf("got %d Location=%q", resp.StatusCode, resp.Header.Get("Location"))
	}
}

func TestHandler_Bytes(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(fixtures.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/bytes?size=1234")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if len(body) != 1234 {
		t.Errorf("len = %d, want 1234", len(body))
	}
}
