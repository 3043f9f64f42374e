// Package fixtures serves the static pages capture scenarios run against.
package fixtures

import (
	"embed"
	"fmt"
	"io/fs"
	"net/http"
	"path"
	"strconv"
	"strings"
)

//go:embed static
var static embed.FS

// Config holds configuration for the fixture server.
type Config struct {
	// Port is the port on which the fixture server listens.
	Port int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{Port: 3000}
}

// File returns the bytes of a fixture file, e.g. "test.html".
func File(name string) []byte {
	b, err := static.ReadFile(path.Join("static", name))
	if err != nil {
		panic(fmt.Sprintf("fixtures: %s: %v", name, err))
	}
	return b
}

// Handler serves the fixtures:
//
//	/test.html, /page.html, /noarchive.html and their assets, served as is
//	/redirect          301 to /test.html
//	/chunked.html      test.html with chunked transfer coding
//	/gzip-noarchive    noarchive.html, gzip encoded
//	/bytes?size=N      N bytes of application/octet-stream
func Handler() http.Handler {
	mux := http.NewServeMux()
	sub, _ := fs.Sub(static, "static")
	files := http.FileServerFS(sub)

	mux.HandleFunc("/redirect", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/test.html", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/chunked.html", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		body := File("test.html")
		half := len(body) / 2
		_, _ = w.Write(body[:half])
		w.(http.Flusher).Flush()
		_, _ = w.Write(body[half:])
	})
	mux.HandleFunc("/gzip-noarchive", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(gzipped(File("noarchive.html")))
	})
	mux.HandleFunc("/bytes", func(w http.ResponseWriter, r *http.Request) {
		n, err := strconv.Atoi(r.URL.Query().Get("size"))
		if err != nil || n < 0 || n > 64<<20 {
			http.Error(w, "bad size", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(n))
		_, _ = w.Write([]byte(strings.Repeat("x", n)))
	})
	mux.Handle("/", files)
	return mux
}

// Server is a fixture HTTP server.
type Server struct {
	cfg Config
}

func NewServer(cfg Config) *Server {
	return &Server{cfg: cfg}
}

func (s *Server) Addr() string {
	return fmt.Sprintf(":%d", s.cfg.Port)
}

// Start serves fixtures until the listener fails.
func (s *Server) Start() error {
	return http.ListenAndServe(s.Addr(), Handler())
}
