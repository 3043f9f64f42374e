package wacz

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/raysh454/scoop/internal/cdx"
	"github.com/raysh454/scoop/internal/exchange"
	"github.com/raysh454/scoop/internal/warc"
)

const (
	// Version is the WACZ format version written to datapackage.json.
	Version = "1.1.1"

	DatapackageName = "datapackage.json"
	DigestName      = "datapackage-digest.json"
	PagesName       = "pages/pages.jsonl"
)

// Page is one line of pages.jsonl.
type Page struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	TS    string `json:"ts"`
	Title string `json:"title,omitempty"`
}

type pagesHeader struct {
	Format string `json:"format"`
	ID     string `json:"id"`
	Title  string `json:"title"`
}

// Resource describes one archived file in datapackage.json.
type Resource struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	Hash  string `json:"hash"`
	Bytes int64  `json:"bytes"`
}

// Datapackage is the top-level metadata file of a WACZ.
type Datapackage struct {
	Profile      string          `json:"profile"`
	Resources    []Resource      `json:"resources"`
	WACZVersion  string          `json:"wacz_version"`
	Title        string          `json:"title,omitempty"`
	Description  string          `json:"description,omitempty"`
	Software     string          `json:"software"`
	Created      string          `json:"created"`
	MainPageURL  string          `json:"mainPageUrl,omitempty"`
	MainPageDate string          `json:"mainPageDate,omitempty"`
	Extras       json.RawMessage `json:"extras,omitempty"`
}

// DigestFile is the content of datapackage-digest.json.
type DigestFile struct {
	Path       string     `json:"path"`
	Hash       string     `json:"hash"`
	SignedData *Signature `json:"signedData,omitempty"`
}

// Metadata is the descriptive part of datapackage.json.
type Metadata struct {
	Title       string
	Description string
	Software    string
	Created     time.Time
	Extras      any
}

type archiveFile struct {
	path string
	data []byte
}

// Archive accumulates the files and pages of a WACZ and packages them.
// Content is checked against its location as it is added.
type Archive struct {
	digester Digester
	signer   Signer

	files []archiveFile
	index map[string]int
	pages []Page
}

// NewArchive returns an empty archive. A nil digester means SHA256; a nil
// signer leaves the package unsigned.
func NewArchive(d Digester, s Signer) *Archive {
	if d == nil {
		d = SHA256{}
	}
	return &Archive{digester: d, signer: s, index: map[string]int{}}
}

// AddFile stores data at p, replacing any earlier file at the same path.
func (a *Archive) AddFile(p string, data []byte) error {
	clean := path.Clean(p)
	if clean != p || strings.HasPrefix(p, "/") || strings.HasPrefix(p, "..") {
		return &ValidationError{Path: p, Reason: "path must be relative and clean"}
	}
	if err := validateFile(p, data); err != nil {
		return err
	}
	if i, ok := a.index[p]; ok {
		a.files[i].data = data
		return nil
	}
	a.index[p] = len(a.files)
	a.files = append(a.files, archiveFile{path: p, data: data})
	return nil
}

// AddPage appends an entry to pages.jsonl.
func (a *Archive) AddPage(p Page) error {
	if p.URL == "" {
		return &ValidationError{Path: PagesName, Reason: "page has no url"}
	}
	if _, err := time.Parse(time.RFC3339Nano, p.TS); err != nil {
		return &ValidationError{Path: PagesName, Reason: fmt.Sprintf("page ts %q is not an ISO date", p.TS)}
	}
	a.pages = append(a.pages, p)
	return nil
}

// Pages returns the pages added so far.
func (a *Archive) Pages() []Page {
	return append([]Page(nil), a.pages...)
}

// Finalize writes pages.jsonl, datapackage.json and datapackage-digest.json
// and returns the zip bytes. The digest is signed when the archive has a
// signer.
func (a *Archive) Finalize(ctx context.Context, meta Metadata) ([]byte, error) {
	if !a.has("archive/") {
		return nil, &IncompleteArchiveError{Missing: "a WARC file under archive/"}
	}
	if len(a.pages) == 0 && !a.has("pages/") {
		return nil, &IncompleteArchiveError{Missing: "pages"}
	}
	if len(a.pages) > 0 {
		data, err := encodePages(a.pages)
		if err != nil {
			return nil, err
		}
		if err := a.AddFile(PagesName, data); err != nil {
			return nil, err
		}
	}

	created := meta.Created
	if created.IsZero() {
		created = time.Now()
	}
	created = created.UTC()

	files := append([]archiveFile(nil), a.files...)
	sort.SliceStable(files, func(i, j int) bool {
		return dirRank(files[i].path) < dirRank(files[j].path)
	})

	dp := Datapackage{
		Profile:     "data-package",
		WACZVersion: Version,
		Title:       meta.Title,
		Description: meta.Description,
		Software:    meta.Software,
		Created:     exchange.FormatDate(created),
		Resources:   make([]Resource, 0, len(files)),
	}
	for _, f := range files {
		dp.Resources = append(dp.Resources, Resource{
			Name:  path.Base(f.path),
			Path:  f.path,
			Hash:  a.digester.Digest(f.data),
			Bytes: int64(len(f.data)),
		})
	}
	for _, p := range a.pages {
		if strings.HasPrefix(p.URL, "http:") || strings.HasPrefix(p.URL, "https:") {
			dp.MainPageURL, dp.MainPageDate = p.URL, p.TS
			break
		}
	}
	if meta.Extras != nil {
		extras, err := json.Marshal(meta.Extras)
		if err != nil {
			return nil, fmt.Errorf("wacz: encode extras: %w", err)
		}
		dp.Extras = extras
	}
	dpData, err := json.MarshalIndent(dp, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("wacz: encode datapackage: %w", err)
	}

	digest := DigestFile{Path: DatapackageName, Hash: a.digester.Digest(dpData)}
	if a.signer != nil {
		sig, err := a.signer.Sign(ctx, digest.Hash, created)
		if err != nil {
			return nil, err
		}
		digest.SignedData = sig
	}
	digestData, err := json.MarshalIndent(digest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("wacz: encode digest: %w", err)
	}

	files = append(files,
		archiveFile{path: DatapackageName, data: dpData},
		archiveFile{path: DigestName, data: digestData},
	)
	return writeZip(files, created)
}

func (a *Archive) has(dir string) bool {
	for _, f := range a.files {
		if strings.HasPrefix(f.path, dir) {
			return true
		}
	}
	return false
}

func writeZip(files []archiveFile, modified time.Time) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		method := zip.Deflate
		// WARC files stay stored so replay tools can seek into them.
		if strings.HasPrefix(f.path, "archive/") {
			method = zip.Store
		}
		w, err := zw.CreateHeader(&zip.FileHeader{Name: f.path, Method: method, Modified: modified})
		if err != nil {
			return nil, fmt.Errorf("wacz: add %s: %w", f.path, err)
		}
		if _, err := w.Write(f.data); err != nil {
			return nil, fmt.Errorf("wacz: write %s: %w", f.path, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("wacz: close zip: %w", err)
	}
	return buf.Bytes(), nil
}

func dirRank(p string) int {
	switch {
	case strings.HasPrefix(p, "archive/"):
		return 0
	case strings.HasPrefix(p, "indexes/"):
		return 1
	case strings.HasPrefix(p, "pages/"):
		return 2
	default:
		return 3
	}
}

func validateFile(p string, data []byte) error {
	invalid := func(reason string) error { return &ValidationError{Path: p, Reason: reason} }
	if p == DatapackageName || p == DigestName {
		return invalid("written by Finalize")
	}
	dir, name, ok := strings.Cut(p, "/")
	if !ok || name == "" {
		return invalid("files must live under archive/, indexes/, pages/ or raw/")
	}
	switch dir {
	case "archive":
		switch {
		case strings.HasSuffix(name, ".warc.gz"):
			if !warc.IsGzip(data) {
				return invalid("not gzip data")
			}
		case strings.HasSuffix(name, ".warc"):
			if !bytes.HasPrefix(data, []byte("WARC/")) {
				return invalid("not a WARC file")
			}
		default:
			return invalid("expected a .warc or .warc.gz file")
		}
	case "indexes":
		if !strings.HasSuffix(name, ".cdxj") && !strings.HasSuffix(name, ".cdx") {
			return invalid("expected a .cdx or .cdxj file")
		}
		sc := bufio.NewScanner(bytes.NewReader(data))
		sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for n := 1; sc.Scan(); n++ {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			if _, err := cdx.ParseLine(line); err != nil {
				return invalid(fmt.Sprintf("line %d: %v", n, err))
			}
		}
		if err := sc.Err(); err != nil {
			return invalid(err.Error())
		}
	case "pages":
		if !strings.HasSuffix(name, ".jsonl") {
			return invalid("expected a .jsonl file")
		}
		if _, err := parsePages(data); err != nil {
			return invalid(err.Error())
		}
	case "raw":
	default:
		return invalid("files must live under archive/, indexes/, pages/ or raw/")
	}
	return nil
}

func encodePages(pages []Page) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(pagesHeader{Format: "json-pages-1.0", ID: "pages", Title: "All Pages"}); err != nil {
		return nil, fmt.Errorf("wacz: encode pages: %w", err)
	}
	for _, p := range pages {
		if err := enc.Encode(p); err != nil {
			return nil, fmt.Errorf("wacz: encode pages: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// parsePages reads pages.jsonl. The first line may be a format header.
func parsePages(data []byte) ([]Page, error) {
	var pages []Page
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for n := 1; sc.Scan(); n++ {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry struct {
			Page
			Format string `json:"format"`
		}
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("line %d: %v", n, err)
		}
		if n == 1 && entry.Format != "" && entry.URL == "" {
			continue
		}
		if entry.URL == "" || entry.TS == "" {
			return nil, fmt.Errorf("line %d: page needs url and ts", n)
		}
		pages = append(pages, entry.Page)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return pages, nil
}
