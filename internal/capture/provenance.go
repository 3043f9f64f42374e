package capture

import (
	"bytes"
	_ "embed"
	"html/template"
	"runtime"
	"time"

	"github.com/raysh454/scoop/internal/proxy"
)

// ProvenanceInfo records how a capture was made. It is embedded in WACZ
// metadata and rendered as the provenance summary page.
type ProvenanceInfo struct {
	CaptureID       string                 `json:"captureId"`
	URL             string                 `json:"url"`
	CapturedAt      time.Time              `json:"capturedAt"`
	ClientIP        string                 `json:"clientIp,omitempty"`
	UserAgent       string                 `json:"userAgent,omitempty"`
	OS              string                 `json:"os"`
	Software        string                 `json:"software"`
	Version         string                 `json:"version"`
	BlockedRequests []proxy.BlockedRequest `json:"blockedRequests"`
	NoArchiveURLs   []string               `json:"noArchiveUrls"`
	Options         Options                `json:"options"`
	PartialReason   string                 `json:"partialReason,omitempty"`
}

func (c *Capture) newProvenance() *ProvenanceInfo {
	return &ProvenanceInfo{
		CaptureID:       c.id,
		URL:             c.url,
		CapturedAt:      c.createdAt,
		OS:              runtime.GOOS + "/" + runtime.GOARCH,
		Software:        Software,
		Version:         Version(),
		BlockedRequests: []proxy.BlockedRequest{},
		NoArchiveURLs:   []string{},
		Options:         c.opts,
	}
}

//go:embed provenance.html.tmpl
var provenanceTemplateText string

var provenanceTemplate = template.Must(template.New("provenance").Funcs(template.FuncMap{
	"iso": func(t time.Time) string { return t.UTC().Format(time.RFC3339) },
}).Parse(provenanceTemplateText))

type provenanceView struct {
	Info  ProvenanceInfo
	Page  PageInfo
	Title string
}

func renderProvenance(info ProvenanceInfo, page PageInfo) ([]byte, error) {
	var buf bytes.Buffer
	err := provenanceTemplate.Execute(&buf, provenanceView{
		Info:  info,
		Page:  page,
		Title: "Provenance Summary of " + info.URL,
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
