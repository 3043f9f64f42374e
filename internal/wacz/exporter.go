package wacz

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/raysh454/scoop/internal/capture"
	"github.com/raysh454/scoop/internal/cdx"
	"github.com/raysh454/scoop/internal/exchange"
	"github.com/raysh454/scoop/internal/httpmsg"
	"github.com/raysh454/scoop/internal/interfaces"
	"github.com/raysh454/scoop/internal/logging"
	"github.com/raysh454/scoop/internal/warc"
)

const tracerName = "github.com/raysh454/scoop/internal/wacz"

// Extras is the capture metadata stored under extras in datapackage.json.
// It is what an import needs beyond the archived exchanges.
type Extras struct {
	CaptureID      string                  `json:"captureId"`
	CaptureURL     string                  `json:"captureUrl"`
	CapturedAt     string                  `json:"capturedAt"`
	State          string                  `json:"state"`
	PartialReason  string                  `json:"partialReason,omitempty"`
	PageTitle      string                  `json:"pageTitle,omitempty"`
	PageURL        string                  `json:"pageUrl,omitempty"`
	Options        *capture.Options        `json:"captureOptions,omitempty"`
	ProvenanceInfo *capture.ProvenanceInfo `json:"provenanceInfo,omitempty"`
}

// ExportOptions controls one WACZ export.
type ExportOptions struct {
	// IncludeRaw adds the exact bytes of proxy traffic under raw/.
	IncludeRaw bool
	// Gzip stores the WARC as data.warc.gz.
	Gzip bool
}

// Exporter packages captures as WACZ files.
type Exporter struct {
	logger     logging.Logger
	digester   Digester
	signer     Signer
	httpClient *http.Client
}

// ExporterOption configures an Exporter.
type ExporterOption func(*Exporter)

func WithExporterLogger(l logging.Logger) ExporterOption {
	return func(e *Exporter) { e.logger = l }
}

func WithDigester(d Digester) ExporterOption {
	return func(e *Exporter) { e.digester = d }
}

// WithSigner sets the signer used for every export, overriding the signing
// server named in a capture's options.
func WithSigner(s Signer) ExporterOption {
	return func(e *Exporter) { e.signer = s }
}

// WithSigningClient sets the HTTP client used to reach signing servers
// named in capture options.
func WithSigningClient(hc *http.Client) ExporterOption {
	return func(e *Exporter) { e.httpClient = hc }
}

func NewExporter(opts ...ExporterOption) *Exporter {
	e := &Exporter{logger: interfaces.NopLogger{}, digester: SHA256{}}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Export builds a WACZ for c. The capture must be in an exportable state.
func (e *Exporter) Export(ctx context.Context, c *capture.Capture, opts ExportOptions) ([]byte, error) {
	if err := c.Exportable(); err != nil {
		return nil, err
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, "wacz.Export",
		trace.WithAttributes(
			attribute.String("capture.id", c.ID()),
			attribute.Bool("wacz.include_raw", opts.IncludeRaw),
		))
	defer span.End()

	filename := "data.warc"
	if opts.Gzip {
		filename += ".gz"
	}
	warcData, err := warc.Export(ctx, c, warc.Options{Gzip: opts.Gzip, Filename: filename, Logger: e.logger})
	if err != nil {
		return nil, err
	}
	records, err := warc.Read(warcData)
	if err != nil {
		return nil, fmt.Errorf("wacz: read back WARC: %w", err)
	}
	index, err := cdx.Build(records, filename)
	if err != nil {
		return nil, fmt.Errorf("wacz: build index: %w", err)
	}

	a := NewArchive(e.digester, e.signerFor(c))
	if err := a.AddFile("archive/"+filename, warcData); err != nil {
		return nil, err
	}
	if err := a.AddFile("indexes/index.cdxj", index); err != nil {
		return nil, err
	}

	exchanges := c.Exchanges()
	for i, ex := range exchanges {
		if i != 0 && !ex.IsEntryPoint() {
			continue
		}
		if ex.URL() == "" {
			e.logger.Warn("page without a URL left out of pages.jsonl", logging.String("exchange_id", ex.ID()))
			continue
		}
		title := ex.Description()
		if title == "" {
			title = defaultTitle(c)
		}
		if err := a.AddPage(Page{ID: ex.ID(), URL: ex.URL(), TS: exchange.FormatDate(ex.Date()), Title: title}); err != nil {
			return nil, err
		}
	}

	if opts.IncludeRaw {
		n, err := e.addRaw(a, exchanges, records)
		if err != nil {
			return nil, err
		}
		span.SetAttributes(attribute.Int("wacz.raw_files", n))
	}

	page := c.PageInfo()
	opt := c.Options()
	extras := Extras{
		CaptureID:      c.ID(),
		CaptureURL:     c.URL(),
		CapturedAt:     exchange.FormatDate(c.CreatedAt()),
		State:          c.State().String(),
		PartialReason:  c.PartialReason(),
		PageTitle:      page.Title,
		PageURL:        page.URL,
		Options:        &opt,
		ProvenanceInfo: c.Provenance(),
	}
	out, err := a.Finalize(ctx, Metadata{
		Title:       defaultTitle(c),
		Description: fmt.Sprintf("Captured by %s on %s", capture.SoftwareString(), exchange.FormatDate(c.CreatedAt())),
		Software:    capture.SoftwareString(),
		Created:     time.Now(),
		Extras:      extras,
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("WACZ exported",
		logging.String("capture_id", c.ID()),
		logging.Int("pages", len(a.Pages())),
		logging.Int("bytes", len(out)),
	)
	return out, nil
}

func (e *Exporter) signerFor(c *capture.Capture) Signer {
	if e.signer != nil {
		return e.signer
	}
	opt := c.Options()
	if opt.SigningURL == "" {
		return nil
	}
	return NewHTTPSigner(opt.SigningURL, opt.SigningToken, e.httpClient, e.logger)
}

type rawExchange interface {
	RequestRaw() []byte
	ResponseRaw() []byte
}

// addRaw stores the wire bytes of every proxy exchange. When the wire body
// equals a payload already in the WARC only the head is stored and the
// entry name carries the payload digest.
func (e *Exporter) addRaw(a *Archive, exchanges []exchange.Exchange, records []*warc.Record) (int, error) {
	payloads := map[string]bool{}
	for _, r := range records {
		if p := r.HTTPPayload(); p != nil {
			payloads[e.digester.Digest(p)] = true
		}
	}

	n := 0
	for _, ex := range exchanges {
		rx, ok := ex.(rawExchange)
		if !ok || ex.Source() != exchange.SourceProxy {
			continue
		}
		parts := []struct {
			kind string
			raw  []byte
		}{
			{warc.TypeRequest, rx.RequestRaw()},
			{warc.TypeResponse, rx.ResponseRaw()},
		}
		for _, part := range parts {
			if len(part.raw) == 0 {
				continue
			}
			name := rawName(part.kind, ex.Date(), ex.ID(), "")
			data := part.raw
			if _, bodyStart, ok := httpmsg.HeadBoundary(part.raw); ok && bodyStart < len(part.raw) {
				if d := e.digester.Digest(part.raw[bodyStart:]); payloads[d] {
					name = rawName(part.kind, ex.Date(), ex.ID(), d)
					data = part.raw[:bodyStart]
				}
			}
			if err := a.AddFile(name, data); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

func defaultTitle(c *capture.Capture) string {
	return "High-Fidelity Web Capture of " + c.URL()
}
