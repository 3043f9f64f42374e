package wacz

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/raysh454/scoop/internal/capture"
	"github.com/raysh454/scoop/internal/exchange"
	"github.com/raysh454/scoop/internal/httpmsg"
	"github.com/raysh454/scoop/internal/interfaces"
	"github.com/raysh454/scoop/internal/logging"
	"github.com/raysh454/scoop/internal/warc"
)

// Importer rebuilds captures from WACZ files.
type Importer struct {
	logger   logging.Logger
	digester Digester
}

// ImporterOption configures an Importer.
type ImporterOption func(*Importer)

func WithImporterLogger(l logging.Logger) ImporterOption {
	return func(im *Importer) { im.logger = l }
}

// WithImportDigester sets the digester used to verify resources and to
// link raw heads with WARC payloads. It must match the exporting side.
func WithImportDigester(d Digester) ImporterOption {
	return func(im *Importer) { im.digester = d }
}

func NewImporter(opts ...ImporterOption) *Importer {
	im := &Importer{logger: interfaces.NopLogger{}, digester: SHA256{}}
	for _, o := range opts {
		o(im)
	}
	return im
}

// Import reads the WACZ at path.
func (im *Importer) Import(ctx context.Context, path string) (*capture.Capture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wacz: read %s: %w", path, err)
	}
	return im.ImportBytes(ctx, data)
}

type zipContent struct {
	order []string
	files map[string][]byte
}

func readZip(data []byte) (*zipContent, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("wacz: open zip: %w", err)
	}
	zc := &zipContent{files: make(map[string][]byte, len(zr.File))}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("wacz: open %s: %w", f.Name, err)
		}
		b, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("wacz: read %s: %w", f.Name, err)
		}
		if _, dup := zc.files[f.Name]; !dup {
			zc.order = append(zc.order, f.Name)
		}
		zc.files[f.Name] = b
	}
	return zc, nil
}

// ImportBytes rebuilds a capture from WACZ bytes. The result is in state
// RECONSTRUCTED: proxy exchanges first, then generated exchanges in WARC
// order.
func (im *Importer) ImportBytes(ctx context.Context, data []byte) (*capture.Capture, error) {
	_, span := otel.Tracer(tracerName).Start(ctx, "wacz.Import")
	defer span.End()

	zc, err := readZip(data)
	if err != nil {
		return nil, err
	}
	dp, extras, err := im.readDatapackage(zc)
	if err != nil {
		return nil, err
	}

	records, err := im.readWARC(zc)
	if err != nil {
		return nil, err
	}
	entryPoints, err := readEntryPoints(zc)
	if err != nil {
		return nil, err
	}

	payloads := map[string][]byte{}
	targets := map[string]string{}
	for _, r := range records {
		if p := r.HTTPPayload(); p != nil {
			payloads[im.digester.Digest(p)] = p
		}
		if id := r.ExchangeID(); id != "" && targets[id] == "" && !warc.IsUnknownTarget(r.TargetURI()) {
			targets[id] = r.TargetURI()
		}
	}

	proxied, err := im.rawExchanges(zc, payloads, targets)
	if err != nil {
		return nil, err
	}
	if proxied == nil {
		proxied = im.warcExchanges(records)
	}
	exchanges := make([]exchange.Exchange, 0, len(proxied))
	for i, pe := range proxied {
		// The first exchange is always listed as a page; only later ones carry the flag.
		pe.SetEntryPoint(i > 0 && entryPoints[pe.ID()])
		exchanges = append(exchanges, pe)
	}
	for _, g := range im.generatedExchanges(records, entryPoints) {
		exchanges = append(exchanges, g)
	}

	snap := capture.Snapshot{
		ID:         extras.CaptureID,
		URL:        extras.CaptureURL,
		Options:    capture.DefaultOptions(),
		Exchanges:  exchanges,
		Provenance: extras.ProvenanceInfo,
		PageInfo:   capture.PageInfo{Title: extras.PageTitle, URL: extras.PageURL},
	}
	if snap.URL == "" {
		snap.URL = dp.MainPageURL
	}
	if snap.URL == "" {
		return nil, &ValidationError{Path: DatapackageName, Reason: "no capture URL"}
	}
	switch {
	case extras.Options != nil:
		snap.Options = *extras.Options
	case extras.ProvenanceInfo != nil:
		snap.Options = extras.ProvenanceInfo.Options
	}
	for _, s := range []string{extras.CapturedAt, dp.MainPageDate, dp.Created} {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			snap.CreatedAt = t.UTC()
			break
		}
	}

	span.SetAttributes(attribute.Int("wacz.exchanges", len(exchanges)))
	im.logger.Info("WACZ imported",
		logging.String("capture_id", snap.ID),
		logging.String("url", snap.URL),
		logging.Int("exchanges", len(exchanges)),
	)
	return capture.Reconstruct(snap, capture.WithLogger(im.logger)), nil
}

// readDatapackage decodes datapackage.json and checks every listed resource
// against its recorded hash.
func (im *Importer) readDatapackage(zc *zipContent) (*Datapackage, *Extras, error) {
	raw, ok := zc.files[DatapackageName]
	if !ok {
		return nil, nil, &IncompleteArchiveError{Missing: DatapackageName}
	}
	var dp Datapackage
	if err := json.Unmarshal(raw, &dp); err != nil {
		return nil, nil, &ValidationError{Path: DatapackageName, Reason: err.Error()}
	}

	algo, _, _ := strings.Cut(im.digester.Digest(nil), ":")
	check := func(p, want string, data []byte) error {
		if got, _, _ := strings.Cut(want, ":"); got != algo {
			return nil
		}
		if im.digester.Digest(data) != want {
			return &ValidationError{Path: p, Reason: "hash does not match datapackage.json"}
		}
		return nil
	}
	for _, r := range dp.Resources {
		b, ok := zc.files[r.Path]
		if !ok {
			return nil, nil, &ValidationError{Path: r.Path, Reason: "listed in datapackage.json but missing"}
		}
		if err := check(r.Path, r.Hash, b); err != nil {
			return nil, nil, err
		}
	}
	if b, ok := zc.files[DigestName]; ok {
		var d DigestFile
		if err := json.Unmarshal(b, &d); err != nil {
			return nil, nil, &ValidationError{Path: DigestName, Reason: err.Error()}
		}
		if err := check(DatapackageName, d.Hash, raw); err != nil {
			return nil, nil, err
		}
	}

	extras := &Extras{}
	if len(dp.Extras) > 0 {
		if err := json.Unmarshal(dp.Extras, extras); err != nil {
			return nil, nil, &ValidationError{Path: DatapackageName, Reason: "extras: " + err.Error()}
		}
	}
	return &dp, extras, nil
}

func (im *Importer) readWARC(zc *zipContent) ([]*warc.Record, error) {
	for _, p := range zc.order {
		if !strings.HasPrefix(p, "archive/") {
			continue
		}
		records, err := warc.Read(zc.files[p])
		if err != nil {
			return nil, fmt.Errorf("wacz: %s: %w", p, err)
		}
		return records, nil
	}
	return nil, ErrNoWARC
}

func readEntryPoints(zc *zipContent) (map[string]bool, error) {
	ids := map[string]bool{}
	for _, p := range zc.order {
		if !strings.HasPrefix(p, "pages/") {
			continue
		}
		pages, err := parsePages(zc.files[p])
		if err != nil {
			return nil, &ValidationError{Path: p, Reason: err.Error()}
		}
		for _, pg := range pages {
			if pg.ID != "" {
				ids[pg.ID] = true
			}
		}
	}
	return ids, nil
}

type rawPair struct {
	date     time.Time
	request  []byte
	response []byte
}

// rawExchanges rebuilds proxy exchanges from the raw/ tree, in order of
// first appearance. It returns nil when the archive has no raw entries.
func (im *Importer) rawExchanges(zc *zipContent, payloads map[string][]byte, targets map[string]string) ([]*exchange.ProxyExchange, error) {
	pairs := map[string]*rawPair{}
	var order []string
	for _, p := range zc.order {
		if !strings.HasPrefix(p, "raw/") {
			continue
		}
		key, err := parseRawName(p)
		if err != nil {
			return nil, &ValidationError{Path: p, Reason: err.Error()}
		}
		b := zc.files[p]
		if key.digest != "" {
			payload, ok := payloads[key.digest]
			if !ok {
				return nil, &ValidationError{Path: p, Reason: "no WARC payload with digest " + key.digest}
			}
			b = append(append(make([]byte, 0, len(b)+len(payload)), b...), payload...)
		}

		pair, ok := pairs[key.id]
		if !ok {
			pair = &rawPair{date: key.date}
			pairs[key.id] = pair
			order = append(order, key.id)
		}
		var slot *[]byte
		switch key.kind {
		case warc.TypeRequest:
			slot = &pair.request
		case warc.TypeResponse:
			slot = &pair.response
		default:
			return nil, &ValidationError{Path: p, Reason: "unknown message type " + key.kind}
		}
		if *slot != nil {
			return nil, &ValidationError{Path: p, Reason: "duplicate raw " + key.kind + " for exchange " + key.id}
		}
		*slot = b
	}
	if len(order) == 0 {
		return nil, nil
	}
	out := make([]*exchange.ProxyExchange, 0, len(order))
	for _, id := range order {
		pair := pairs[id]
		out = append(out, exchange.RestoreProxyExchange(id, pair.date, pair.request, pair.response, targets[id]))
	}
	return out, nil
}

// warcExchanges rebuilds proxy exchanges from HTTP records when an archive
// carries no raw/ tree. Records are paired by exchange id, or through
// WARC-Concurrent-To for records written by other tools. The bytes are the
// normalized WARC blocks rather than the original wire bytes.
func (im *Importer) warcExchanges(records []*warc.Record) []*exchange.ProxyExchange {
	pairs := map[string]*rawPair{}
	targets := map[string]string{}
	var order []string
	for _, r := range records {
		if !r.IsHTTP() || strings.HasPrefix(r.TargetURI(), "file:") {
			continue
		}
		key := r.ExchangeID()
		if key == "" {
			key = r.ID()
			if r.Type() == warc.TypeRequest && r.Header("WARC-Concurrent-To") != "" {
				key = r.Header("WARC-Concurrent-To")
			}
		}
		pair, ok := pairs[key]
		if !ok {
			date, err := r.Date()
			if err != nil {
				im.logger.Warn("record without a usable WARC-Date", logging.String("record_id", r.ID()))
			}
			pair = &rawPair{date: date.UTC().Truncate(time.Millisecond)}
			pairs[key] = pair
			if !warc.IsUnknownTarget(r.TargetURI()) {
				targets[key] = r.TargetURI()
			}
			order = append(order, key)
		}
		switch r.Type() {
		case warc.TypeRequest:
			pair.request = r.Block
		case warc.TypeResponse:
			pair.response = r.Block
		}
	}
	out := make([]*exchange.ProxyExchange, 0, len(order))
	for _, key := range order {
		pair := pairs[key]
		id := key
		if strings.HasPrefix(id, "<urn:") {
			id = exchange.NewID()
		}
		out = append(out, exchange.RestoreProxyExchange(id, pair.date, pair.request, pair.response, targets[key]))
	}
	return out
}

// generatedExchanges rebuilds exchanges from file:// response records.
func (im *Importer) generatedExchanges(records []*warc.Record, entryPoints map[string]bool) []*exchange.GeneratedExchange {
	var out []*exchange.GeneratedExchange
	for _, r := range records {
		if r.Type() != warc.TypeResponse || !strings.HasPrefix(r.TargetURI(), "file:") {
			continue
		}
		msg, err := exchange.ParseMessage(r.Block, httpmsg.KindResponse)
		if err != nil {
			im.logger.Warn("generated record skipped",
				logging.String("url", r.TargetURI()),
				logging.Err(err),
			)
			continue
		}
		id := r.ExchangeID()
		if id == "" {
			id = exchange.NewID()
		}
		date, _ := r.Date()
		out = append(out, exchange.RestoreGeneratedExchange(
			id, date.UTC().Truncate(time.Millisecond), r.TargetURI(), r.Header(warc.HeaderDescription), entryPoints[id], msg,
		))
	}
	return out
}
