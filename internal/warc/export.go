package warc

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/raysh454/scoop/internal/capture"
	"github.com/raysh454/scoop/internal/exchange"
	"github.com/raysh454/scoop/internal/interfaces"
	"github.com/raysh454/scoop/internal/logging"
)

// Options controls WARC export.
type Options struct {
	// Gzip compresses every record as its own gzip member.
	Gzip bool
	// Filename is recorded in the warcinfo record.
	Filename string
	Logger   logging.Logger
}

// Export serializes the exchanges of c: one warcinfo record, then for each
// exchange with a response a response record followed by its request
// record. An exchange that cannot be serialized is logged and skipped.
func Export(ctx context.Context, c *capture.Capture, opts Options) ([]byte, error) {
	if err := c.Exportable(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = interfaces.NopLogger{}
	}
	_, span := otel.Tracer("github.com/raysh454/scoop/internal/warc").Start(ctx, "warc.Export",
		trace.WithAttributes(attribute.String("capture.id", c.ID()), attribute.Bool("warc.gzip", opts.Gzip)))
	defer span.End()

	filename := opts.Filename
	if filename == "" {
		filename = "data.warc"
		if opts.Gzip {
			filename += ".gz"
		}
	}

	var buf bytes.Buffer
	w := NewWriter(&buf, opts.Gzip)
	if _, _, err := w.Write(warcinfo(c, filename)); err != nil {
		return nil, fmt.Errorf("warc: write warcinfo: %w", err)
	}

	written := 0
	for _, ex := range c.Exchanges() {
		records, err := exchangeRecords(c, ex)
		if err != nil {
			logger.Warn("exchange skipped in WARC export",
				logging.String("exchange_id", ex.ID()),
				logging.String("url", ex.URL()),
				logging.Err(err),
			)
			continue
		}
		for _, r := range records {
			if _, _, err := w.Write(r); err != nil {
				return nil, fmt.Errorf("warc: write record: %w", err)
			}
		}
		if len(records) > 0 {
			written++
		}
	}
	span.SetAttributes(attribute.Int("warc.exchanges", written))
	return buf.Bytes(), nil
}

func warcinfo(c *capture.Capture, filename string) *Record {
	r := NewRecord(TypeWarcinfo, exchange.Now())
	r.Set("WARC-Filename", filename)
	r.Set("Content-Type", "application/warc-fields")
	fields := []Field{
		{Name: "software", Value: capture.SoftwareString()},
		{Name: "format", Value: "WARC File Format 1.1"},
		{Name: "conformsTo", Value: "https://iipc.github.io/warc-specifications/specifications/warc-format/warc-1.1/"},
		{Name: "isPartOf", Value: c.ID()},
	}
	var block bytes.Buffer
	for _, f := range fields {
		block.WriteString(f.Name + ": " + f.Value + "\r\n")
	}
	r.Block = block.Bytes()
	r.Set("WARC-Block-Digest", Digest(r.Block))
	return r
}

const unknownTargetPrefix = "urn:scoop:unknown-target:"

// UnknownTarget is the WARC-Target-URI of a response that arrived without a
// request, so no URL could be derived for it.
func UnknownTarget(exchangeID string) string { return unknownTargetPrefix + exchangeID }

// IsUnknownTarget reports whether uri was produced by UnknownTarget.
func IsUnknownTarget(uri string) bool { return strings.HasPrefix(uri, unknownTargetPrefix) }

// exchangeRecords builds the records of one exchange. Exchanges without a
// response produce none.
func exchangeRecords(c *capture.Capture, ex exchange.Exchange) ([]*Record, error) {
	if !ex.HasResponse() {
		return nil, nil
	}
	resp, err := ex.Response()
	if err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	target := ex.URL()
	if target == "" && !ex.HasRequest() {
		target = UnknownTarget(ex.ID())
	}
	if target == "" {
		return nil, fmt.Errorf("exchange has no target URI")
	}

	respRec := httpRecord(TypeResponse, ex, target, responseHead(resp), resp.Body)
	if ex.Source() == exchange.SourceGenerated {
		respRec.Set("WARC-Refers-To-Target-URI", c.URL())
	}
	records := []*Record{respRec}

	if ex.HasRequest() {
		req, err := ex.Request()
		if err != nil {
			return nil, fmt.Errorf("parse request: %w", err)
		}
		reqRec := httpRecord(TypeRequest, ex, target, requestHead(req, target), req.Body)
		reqRec.Set("WARC-Concurrent-To", respRec.ID())
		records = append(records, reqRec)
	}
	return records, nil
}

func httpRecord(recordType string, ex exchange.Exchange, target string, head, payload []byte) *Record {
	r := NewRecord(recordType, ex.Date())
	r.Set("WARC-Target-URI", target)
	r.Set("Content-Type", "application/http; msgtype="+recordType)
	r.Set(HeaderExchangeID, ex.ID())
	if d := ex.Description(); d != "" {
		r.Set(HeaderDescription, d)
	}
	r.Block = append(append([]byte(nil), head...), payload...)
	r.Set("WARC-Payload-Digest", Digest(payload))
	r.Set("WARC-Block-Digest", Digest(r.Block))
	return r
}

func requestHead(m *exchange.Message, target string) []byte {
	line := m.Method + " " + target + " HTTP/" + strconv.Itoa(m.VersionMajor) + "." + strconv.Itoa(m.VersionMinor)
	return head(line, m)
}

func responseHead(m *exchange.Message) []byte {
	line := "HTTP/" + strconv.Itoa(m.VersionMajor) + "." + strconv.Itoa(m.VersionMinor) + " " + strconv.Itoa(m.StatusCode)
	if m.StatusMessage != "" {
		line += " " + m.StatusMessage
	}
	return head(line, m)
}

// head renders a start line and merged headers. Records carry the
// transfer-decoded payload, so a chunked message is relabelled with its
// decoded length.
func head(startLine string, m *exchange.Message) []byte {
	h := exchange.NewHeaders(m.Headers.Fields())
	if m.Chunked {
		h.Del("Transfer-Encoding")
		h.Set("Content-Length", strconv.Itoa(len(m.Body)))
	}
	var buf bytes.Buffer
	buf.WriteString(startLine)
	buf.WriteString("\r\n")
	for _, f := range h.Fields() {
		buf.WriteString(f.Name)
		buf.WriteString(": ")
		buf.WriteString(strings.TrimSpace(f.Value))
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}
