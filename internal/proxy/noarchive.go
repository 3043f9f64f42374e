package proxy

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/brotli"
)

const maxInspectSize = 16 << 20

// hasNoArchiveDirective reports whether an HTML body carries a meta tag whose
// content includes the noarchive token.
func hasNoArchiveDirective(contentType, contentEncoding string, body []byte) (bool, error) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "text/html" {
		return false, nil
	}

	decoded, err := decodeBody(contentEncoding, body)
	if err != nil {
		return false, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(decoded))
	if err != nil {
		return false, fmt.Errorf("parse html: %w", err)
	}
	found := false
	doc.Find("meta[content]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		content, _ := s.Attr("content")
		for _, token := range strings.Split(content, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "noarchive") {
				found = true
				return false
			}
		}
		return true
	})
	return found, nil
}

// decodeBody undoes the content codings listed in enc, last applied first.
func decodeBody(enc string, body []byte) ([]byte, error) {
	codings := strings.Split(enc, ",")
	for i := len(codings) - 1; i >= 0; i-- {
		coding := strings.ToLower(strings.TrimSpace(codings[i]))
		var r io.Reader
		switch coding {
		case "", "identity":
			continue
		case "gzip", "x-gzip":
			zr, err := gzip.NewReader(bytes.NewReader(body))
			if err != nil {
				return nil, fmt.Errorf("gzip: %w", err)
			}
			r = zr
		case "deflate":
			// Servers send both zlib-wrapped and raw deflate under this name.
			if zr, err := zlib.NewReader(bytes.NewReader(body)); err == nil {
				r = zr
			} else {
				r = flate.NewReader(bytes.NewReader(body))
			}
		case "br":
			r = brotli.NewReader(bytes.NewReader(body))
		default:
			return nil, fmt.Errorf("unsupported content coding %q", coding)
		}
		out, err := io.ReadAll(io.LimitReader(r, maxInspectSize))
		if err != nil && len(out) == 0 {
			return nil, fmt.Errorf("%s: %w", coding, err)
		}
		body = out
	}
	return body, nil
}
