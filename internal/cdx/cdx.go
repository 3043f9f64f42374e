// Package cdx builds CDXJ indexes over WARC records.
package cdx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"sort"
	"strconv"
	"strings"

	"github.com/raysh454/scoop/internal/httpmsg"
	"github.com/raysh454/scoop/internal/urlutil"
	"github.com/raysh454/scoop/internal/warc"
)

const timestampLayout = "20060102150405"

// Entry is one CDXJ line: a SURT key, a 14 digit timestamp and a JSON block.
type Entry struct {
	URLKey    string `json:"-"`
	Timestamp string `json:"-"`

	URL      string `json:"url"`
	MIME     string `json:"mime,omitempty"`
	Status   string `json:"status,omitempty"`
	Digest   string `json:"digest,omitempty"`
	Length   int64  `json:"length"`
	Offset   int64  `json:"offset"`
	Filename string `json:"filename"`
}

// Line renders e in CDXJ form, without a trailing newline.
func (e Entry) Line() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return e.URLKey + " " + e.Timestamp + " " + string(b), nil
}

// ParseLine is the inverse of Entry.Line.
func ParseLine(line string) (Entry, error) {
	key, rest, ok := strings.Cut(strings.TrimSpace(line), " ")
	if !ok {
		return Entry{}, fmt.Errorf("cdx: missing timestamp in %q", line)
	}
	ts, block, ok := strings.Cut(rest, " ")
	if !ok {
		return Entry{}, fmt.Errorf("cdx: missing JSON block in %q", line)
	}
	var e Entry
	if err := json.Unmarshal([]byte(block), &e); err != nil {
		return Entry{}, fmt.Errorf("cdx: %w", err)
	}
	if e.URL == "" {
		return Entry{}, fmt.Errorf("cdx: entry without url in %q", line)
	}
	e.URLKey, e.Timestamp = key, ts
	return e, nil
}

// Entries indexes the response records of a WARC file. Records must come
// from warc.Read so offsets are set.
func Entries(records []*warc.Record, filename string) ([]Entry, error) {
	var out []Entry
	for _, r := range records {
		if r.Type() != warc.TypeResponse {
			continue
		}
		target := r.TargetURI()
		key, err := urlutil.SURT(target)
		if err != nil {
			// The record is already in the WARC; index it under its raw URI.
			key = strings.ToLower(target)
		}
		date, err := r.Date()
		if err != nil {
			return nil, fmt.Errorf("cdx: date of %s: %w", r.ID(), err)
		}
		e := Entry{
			URLKey:    key,
			Timestamp: date.UTC().Format(timestampLayout),
			URL:       target,
			Digest:    r.Header("WARC-Payload-Digest"),
			Length:    r.Length,
			Offset:    r.Offset,
			Filename:  filename,
		}
		if p, err := httpmsg.ParseResponse(headOnly(r.Block)); err == nil {
			e.Status = strconv.Itoa(p.StatusCode)
			if mt, _, err := mime.ParseMediaType(p.Header("Content-Type")); err == nil {
				e.MIME = mt
			}
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].URLKey != out[j].URLKey {
			return out[i].URLKey < out[j].URLKey
		}
		return out[i].Timestamp < out[j].Timestamp
	})
	return out, nil
}

// Build renders the CDXJ index of records, one sorted line per entry.
func Build(records []*warc.Record, filename string) ([]byte, error) {
	entries, err := Entries(records, filename)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for _, e := range entries {
		line, err := e.Line()
		if err != nil {
			return nil, err
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// headOnly strips the body so parsing does not depend on its framing.
func headOnly(block []byte) []byte {
	_, bodyStart, ok := httpmsg.HeadBoundary(block)
	if !ok {
		return block
	}
	return block[:bodyStart]
}
