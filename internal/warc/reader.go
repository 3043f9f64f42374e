package warc

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
)

// IsGzip reports whether data starts with the gzip magic bytes.
func IsGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}

// Read parses every record of a WARC file, plain or gzip compressed one
// record per member.
func Read(data []byte) ([]*Record, error) {
	if IsGzip(data) {
		return readGzip(data)
	}
	var records []*Record
	offset := 0
	for offset < len(data) {
		r, n, err := parseRecord(data[offset:])
		if err != nil {
			return records, fmt.Errorf("record at offset %d: %w", offset, err)
		}
		r.Offset, r.Length = int64(offset), int64(n)
		records = append(records, r)
		offset += n
	}
	return records, nil
}

func readGzip(data []byte) ([]*Record, error) {
	br := bytes.NewReader(data)
	zr, err := gzip.NewReader(br)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var records []*Record
	for {
		start := br.Size() - int64(br.Len())
		// A bytes.Reader is an io.ByteReader, so the decompressor stops
		// exactly at the end of each member.
		zr.Multistream(false)
		member, err := io.ReadAll(zr)
		if err != nil {
			return records, fmt.Errorf("gzip member at offset %d: %w", start, err)
		}
		end := br.Size() - int64(br.Len())

		for pos := 0; pos < len(member); {
			r, n, err := parseRecord(member[pos:])
			if err != nil {
				return records, fmt.Errorf("record in member at offset %d: %w", start, err)
			}
			r.Offset, r.Length = start, end-start
			records = append(records, r)
			pos += n
		}

		if br.Len() == 0 {
			return records, nil
		}
		if err := zr.Reset(br); err != nil {
			return records, fmt.Errorf("gzip member at offset %d: %w", end, err)
		}
	}
}
