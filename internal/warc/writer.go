package warc

import (
	"bytes"
	"compress/gzip"
	"io"
)

// Writer appends records to an io.Writer, optionally compressing each record
// as its own gzip member.
type Writer struct {
	w      io.Writer
	gzip   bool
	offset int64
}

func NewWriter(w io.Writer, compress bool) *Writer {
	return &Writer{w: w, gzip: compress}
}

// Write appends r and returns the offset and length it occupies.
func (w *Writer) Write(r *Record) (offset, length int64, err error) {
	raw := r.Marshal()
	if w.gzip {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(raw); err != nil {
			return 0, 0, err
		}
		if err := zw.Close(); err != nil {
			return 0, 0, err
		}
		raw = buf.Bytes()
	}
	n, err := w.w.Write(raw)
	offset = w.offset
	w.offset += int64(n)
	return offset, int64(n), err
}
