package httpmsg

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// MaxHeadSize bounds ReadHead and single chunk-size or trailer lines.
const MaxHeadSize = 1 << 20

const copyBufSize = 32 * 1024

// BodyMode is how the end of a message body is found on the wire.
type BodyMode int

const (
	BodyNone BodyMode = iota
	BodyLength
	BodyChunked
	BodyUntilClose
)

// Framing describes the body that follows a message head.
type Framing struct {
	Mode   BodyMode
	Length int64
}

// FramingFor derives body framing from a parsed head. requestMethod is the
// method of the request a response answers; it may be empty for requests or
// when unknown.
func FramingFor(p *Parsed, requestMethod string) Framing {
	if p.Kind == KindResponse {
		switch {
		case strings.EqualFold(requestMethod, "HEAD"):
			return Framing{Mode: BodyNone}
		case p.StatusCode >= 100 && p.StatusCode < 200, p.StatusCode == 204, p.StatusCode == 304:
			return Framing{Mode: BodyNone}
		case strings.EqualFold(requestMethod, "CONNECT") && p.StatusCode >= 200 && p.StatusCode < 300:
			return Framing{Mode: BodyNone}
		}
	}

	if isChunked(p.Headers) {
		return Framing{Mode: BodyChunked}
	}
	if n, ok := contentLength(p.Headers); ok {
		if n == 0 {
			return Framing{Mode: BodyNone}
		}
		return Framing{Mode: BodyLength, Length: n}
	}
	if p.Kind == KindRequest {
		return Framing{Mode: BodyNone}
	}
	return Framing{Mode: BodyUntilClose}
}

func isChunked(headers []HeaderField) bool {
	te := lastValue(headers, "Transfer-Encoding")
	if te == "" {
		return false
	}
	codings := strings.Split(te, ",")
	return strings.EqualFold(strings.TrimSpace(codings[len(codings)-1]), "chunked")
}

func contentLength(headers []HeaderField) (int64, bool) {
	v := lastValue(headers, "Content-Length")
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// ReadHead reads bytes up to and including the blank line that ends a message
// head, and nothing more. Blank lines preceding a start line are discarded.
// io.EOF is returned only when the stream ended cleanly before any byte.
func ReadHead(br *bufio.Reader) ([]byte, error) {
	var head []byte
	for {
		line, err := readLine(br, MaxHeadSize-len(head))
		if err == nil && len(head) == 0 && isBlank(line) {
			continue
		}
		head = append(head, line...)
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(head) == 0 {
					return nil, io.EOF
				}
				return head, io.ErrUnexpectedEOF
			}
			return head, err
		}
		if isBlank(line) {
			return head, nil
		}
	}
}

// CopyBody reads exactly the body described by f from br, passing every piece
// read to sink in wire order. sink must not retain the slice.
// A sink error stops the copy and is returned as is.
func CopyBody(br *bufio.Reader, f Framing, sink func([]byte) error) error {
	switch f.Mode {
	case BodyNone:
		return nil
	case BodyLength:
		return copyN(br, f.Length, sink)
	case BodyUntilClose:
		buf := make([]byte, copyBufSize)
		for {
			n, err := br.Read(buf)
			if n > 0 {
				if serr := sink(buf[:n]); serr != nil {
					return serr
				}
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
		}
	case BodyChunked:
		return copyChunked(br, sink)
	default:
		return fmt.Errorf("httpmsg: unknown body mode %d", f.Mode)
	}
}

func copyN(br *bufio.Reader, n int64, sink func([]byte) error) error {
	buf := make([]byte, copyBufSize)
	for n > 0 {
		want := int64(len(buf))
		if n < want {
			want = n
		}
		read, err := br.Read(buf[:want])
		if read > 0 {
			n -= int64(read)
			if serr := sink(buf[:read]); serr != nil {
				return serr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) && n > 0 {
				return io.ErrUnexpectedEOF
			}
			return err
		}
	}
	return nil
}

func copyChunked(br *bufio.Reader, sink func([]byte) error) error {
	forward := func(line []byte, err error) error {
		if len(line) > 0 {
			if serr := sink(line); serr != nil {
				return serr
			}
		}
		if errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
		return err
	}

	for {
		line, err := readLine(br, MaxHeadSize)
		if ferr := forward(line, err); ferr != nil {
			return ferr
		}
		size, err := parseChunkSize(line)
		if err != nil {
			return err
		}

		if size == 0 {
			for {
				line, err := readLine(br, MaxHeadSize)
				if ferr := forward(line, err); ferr != nil {
					return ferr
				}
				if isBlank(line) {
					return nil
				}
			}
		}

		if err := copyN(br, size, sink); err != nil {
			return err
		}
		line, err = readLine(br, MaxHeadSize)
		if ferr := forward(line, err); ferr != nil {
			return ferr
		}
		if !isBlank(line) {
			return fmt.Errorf("httpmsg: missing CRLF after chunk data: %w", ErrMalformed)
		}
	}
}

func parseChunkSize(line []byte) (int64, error) {
	s := strings.TrimRight(string(line), "\r\n")
	s, _, _ = strings.Cut(s, ";")
	s = strings.TrimSpace(s)
	size, err := strconv.ParseInt(s, 16, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("httpmsg: bad chunk size %q: %w", s, ErrMalformed)
	}
	return size, nil
}

// readLine returns one line including its terminator. The returned slice is a copy.
func readLine(br *bufio.Reader, limit int) ([]byte, error) {
	var line []byte
	for {
		frag, err := br.ReadSlice('\n')
		line = append(line, frag...)
		if len(line) > limit {
			return line, ErrHeadTooLarge
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return line, err
	}
}

func isBlank(line []byte) bool {
	return bytes.Equal(line, []byte("\r\n")) || bytes.Equal(line, []byte("\n"))
}

// decodeChunked removes chunked transfer coding from b. A body cut short
// returns what was decoded so far.
func decodeChunked(b []byte) ([]byte, []HeaderField, error) {
	var body []byte
	for {
		nl := bytes.IndexByte(b, '\n')
		if nl < 0 {
			return body, nil, nil
		}
		size, err := parseChunkSize(b[:nl+1])
		if err != nil {
			return nil, nil, err
		}
		b = b[nl+1:]

		if size == 0 {
			var trailers []HeaderField
			for _, line := range splitLines(b) {
				if line == "" {
					break
				}
				name, value, ok := strings.Cut(line, ":")
				if !ok {
					break
				}
				trailers = append(trailers, HeaderField{Name: name, Value: strings.TrimSpace(value)})
			}
			if body == nil {
				body = []byte{}
			}
			return body, trailers, nil
		}

		if int64(len(b)) < size {
			return append(body, b...), nil, nil
		}
		body = append(body, b[:size]...)
		b = b[size:]
		switch {
		case bytes.HasPrefix(b, []byte("\r\n")):
			b = b[2:]
		case bytes.HasPrefix(b, []byte("\n")):
			b = b[1:]
		case len(b) == 0:
			return body, nil, nil
		default:
			return nil, nil, errors.New("missing CRLF after chunk data")
		}
	}
}
