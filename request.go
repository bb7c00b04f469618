package simplehttp

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Request is built incrementally while a connection is read and routed.
type Request struct {
	// RequestLine is the raw first line without its terminator.
	RequestLine string
	// Headers holds the raw header lines in the order received.
	Headers []string
	// HeaderKV maps header names to values. Names are case-sensitive and a
	// repeated name keeps the last value.
	HeaderKV map[string]string

	Method  string
	URI     string
	Version string

	// Path is the web-root prefixed filesystem path. It is only trusted once
	// a stat on it succeeded.
	Path        string
	QueryString string

	Body          []byte
	ContentLength int64

	// IsDynamic routes the request to the CGI bridge instead of serving the
	// file at Path.
	IsDynamic bool
	// Size is the stat size of the resolved file.
	Size   int64
	Suffix string
}

func (req *Request) reset() {
	*req = Request{}
}

// readLine reads one line terminated by CRLF, LF or a lone CR and strips the
// terminator. A line that does not fit into the reader's buffer fails with
// ErrLineTooLong.
func readLine(br *bufio.Reader) (string, error) {
	for n := 1; ; n++ {
		b, err := br.Peek(n)
		if err != nil {
			if err == bufio.ErrBufferFull {
				return "", ErrLineTooLong
			}
			return "", err
		}
		switch b[n-1] {
		case '\n':
			line := string(b[:n-1])
			_, _ = br.Discard(n)
			return line, nil
		case '\r':
			line := string(b[:n-1])
			_, _ = br.Discard(n)
			if next, err := br.Peek(1); err == nil && next[0] == '\n' {
				_, _ = br.Discard(1)
			}
			return line, nil
		}
	}
}

// cutString splits src around the first occurrence of sep.
func cutString(src, sep string) (left, right string, found bool) {
	return strings.Cut(src, sep)
}

// parseRequestLine fills Method, URI and Version from RequestLine.
func (req *Request) parseRequestLine() error {
	fields := strings.Fields(req.RequestLine)
	if len(fields) != 3 {
		return errors.WithMessagef(ErrMalformedRequestLine, "%q", req.RequestLine)
	}
	req.Method = strings.ToUpper(fields[0])
	req.URI = fields[1]
	req.Version = fields[2]
	return nil
}

// parseHeaders fills HeaderKV from Headers. Lines without ": " are skipped.
func (req *Request) parseHeaders() {
	if req.HeaderKV == nil {
		req.HeaderKV = make(map[string]string, len(req.Headers))
	}
	for _, line := range req.Headers {
		if k, v, ok := cutString(line, headerSep); ok {
			req.HeaderKV[k] = v
		}
	}
}

// bodyLength reports whether a body has to be read and how long it is.
// Only POST requests carrying Content-Length have a body.
func (req *Request) bodyLength(maxBodySize int64) (n int64, ok bool, err error) {
	if req.Method != "POST" {
		return 0, false, nil
	}
	v, found := req.HeaderKV["Content-Length"]
	if !found {
		return 0, false, nil
	}
	n, err = strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0, false, errors.WithMessagef(ErrInvalidContentLength, "%q", v)
	}
	if n > maxBodySize {
		return 0, false, errors.WithMessagef(ErrBodyTooLarge, "%d > %d", n, maxBodySize)
	}
	return n, true, nil
}

// readBody reads exactly n body bytes, however they are split across reads.
func (req *Request) readBody(r io.Reader, n int64) error {
	req.ContentLength = n
	req.Body = make([]byte, n)
	if _, err := io.ReadFull(r, req.Body); err != nil {
		return errors.WithMessagef(ErrBodyShortRead, "want %d bytes: %v", n, err)
	}
	return nil
}
