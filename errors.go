package simplehttp

import (
	"io"
	"net"
	"strings"

	"github.com/pkg/errors"
)

// Connection-fatal errors. A connection failing with one of these is closed
// without a response.
var (
	ErrReadRequestLine      = errors.New("simplehttp: cannot read request line")
	ErrReadHeader           = errors.New("simplehttp: cannot read request header")
	ErrMalformedRequestLine = errors.New("simplehttp: malformed request line")
	ErrLineTooLong          = errors.New("simplehttp: request line or header exceeds read buffer")
	ErrBodyShortRead        = errors.New("simplehttp: request body shorter than Content-Length")
)

// Protocol-level errors. These are mapped onto an HTTP status and answered
// with an error page.
var (
	ErrMethodNotAllowed     = errors.New("simplehttp: method is neither GET nor POST")
	ErrInvalidContentLength = errors.New("simplehttp: invalid Content-Length")
	ErrBodyTooLarge         = errors.New("simplehttp: request body exceeds MaxRequestBodySize")
	ErrNilByteInPath        = errors.New("simplehttp: nil byte in path")
	ErrDotDotInPath         = errors.New("simplehttp: '..' segment in path")
	ErrRelativeURI          = errors.New("simplehttp: request uri must start with '/'")
	ErrResourceNotFound     = errors.New("simplehttp: resource not found")
	ErrCGISpawn             = errors.New("simplehttp: cannot spawn cgi process")
)

// ErrPoolStopped is returned by WorkerPool.Submit once the pool was stopped.
var ErrPoolStopped = errors.New("simplehttp: worker pool stopped")

// ErrSendSizeMismatch is returned when a file payload transfer ends before
// the declared Content-Length was written.
var ErrSendSizeMismatch = errors.New("simplehttp: file payload sent size does not match Content-Length")

// isConnectionFatal reports whether err aborts a connection without a response.
func isConnectionFatal(err error) bool {
	switch errors.Cause(err) {
	case ErrReadRequestLine, ErrReadHeader, ErrMalformedRequestLine, ErrLineTooLong, ErrBodyShortRead:
		return true
	}
	return false
}

// isCommonNetError reports whether err is one of the frequent errors caused
// by clients going away. Those are only logged when LogAllErrors is set.
//
//goland:noinspection GoTypeAssertionOnErrors
func isCommonNetError(err error) bool {
	cause := errors.Cause(err)
	if cause == io.EOF || cause == io.ErrUnexpectedEOF {
		return true
	}
	if netErr, ok := cause.(net.Error); ok && netErr.Timeout() {
		return true
	}
	errStr := err.Error()
	return strings.HasSuffix(errStr, ": EOF") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "reset by peer") ||
		strings.Contains(errStr, "unexpected EOF") ||
		strings.Contains(errStr, "i/o timeout")
}
