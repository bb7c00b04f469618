package simplehttp

import "strconv"

// HTTPVersion is the protocol version advertised in every status line.
// The request's own version is never echoed back.
const HTTPVersion = "HTTP/1.0"

// Supported status codes.
const (
	StatusOK                  = 200
	StatusBadRequest          = 400
	StatusNotFound            = 404
	StatusInternalServerError = 500
)

const (
	lineEnd   = "\r\n"
	headerSep = ": "
)

// Defaults for Server fields left at their zero value.
const (
	DefaultRoot      = "wwwroot"
	DefaultIndexPage = "index.html"
	DefaultErrorPage = "404.html"
)

var statusText = map[int]string{
	StatusOK:                  "OK",
	StatusBadRequest:          "Bad Request",
	StatusNotFound:            "Not Found",
	StatusInternalServerError: "Internal Server Error",
}

// StatusText returns the reason phrase for code, or "" if code is unknown.
func StatusText(code int) string {
	return statusText[code]
}

// statusReason returns the reason phrase written into the status line.
// In collapsed mode only OK and Not Found carry text.
func statusReason(code int, collapsed bool) string {
	if collapsed && code != StatusOK && code != StatusNotFound {
		return ""
	}
	return statusText[code]
}

var suffixContentType = map[string]string{
	".html": "text/html",
	".css":  "text/css",
	".js":   "application/javascript",
	".jpg":  "application/x-jpg",
	".xml":  "application/xml",
}

// ContentTypeForSuffix maps a file suffix (with its leading dot) to a MIME
// type. Unknown suffixes are served as text/html.
func ContentTypeForSuffix(suffix string) string {
	if ct, ok := suffixContentType[suffix]; ok {
		return ct
	}
	return "text/html"
}

// appendStatusLine appends "<version> <code> <reason>\r\n" to dst.
func appendStatusLine(dst []byte, code int, reason string) []byte {
	dst = append(dst, HTTPVersion...)
	dst = append(dst, ' ')
	dst = strconv.AppendInt(dst, int64(code), 10)
	dst = append(dst, ' ')
	dst = append(dst, reason...)
	return append(dst, lineEnd...)
}
