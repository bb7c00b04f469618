package simplehttp

import (
	"bufio"
	"net"
	"os"
	"strconv"

	"github.com/valyala/bytebufferpool"
)

// Payload is the body source of a response. It is either a BytesPayload
// held in memory or a FilePayload transferred straight from an open file.
type Payload interface {
	// Len is the exact number of bytes the payload sends.
	Len() int64
	// send writes the payload. bw is flushed before any bytes bypass it.
	send(bw *bufio.Writer, c net.Conn) (int64, error)
	// Close releases the payload's resources. It is safe to call twice.
	Close() error
}

// BytesPayload is an in-memory body: CGI output or a built-in error page.
type BytesPayload struct {
	B   []byte
	buf *bytebufferpool.ByteBuffer
}

func (p *BytesPayload) Len() int64 { return int64(len(p.B)) }

func (p *BytesPayload) send(bw *bufio.Writer, _ net.Conn) (int64, error) {
	n, err := bw.Write(p.B)
	if err == nil {
		err = bw.Flush()
	}
	return int64(n), err
}

func (p *BytesPayload) Close() error {
	if p.buf != nil {
		bytebufferpool.Put(p.buf)
		p.buf = nil
	}
	p.B = nil
	return nil
}

// FilePayload is an open file sent for exactly Size bytes and closed after.
type FilePayload struct {
	Path string
	Size int64
	f    *os.File
}

func (p *FilePayload) Len() int64 { return p.Size }

func (p *FilePayload) send(bw *bufio.Writer, c net.Conn) (int64, error) {
	// w buffer must be empty before the file bypasses it.
	if err := bw.Flush(); err != nil {
		return 0, err
	}
	return sendFile(c, p.f, p.Size)
}

func (p *FilePayload) Close() (err error) {
	if p.f != nil {
		err = p.f.Close()
		p.f = nil
	}
	return
}

// Response is built once routing resolved and sent exactly once.
type Response struct {
	StatusCode int
	// Headers holds complete "Name: value\r\n" lines in sending order.
	Headers []string
	Payload Payload
}

func (resp *Response) addHeader(name, value string) {
	resp.Headers = append(resp.Headers, name+headerSep+value+lineEnd)
}

func (resp *Response) setBytes(buf *bytebufferpool.ByteBuffer) {
	resp.release()
	resp.Payload = &BytesPayload{B: buf.B, buf: buf}
}

func (resp *Response) setFile(f *os.File, path string, size int64) {
	resp.release()
	resp.Payload = &FilePayload{Path: path, Size: size, f: f}
}

func (resp *Response) release() {
	if resp.Payload != nil {
		_ = resp.Payload.Close()
		resp.Payload = nil
	}
}

func (resp *Response) reset() {
	resp.release()
	*resp = Response{Headers: resp.Headers[:0]}
}

// buildOK sets the two headers every OK response carries.
func (resp *Response) buildOK(suffix string) {
	resp.addHeader("Content-Type", ContentTypeForSuffix(suffix))
	resp.addHeader("Content-Length", strconv.FormatInt(resp.Payload.Len(), 10))
}

// appendHead appends the status line, the header lines and the blank line.
func (resp *Response) appendHead(dst []byte, collapsed bool) []byte {
	dst = appendStatusLine(dst, resp.StatusCode, statusReason(resp.StatusCode, collapsed))
	for _, h := range resp.Headers {
		dst = append(dst, h...)
	}
	return append(dst, lineEnd...)
}
