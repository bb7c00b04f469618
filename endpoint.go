package simplehttp

import (
	"bufio"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/valyala/bytebufferpool"
)

// endpoint owns one connection's lifecycle: receive the request, route it,
// execute it and send the response.
type endpoint struct {
	s    *Server
	c    net.Conn
	br   *bufio.Reader
	req  Request
	resp Response
	log  zerolog.Logger
}

var endpointPool sync.Pool

func (s *Server) acquireEndpoint(c net.Conn, id uint64) *endpoint {
	v := endpointPool.Get()
	if v == nil {
		v = &endpoint{}
	}
	ep := v.(*endpoint)
	ep.s = s
	ep.c = c
	ep.br = s.acquireReader(c)
	ep.log = s.logger().With().Uint64("conn", id).Str("remote", addrString(c.RemoteAddr())).Logger()
	return ep
}

func (s *Server) releaseEndpoint(ep *endpoint) {
	ep.resp.reset()
	ep.req.reset()
	s.releaseReader(ep.br)
	ep.br = nil
	ep.c = nil
	ep.s = nil
	endpointPool.Put(ep)
}

// serveConn is the protocol engine run by a worker for one connection.
func (s *Server) serveConn(c net.Conn, id uint64) (err error) {
	ep := s.acquireEndpoint(c, id)
	defer s.releaseEndpoint(ep)

	start := time.Now()
	if s.ReadTimeout > 0 {
		if err = c.SetReadDeadline(start.Add(s.ReadTimeout)); err != nil {
			return errors.Wrap(err, "set read deadline")
		}
	}
	if err = ep.recvRequest(); err != nil {
		if isConnectionFatal(err) {
			ep.log.Debug().Err(err).Msg("recv error, stop build and send")
			return err
		}
		ep.log.Info().Err(err).Msg("bad request")
		ep.buildResponseHelper(StatusBadRequest)
	} else {
		ep.buildResponse()
	}

	if s.WriteTimeout > 0 {
		if err = c.SetWriteDeadline(time.Now().Add(s.WriteTimeout)); err != nil {
			return errors.Wrap(err, "set write deadline")
		}
	}
	n, err := ep.sendResponse()
	ev := ep.log.Info()
	if err != nil {
		ev = ep.log.Warn().Err(err)
	}
	ev.Str("method", ep.req.Method).
		Str("uri", ep.req.URI).
		Int("status", ep.resp.StatusCode).
		Int64("sent", n).
		Dur("took", time.Since(start)).
		Msg("request served")
	return err
}

// recvRequest reads the request line, the header block and, for POST with
// Content-Length, the body. Connection-fatal errors are returned as is; any
// other error means the request is answered with Bad Request.
func (ep *endpoint) recvRequest() error {
	req := &ep.req
	line, err := readLine(ep.br)
	if err != nil {
		return recvError(ErrReadRequestLine, err)
	}
	req.RequestLine = line
	ep.log.Info().Str("line", line).Msg("request line")

	for {
		line, err = readLine(ep.br)
		if err != nil {
			return recvError(ErrReadHeader, err)
		}
		if line == "" {
			break
		}
		req.Headers = append(req.Headers, line)
		ep.log.Debug().Str("header", line).Send()
	}

	if err = req.parseRequestLine(); err != nil {
		return err
	}
	req.parseHeaders()

	n, ok, err := req.bodyLength(ep.s.getMaxRequestBodySize())
	if err != nil || !ok {
		return err
	}
	ep.log.Debug().Int64("content_length", n).Msg("reading request body")
	return req.readBody(ep.br, n)
}

func recvError(sentinel, err error) error {
	if err == ErrLineTooLong {
		return err
	}
	return errors.WithMessage(sentinel, err.Error())
}

// buildResponse routes the received request, dispatches it to the CGI bridge
// or the static file path and builds the response.
func (ep *endpoint) buildResponse() {
	req := &ep.req
	code, err := ep.s.route(req)
	if err != nil {
		ep.log.Info().Err(err).Str("uri", req.URI).Int("status", code).Msg("route")
		ep.buildResponseHelper(code)
		return
	}
	ep.log.Debug().
		Str("path", req.Path).
		Str("query", req.QueryString).
		Bool("dynamic", req.IsDynamic).
		Int64("size", req.Size).
		Msg("resolved")

	if req.IsDynamic {
		code = ep.processCGI()
	} else {
		code = ep.processNonCGI()
	}
	ep.buildResponseHelper(code)
}

func (ep *endpoint) processNonCGI() int {
	f, err := os.Open(ep.req.Path)
	if err != nil {
		ep.log.Info().Err(err).Str("path", ep.req.Path).Msg("cannot open static file")
		return StatusNotFound
	}
	ep.resp.setFile(f, ep.req.Path, ep.req.Size)
	return StatusOK
}

func (ep *endpoint) buildResponseHelper(code int) {
	ep.resp.StatusCode = code
	ep.resp.Headers = ep.resp.Headers[:0]
	if code == StatusOK {
		ep.resp.buildOK(ep.req.Suffix)
		return
	}
	ep.handleError(code)
}

// handleError replaces whatever payload was produced by the error page for
// code.
func (ep *endpoint) handleError(code int) {
	ep.resp.release()
	page := ep.s.errorPagePath(code)
	f, err := os.Open(page)
	if err == nil {
		var st os.FileInfo
		if st, err = f.Stat(); err == nil && st.Mode().IsRegular() {
			ep.resp.setFile(f, page, st.Size())
		} else {
			_ = f.Close()
		}
	}
	if ep.resp.Payload == nil {
		ep.log.Warn().Str("page", page).Msg("error page missing, using built-in body")
		ep.resp.Payload = &BytesPayload{B: builtinErrorPage(code)}
	}
	ep.resp.addHeader("Content-Type", "text/html")
	ep.resp.addHeader("Content-Length", strconv.FormatInt(ep.resp.Payload.Len(), 10))
}

func builtinErrorPage(code int) []byte {
	text := strconv.Itoa(code) + " " + StatusText(code)
	return []byte("<html><head><title>" + text + "</title></head><body><h1>" + text + "</h1></body></html>\n")
}

// sendResponse writes the status line, headers, blank line and payload.
// Sending is best effort: the first write error ends it.
func (ep *endpoint) sendResponse() (n int64, err error) {
	bw := ep.s.acquireWriter(ep.c)
	defer ep.s.releaseWriter(bw)

	head := bytebufferpool.Get()
	head.B = ep.resp.appendHead(head.B, ep.s.CollapseErrorPages)
	_, err = bw.Write(head.B)
	bytebufferpool.Put(head)
	if err != nil {
		return 0, errors.Wrap(err, "send head")
	}
	if ep.resp.Payload == nil {
		return 0, errors.Wrap(bw.Flush(), "send head")
	}
	n, err = ep.resp.Payload.send(bw, ep.c)
	if cerr := ep.resp.Payload.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return n, errors.Wrap(err, "send payload")
	}
	return n, nil
}

var (
	readerPool sync.Pool
	writerPool sync.Pool
)

func (s *Server) acquireReader(c net.Conn) *bufio.Reader {
	v := readerPool.Get()
	if v == nil {
		return bufio.NewReaderSize(c, s.getReadBufferSize())
	}
	r := v.(*bufio.Reader)
	if r.Size() != s.getReadBufferSize() {
		return bufio.NewReaderSize(c, s.getReadBufferSize())
	}
	r.Reset(c)
	return r
}

func (s *Server) releaseReader(r *bufio.Reader) {
	r.Reset(nil)
	readerPool.Put(r)
}

func (s *Server) acquireWriter(c net.Conn) *bufio.Writer {
	v := writerPool.Get()
	if v == nil {
		return bufio.NewWriterSize(c, s.getWriteBufferSize())
	}
	w := v.(*bufio.Writer)
	if w.Size() != s.getWriteBufferSize() {
		return bufio.NewWriterSize(c, s.getWriteBufferSize())
	}
	w.Reset(c)
	return w
}

func (s *Server) releaseWriter(w *bufio.Writer) {
	w.Reset(nil)
	writerPool.Put(w)
}
