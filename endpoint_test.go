package simplehttp

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gookit/goutil/testutil/assert"
	"github.com/pkg/errors"
	"github.com/valyala/fasthttp/fasthttputil"
	"github.com/xyproto/randomstring"
)

func TestServeStaticFile(t *testing.T) {
	s := newTestServer(t)
	resp := serve(t, s, "GET /style.css HTTP/1.0\r\nHost: x\r\n\r\n")
	assert.Eq(t, "HTTP/1.0 200 OK", resp.StatusLine)
	assert.Eq(t, []string{"Content-Type: text/css", "Content-Length: " + strconv.Itoa(len(styleCSS))}, resp.Headers)
	assert.Eq(t, styleCSS, resp.Body)
}

func TestServeIndexIdempotent(t *testing.T) {
	s := newTestServer(t)
	want, err := serveChunks(t, s, "GET /index.html HTTP/1.0\r\n\r\n")
	assert.NoErr(t, err)
	assert.Eq(t, "HTTP/1.0 200 OK\r\nContent-Type: text/html\r\nContent-Length: "+
		strconv.Itoa(len(indexHTML))+"\r\n\r\n"+indexHTML, want)

	for _, uri := range []string{"/", "/docs", "/docs/", "/docs/index.html"} {
		got, err := serveChunks(t, s, "GET "+uri+" HTTP/1.0\r\n\r\n")
		assert.NoErr(t, err, uri)
		assert.Eq(t, want, got, uri)
	}
}

func TestServeLoneCRLineEndings(t *testing.T) {
	s := newTestServer(t)
	resp := serve(t, s, "GET /style.css HTTP/1.0\rHost: x\r\r\n")
	assert.Eq(t, "HTTP/1.0 200 OK", resp.StatusLine)
	assert.Eq(t, styleCSS, resp.Body)
}

func TestServeVersionNotEchoed(t *testing.T) {
	s := newTestServer(t)
	resp := serve(t, s, "GET /style.css HTTP/1.1\r\n\r\n")
	assert.Eq(t, "HTTP/1.0 200 OK", resp.StatusLine)
}

func TestServeLowercaseMethod(t *testing.T) {
	s := newTestServer(t)
	resp := serve(t, s, "get /style.css HTTP/1.0\r\n\r\n")
	assert.Eq(t, "HTTP/1.0 200 OK", resp.StatusLine)
	assert.Eq(t, styleCSS, resp.Body)
}

func TestServeNotFound(t *testing.T) {
	s := newTestServer(t)
	for _, uri := range []string{"/missing.html", "/emptydir", "/emptydir/", "/docs/nope"} {
		resp := serve(t, s, "GET "+uri+" HTTP/1.0\r\n\r\n")
		assert.Eq(t, "HTTP/1.0 404 Not Found", resp.StatusLine, uri)
		assert.Eq(t, []string{"Content-Type: text/html", "Content-Length: " + strconv.Itoa(len(notFound))}, resp.Headers, uri)
		assert.Eq(t, notFound, resp.Body, uri)
	}
}

func TestServeBadRequest(t *testing.T) {
	s := newTestServer(t)
	for _, raw := range []string{
		"PUT /index.html HTTP/1.0\r\n\r\n",
		"HEAD / HTTP/1.0\r\n\r\n",
		"GET /../etc/passwd HTTP/1.0\r\n\r\n",
		"GET /docs/../index.html HTTP/1.0\r\n\r\n",
		"GET index.html HTTP/1.0\r\n\r\n",
		"POST /cgi/env.sh HTTP/1.0\r\nContent-Length: abc\r\n\r\n",
		"POST /cgi/env.sh HTTP/1.0\r\nContent-Length: -1\r\n\r\n",
	} {
		resp := serve(t, s, raw)
		assert.Eq(t, "HTTP/1.0 400 Bad Request", resp.StatusLine, raw)
		// No 400.html below the root: the default error page is used.
		assert.Eq(t, notFound, resp.Body, raw)
	}
}

func TestServeCollapsedErrorPages(t *testing.T) {
	s := newTestServer(t)
	s.CollapseErrorPages = true

	resp := serve(t, s, "DELETE / HTTP/1.0\r\n\r\n")
	assert.Eq(t, "HTTP/1.0 400 ", resp.StatusLine)
	assert.Eq(t, notFound, resp.Body)

	resp = serve(t, s, "GET /cgi/killed.sh HTTP/1.0\r\n\r\n")
	assert.Eq(t, "HTTP/1.0 500 ", resp.StatusLine)
	// 500.html exists but collapsed mode always sends the default page.
	assert.Eq(t, notFound, resp.Body)

	resp = serve(t, s, "GET /missing HTTP/1.0\r\n\r\n")
	assert.Eq(t, "HTTP/1.0 404 Not Found", resp.StatusLine)
}

func TestServeBuiltinErrorPage(t *testing.T) {
	s := newTestServer(t)
	s.ErrorPage = "no-such-page.html"
	resp := serve(t, s, "GET /missing HTTP/1.0\r\n\r\n")
	assert.Eq(t, "HTTP/1.0 404 Not Found", resp.StatusLine)
	assert.Eq(t, string(builtinErrorPage(StatusNotFound)), resp.Body)
	assert.Eq(t, "Content-Length: "+strconv.Itoa(len(resp.Body)), resp.Headers[1])
}

func TestServeBodyTooLarge(t *testing.T) {
	s := newTestServer(t)
	s.MaxRequestBodySize = 8
	// The body is never read, so announcing more than is sent still gets an
	// answer.
	resp := serve(t, s, "POST /cgi/env.sh HTTP/1.0\r\nContent-Length: 9\r\n\r\n")
	assert.Eq(t, "HTTP/1.0 400 Bad Request", resp.StatusLine)
}

func TestServePostBodySplitAcrossReads(t *testing.T) {
	s := newTestServer(t)
	body := randomstring.HumanFriendlyString(1000)
	raw := "POST /cgi/readstdinlen.sh HTTP/1.0\r\nContent-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body

	chunks := make([]string, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		chunks = append(chunks, raw[i:i+1])
	}
	out, err := serveChunks(t, s, chunks...)
	assert.NoErr(t, err)
	resp := parseRawResponse(t, out)
	assert.Eq(t, "HTTP/1.0 200 OK", resp.StatusLine)
	assert.Eq(t, strconv.Itoa(len(body)), resp.Body)
}

func TestServeLongHeaderLine(t *testing.T) {
	s := newTestServer(t)
	s.ReadBufferSize = 64
	out, err := serveChunks(t, s, "GET / HTTP/1.0\r\nX-Long: "+strings.Repeat("a", 128)+"\r\n\r\n")
	assert.Err(t, err)
	assert.True(t, errors.Cause(err) == ErrLineTooLong)
	assert.Empty(t, out)
}

func TestServeMalformedRequestLine(t *testing.T) {
	s := newTestServer(t)
	for _, line := range []string{"GET /\r\n\r\n", "GET / HTTP/1.0 extra\r\n\r\n", "\r\n\r\n"} {
		out, err := serveChunks(t, s, line)
		assert.Err(t, err, line)
		assert.True(t, isConnectionFatal(err), line)
		assert.Empty(t, out, line)
	}
}

func TestServeClientGoneEarly(t *testing.T) {
	s := newTestServer(t)
	for _, raw := range []string{
		"",
		"GET / HTTP/1.0\r\nHost",
		"POST /cgi/env.sh HTTP/1.0\r\nContent-Length: 10\r\n\r\nabc",
	} {
		pcs := fasthttputil.NewPipeConns()
		cliCon, serCon := pcs.Conn1(), pcs.Conn2()
		go func() {
			if raw != "" {
				_, _ = cliCon.Write([]byte(raw))
			}
			_ = cliCon.Close()
		}()
		err := s.ServeConn(serCon)
		assert.Err(t, err, raw)
		assert.True(t, isConnectionFatal(err), raw)
	}
}

func TestServeReadTimeout(t *testing.T) {
	s := newTestServer(t)
	s.ReadTimeout = 50 * time.Millisecond

	pcs := fasthttputil.NewPipeConns()
	cliCon, serCon := pcs.Conn1(), pcs.Conn2()
	_, err := cliCon.Write([]byte("GET / HTTP/1.0\r\n"))
	assert.NoErr(t, err)

	err = s.ServeConn(serCon)
	assert.Err(t, err)
	assert.True(t, errors.Cause(err) == ErrReadHeader)
}
