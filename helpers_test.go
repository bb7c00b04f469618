package simplehttp

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gookit/goutil/testutil/assert"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp/fasthttputil"
)

var testLogger = zerolog.Nop()

const (
	indexHTML  = "<html><body>index</body></html>\n"
	styleCSS   = "body { color: red; }\n"
	notFound   = "<html><body>404 page</body></html>\n"
	serverFail = "<html><body>500 page</body></html>\n"
)

// envScript prints the CGI variables it received and its standard input.
const envScript = `#!/bin/sh
body=$(cat)
printf 'METHOD=%s\n' "$METHOD"
printf 'QUERY_STRING=%s\n' "${QUERY_STRING-unset}"
printf 'CONTENT_LENGTH=%s\n' "${CONTENT_LENGTH-unset}"
printf 'BODY=%s\n' "$body"
`

// newWebRoot lays out a web root with static files, error pages and CGI stubs.
func newWebRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := map[string]struct {
		data string
		mode os.FileMode
	}{
		"index.html":          {indexHTML, 0o644},
		"style.css":           {styleCSS, 0o644},
		"404.html":            {notFound, 0o644},
		"500.html":            {serverFail, 0o644},
		"docs/index.html":     {indexHTML, 0o644},
		"emptydir/.keep":      {"", 0o644},
		"cgi/env.sh":          {envScript, 0o755},
		"cgi/ok.sh":           {"#!/bin/sh\nprintf 'hello from cgi'\n", 0o755},
		"cgi/exit1.sh":        {"#!/bin/sh\nprintf 'failing'\nexit 1\n", 0o755},
		"cgi/killed.sh":       {"#!/bin/sh\nkill -9 $$\n", 0o755},
		"cgi/big.sh":          {"#!/bin/sh\ni=0\nwhile [ $i -lt 2000 ]; do printf '0123456789abcdef0123456789abcdef\\n'; i=$((i+1)); done\n", 0o755},
		"cgi/not-executable":  {"#!/bin/sh\nexit 0\n", 0o644},
		"cgi/sleep.sh":        {"#!/bin/sh\nexec sleep 5\n", 0o755},
		"cgi/noshebang.bin":   {"\x00\x01\x02garbage", 0o755},
		"cgi/stderr.sh":       {"#!/bin/sh\necho 'to stderr' >&2\nprintf out\n", 0o755},
		"cgi/readstdinlen.sh": {"#!/bin/sh\nwc -c | tr -d ' \\n'\n", 0o755},
	}
	for name, f := range files {
		p := filepath.Join(root, name)
		assert.NoErr(t, os.MkdirAll(filepath.Dir(p), 0o755))
		assert.NoErr(t, os.WriteFile(p, []byte(f.data), f.mode))
		// WriteFile applies the umask.
		assert.NoErr(t, os.Chmod(p, f.mode))
	}
	return root
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return &Server{Root: newWebRoot(t), Logger: &testLogger}
}

type rawResponse struct {
	StatusLine string
	Headers    []string
	Body       string
}

func parseRawResponse(t *testing.T, raw string) rawResponse {
	t.Helper()
	head, body, ok := strings.Cut(raw, "\r\n\r\n")
	if !ok {
		t.Fatalf("response has no header terminator: %q", raw)
	}
	lines := strings.Split(head, "\r\n")
	return rawResponse{StatusLine: lines[0], Headers: lines[1:], Body: body}
}

// serveChunks writes the request to the server as the given chunks, one
// Write per chunk, and returns everything the server sent back.
func serveChunks(t *testing.T, s *Server, chunks ...string) (string, error) {
	t.Helper()
	pcs := fasthttputil.NewPipeConns()
	cliCon, serCon := pcs.Conn1(), pcs.Conn2()
	respCh := make(chan string, 1)
	go func() {
		for _, chunk := range chunks {
			if _, err := cliCon.Write([]byte(chunk)); err != nil {
				break
			}
		}
		b, _ := io.ReadAll(cliCon)
		respCh <- string(b)
	}()
	err := s.ServeConn(serCon)
	return <-respCh, err
}

func serve(t *testing.T, s *Server, raw string) rawResponse {
	t.Helper()
	out, err := serveChunks(t, s, raw)
	assert.NoErr(t, err)
	return parseRawResponse(t, out)
}
