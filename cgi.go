package simplehttp

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/valyala/bytebufferpool"
)

// ExitStatus describes how a CGI child terminated: either it exited with
// Code, or it was killed by Signal.
type ExitStatus struct {
	Exited bool
	Code   int
	Signal syscall.Signal
}

// HTTPStatus maps the exit status onto the response status code.
func (es ExitStatus) HTTPStatus() int {
	switch {
	case !es.Exited:
		return StatusInternalServerError
	case es.Code == 0:
		return StatusOK
	default:
		return StatusBadRequest
	}
}

func (es ExitStatus) String() string {
	if es.Exited {
		return "exited(" + strconv.Itoa(es.Code) + ")"
	}
	return "signaled(" + signalName(es.Signal) + ")"
}

// CGI runs one executable for one request. Request metadata reaches the
// child through its own environment only; the parent's environment is never
// modified.
type CGI struct {
	// Path of the executable. It is run without arguments.
	Path string
	// Env is the complete child environment.
	Env []string
	// Stdin is written to the child's standard input. nil means empty input.
	Stdin []byte
	// Stderr receives the child's standard error. nil discards it.
	Stderr io.Writer
	// Timeout kills the child once exceeded. Zero means no limit.
	Timeout time.Duration
}

// Run executes the child, collects its complete standard output into out and
// waits for it to terminate. A non-nil error means the child never ran; the
// returned status then tells which HTTP status to answer with.
func (c *CGI) Run(out *bytebufferpool.ByteBuffer) (ExitStatus, int, error) {
	ctx := context.Background()
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Path)
	if c.Timeout > 0 {
		// grandchildren may keep stdout open after the child was killed.
		cmd.WaitDelay = cgiWaitDelay
	}
	cmd.Env = c.Env
	if len(c.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(c.Stdin)
	}
	cmd.Stdout = out
	cmd.Stderr = c.Stderr

	if err := cmd.Start(); err != nil {
		return ExitStatus{}, startErrorStatus(err), errors.WithMessage(ErrCGISpawn, err.Error())
	}
	// Wait drains stdout to EOF before reaping the child. Its error only
	// repeats what ProcessState already carries, unless copying failed.
	waitErr := cmd.Wait()
	if cmd.ProcessState == nil {
		return ExitStatus{}, StatusInternalServerError, errors.Wrap(waitErr, "cgi wait")
	}
	es := exitStatusOf(cmd.ProcessState)
	if _, ok := waitErr.(*exec.ExitError); waitErr != nil && !ok {
		return es, StatusInternalServerError, errors.Wrap(waitErr, "cgi output")
	}
	return es, es.HTTPStatus(), nil
}

// startErrorStatus classifies a spawn failure. Errors that a forked child
// would have hit when replacing its image map to Bad Request, like a child
// exiting non-zero; everything else (pipes, fork) is a Server Error.
func startErrorStatus(err error) int {
	switch {
	case errors.Is(err, syscall.ENOEXEC), errors.Is(err, syscall.EACCES), errors.Is(err, syscall.ENOENT):
		return StatusBadRequest
	}
	return StatusInternalServerError
}

const cgiWaitDelay = time.Second

var osDefaultInheritEnv = map[string][]string{
	"darwin":  {"DYLD_LIBRARY_PATH"},
	"freebsd": {"LD_LIBRARY_PATH"},
	"linux":   {"LD_LIBRARY_PATH"},
	"openbsd": {"LD_LIBRARY_PATH"},
	"solaris": {"LD_LIBRARY_PATH", "LD_LIBRARY_PATH_32", "LD_LIBRARY_PATH_64"},
}

// cgiEnv builds the child environment for req: METHOD, then QUERY_STRING for
// GET or CONTENT_LENGTH for POST, followed by PATH and inherited variables.
func (s *Server) cgiEnv(req *Request) []string {
	env := make([]string, 0, 4+len(s.CGIInheritEnv))
	env = append(env, "METHOD="+req.Method)
	switch req.Method {
	case "GET":
		env = append(env, "QUERY_STRING="+req.QueryString)
	case "POST":
		env = append(env, "CONTENT_LENGTH="+strconv.FormatInt(req.ContentLength, 10))
	}

	envPath := os.Getenv("PATH")
	if envPath == "" {
		envPath = "/bin:/usr/bin:/usr/ucb:/usr/bsd:/usr/local/bin"
	}
	env = append(env, "PATH="+envPath)

	for _, name := range osDefaultInheritEnv[runtime.GOOS] {
		if v := os.Getenv(name); v != "" {
			env = append(env, name+"="+v)
		}
	}
	for _, name := range s.CGIInheritEnv {
		switch name {
		case "METHOD", "QUERY_STRING", "CONTENT_LENGTH", "PATH":
			continue
		}
		if v := os.Getenv(name); v != "" {
			env = append(env, name+"="+v)
		}
	}
	return env
}

// processCGI executes req.Path for a dynamic request and stores its output as
// the response payload.
func (ep *endpoint) processCGI() int {
	req := &ep.req
	c := CGI{
		Path:    req.Path,
		Env:     ep.s.cgiEnv(req),
		Stderr:  ep.s.CGIStderr,
		Timeout: ep.s.CGITimeout,
	}
	if req.Method == "POST" {
		c.Stdin = req.Body
	}

	out := bytebufferpool.Get()
	start := time.Now()
	es, code, err := c.Run(out)
	if err != nil {
		bytebufferpool.Put(out)
		ep.log.Warn().Err(err).Str("path", req.Path).Int("status", code).Msg("cgi failed")
		return code
	}

	var ev *zerolog.Event
	if code == StatusOK {
		ev = ep.log.Info()
	} else {
		ev = ep.log.Warn()
	}
	ev.Str("path", req.Path).
		Str("exit", es.String()).
		Int("output", out.Len()).
		Dur("took", time.Since(start)).
		Msg("cgi done")

	ep.resp.setBytes(out)
	return code
}
