package simplehttp

import (
	"context"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"github.com/valyala/tcplisten"
)

// Server is an HTTP/1.0 origin server. It serves files below Root and runs
// executables below Root as CGI programs. Every connection carries exactly
// one request and is closed after the response.
//
// Default Server settings should satisfy the majority of Server users.
//
// It is safe to call Server methods from concurrently running goroutines.
type Server struct {
	// Root is the web root directory every request path is resolved in.
	//
	// DefaultRoot is used if not set.
	Root string
	// IndexPage is appended to paths ending in '/' and to directories.
	//
	// DefaultIndexPage is used if not set.
	IndexPage string
	// ErrorPage is the page, relative to Root, sent for every non-OK status
	// without a page of its own.
	//
	// DefaultErrorPage is used if not set.
	ErrorPage string
	// CollapseErrorPages sends ErrorPage for all error statuses and leaves
	// the reason phrase of Bad Request and Internal Server Error empty,
	// byte-for-byte like the classic server.
	//
	// By default, a status with a "<code>.html" page below Root gets that
	// page and every status carries its reason phrase.
	CollapseErrorPages bool

	// Workers is the number of workers of the pool created by Serve when
	// Pool is nil.
	//
	// DefaultWorkers is used if not set.
	Workers int
	// QueueSize is the capacity of the pool created by Serve when Pool is
	// nil. The acceptor blocks while the queue is full.
	//
	// DefaultQueueSize is used if not set.
	QueueSize int
	// Pool serves accepted connections. It is created on first Serve if nil.
	Pool *WorkerPool

	// Per-connection buffer size for requests' reading.
	// This also limits the length of the request line and of every header line.
	//
	// Default buffer size is used if not set. Default value is 4096.
	ReadBufferSize int
	// Per-connection buffer size for responses' writing.
	//
	// Default buffer size is used if not set. Default value is 4096.
	WriteBufferSize int
	// Maximum request body size. A POST declaring a larger Content-Length is
	// answered with Bad Request without its body being read.
	//
	// DefaultMaxRequestBodySize is used if not set.
	MaxRequestBodySize int64

	// ReadTimeout is the amount of time allowed to read the full request.
	//
	// By default, request read timeout is unlimited.
	ReadTimeout time.Duration
	// WriteTimeout is the amount of time allowed to send the response.
	//
	// By default, response write timeout is unlimited.
	WriteTimeout time.Duration
	// CGITimeout kills a CGI program running longer, which is answered with
	// Internal Server Error.
	//
	// By default, CGI programs run unlimited.
	CGITimeout time.Duration
	// CGIInheritEnv names environment variables of the server process passed
	// on to CGI programs, in addition to PATH.
	CGIInheritEnv []string
	// CGIStderr receives the standard error of CGI programs. It is discarded
	// if nil.
	CGIStderr io.Writer

	// ReusePort makes ListenAndServe listen with SO_REUSEPORT, so several
	// processes can accept on the same address.
	ReusePort bool
	// Logs all errors, including the most frequent
	// 'connection reset by peer', 'broken pipe' and 'connection timeout'
	// errors.
	LogAllErrors bool
	// ConnState specifies an optional callback function that is
	// called when a client connection changes state.
	ConnState func(net.Conn, ConnState)
	// Logger is used for all server and connection logging.
	//
	// By default, a zerolog logger writing to stderr is used.
	Logger *zerolog.Logger

	mu    sync.Mutex
	ln    []net.Listener
	conns *xsync.MapOf[net.Conn, *ConnStatus]
	// connsOnce guards conns initialisation.
	connsOnce sync.Once
	open      atomic.Int32
	stop      atomic.Bool
}

// ConnStatus is tracked per open connection.
type ConnStatus struct {
	ID        uint64
	CreatedAt time.Time
}

// DefaultMaxRequestBodySize is the maximum request body size the server
// reads by default.
const DefaultMaxRequestBodySize = 4 * 1024 * 1024

const defaultBufferSize = 4096

func (s *Server) getRoot() string {
	if s.Root == "" {
		return DefaultRoot
	}
	return strings.TrimSuffix(s.Root, "/")
}

func (s *Server) getIndexPage() string {
	if s.IndexPage == "" {
		return DefaultIndexPage
	}
	return s.IndexPage
}

func (s *Server) getErrorPage() string {
	if s.ErrorPage == "" {
		return DefaultErrorPage
	}
	return s.ErrorPage
}

func (s *Server) getMaxRequestBodySize() int64 {
	if s.MaxRequestBodySize <= 0 {
		return DefaultMaxRequestBodySize
	}
	return s.MaxRequestBodySize
}

func (s *Server) getReadBufferSize() int {
	if s.ReadBufferSize <= 0 {
		return defaultBufferSize
	}
	return s.ReadBufferSize
}

func (s *Server) getWriteBufferSize() int {
	if s.WriteBufferSize <= 0 {
		return defaultBufferSize
	}
	return s.WriteBufferSize
}

// errorPagePath returns the page sent for the error status code.
func (s *Server) errorPagePath(code int) string {
	root := s.getRoot()
	if !s.CollapseErrorPages && code != StatusNotFound {
		p := root + "/" + strconv.Itoa(code) + ".html"
		if st, err := os.Stat(p); err == nil && st.Mode().IsRegular() {
			return p
		}
	}
	return root + "/" + s.getErrorPage()
}

func (s *Server) initConns() {
	s.connsOnce.Do(func() {
		s.conns = xsync.NewMapOf[net.Conn, *ConnStatus]()
	})
}

// workerPool returns Pool, creating it on first use.
func (s *Server) workerPool() *WorkerPool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Pool == nil {
		s.Pool = NewWorkerPool(s.Workers, s.QueueSize, s.logger())
		s.Pool.LogAllErrors = s.LogAllErrors
	}
	if s.Pool.connState == nil {
		s.Pool.connState = s.setState
	}
	return s.Pool
}

// ListenAndServe serves HTTP requests from the given TCP addr.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := s.listen(addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

func (s *Server) listen(addr string) (net.Listener, error) {
	if s.ReusePort {
		cfg := tcplisten.Config{ReusePort: true}
		ln, err := cfg.NewListener("tcp4", addr)
		return ln, errors.Wrapf(err, "listen reuseport %s", addr)
	}
	ln, err := net.Listen("tcp", addr)
	return ln, errors.Wrapf(err, "listen %s", addr)
}

var globalConnID atomic.Uint64

func nextConnID() uint64 {
	return globalConnID.Add(1)
}

// Serve accepts connections from ln and hands each one to the worker pool.
//
// Serve blocks until ln returns a permanent error or Shutdown is called.
// It returns nil after Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.initConns()
	wp := s.workerPool()
	s.mu.Lock()
	s.ln = append(s.ln, ln)
	s.mu.Unlock()
	wp.Start()
	s.logger().Info().Str("addr", addrString(ln.Addr())).Str("root", s.getRoot()).Msg("serving")

	for {
		c, err := ln.Accept()
		if err != nil {
			//goland:noinspection GoTypeAssertionOnErrors
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				s.logger().Warn().Err(err).Msg("timeout error when accepting new connections")
				time.Sleep(time.Second)
				continue
			}
			if s.stop.Load() || errors.Is(err, net.ErrClosed) || err == io.EOF {
				return nil
			}
			s.logger().Error().Err(err).Msg("permanent error when accepting new connections")
			return err
		}

		id := nextConnID()
		s.setStateID(c, StateNew, id)
		item := &WorkItem{ID: id, Conn: c, Handler: func(c net.Conn) error {
			s.setState(c, StateActive)
			return s.serveConn(c, id)
		}}
		if err = wp.Submit(item); err != nil {
			_ = c.Close()
			s.setState(c, StateClosed)
			if errors.Is(err, ErrPoolStopped) {
				return nil
			}
			return err
		}
	}
}

// ServeConn serves the single request on c in the calling goroutine and
// closes c before returning.
func (s *Server) ServeConn(c net.Conn) error {
	s.initConns()
	id := nextConnID()
	s.setStateID(c, StateNew, id)
	item := &WorkItem{ID: id, Conn: c, Handler: func(c net.Conn) error {
		s.setState(c, StateActive)
		return s.serveConn(c, id)
	}}
	err := item.Process()
	s.setState(c, StateClosed)
	return err
}

// Shutdown gracefully shuts down the server without interrupting any active
// connections. See ShutdownWithContext.
func (s *Server) Shutdown() error {
	return s.ShutdownWithContext(context.Background())
}

// ShutdownWithContext closes all listeners, then waits for the worker pool
// to finish the connections it is serving. Queued connections that no
// worker picked up yet are closed.
//
// When ctx is done first, all connections still open are closed and ctx's
// error is returned.
func (s *Server) ShutdownWithContext(ctx context.Context) (err error) {
	s.stop.Store(true)
	s.mu.Lock()
	for _, ln := range s.ln {
		if cerr := ln.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	s.ln = nil
	wp := s.Pool
	s.mu.Unlock()
	if wp == nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		wp.Stop()
		close(done)
	}()
	select {
	case <-done:
		return err
	case <-ctx.Done():
		s.closeOpenConns()
		return ctx.Err()
	}
}

func (s *Server) closeOpenConns() {
	s.initConns()
	s.conns.Range(func(c net.Conn, cs *ConnStatus) bool {
		s.logger().Warn().Uint64("conn", cs.ID).Dur("age", time.Since(cs.CreatedAt)).Msg("closing connection on shutdown")
		_ = c.Close()
		return true
	})
}

// GetOpenConnectionsCount returns the number of accepted connections not
// closed yet, queued ones included.
func (s *Server) GetOpenConnectionsCount() int32 {
	return s.open.Load()
}

func (s *Server) setStateID(c net.Conn, state ConnState, id uint64) {
	if state == StateNew {
		s.conns.Store(c, &ConnStatus{ID: id, CreatedAt: time.Now()})
		s.open.Add(1)
	}
	if s.ConnState != nil {
		s.ConnState(c, state)
	}
}

func (s *Server) setState(c net.Conn, state ConnState) {
	if state == StateClosed {
		if _, ok := s.conns.LoadAndDelete(c); ok {
			s.open.Add(-1)
		}
	}
	if s.ConnState != nil {
		s.ConnState(c, state)
	}
}

// A ConnState represents the state of a client connection to a server.
// It's used by the optional Server.ConnState hook.
type ConnState int32

const (
	// StateNew represents an accepted connection waiting in the queue.
	StateNew ConnState = iota
	// StateActive represents a connection a worker is serving.
	StateActive
	// StateClosed represents a closed connection.
	// This is a terminal state.
	StateClosed
)

var stateName = map[ConnState]string{
	StateNew:    "new",
	StateActive: "active",
	StateClosed: "closed",
}

func (c ConnState) String() string {
	return stateName[c]
}
