package simplehttp

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// ServeHandler serves a single connection. It must leave c unclosed.
type ServeHandler func(c net.Conn) error

// WorkItem is one accepted connection waiting to be served.
//
// Ownership of Conn moves into the pool on Submit; Process closes it once
// Handler returned, whatever the outcome.
type WorkItem struct {
	ID      uint64
	Conn    net.Conn
	Handler ServeHandler
}

// Process runs the wrapped handler synchronously and closes the connection.
func (it *WorkItem) Process() (err error) {
	if it.Handler != nil {
		err = it.Handler(it.Conn)
	}
	if it.Conn != nil {
		_ = it.Conn.Close()
	}
	return err
}

// WorkerPool serves WorkItems with a fixed number of workers pulling from one
// shared queue.
//
// Items are dequeued in the order they were submitted. The pool is built
// once with NewWorkerPool, started before the acceptor runs and stopped on
// shutdown.
type WorkerPool struct {
	// Number of workers started by Start.
	Workers int
	// Logs all errors, including the frequent 'broken pipe',
	// 'reset by peer' and 'i/o timeout' ones.
	LogAllErrors bool
	Logger       *zerolog.Logger

	// set by Server.Serve, called with StateClosed after an item's
	// connection was closed.
	connState func(net.Conn, ConnState)

	queue  chan *WorkItem
	stopCh chan struct{}

	// mu orders Submit against Stop: once stopped is set no item can
	// enter the queue any more.
	mu      sync.RWMutex
	stopped bool

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup

	busy      atomic.Int32
	processed atomic.Uint64
}

// DefaultWorkers is the worker count used when none is configured.
const DefaultWorkers = 6

// DefaultQueueSize is the queue capacity used when none is configured.
const DefaultQueueSize = 1024

// NewWorkerPool creates a pool of workers goroutines fed through a queue of
// queueSize items. Non-positive values select the defaults.
func NewWorkerPool(workers, queueSize int, logger *zerolog.Logger) *WorkerPool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &WorkerPool{
		Workers: workers,
		Logger:  logger,
		queue:   make(chan *WorkItem, queueSize),
		stopCh:  make(chan struct{}),
	}
}

// Start spawns the workers. Calling it more than once has no effect.
func (wp *WorkerPool) Start() {
	wp.startOnce.Do(func() {
		wp.wg.Add(wp.Workers)
		for i := 0; i < wp.Workers; i++ {
			go wp.workerFunc()
		}
		wp.logger().Info().Int("workers", wp.Workers).Int("queue", cap(wp.queue)).Msg("worker pool started")
	})
}

// Submit appends item to the tail of the queue. It blocks while the queue is
// full and fails with ErrPoolStopped once Stop was called; the caller then
// still owns item.Conn.
func (wp *WorkerPool) Submit(item *WorkItem) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.stopped {
		return ErrPoolStopped
	}
	select {
	case wp.queue <- item:
		return nil
	case <-wp.stopCh:
		return ErrPoolStopped
	}
}

// Stop refuses new items, waits for busy workers to finish their current item
// and closes the connections of items still queued.
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() {
		close(wp.stopCh)
		wp.mu.Lock()
		wp.stopped = true
		wp.mu.Unlock()
		wp.wg.Wait()

		for {
			select {
			case item := <-wp.queue:
				wp.drop(item)
			default:
				wp.logger().Info().Uint64("processed", wp.processed.Load()).Msg("worker pool stopped")
				return
			}
		}
	})
}

// Busy returns the number of workers currently serving an item.
func (wp *WorkerPool) Busy() int {
	return int(wp.busy.Load())
}

// Queued returns the number of items waiting in the queue.
func (wp *WorkerPool) Queued() int {
	return len(wp.queue)
}

func (wp *WorkerPool) workerFunc() {
	defer wp.wg.Done()
	for {
		select {
		case <-wp.stopCh:
			return
		case item := <-wp.queue:
			select {
			case <-wp.stopCh:
				wp.drop(item)
				return
			default:
			}
			wp.process(item)
		}
	}
}

// drop closes the connection of an item that will never be served.
func (wp *WorkerPool) drop(item *WorkItem) {
	if item.Conn != nil {
		_ = item.Conn.Close()
		wp.setState(item.Conn, StateClosed)
	}
}

func (wp *WorkerPool) process(item *WorkItem) {
	wp.busy.Add(1)
	err := item.Process()
	wp.busy.Add(-1)
	wp.processed.Add(1)

	if err != nil && (wp.LogAllErrors || !isCommonNetError(err)) {
		ev := wp.logger().Error().Err(err).Uint64("conn", item.ID)
		if item.Conn != nil {
			ev = ev.Str("local", addrString(item.Conn.LocalAddr())).Str("remote", addrString(item.Conn.RemoteAddr()))
		}
		ev.Msg("error when serving connection")
	}
	if item.Conn != nil {
		wp.setState(item.Conn, StateClosed)
	}
}

func (wp *WorkerPool) setState(c net.Conn, state ConnState) {
	if wp.connState != nil {
		wp.connState(c, state)
	}
}

func (wp *WorkerPool) logger() *zerolog.Logger {
	if wp.Logger != nil {
		return wp.Logger
	}
	return &defaultLogger
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
