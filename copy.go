package simplehttp

import (
	"io"
	"os"

	pio "github.com/newacorn/goutils/io"
	pool "github.com/newacorn/simple-bytes-pool"
	"github.com/pkg/errors"
)

// sendFile writes exactly size bytes of f to dst.
//
// When dst implements io.ReaderFrom (*net.TCPConn does) the transfer is
// handed to it, which lets the kernel move the bytes with sendfile.
func sendFile(dst io.Writer, f *os.File, size int64) (n int64, err error) {
	r := io.LimitReader(f, size)
	if rf, ok := dst.(io.ReaderFrom); ok {
		// fast path. Send file must be triggered
		n, err = rf.ReadFrom(r)
	} else {
		// slow path
		n, err = copyZeroAlloc(dst, r)
	}
	if n != size && err == nil {
		err = errors.WithMessagef(ErrSendSizeMismatch, "sent %d, want %d", n, size)
	}
	return
}

// copyZeroAlloc copies r to w, taking a pooled buffer only when neither side
// can do the copy itself.
func copyZeroAlloc(w io.Writer, r io.Reader) (n int64, err error) {
	if wt, ok := r.(io.WriterTo); ok {
		return wt.WriteTo(w)
	}
	if rf, ok := w.(io.ReaderFrom); ok {
		return rf.ReadFrom(r)
	}

	buf := pool.Get(32 * 1024)
	buf.B = buf.B[:cap(buf.B)]
	n, err = pio.CopyBufferMust(w, r, buf.B)
	pool.Put(buf)
	return
}
