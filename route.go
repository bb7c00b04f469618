package simplehttp

import (
	"os"
	"strings"

	"github.com/pkg/errors"
)

// route validates the method, splits the URI and resolves Path against the
// web root. It returns the status the request terminates with when it cannot
// be dispatched, or StatusOK when dispatch may proceed.
func (s *Server) route(req *Request) (int, error) {
	switch req.Method {
	case "GET":
		if p, q, ok := cutString(req.URI, "?"); ok {
			req.Path, req.QueryString = p, q
			req.IsDynamic = true
		} else {
			req.Path = req.URI
		}
	case "POST":
		req.Path = req.URI
		req.IsDynamic = true
	default:
		return StatusBadRequest, errors.WithMessage(ErrMethodNotAllowed, req.Method)
	}

	if err := checkURIPath(req.Path); err != nil {
		return StatusBadRequest, err
	}
	if err := s.resolve(req); err != nil {
		return StatusNotFound, err
	}
	req.Suffix = pathSuffix(req.Path)
	return StatusOK, nil
}

// resolve prefixes the web root, applies the index page and stats the result.
func (s *Server) resolve(req *Request) error {
	p := s.getRoot() + req.Path
	if strings.HasSuffix(p, "/") {
		p += s.getIndexPage()
	}
	st, err := os.Stat(p)
	if err != nil {
		return errors.WithMessage(ErrResourceNotFound, err.Error())
	}
	if st.IsDir() {
		p += "/" + s.getIndexPage()
		if st, err = os.Stat(p); err != nil {
			return errors.WithMessage(ErrResourceNotFound, err.Error())
		}
	}
	if !st.Mode().IsRegular() {
		return errors.WithMessagef(ErrResourceNotFound, "%s is not a regular file", p)
	}
	if st.Mode().Perm()&0o111 != 0 {
		req.IsDynamic = true
	}
	req.Path = p
	req.Size = st.Size()
	return nil
}

func checkURIPath(p string) error {
	if !strings.HasPrefix(p, "/") {
		return errors.WithMessagef(ErrRelativeURI, "%q", p)
	}
	if strings.IndexByte(p, 0) >= 0 {
		return ErrNilByteInPath
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return errors.WithMessagef(ErrDotDotInPath, "%q", p)
		}
	}
	return nil
}

// pathSuffix returns the extension of p starting at the last dot of its final
// element, or .html when that element has none.
func pathSuffix(p string) string {
	if i := strings.LastIndexByte(p, '.'); i >= 0 && strings.IndexByte(p[i:], '/') < 0 {
		return p[i:]
	}
	return ".html"
}
