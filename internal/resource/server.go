// Package resource serves static webview assets from a fixed root and the
// generated bootstrap page, both as pull-based chunked streams.
package resource

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/abdulrahman305/jetbrains/internal/logging"
)

// DefaultBufferSize is the read window of a Stream.
const DefaultBufferSize = 32 * 1024

var (
	// ErrPathTraversal rejects a request path that resolves outside the root.
	ErrPathTraversal = errors.New("path resolves outside resource root")

	// ErrNotFound is returned when the resolved path cannot be opened as a
	// regular file.
	ErrNotFound = errors.New("resource not found")
)

// Option configures a Server.
type Option func(*Server)

// WithBufferSize sets the per-stream read window.
func WithBufferSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.bufferSize = n
		}
	}
}

// Server opens resources below a fixed root directory.
type Server struct {
	fs         afero.Fs
	root       string
	bufferSize int
	log        zerolog.Logger
}

// NewServer serves files of fs below root.
func NewServer(fs afero.Fs, root string, opts ...Option) *Server {
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	s := &Server{
		fs:         fs,
		root:       filepath.Clean(root),
		bufferSize: DefaultBufferSize,
		log:        logging.Component("resource"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Root returns the absolute resource root.
func (s *Server) Root() string {
	return s.root
}

// Resolve maps a request path onto the filesystem. The check is lexical and
// performs no I/O: the joined, cleaned path must be the root or below it.
func (s *Server) Resolve(p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, p)
	}
	joined := filepath.Join(s.root, filepath.FromSlash(p))
	rel, err := filepath.Rel(s.root, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, p)
	}
	return joined, nil
}

// Open starts serving p. A path outside the root fails here, before any
// file is touched. Otherwise the returned Stream is pending while the file
// is opened in the background; an open failure surfaces from Ready or the
// first read as ErrNotFound. The stream is closed when ctx is done.
func (s *Server) Open(ctx context.Context, p string) (*Stream, error) {
	abs, err := s.Resolve(p)
	if err != nil {
		s.log.Warn().Str("path", p).Msg("rejected resource path")
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	st := newStream(abs, s.bufferSize)
	st.watch(ctx)
	go s.open(st, p, abs)
	return st, nil
}

func (s *Server) open(st *Stream, p, abs string) {
	f, err := s.fs.Open(abs)
	if err != nil {
		s.log.Debug().Err(err).Str("path", p).Msg("open resource")
		st.fail(fmt.Errorf("%w: %s", ErrNotFound, p))
		return
	}
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		f.Close()
		st.fail(fmt.Errorf("%w: %s", ErrNotFound, p))
		return
	}
	st.begin(f, f.Close, info.Size())
}
