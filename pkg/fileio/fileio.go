// Package fileio provides the byte sources read by the client and the sinks
// written by the server.
package fileio

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"

	pkgerrors "github.com/pkg/errors"
)

var (
	// ErrInvalidDestination is returned for destination names that do not name a file.
	ErrInvalidDestination = errors.New("invalid destination name")

	// ErrNoDestination is returned when writing to a sink before its destination is set.
	ErrNoDestination = errors.New("destination not set")

	// ErrSinkClosed is returned when using a closed sink.
	ErrSinkClosed = errors.New("sink closed")
)

// Source yields the bytes of one transfer in chunks.
type Source interface {
	// Read returns up to max bytes. An empty chunk means the source is exhausted.
	Read(max int) ([]byte, error)

	// Name is the destination name announced to the receiver.
	Name() string
}

// A Source that also implements io.ReaderAt lets the sender re-read chunk n
// (counting from 0) at offset n*max instead of keeping it in memory.

// Sink receives the bytes of one transfer.
type Sink interface {
	SetDestination(name string) error
	Write(p []byte) error
	Close() error
}

// SinkFactory creates one Sink per inbound transaction.
type SinkFactory interface {
	Create() (Sink, error)
}

// FileSource reads a file from disk.
type FileSource struct {
	f    *os.File
	name string
}

// OpenFile opens path for reading. The announced name is the base name of path.
func OpenFile(path string) (*FileSource, error) {
	f, err := os.Open(path) // nolint:gosec
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to open source")
	}
	return &FileSource{f: f, name: filepath.Base(path)}, nil
}

// Read fills a chunk of up to max bytes, so a short chunk means end of file.
func (s *FileSource) Read(max int) ([]byte, error) {
	buf := make([]byte, max)
	n, err := io.ReadFull(s.f, buf)
	switch err {
	case nil, io.EOF, io.ErrUnexpectedEOF:
		return buf[:n], nil
	default:
		return nil, pkgerrors.Wrapf(err, "failed to read %s", s.name)
	}
}

// ReadAt implements io.ReaderAt. It does not move the offset used by Read.
func (s *FileSource) ReadAt(p []byte, off int64) (int, error) {
	return s.f.ReadAt(p, off)
}

// Name implements Source.
func (s *FileSource) Name() string {
	return s.name
}

// Close closes the underlying file.
func (s *FileSource) Close() error {
	return s.f.Close()
}

// FileSinkFactory creates FileSinks rooted at Dir.
type FileSinkFactory struct {
	Dir string
}

// Create implements SinkFactory.
func (f *FileSinkFactory) Create() (Sink, error) {
	if err := os.MkdirAll(f.Dir, 0750); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to create receive directory")
	}
	return &FileSink{dir: f.Dir}, nil
}

// FileSink writes a received transfer to a file inside its directory.
type FileSink struct {
	dir    string
	f      *os.File
	closed bool
}

// SetDestination creates (or truncates) the destination file. Only the base
// name of name is used.
func (s *FileSink) SetDestination(name string) error {
	if s.closed {
		return ErrSinkClosed
	}
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "" || base == "." || base == ".." || base == "/" {
		return ErrInvalidDestination
	}
	if s.f != nil {
		if err := s.f.Close(); err != nil {
			return err
		}
	}
	f, err := os.Create(filepath.Join(s.dir, base))
	if err != nil {
		return pkgerrors.Wrap(err, "failed to create destination")
	}
	s.f = f
	return nil
}

// Path returns the destination file path, or an empty string if unset.
func (s *FileSink) Path() string {
	if s.f == nil {
		return ""
	}
	return s.f.Name()
}

// Write implements Sink.
func (s *FileSink) Write(p []byte) error {
	if s.closed {
		return ErrSinkClosed
	}
	if s.f == nil {
		return ErrNoDestination
	}
	if _, err := s.f.Write(p); err != nil {
		return pkgerrors.Wrap(err, "failed to write destination")
	}
	return nil
}

// Close implements Sink.
func (s *FileSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.f == nil {
		return nil
	}
	return s.f.Close()
}

// MemorySource replays a fixed list of chunks, returning one per Read.
type MemorySource struct {
	name   string
	chunks [][]byte
}

// NewMemorySource creates a MemorySource.
func NewMemorySource(name string, chunks ...[]byte) *MemorySource {
	return &MemorySource{name: name, chunks: chunks}
}

// Read implements Source. The max argument is ignored.
func (s *MemorySource) Read(max int) ([]byte, error) {
	if len(s.chunks) == 0 {
		return []byte{}, nil
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

// Name implements Source.
func (s *MemorySource) Name() string {
	return s.name
}

// MemorySink buffers a transfer in memory.
type MemorySink struct {
	mu          sync.Mutex
	destination string
	data        []byte
	calls       []string
	closed      bool
}

// SetDestination implements Sink.
func (s *MemorySink) SetDestination(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	s.destination = name
	s.calls = append(s.calls, "destination")
	return nil
}

// Write implements Sink.
func (s *MemorySink) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	s.data = append(s.data, p...)
	s.calls = append(s.calls, "write")
	return nil
}

// Close implements Sink.
func (s *MemorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.calls = append(s.calls, "close")
	return nil
}

// Destination returns the destination name.
func (s *MemorySink) Destination() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destination
}

// Bytes returns a copy of the written bytes.
func (s *MemorySink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.data...)
}

// Calls returns the order of calls made on the sink.
func (s *MemorySink) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Closed reports whether Close was called.
func (s *MemorySink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// MemorySinkFactory creates MemorySinks and remembers them.
type MemorySinkFactory struct {
	mu    sync.Mutex
	sinks []*MemorySink

	// Err, when set, is returned by Create.
	Err error
}

// Create implements SinkFactory.
func (f *MemorySinkFactory) Create() (Sink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	s := new(MemorySink)
	f.sinks = append(f.sinks, s)
	return s, nil
}

// Sinks returns every sink created so far.
func (f *MemorySinkFactory) Sinks() []*MemorySink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*MemorySink(nil), f.sinks...)
}
