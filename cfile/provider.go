// Package cfile adapts a host-supplied bundle of four callback entry points
// (open/read/seek/close) plus an opaque handle into an io.ReadSeekCloser,
// so the Mach-O parser never has to know how the host actually stores the
// binary it is being asked to introspect.
package cfile

import (
	"fmt"
	"io"
	"sync"

	"github.com/hotpatch-oss/machosnapshot/internal/xlog"
)

// Handle is an opaque value returned by the host's open callback. The core
// never dereferences it; a zero Handle means "open failed".
type Handle uintptr

// Whence values forwarded to the host seek callback. These intentionally
// match io.Seeker's SeekStart/SeekCurrent/SeekEnd so translation is a no-op,
// but are named explicitly because the host ABI defines them independently.
const (
	SeekSet int32 = 0
	SeekCur int32 = 1
	SeekEnd int32 = 2
)

// FileCallbacks is the immutable bundle of host entry points. Open returns
// a zero Handle on failure. Read returns the number of bytes actually
// written into buf (0 means EOF). Seek returns the new absolute position,
// or a negative value on error. Close is infallible and must be safe to
// call exactly once per handle.
type FileCallbacks struct {
	Open  func() Handle
	Read  func(h Handle, buf []byte) int
	Seek  func(h Handle, offset int64, whence int32) int64
	Close func(h Handle)
}

// OpenError reports a failure to obtain a stream from the host.
type OpenError struct {
	Hint string
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("cfile: open failed - callback returned null handle (%s)", e.Hint)
}

// SeekError reports a negative return code from the host seek callback.
type SeekError struct {
	Code int64
}

func (e *SeekError) Error() string {
	return fmt.Sprintf("CFile seek failed with error code: %d", e.Code)
}

// Provider is an ExternalFileProvider: a factory that produces a fresh
// stream on demand by invoking the host's open callback.
type Provider struct {
	callbacks FileCallbacks
}

// New wraps a callback bundle as a Provider.
func New(callbacks FileCallbacks) *Provider {
	return &Provider{callbacks: callbacks}
}

// Open invokes the host's open callback and wraps the resulting handle in
// a stream. Multiple concurrent opens are not required to be supported;
// downstream code uses one stream at a time.
func (p *Provider) Open() (io.ReadSeekCloser, error) {
	xlog.Debugf("cfile: invoking host open callback")
	h := p.callbacks.Open()
	if h == 0 {
		xlog.Errorf("cfile: host open callback returned null handle")
		return nil, &OpenError{Hint: "check file path accessibility"}
	}
	xlog.Debugf("cfile: opened handle %#x", uintptr(h))
	return &stream{callbacks: p.callbacks, handle: h}, nil
}

// stream adapts one opened handle to io.ReadSeekCloser. It owns the handle
// exclusively and guarantees Close is forwarded to the host exactly once,
// regardless of how many times Close is called or whether prior reads or
// seeks failed.
type stream struct {
	callbacks FileCallbacks
	handle    Handle
	closeOnce sync.Once
	closeErr  error
}

// Read forwards to the host read callback. The host may write fewer bytes
// than requested without that being EOF; io.Reader's contract already
// permits short reads, so callers that need an exact count use io.ReadFull.
func (s *stream) Read(buf []byte) (int, error) {
	n := s.callbacks.Read(s.handle, buf)
	if n < 0 {
		n = 0
	}
	if n == 0 && len(buf) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Seek translates Go's seek origins into the host ABI's SEEK_SET/CUR/END
// constants and surfaces a negative return code as a SeekError.
func (s *stream) Seek(offset int64, whence int) (int64, error) {
	var hostWhence int32
	switch whence {
	case io.SeekStart:
		hostWhence = SeekSet
	case io.SeekCurrent:
		hostWhence = SeekCur
	case io.SeekEnd:
		hostWhence = SeekEnd
	default:
		return 0, fmt.Errorf("cfile: unsupported seek whence %d", whence)
	}

	pos := s.callbacks.Seek(s.handle, offset, hostWhence)
	if pos < 0 {
		return 0, &SeekError{Code: pos}
	}
	return pos, nil
}

// Close invokes the host close callback exactly once and is idempotent-safe
// to call repeatedly or after an error elsewhere in the stream's lifetime.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		xlog.Debugf("cfile: closing handle %#x", uintptr(s.handle))
		s.callbacks.Close(s.handle)
	})
	return s.closeErr
}
