// Package patchbase is the façade downstream patch/diff consumers call to
// obtain a readable, origin-positioned stream over the app binary. It owns
// no parsing logic itself; it only guarantees the stream it hands back is
// alive and seekable before the Mach-O parser ever touches it.
package patchbase

import (
	"encoding/binary"
	"io"

	"github.com/hotpatch-oss/machosnapshot/internal/xlog"
)

// ExternalFileProvider is a factory capability: it produces a fresh stream
// on demand. Opening may fail with an opaque I/O error. The core does not
// require concurrent opens to be supported; downstream uses one stream at
// a time.
type ExternalFileProvider interface {
	Open() (io.ReadSeekCloser, error)
}

// Open obtains a stream from provider, verifies it is readable and
// positioned at its original offset, and returns it unchanged. This is the
// "patch base" handed to downstream diff/patch steps and to the Mach-O
// parser alike.
func Open(provider ExternalFileProvider) (io.ReadSeekCloser, error) {
	stream, err := provider.Open()
	if err != nil {
		return nil, err
	}

	pos, err := stream.Seek(0, io.SeekCurrent)
	if err != nil {
		stream.Close()
		return nil, err
	}

	var magic [4]byte
	if _, err := io.ReadFull(stream, magic[:]); err != nil {
		stream.Close()
		return nil, err
	}
	xlog.Debugf("patchbase: stream magic %#08x", binary.BigEndian.Uint32(magic[:]))

	if _, err := stream.Seek(pos, io.SeekStart); err != nil {
		stream.Close()
		return nil, err
	}

	return stream, nil
}
