package machofile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// FormatError is returned when the stream's contents do not match the
// shape a Mach-O record is expected to have.
type FormatError struct {
	Offset int64
	Msg    string
	Val    interface{}
}

func (e *FormatError) Error() string {
	msg := e.Msg
	if e.Val != nil {
		msg += fmt.Sprintf(" %v", e.Val)
	}
	return fmt.Sprintf("machofile: %s (at byte %#x)", msg, e.Offset)
}

// readExact reads exactly len(buf) bytes from r, treating a short read as
// an unrecoverable error rather than silently returning a partial buffer.
func readExact(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	if err == io.ErrUnexpectedEOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// readRecord reads exactly sizeof(T) bytes from r and decodes them as T's
// layout in the byte order given by order. T must be a fixed-size struct of
// fixed-width integer fields.
func readRecord[T any](r io.Reader, order binary.ByteOrder) (T, error) {
	var rec T
	size := binary.Size(rec)
	if size < 0 {
		return rec, fmt.Errorf("machofile: type %T is not a fixed-size record", rec)
	}
	buf := make([]byte, size)
	if err := readExact(r, buf); err != nil {
		return rec, err
	}
	if err := binary.Read(bytes.NewReader(buf), order, &rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// cstring decodes the null-terminated (or fully-populated) ASCII prefix of
// a fixed-size byte array such as a Mach-O segment or section name.
func cstring(b []byte) string {
	i := bytes.IndexByte(b, 0)
	if i == -1 {
		i = len(b)
	}
	return string(b[:i])
}
