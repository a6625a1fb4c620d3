// Command snapscan extracts Dart VM/isolate snapshot byte regions from an
// iOS app binary and reports their sizes. It dogfoods the foreign callback
// ABI locally by wrapping an *os.File in cfile.FileCallbacks rather than
// reading the file directly.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/hotpatch-oss/machosnapshot/cfile"
	"github.com/hotpatch-oss/machosnapshot/internal/xlog"
	"github.com/hotpatch-oss/machosnapshot/snapshot"
)

func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// osFileCallbacks builds the FileCallbacks vtable for a single path,
// opening the underlying *os.File lazily on Open() the way a real foreign
// host would open a handle on demand.
func osFileCallbacks(path string) cfile.FileCallbacks {
	var f *os.File
	return cfile.FileCallbacks{
		Open: func() cfile.Handle {
			opened, err := os.Open(path)
			if err != nil {
				xlog.Warnf("snapscan: open %s: %v", path, err)
				return 0
			}
			f = opened
			return cfile.Handle(1)
		},
		Read: func(h cfile.Handle, buf []byte) int {
			n, err := f.Read(buf)
			if err != nil && err != io.EOF {
				xlog.Warnf("snapscan: read: %v", err)
				return -1
			}
			return n
		},
		Seek: func(h cfile.Handle, offset int64, whence int32) int64 {
			pos, err := f.Seek(offset, int(whence))
			if err != nil {
				xlog.Warnf("snapscan: seek: %v", err)
				return -1
			}
			return pos
		},
		Close: func(h cfile.Handle) {
			f.Close()
		},
	}
}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <path-to-ios-binary>\n", os.Args[0])
		os.Exit(2)
	}
	path := os.Args[1]

	provider := cfile.New(osFileCallbacks(path))
	stream, err := provider.Open()
	if err != nil {
		fail("snapscan: opening %s: %v", path, err)
	}
	defer stream.Close()

	snaps, err := snapshot.Extract(stream)
	if err != nil {
		fail("snapscan: extraction failed: %v", err)
	}

	fmt.Printf("vm data:              %d bytes\n", len(snaps.VmData))
	fmt.Printf("vm instructions:      %d bytes\n", len(snaps.VmInstructions))
	fmt.Printf("isolate data:         %d bytes\n", len(snaps.IsolateData))
	fmt.Printf("isolate instructions: %d bytes\n", len(snaps.IsolateInstructions))
}
