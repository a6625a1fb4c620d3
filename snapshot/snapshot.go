// Package snapshot locates and extracts the four Dart VM/isolate snapshot
// byte regions embedded in an iOS app binary's __TEXT segment. It tries
// the symbol table first (method 1) and falls back to a magic-byte scan
// (method 2) when the binary has been stripped.
package snapshot

import (
	"errors"
	"io"

	"github.com/hotpatch-oss/machosnapshot/internal/xlog"
	"github.com/hotpatch-oss/machosnapshot/machofile"
)

// Well-known symbol names for Dart AOT snapshots embedded in __TEXT.
const (
	SymVmSnapshotData              = "_kDartVmSnapshotData"
	SymVmSnapshotInstructions      = "_kDartVmSnapshotInstructions"
	SymIsolateSnapshotData         = "_kDartIsolateSnapshotData"
	SymIsolateSnapshotInstructions = "_kDartIsolateSnapshotInstructions"
)

// snapshotMagic is the 4-byte magic little-endian view of a Dart snapshot
// data blob: 0xF5 0xF5 0xDC 0xDC.
var snapshotMagic = [4]byte{0xF5, 0xF5, 0xDC, 0xDC}

// DartSnapshots holds the four extracted, opaque snapshot byte regions in
// canonical order. The core does not interpret their contents.
type DartSnapshots struct {
	VmData              []byte
	VmInstructions      []byte
	IsolateData         []byte
	IsolateInstructions []byte
}

// Extract locates and reads all four Dart snapshot regions from an opened
// Mach-O stream (flat or fat). It anchors through the fat dispatcher,
// walks the load commands, and tries the symbol-table method before
// falling back to the magic-byte scan.
func Extract(stream io.ReadSeeker) (*DartSnapshots, error) {
	if _, err := machofile.Anchor(stream); err != nil {
		return nil, classifyAnchorError(err)
	}

	lc, err := machofile.Walk(stream)
	if err != nil {
		return nil, classifyWalkError(err)
	}

	if lc.Symtab != nil && lc.Linkedit != nil {
		xlog.Infof("snapshot: attempting symbol-table extraction")
		snaps, err := extractViaSymbols(stream, lc)
		if err == nil {
			xlog.Infof("snapshot: extracted via symbol table")
			return snaps, nil
		}
		var eerr *ExtractError
		if !errors.As(err, &eerr) {
			if err == io.ErrUnexpectedEOF || err == io.EOF {
				return nil, extractErr(KindUnexpectedEOF, "short read while loading symbol table", err)
			}
			return nil, extractErr(KindSeekFailed, "failed to load symbol table", err)
		}
		if eerr.Kind != KindSymbolsIncomplete {
			return nil, err
		}
		xlog.Warnf("snapshot: symbol-table extraction failed, falling back to magic scan: %v", err)
	} else {
		xlog.Infof("snapshot: no symbol table present, using magic scan")
	}

	snaps, err := extractViaMagicScan(stream, lc)
	if err != nil {
		return nil, extractErr(KindMagicScanFailed, "magic scan found no viable snapshot layout", err)
	}
	xlog.Infof("snapshot: extracted via magic scan")
	return snaps, nil
}

func classifyAnchorError(err error) error {
	switch err {
	case machofile.ErrUnsupported32Bit:
		return extractErr(KindUnsupported32Bit, "32-bit Mach-O is not supported", err)
	case machofile.ErrNoARM64Slice:
		return extractErr(KindNoARM64Slice, "fat binary has no arm64 slice", err)
	case machofile.ErrBadMagic:
		return extractErr(KindBadMagic, "unrecognised file magic", err)
	default:
		if err == io.ErrUnexpectedEOF {
			return extractErr(KindUnexpectedEOF, "short read while anchoring", err)
		}
		return extractErr(KindBadMagic, "failed to anchor Mach-O image", err)
	}
}

func classifyWalkError(err error) error {
	if err == machofile.ErrMissingTextSegment {
		return extractErr(KindMissingTextSegment, "no __TEXT segment in load commands", err)
	}
	if err == io.ErrUnexpectedEOF {
		return extractErr(KindUnexpectedEOF, "short read while walking load commands", err)
	}
	return extractErr(KindMissingTextSegment, "failed to walk load commands", err)
}
