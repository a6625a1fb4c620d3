package snapshot

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/hotpatch-oss/machosnapshot/internal/xlog"
	"github.com/hotpatch-oss/machosnapshot/machofile"
)

// textScanCap bounds how much of __TEXT is pulled into memory for the
// magic-byte scan; real __TEXT segments are far larger than any plausible
// snapshot payload, and streaming the whole thing over a foreign callback
// is wasteful.
const textScanCap = 64 * 1024 * 1024

// hardPayloadScanCap bounds how far past a discovered magic the zero-window
// scan is allowed to look for the payload's end, expressed as a multiple
// of payloadUnit.
const (
	payloadUnit        = 2 * 1024 * 1024
	maxPayloadUnits    = 4
	hardPayloadScanCap = maxPayloadUnits * payloadUnit
)

// extractViaMagicScan locates the Dart snapshot payload by scanning __TEXT
// for its magic prefix rather than relying on symbol names, for binaries
// that have been stripped of the four named symbols. Only the first magic
// occurrence is used; if it does not yield a usable payload, later
// occurrences are not tried and the scan fails.
func extractViaMagicScan(stream io.ReadSeeker, lc *machofile.LoadCommands) (*DartSnapshots, error) {
	if lc.Text == nil {
		return nil, extractErr(KindMissingTextSegment, "no __TEXT segment available for magic scan", nil)
	}

	readLen := lc.Text.FileSize
	if readLen > textScanCap {
		readLen = textScanCap
	}
	text, err := readExactAt(stream, lc.Anchor+int64(lc.Text.FileOff), int64(readLen))
	if err != nil {
		return nil, err
	}

	idx := bytes.Index(text, snapshotMagic[:])
	if idx == -1 {
		return nil, extractErr(KindMagicScanFailed, "snapshot magic not found in __TEXT", nil)
	}
	xlog.Infof("snapshot: magic found at __TEXT offset %#x", idx)

	trailerStart := idx + len(snapshotMagic)
	if trailerStart+12 > len(text) {
		return nil, extractErr(KindMagicScanFailed, "truncated magic trailer", nil)
	}
	trailer := text[trailerStart : trailerStart+12]
	version := binary.LittleEndian.Uint32(trailer[0:4])
	features := binary.LittleEndian.Uint32(trailer[4:8])
	flags := binary.LittleEndian.Uint32(trailer[8:12])

	// The payload proper begins after the 4-byte magic and 12-byte trailer.
	payloadStart := idx + len(snapshotMagic) + 12
	if payloadStart > len(text) {
		return nil, extractErr(KindMagicScanFailed, "magic trailer runs past end of __TEXT", nil)
	}
	payloadEnd := findPayloadEnd(text, payloadStart)
	payload := text[payloadStart:payloadEnd]

	quarters := splitQuarters(payload)
	if quarters == nil {
		return nil, extractErr(KindMagicScanFailed, "payload too small to quarter into four regions", nil)
	}

	xlog.Debug("snapshot: magic scan trailer", xlog.F{
		"version": version, "features": features, "flags": flags, "payloadLen": len(payload),
	})

	return &DartSnapshots{
		VmData:              quarters[0],
		VmInstructions:      quarters[1],
		IsolateData:         quarters[2],
		IsolateInstructions: quarters[3],
	}, nil
}

// findPayloadEnd steps forward from start in aligned zeroWindow-byte
// strides looking for the first window that is entirely zero, treating its
// start as the end of the snapshot payload. The scan is capped at
// hardPayloadScanCap bytes past start and at the end of text; if no
// all-zero window is found within that span, whichever of those two limits
// comes first is used as the boundary.
func findPayloadEnd(text []byte, start int) int {
	limit := start + hardPayloadScanCap
	if limit > len(text) {
		limit = len(text)
	}
	for offset := start; offset+zeroWindow <= limit; offset += zeroWindow {
		if isAllZero(text[offset : offset+zeroWindow]) {
			return offset
		}
	}
	return limit
}

func isAllZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// splitQuarters divides payload into four equal-length candidate regions
// in discovery order (vm data, vm instructions, isolate data, isolate
// instructions) — the heuristic layout used when no symbol table is
// available to size each region precisely.
func splitQuarters(payload []byte) [][]byte {
	n := len(payload)
	if n < 4 {
		return nil
	}
	q := n / 4
	return [][]byte{
		payload[0:q],
		payload[q : 2*q],
		payload[2*q : 3*q],
		payload[3*q : n],
	}
}
