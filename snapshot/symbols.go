package snapshot

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/hotpatch-oss/machosnapshot/internal/xlog"
	"github.com/hotpatch-oss/machosnapshot/machofile"
)

// finalSymbolCap bounds how much of the trailing snapshot region (the one
// with no successor symbol to infer a size from) is read before it is
// truncated at the first run of zero bytes.
const finalSymbolCap = 8 * 1024 * 1024

// gapFallbackSize is used as a non-final region's size when the distance to
// its successor is not positive (two symbols resolve to the same file
// offset). A symbol that is missing from the symbol table does not use this
// fallback: it fails the whole symbol-table method.
const gapFallbackSize = 1 * 1024 * 1024

// zeroWindow is the length of an all-zero byte run that is taken as
// evidence the snapshot payload has ended.
const zeroWindow = 1024

// namedSymbol is a resolved file offset for one of the four well-known
// Dart snapshot symbols. extractViaSymbols sorts them by offset before
// inferring sizes.
type namedSymbol struct {
	name   string
	offset int64
}

// extractViaSymbols resolves the four Dart snapshot symbols from the
// binary's symbol table and string table and reads each corresponding
// byte range out of the stream. It requires all four symbols to be
// present; any miss is reported as KindSymbolsIncomplete so the caller can
// fall back to the magic-byte scan.
func extractViaSymbols(stream io.ReadSeeker, lc *machofile.LoadCommands) (*DartSnapshots, error) {
	if lc.Symtab == nil || lc.Linkedit == nil || lc.Text == nil {
		return nil, extractErr(KindSymbolsIncomplete, "symbol table, __LINKEDIT or __TEXT missing", nil)
	}

	nlist, strtab, err := readSymbolAndStringTables(stream, lc)
	if err != nil {
		return nil, err
	}

	wanted := []string{
		SymVmSnapshotData,
		SymVmSnapshotInstructions,
		SymIsolateSnapshotData,
		SymIsolateSnapshotInstructions,
	}
	resolved := make(map[string]int64, len(wanted))
	for _, n := range nlist {
		name := lookupString(strtab, n.NStrx)
		for _, w := range wanted {
			if name == w {
				fileOff := lc.Anchor + int64(n.NValue-lc.Text.VMAddr) + int64(lc.Text.FileOff)
				resolved[w] = fileOff
			}
		}
	}
	for _, w := range wanted {
		if _, ok := resolved[w]; !ok {
			return nil, extractErr(KindSymbolsIncomplete, fmt.Sprintf("symbol %s not found", w), nil)
		}
	}

	ordered := make([]namedSymbol, len(wanted))
	for i, w := range wanted {
		ordered[i] = namedSymbol{name: w, offset: resolved[w]}
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].offset < ordered[j].offset })

	regions := make(map[string][]byte, len(wanted))
	for i, sym := range ordered {
		var size int64
		switch {
		case i+1 < len(ordered):
			size = ordered[i+1].offset - sym.offset
			if size <= 0 {
				xlog.Warnf("snapshot: symbol %s has non-positive inferred size, using gap fallback", sym.name)
				size = gapFallbackSize
			}
		default:
			buf, err := readCappedAt(stream, sym.offset, finalSymbolCap)
			if err != nil {
				return nil, extractErr(KindSymbolsIncomplete, "failed reading final symbol region", err)
			}
			regions[sym.name] = truncateAtZeroRun(buf, zeroWindow)
			continue
		}
		buf, err := readExactAt(stream, sym.offset, size)
		if err != nil {
			return nil, extractErr(KindSymbolsIncomplete, fmt.Sprintf("failed reading region for %s", sym.name), err)
		}
		regions[sym.name] = buf
	}

	return &DartSnapshots{
		VmData:              regions[SymVmSnapshotData],
		VmInstructions:      regions[SymVmSnapshotInstructions],
		IsolateData:         regions[SymIsolateSnapshotData],
		IsolateInstructions: regions[SymIsolateSnapshotInstructions],
	}, nil
}

// linkeditFileOffset converts a __LINKEDIT-relative offset (as carried by
// LC_SYMTAB's symoff/stroff, which are expressed against the segment's
// vmaddr, not the file directly) into an absolute stream offset:
// anchor + linkedit.fileoff + (off - linkedit.vmaddr).
func linkeditFileOffset(lc *machofile.LoadCommands, off uint32) int64 {
	return lc.Anchor + int64(lc.Linkedit.FileOff) + (int64(off) - int64(lc.Linkedit.VMAddr))
}

func readSymbolAndStringTables(stream io.ReadSeeker, lc *machofile.LoadCommands) ([]machofile.Nlist64, []byte, error) {
	symtab := lc.Symtab

	if _, err := stream.Seek(linkeditFileOffset(lc, symtab.SymOff), io.SeekStart); err != nil {
		return nil, nil, err
	}
	nlist := make([]machofile.Nlist64, symtab.NSyms)
	entrySize := int64(binary.Size(machofile.Nlist64{}))
	raw := make([]byte, entrySize*int64(symtab.NSyms))
	if _, err := io.ReadFull(stream, raw); err != nil {
		return nil, nil, err
	}
	r := bytes.NewReader(raw)
	for i := range nlist {
		if err := binary.Read(r, binary.LittleEndian, &nlist[i]); err != nil {
			return nil, nil, err
		}
	}

	if _, err := stream.Seek(linkeditFileOffset(lc, symtab.StrOff), io.SeekStart); err != nil {
		return nil, nil, err
	}
	strtab := make([]byte, symtab.StrSize)
	if _, err := io.ReadFull(stream, strtab); err != nil {
		return nil, nil, err
	}

	return nlist, strtab, nil
}

func lookupString(strtab []byte, strx uint32) string {
	if int(strx) >= len(strtab) {
		return ""
	}
	end := bytes.IndexByte(strtab[strx:], 0)
	if end == -1 {
		end = len(strtab) - int(strx)
	}
	return string(strtab[strx : int(strx)+end])
}

func readExactAt(stream io.ReadSeeker, offset, size int64) ([]byte, error) {
	if _, err := stream.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(stream, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// readCappedAt reads up to cap bytes starting at offset, tolerating EOF
// before cap bytes are available since the final symbol's true length is
// unknown ahead of time.
func readCappedAt(stream io.ReadSeeker, offset int64, cap int64) ([]byte, error) {
	if _, err := stream.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}
	buf := make([]byte, cap)
	n, err := io.ReadFull(stream, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}

// truncateAtZeroRun returns the prefix of buf up to (not including) the
// first run of window consecutive zero bytes, or buf unchanged if no such
// run exists.
func truncateAtZeroRun(buf []byte, window int) []byte {
	if len(buf) < window {
		return buf
	}
	zeros := 0
	for i, b := range buf {
		if b == 0 {
			zeros++
			if zeros == window {
				return buf[:i+1-window]
			}
		} else {
			zeros = 0
		}
	}
	return buf
}
