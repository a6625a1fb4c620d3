package snapshot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/hotpatch-oss/machosnapshot/machofile"
)

func sliceStream(b []byte) io.ReadSeeker { return bytes.NewReader(b) }

type segSpec struct {
	name     string
	vmaddr   uint64
	fileoff  uint64
	filesize uint64
}

func writeSegment(buf *bytes.Buffer, s segSpec) {
	type rec struct {
		Cmd, CmdSize      uint32
		SegName           [16]byte
		VMAddr, VMSize    uint64
		FileOff, FileSize uint64
		MaxProt, InitProt int32
		NSects, Flags     uint32
	}
	var r rec
	r.Cmd = machofile.LoadCmdSegment64
	copy(r.SegName[:], s.name)
	r.VMAddr = s.vmaddr
	r.FileOff = s.fileoff
	r.FileSize = s.filesize
	r.CmdSize = uint32(binary.Size(r))
	binary.Write(buf, binary.LittleEndian, r)
}

func writeSymtabCmd(buf *bytes.Buffer, symoff, nsyms, stroff, strsize uint32) {
	cmd := machofile.SymtabCommand{
		Cmd: machofile.LoadCmdSymtab, CmdSize: uint32(binary.Size(machofile.SymtabCommand{})),
		SymOff: symoff, NSyms: nsyms, StrOff: stroff, StrSize: strsize,
	}
	binary.Write(buf, binary.LittleEndian, cmd)
}

// buildFlatSymbolic constructs a minimal, flat (non-fat), 64-bit Mach-O
// image with __TEXT, __LINKEDIT, a symbol table naming all four snapshot
// symbols, and the corresponding payload bytes laid out contiguously in
// __TEXT so inferred sizes are exact.
func buildFlatSymbolic(t *testing.T) []byte {
	t.Helper()

	const (
		textVMAddr  = 0x100000
		textFileOff = 0x0
		payloadLen  = 64
	)
	names := []string{
		SymVmSnapshotData,
		SymVmSnapshotInstructions,
		SymIsolateSnapshotData,
		SymIsolateSnapshotInstructions,
	}

	// String table: leading NUL, then each name NUL-terminated.
	var strtab bytes.Buffer
	strtab.WriteByte(0)
	strOffsets := make([]uint32, len(names))
	for i, n := range names {
		strOffsets[i] = uint32(strtab.Len())
		strtab.WriteString(n)
		strtab.WriteByte(0)
	}

	// Four payload regions of payloadLen bytes each, placed back to back
	// starting right after a small header area in __TEXT.
	const payloadBase = 0x200
	nlist := make([]machofile.Nlist64, len(names))
	for i := range names {
		nlist[i] = machofile.Nlist64{
			NStrx:  strOffsets[i],
			NValue: textVMAddr + payloadBase + uint64(i)*payloadLen,
		}
	}

	var nlistBuf bytes.Buffer
	for _, n := range nlist {
		binary.Write(&nlistBuf, binary.LittleEndian, n)
	}

	// Lay the file out: header+cmds, then __TEXT payload region, then
	// __LINKEDIT (a few pad bytes, then symtab entries, then string table)
	// at a page-aligned offset. __LINKEDIT's vmaddr is deliberately chosen
	// far from its fileoff, and symoff/stroff are expressed in that vmaddr
	// space with a nonzero intra-segment offset, so this actually exercises
	// the anchor+linkedit.fileoff+(off-linkedit.vmaddr) conversion rather
	// than degenerating to a no-op.
	const textFileSize = 0x2000
	const linkeditFileOff = 0x2000
	const linkeditVMAddr = 0x500000
	const linkeditPad = 8

	symOff := uint32(linkeditVMAddr + linkeditPad)
	strOff := uint32(linkeditVMAddr + linkeditPad + nlistBuf.Len())

	var cmds bytes.Buffer
	writeSegment(&cmds, segSpec{name: "__TEXT", vmaddr: textVMAddr, fileoff: textFileOff, filesize: textFileSize})
	writeSegment(&cmds, segSpec{name: "__LINKEDIT", vmaddr: linkeditVMAddr, fileoff: linkeditFileOff, filesize: uint64(linkeditPad + nlistBuf.Len() + strtab.Len())})
	writeSymtabCmd(&cmds, symOff, uint32(len(nlist)), strOff, uint32(strtab.Len()))

	hdr := machofile.Header64{Magic: machofile.MagicMachO64, NCmds: 3, SizeOfCmds: uint32(cmds.Len())}

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, hdr)
	out.Write(cmds.Bytes())
	out.Write(make([]byte, payloadBase-out.Len()))
	for i := range names {
		payload := bytes.Repeat([]byte{byte(0xA0 + i)}, payloadLen)
		binary.Write(&out, binary.LittleEndian, payload)
	}
	out.Write(make([]byte, linkeditFileOff-out.Len()))
	out.Write(make([]byte, linkeditPad))
	out.Write(nlistBuf.Bytes())
	out.Write(strtab.Bytes())

	return out.Bytes()
}

func TestExtractSymbolic(t *testing.T) {
	data := buildFlatSymbolic(t)
	snaps, err := Extract(sliceStream(data))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(snaps.VmData) == 0 || len(snaps.VmInstructions) == 0 ||
		len(snaps.IsolateData) == 0 || len(snaps.IsolateInstructions) == 0 {
		t.Fatalf("got empty region(s): %+v", snaps)
	}
	if snaps.VmData[0] != 0xA0 {
		t.Fatalf("VmData[0] = %#x, want 0xA0", snaps.VmData[0])
	}
}

// buildFlatStripped constructs a flat Mach-O with a __TEXT segment
// containing the magic-scan payload but no symbol table at all, exercising
// the method-2 fallback path end to end.
func buildFlatStripped(t *testing.T) []byte {
	t.Helper()

	const textVMAddr = 0x100000
	const textFileOff = 0
	const textFileSize = 0x3000

	var cmds bytes.Buffer
	writeSegment(&cmds, segSpec{name: "__TEXT", vmaddr: textVMAddr, fileoff: textFileOff, filesize: textFileSize})
	hdr := machofile.Header64{Magic: machofile.MagicMachO64, NCmds: 1, SizeOfCmds: uint32(cmds.Len())}

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, hdr)
	out.Write(cmds.Bytes())

	text := make([]byte, textFileSize)
	magicAt := 0x100
	copy(text[magicAt:], snapshotMagic[:])
	var trailer [12]byte
	binary.LittleEndian.PutUint32(trailer[0:4], 1) // version
	binary.LittleEndian.PutUint32(trailer[4:8], 0) // features
	binary.LittleEndian.PutUint32(trailer[8:12], 0) // flags
	copy(text[magicAt+4:], trailer[:])

	// The real payload starts after the 4-byte magic and 12-byte trailer.
	// Fill two full zeroWindow-aligned strides with non-zero bytes so the
	// aligned zero-window scan doesn't mistake the payload itself for its
	// end, then leave the rest of text zeroed as the terminating window.
	payloadStart := magicAt + 4 + 12
	payloadLen := 2 * zeroWindow
	for i := payloadStart; i < payloadStart+payloadLen && i < len(text); i++ {
		text[i] = 0x55
	}
	out.Write(text)

	return out.Bytes()
}

func TestExtractMagicScanFallback(t *testing.T) {
	data := buildFlatStripped(t)
	snaps, err := Extract(sliceStream(data))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(snaps.VmData) == 0 {
		t.Fatalf("expected non-empty VmData from magic scan, got %+v", snaps)
	}
}

func TestExtract32BitRejected(t *testing.T) {
	var out bytes.Buffer
	hdr := machofile.Header64{Magic: machofile.MagicMachO32}
	binary.Write(&out, binary.LittleEndian, hdr)

	_, err := Extract(sliceStream(out.Bytes()))
	var eerr *ExtractError
	if !errors.As(err, &eerr) {
		t.Fatalf("err = %v, want *ExtractError", err)
	}
	if eerr.Kind != KindUnsupported32Bit {
		t.Fatalf("Kind = %v, want KindUnsupported32Bit", eerr.Kind)
	}
}

func TestTruncateAtZeroRun(t *testing.T) {
	buf := append(bytes.Repeat([]byte{0xAB}, 500), make([]byte, zeroWindow+10)...)
	got := truncateAtZeroRun(buf, zeroWindow)
	if len(got) != 500 {
		t.Fatalf("truncated length = %d, want 500", len(got))
	}
}
