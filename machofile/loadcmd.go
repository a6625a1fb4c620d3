package machofile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/hotpatch-oss/machosnapshot/internal/xlog"
)

// ErrMissingTextSegment is returned when a Mach-O image has no __TEXT
// load command; every other segment is optional from the walker's
// perspective.
var ErrMissingTextSegment = errors.New("machofile: __TEXT segment not found")

// LoadCommands is the result of walking a 64-bit Mach-O header's load
// command table: the segments and symbol table the snapshot extractors
// need, plus the file offset the walk was anchored at.
type LoadCommands struct {
	// Anchor is the absolute stream offset of the Mach-O header this walk
	// started from — 0 for a flat binary, or the fat arch's slice offset.
	Anchor   int64
	Header   Header64
	Text     *Segment64
	Linkedit *Segment64
	Symtab   *SymtabCommand
}

// Walk reads the 64-bit Mach-O header at the stream's current position
// (which becomes Anchor for all later file-offset arithmetic — needed
// because the Mach-O may be a slice embedded in a fat binary) and walks
// every one of its load commands, collecting __TEXT, __LINKEDIT and the
// symbol table descriptor.
func Walk(stream io.ReadSeeker) (*LoadCommands, error) {
	startPos, err := stream.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}

	header, err := readRecord[Header64](stream, binary.LittleEndian)
	if err != nil {
		return nil, err
	}
	if header.Magic != MagicMachO64 {
		return nil, &FormatError{Offset: startPos, Msg: "invalid 64-bit Mach-O magic", Val: fmt.Sprintf("%#08x", header.Magic)}
	}
	xlog.Debugf("machofile: processing %d load commands", header.NCmds)

	lc := &LoadCommands{Anchor: startPos, Header: header}

	cmdOffset := startPos + int64(binary.Size(header))
	for i := uint32(0); i < header.NCmds; i++ {
		if _, err := stream.Seek(cmdOffset, io.SeekStart); err != nil {
			return nil, err
		}
		cmd, err := readRecord[LoadCommand](stream, binary.LittleEndian)
		if err != nil {
			return nil, err
		}
		if cmd.CmdSize < 8 {
			return nil, &FormatError{Offset: cmdOffset, Msg: "invalid load command size", Val: cmd.CmdSize}
		}

		switch cmd.Cmd {
		case LoadCmdSegment64:
			if _, err := stream.Seek(cmdOffset, io.SeekStart); err != nil {
				return nil, err
			}
			seg, err := readSegment64(stream, cmdOffset)
			if err != nil {
				return nil, err
			}
			xlog.Debug("machofile: segment", xlog.F{
				"name": seg.Name, "fileoff": seg.FileOff, "filesize": seg.FileSize, "nsects": seg.NSects,
			})
			switch seg.Name {
			case "__TEXT":
				lc.Text = seg
			case "__LINKEDIT":
				lc.Linkedit = seg
			}
		case LoadCmdSymtab:
			if _, err := stream.Seek(cmdOffset, io.SeekStart); err != nil {
				return nil, err
			}
			symtab, err := readRecord[SymtabCommand](stream, binary.LittleEndian)
			if err != nil {
				return nil, err
			}
			xlog.Debugf("machofile: symbol table nsyms=%d strsize=%d", symtab.NSyms, symtab.StrSize)
			lc.Symtab = &symtab
		}

		cmdOffset += int64(cmd.CmdSize)
	}

	if lc.Text == nil {
		return nil, ErrMissingTextSegment
	}
	return lc, nil
}

func readSegment64(stream io.ReadSeeker, cmdOffset int64) (*Segment64, error) {
	raw, err := readRecord[segmentRecord64](stream, binary.LittleEndian)
	if err != nil {
		return nil, err
	}

	seg := &Segment64{
		VMAddr:   raw.VMAddr,
		VMSize:   raw.VMSize,
		FileOff:  raw.FileOff,
		FileSize: raw.FileSize,
		MaxProt:  raw.MaxProt,
		InitProt: raw.InitProt,
		NSects:   raw.NSects,
		Flags:    raw.Flags,
		Name:     cstring(raw.SegName[:]),
	}

	if seg.Name == "__TEXT" && seg.NSects > 0 {
		sectionsStart := cmdOffset + int64(binary.Size(segmentRecord64{}))
		if _, err := stream.Seek(sectionsStart, io.SeekStart); err != nil {
			return nil, err
		}
		seg.Sections = make([]Section64, seg.NSects)
		for i := range seg.Sections {
			sraw, err := readRecord[sectionRecord64](stream, binary.LittleEndian)
			if err != nil {
				return nil, err
			}
			seg.Sections[i] = Section64{
				Name:    cstring(sraw.SectName[:]),
				SegName: cstring(sraw.SegName[:]),
				Addr:    sraw.Addr,
				Size:    sraw.Size,
				Offset:  sraw.Offset,
				Align:   sraw.Align,
				RelOff:  sraw.RelOff,
				NReloc:  sraw.NReloc,
				Flags:   sraw.Flags,
			}
			xlog.Debugf("machofile: section %s addr=%#x size=%#x offset=%#x",
				seg.Sections[i].Name, seg.Sections[i].Addr, seg.Sections[i].Size, seg.Sections[i].Offset)
		}
	}

	return seg, nil
}
