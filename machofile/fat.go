package machofile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/hotpatch-oss/machosnapshot/internal/xlog"
)

// Errors surfaced by Anchor. Only ErrSymbolsIncomplete-style recovery
// exists one layer up in the snapshot package; every error here is
// terminal for the current extraction attempt.
var (
	ErrUnsupported32Bit = errors.New("machofile: 32-bit Mach-O binaries are not supported")
	ErrBadMagic         = errors.New("machofile: not a Mach-O file")
	ErrNoARM64Slice     = errors.New("machofile: fat binary has no arm64 slice")
)

const fatArchRecordSize = 20

// Anchor positions stream at the start of the 64-bit Mach-O image —
// dispatching through the fat-binary dispatch table if one is present —
// and returns that absolute stream offset (0 for a flat binary).
func Anchor(stream io.ReadSeeker) (int64, error) {
	if _, err := stream.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	var raw [4]byte
	if err := readExact(stream, raw[:]); err != nil {
		return 0, err
	}

	beMagic := binary.BigEndian.Uint32(raw[:])
	if beMagic == MagicFat || beMagic == MagicFatCigam {
		xlog.Debugf("machofile: fat binary detected (magic %#08x)", beMagic)
		return anchorFatSlice(stream, beMagic)
	}

	leMagic := binary.LittleEndian.Uint32(raw[:])
	switch leMagic {
	case MagicMachO64:
		if _, err := stream.Seek(0, io.SeekStart); err != nil {
			return 0, err
		}
		return 0, nil
	case MagicMachO32:
		return 0, ErrUnsupported32Bit
	default:
		return 0, fmt.Errorf("%w (magic %#08x)", ErrBadMagic, leMagic)
	}
}

// anchorFatSlice enumerates the fat binary's architecture table looking
// for an arm64 entry, swapping multi-byte fields when the header's magic
// indicates the table was written in the non-standard byte order.
func anchorFatSlice(stream io.ReadSeeker, magic uint32) (int64, error) {
	swap := magic == MagicFatCigam

	if _, err := stream.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	header, err := readRecord[FatHeader](stream, binary.BigEndian)
	if err != nil {
		return 0, err
	}
	nfatArch := header.NFatArch
	if swap {
		nfatArch = swap32(nfatArch)
	}
	xlog.Debugf("machofile: fat binary contains %d architecture slices", nfatArch)

	for i := uint32(0); i < nfatArch; i++ {
		if _, err := stream.Seek(8+int64(i)*fatArchRecordSize, io.SeekStart); err != nil {
			return 0, err
		}
		arch, err := readRecord[FatArch](stream, binary.BigEndian)
		if err != nil {
			return 0, err
		}
		cpuType, offset := arch.CPUType, arch.Offset
		if swap {
			cpuType = swap32(cpuType)
			offset = swap32(offset)
		}
		if cpuType == CPUTypeARM64 {
			xlog.Debugf("machofile: arm64 slice found at offset %#x", offset)
			if _, err := stream.Seek(int64(offset), io.SeekStart); err != nil {
				return 0, err
			}
			return int64(offset), nil
		}
	}
	return 0, ErrNoARM64Slice
}

func swap32(v uint32) uint32 {
	return v<<24 | (v<<8)&0x00FF0000 | (v>>8)&0x0000FF00 | v>>24
}
