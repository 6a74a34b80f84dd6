package codesign

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
)

const (
	fatAlignment  = 0x4000
	fatHeaderSize = 8
	fatArchSize   = 20
	mhExecute     = 0x2
	lcSegment     = 0x1
	lcSegment64   = 0x19
)

var errNoRoom = errors.New("no room for LC_CODE_SIGNATURE in the load command area")

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

// signatureSize reserves room for both hash flavours plus the CMS blob:
// align((pages+1) * (20+32), 4096) + 16 KiB.
func signatureSize(codeLimit uint64) uint64 {
	pages := (codeLimit + pageSize - 1) / pageSize
	return alignUp((pages+1)*(sha1Size+sha256Size), pageSize) + 16384
}

const (
	sha1Size   = 20
	sha256Size = 32
)

// machoLayout is what signing needs to know about a thin image.
type machoLayout struct {
	is64       bool
	fileType   uint32
	headerSize uint32
	ncmds      uint32
	sizeofcmds uint32

	// Offsets of the load commands we patch, 0 when absent.
	csCmdOff       uint32
	linkeditCmdOff uint32

	csDataOff       uint32
	linkeditFileoff uint64
	linkeditVmsize  uint64
	text            execSegment
	// firstData is the lowest file offset of segment or section content,
	// which bounds the load command area.
	firstData uint64
}

// findCodeSignatureOffset finds the LC_CODE_SIGNATURE data without full
// parsing. go-macho tries to decode the old signature, so callers zero it
// before handing the image over.
func findCodeSignatureOffset(data []byte) (offset, size uint32, found bool) {
	l, err := walkLoadCommands(data)
	if err != nil || l.csCmdOff == 0 {
		return 0, 0, false
	}
	return l.csDataOff, binary.LittleEndian.Uint32(data[l.csCmdOff+12:]), true
}

// walkLoadCommands reads the header and records the command offsets.
func walkLoadCommands(data []byte) (*machoLayout, error) {
	if len(data) < 28 {
		return nil, fmt.Errorf("file too small for a Mach-O header")
	}
	l := &machoLayout{}
	switch binary.LittleEndian.Uint32(data[:4]) {
	case uint32(types.Magic64):
		l.is64, l.headerSize = true, 32
	case uint32(types.Magic32):
		l.headerSize = 28
	default:
		return nil, fmt.Errorf("unsupported Mach-O magic %#x", binary.BigEndian.Uint32(data[:4]))
	}
	le := binary.LittleEndian
	l.fileType = le.Uint32(data[12:])
	l.ncmds = le.Uint32(data[16:])
	l.sizeofcmds = le.Uint32(data[20:])
	if uint64(l.headerSize)+uint64(l.sizeofcmds) > uint64(len(data)) {
		return nil, fmt.Errorf("load commands extend past end of file")
	}

	end := l.headerSize + l.sizeofcmds
	off := l.headerSize
	for i := uint32(0); i < l.ncmds; i++ {
		if off+8 > end {
			return nil, fmt.Errorf("truncated load command %d", i)
		}
		cmd := le.Uint32(data[off:])
		size := le.Uint32(data[off+4:])
		if size < 8 || off+size > end {
			return nil, fmt.Errorf("bad size for load command %d", i)
		}
		switch cmd {
		case lcCodeSignature:
			l.csCmdOff = off
			l.csDataOff = le.Uint32(data[off+8:])
		case lcSegment, lcSegment64:
			if segName(data[off+8:off+24]) == "__LINKEDIT" {
				l.linkeditCmdOff = off
			}
		}
		off += size
	}
	return l, nil
}

func segName(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// readLayout combines the raw command walk with go-macho's view of the
// segments and sections.
func readLayout(data []byte) (*machoLayout, error) {
	l, err := walkLoadCommands(data)
	if err != nil {
		return nil, err
	}

	parse := data
	if l.csCmdOff != 0 && uint64(l.csDataOff) < uint64(len(data)) {
		parse = append([]byte(nil), data...)
		clear(parse[l.csDataOff:])
	}
	m, err := macho.NewFile(bytes.NewReader(parse))
	if err != nil {
		return nil, fmt.Errorf("failed to parse Mach-O: %w", err)
	}
	defer m.Close()

	l.firstData = uint64(len(data))
	for _, load := range m.Loads {
		seg, ok := load.(*macho.Segment)
		if !ok {
			continue
		}
		switch seg.Name {
		case "__TEXT":
			l.text = execSegment{base: seg.Offset, limit: seg.Filesz}
		case "__LINKEDIT":
			l.linkeditFileoff = seg.Offset
			l.linkeditVmsize = seg.Memsz
		}
		if seg.Offset > 0 && seg.Filesz > 0 && seg.Offset < l.firstData {
			l.firstData = seg.Offset
		}
	}
	for _, sec := range m.Sections {
		if sec.Offset > 0 && uint64(sec.Offset) < l.firstData {
			l.firstData = uint64(sec.Offset)
		}
	}
	return l, nil
}

// codeLimit is where the signature starts. A signed image keeps its
// dataoff; an unsigned one gets the file end rounded to 16 bytes.
func (l *machoLayout) codeLimit(data []byte) (uint64, error) {
	if l.csCmdOff != 0 {
		if uint64(l.csDataOff) > uint64(len(data)) {
			return 0, fmt.Errorf("code signature offset %#x past end of file", l.csDataOff)
		}
		return uint64(l.csDataOff), nil
	}
	return alignUp(uint64(len(data)), 16), nil
}

// patch returns the first codeLimit bytes of data with LC_CODE_SIGNATURE
// and __LINKEDIT describing a signature of sigSize bytes at codeLimit.
func (l *machoLayout) patch(data []byte, codeLimit, sigSize uint64) ([]byte, error) {
	le := binary.LittleEndian
	code := make([]byte, codeLimit)
	copy(code, data)

	csOff := l.csCmdOff
	if csOff == 0 {
		csOff = l.headerSize + l.sizeofcmds
		if uint64(csOff)+lcCodeSignatureSize > l.firstData {
			return nil, errNoRoom
		}
		for _, b := range code[csOff : csOff+lcCodeSignatureSize] {
			if b != 0 {
				return nil, errNoRoom
			}
		}
		le.PutUint32(code[16:], l.ncmds+1)
		le.PutUint32(code[20:], l.sizeofcmds+lcCodeSignatureSize)
		le.PutUint32(code[csOff:], lcCodeSignature)
		le.PutUint32(code[csOff+4:], lcCodeSignatureSize)
	}
	le.PutUint32(code[csOff+8:], uint32(codeLimit))
	le.PutUint32(code[csOff+12:], uint32(sigSize))

	if l.linkeditCmdOff != 0 {
		filesize := codeLimit + sigSize - l.linkeditFileoff
		vmsize := alignUp(filesize, pageSize)
		if l.linkeditVmsize > vmsize {
			vmsize = l.linkeditVmsize
		}
		off := l.linkeditCmdOff
		if l.is64 {
			le.PutUint64(code[off+32:], vmsize)
			le.PutUint64(code[off+48:], filesize)
		} else {
			le.PutUint32(code[off+28:], uint32(vmsize))
			le.PutUint32(code[off+36:], uint32(filesize))
		}
	}
	return code, nil
}

// signThin strips any existing signature from a thin image and appends a
// freshly built one.
func signThin(data []byte, p *signParams) ([]byte, error) {
	l, err := readLayout(data)
	if err != nil {
		return nil, err
	}
	codeLimit, err := l.codeLimit(data)
	if err != nil {
		return nil, err
	}

	params := *p
	params.mainBinary = p.mainBinary && l.fileType == mhExecute

	sigSize := signatureSize(codeLimit)
	for attempt := 0; attempt < 3; attempt++ {
		code, err := l.patch(data, codeLimit, sigSize)
		if err != nil {
			return nil, err
		}
		sig, err := buildSignature(code, l.text, &params)
		if err != nil {
			return nil, err
		}
		if uint64(len(sig)) > sigSize {
			sigSize = alignUp(uint64(len(sig)), pageSize) + pageSize
			continue
		}
		out := make([]byte, codeLimit+sigSize)
		copy(out, code)
		copy(out[codeLimit:], sig)
		return out, nil
	}
	return nil, fmt.Errorf("signature does not fit in %d bytes", sigSize)
}

// signFat signs every slice and rebuilds the fat container with 16 KiB
// aligned slices.
func signFat(data []byte, p *signParams) ([]byte, error) {
	fat, err := macho.NewFatFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse fat binary: %w", err)
	}
	defer fat.Close()

	signed := make([][]byte, len(fat.Arches))
	for i, arch := range fat.Arches {
		end := uint64(arch.Offset) + uint64(arch.Size)
		if end > uint64(len(data)) {
			return nil, fmt.Errorf("arch %d extends past end of file", i)
		}
		out, err := signThin(data[arch.Offset:end], p)
		if err != nil {
			return nil, fmt.Errorf("failed to sign arch %d: %w", i, err)
		}
		signed[i] = out
	}

	offsets := make([]uint64, len(signed))
	cur := uint64(fatHeaderSize + fatArchSize*len(signed))
	for i := range signed {
		cur = alignUp(cur, fatAlignment)
		offsets[i] = cur
		cur += uint64(len(signed[i]))
	}
	if cur > 1<<32-1 {
		return nil, fmt.Errorf("fat binary exceeds 4 GiB")
	}

	result := make([]byte, cur)
	binary.BigEndian.PutUint32(result[0:], uint32(types.MagicFat))
	binary.BigEndian.PutUint32(result[4:], uint32(len(signed)))
	for i, arch := range fat.Arches {
		base := fatHeaderSize + i*fatArchSize
		binary.BigEndian.PutUint32(result[base:], uint32(arch.CPU))
		binary.BigEndian.PutUint32(result[base+4:], uint32(arch.SubCPU))
		binary.BigEndian.PutUint32(result[base+8:], uint32(offsets[i]))
		binary.BigEndian.PutUint32(result[base+12:], uint32(len(signed[i])))
		binary.BigEndian.PutUint32(result[base+16:], 14)
		copy(result[offsets[i]:], signed[i])
	}
	return result, nil
}

// signImage dispatches on the container format.
func signImage(data []byte, p *signParams) ([]byte, error) {
	if isFatMagic(data) {
		return signFat(data, p)
	}
	return signThin(data, p)
}
