package codesign

import (
	"encoding/binary"
	"io"
	"os"
)

// Mach-O magics as they appear in the first four bytes of a file, read
// big-endian.
const (
	magicThin32   = 0xfeedface
	magicThin64   = 0xfeedfacf
	magicThin32LE = 0xcefaedfe
	magicThin64LE = 0xcffaedfe
	magicFat      = 0xcafebabe
	magicFatLE    = 0xbebafeca

	// Java class files share 0xcafebabe; their next word is a class file
	// version, far larger than any realistic arch count.
	maxFatArches = 20
)

// isMachOHeader reports whether head, the first bytes of a file, starts a
// Mach-O image. Detection is by magic only.
func isMachOHeader(head []byte) bool {
	if len(head) < 8 {
		return false
	}
	switch binary.BigEndian.Uint32(head) {
	case magicThin32, magicThin64, magicThin32LE, magicThin64LE:
		return true
	case magicFat:
		n := binary.BigEndian.Uint32(head[4:])
		return n > 0 && n < maxFatArches
	case magicFatLE:
		n := binary.LittleEndian.Uint32(head[4:])
		return n > 0 && n < maxFatArches
	}
	return false
}

func isFatMagic(data []byte) bool {
	return len(data) >= 8 && binary.BigEndian.Uint32(data) == magicFat
}

// IsMachO reports whether the file at path is a Mach-O binary.
func IsMachO(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()

	head := make([]byte, 8)
	if _, err := io.ReadFull(f, head); err != nil {
		return false
	}
	return isMachOHeader(head)
}
