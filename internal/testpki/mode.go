package testpki

import "io/fs"

const dirBit = 1 << 31

func fsMode(m uint32) fs.FileMode {
	if m&dirBit != 0 {
		return fs.ModeDir | fs.FileMode(m&0o777)
	}
	return fs.FileMode(m & 0o777)
}
