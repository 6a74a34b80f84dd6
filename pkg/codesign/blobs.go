package codesign

import (
	"bytes"
	"crypto"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
)

// Code signature constants from Apple's cs_blobs.h
const (
	pageSizeBits = 12
	pageSize     = 1 << pageSizeBits

	csMagicRequirement     = 0xfade0c00
	csMagicRequirements    = 0xfade0c01
	csMagicCodeDirectory   = 0xfade0c02
	csMagicEmbeddedSig     = 0xfade0cc0
	csMagicEntitlements    = 0xfade7171
	csMagicEntitlementsDER = 0xfade7172
	csMagicBlobWrapper     = 0xfade0b01

	csSlotCodeDirectory   = 0
	csSlotInfo            = 1
	csSlotRequirements    = 2
	csSlotResourceDir     = 3
	csSlotEntitlements    = 5
	csSlotEntitlementsDER = 7
	csSlotAlternateCD     = 0x1000
	csSlotCMS             = 0x10000

	csHashSHA1   = 1
	csHashSHA256 = 2

	csExecSegMainBinary    = 0x1
	csExecSegAllowUnsigned = 0x10

	cdVersion    = 0x20400
	cdHeaderSize = 88

	lcCodeSignature     = 0x1d
	lcCodeSignatureSize = 16
)

// hashType is the CodeDirectory hash algorithm.
type hashType uint8

func (h hashType) size() int {
	if h == csHashSHA1 {
		return sha1.Size
	}
	return sha256.Size
}

func (h hashType) crypto() crypto.Hash {
	if h == csHashSHA1 {
		return crypto.SHA1
	}
	return crypto.SHA256
}

// sum hashes data. Absent special slots hash to zeros.
func (h hashType) sum(data []byte) []byte {
	if len(data) == 0 {
		return make([]byte, h.size())
	}
	if h == csHashSHA1 {
		s := sha1.Sum(data)
		return s[:]
	}
	s := sha256.Sum256(data)
	return s[:]
}

func put32be(b []byte, x uint32) []byte {
	binary.BigEndian.PutUint32(b, x)
	return b[4:]
}

func put64be(b []byte, x uint64) []byte {
	binary.BigEndian.PutUint64(b, x)
	return b[8:]
}

func put8(b []byte, x uint8) []byte {
	b[0] = x
	return b[1:]
}

func puts(b, s []byte) []byte {
	n := copy(b, s)
	return b[n:]
}

// wrapBlob prefixes payload with a magic and total length.
func wrapBlob(magic uint32, payload []byte) []byte {
	blob := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint32(blob[0:], magic)
	binary.BigEndian.PutUint32(blob[4:], uint32(len(blob)))
	copy(blob[8:], payload)
	return blob
}

// execSegment describes the __TEXT segment for the CodeDirectory.
type execSegment struct {
	base, limit, flags uint64
}

// cdParams carries everything hashed into one CodeDirectory.
type cdParams struct {
	ident    string
	teamID   string
	hash     hashType
	code     []byte
	nSpecial int
	special  map[int][]byte
	execSeg  execSegment
}

// buildCodeDirectory lays out a v0x20400 CodeDirectory: header,
// identifier, team id, special slot hashes in reverse order, then one hash
// per 4 KiB page of code.
func buildCodeDirectory(p cdParams) []byte {
	hashSize := p.hash.size()
	codeLimit := len(p.code)
	nCodeSlots := (codeLimit + pageSize - 1) / pageSize

	identOff := uint32(cdHeaderSize)
	teamOff := uint32(0)
	hashOff := identOff + uint32(len(p.ident)+1)
	if p.teamID != "" {
		teamOff = hashOff
		hashOff = teamOff + uint32(len(p.teamID)+1)
	}
	hashOff += uint32(p.nSpecial * hashSize)
	total := hashOff + uint32(nCodeSlots*hashSize)

	cd := make([]byte, total)
	out := cd
	out = put32be(out, csMagicCodeDirectory)
	out = put32be(out, total)
	out = put32be(out, cdVersion)
	out = put32be(out, 0) // flags
	out = put32be(out, hashOff)
	out = put32be(out, identOff)
	out = put32be(out, uint32(p.nSpecial))
	out = put32be(out, uint32(nCodeSlots))
	out = put32be(out, uint32(codeLimit))
	out = put8(out, uint8(hashSize))
	out = put8(out, uint8(p.hash))
	out = put8(out, 0) // platform
	out = put8(out, pageSizeBits)
	out = put32be(out, 0) // spare2
	out = put32be(out, 0) // scatterOffset
	out = put32be(out, teamOff)
	out = put32be(out, 0) // spare3
	out = put64be(out, 0) // codeLimit64
	out = put64be(out, p.execSeg.base)
	out = put64be(out, p.execSeg.limit)
	out = put64be(out, p.execSeg.flags)

	out = puts(out, []byte(p.ident+"\x00"))
	if p.teamID != "" {
		out = puts(out, []byte(p.teamID+"\x00"))
	}

	for slot := p.nSpecial; slot >= 1; slot-- {
		out = puts(out, p.hash.sum(p.special[slot]))
	}

	for off := 0; off < codeLimit; off += pageSize {
		end := off + pageSize
		if end > codeLimit {
			end = codeLimit
		}
		out = puts(out, p.hash.sum(p.code[off:end]))
	}
	return cd
}

// Requirement opcodes from Apple's requirement language.
const (
	opIdent              = 2
	opAnd                = 6
	opCertField          = 11
	opCertGeneric        = 14
	opAppleGenericAnchor = 15

	matchExists = 0
	matchEqual  = 1

	designatedRequirementType = 3
)

// appleDeveloperOID is 1.2.840.113635.100.6.2.1 in DER.
var appleDeveloperOID = []byte{0x2a, 0x86, 0x48, 0x86, 0xf7, 0x63, 0x64, 0x06, 0x02, 0x01}

// buildRequirements encodes the designated requirement
//
//	identifier "<ident>" and anchor apple generic and
//	certificate leaf[subject.CN] = "<cn>" and
//	certificate 1[field.1.2.840.113635.100.6.2.1] exists
//
// as a Requirements blob. Without a common name only the identifier and
// anchor clauses are emitted.
func buildRequirements(ident, signerCN string) []byte {
	var expr bytes.Buffer
	u32 := func(v uint32) { _ = binary.Write(&expr, binary.BigEndian, v) }
	data := func(b []byte) {
		u32(uint32(len(b)))
		expr.Write(b)
		for i := len(b); i%4 != 0; i++ {
			expr.WriteByte(0)
		}
	}

	u32(opAnd)
	u32(opIdent)
	data([]byte(ident))
	if signerCN == "" {
		u32(opAppleGenericAnchor)
	} else {
		u32(opAnd)
		u32(opAppleGenericAnchor)
		u32(opAnd)
		u32(opCertField)
		u32(0) // leaf
		data([]byte("subject.CN"))
		u32(matchEqual)
		data([]byte(signerCN))
		u32(opCertGeneric)
		u32(1)
		data(appleDeveloperOID)
		u32(matchExists)
	}

	// Requirement: magic, length, kind (1 = expression), expression.
	req := make([]byte, 12+expr.Len())
	binary.BigEndian.PutUint32(req[0:], csMagicRequirement)
	binary.BigEndian.PutUint32(req[4:], uint32(len(req)))
	binary.BigEndian.PutUint32(req[8:], 1)
	copy(req[12:], expr.Bytes())

	// Requirements: magic, length, count, {type, offset}.
	const hdr = 12 + 8
	blob := make([]byte, hdr+len(req))
	out := blob
	out = put32be(out, csMagicRequirements)
	out = put32be(out, uint32(len(blob)))
	out = put32be(out, 1)
	out = put32be(out, designatedRequirementType)
	out = put32be(out, hdr)
	copy(out, req)
	return blob
}

// blobEntry is one index entry of a SuperBlob.
type blobEntry struct {
	slot uint32
	data []byte
}

// buildSuperBlob concatenates blobs in the order given.
func buildSuperBlob(entries []blobEntry) []byte {
	hdr := 12 + 8*len(entries)
	total := hdr
	for _, e := range entries {
		total += len(e.data)
	}

	sb := make([]byte, total)
	out := sb
	out = put32be(out, csMagicEmbeddedSig)
	out = put32be(out, uint32(total))
	out = put32be(out, uint32(len(entries)))
	off := hdr
	for _, e := range entries {
		out = put32be(out, e.slot)
		out = put32be(out, uint32(off))
		off += len(e.data)
	}
	off = hdr
	for _, e := range entries {
		copy(sb[off:], e.data)
		off += len(e.data)
	}
	return sb
}
