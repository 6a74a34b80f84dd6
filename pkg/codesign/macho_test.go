package codesign

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aluedeke/go-ipasign/internal/testpki"
)

var testEntitlements = []byte(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>application-identifier</key>
	<string>ABCDE12345.com.example.app</string>
	<key>get-task-allow</key>
	<true/>
</dict>
</plist>
`)

func testParams(t *testing.T) *signParams {
	t.Helper()
	creds := testCredentials(t, "com.example.app")
	return &signParams{
		identity:     creds.Identity,
		ident:        "com.example.app",
		entitlements: testEntitlements,
		infoPlist:    []byte("info"),
		resources:    []byte("resources"),
		mainBinary:   true,
	}
}

func TestSignThinLayout(t *testing.T) {
	p := testParams(t)
	in := testpki.MachO(3*4096 + 123)

	out, err := signImage(in, p)
	require.NoError(t, err)

	slices, err := InspectSlices(out)
	require.NoError(t, err)
	require.Len(t, slices, 1)
	info := slices[0]

	assert.Equal(t, []uint32{csSlotCodeDirectory, csSlotRequirements, csSlotEntitlements, csSlotEntitlementsDER, csSlotCMS}, info.Slots())
	assert.True(t, info.CMSValid, "CMS must verify over the CodeDirectory")
	assert.Equal(t, p.identity.CommonName(), info.SignerCN)

	cd := info.Primary()
	require.NotNil(t, cd)
	assert.Equal(t, uint8(csHashSHA256), cd.HashType)
	assert.Equal(t, uint32(7), cd.NSpecialSlots)
	assert.Equal(t, "com.example.app", cd.Identifier)
	assert.Equal(t, testpki.TeamID, cd.TeamID)
	assert.Equal(t, uint32(alignUp(uint64(len(in)), 16)), cd.CodeLimit)
	assert.Equal(t, int(cd.CodeLimit+pageSize-1)/pageSize, len(cd.CodeHashes))
	assert.Equal(t, uint64(csExecSegMainBinary|csExecSegAllowUnsigned), cd.ExecSegFlags)
	assert.Empty(t, cd.MismatchedPages(out))
	assert.Equal(t, "ABCDE12345.com.example.app", info.Entitlements["application-identifier"])

	// go-macho must accept the patched load commands
	l, err := readLayout(out)
	require.NoError(t, err)
	assert.Equal(t, uint64(cd.CodeLimit), uint64(l.csDataOff))
	assert.Equal(t, uint64(len(out)), l.linkeditFileoff+uint64(binary.LittleEndian.Uint64(out[l.linkeditCmdOff+48:])))
}

func TestSignIsIdempotent(t *testing.T) {
	p := testParams(t)
	in := testpki.MachO(2*4096 + 1)

	once, err := signImage(in, p)
	require.NoError(t, err)
	twice, err := signImage(once, p)
	require.NoError(t, err)

	a, err := InspectSlices(once)
	require.NoError(t, err)
	b, err := InspectSlices(twice)
	require.NoError(t, err)

	assert.Equal(t, len(once), len(twice))
	assert.Equal(t, a[0].Primary().CDHash, b[0].Primary().CDHash)
	assert.Equal(t, a[0].Primary().Raw, b[0].Primary().Raw)
}

func TestSignLegacySHA1(t *testing.T) {
	p := testParams(t)
	p.legacySHA1 = true

	out, err := signImage(testpki.MachO(4096*2), p)
	require.NoError(t, err)
	slices, err := InspectSlices(out)
	require.NoError(t, err)
	info := slices[0]

	assert.Equal(t, []uint32{csSlotCodeDirectory, csSlotRequirements, csSlotEntitlements, csSlotEntitlementsDER, csSlotAlternateCD, csSlotCMS}, info.Slots())
	require.Len(t, info.CodeDirs, 2)
	assert.Equal(t, uint8(csHashSHA1), info.Primary().HashType)
	assert.Equal(t, uint8(csHashSHA256), codeDir(info, csSlotAlternateCD).HashType)
	assert.True(t, info.CMSValid)
}

func TestSignLooseLibrary(t *testing.T) {
	p := testParams(t)
	p.entitlements, p.infoPlist, p.resources, p.mainBinary = nil, nil, nil, false
	p.ident = "libfoo"

	out, err := signImage(testpki.MachO(4096+7), p)
	require.NoError(t, err)
	slices, err := InspectSlices(out)
	require.NoError(t, err)
	info := slices[0]

	assert.Equal(t, []uint32{csSlotCodeDirectory, csSlotRequirements, csSlotCMS}, info.Slots())
	assert.Equal(t, uint32(2), info.Primary().NSpecialSlots)
	assert.Zero(t, info.Primary().ExecSegFlags)
}

func TestSignEmptyEntitlements(t *testing.T) {
	p := testParams(t)
	p.entitlements, p.mainBinary = emptyEntitlements, false

	out, err := signImage(testpki.MachO(4096), p)
	require.NoError(t, err)
	slices, err := InspectSlices(out)
	require.NoError(t, err)

	assert.Equal(t, []uint32{csSlotCodeDirectory, csSlotRequirements, csSlotEntitlements, csSlotCMS}, slices[0].Slots())
	assert.Equal(t, uint32(5), slices[0].Primary().NSpecialSlots)
}

func TestSignSinglePageCorruption(t *testing.T) {
	p := testParams(t)
	out, err := signImage(testpki.MachO(5*4096), p)
	require.NoError(t, err)
	slices, err := InspectSlices(out)
	require.NoError(t, err)
	cd := slices[0].Primary()

	corrupt := append([]byte(nil), out...)
	corrupt[2*pageSize+100] ^= 0xff
	assert.Equal(t, []int{2}, cd.MismatchedPages(corrupt))
}

// fatOf builds a fat container with 16 KiB aligned slices.
func fatOf(slices ...[]byte) []byte {
	off := uint32(0x4000)
	var body bytes.Buffer
	hdr := make([]byte, 8+20*len(slices))
	binary.BigEndian.PutUint32(hdr, magicFat)
	binary.BigEndian.PutUint32(hdr[4:], uint32(len(slices)))
	for i, s := range slices {
		base := 8 + 20*i
		binary.BigEndian.PutUint32(hdr[base:], binary.LittleEndian.Uint32(s[4:]))
		binary.BigEndian.PutUint32(hdr[base+4:], binary.LittleEndian.Uint32(s[8:]))
		binary.BigEndian.PutUint32(hdr[base+8:], off)
		binary.BigEndian.PutUint32(hdr[base+12:], uint32(len(s)))
		binary.BigEndian.PutUint32(hdr[base+16:], 14)
		body.Write(s)
		pad := int(alignUp(uint64(len(s)), 0x4000)) - len(s)
		body.Write(make([]byte, pad))
		off += uint32(len(s) + pad)
	}
	out := make([]byte, 0x4000)
	copy(out, hdr)
	return append(out, body.Bytes()...)
}

func TestSignFat(t *testing.T) {
	arm64 := testpki.MachO(3 * 4096)
	x86 := testpki.MachO(2 * 4096)
	binary.LittleEndian.PutUint32(x86[4:], 0x01000007)
	binary.LittleEndian.PutUint32(x86[8:], 3)

	p := testParams(t)
	out, err := signImage(fatOf(arm64, x86), p)
	require.NoError(t, err)
	assert.True(t, isMachOHeader(out[:8]))

	slices, err := InspectSlices(out)
	require.NoError(t, err)
	require.Len(t, slices, 2)
	for _, s := range slices {
		assert.Equal(t, 2, s.Slices)
		assert.NotEmpty(t, s.Arch)
		assert.True(t, s.CMSValid, "slice %s", s.Arch)
		assert.Equal(t, "com.example.app", s.Primary().Identifier)
	}
	assert.NotEqual(t, slices[0].Primary().CDHash, slices[1].Primary().CDHash)

	for i := 0; i < 2; i++ {
		off := binary.BigEndian.Uint32(out[8+20*i+8:])
		assert.Zero(t, off%fatAlignment, "slice %d offset", i)
	}
}

func TestSignNoRoomForLoadCommand(t *testing.T) {
	in := testpki.MachO(2 * 4096)
	// Fill the slack after the two segment commands.
	for i := 32 + 2*72; i < 32+2*72+lcCodeSignatureSize; i++ {
		in[i] = 0xaa
	}
	_, err := signImage(in, testParams(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errNoRoom))
}

func TestSignRejectsNonMachO(t *testing.T) {
	_, err := signImage([]byte("#!/bin/sh\necho hi\n"+string(make([]byte, 64))), testParams(t))
	assert.Error(t, err)
}
