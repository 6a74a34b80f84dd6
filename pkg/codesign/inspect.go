package codesign

import (
	"bytes"
	"crypto/x509"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/blacktop/go-macho/types"
	"go.mozilla.org/pkcs7"
)

// SignatureInfo is a decoded embedded signature of one Mach-O slice.
type SignatureInfo struct {
	Path string
	// RelativePath is the bundle path relative to the inspected root, for
	// display.
	RelativePath string
	// Arch is the CPU of the slice, empty for thin files.
	Arch string
	// Slices is the number of architectures in the file.
	Slices int

	Blobs           []BlobIndexEntry
	CodeDirs        []CodeDirectoryInfo
	Requirements    []byte
	EntitlementsXML string
	Entitlements    map[string]interface{}
	EntitlementsDER []byte
	CMS             []byte
	SignerCN        string
	SignerTeamID    string
	// CMSValid reports that the CMS signature verifies over the primary
	// CodeDirectory.
	CMSValid bool
}

// BlobIndexEntry is one SuperBlob index slot.
type BlobIndexEntry struct {
	Slot   uint32
	Offset uint32
	Size   uint32
	Magic  uint32
}

// CodeDirectoryInfo holds the decoded header and hashes of a CodeDirectory.
type CodeDirectoryInfo struct {
	Slot          uint32
	Version       uint32
	Flags         uint32
	HashType      uint8
	HashSize      uint8
	Identifier    string
	TeamID        string
	PageSize      uint32
	CodeLimit     uint32
	ExecSegBase   uint64
	ExecSegLimit  uint64
	ExecSegFlags  uint64
	NSpecialSlots uint32
	NCodeSlots    uint32
	// SpecialHashes is keyed by positive slot number; zero hashes are left
	// out.
	SpecialHashes map[int][]byte
	CodeHashes    [][]byte
	// CDHash is the hash of the whole blob with its own algorithm.
	CDHash []byte
	Raw    []byte
}

// Primary returns the CodeDirectory in slot 0.
func (s *SignatureInfo) Primary() *CodeDirectoryInfo {
	for i := range s.CodeDirs {
		if s.CodeDirs[i].Slot == csSlotCodeDirectory {
			return &s.CodeDirs[i]
		}
	}
	return nil
}

// Slots returns the index slot types in SuperBlob order.
func (s *SignatureInfo) Slots() []uint32 {
	out := make([]uint32, len(s.Blobs))
	for i, b := range s.Blobs {
		out[i] = b.Slot
	}
	return out
}

// Inspect decodes the signature of the Mach-O file at path. For fat files
// the first slice is returned.
func Inspect(path string) (*SignatureInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read binary: %w", err)
	}
	slices, err := InspectSlices(data)
	if err != nil {
		return nil, err
	}
	slices[0].Path = path
	return slices[0], nil
}

// InspectSlices decodes the signature of every slice in data.
func InspectSlices(data []byte) ([]*SignatureInfo, error) {
	if !isFatMagic(data) {
		info, err := inspectThin(data)
		if err != nil {
			return nil, err
		}
		info.Slices = 1
		return []*SignatureInfo{info}, nil
	}

	// The fat header is read directly: go-macho would also decode each
	// slice's signature, which is what is being inspected here.
	n := binary.BigEndian.Uint32(data[4:])
	if uint64(len(data)) < fatHeaderSize+uint64(n)*fatArchSize {
		return nil, fmt.Errorf("fat header truncated")
	}
	var out []*SignatureInfo
	for i := uint32(0); i < n; i++ {
		base := fatHeaderSize + i*fatArchSize
		cpu := types.CPU(binary.BigEndian.Uint32(data[base:]))
		off := binary.BigEndian.Uint32(data[base+8:])
		size := binary.BigEndian.Uint32(data[base+12:])
		if uint64(off)+uint64(size) > uint64(len(data)) {
			return nil, fmt.Errorf("slice %s extends past end of file", cpu)
		}
		info, err := inspectThin(data[off : off+size])
		if err != nil {
			return nil, fmt.Errorf("slice %s: %w", cpu, err)
		}
		info.Arch = cpu.String()
		info.Slices = int(n)
		out = append(out, info)
	}
	return out, nil
}

func inspectThin(data []byte) (*SignatureInfo, error) {
	sigOffset, sigSize, found := findCodeSignatureOffset(data)
	if !found {
		return nil, fmt.Errorf("no code signature found")
	}
	if uint64(sigOffset)+uint64(sigSize) > uint64(len(data)) {
		return nil, fmt.Errorf("code signature extends beyond file")
	}
	sig := data[sigOffset : sigOffset+sigSize]
	if len(sig) < 12 {
		return nil, fmt.Errorf("signature data too short")
	}
	if magic := binary.BigEndian.Uint32(sig); magic != csMagicEmbeddedSig {
		return nil, fmt.Errorf("invalid SuperBlob magic: 0x%x", magic)
	}

	count := binary.BigEndian.Uint32(sig[8:12])
	if uint64(len(sig)) < 12+uint64(count)*8 {
		return nil, fmt.Errorf("signature data too short for blob index")
	}

	info := &SignatureInfo{}
	for i := uint32(0); i < count; i++ {
		slot := binary.BigEndian.Uint32(sig[12+i*8:])
		off := binary.BigEndian.Uint32(sig[16+i*8:])
		if uint64(off)+8 > uint64(len(sig)) {
			return nil, fmt.Errorf("blob %d offset out of range", i)
		}
		e := BlobIndexEntry{
			Slot:   slot,
			Offset: off,
			Magic:  binary.BigEndian.Uint32(sig[off:]),
			Size:   binary.BigEndian.Uint32(sig[off+4:]),
		}
		info.Blobs = append(info.Blobs, e)
		if uint64(off)+uint64(e.Size) > uint64(len(sig)) || e.Size < 8 {
			return nil, fmt.Errorf("blob %d size out of range", i)
		}
		blob := sig[off : off+e.Size]

		switch {
		case slot == csSlotCodeDirectory || (slot >= csSlotAlternateCD && slot < csSlotAlternateCD+5):
			cd, err := parseCodeDirectory(blob, slot)
			if err != nil {
				return nil, err
			}
			info.CodeDirs = append(info.CodeDirs, *cd)
		case slot == csSlotRequirements:
			info.Requirements = blob
		case slot == csSlotEntitlements:
			info.EntitlementsXML = string(blob[8:])
			info.Entitlements, _ = ParseEntitlementsXML(blob[8:])
		case slot == csSlotEntitlementsDER:
			info.EntitlementsDER = blob[8:]
		case slot == csSlotCMS:
			info.CMS = blob[8:]
		}
	}
	info.inspectCMS()
	return info, nil
}

func (s *SignatureInfo) inspectCMS() {
	if len(s.CMS) == 0 {
		return
	}
	p7, err := pkcs7.Parse(s.CMS)
	if err != nil || len(p7.Signers) == 0 {
		return
	}
	signer := p7.Signers[0]
	for _, cert := range p7.Certificates {
		if cert.SerialNumber.Cmp(signer.IssuerAndSerialNumber.SerialNumber) != 0 {
			continue
		}
		s.SignerCN = cert.Subject.CommonName
		for _, ou := range cert.Subject.OrganizationalUnit {
			if len(ou) == 10 && isAlphanumeric(ou) {
				s.SignerTeamID = ou
				break
			}
		}
		break
	}
	if cd := s.Primary(); cd != nil {
		p7.Content = cd.Raw
		s.CMSValid = p7.Verify() == nil
	}
}

func parseCodeDirectory(data []byte, slot uint32) (*CodeDirectoryInfo, error) {
	if len(data) < 44 {
		return nil, fmt.Errorf("CodeDirectory too short")
	}
	if magic := binary.BigEndian.Uint32(data); magic != csMagicCodeDirectory {
		return nil, fmt.Errorf("invalid CodeDirectory magic: 0x%x", magic)
	}

	cd := &CodeDirectoryInfo{
		Slot:          slot,
		SpecialHashes: make(map[int][]byte),
		Raw:           data,
	}
	cd.Version = binary.BigEndian.Uint32(data[8:12])
	cd.Flags = binary.BigEndian.Uint32(data[12:16])
	hashOffset := binary.BigEndian.Uint32(data[16:20])
	identOffset := binary.BigEndian.Uint32(data[20:24])
	cd.NSpecialSlots = binary.BigEndian.Uint32(data[24:28])
	cd.NCodeSlots = binary.BigEndian.Uint32(data[28:32])
	cd.CodeLimit = binary.BigEndian.Uint32(data[32:36])
	cd.HashSize = data[36]
	cd.HashType = data[37]
	cd.PageSize = 1 << data[39]
	cd.CDHash = hashType(cd.HashType).sum(data)

	cd.Identifier = cString(data, identOffset)
	if cd.Version >= 0x20200 && len(data) >= 52 {
		if teamOffset := binary.BigEndian.Uint32(data[48:52]); teamOffset > 0 {
			cd.TeamID = cString(data, teamOffset)
		}
	}
	if cd.Version >= 0x20400 && len(data) >= cdHeaderSize {
		cd.ExecSegBase = binary.BigEndian.Uint64(data[64:72])
		cd.ExecSegLimit = binary.BigEndian.Uint64(data[72:80])
		cd.ExecSegFlags = binary.BigEndian.Uint64(data[80:88])
	}

	hs := uint64(cd.HashSize)
	for i := 1; i <= int(cd.NSpecialSlots); i++ {
		off := uint64(hashOffset) - uint64(i)*hs
		if off+hs > uint64(len(data)) {
			continue
		}
		h := data[off : off+hs]
		if !bytes.Equal(h, make([]byte, hs)) {
			cd.SpecialHashes[i] = h
		}
	}
	for i := uint64(0); i < uint64(cd.NCodeSlots); i++ {
		off := uint64(hashOffset) + i*hs
		if off+hs > uint64(len(data)) {
			return nil, fmt.Errorf("code slot %d out of range", i)
		}
		cd.CodeHashes = append(cd.CodeHashes, data[off:off+hs])
	}
	return cd, nil
}

func cString(data []byte, off uint32) string {
	if off >= uint32(len(data)) {
		return ""
	}
	end := bytes.IndexByte(data[off:], 0)
	if end < 0 {
		return string(data[off:])
	}
	return string(data[off : off+uint32(end)])
}

func isAlphanumeric(s string) bool {
	for _, r := range s {
		if !((r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

// MismatchedPages rehashes the code covered by cd and returns the indexes
// of pages whose hash differs. data is the thin slice cd was read from.
func (cd *CodeDirectoryInfo) MismatchedPages(data []byte) []int {
	if uint64(cd.CodeLimit) > uint64(len(data)) {
		data = append(data, make([]byte, int(cd.CodeLimit)-len(data))...)
	}
	code := data[:cd.CodeLimit]
	h := hashType(cd.HashType)
	var bad []int
	for i, want := range cd.CodeHashes {
		start := uint64(i) * uint64(cd.PageSize)
		end := start + uint64(cd.PageSize)
		if end > uint64(len(code)) {
			end = uint64(len(code))
		}
		if !bytes.Equal(h.sum(code[start:end]), want) {
			bad = append(bad, i)
		}
	}
	return bad
}

// VerifiedBy reports whether the CMS signer is one of certs.
func (s *SignatureInfo) VerifiedBy(certs []*x509.Certificate) bool {
	if !s.CMSValid {
		return false
	}
	p7, err := pkcs7.Parse(s.CMS)
	if err != nil {
		return false
	}
	for _, signer := range p7.Signers {
		for _, cert := range certs {
			if cert.SerialNumber.Cmp(signer.IssuerAndSerialNumber.SerialNumber) == 0 {
				return true
			}
		}
	}
	return false
}

// InspectBundle decodes the executable signature of bundlePath and, when
// recursive, of every bundle nested in it.
func InspectBundle(bundlePath string, recursive bool) ([]*SignatureInfo, error) {
	bundles := []string{bundlePath}
	if recursive {
		nested := findNestedBundles(bundlePath)
		sort.Strings(nested)
		bundles = append(bundles, nested...)
	}

	var out []*SignatureInfo
	for _, b := range bundles {
		execName := looseIdent(b)
		if info, err := readBundleInfo(b); err == nil {
			execName = info.Executable
		}
		info, err := Inspect(filepath.Join(b, execName))
		if err != nil {
			return out, fmt.Errorf("failed to parse signature for %s: %w", b, err)
		}
		rel, err := filepath.Rel(filepath.Dir(bundlePath), b)
		if err != nil {
			rel = filepath.Base(b)
		}
		info.RelativePath = filepath.ToSlash(rel)
		out = append(out, info)
	}
	return out, nil
}

var specialSlotNames = map[int]string{
	1: "Info.plist",
	2: "Requirements",
	3: "CodeResources",
	4: "Application",
	5: "Entitlements",
	6: "RepSpecific",
	7: "EntitlementsDER",
}

// PrintSignatureInfo writes a human readable summary. bundlePath, when set,
// is used to check the Info.plist and CodeResources slot hashes.
func PrintSignatureInfo(w io.Writer, info *SignatureInfo, bundlePath string) {
	name := info.RelativePath
	if name == "" {
		name = filepath.Base(info.Path)
	}
	fmt.Fprintf(w, "\n=== %s ===\n", name)
	if cd := info.Primary(); cd != nil {
		fmt.Fprintf(w, "Identifier: %s\n", cd.Identifier)
		if cd.TeamID != "" {
			fmt.Fprintf(w, "Team ID:    %s\n", cd.TeamID)
		}
	}
	if info.Slices > 1 {
		fmt.Fprintf(w, "Slices:     %d (showing %s)\n", info.Slices, info.Arch)
	}

	fmt.Fprintf(w, "\nCode Signature:\n")
	for i, blob := range info.Blobs {
		last := i == len(info.Blobs)-1
		prefix, child := "├─", "│   "
		if last {
			prefix, child = "└─", "    "
		}
		fmt.Fprintf(w, "  %s %s: slot 0x%x, %d bytes\n", prefix, blobName(blob.Slot, info), blob.Slot, blob.Size)

		for j := range info.CodeDirs {
			if info.CodeDirs[j].Slot == blob.Slot {
				printCodeDirectory(w, &info.CodeDirs[j], child, bundlePath)
			}
		}
		if blob.Slot == csSlotEntitlements {
			keys := make([]string, 0, len(info.Entitlements))
			for k := range info.Entitlements {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(w, "  %s  %s: %v\n", child, k, info.Entitlements[k])
			}
		}
		if blob.Slot == csSlotCMS {
			if info.SignerCN != "" {
				fmt.Fprintf(w, "  %sSigner: %s\n", child, info.SignerCN)
			}
			fmt.Fprintf(w, "  %sValid: %v\n", child, info.CMSValid)
		}
	}
}

func printCodeDirectory(w io.Writer, cd *CodeDirectoryInfo, prefix, bundlePath string) {
	fmt.Fprintf(w, "  %sVersion: 0x%x\n", prefix, cd.Version)
	fmt.Fprintf(w, "  %sHash Type: %s (%d bytes)\n", prefix, hashName(cd.HashType), cd.HashSize)
	fmt.Fprintf(w, "  %sCDHash: %s\n", prefix, hex.EncodeToString(cd.CDHash))
	fmt.Fprintf(w, "  %sPage Size: %d\n", prefix, cd.PageSize)
	fmt.Fprintf(w, "  %sCode Limit: %d\n", prefix, cd.CodeLimit)
	if cd.Version >= 0x20400 {
		fmt.Fprintf(w, "  %sExec Seg: base=0x%x, limit=0x%x, flags=0x%x\n",
			prefix, cd.ExecSegBase, cd.ExecSegLimit, cd.ExecSegFlags)
	}
	fmt.Fprintf(w, "  %sSpecial Slots: %d\n", prefix, cd.NSpecialSlots)

	for slot := int(cd.NSpecialSlots); slot >= 1; slot-- {
		hash, ok := cd.SpecialHashes[slot]
		if !ok {
			continue
		}
		name := specialSlotNames[slot]
		if name == "" {
			name = fmt.Sprintf("Slot %d", slot)
		}
		hashStr := hex.EncodeToString(hash)
		if len(hashStr) > 24 {
			hashStr = hashStr[:24] + "..."
		}

		mark := ""
		var file string
		switch slot {
		case csSlotInfo:
			file = filepath.Join(bundlePath, "Info.plist")
		case csSlotResourceDir:
			file = filepath.Join(bundlePath, "_CodeSignature", "CodeResources")
		}
		if bundlePath != "" && file != "" {
			mark = " ✗"
			if data, err := os.ReadFile(file); err == nil && bytes.Equal(hashType(cd.HashType).sum(data), hash) {
				mark = " ✓"
			}
		}
		fmt.Fprintf(w, "  %s  -%d (%s): %s%s\n", prefix, slot, name, hashStr, mark)
	}
	fmt.Fprintf(w, "  %sCode Slots: %d\n", prefix, cd.NCodeSlots)
}

func hashName(t uint8) string {
	switch t {
	case csHashSHA1:
		return "SHA-1"
	case csHashSHA256:
		return "SHA-256"
	}
	return "unknown"
}

func blobName(slot uint32, info *SignatureInfo) string {
	switch {
	case slot == csSlotCodeDirectory || (slot >= csSlotAlternateCD && slot < csSlotAlternateCD+5):
		for _, cd := range info.CodeDirs {
			if cd.Slot == slot {
				return "CodeDirectory (" + hashName(cd.HashType) + ")"
			}
		}
		return "CodeDirectory"
	case slot == csSlotRequirements:
		return "Requirements"
	case slot == csSlotEntitlements:
		return "Entitlements"
	case slot == csSlotEntitlementsDER:
		return "EntitlementsDER"
	case slot == csSlotCMS:
		return "CMS Signature"
	}
	return fmt.Sprintf("Unknown (0x%x)", slot)
}
