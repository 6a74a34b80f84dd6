package codesign

import (
	"fmt"

	"github.com/aluedeke/go-ipasign/pkg/identity"
)

// signParams is what one Mach-O image is signed with.
type signParams struct {
	identity *identity.Identity
	// ident is the signing identifier, the bundle id for bundle executables.
	ident string
	// entitlements is an XML plist. nil for loose libraries.
	entitlements []byte
	infoPlist    []byte
	resources    []byte
	legacySHA1   bool
	mainBinary   bool
	// hashed, when set, runs once the code directories are built and
	// before the CMS signature is made.
	hashed func()
}

// buildSignature produces the SuperBlob for code, which already carries the
// final LC_CODE_SIGNATURE and __LINKEDIT values.
func buildSignature(code []byte, seg execSegment, p *signParams) ([]byte, error) {
	if p.identity == nil {
		return nil, fmt.Errorf("no signing identity")
	}

	reqBlob := buildRequirements(p.ident, p.identity.CommonName())

	var entBlob, entDERBlob []byte
	hasEnts := len(p.entitlements) > 0
	emptyEnts := hasEnts && isEmptyEntitlementsXML(string(p.entitlements))
	if hasEnts {
		entBlob = wrapBlob(csMagicEntitlements, p.entitlements)
		if !emptyEnts {
			der, err := entitlementsDER(p.entitlements)
			if err != nil {
				return nil, err
			}
			entDERBlob = wrapBlob(csMagicEntitlementsDER, der)
		}
	}

	nSpecial := 2
	switch {
	case hasEnts && !emptyEnts:
		nSpecial = 7
	case hasEnts || len(p.resources) > 0:
		nSpecial = 5
	}

	if p.mainBinary {
		seg.flags |= csExecSegMainBinary
		if hasEnts && getTaskAllow(p.entitlements) {
			seg.flags |= csExecSegAllowUnsigned
		}
	}

	special := map[int][]byte{
		csSlotInfo:            p.infoPlist,
		csSlotRequirements:    reqBlob,
		csSlotResourceDir:     p.resources,
		csSlotEntitlements:    entBlob,
		csSlotEntitlementsDER: entDERBlob,
	}
	cd := func(h hashType) []byte {
		return buildCodeDirectory(cdParams{
			ident:    p.ident,
			teamID:   p.identity.TeamID,
			hash:     h,
			code:     code,
			nSpecial: nSpecial,
			special:  special,
			execSeg:  seg,
		})
	}

	primary := identity.CodeDirectory{Data: cd(csHashSHA256), Hash: hashType(csHashSHA256).crypto()}
	var alternates []identity.CodeDirectory
	if p.legacySHA1 {
		alternates = []identity.CodeDirectory{primary}
		primary = identity.CodeDirectory{Data: cd(csHashSHA1), Hash: hashType(csHashSHA1).crypto()}
	}

	if p.hashed != nil {
		p.hashed()
	}

	cms, err := identity.SignCodeDirectory(primary, alternates, p.identity)
	if err != nil {
		return nil, fmt.Errorf("failed to create CMS signature: %w", err)
	}

	entries := []blobEntry{
		{csSlotCodeDirectory, primary.Data},
		{csSlotRequirements, reqBlob},
	}
	if entBlob != nil {
		entries = append(entries, blobEntry{csSlotEntitlements, entBlob})
	}
	if entDERBlob != nil {
		entries = append(entries, blobEntry{csSlotEntitlementsDER, entDERBlob})
	}
	for i, alt := range alternates {
		entries = append(entries, blobEntry{uint32(csSlotAlternateCD + i), alt.Data})
	}
	entries = append(entries, blobEntry{csSlotCMS, wrapBlob(csMagicBlobWrapper, cms)})

	return buildSuperBlob(entries), nil
}
