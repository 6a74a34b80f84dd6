package weekly

import (
	"strings"

	"github.com/aluedeke/go-ipasign/pkg/signerr"
)

// NormalizeUDID validates udid and returns it upper-cased. Classic UDIDs
// are 40 hex characters, dashes ignored. Newer devices use the 8-16 form
// (e.g. 00008030-001A2D3E1E88802E), which keeps its dash.
func NormalizeUDID(udid string) (string, error) {
	u := strings.ToUpper(strings.TrimSpace(udid))

	if parts := strings.Split(u, "-"); len(parts) == 2 && len(parts[0]) == 8 && len(parts[1]) == 16 && isHex(parts[0]) && isHex(parts[1]) {
		return u, nil
	}
	flat := strings.ReplaceAll(u, "-", "")
	if len(flat) == 40 && isHex(flat) {
		return flat, nil
	}
	return "", signerr.Ef("weekly.udid", signerr.ErrInvalidUDID, "invalid UDID %q", udid)
}

func isHex(s string) bool {
	for _, r := range s {
		if !(r >= '0' && r <= '9' || r >= 'A' && r <= 'F') {
			return false
		}
	}
	return s != ""
}
