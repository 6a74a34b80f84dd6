// Package provision parses provisioning profiles and answers the questions
// signing asks of them: which certificates, which bundle identifiers, which
// devices, and until when.
package provision

import (
	"bytes"
	"crypto/x509"
	"fmt"
	"strings"
	"time"

	"go.mozilla.org/pkcs7"
	"howett.net/plist"

	"github.com/aluedeke/go-ipasign/pkg/signerr"
)

// Profile represents a parsed .mobileprovision file.
type Profile struct {
	Name                        string                 `plist:"Name"`
	TeamName                    string                 `plist:"TeamName"`
	TeamIdentifier              []string               `plist:"TeamIdentifier"`
	AppIDName                   string                 `plist:"AppIDName"`
	ApplicationIdentifierPrefix []string               `plist:"ApplicationIdentifierPrefix"`
	Entitlements                map[string]interface{} `plist:"Entitlements"`
	DeveloperCertificates       [][]byte               `plist:"DeveloperCertificates"`
	ProvisionedDevices          []string               `plist:"ProvisionedDevices"`
	ProvisionsAllDevices        bool                   `plist:"ProvisionsAllDevices"`
	CreationDate                time.Time              `plist:"CreationDate"`
	ExpirationDate              time.Time              `plist:"ExpirationDate"`
	UUID                        string                 `plist:"UUID"`
	Platform                    []string               `plist:"Platform"`

	// Raw is the signed container as read, embedded verbatim into bundles.
	Raw []byte `plist:"-"`
}

// Parse decodes a CMS (PKCS#7) signed container with a plist payload.
func Parse(data []byte) (*Profile, error) {
	const op = "provision.parse"

	p7, err := pkcs7.Parse(data)
	if err != nil {
		return nil, signerr.Ef(op, signerr.ErrMalformedProfile, "failed to parse PKCS#7 container: %w", err)
	}

	var p Profile
	if _, err := plist.Unmarshal(p7.Content, &p); err != nil {
		return nil, signerr.Ef(op, signerr.ErrMalformedProfile, "failed to parse profile plist: %w", err)
	}
	if p.ApplicationIdentifier() == "" {
		return nil, signerr.Ef(op, signerr.ErrMalformedProfile, "profile has no application-identifier entitlement")
	}
	p.Raw = append([]byte(nil), data...)
	return &p, nil
}

// TeamID returns the team identifier from the profile.
func (p *Profile) TeamID() string {
	if len(p.TeamIdentifier) > 0 {
		return p.TeamIdentifier[0]
	}
	if len(p.ApplicationIdentifierPrefix) > 0 {
		return p.ApplicationIdentifierPrefix[0]
	}
	return ""
}

// ApplicationIdentifier returns the application-identifier entitlement,
// e.g. "ABCDE12345.com.example.*".
func (p *Profile) ApplicationIdentifier() string {
	if appID, ok := p.Entitlements["application-identifier"].(string); ok {
		return appID
	}
	return ""
}

// BundleIDPattern is the application identifier without its team prefix.
func (p *Profile) BundleIDPattern() string {
	appID := p.ApplicationIdentifier()
	if team := p.TeamID(); team != "" && strings.HasPrefix(appID, team+".") {
		return strings.TrimPrefix(appID, team+".")
	}
	if i := strings.IndexByte(appID, '.'); i >= 0 {
		return appID[i+1:]
	}
	return appID
}

// IsWildcard reports whether the profile covers more than one bundle id.
func (p *Profile) IsWildcard() bool {
	return strings.HasSuffix(p.BundleIDPattern(), "*")
}

// MatchesBundleID reports whether bundleID is authorized by the profile.
// "*" matches anything, "com.example.*" is a prefix match and anything else
// must match exactly.
func (p *Profile) MatchesBundleID(bundleID string) bool {
	return matchPattern(p.BundleIDPattern(), bundleID)
}

func matchPattern(pattern, bundleID string) bool {
	if bundleID == "" {
		return false
	}
	switch {
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(bundleID, strings.TrimSuffix(pattern, "*"))
	default:
		return pattern == bundleID
	}
}

// IsExpired reports whether the profile has expired at now.
func (p *Profile) IsExpired(now time.Time) bool {
	return !now.Before(p.ExpirationDate)
}

// IsDeviceAllowed checks if a specific device UDID is allowed by this profile.
func (p *Profile) IsDeviceAllowed(udid string) bool {
	if p.ProvisionsAllDevices {
		return true
	}
	for _, device := range p.ProvisionedDevices {
		if strings.EqualFold(device, udid) {
			return true
		}
	}
	return false
}

// Certificates parses the developer certificates listed in the profile.
func (p *Profile) Certificates() ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for i, der := range p.DeveloperCertificates {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate %d: %w", i, err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// ContainsCertificate reports whether cert is listed in the profile,
// compared byte for byte.
func (p *Profile) ContainsCertificate(cert *x509.Certificate) bool {
	if cert == nil {
		return false
	}
	for _, der := range p.DeveloperCertificates {
		if bytes.Equal(der, cert.Raw) {
			return true
		}
	}
	return false
}

// EntitlementsCopy returns a shallow copy of the profile entitlements.
func (p *Profile) EntitlementsCopy() map[string]interface{} {
	out := make(map[string]interface{}, len(p.Entitlements))
	for k, v := range p.Entitlements {
		out[k] = v
	}
	return out
}
