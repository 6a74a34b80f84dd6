// Package identity holds signing identities and the crypto utilities that
// build and use them: PKCS#12 extraction, chain validation, revocation
// checks and CMS signatures over code directories.
package identity

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"math/big"
	"strings"
	"sync"
)

// CertType is the declared purpose of a signing certificate.
type CertType int

const (
	CertUnknown CertType = iota
	CertDevelopment
	CertDistribution
	CertEnterprise
)

func (t CertType) String() string {
	switch t {
	case CertDevelopment:
		return "Development"
	case CertDistribution:
		return "Distribution"
	case CertEnterprise:
		return "Enterprise"
	default:
		return "Unknown"
	}
}

// ClassifyCertificate derives the certificate type from its common name.
// Enterprise certificates carry a Distribution name; callers promote them
// once the profile shows it provisions all devices.
func ClassifyCertificate(cert *x509.Certificate) CertType {
	if cert == nil {
		return CertUnknown
	}
	cn := cert.Subject.CommonName
	switch {
	case strings.HasPrefix(cn, "iPhone Developer"),
		strings.HasPrefix(cn, "Apple Development"),
		strings.HasPrefix(cn, "iOS Development"):
		return CertDevelopment
	case strings.HasPrefix(cn, "iPhone Distribution"),
		strings.HasPrefix(cn, "Apple Distribution"):
		return CertDistribution
	}
	return CertUnknown
}

// TeamIDFromCertificate returns the 10 character team identifier Apple puts
// in the subject OU.
func TeamIDFromCertificate(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	for _, ou := range cert.Subject.OrganizationalUnit {
		if len(ou) == 10 {
			return ou
		}
	}
	return ""
}

// PrivateKey owns signing key material for the duration of one signing
// operation. Release zeroes it.
type PrivateKey struct {
	mu     sync.Mutex
	signer crypto.Signer
}

// NewPrivateKey wraps an RSA or ECDSA key.
func NewPrivateKey(k crypto.PrivateKey) (*PrivateKey, bool) {
	switch key := k.(type) {
	case *rsa.PrivateKey:
		return &PrivateKey{signer: key}, true
	case *ecdsa.PrivateKey:
		return &PrivateKey{signer: key}, true
	}
	return nil, false
}

// Signer returns the live key, or nil after Release.
func (k *PrivateKey) Signer() crypto.Signer {
	if k == nil {
		return nil
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.signer
}

// Public returns the public half, or nil after Release.
func (k *PrivateKey) Public() crypto.PublicKey {
	s := k.Signer()
	if s == nil {
		return nil
	}
	return s.Public()
}

// Matches reports whether the key pairs with cert's public key.
func (k *PrivateKey) Matches(cert *x509.Certificate) bool {
	s := k.Signer()
	if s == nil || cert == nil {
		return false
	}
	switch priv := s.(type) {
	case *rsa.PrivateKey:
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		return ok && priv.N.Cmp(pub.N) == 0 && priv.E == pub.E
	case *ecdsa.PrivateKey:
		pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
		return ok && priv.PublicKey.Equal(pub)
	}
	return false
}

// Release zeroes the secret components and drops the key. Safe to call more
// than once.
func (k *PrivateKey) Release() {
	if k == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	switch key := k.signer.(type) {
	case *rsa.PrivateKey:
		wipe(key.D)
		for _, p := range key.Primes {
			wipe(p)
		}
		wipe(key.Precomputed.Dp)
		wipe(key.Precomputed.Dq)
		wipe(key.Precomputed.Qinv)
		for _, crt := range key.Precomputed.CRTValues {
			wipe(crt.Exp)
			wipe(crt.Coeff)
			wipe(crt.R)
		}
	case *ecdsa.PrivateKey:
		wipe(key.D)
	}
	k.signer = nil
}

func wipe(x *big.Int) {
	if x == nil {
		return
	}
	words := x.Bits()
	for i := range words {
		words[i] = 0
	}
	x.SetInt64(0)
}

// Identity is a certificate paired with its private key.
type Identity struct {
	Certificate *x509.Certificate
	Key         *PrivateKey
	// Chain is the leaf followed by its issuers, as embedded in CMS
	// signatures.
	Chain  []*x509.Certificate
	TeamID string
	Type   CertType
}

// New builds an identity from a key and its certificate chain (leaf first).
// Apple's WWDR and root are appended when the chain stops at the leaf.
func New(key *PrivateKey, chain []*x509.Certificate) (*Identity, error) {
	if len(chain) == 0 {
		return nil, errNoCertificate
	}
	leaf := chain[0]
	full := append([]*x509.Certificate(nil), chain...)
	if len(full) == 1 {
		cas, err := AppleCAs()
		if err != nil {
			return nil, err
		}
		full = append(full, cas...)
	}
	return &Identity{
		Certificate: leaf,
		Key:         key,
		Chain:       full,
		TeamID:      TeamIDFromCertificate(leaf),
		Type:        ClassifyCertificate(leaf),
	}, nil
}

// Parents returns the chain above the leaf.
func (id *Identity) Parents() []*x509.Certificate {
	if len(id.Chain) < 2 {
		return nil
	}
	return id.Chain[1:]
}

// CommonName is the leaf subject CN, used in designated requirements.
func (id *Identity) CommonName() string {
	if id == nil || id.Certificate == nil {
		return ""
	}
	return id.Certificate.Subject.CommonName
}

// Release zeroes the private key.
func (id *Identity) Release() {
	if id != nil {
		id.Key.Release()
	}
}
