// Package testpki builds throwaway certificate authorities, signing
// identities, provisioning profiles, Mach-O binaries and archives for tests.
package testpki

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"math/big"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"
	"go.mozilla.org/pkcs7"
	"howett.net/plist"
	gop12 "software.sslmate.com/src/go-pkcs12"
)

// TeamID is the team identifier carried by leaves issued by a CA.
const TeamID = "ABCDE12345"

// CA is a root plus one intermediate.
type CA struct {
	Root         *x509.Certificate
	RootKey      *rsa.PrivateKey
	Intermediate *x509.Certificate
	InterKey     *rsa.PrivateKey
}

var serial int64 = 100

func nextSerial() *big.Int {
	serial++
	return big.NewInt(serial)
}

func genKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return k
}

func mustCert(t testing.TB, tmpl, parent *x509.Certificate, pub, signer interface{}) *x509.Certificate {
	t.Helper()
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, signer)
	require.NoError(t, err)
	c, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return c
}

// NewCA creates a fresh root and intermediate valid for ten years.
func NewCA(t testing.TB) *CA {
	t.Helper()
	now := time.Now()

	rootKey := genKey(t)
	rootTmpl := &x509.Certificate{
		SerialNumber:          nextSerial(),
		Subject:               pkix.Name{CommonName: "Test Root CA", Organization: []string{"Test"}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	root := mustCert(t, rootTmpl, rootTmpl, &rootKey.PublicKey, rootKey)

	interKey := genKey(t)
	interTmpl := &x509.Certificate{
		SerialNumber:          nextSerial(),
		Subject:               pkix.Name{CommonName: "Test WWDR", Organization: []string{"Test"}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	inter := mustCert(t, interTmpl, root, &interKey.PublicKey, rootKey)

	return &CA{Root: root, RootKey: rootKey, Intermediate: inter, InterKey: interKey}
}

// Pool returns a pool holding the root only.
func (ca *CA) Pool() *x509.CertPool {
	p := x509.NewCertPool()
	p.AddCert(ca.Root)
	return p
}

// LeafOptions shapes a leaf certificate.
type LeafOptions struct {
	CommonName string
	TeamID     string
	NotBefore  time.Time
	NotAfter   time.Time
	OCSPServer string
}

// Leaf issues a code signing certificate from the intermediate.
func (ca *CA) Leaf(t testing.TB, opts LeafOptions) (*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()
	if opts.CommonName == "" {
		opts.CommonName = "Apple Distribution: Test (" + TeamID + ")"
	}
	if opts.TeamID == "" {
		opts.TeamID = TeamID
	}
	if opts.NotBefore.IsZero() {
		opts.NotBefore = time.Now().Add(-time.Hour)
	}
	if opts.NotAfter.IsZero() {
		opts.NotAfter = time.Now().AddDate(1, 0, 0)
	}

	key := genKey(t)
	tmpl := &x509.Certificate{
		SerialNumber: nextSerial(),
		Subject: pkix.Name{
			CommonName:         opts.CommonName,
			OrganizationalUnit: []string{opts.TeamID},
			Organization:       []string{"Test"},
			Country:            []string{"US"},
		},
		NotBefore:   opts.NotBefore,
		NotAfter:    opts.NotAfter,
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
	}
	if opts.OCSPServer != "" {
		tmpl.OCSPServer = []string{opts.OCSPServer}
	}
	return mustCert(t, tmpl, ca.Intermediate, &key.PublicKey, ca.InterKey), key
}

// P12 encodes key and cert with the CA chain.
func (ca *CA) P12(t testing.TB, key *rsa.PrivateKey, cert *x509.Certificate, password string) []byte {
	t.Helper()
	data, err := gop12.Modern.Encode(key, cert, []*x509.Certificate{ca.Intermediate, ca.Root}, password)
	require.NoError(t, err)
	return data
}

// ProfileOptions shapes a provisioning profile.
type ProfileOptions struct {
	Name         string
	TeamID       string
	AppID        string // application-identifier without team prefix, e.g. "com.example.*"
	Certificates []*x509.Certificate
	Devices      []string
	AllDevices   bool
	Created      time.Time
	Expires      time.Time
	Entitlements map[string]interface{}
	SignerCert   *x509.Certificate
	SignerKey    *rsa.PrivateKey
}

// Profile builds a CMS-signed .mobileprovision.
func Profile(t testing.TB, opts ProfileOptions) []byte {
	t.Helper()
	if opts.TeamID == "" {
		opts.TeamID = TeamID
	}
	if opts.AppID == "" {
		opts.AppID = "*"
	}
	if opts.Name == "" {
		opts.Name = "Test Profile"
	}
	if opts.Created.IsZero() {
		opts.Created = time.Now().Add(-time.Hour)
	}
	if opts.Expires.IsZero() {
		opts.Expires = time.Now().AddDate(0, 6, 0)
	}

	ents := map[string]interface{}{
		"application-identifier":              opts.TeamID + "." + opts.AppID,
		"com.apple.developer.team-identifier": opts.TeamID,
		"get-task-allow":                      false,
		"keychain-access-groups":              []interface{}{opts.TeamID + ".*"},
	}
	for k, v := range opts.Entitlements {
		ents[k] = v
	}

	var certs [][]byte
	for _, c := range opts.Certificates {
		certs = append(certs, c.Raw)
	}

	body := map[string]interface{}{
		"Name":                        opts.Name,
		"AppIDName":                   "Test App",
		"TeamName":                    "Test Team",
		"TeamIdentifier":              []string{opts.TeamID},
		"ApplicationIdentifierPrefix": []string{opts.TeamID},
		"Entitlements":                ents,
		"DeveloperCertificates":       certs,
		"CreationDate":                opts.Created.UTC(),
		"ExpirationDate":              opts.Expires.UTC(),
		"UUID":                        "00000000-1111-2222-3333-444444444444",
		"Platform":                    []string{"iOS"},
		"Version":                     1,
	}
	if opts.AllDevices {
		body["ProvisionsAllDevices"] = true
	}
	if len(opts.Devices) > 0 {
		body["ProvisionedDevices"] = opts.Devices
	}

	content, err := plist.Marshal(body, plist.XMLFormat)
	require.NoError(t, err)

	signerCert, signerKey := opts.SignerCert, opts.SignerKey
	if signerCert == nil {
		ca := NewCA(t)
		signerCert, signerKey = ca.Leaf(t, LeafOptions{CommonName: "Profile Signer"})
	}

	sd, err := pkcs7.NewSignedData(content)
	require.NoError(t, err)
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
	require.NoError(t, sd.AddSigner(signerCert, signerKey, pkcs7.SignerInfoConfig{}))
	der, err := sd.Finish()
	require.NoError(t, err)
	return der
}

// Mach-O constants used by MachO.
const (
	mhMagic64     = 0xfeedfacf
	cpuTypeARM64  = 0x0100000c
	mhExecute     = 0x2
	lcSegment64   = 0x19
	segCmdSize    = 72
	headerSize    = 32
	textSegFileSz = 0x4000
)

// MachO builds a minimal unsigned arm64 executable of roughly size bytes
// with __TEXT and __LINKEDIT segments and room for one more load command.
func MachO(size int) []byte {
	if size < textSegFileSz+64 {
		size = textSegFileSz + 64
	}
	buf := make([]byte, size)
	le := binary.LittleEndian

	le.PutUint32(buf[0:], mhMagic64)
	le.PutUint32(buf[4:], cpuTypeARM64)
	le.PutUint32(buf[8:], 0)
	le.PutUint32(buf[12:], mhExecute)
	le.PutUint32(buf[16:], 2)
	le.PutUint32(buf[20:], 2*segCmdSize)
	le.PutUint32(buf[24:], 0)

	off := headerSize
	putSeg := func(name string, vmaddr, vmsize, fileoff, filesize uint64, prot uint32) {
		le.PutUint32(buf[off:], lcSegment64)
		le.PutUint32(buf[off+4:], segCmdSize)
		copy(buf[off+8:off+24], name)
		le.PutUint64(buf[off+24:], vmaddr)
		le.PutUint64(buf[off+32:], vmsize)
		le.PutUint64(buf[off+40:], fileoff)
		le.PutUint64(buf[off+48:], filesize)
		le.PutUint32(buf[off+56:], prot)
		le.PutUint32(buf[off+60:], prot)
		le.PutUint32(buf[off+64:], 0)
		le.PutUint32(buf[off+68:], 0)
		off += segCmdSize
	}
	linkSize := uint64(size - textSegFileSz)
	putSeg("__TEXT", 0x100000000, textSegFileSz, 0, textSegFileSz, 5)
	putSeg("__LINKEDIT", 0x100000000+textSegFileSz, (linkSize+0x3fff)&^0x3fff, textSegFileSz, linkSize, 1)

	for i := textSegFileSz; i < size; i++ {
		buf[i] = byte(i * 7)
	}
	return buf
}

// File is one entry in a test archive.
type File struct {
	Name   string
	Data   []byte
	Mode   uint32
	Stored bool
}

// InfoPlist renders a minimal bundle Info.plist.
func InfoPlist(t testing.TB, bundleID, executable string) []byte {
	t.Helper()
	data, err := plist.Marshal(map[string]interface{}{
		"CFBundleIdentifier":  bundleID,
		"CFBundleExecutable":  executable,
		"CFBundleName":        executable,
		"CFBundleVersion":     "1",
		"CFBundlePackageType": "APPL",
	}, plist.XMLFormat)
	require.NoError(t, err)
	return data
}

// Zip writes files in order.
func Zip(t testing.TB, files []File) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, f := range files {
		hdr := &zip.FileHeader{Name: f.Name, Method: zip.Deflate}
		if f.Stored {
			hdr.Method = zip.Store
		}
		mode := f.Mode
		if mode == 0 {
			mode = 0o644
		}
		hdr.SetMode(fsMode(mode))
		fw, err := w.CreateHeader(hdr)
		require.NoError(t, err)
		_, err = fw.Write(f.Data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// App returns the files of a simple Payload/<name>.app archive with an
// executable, a resource and an embedded framework.
func App(t testing.TB, name, bundleID string) []File {
	t.Helper()
	app := "Payload/" + name + ".app/"
	fw := app + "Frameworks/Kit.framework/"
	files := []File{
		{Name: "Payload/", Mode: 0o755 | dirBit},
		{Name: app, Mode: 0o755 | dirBit},
		{Name: app + "Info.plist", Data: InfoPlist(t, bundleID, name)},
		{Name: app + name, Data: MachO(3*4096 + 123), Mode: 0o755},
		{Name: app + "Assets.car", Data: bytes.Repeat([]byte("asset"), 300)},
		{Name: app + "en.lproj/Localizable.strings", Data: []byte(`"hi" = "hi";`)},
		{Name: fw + "Info.plist", Data: InfoPlist(t, bundleID+".kit", "Kit")},
		{Name: fw + "Kit", Data: MachO(2*4096 + 9), Mode: 0o755},
	}
	return files
}
