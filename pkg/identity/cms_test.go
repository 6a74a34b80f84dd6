package identity

import (
	"crypto"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/asn1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mozilla.org/pkcs7"
	"howett.net/plist"

	"github.com/aluedeke/go-ipasign/internal/testpki"
)

func testIdentity(t *testing.T) (*Identity, *testpki.CA) {
	t.Helper()
	ca := testpki.NewCA(t)
	cert, key := ca.Leaf(t, testpki.LeafOptions{})
	id, err := ExtractIdentity(ca.P12(t, key, cert, "pw"), "pw")
	require.NoError(t, err)
	return id, ca
}

func TestSignCodeDirectoryVerifies(t *testing.T) {
	id, _ := testIdentity(t)
	cd := CodeDirectory{Data: []byte("\xfa\xde\x0c\x02 pretend code directory"), Hash: crypto.SHA256}

	der, err := SignCodeDirectory(cd, nil, id)
	require.NoError(t, err)

	p7, err := pkcs7.Parse(der)
	require.NoError(t, err)
	assert.Empty(t, p7.Content, "signature must be detached")
	require.Len(t, p7.Certificates, 3)

	p7.Content = cd.Data
	assert.NoError(t, p7.Verify())

	p7.Content = []byte("tampered")
	assert.Error(t, p7.Verify())
}

func TestSignCodeDirectoryCDHashes(t *testing.T) {
	id, _ := testIdentity(t)
	legacy := CodeDirectory{Data: []byte("sha1 cd"), Hash: crypto.SHA1}
	modern := CodeDirectory{Data: []byte("sha256 cd"), Hash: crypto.SHA256}

	der, err := SignCodeDirectory(legacy, []CodeDirectory{modern}, id)
	require.NoError(t, err)
	p7, err := pkcs7.Parse(der)
	require.NoError(t, err)

	var raw []byte
	require.NoError(t, p7.UnmarshalSignedAttribute(oidCDHashesPlist, &raw))
	var pl struct {
		CDHashes [][]byte `plist:"cdhashes"`
	}
	_, err = plist.Unmarshal(raw, &pl)
	require.NoError(t, err)

	h1 := sha1.Sum(legacy.Data)
	h2 := sha256.Sum256(modern.Data)
	require.Len(t, pl.CDHashes, 2)
	assert.Equal(t, h1[:], pl.CDHashes[0])
	assert.Equal(t, h2[:20], pl.CDHashes[1])

	var seq struct {
		Algorithm asn1.ObjectIdentifier
		Hash      []byte
	}
	require.NoError(t, p7.UnmarshalSignedAttribute(oidCDHashes2, &seq))
	assert.True(t, seq.Algorithm.Equal(oidSHA256))
	assert.Equal(t, h2[:], seq.Hash)

	p7.Content = legacy.Data
	assert.NoError(t, p7.Verify())
}

func TestSignCodeDirectoryAfterRelease(t *testing.T) {
	id, _ := testIdentity(t)
	id.Release()
	_, err := SignCodeDirectory(CodeDirectory{Data: []byte("x"), Hash: crypto.SHA256}, nil, id)
	assert.Error(t, err)
}

func TestNewDevelopmentCSR(t *testing.T) {
	key, csrPEM, err := NewDevelopmentCSR()
	require.NoError(t, err)
	defer key.Release()
	assert.Contains(t, string(csrPEM), "BEGIN CERTIFICATE REQUEST")
}

func TestSignCodeDirectoryIndefiniteLength(t *testing.T) {
	id, _ := testIdentity(t)
	cd := CodeDirectory{Data: []byte("cd"), Hash: crypto.SHA256}

	der, err := SignCodeDirectory(cd, nil, id)
	require.NoError(t, err)
	require.Equal(t, []byte{0x30, 0x80}, der[:2])
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0}, der[len(der)-6:])

	// The digest AlgorithmIdentifier carries an explicit NULL.
	assert.Contains(t, string(der), string(append(append([]byte{}, derSHA256OID...), 0x05, 0x00)))
}
