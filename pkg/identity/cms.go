package identity

import (
	"bytes"
	"crypto"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/asn1"
	"errors"
	"fmt"

	"go.mozilla.org/pkcs7"
	"howett.net/plist"
)

// Apple signed attributes carrying the code directory hashes.
var (
	oidCDHashesPlist = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 9, 1}
	oidCDHashes2     = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 9, 2}
	oidSHA256        = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
)

// CodeDirectory is a serialized code directory and the hash it was built
// with.
type CodeDirectory struct {
	Data []byte
	Hash crypto.Hash
}

// SignCodeDirectory produces a detached CMS signature over primary. The
// digest algorithm follows primary's hash. Every code directory, primary and
// alternates, is listed in the CDHashes attributes.
func SignCodeDirectory(primary CodeDirectory, alternates []CodeDirectory, id *Identity) ([]byte, error) {
	if id == nil || id.Certificate == nil {
		return nil, errNoCertificate
	}
	signer := id.Key.Signer()
	if signer == nil {
		return nil, errors.New("signing key has been released")
	}

	sd, err := pkcs7.NewSignedData(primary.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to create signed data: %w", err)
	}
	switch primary.Hash {
	case crypto.SHA1:
		sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA1)
	default:
		sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
	}

	attrs, err := cdHashesAttributes(append([]CodeDirectory{primary}, alternates...))
	if err != nil {
		return nil, fmt.Errorf("failed to build CDHashes attributes: %w", err)
	}

	cfg := pkcs7.SignerInfoConfig{ExtraSignedAttributes: attrs}
	if err := sd.AddSignerChain(id.Certificate, signer, id.Parents(), cfg); err != nil {
		return nil, fmt.Errorf("failed to add signer chain: %w", err)
	}
	sd.Detach()

	der, err := sd.Finish()
	if err != nil {
		return nil, fmt.Errorf("failed to finish signing: %w", err)
	}
	return detachedBER(der), nil
}

// cdHashesAttributes builds the plist attribute (every CD hash truncated to
// 20 bytes) and the ASN.1 attribute (full SHA-256 of the SHA-256 CD).
func cdHashesAttributes(cds []CodeDirectory) ([]pkcs7.Attribute, error) {
	var (
		truncated [][]byte
		full256   []byte
	)
	for _, cd := range cds {
		switch cd.Hash {
		case crypto.SHA1:
			h := sha1.Sum(cd.Data)
			truncated = append(truncated, h[:])
		default:
			h := sha256.Sum256(cd.Data)
			truncated = append(truncated, h[:20])
			if full256 == nil {
				full256 = h[:]
			}
		}
	}

	pl, err := plist.Marshal(map[string]interface{}{"cdhashes": truncated}, plist.XMLFormat)
	if err != nil {
		return nil, err
	}
	attrs := []pkcs7.Attribute{{Type: oidCDHashesPlist, Value: pl}}

	if full256 != nil {
		seq, err := asn1.Marshal(struct {
			Algorithm asn1.ObjectIdentifier
			Hash      []byte
		}{oidSHA256, full256})
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, pkcs7.Attribute{Type: oidCDHashes2, Value: asn1.RawValue{FullBytes: seq}})
	}
	return attrs, nil
}

var (
	derSignedDataOID = []byte{0x06, 0x09, 0x2a, 0x86, 0x48, 0x86, 0xf7, 0x0d, 0x01, 0x07, 0x02}
	derDataOID       = []byte{0x06, 0x09, 0x2a, 0x86, 0x48, 0x86, 0xf7, 0x0d, 0x01, 0x07, 0x01}
	derSHA256OID     = []byte{0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01}
)

// detachedBER re-encodes the outer ContentInfo, SignedData and
// encapContentInfo with indefinite lengths, the layout codesign emits and
// AMFI expects. A SHA-256 digest AlgorithmIdentifier gets its NULL parameter.
// Input it does not recognize is returned unchanged.
func detachedBER(der []byte) []byte {
	sdIdx := bytes.Index(der, derSignedDataOID)
	dataIdx := bytes.Index(der, derDataOID)
	if sdIdx < 0 || dataIdx < 0 {
		return der
	}

	encapStart := -1
	for i := dataIdx - 1; i >= 0 && i >= dataIdx-4; i-- {
		if der[i] == 0x30 {
			encapStart = i
			break
		}
	}
	if encapStart < 0 {
		return der
	}
	encapLen, n := asn1Length(der[encapStart+1:])
	if encapLen < 0 {
		return der
	}
	encapEnd := encapStart + 1 + n + encapLen

	ctx := sdIdx + len(derSignedDataOID)
	if ctx >= len(der) || der[ctx] != 0xa0 {
		return der
	}
	_, n = asn1Length(der[ctx+1:])
	sdStart := ctx + 1 + n
	if sdStart >= len(der) || der[sdStart] != 0x30 {
		return der
	}
	_, n = asn1Length(der[sdStart+1:])
	verStart := sdStart + 1 + n
	if der[verStart] != 0x02 {
		return der
	}
	verLen, n := asn1Length(der[verStart+1:])
	verEnd := verStart + 1 + n + verLen
	if der[verEnd] != 0x31 {
		return der
	}
	algLen, n := asn1Length(der[verEnd+1:])
	algs := der[verEnd : verEnd+1+n+algLen]
	if i := bytes.Index(algs, derSHA256OID); i >= 0 {
		j := i + len(derSHA256OID)
		if j+1 >= len(algs) || algs[j] != 0x05 || algs[j+1] != 0x00 {
			algs = append([]byte{0x31, 0x0f, 0x30, 0x0d}, derSHA256OID...)
			algs = append(algs, 0x05, 0x00)
		}
	}

	var b bytes.Buffer
	b.Write([]byte{0x30, 0x80})
	b.Write(derSignedDataOID)
	b.Write([]byte{0xa0, 0x80, 0x30, 0x80})
	b.Write(der[verStart:verEnd])
	b.Write(algs)
	b.Write([]byte{0x30, 0x80})
	b.Write(derDataOID)
	b.Write([]byte{0x00, 0x00})
	b.Write(der[encapEnd:])
	// SignedData, [0], ContentInfo
	b.Write([]byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
	return b.Bytes()
}

// asn1Length decodes a definite length. It returns -1 for indefinite or
// truncated input.
func asn1Length(data []byte) (length, consumed int) {
	if len(data) == 0 {
		return -1, 0
	}
	if data[0] < 0x80 {
		return int(data[0]), 1
	}
	if data[0] == 0x80 {
		return -1, 1
	}
	nb := int(data[0] & 0x7f)
	if nb > 4 || len(data) < 1+nb {
		return -1, 0
	}
	for i := 0; i < nb; i++ {
		length = length<<8 | int(data[1+i])
	}
	return length, 1 + nb
}
