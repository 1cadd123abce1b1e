package credentials

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"math/big"
	"math/bits"
	"time"
)

// MatterToX509 re-encodes a Matter TLV Certificate as DER-encoded X.509.
func MatterToX509(cert *Certificate) ([]byte, error) {
	tbs, err := buildTBSCertificate(cert)
	if err != nil {
		return nil, err
	}

	sigASN1, err := convertRawSignatureToASN1(cert.Signature)
	if err != nil {
		return nil, err
	}

	x509Cert := x509Certificate{
		TBSCertificate:     tbs,
		SignatureAlgorithm: getSignatureAlgoIdentifier(cert.SigAlgo),
		SignatureValue:     asn1.BitString{Bytes: sigASN1, BitLength: len(sigASN1) * 8},
	}

	der, err := asn1.Marshal(x509Cert)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrX509EncodeFailed, err)
	}

	return der, nil
}

// MatterToX509PEM is MatterToX509 wrapped in a "CERTIFICATE" PEM block.
func MatterToX509PEM(cert *Certificate) ([]byte, error) {
	der, err := MatterToX509(cert)
	if err != nil {
		return nil, err
	}

	block := &pem.Block{
		Type:  "CERTIFICATE",
		Bytes: der,
	}

	return pem.EncodeToMemory(block), nil
}

// x509Certificate mirrors the outermost ASN.1 SEQUENCE of an X.509 certificate.
type x509Certificate struct {
	TBSCertificate     tbsCertificate
	SignatureAlgorithm pkix.AlgorithmIdentifier
	SignatureValue     asn1.BitString
}

// tbsCertificate mirrors the ASN.1 TBSCertificate SEQUENCE.
type tbsCertificate struct {
	Version            int `asn1:"optional,explicit,default:0,tag:0"`
	SerialNumber       *big.Int
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Issuer             asn1.RawValue
	Validity           validity
	Subject            asn1.RawValue
	PublicKeyInfo      publicKeyInfo
	Extensions         []pkix.Extension `asn1:"optional,explicit,tag:3"`
}

type validity struct {
	NotBefore time.Time
	NotAfter  time.Time
}

// publicKeyInfo mirrors the ASN.1 SubjectPublicKeyInfo SEQUENCE.
type publicKeyInfo struct {
	Algorithm pkix.AlgorithmIdentifier
	PublicKey asn1.BitString
}

// buildTBSCertificate assembles the to-be-signed portion of the
// certificate field by field from its Matter source.
func buildTBSCertificate(cert *Certificate) (tbsCertificate, error) {
	tbs := tbsCertificate{
		Version:            2, // X.509 v3
		SerialNumber:       new(big.Int).SetBytes(cert.SerialNum),
		SignatureAlgorithm: getSignatureAlgoIdentifier(cert.SigAlgo),
	}

	issuerDN, err := buildX509DN(cert.Issuer)
	if err != nil {
		return tbs, fmt.Errorf("issuer: %w", err)
	}
	issuerRaw, err := asn1.Marshal(issuerDN)
	if err != nil {
		return tbs, fmt.Errorf("issuer marshal: %w", err)
	}
	tbs.Issuer = asn1.RawValue{FullBytes: issuerRaw}

	tbs.Validity = validity{
		NotBefore: matterEpochToTime(cert.NotBefore),
		NotAfter:  matterEpochToTime(cert.NotAfter),
	}

	subjectDN, err := buildX509DN(cert.Subject)
	if err != nil {
		return tbs, fmt.Errorf("subject: %w", err)
	}
	subjectRaw, err := asn1.Marshal(subjectDN)
	if err != nil {
		return tbs, fmt.Errorf("subject marshal: %w", err)
	}
	tbs.Subject = asn1.RawValue{FullBytes: subjectRaw}

	tbs.PublicKeyInfo = publicKeyInfo{
		Algorithm: pkix.AlgorithmIdentifier{
			Algorithm:  OIDPublicKeyECDSA,
			Parameters: asn1.RawValue{FullBytes: mustMarshal(OIDNamedCurvePrime256v1)},
		},
		PublicKey: asn1.BitString{Bytes: cert.ECPubKey, BitLength: len(cert.ECPubKey) * 8},
	}

	exts, err := buildX509Extensions(cert)
	if err != nil {
		return tbs, err
	}
	tbs.Extensions = exts

	return tbs, nil
}

// buildX509DN converts a Matter DistinguishedName back to the X.509 RDN
// sequence it was derived from.
func buildX509DN(dn DistinguishedName) ([]pkix.RelativeDistinguishedNameSET, error) {
	var rdns []pkix.RelativeDistinguishedNameSET

	for _, attr := range dn {
		var atv pkix.AttributeTypeAndValue

		baseTag := attr.BaseTag()
		oid := TagToOID(baseTag)
		if oid == nil {
			return nil, fmt.Errorf("%w: unknown tag %d", ErrUnsupportedOID, attr.Tag)
		}
		atv.Type = oid

		if attr.IsMatterSpecific() {
			byteLen := attr.MatterSpecificByteLength()
			atv.Value = MatterSpecificToHexString(attr.Uint64Value(), byteLen)
		} else {
			atv.Value = attr.StringValue()
		}

		rdns = append(rdns, pkix.RelativeDistinguishedNameSET{atv})
	}

	return rdns, nil
}

// buildX509Extensions rebuilds the X.509 extensions list from whichever
// Matter extension fields are populated; unset fields are simply omitted.
func buildX509Extensions(cert *Certificate) ([]pkix.Extension, error) {
	var exts []pkix.Extension

	if cert.Extensions.BasicConstraints != nil {
		bc := cert.Extensions.BasicConstraints
		var bcValue struct {
			IsCA       bool `asn1:"optional"`
			MaxPathLen int  `asn1:"optional,default:-1"`
		}
		bcValue.IsCA = bc.IsCA
		if bc.PathLenConstraint != nil {
			bcValue.MaxPathLen = int(*bc.PathLenConstraint)
		} else {
			bcValue.MaxPathLen = -1
		}

		value, err := asn1.Marshal(bcValue)
		if err != nil {
			return nil, fmt.Errorf("basic constraints: %w", err)
		}

		exts = append(exts, pkix.Extension{
			Id:       OIDExtensionBasicConstraints,
			Critical: true,
			Value:    value,
		})
	}

	if cert.Extensions.KeyUsage != nil {
		ku := cert.Extensions.KeyUsage.Usage
		bits := keyUsageToBitString(ku)
		value, err := asn1.Marshal(bits)
		if err != nil {
			return nil, fmt.Errorf("key usage: %w", err)
		}

		exts = append(exts, pkix.Extension{
			Id:       OIDExtensionKeyUsage,
			Critical: true,
			Value:    value,
		})
	}

	if cert.Extensions.ExtendedKeyUsage != nil {
		var oids []asn1.ObjectIdentifier
		for _, kp := range cert.Extensions.ExtendedKeyUsage.KeyPurposes {
			oid := KeyPurposeToOID(kp)
			if oid != nil {
				oids = append(oids, oid)
			}
		}

		value, err := asn1.Marshal(oids)
		if err != nil {
			return nil, fmt.Errorf("extended key usage: %w", err)
		}

		exts = append(exts, pkix.Extension{
			Id:       OIDExtensionExtKeyUsage,
			Critical: true,
			Value:    value,
		})
	}

	if cert.Extensions.SubjectKeyID != nil {
		value, err := asn1.Marshal(cert.Extensions.SubjectKeyID.KeyID[:])
		if err != nil {
			return nil, fmt.Errorf("subject key ID: %w", err)
		}

		exts = append(exts, pkix.Extension{
			Id:       OIDExtensionSubjectKeyID,
			Critical: false,
			Value:    value,
		})
	}

	if cert.Extensions.AuthorityKeyID != nil {
		aki := struct {
			KeyIdentifier []byte `asn1:"optional,tag:0"`
		}{
			KeyIdentifier: cert.Extensions.AuthorityKeyID.KeyID[:],
		}

		value, err := asn1.Marshal(aki)
		if err != nil {
			return nil, fmt.Errorf("authority key ID: %w", err)
		}

		exts = append(exts, pkix.Extension{
			Id:       OIDExtensionAuthorityKeyID,
			Critical: false,
			Value:    value,
		})
	}

	// FutureExtensions keeps the raw TLV bytes on decode but can't be
	// re-emitted as an X.509 extension here: FutureExtensionExt has no OID
	// field to reconstruct pkix.Extension.Id from.

	return exts, nil
}

// getSignatureAlgoIdentifier maps a Matter signature algorithm enum to its
// X.509 AlgorithmIdentifier.
func getSignatureAlgoIdentifier(algo SignatureAlgo) pkix.AlgorithmIdentifier {
	switch algo {
	case SignatureAlgoECDSASHA256:
		return pkix.AlgorithmIdentifier{Algorithm: OIDSignatureECDSAWithSHA256}
	default:
		return pkix.AlgorithmIdentifier{}
	}
}

// convertRawSignatureToASN1 packs a raw r||s signature into an ASN.1
// SEQUENCE{r, s} DER encoding.
func convertRawSignatureToASN1(raw []byte) ([]byte, error) {
	if len(raw) != SignatureSize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSignature, SignatureSize, len(raw))
	}

	r := new(big.Int).SetBytes(raw[:32])
	s := new(big.Int).SetBytes(raw[32:])

	return asn1.Marshal(struct{ R, S *big.Int }{r, s})
}

// matterEpochToTime converts Matter epoch seconds to a time.Time, mapping
// the reserved value 0 to the RFC 5280 "no well-defined expiration" sentinel.
func matterEpochToTime(epochSecs uint32) time.Time {
	if epochSecs == 0 {
		return time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)
	}
	return MatterEpochStart.Add(time.Duration(epochSecs) * time.Second)
}

// keyUsageToBitString packs a Matter KeyUsage back into the ASN.1 BIT
// STRING encoding, using keyUsageBits (shared with the decode side) to
// place each flag in its defined bit position and trimming to the
// minimum number of bytes/bits DER requires.
func keyUsageToBitString(ku KeyUsage) asn1.BitString {
	var bits uint16
	for i, flag := range keyUsageBits {
		if ku&flag != 0 {
			bits |= 0x8000 >> uint(i)
		}
	}

	var bytes []byte
	var bitLen int
	switch {
	case bits&0x00FF != 0:
		bytes = []byte{byte(bits >> 8), byte(bits)}
		bitLen = 16 - trailingZeroBits(bits)
	case bits != 0:
		bytes = []byte{byte(bits >> 8)}
		bitLen = 8 - trailingZeroBits(bits>>8)
	default:
		bytes = []byte{0}
		bitLen = 0
	}

	return asn1.BitString{Bytes: bytes, BitLength: bitLen}
}

func trailingZeroBits(v uint16) int {
	return bits.TrailingZeros16(v)
}

// mustMarshal marshals v, panicking on error. Only used for constant OID
// values known to marshal successfully.
func mustMarshal(v interface{}) []byte {
	b, err := asn1.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
