package credentials

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"
)

// X509ToMatter decodes a DER-encoded X.509 certificate and re-encodes it
// as a Matter TLV Certificate.
func X509ToMatter(der []byte) (*Certificate, error) {
	x509Cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrX509ParseFailed, err)
	}

	return x509CertToMatter(x509Cert)
}

// X509PEMToMatter is X509ToMatter for a PEM-wrapped "CERTIFICATE" block.
func X509PEMToMatter(pemData []byte) (*Certificate, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrX509ParseFailed)
	}
	if block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%w: expected CERTIFICATE, got %s", ErrX509ParseFailed, block.Type)
	}
	return X509ToMatter(block.Bytes)
}

// x509CertToMatter walks a parsed X.509 certificate field by field,
// converting each into its Matter TLV counterpart.
func x509CertToMatter(x509Cert *x509.Certificate) (*Certificate, error) {
	cert := &Certificate{}

	cert.SerialNum = x509Cert.SerialNumber.Bytes()
	if len(cert.SerialNum) > MaxSerialNumSize {
		return nil, ErrInvalidSerialNumber
	}

	sigAlgo, err := convertSignatureAlgo(x509Cert.SignatureAlgorithm)
	if err != nil {
		return nil, err
	}
	cert.SigAlgo = sigAlgo

	issuer, err := convertDN(x509Cert.Issuer)
	if err != nil {
		return nil, fmt.Errorf("issuer: %w", err)
	}
	cert.Issuer = issuer

	cert.NotBefore = timeToMatterEpoch(x509Cert.NotBefore)
	cert.NotAfter = timeToMatterEpoch(x509Cert.NotAfter)

	subject, err := convertDN(x509Cert.Subject)
	if err != nil {
		return nil, fmt.Errorf("subject: %w", err)
	}
	cert.Subject = subject

	pubKeyAlgo, curveID, err := convertPublicKeyAlgo(x509Cert)
	if err != nil {
		return nil, err
	}
	cert.PubKeyAlgo = pubKeyAlgo
	cert.ECCurveID = curveID

	pubKey, err := extractPublicKey(x509Cert)
	if err != nil {
		return nil, err
	}
	cert.ECPubKey = pubKey

	extensions, err := convertExtensions(x509Cert)
	if err != nil {
		return nil, err
	}
	cert.Extensions = extensions

	sig, err := convertSignatureToRaw(x509Cert.Signature)
	if err != nil {
		return nil, err
	}
	cert.Signature = sig

	return cert, nil
}

// convertSignatureAlgo maps an X.509 signature algorithm to its Matter enum,
// rejecting anything but ECDSA-with-SHA256 (the only one Matter specifies).
func convertSignatureAlgo(algo x509.SignatureAlgorithm) (SignatureAlgo, error) {
	switch algo {
	case x509.ECDSAWithSHA256:
		return SignatureAlgoECDSASHA256, nil
	default:
		return SignatureAlgoUnknown, fmt.Errorf("%w: %v", ErrInvalidSignatureAlgo, algo)
	}
}

// convertPublicKeyAlgo maps the certificate's public key algorithm to its
// Matter enum and curve ID. Matter certificates only ever carry EC/P-256
// keys, so ECDSA is the only algorithm accepted here.
func convertPublicKeyAlgo(x509Cert *x509.Certificate) (PublicKeyAlgo, EllipticCurveID, error) {
	switch x509Cert.PublicKeyAlgorithm {
	case x509.ECDSA:
		return PublicKeyAlgoEC, EllipticCurvePrime256v1, nil
	default:
		return PublicKeyAlgoUnknown, EllipticCurveUnknown,
			fmt.Errorf("%w: %v", ErrInvalidPublicKeyAlgo, x509Cert.PublicKeyAlgorithm)
	}
}

// extractPublicKey pulls the raw uncompressed P-256 point (65 bytes,
// leading 0x04) out of the certificate's SubjectPublicKeyInfo.
func extractPublicKey(x509Cert *x509.Certificate) ([]byte, error) {
	var spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(x509Cert.RawSubjectPublicKeyInfo, &spki); err != nil {
		return nil, fmt.Errorf("%w: failed to parse public key info: %v", ErrInvalidPublicKey, err)
	}

	pubKey := spki.PublicKey.Bytes
	if len(pubKey) != PublicKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidPublicKey, PublicKeySize, len(pubKey))
	}
	if pubKey[0] != 0x04 {
		return nil, fmt.Errorf("%w: expected uncompressed format (0x04)", ErrInvalidPublicKey)
	}

	return pubKey, nil
}

// convertDN converts every RDN in an X.509 name, in order, to a Matter
// DNAttribute list.
func convertDN(name pkix.Name) (DistinguishedName, error) {
	var dn DistinguishedName

	for _, rdn := range name.Names {
		attr, err := convertRDN(rdn)
		if err != nil {
			return nil, err
		}
		dn = append(dn, attr)
	}

	return dn, nil
}

// convertRDN converts one X.509 attribute/value pair to a Matter
// DNAttribute: Matter-specific attributes decode their hex-string value
// into a uint64, everything else carries through as a string.
func convertRDN(rdn pkix.AttributeTypeAndValue) (DNAttribute, error) {
	oid := rdn.Type
	tag := OIDToTag(oid)

	if tag == 0 {
		return DNAttribute{}, fmt.Errorf("%w: %v", ErrUnsupportedOID, oid)
	}

	if IsMatterSpecificTag(tag) {
		strVal, ok := rdn.Value.(string)
		if !ok {
			return DNAttribute{}, fmt.Errorf("%w: matter-specific attribute must be string", ErrInvalidDN)
		}

		u64, err := HexStringToMatterSpecific(strVal)
		if err != nil {
			return DNAttribute{}, fmt.Errorf("%w: %v", ErrInvalidDN, err)
		}

		return NewDNUint64(tag, u64), nil
	}

	strVal, ok := rdn.Value.(string)
	if !ok {
		return DNAttribute{}, fmt.Errorf("%w: DN attribute must be string", ErrInvalidDN)
	}

	// encoding/pkix loses whether the source was PrintableString or
	// UTF8String; re-encoding always picks UTF8String.
	return NewDNString(tag, strVal), nil
}

// convertExtensions walks the certificate's extensions in order, routing
// each recognized OID to its parser and stashing anything else as a
// future extension (its value bytes only; the OID is not kept).
// MatterToX509 does not re-emit future extensions, so an X.509 -> Matter ->
// X.509 round trip drops them.
func convertExtensions(x509Cert *x509.Certificate) (Extensions, error) {
	var ext Extensions

	for _, x509Ext := range x509Cert.Extensions {
		switch {
		case x509Ext.Id.Equal(OIDExtensionBasicConstraints):
			bc, err := parseBasicConstraints(x509Ext.Value)
			if err != nil {
				return ext, err
			}
			ext.BasicConstraints = bc

		case x509Ext.Id.Equal(OIDExtensionKeyUsage):
			ku, err := parseKeyUsage(x509Ext.Value)
			if err != nil {
				return ext, err
			}
			ext.KeyUsage = ku

		case x509Ext.Id.Equal(OIDExtensionExtKeyUsage):
			eku, err := parseExtKeyUsage(x509Ext.Value)
			if err != nil {
				return ext, err
			}
			ext.ExtendedKeyUsage = eku

		case x509Ext.Id.Equal(OIDExtensionSubjectKeyID):
			ski, err := parseSubjectKeyID(x509Ext.Value)
			if err != nil {
				return ext, err
			}
			ext.SubjectKeyID = ski

		case x509Ext.Id.Equal(OIDExtensionAuthorityKeyID):
			aki, err := parseAuthorityKeyID(x509Ext.Value)
			if err != nil {
				return ext, err
			}
			ext.AuthorityKeyID = aki

		default:
			ext.FutureExtensions = append(ext.FutureExtensions, FutureExtensionExt{
				Data: x509Ext.Value,
			})
		}
	}

	return ext, nil
}

// parseBasicConstraints decodes a BasicConstraints extension's DER value.
func parseBasicConstraints(value []byte) (*BasicConstraints, error) {
	var bc struct {
		IsCA       bool `asn1:"optional"`
		MaxPathLen int  `asn1:"optional,default:-1"`
	}

	if _, err := asn1.Unmarshal(value, &bc); err != nil {
		return nil, fmt.Errorf("%w: basic constraints: %v", ErrInvalidExtension, err)
	}

	result := &BasicConstraints{
		IsCA: bc.IsCA,
	}

	if bc.MaxPathLen >= 0 {
		pl := uint8(bc.MaxPathLen)
		result.PathLenConstraint = &pl
	}

	return result, nil
}

// keyUsageBits maps each ASN.1 KeyUsage bit position to its Matter flag,
// in the order the X.509 KeyUsage BIT STRING defines them.
var keyUsageBits = [...]KeyUsage{
	KeyUsageDigitalSignature,
	KeyUsageNonRepudiation,
	KeyUsageKeyEncipherment,
	KeyUsageDataEncipherment,
	KeyUsageKeyAgreement,
	KeyUsageKeyCertSign,
	KeyUsageCRLSign,
	KeyUsageEncipherOnly,
	KeyUsageDecipherOnly,
}

// parseKeyUsage decodes a KeyUsage extension's DER bit string into the
// OR of whichever Matter flags are set.
func parseKeyUsage(value []byte) (*KeyUsageExt, error) {
	var bits asn1.BitString
	if _, err := asn1.Unmarshal(value, &bits); err != nil {
		return nil, fmt.Errorf("%w: key usage: %v", ErrInvalidExtension, err)
	}

	var usage KeyUsage
	for i, flag := range keyUsageBits {
		if bits.At(i) != 0 {
			usage |= flag
		}
	}

	return &KeyUsageExt{Usage: usage}, nil
}

// parseExtKeyUsage decodes an ExtendedKeyUsage extension's OID list into
// Matter key purpose IDs, rejecting any OID Matter doesn't define.
func parseExtKeyUsage(value []byte) (*ExtendedKeyUsageExt, error) {
	var oids []asn1.ObjectIdentifier
	if _, err := asn1.Unmarshal(value, &oids); err != nil {
		return nil, fmt.Errorf("%w: extended key usage: %v", ErrInvalidExtension, err)
	}

	var purposes []KeyPurposeID
	for _, oid := range oids {
		kp := OIDToKeyPurpose(oid)
		if kp == KeyPurposeUnknown {
			return nil, fmt.Errorf("%w: unknown key purpose OID: %v", ErrInvalidExtension, oid)
		}
		purposes = append(purposes, kp)
	}

	return &ExtendedKeyUsageExt{KeyPurposes: purposes}, nil
}

// parseSubjectKeyID decodes a SubjectKeyIdentifier extension, requiring
// the 20-byte SHA-1 key ID Matter certificates always carry.
func parseSubjectKeyID(value []byte) (*SubjectKeyIDExt, error) {
	var keyID []byte
	if _, err := asn1.Unmarshal(value, &keyID); err != nil {
		return nil, fmt.Errorf("%w: subject key ID: %v", ErrInvalidExtension, err)
	}

	if len(keyID) != 20 {
		return nil, fmt.Errorf("%w: subject key ID must be 20 bytes, got %d", ErrInvalidExtension, len(keyID))
	}

	ski := &SubjectKeyIDExt{}
	copy(ski.KeyID[:], keyID)
	return ski, nil
}

// parseAuthorityKeyID decodes an AuthorityKeyIdentifier extension. The
// ASN.1 structure also allows an authorityCertIssuer/SerialNumber pair,
// but Matter certificates only ever populate keyIdentifier.
func parseAuthorityKeyID(value []byte) (*AuthorityKeyIDExt, error) {
	var aki struct {
		KeyIdentifier             []byte `asn1:"optional,tag:0"`
		AuthorityCertIssuer       asn1.RawValue `asn1:"optional,tag:1"`
		AuthorityCertSerialNumber *big.Int `asn1:"optional,tag:2"`
	}

	if _, err := asn1.Unmarshal(value, &aki); err != nil {
		return nil, fmt.Errorf("%w: authority key ID: %v", ErrInvalidExtension, err)
	}

	if len(aki.KeyIdentifier) != 20 {
		return nil, fmt.Errorf("%w: authority key ID must be 20 bytes, got %d", ErrInvalidExtension, len(aki.KeyIdentifier))
	}

	result := &AuthorityKeyIDExt{}
	copy(result.KeyID[:], aki.KeyIdentifier)
	return result, nil
}

// convertSignatureToRaw unpacks an ASN.1 SEQUENCE{r, s} ECDSA signature
// into the fixed 32-byte-r || 32-byte-s format Matter certificates use.
func convertSignatureToRaw(sig []byte) ([]byte, error) {
	var ecdsaSig struct {
		R, S *big.Int
	}

	if _, err := asn1.Unmarshal(sig, &ecdsaSig); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureConversionFailed, err)
	}

	raw := make([]byte, SignatureSize)
	rBytes := ecdsaSig.R.Bytes()
	sBytes := ecdsaSig.S.Bytes()

	copy(raw[32-len(rBytes):32], rBytes)
	copy(raw[64-len(sBytes):64], sBytes)

	return raw, nil
}

// timeToMatterEpoch converts t to Matter epoch seconds, treating the
// RFC 5280 "no well-defined expiration date" sentinel (year 9999) and any
// out-of-range value as zero rather than failing the conversion.
func timeToMatterEpoch(t time.Time) uint32 {
	if t.Year() == 9999 {
		return 0
	}

	if t.Before(MatterEpochStart) {
		return 0
	}

	secs := t.Sub(MatterEpochStart).Seconds()
	if secs > float64(^uint32(0)) {
		return 0
	}

	return uint32(secs)
}
