package credentials

import (
	"crypto/rand"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/openmatterio/mattergo/pkg/crypto"
)

// Validity is the lifetime assigned to every certificate minted by a CA
// (root and user certs alike). 100 days, per the fabric profile.
const Validity = 100 * 24 * time.Hour

// CA-minted DN attribute defaults.
const (
	defaultCANodeID = uint64(1)
)

// CertificateAuthority errors.
var (
	ErrCANotBootstrapped = errors.New("credentials: CA not bootstrapped")
	ErrUserNotFound      = errors.New("credentials: user certificate not found")
)

// CertificateAuthority is the capability set a commissioner needs from a
// process-local fabric CA: mint and retrieve the root identity, mint and
// retrieve controller (user) identities, and report which fabric it roots.
//
// The CA private key never leaves an implementation of this interface - it
// is consulted only to sign TBS bytes handed to it by this package.
type CertificateAuthority interface {
	GetCACert() (*Certificate, error)
	GetCAKey() (*crypto.P256KeyPair, error)
	GetCAPublicKey() ([]byte, error)
	GetUserCert(id string) (*Certificate, error)
	GetUserKey(id string) (*crypto.P256KeyPair, error)
	GetFabricID() (uint64, error)
}

// FileCA is the default CertificateAuthority: PEM-encoded P-256 keys and
// X.509 certificates persisted as files in a directory, alongside a
// metadata file carrying the fabric id. Swappable for any key-value store
// that satisfies CertificateAuthority - this is the only implementation the
// core ships.
type FileCA struct {
	dir      string
	fabricID uint64

	mu       sync.Mutex
	caKey    *crypto.P256KeyPair
	caCert   *Certificate
	userKeys map[string]*crypto.P256KeyPair
	userCert map[string]*Certificate
}

// Bootstrap creates a brand new CA rooted at dir: generates the root P-256
// key pair, mints a self-signed root certificate for fabricID, and persists
// both plus the fabric metadata. Call once per fabric.
func Bootstrap(dir string, fabricID uint64) (*FileCA, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("credentials: create CA dir: %w", err)
	}

	caKey, err := crypto.P256GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("credentials: generate CA key: %w", err)
	}

	rootDN := DistinguishedName{
		NewDNUint64(TagDNMatterRCACID, defaultCANodeID),
		NewDNUint64(TagDNMatterFabricID, fabricID),
	}

	now := time.Now()
	cert, err := signCertificate(caKey, rootDN, rootDN, caKey.P256PublicKey(), caKey.P256PublicKey(), now, true)
	if err != nil {
		return nil, fmt.Errorf("credentials: sign root cert: %w", err)
	}

	ca := &FileCA{
		dir:      dir,
		fabricID: fabricID,
		caKey:    caKey,
		caCert:   cert,
		userKeys: make(map[string]*crypto.P256KeyPair),
		userCert: make(map[string]*Certificate),
	}

	if err := ca.persistKey("ca", caKey); err != nil {
		return nil, err
	}
	if err := ca.persistCert("ca", cert); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.pem"), []byte(fmt.Sprintf("%d\n", fabricID)), 0o600); err != nil {
		return nil, fmt.Errorf("credentials: write metadata: %w", err)
	}

	return ca, nil
}

// OpenFileCA loads a CA previously created by Bootstrap. User certificates
// are loaded lazily by GetUserCert/GetUserKey.
func OpenFileCA(dir string) (*FileCA, error) {
	metaBytes, err := os.ReadFile(filepath.Join(dir, "metadata.pem"))
	if err != nil {
		return nil, fmt.Errorf("credentials: read metadata: %w", err)
	}
	var fabricID uint64
	if _, err := fmt.Sscanf(string(metaBytes), "%d", &fabricID); err != nil {
		return nil, fmt.Errorf("credentials: parse metadata: %w", err)
	}

	ca := &FileCA{
		dir:      dir,
		fabricID: fabricID,
		userKeys: make(map[string]*crypto.P256KeyPair),
		userCert: make(map[string]*Certificate),
	}

	caKey, err := ca.loadKey("ca")
	if err != nil {
		return nil, err
	}
	caCert, err := ca.loadCert("ca")
	if err != nil {
		return nil, err
	}
	ca.caKey = caKey
	ca.caCert = caCert

	return ca, nil
}

// GetCACert returns the root certificate.
func (ca *FileCA) GetCACert() (*Certificate, error) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	if ca.caCert == nil {
		return nil, ErrCANotBootstrapped
	}
	return ca.caCert, nil
}

// GetCAKey returns the root key pair. The returned key never leaves this
// process's memory beyond what the caller does with it; callers should use
// it only to ask the CA to sign, not to export the private scalar.
func (ca *FileCA) GetCAKey() (*crypto.P256KeyPair, error) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	if ca.caKey == nil {
		return nil, ErrCANotBootstrapped
	}
	return ca.caKey, nil
}

// GetCAPublicKey returns the root's uncompressed P-256 public key.
func (ca *FileCA) GetCAPublicKey() ([]byte, error) {
	key, err := ca.GetCAKey()
	if err != nil {
		return nil, err
	}
	return key.P256PublicKey(), nil
}

// GetFabricID returns the fabric id this CA roots.
func (ca *FileCA) GetFabricID() (uint64, error) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	return ca.fabricID, nil
}

// IssueUserCert mints a fresh P-256 key pair and a controller (non-CA) leaf
// certificate for it, under node id nodeID, and persists both under id.
// Subsequent GetUserCert/GetUserKey(id) calls return this pair.
func (ca *FileCA) IssueUserCert(id string, nodeID uint64) (*Certificate, error) {
	ca.mu.Lock()
	caKey, fabricID := ca.caKey, ca.fabricID
	ca.mu.Unlock()
	if caKey == nil {
		return nil, ErrCANotBootstrapped
	}

	userKey, err := crypto.P256GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("credentials: generate user key: %w", err)
	}

	cert, err := ca.signLeaf(nodeID, fabricID, userKey.P256PublicKey())
	if err != nil {
		return nil, err
	}

	ca.mu.Lock()
	ca.userKeys[id] = userKey
	ca.userCert[id] = cert
	ca.mu.Unlock()

	if err := ca.persistKey(id, userKey); err != nil {
		return nil, err
	}
	if err := ca.persistCert(id, cert); err != nil {
		return nil, err
	}

	return cert, nil
}

// GetUserCert returns a previously issued controller certificate, loading it
// from disk if it is not already cached.
func (ca *FileCA) GetUserCert(id string) (*Certificate, error) {
	ca.mu.Lock()
	if cert, ok := ca.userCert[id]; ok {
		ca.mu.Unlock()
		return cert, nil
	}
	ca.mu.Unlock()

	cert, err := ca.loadCert(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUserNotFound, id, err)
	}
	ca.mu.Lock()
	ca.userCert[id] = cert
	ca.mu.Unlock()
	return cert, nil
}

// GetUserKey returns a previously issued controller key pair, loading it
// from disk if it is not already cached.
func (ca *FileCA) GetUserKey(id string) (*crypto.P256KeyPair, error) {
	ca.mu.Lock()
	if key, ok := ca.userKeys[id]; ok {
		ca.mu.Unlock()
		return key, nil
	}
	ca.mu.Unlock()

	key, err := ca.loadKey(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUserNotFound, id, err)
	}
	ca.mu.Lock()
	ca.userKeys[id] = key
	ca.mu.Unlock()
	return key, nil
}

// SignNOC mints a Node Operational Certificate for a device's operational
// public key (extracted from its CSR during commissioning). Unlike
// IssueUserCert this is not persisted as a CA "user" - the commissioner owns
// the returned certificate and is responsible for delivering it to the
// device via AddNOC.
func (ca *FileCA) SignNOC(nodeID uint64, devicePubKey []byte) (*Certificate, error) {
	ca.mu.Lock()
	caKey, fabricID := ca.caKey, ca.fabricID
	ca.mu.Unlock()
	if caKey == nil {
		return nil, ErrCANotBootstrapped
	}
	return ca.signLeaf(nodeID, fabricID, devicePubKey)
}

func (ca *FileCA) signLeaf(nodeID, fabricID uint64, pubKey []byte) (*Certificate, error) {
	ca.mu.Lock()
	caKey, caCert := ca.caKey, ca.caCert
	ca.mu.Unlock()

	subjectDN := DistinguishedName{
		NewDNUint64(TagDNMatterNodeID, nodeID),
		NewDNUint64(TagDNMatterFabricID, fabricID),
	}

	return signCertificate(caKey, caCert.Subject, subjectDN, caCert.ECPubKey, pubKey, time.Now(), false)
}

// signCertificate builds and signs a Matter certificate. When isCA is true
// the result carries BasicConstraints{CA=true} and
// KeyUsage={keyCertSign,cRLSign} (a root); otherwise it carries
// BasicConstraints{CA=false}, KeyUsage=digitalSignature, and
// ExtKeyUsage={clientAuth,serverAuth} (a node/controller cert).
func signCertificate(
	signerKey *crypto.P256KeyPair,
	issuerDN, subjectDN DistinguishedName,
	issuerPubKey, subjectPubKey []byte,
	notBefore time.Time,
	isCA bool,
) (*Certificate, error) {
	serial := make([]byte, 8)
	if _, err := rand.Read(serial); err != nil {
		return nil, err
	}
	// A DER INTEGER must not have its high bit set without a leading zero.
	if serial[0]&0x80 != 0 {
		serial = append([]byte{0}, serial...)
	}

	subjectKeyID := crypto.SHA1(subjectPubKey)
	authorityKeyID := crypto.SHA1(issuerPubKey)

	ext := Extensions{
		BasicConstraints: &BasicConstraints{IsCA: isCA},
		SubjectKeyID:     &SubjectKeyIDExt{KeyID: subjectKeyID},
		AuthorityKeyID:   &AuthorityKeyIDExt{KeyID: authorityKeyID},
	}
	if isCA {
		ext.KeyUsage = &KeyUsageExt{Usage: KeyUsageKeyCertSign | KeyUsageCRLSign}
	} else {
		ext.KeyUsage = &KeyUsageExt{Usage: KeyUsageDigitalSignature}
		ext.ExtendedKeyUsage = &ExtendedKeyUsageExt{
			KeyPurposes: []KeyPurposeID{KeyPurposeClientAuth, KeyPurposeServerAuth},
		}
	}

	cert := &Certificate{
		SerialNum:  serial,
		SigAlgo:    SignatureAlgoECDSASHA256,
		Issuer:     issuerDN,
		NotBefore:  TimeToMatterEpoch(notBefore),
		NotAfter:   TimeToMatterEpoch(notBefore.Add(Validity)),
		Subject:    subjectDN,
		PubKeyAlgo: PublicKeyAlgoEC,
		ECCurveID:  EllipticCurvePrime256v1,
		ECPubKey:   subjectPubKey,
		Extensions: ext,
	}

	tbs, err := buildTBSCertificate(cert)
	if err != nil {
		return nil, fmt.Errorf("credentials: build TBS: %w", err)
	}
	tbsDER, err := asn1.Marshal(tbs)
	if err != nil {
		return nil, fmt.Errorf("credentials: encode TBS: %w", err)
	}

	sig, err := crypto.P256Sign(signerKey, tbsDER)
	if err != nil {
		return nil, fmt.Errorf("credentials: sign certificate: %w", err)
	}
	cert.Signature = sig

	return cert, nil
}

func (ca *FileCA) persistKey(id string, key *crypto.P256KeyPair) error {
	block := &pem.Block{Type: "MATTER EC PRIVATE KEY", Bytes: key.P256PrivateKey()}
	return os.WriteFile(filepath.Join(ca.dir, id+"-private.pem"), pem.EncodeToMemory(block), 0o600)
}

func (ca *FileCA) loadKey(id string) (*crypto.P256KeyPair, error) {
	raw, err := os.ReadFile(filepath.Join(ca.dir, id+"-private.pem"))
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("credentials: invalid PEM for %s", id)
	}
	return crypto.P256KeyPairFromPrivateKey(block.Bytes)
}

func (ca *FileCA) persistCert(id string, cert *Certificate) error {
	der, err := MatterToX509(cert)
	if err != nil {
		return fmt.Errorf("credentials: encode cert %s: %w", id, err)
	}
	block := &pem.Block{Type: "CERTIFICATE", Bytes: der}
	return os.WriteFile(filepath.Join(ca.dir, id+"-cert.pem"), pem.EncodeToMemory(block), 0o600)
}

func (ca *FileCA) loadCert(id string) (*Certificate, error) {
	raw, err := os.ReadFile(filepath.Join(ca.dir, id+"-cert.pem"))
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("credentials: invalid PEM for %s", id)
	}
	return X509ToMatter(block.Bytes)
}
