package proxy

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	leafTTL       = 24 * time.Hour
	leafCacheSize = 1024
)

// CertAuthority signs per-host leaf certificates for TLS interception.
type CertAuthority struct {
	caCert  *x509.Certificate
	caKey   crypto.Signer
	certPEM []byte

	cache *expirable.LRU[string, tls.Certificate]
}

// LoadCertAuthority reads a CA certificate and key from PEM files.
func LoadCertAuthority(certPath, keyPath string) (*CertAuthority, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("mitm: read CA certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("mitm: read CA key: %w", err)
	}
	return NewCertAuthority(certPEM, keyPEM)
}

// NewCertAuthority parses PEM encoded CA material.
func NewCertAuthority(certPEM, keyPEM []byte) (*CertAuthority, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("mitm: invalid CA certificate PEM")
	}
	caCert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, err
	}
	if !caCert.IsCA {
		return nil, errors.New("mitm: certificate is not a CA")
	}

	kblk, _ := pem.Decode(keyPEM)
	if kblk == nil {
		return nil, errors.New("mitm: invalid CA key PEM")
	}
	var key any
	switch kblk.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(kblk.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(kblk.Bytes)
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(kblk.Bytes)
	default:
		return nil, fmt.Errorf("mitm: unknown CA key PEM block type %q", kblk.Type)
	}
	if err != nil {
		return nil, err
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, errors.New("mitm: CA key cannot sign")
	}

	return &CertAuthority{
		caCert:  caCert,
		caKey:   signer,
		certPEM: certPEM,
		cache:   expirable.NewLRU[string, tls.Certificate](leafCacheSize, nil, leafTTL/2),
	}, nil
}

// NewEphemeralCertAuthority generates a throwaway CA for one capture.
func NewEphemeralCertAuthority() (*CertAuthority, error) {
	certPEM, keyPEM, err := GenerateCA("scoop capture CA", 1)
	if err != nil {
		return nil, err
	}
	return NewCertAuthority(certPEM, keyPEM)
}

// GenerateCA creates a self-signed root certificate and its ECDSA key.
func GenerateCA(commonName string, yearsValid int) (certPEM, keyPEM []byte, err error) {
	if yearsValid <= 0 {
		yearsValid = 5
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}
	now := time.Now().Add(-5 * time.Minute)
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName, Organization: []string{"scoop"}},
		NotBefore:             now,
		NotAfter:              now.AddDate(yearsValid, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, err
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

// CertPEM returns the CA certificate so clients can be told to trust it.
func (ca *CertAuthority) CertPEM() []byte { return ca.certPEM }

// Certificate returns the parsed CA certificate.
func (ca *CertAuthority) Certificate() *x509.Certificate { return ca.caCert }

// IssueFor returns a leaf certificate for host, which may carry a port.
func (ca *CertAuthority) IssueFor(host string) (tls.Certificate, error) {
	h := strings.TrimSpace(host)
	if v, _, err := net.SplitHostPort(h); err == nil {
		h = v
	}
	h = strings.Trim(strings.ToLower(h), "[]")
	if h == "" {
		return tls.Certificate{}, errors.New("mitm: empty host for certificate issuance")
	}
	if cert, ok := ca.cache.Get(h); ok {
		return cert, nil
	}

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := randomSerial()
	if err != nil {
		return tls.Certificate{}, err
	}
	now := time.Now().Add(-5 * time.Minute)
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: h},
		NotBefore:             now,
		NotAfter:              now.Add(leafTTL),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	if ip := net.ParseIP(h); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	} else {
		tmpl.DNSNames = []string{h}
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.caCert, &leafKey.PublicKey, ca.caKey)
	if err != nil {
		return tls.Certificate{}, err
	}
	leaf := tls.Certificate{
		Certificate: [][]byte{der, ca.caCert.Raw},
		PrivateKey:  leafKey,
	}
	ca.cache.Add(h, leaf)
	return leaf, nil
}

func randomSerial() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
}
