// Package certs owns the local CA and the server certificates the proxy
// presents. A single wildcard cannot cover arbitrary depth under the
// reserved .localhost TLD, so deeper names get per-hostname leaves minted on
// demand at handshake time.
package certs

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"portless/internal/state"
)

const (
	caValidity   = 10 * 365 * 24 * time.Hour
	leafValidity = 365 * 24 * time.Hour
	// renewWindow is how close to notAfter a certificate may get before it is
	// treated as invalid and regenerated.
	renewWindow = 7 * 24 * time.Hour

	keyBits = 2048
)

// Manager materializes and caches the CA, the default server certificate and
// per-hostname leaves under the state directory's cert tree.
type Manager struct {
	dir state.Dir
	log *logrus.Logger

	mu      sync.Mutex
	ca      *tls.Certificate
	caX509  *x509.Certificate
	byName  map[string]*tls.Certificate
	pending map[string]*mintCall
}

type mintCall struct {
	done chan struct{}
	cert *tls.Certificate
	err  error
}

func NewManager(dir state.Dir, log *logrus.Logger) *Manager {
	if log == nil {
		log = logrus.New()
	}
	return &Manager{
		dir:     dir,
		log:     log,
		byName:  map[string]*tls.Certificate{},
		pending: map[string]*mintCall{},
	}
}

func (m *Manager) CAPath() string      { return filepath.Join(m.dir.CertDir(), "ca.pem") }
func (m *Manager) caKeyPath() string   { return filepath.Join(m.dir.CertDir(), "ca-key.pem") }
func (m *Manager) certPath() string    { return filepath.Join(m.dir.CertDir(), "server.pem") }
func (m *Manager) certKeyPath() string { return filepath.Join(m.dir.CertDir(), "server-key.pem") }
func (m *Manager) hostCertDir() string { return filepath.Join(m.dir.CertDir(), "host-certs") }

// EnsureDefaults makes sure the CA and the default server certificate exist
// and are usable. Regenerating the CA invalidates everything signed by the
// old one, so the default leaf is regenerated with it.
func (m *Manager) EnsureDefaults() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := os.MkdirAll(m.hostCertDir(), 0o755); err != nil {
		return err
	}
	caRenewed, err := m.ensureCALocked()
	if err != nil {
		return err
	}
	_, _, err = m.ensureLeafLocked(m.certPath(), m.certKeyPath(), []string{"localhost", "*.localhost"}, caRenewed)
	return err
}

// Default returns the default server certificate, materializing it if needed.
func (m *Manager) Default() (*tls.Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	caRenewed, err := m.ensureCALocked()
	if err != nil {
		return nil, err
	}
	cert, _, err := m.ensureLeafLocked(m.certPath(), m.certKeyPath(), []string{"localhost", "*.localhost"}, caRenewed)
	return cert, err
}

func (m *Manager) ensureCALocked() (renewed bool, err error) {
	if m.ca != nil && usable(m.caX509) {
		return false, nil
	}
	if cert, parsed, loadErr := loadKeyPair(m.CAPath(), m.caKeyPath()); loadErr == nil && usable(parsed) {
		m.ca, m.caX509 = cert, parsed
		return false, nil
	}

	m.log.Info("generating local certificate authority")
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return false, err
	}
	template := &x509.Certificate{
		SerialNumber: newSerial(),
		Subject: pkix.Name{
			Organization: []string{"portless development CA"},
			CommonName:   "portless development CA",
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return false, err
	}
	if err := m.writePair(m.CAPath(), m.caKeyPath(), der, key); err != nil {
		return false, err
	}
	cert, parsed, err := loadKeyPair(m.CAPath(), m.caKeyPath())
	if err != nil {
		return false, err
	}
	m.ca, m.caX509 = cert, parsed
	// Leaves signed by the previous CA are now orphans.
	m.byName = map[string]*tls.Certificate{}
	return true, nil
}

// ensureLeafLocked loads the leaf at certPath if it is still usable, or mints
// a fresh CA-signed one for dnsNames. force skips the load.
func (m *Manager) ensureLeafLocked(certPath, keyPath string, dnsNames []string, force bool) (*tls.Certificate, bool, error) {
	if !force {
		if cert, parsed, err := loadKeyPair(certPath, keyPath); err == nil && usable(parsed) && m.signedByCA(parsed) {
			return cert, false, nil
		}
	}

	m.log.WithField("names", strings.Join(dnsNames, ",")).Info("minting certificate")
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, false, err
	}
	template := &x509.Certificate{
		SerialNumber: newSerial(),
		Subject:      pkix.Name{CommonName: dnsNames[0]},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(leafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     dnsNames,
	}
	caKey, ok := m.ca.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, false, fmt.Errorf("unexpected CA key type %T", m.ca.PrivateKey)
	}
	der, err := x509.CreateCertificate(rand.Reader, template, m.caX509, &key.PublicKey, caKey)
	if err != nil {
		return nil, false, err
	}
	if err := m.writePair(certPath, keyPath, der, key); err != nil {
		return nil, false, err
	}
	cert, _, err := loadKeyPair(certPath, keyPath)
	return cert, true, err
}

func (m *Manager) signedByCA(leaf *x509.Certificate) bool {
	if m.caX509 == nil {
		return false
	}
	return leaf.CheckSignatureFrom(m.caX509) == nil
}

// writePair creates the parent directory if needed, writes cert (0644) and
// key (0600) and, when elevated, transfers ownership so the invoking user can
// read them later without sudo.
func (m *Manager) writePair(certPath, keyPath string, der []byte, key *rsa.PrivateKey) error {
	certOut := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyOut := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.MkdirAll(filepath.Dir(certPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(certPath, certOut, 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(keyPath, keyOut, 0o600); err != nil {
		return err
	}
	if err := state.RestoreInvokerOwnership(certPath); err != nil {
		return err
	}
	return state.RestoreInvokerOwnership(keyPath)
}

// usable rejects certificates close to expiry and legacy SHA-1 signatures,
// forcing regeneration on load.
func usable(cert *x509.Certificate) bool {
	if cert == nil {
		return false
	}
	switch cert.SignatureAlgorithm {
	case x509.SHA1WithRSA, x509.ECDSAWithSHA1, x509.DSAWithSHA1:
		return false
	}
	return time.Until(cert.NotAfter) > renewWindow
}

func loadKeyPair(certPath, keyPath string) (*tls.Certificate, *x509.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, nil, err
	}
	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, nil, err
	}
	cert.Leaf = parsed
	return &cert, parsed, nil
}

func newSerial() *big.Int {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		// crypto/rand failing is unrecoverable anyway.
		panic(err)
	}
	return serial
}
