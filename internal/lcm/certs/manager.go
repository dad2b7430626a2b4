// Package certs manages the agent's client certificate: it loads the
// managed key pair from the data directory, generates a self-signed one
// when none exists, and prepares replacements once two thirds of the
// certificate lifetime have elapsed. A replacement is staged on disk first
// and only promoted after the pull server has accepted it, so a failed
// rotation never leaves the agent without a working credential.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/opendsc/opendsc/pkg/logging"
)

const (
	// DefaultValidity is the lifetime of a generated certificate.
	DefaultValidity = 90 * 24 * time.Hour

	// clockSkewGrace backdates NotBefore so a server with a slightly
	// trailing clock accepts a freshly generated certificate.
	clockSkewGrace = 10 * time.Minute

	certFile = "client.crt"
	keyFile  = "client.key"

	stagedCertFile = "client.next.crt"
	stagedKeyFile  = "client.next.key"
)

// Manager owns the managed client certificate files inside dir.
type Manager struct {
	dir      string
	fqdn     string
	validity time.Duration
}

// NewManager creates a manager storing certificates under dir, issuing them
// for fqdn with the default validity.
func NewManager(dir, fqdn string) *Manager {
	return &Manager{dir: dir, fqdn: fqdn, validity: DefaultValidity}
}

// WithValidity overrides the generated certificate lifetime. Used by tests.
func (m *Manager) WithValidity(v time.Duration) *Manager {
	m.validity = v
	return m
}

// Load returns the managed certificate, generating and persisting a fresh
// self-signed one when none exists or the stored one has expired.
func (m *Manager) Load() (tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(filepath.Join(m.dir, certFile), filepath.Join(m.dir, keyFile))
	if err == nil {
		leaf, perr := leafOf(cert)
		if perr == nil && time.Now().Before(leaf.NotAfter) {
			cert.Leaf = leaf
			return cert, nil
		}
		logging.Warn("Certs", "Stored client certificate is expired or unreadable, generating a new one")
	} else if !os.IsNotExist(err) {
		logging.Debug("Certs", "No usable client certificate (%v), generating one", err)
	}

	certPEM, keyPEM, err := m.generate()
	if err != nil {
		return tls.Certificate{}, err
	}
	if err := m.persist(certFile, keyFile, certPEM, keyPEM); err != nil {
		return tls.Certificate{}, err
	}
	cert, err = tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("loading generated certificate: %w", err)
	}
	cert.Leaf, _ = leafOf(cert)
	logging.Info("Certs", "Generated self-signed client certificate for %s, valid until %s", m.fqdn, cert.Leaf.NotAfter.Format(time.RFC3339))
	return cert, nil
}

// NeedsRotation reports whether the certificate has consumed at least two
// thirds of its lifetime at the given instant.
func NeedsRotation(leaf *x509.Certificate, now time.Time) bool {
	if leaf == nil {
		return true
	}
	lifetime := leaf.NotAfter.Sub(leaf.NotBefore)
	if lifetime <= 0 {
		return true
	}
	return !now.Before(leaf.NotBefore.Add(lifetime * 2 / 3))
}

// StageReplacement generates a replacement key pair, writes it to the
// staging files and returns the certificate together with its PEM encoding
// for the rotation request. The current certificate stays in place until
// Promote.
func (m *Manager) StageReplacement() (tls.Certificate, []byte, error) {
	certPEM, keyPEM, err := m.generate()
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	if err := m.persist(stagedCertFile, stagedKeyFile, certPEM, keyPEM); err != nil {
		return tls.Certificate{}, nil, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("loading staged certificate: %w", err)
	}
	cert.Leaf, _ = leafOf(cert)
	return cert, certPEM, nil
}

// Promote moves the staged replacement into place. Called after the server
// accepted the rotation.
func (m *Manager) Promote() error {
	if err := os.Rename(filepath.Join(m.dir, stagedCertFile), filepath.Join(m.dir, certFile)); err != nil {
		return fmt.Errorf("promoting staged certificate: %w", err)
	}
	if err := os.Rename(filepath.Join(m.dir, stagedKeyFile), filepath.Join(m.dir, keyFile)); err != nil {
		return fmt.Errorf("promoting staged key: %w", err)
	}
	logging.Info("Certs", "Promoted rotated client certificate")
	return nil
}

// DiscardStaged removes any staged replacement, after a rotation the server
// rejected.
func (m *Manager) DiscardStaged() {
	_ = os.Remove(filepath.Join(m.dir, stagedCertFile))
	_ = os.Remove(filepath.Join(m.dir, stagedKeyFile))
}

func (m *Manager) generate() (certPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generating serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: m.fqdn},
		DNSNames:              []string{m.fqdn},
		NotBefore:             now.Add(-clockSkewGrace),
		NotAfter:              now.Add(m.validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("creating certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding key: %w", err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

func (m *Manager) persist(certName, keyName string, certPEM, keyPEM []byte) error {
	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return fmt.Errorf("creating certificate directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(m.dir, keyName), keyPEM, 0o600); err != nil {
		return fmt.Errorf("writing key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(m.dir, certName), certPEM, 0o600); err != nil {
		return fmt.Errorf("writing certificate: %w", err)
	}
	return nil
}

func leafOf(cert tls.Certificate) (*x509.Certificate, error) {
	if len(cert.Certificate) == 0 {
		return nil, fmt.Errorf("certificate chain is empty")
	}
	return x509.ParseCertificate(cert.Certificate[0])
}
