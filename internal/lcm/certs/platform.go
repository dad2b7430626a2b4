package certs

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pkcs12"
)

// LoadPlatform loads an externally provisioned client certificate. The file
// is either a PEM bundle carrying the certificate and its private key, or a
// PKCS#12 container decrypted with password. A non-empty thumbprint pins the
// expected certificate: hex SHA-256 of the DER encoding, case-insensitive.
func LoadPlatform(path, password, thumbprint string) (tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("reading certificate %s: %w", path, err)
	}

	var cert tls.Certificate
	if looksLikePEM(data) {
		cert, err = tls.X509KeyPair(data, data)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("parsing PEM certificate %s: %w", path, err)
		}
	} else {
		cert, err = loadPKCS12(data, password)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("parsing PKCS#12 certificate %s: %w", path, err)
		}
	}

	leaf, err := leafOf(cert)
	if err != nil {
		return tls.Certificate{}, err
	}
	cert.Leaf = leaf

	if thumbprint != "" {
		got := Fingerprint(leaf)
		if !strings.EqualFold(got, thumbprint) {
			return tls.Certificate{}, fmt.Errorf("certificate thumbprint mismatch: file has %s, configuration pins %s", got, strings.ToLower(thumbprint))
		}
	}
	return cert, nil
}

// Fingerprint returns the certificate identity used throughout the system:
// lowercase hex SHA-256 over the DER encoding.
func Fingerprint(leaf *x509.Certificate) string {
	sum := sha256.Sum256(leaf.Raw)
	return hex.EncodeToString(sum[:])
}

func looksLikePEM(data []byte) bool {
	block, _ := pem.Decode(data)
	return block != nil
}

func loadPKCS12(data []byte, password string) (tls.Certificate, error) {
	// ToPEM handles containers with the key and certificate in either
	// order plus any intermediate certificates.
	blocks, err := pkcs12.ToPEM(data, password)
	if err != nil {
		return tls.Certificate{}, err
	}
	var pemData []byte
	for _, b := range blocks {
		pemData = append(pemData, pem.EncodeToMemory(b)...)
	}
	return tls.X509KeyPair(pemData, pemData)
}
