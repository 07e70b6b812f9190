package crypto

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

const (
	privateKeyPEMType  = "PRIVATE KEY"
	publicKeyPEMType   = "PUBLIC KEY"
	certificatePEMType = "CERTIFICATE"
)

// LoadPrivateKey loads a PKCS#8 private key from a PEM file.
func LoadPrivateKey(path string) (crypto.Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode private key PEM: no PEM block")
	}
	if block.Type != privateKeyPEMType {
		return nil, fmt.Errorf("decode private key PEM: unexpected type %q", block.Type)
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("parse private key: unsupported key type %T", key)
	}

	return signer, nil
}

// SavePrivateKeyPEM writes private key PEM text with 0600 permissions.
func SavePrivateKeyPEM(path string, keyPEM []byte) error {
	if err := os.WriteFile(path, keyPEM, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	return nil
}

// LoadCertificate loads an X.509 certificate from a PEM file.
func LoadCertificate(path string) (*x509.Certificate, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	return ParseCertificatePEM(raw)
}

// ParseCertificatePEM decodes the first CERTIFICATE block in raw.
func ParseCertificatePEM(raw []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode certificate PEM: no PEM block")
	}
	if block.Type != certificatePEMType {
		return nil, fmt.Errorf("decode certificate PEM: unexpected type %q", block.Type)
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return cert, nil
}

// SaveCertificatePEM writes certificate PEM text.
func SaveCertificatePEM(path string, certPEM []byte) error {
	if err := os.WriteFile(path, certPEM, 0o644); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}
	return nil
}

// LoadTLSCertificate loads the certificate and key pair for TLS use.
func LoadTLSCertificate(certPath, keyPath string) (tls.Certificate, error) {
	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("load TLS key pair: %w", err)
	}
	return pair, nil
}
