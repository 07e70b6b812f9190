package crypto

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
)

// ErrFingerprintMismatch indicates a peer presented a certificate whose public
// key does not hash to the pinned fingerprint.
var ErrFingerprintMismatch = errors.New("crypto: peer certificate fingerprint mismatch")

// PinnedVerifier returns a VerifyPeerCertificate callback that accepts only a
// leaf certificate whose public key fingerprint equals expected.
//
// Device certificates are self-signed, so chain validation is replaced by the
// fingerprint comparison. The callback must be paired with
// InsecureSkipVerify=true on clients.
func PinnedVerifier(expected string) func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("crypto: peer presented no certificate")
		}

		leaf, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("parse peer certificate: %w", err)
		}

		if got := CertificateFingerprint(leaf); got != expected {
			return fmt.Errorf("%w: got %s", ErrFingerprintMismatch, got)
		}
		return nil
	}
}

// PinnedClientConfig builds a TLS client config that presents own and trusts
// only the peer with fingerprint expected.
func PinnedClientConfig(own tls.Certificate, expected string) *tls.Config {
	return &tls.Config{
		Certificates:          []tls.Certificate{own},
		InsecureSkipVerify:    true, // replaced by PinnedVerifier
		VerifyPeerCertificate: PinnedVerifier(expected),
		MinVersion:            tls.VersionTLS12,
	}
}
