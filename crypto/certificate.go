package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"
)

const (
	// DefaultKeyBits is the RSA modulus size of generated device keys.
	DefaultKeyBits = 2048
	// DefaultValidityDays is the lifetime of a generated device certificate.
	DefaultValidityDays = 3650
	// DefaultOrganization is the O attribute of generated certificates.
	DefaultOrganization = "Rune Audio"
	// DefaultCountry is the C attribute of generated certificates.
	DefaultCountry = "US"
)

// CertificateParams describes the subject of a self-signed device certificate.
type CertificateParams struct {
	CommonName   string
	Organization string
	Country      string
	ValidityDays int
	KeyBits      int
	Now          time.Time
}

// CertificateResult carries PEM encoded material and the derived fingerprint.
type CertificateResult struct {
	PrivateKeyPEM  []byte
	PublicKeyPEM   []byte
	CertificatePEM []byte
	Fingerprint    string
	NotAfter       time.Time
}

func (p CertificateParams) withDefaults() CertificateParams {
	out := p
	if out.Organization == "" {
		out.Organization = DefaultOrganization
	}
	if out.Country == "" {
		out.Country = DefaultCountry
	}
	if out.ValidityDays <= 0 {
		out.ValidityDays = DefaultValidityDays
	}
	if out.KeyBits <= 0 {
		out.KeyBits = DefaultKeyBits
	}
	if out.Now.IsZero() {
		out.Now = time.Now()
	}
	return out
}

// GenerateSelfSignedCertificate creates an RSA key and a self-signed
// certificate usable for both ends of a TLS pairing.
func GenerateSelfSignedCertificate(params CertificateParams) (*CertificateResult, error) {
	p := params.withDefaults()
	if p.CommonName == "" {
		return nil, errors.New("common name is required")
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, p.KeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate RSA key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	notBefore := p.Now.UTC()
	notAfter := notBefore.Add(time.Duration(p.ValidityDays) * 24 * time.Hour)
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   p.CommonName,
			Organization: []string{p.Organization},
			Country:      []string{p.Country},
		},
		DNSNames:              []string{p.CommonName},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	publicDER, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}

	return &CertificateResult{
		PrivateKeyPEM:  pem.EncodeToMemory(&pem.Block{Type: privateKeyPEMType, Bytes: keyDER}),
		PublicKeyPEM:   pem.EncodeToMemory(&pem.Block{Type: publicKeyPEMType, Bytes: publicDER}),
		CertificatePEM: pem.EncodeToMemory(&pem.Block{Type: certificatePEMType, Bytes: certDER}),
		Fingerprint:    FingerprintDER(publicDER),
		NotAfter:       notAfter,
	}, nil
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 64)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}
	return serial, nil
}
