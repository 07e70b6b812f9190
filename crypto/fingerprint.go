package crypto

import (
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"math/big"
	"strings"
)

// fingerprintAlphabet is the 85-symbol runic alphabet used to render fingerprints.
const fingerprintAlphabet = "ᚠᚡᚢᚣᚤᚥᚦᚧᚨᚩᚪᚫᚬᚭᚮᚯᚰᚱᚲᚳᚴᚵᚶᚷᚸᚹᚺᚻᚼᚽᚾᚿᛀᛁᛂᛃᛄᛅᛆᛇᛈᛉᛊᛋᛌᛍᛎᛏᛐᛑᛒᛓᛔᛕᛖᛗᛘᛙᛚᛛᛜᛝᛞᛟᛠᛡᛢᛣᛤᛥᛦᛨᛩᛪᛮᛯᛰᛱᛲᛳᛴᛵᛶᛷᛸ"

// FingerprintLength is the rendered length in symbols of every fingerprint.
const FingerprintLength = 40

var fingerprintSymbols = []rune(fingerprintAlphabet)

// PublicKeyFingerprint hashes the DER SubjectPublicKeyInfo of publicKey with
// SHA-256 and renders the digest in base 85.
func PublicKeyFingerprint(publicKey crypto.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(publicKey)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return FingerprintDER(der), nil
}

// CertificateFingerprint returns the fingerprint of a certificate's public key.
func CertificateFingerprint(cert *x509.Certificate) string {
	return FingerprintDER(cert.RawSubjectPublicKeyInfo)
}

// FingerprintDER renders SHA-256(der) as a fixed-width base-85 string.
func FingerprintDER(der []byte) string {
	sum := sha256.Sum256(der)
	return encodeBase85(sum[:], FingerprintLength)
}

func encodeBase85(data []byte, minLength int) string {
	n := new(big.Int).SetBytes(data)
	base := big.NewInt(int64(len(fingerprintSymbols)))
	rem := new(big.Int)

	out := make([]rune, 0, minLength)
	for n.Sign() > 0 {
		n.QuoRem(n, base, rem)
		out = append(out, fingerprintSymbols[rem.Int64()])
	}
	for len(out) < minLength {
		out = append(out, fingerprintSymbols[0])
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 symbols.
func FormatFingerprint(fingerprint string) string {
	clean := []rune(strings.ReplaceAll(fingerprint, " ", ""))
	if len(clean) == 0 {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}

		end := i + 4
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(string(clean[i:end]))
	}

	return b.String()
}
