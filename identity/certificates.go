package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	appcrypto "runelink/crypto"
	"runelink/storage"
)

const (
	reasonCertificateMissing  = "certificate_missing"
	reasonPrivateKeyMissing   = "private_key_missing"
	reasonFingerprintMissing  = "fingerprint_missing"
	reasonCertificateCorrupt  = "certificate_corrupt"
	reasonFingerprintMismatch = "fingerprint_mismatch"
)

// EnsureCertificate checks that the certificate file, private key file and
// cached fingerprint all exist and agree. When any of them is missing or
// unreadable the whole set is regenerated and the new fingerprint returned.
func (s *Store) EnsureCertificate(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	fingerprint, changed, aliasGenerated, err := s.ensureCertificateLocked()
	alias := s.alias
	s.mu.Unlock()

	if aliasGenerated {
		s.notify(Event{Type: EventAliasChanged, Identity: Identity{Alias: alias, Fingerprint: fingerprint}})
	}
	if err != nil {
		return "", err
	}
	if changed {
		s.notify(Event{Type: EventFingerprintChanged, Identity: Identity{Alias: alias, Fingerprint: fingerprint}})
	}
	return fingerprint, nil
}

// ensureCertificateLocked must be called with s.mu held. It reports whether
// the certificate was regenerated and whether a first alias was generated
// for it.
func (s *Store) ensureCertificateLocked() (string, bool, bool, error) {
	cached := s.fingerprint
	if cached == "" {
		stored, err := s.settings.GetSetting(FingerprintSettingKey)
		switch {
		case err == nil:
			cached = stored
		case !errors.Is(err, storage.ErrNotFound):
			return "", false, false, fmt.Errorf("%w: read fingerprint: %w", ErrPersistence, err)
		}
	}

	reason, err := s.checkMaterial(cached)
	if err != nil {
		return "", false, false, err
	}
	if reason == "" {
		s.fingerprint = cached
		return cached, false, false, nil
	}

	fingerprint, aliasGenerated, err := s.regenerateLocked(cached, reason)
	if err != nil {
		return "", false, false, err
	}
	return fingerprint, true, aliasGenerated, nil
}

// checkMaterial returns an empty reason when the triple is consistent.
func (s *Store) checkMaterial(cached string) (string, error) {
	certExists, err := fileExists(s.cfg.CertificatePath)
	if err != nil {
		return "", err
	}
	if !certExists {
		return reasonCertificateMissing, nil
	}

	keyExists, err := fileExists(s.cfg.PrivateKeyPath)
	if err != nil {
		return "", err
	}
	if !keyExists {
		return reasonPrivateKeyMissing, nil
	}

	if cached == "" {
		return reasonFingerprintMissing, nil
	}

	pair, err := appcrypto.LoadTLSCertificate(s.cfg.CertificatePath, s.cfg.PrivateKeyPath)
	if err != nil {
		log.Warnw("certificate material unreadable", "err", err)
		return reasonCertificateCorrupt, nil
	}
	cert, err := appcrypto.LoadCertificate(s.cfg.CertificatePath)
	if err != nil || len(pair.Certificate) == 0 {
		return reasonCertificateCorrupt, nil
	}
	if appcrypto.CertificateFingerprint(cert) != cached {
		return reasonFingerprintMismatch, nil
	}

	return "", nil
}

func (s *Store) regenerateLocked(oldFingerprint, reason string) (string, bool, error) {
	alias, aliasGenerated, err := s.aliasLocked()
	if err != nil {
		return "", false, err
	}

	result, err := s.cfg.generateFn(appcrypto.CertificateParams{
		CommonName:   alias,
		Organization: s.cfg.Organization,
		Country:      s.cfg.Country,
		ValidityDays: s.cfg.ValidityDays,
		KeyBits:      s.cfg.KeyBits,
		Now:          s.cfg.Now(),
	})
	if err != nil {
		return "", aliasGenerated, fmt.Errorf("%w: %w", ErrCertificateGeneration, err)
	}

	if err := writeMaterial(s.cfg.CertificatePath, s.cfg.PrivateKeyPath, result); err != nil {
		return "", aliasGenerated, err
	}

	if err := s.settings.SetSetting(FingerprintSettingKey, result.Fingerprint); err != nil {
		return "", aliasGenerated, fmt.Errorf("%w: store fingerprint: %w", ErrPersistence, err)
	}
	s.fingerprint = result.Fingerprint

	event := storage.IdentityEvent{
		EventType:      storage.IdentityEventCertificateGenerated,
		NewFingerprint: &result.Fingerprint,
		Details: detailsJSON(map[string]string{
			"reason":    reason,
			"alias":     alias,
			"not_after": result.NotAfter.UTC().Format("2006-01-02T15:04:05Z"),
		}),
	}
	if oldFingerprint != "" {
		old := oldFingerprint
		event.OldFingerprint = &old
	}
	s.logEvent(event)

	log.Infow("generated device certificate", "reason", reason, "fingerprint", appcrypto.FormatFingerprint(result.Fingerprint))
	return result.Fingerprint, aliasGenerated, nil
}

func writeMaterial(certPath, keyPath string, result *appcrypto.CertificateResult) error {
	for _, dir := range []string{filepath.Dir(certPath), filepath.Dir(keyPath)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("%w: create directory %q: %w", ErrCertificateWrite, dir, err)
		}
	}
	if err := appcrypto.SavePrivateKeyPEM(keyPath, result.PrivateKeyPEM); err != nil {
		return fmt.Errorf("%w: %w", ErrCertificateWrite, err)
	}
	if err := appcrypto.SaveCertificatePEM(certPath, result.CertificatePEM); err != nil {
		return fmt.Errorf("%w: %w", ErrCertificateWrite, err)
	}
	return nil
}

func fileExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err == nil {
		return !info.IsDir(), nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("%w: stat %q: %w", ErrCertificateWrite, path, err)
}

func detailsJSON(fields map[string]string) string {
	raw, err := json.Marshal(fields)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
