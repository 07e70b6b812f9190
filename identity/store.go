package identity

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	appcrypto "runelink/crypto"
	"runelink/storage"
)

var log = logging.Logger("identity")

const (
	// AliasSettingKey stores the user-facing device label.
	AliasSettingKey = "device_alias"
	// FingerprintSettingKey stores the cached certificate fingerprint.
	FingerprintSettingKey = "device_fingerprint"

	aliasPrefix   = "R-"
	aliasLength   = 8
	aliasAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

var (
	// ErrPersistence wraps failures of the settings store.
	ErrPersistence = errors.New("identity persistence unavailable")
	// ErrCertificateGeneration wraps failures of key or certificate creation.
	ErrCertificateGeneration = errors.New("certificate generation failed")
	// ErrCertificateWrite wraps filesystem failures while storing certificate material.
	ErrCertificateWrite = errors.New("certificate write failed")
)

const (
	// EventAliasChanged is emitted after SetAlias or first alias generation.
	EventAliasChanged EventType = "alias_changed"
	// EventFingerprintChanged is emitted after the certificate is regenerated.
	EventFingerprintChanged EventType = "fingerprint_changed"
)

// EventType identifies identity change notifications.
type EventType string

// Identity is the pair a peer uses to recognise this device.
type Identity struct {
	Alias       string `json:"alias" yaml:"alias"`
	Fingerprint string `json:"fingerprint" yaml:"fingerprint"`
}

// Event carries the identity as it was right after a change.
type Event struct {
	Type     EventType
	Identity Identity
}

// Settings is the key-value persistence the store reads and writes.
// GetSetting must return storage.ErrNotFound for missing keys.
type Settings interface {
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
}

// EventLog records identity history. Optional.
type EventLog interface {
	LogIdentityEvent(event storage.IdentityEvent) error
}

type generateFunc func(params appcrypto.CertificateParams) (*appcrypto.CertificateResult, error)

// Config controls where certificate material lives and how it is generated.
type Config struct {
	CertificatePath string
	PrivateKeyPath  string

	Organization string
	Country      string
	ValidityDays int
	KeyBits      int

	Events EventLog
	Now    func() time.Time

	generateFn generateFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Now == nil {
		out.Now = time.Now
	}
	if out.generateFn == nil {
		out.generateFn = appcrypto.GenerateSelfSignedCertificate
	}
	return out
}

func (c Config) validate() error {
	if c.CertificatePath == "" {
		return errors.New("certificate path is required")
	}
	if c.PrivateKeyPath == "" {
		return errors.New("private key path is required")
	}
	return nil
}

// Store owns the persisted alias and fingerprint of this device.
type Store struct {
	cfg      Config
	settings Settings

	mu          sync.Mutex
	alias       string
	fingerprint string

	listenersMu sync.Mutex
	listeners   []chan Event
}

// New creates an identity store. Nothing is read until first access.
func New(settings Settings, config Config) (*Store, error) {
	if settings == nil {
		return nil, errors.New("settings store is required")
	}
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &Store{cfg: cfg, settings: settings}, nil
}

// Init resolves the alias and makes sure certificate material is consistent.
func (s *Store) Init(ctx context.Context) (Identity, error) {
	return s.Identity(ctx)
}

// Alias returns the persisted alias, generating one on first use.
func (s *Store) Alias(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	alias, generated, err := s.aliasLocked()
	s.mu.Unlock()
	if err != nil {
		return "", err
	}
	if generated {
		s.notify(Event{Type: EventAliasChanged, Identity: Identity{Alias: alias, Fingerprint: s.cachedFingerprint()}})
	}
	return alias, nil
}

// SetAlias persists a new alias. The fingerprint is not affected.
func (s *Store) SetAlias(ctx context.Context, alias string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	old := s.alias
	if err := s.settings.SetSetting(AliasSettingKey, alias); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: store alias: %w", ErrPersistence, err)
	}
	s.alias = alias
	current := Identity{Alias: alias, Fingerprint: s.fingerprint}
	s.mu.Unlock()

	s.logEvent(storage.IdentityEvent{
		EventType: storage.IdentityEventAliasChanged,
		Details:   detailsJSON(map[string]string{"old_alias": old, "new_alias": alias}),
	})
	log.Infow("device alias changed", "alias", alias)
	s.notify(Event{Type: EventAliasChanged, Identity: current})
	return nil
}

// Fingerprint returns the fingerprint of the device certificate,
// regenerating the certificate when its files or cached value are missing.
func (s *Store) Fingerprint(ctx context.Context) (string, error) {
	return s.EnsureCertificate(ctx)
}

// Identity resolves alias and fingerprint together.
func (s *Store) Identity(ctx context.Context) (Identity, error) {
	fingerprint, err := s.EnsureCertificate(ctx)
	if err != nil {
		return Identity{}, err
	}
	alias, err := s.Alias(ctx)
	if err != nil {
		return Identity{}, err
	}
	return Identity{Alias: alias, Fingerprint: fingerprint}, nil
}

// Invalidate drops cached values so the next access rereads persistence
// and rechecks certificate files.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.alias = ""
	s.fingerprint = ""
	s.mu.Unlock()
}

// Subscribe registers for identity change notifications. The returned
// function unsubscribes and closes the channel.
func (s *Store) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)

	s.listenersMu.Lock()
	s.listeners = append(s.listeners, ch)
	s.listenersMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.listenersMu.Lock()
			defer s.listenersMu.Unlock()
			for i, listener := range s.listeners {
				if listener == ch {
					s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
					close(ch)
					return
				}
			}
		})
	}
}

func (s *Store) notify(event Event) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	for _, ch := range s.listeners {
		select {
		case ch <- event:
		default:
		}
	}
}

func (s *Store) cachedFingerprint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fingerprint
}

// aliasLocked must be called with s.mu held.
func (s *Store) aliasLocked() (string, bool, error) {
	if s.alias != "" {
		return s.alias, false, nil
	}

	stored, err := s.settings.GetSetting(AliasSettingKey)
	switch {
	case err == nil && stored != "":
		s.alias = stored
		return stored, false, nil
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return "", false, fmt.Errorf("%w: read alias: %w", ErrPersistence, err)
	}

	alias, err := GenerateAlias()
	if err != nil {
		return "", false, err
	}
	if err := s.settings.SetSetting(AliasSettingKey, alias); err != nil {
		return "", false, fmt.Errorf("%w: store alias: %w", ErrPersistence, err)
	}
	s.alias = alias
	log.Infow("generated device alias", "alias", alias)
	return alias, true, nil
}

func (s *Store) logEvent(event storage.IdentityEvent) {
	if s.cfg.Events == nil {
		return
	}
	if err := s.cfg.Events.LogIdentityEvent(event); err != nil {
		log.Warnw("record identity event failed", "type", event.EventType, "err", err)
	}
}

// GenerateAlias returns "R-" followed by 8 characters drawn uniformly
// from [A-Za-z0-9].
func GenerateAlias() (string, error) {
	limit := big.NewInt(int64(len(aliasAlphabet)))
	out := make([]byte, 0, len(aliasPrefix)+aliasLength)
	out = append(out, aliasPrefix...)
	for i := 0; i < aliasLength; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate alias: %w", err)
		}
		out = append(out, aliasAlphabet[n.Int64()])
	}
	return string(out), nil
}
