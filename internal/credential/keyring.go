// Package credential resolves mailbox passwords. Accounts either use the
// configured default password or name a key in the system keyring.
package credential

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/99designs/keyring"

	"github.com/nhle/leadmail/internal/model"
)

const serviceName = "leadmail"

// DefaultRef selects the configured default password.
const DefaultRef = "default"

// ErrNoPassword is returned when an account resolves to an empty password.
var ErrNoPassword = errors.New("no mailbox password configured")

// Store reads and writes mailbox passwords in a keyring.
type Store struct {
	ring keyring.Keyring
}

// Open opens the system keyring, falling back to an encrypted file store
// under dir on hosts without a keychain or secret service.
func Open(dir string) (*Store, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  filepath.Join(dir, "credentials"),
		FilePasswordFunc:         keyring.FixedStringPrompt("leadmail-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return NewStore(ring), nil
}

// NewStore wraps an already opened keyring.
func NewStore(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

// Get retrieves a credential value by key.
func (s *Store) Get(key string) (string, error) {
	item, err := s.ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}
	return string(item.Data), nil
}

// Set stores a credential value by key.
func (s *Store) Set(key, value string) error {
	if err := s.ring.Set(keyring.Item{Key: key, Data: []byte(value)}); err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}
	return nil
}

// Delete removes a credential by key.
func (s *Store) Delete(key string) error {
	if err := s.ring.Remove(key); err != nil {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}
	return nil
}

// Getter looks up a stored credential.
type Getter interface {
	Get(key string) (string, error)
}

// Resolver maps an account's credential reference to its password.
type Resolver struct {
	store           Getter
	defaultPassword string
}

// NewResolver creates a resolver. store may be nil when every account
// uses the default password.
func NewResolver(store Getter, defaultPassword string) *Resolver {
	return &Resolver{store: store, defaultPassword: defaultPassword}
}

// Password returns the IMAP password for acct.
func (r *Resolver) Password(_ context.Context, acct model.MailboxAccount) (string, error) {
	ref := acct.CredentialRef
	if ref == "" || ref == DefaultRef {
		if r.defaultPassword == "" {
			return "", fmt.Errorf("%s: %w", acct.Address, ErrNoPassword)
		}
		return r.defaultPassword, nil
	}

	if r.store == nil {
		return "", fmt.Errorf("%s: credential %q requires a keyring", acct.Address, ref)
	}
	password, err := r.store.Get(ref)
	if err != nil {
		return "", err
	}
	if password == "" {
		return "", fmt.Errorf("%s: %w", acct.Address, ErrNoPassword)
	}
	return password, nil
}
