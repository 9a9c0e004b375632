package credentials

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zalando/go-keyring"
)

// ServiceName is the keyring service credentials are stored under
const ServiceName = "planner"

// ErrKeyringNotAvailable is returned when the OS has no usable secret service
var ErrKeyringNotAvailable = errors.New("system keyring not available")

// Keyring is the interface for keyring operations
type Keyring interface {
	Set(service, account, password string) error
	Get(service, account string) (string, error)
	Delete(service, account string) error
}

// KeyringPersister stores each credential field as a keyring secret
type KeyringPersister struct {
	keyring Keyring
	service string
}

// NewKeyringPersister creates a persister over k. A nil k uses the OS keyring.
func NewKeyringPersister(k Keyring) *KeyringPersister {
	if k == nil {
		k = &systemKeyring{}
	}
	return &KeyringPersister{keyring: k, service: ServiceName}
}

func (p *KeyringPersister) Load() (Credentials, error) {
	var c Credentials
	for account, dst := range map[string]*string{
		accountAccessToken:  &c.AccessToken,
		accountRefreshToken: &c.RefreshToken,
		accountUserID:       &c.UserID,
	} {
		v, err := p.keyring.Get(p.service, account)
		if errors.Is(err, keyring.ErrNotFound) {
			continue
		}
		if err != nil {
			return Credentials{}, err
		}
		*dst = v
	}
	return c, nil
}

func (p *KeyringPersister) Save(c Credentials) error {
	for account, v := range map[string]string{
		accountAccessToken:  c.AccessToken,
		accountRefreshToken: c.RefreshToken,
		accountUserID:       c.UserID,
	} {
		var err error
		if v == "" {
			err = p.deleteAccount(account)
		} else {
			err = p.keyring.Set(p.service, account, v)
		}
		if err != nil {
			return fmt.Errorf("keyring %s: %w", account, err)
		}
	}
	return nil
}

func (p *KeyringPersister) Delete() error {
	for _, account := range []string{accountAccessToken, accountRefreshToken, accountUserID} {
		if err := p.deleteAccount(account); err != nil {
			return fmt.Errorf("keyring %s: %w", account, err)
		}
	}
	return nil
}

// deleteAccount is idempotent
func (p *KeyringPersister) deleteAccount(account string) error {
	err := p.keyring.Delete(p.service, account)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}

// systemKeyring is the real keyring implementation using the OS keyring
type systemKeyring struct{}

func (s *systemKeyring) Set(service, account, password string) error {
	return mapKeyringErr(keyring.Set(service, account, password))
}

func (s *systemKeyring) Get(service, account string) (string, error) {
	v, err := keyring.Get(service, account)
	return v, mapKeyringErr(err)
}

func (s *systemKeyring) Delete(service, account string) error {
	return mapKeyringErr(keyring.Delete(service, account))
}

func mapKeyringErr(err error) error {
	if errors.Is(err, keyring.ErrUnsupportedPlatform) {
		return ErrKeyringNotAvailable
	}
	return err
}

// MockKeyring is a test implementation of the Keyring interface
type MockKeyring struct {
	mu    sync.RWMutex
	store map[string]map[string]string // service -> account -> password
	// Err, when set, is returned by every call
	Err error
}

// NewMockKeyring creates a new mock keyring for testing
func NewMockKeyring() *MockKeyring {
	return &MockKeyring{
		store: make(map[string]map[string]string),
	}
}

// Set stores a password in the mock keyring
func (m *MockKeyring) Set(service, account, password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	if m.store[service] == nil {
		m.store[service] = make(map[string]string)
	}
	m.store[service][account] = password
	return nil
}

// Get retrieves a password from the mock keyring
func (m *MockKeyring) Get(service, account string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return "", m.Err
	}

	if accounts, ok := m.store[service]; ok {
		if password, ok := accounts[account]; ok {
			return password, nil
		}
	}
	return "", keyring.ErrNotFound
}

// Delete removes a password from the mock keyring
func (m *MockKeyring) Delete(service, account string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	if accounts, ok := m.store[service]; ok {
		if _, ok := accounts[account]; ok {
			delete(accounts, account)
			return nil
		}
	}
	return keyring.ErrNotFound
}
