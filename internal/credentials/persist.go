package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"planner/internal/kvstore"
)

// Persister stores credentials outside the process
type Persister interface {
	Load() (Credentials, error)
	Save(Credentials) error
	Delete() error
}

// Account names used by every persister
const (
	accountAccessToken  = "access_token"
	accountRefreshToken = "refresh_token"
	accountUserID       = "user_id"
)

// MemoryPersister keeps credentials for the life of the process only
type MemoryPersister struct {
	mu    sync.Mutex
	creds Credentials
	saves int
}

// NewMemoryPersister creates an empty memory persister
func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{}
}

func (m *MemoryPersister) Load() (Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds, nil
}

func (m *MemoryPersister) Save(c Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = c
	m.saves++
	return nil
}

func (m *MemoryPersister) Delete() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = Credentials{}
	return nil
}

// Saves returns how many times Save was called
func (m *MemoryPersister) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// KV is the subset of kvstore.Store used for credentials
type KV interface {
	Get(ctx context.Context, namespace, key string) (*kvstore.Entry, error)
	SetMany(ctx context.Context, namespace string, values map[string][]byte) error
	Delete(ctx context.Context, namespace, key string) error
	DeleteNamespace(ctx context.Context, namespace string) error
}

// kvNamespace is the kv namespace holding credentials
const kvNamespace = "credentials"

// kvTimeout bounds each database call
const kvTimeout = 5 * time.Second

// KVPersister stores credentials in the local SQLite database
type KVPersister struct {
	kv KV
}

// NewKVPersister creates a persister over kv
func NewKVPersister(kv KV) *KVPersister {
	return &KVPersister{kv: kv}
}

func (p *KVPersister) Load() (Credentials, error) {
	ctx, cancel := context.WithTimeout(context.Background(), kvTimeout)
	defer cancel()

	var c Credentials
	for account, dst := range map[string]*string{
		accountAccessToken:  &c.AccessToken,
		accountRefreshToken: &c.RefreshToken,
		accountUserID:       &c.UserID,
	} {
		entry, err := p.kv.Get(ctx, kvNamespace, account)
		if errors.Is(err, kvstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return Credentials{}, err
		}
		*dst = string(entry.Value)
	}
	return c, nil
}

func (p *KVPersister) Save(c Credentials) error {
	ctx, cancel := context.WithTimeout(context.Background(), kvTimeout)
	defer cancel()

	values := make(map[string][]byte, 3)
	for account, v := range map[string]string{
		accountAccessToken:  c.AccessToken,
		accountRefreshToken: c.RefreshToken,
		accountUserID:       c.UserID,
	} {
		if v == "" {
			if err := p.kv.Delete(ctx, kvNamespace, account); err != nil {
				return err
			}
			continue
		}
		values[account] = []byte(v)
	}
	if len(values) == 0 {
		return nil
	}
	return p.kv.SetMany(ctx, kvNamespace, values)
}

func (p *KVPersister) Delete() error {
	ctx, cancel := context.WithTimeout(context.Background(), kvTimeout)
	defer cancel()
	return p.kv.DeleteNamespace(ctx, kvNamespace)
}

// NewPersister returns the persister named by kind: "memory", "keyring" or "sqlite".
// kv is only used by "sqlite".
func NewPersister(kind string, kv KV) (Persister, error) {
	switch kind {
	case "memory":
		return NewMemoryPersister(), nil
	case "keyring", "":
		return NewKeyringPersister(nil), nil
	case "sqlite":
		if kv == nil {
			return nil, errors.New("sqlite credential store requires a database")
		}
		return NewKVPersister(kv), nil
	}
	return nil, fmt.Errorf("unknown credential store: %q", kind)
}
