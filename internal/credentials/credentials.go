// Package credentials holds the session tokens of the signed-in user.
//
// The Store is the only shared mutable state of the client. All writes go
// through Set and Clear, and persistence to the OS keyring or the local
// database happens behind a Persister so the Store itself can be tested
// without either.
package credentials

import (
	"sync"

	"planner/internal/utils"
)

// Credentials is the session state. An empty string means the field is absent.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	UserID       string
}

// IsZero reports whether no field is set
func (c Credentials) IsZero() bool {
	return c.AccessToken == "" && c.RefreshToken == "" && c.UserID == ""
}

// Update is a partial Credentials used by Set. Nil fields keep their current value.
type Update struct {
	AccessToken  *string
	RefreshToken *string
	UserID       *string
}

// Store keeps credentials in memory and mirrors them to a Persister
type Store struct {
	mu      sync.RWMutex
	creds   Credentials
	version uint64

	persistMu sync.Mutex
	persister Persister

	subMu   sync.Mutex
	subs    map[int]func(Credentials)
	nextSub int
}

// New creates an empty in-memory store
func New() *Store {
	return &Store{
		persister: NewMemoryPersister(),
		subs:      make(map[int]func(Credentials)),
	}
}

// Open creates a store backed by p and loads whatever p already holds.
// A failing load is logged and yields an empty store.
func Open(p Persister) *Store {
	s := New()
	if p == nil {
		return s
	}
	s.persister = p

	creds, err := p.Load()
	if err != nil {
		utils.Warnf("Failed to load stored credentials: %v", err)
		return s
	}
	s.creds = creds
	return s
}

// Get returns a copy of the current credentials
func (s *Store) Get() Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds
}

// IsAuthenticated reports whether an access token is present.
// A refresh token alone does not count.
func (s *Store) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.AccessToken != ""
}

// Set merges u into the current credentials
func (s *Store) Set(u Update) {
	s.mu.Lock()
	if u.AccessToken != nil {
		s.creds.AccessToken = *u.AccessToken
	}
	if u.RefreshToken != nil {
		s.creds.RefreshToken = *u.RefreshToken
	}
	if u.UserID != nil {
		s.creds.UserID = *u.UserID
	}
	s.version++
	snapshot := s.creds

	// Taking persistMu before releasing mu keeps saves in write order.
	s.persistMu.Lock()
	s.mu.Unlock()

	if err := s.persister.Save(snapshot); err != nil {
		utils.Warnf("Failed to persist credentials: %v", err)
	}
	s.persistMu.Unlock()

	s.notify(snapshot)
}

// Clear removes every field
func (s *Store) Clear() {
	s.mu.Lock()
	s.creds = Credentials{}
	s.version++

	s.persistMu.Lock()
	s.mu.Unlock()

	if err := s.persister.Delete(); err != nil {
		utils.Warnf("Failed to delete stored credentials: %v", err)
	}
	s.persistMu.Unlock()

	s.notify(Credentials{})
}

// Version increases on every Set and Clear
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Subscribe registers fn to be called after every change.
// The returned function removes the subscription.
func (s *Store) Subscribe(fn func(Credentials)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn

	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Store) notify(c Credentials) {
	s.subMu.Lock()
	fns := make([]func(Credentials), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}

// Str returns a pointer to v, for building Updates
func Str(v string) *string { return &v }
