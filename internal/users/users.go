// Package users is a reference implementation of the "user manager"
// collaborator from spec section 1/4: it resolves a durable identity
// (display name, optional email, durable public key) for whoever just
// proved ownership of a login token, creating the identity on first
// sight and returning the same one on every later login.
//
// spec.md treats the user store as an external collaborator with no
// mandated persistence; this in-memory Manager is the reference the
// rest of the repo (and its tests) run against. A real deployment
// swaps it for a durable store behind the same Store interface.
package users

import (
	"sync"

	"github.com/sealedroom/server/internal/crypto"
)

// User is the durable identity spec section 3 describes: created on
// first successful authentication, looked up by id on every
// subsequent login.
type User struct {
	ID        string
	Name      string
	Email     string
	PublicKey crypto.PublicKey
}

// Store persists User records. Manager's default is an in-memory map;
// a production deployment backs this with whatever durable store the
// surrounding application already uses (out of scope for this spec).
type Store interface {
	Get(id string) (User, bool)
	Put(u User)
}

// memStore is the default in-memory Store.
type memStore struct {
	mu    sync.RWMutex
	users map[string]User
}

func newMemStore() *memStore {
	return &memStore{users: make(map[string]User)}
}

func (s *memStore) Get(id string) (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	return u, ok
}

func (s *memStore) Put(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// Manager resolves and records durable user identities. Safe for
// concurrent use.
type Manager struct {
	store Store
}

// NewManager constructs a Manager backed by store. A nil store uses
// an in-memory map.
func NewManager(store Store) *Manager {
	if store == nil {
		store = newMemStore()
	}
	return &Manager{store: store}
}

// Resolve returns the durable identity for id, if one has been
// recorded.
func (m *Manager) Resolve(id string) (User, bool) {
	return m.store.Get(id)
}

// Authenticate looks up the user behind id, recording a fresh
// identity on first sight (spec section 3: "created on first
// successful authentication"). The caller (the HTTP login handler)
// is responsible for the out-of-scope proof-of-identity step; by the
// time Authenticate runs, id/name/email/publicKey are already
// trusted. On a later login for the same id, the existing record is
// returned unchanged — name/email/publicKey do not silently migrate
// out from under an established identity.
func (m *Manager) Authenticate(id, name, email string, publicKey crypto.PublicKey) User {
	if existing, ok := m.store.Get(id); ok {
		return existing
	}
	u := User{ID: id, Name: name, Email: email, PublicKey: publicKey}
	m.store.Put(u)
	return u
}
