// Package clientauth verifies client credentials ({username, password,
// dbname}) backing the CLIENT_AUTH_REQ handshake.
package clientauth

import (
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// Outcome is the result of a client credential check.
type Outcome int

const (
	AuthSuccess Outcome = iota
	ErrUnknownDB
	ErrCredentials
)

func (o Outcome) String() string {
	switch o {
	case AuthSuccess:
		return "AUTH_SUCCESS"
	case ErrUnknownDB:
		return "ERR_AUTH_UNKNOWN_DB"
	case ErrCredentials:
		return "ERR_AUTH_CREDENTIALS"
	default:
		return "ERR_AUTH_UNKNOWN"
	}
}

// User is one stored credential: a bcrypt hash, never the plaintext.
type User struct {
	Username     string
	PasswordHash []byte
}

// Store holds the registered users for one database, keyed by username.
type Store struct {
	dbname string
	cost   int

	mu    sync.RWMutex
	users map[string]*User
}

// NewStore returns an empty credential store for dbname, hashing new
// passwords at the given bcrypt cost.
func NewStore(dbname string, cost int) *Store {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	return &Store{dbname: dbname, cost: cost, users: make(map[string]*User)}
}

// AddUser hashes password and stores the credential, replacing any existing
// entry for username.
func (s *Store) AddUser(username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return fmt.Errorf("clientauth: hashing password for %q: %w", username, err)
	}

	s.mu.Lock()
	s.users[username] = &User{Username: username, PasswordHash: hash}
	s.mu.Unlock()
	return nil
}

// DropUser removes username from the store.
func (s *Store) DropUser(username string) {
	s.mu.Lock()
	delete(s.users, username)
	s.mu.Unlock()
}

// Registry maps database name to its credential store, so one process
// serving several databases authenticates each against its own user table.
type Registry struct {
	mu     sync.RWMutex
	stores map[string]*Store
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{stores: make(map[string]*Store)}
}

// Register adds (or replaces) the credential store for a database.
func (r *Registry) Register(store *Store) {
	r.mu.Lock()
	r.stores[store.dbname] = store
	r.mu.Unlock()
}

// Authenticate checks {username, password, dbname} against the registry,
// returning exactly one of the three documented outcomes.
func (r *Registry) Authenticate(username, password, dbname string) Outcome {
	r.mu.RLock()
	store, ok := r.stores[dbname]
	r.mu.RUnlock()
	if !ok {
		return ErrUnknownDB
	}

	store.mu.RLock()
	user, ok := store.users[username]
	store.mu.RUnlock()
	if !ok {
		return ErrCredentials
	}

	if bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)) != nil {
		return ErrCredentials
	}

	return AuthSuccess
}
