// Package token persists Google OAuth credentials and decides when they
// need refreshing.
package token

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// ExpiryMargin is the safety window applied before the recorded expiry:
// credentials within this margin of expiring are treated as invalid so a
// token never dies mid-request.
const ExpiryMargin = 5 * time.Minute

// Credentials is the JSON blob persisted by a Store.
type Credentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry"`
	Scope        []string  `json:"scope,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
}

// Valid reports whether the access token is still usable at the given
// instant, honoring ExpiryMargin.
func (c *Credentials) Valid(now time.Time) bool {
	if c == nil || c.AccessToken == "" || c.Expiry.IsZero() {
		return false
	}
	return now.Before(c.Expiry.Add(-ExpiryMargin))
}

// Store is an interface for saving and loading OAuth credentials.
// Save overwrites wholesale; there is no merge.
type Store interface {
	Save(creds *Credentials) error
	Load() (*Credentials, error)
	Clear() error
}

// FileStore is a file-based implementation of credential storage.
type FileStore struct {
	Path string
}

// NewFileStore creates a new FileStore with the given path.
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

// Save writes the credentials to the file at store.Path.
func (store *FileStore) Save(creds *Credentials) error {
	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	if err := os.WriteFile(store.Path, data, 0600); err != nil {
		return fmt.Errorf("failed to write credentials file: %w", err)
	}

	return nil
}

// Load reads the credentials from the file at store.Path.
// Returns nil, nil if the file does not exist or holds a structurally
// invalid record (missing access token or expiry). A bad record is a
// side-effect-free miss: it is left in place until Clear is called.
func (store *FileStore) Load() (*Credentials, error) {
	data, err := os.ReadFile(store.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, nil
	}
	if creds.AccessToken == "" || creds.Expiry.IsZero() {
		return nil, nil
	}

	return &creds, nil
}

// Clear removes the persisted record. Clearing an absent record is not an
// error.
func (store *FileStore) Clear() error {
	if err := os.Remove(store.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove credentials file: %w", err)
	}
	return nil
}

// MemoryStore is an in-memory Store for tests and embedded use.
type MemoryStore struct {
	mu    sync.Mutex
	creds *Credentials
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Save stores a copy of the credentials.
func (store *MemoryStore) Save(creds *Credentials) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	cpy := *creds
	store.creds = &cpy
	return nil
}

// Load returns the stored credentials, or nil, nil when absent or
// structurally invalid.
func (store *MemoryStore) Load() (*Credentials, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.creds == nil || store.creds.AccessToken == "" || store.creds.Expiry.IsZero() {
		return nil, nil
	}
	cpy := *store.creds
	return &cpy, nil
}

// Clear drops the stored credentials.
func (store *MemoryStore) Clear() error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.creds = nil
	return nil
}
