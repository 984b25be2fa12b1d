// Package auth protects the MCP endpoint with static API keys. Keys are
// held as SHA-256 hashes; the plain keys only live in the environment.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"sync"
)

const (
	// APIKeyPrefix marks roomsync API keys.
	APIKeyPrefix = "rs_"

	// APIKeyMinLen is the prefix plus 16 random bytes in hex.
	APIKeyMinLen = len(APIKeyPrefix) + 32
)

// APIKey is an accepted key.
type APIKey struct {
	UserID  string
	keyHash [sha256.Size]byte
}

// Store holds the accepted API keys.
type Store struct {
	mu   sync.RWMutex
	keys []APIKey
}

// NewStore creates an empty key store.
func NewStore() *Store {
	return &Store{}
}

// AddAPIKey accepts key on behalf of userID.
func (s *Store) AddAPIKey(userID, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.keys = append(s.keys, APIKey{UserID: userID, keyHash: sha256.Sum256([]byte(key))})
}

// ValidateAPIKey returns the key entry matching token, or nil. Every
// stored hash is compared so timing does not reveal which entry matched.
func (s *Store) ValidateAPIKey(token string) *APIKey {
	h := sha256.Sum256([]byte(token))

	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *APIKey

	for i := range s.keys {
		if subtle.ConstantTimeCompare(h[:], s.keys[i].keyHash[:]) == 1 {
			found = &s.keys[i]
		}
	}

	if found == nil {
		return nil
	}

	ak := *found

	return &ak
}

// Len returns the number of accepted keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.keys)
}

// GenerateAPIKey returns a new random API key.
func GenerateAPIKey() string {
	return APIKeyPrefix + RandomHex(32)
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
