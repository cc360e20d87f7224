// Package keys holds the symmetric keys used to authenticate mode-6 traffic.
package keys

import (
	"crypto/aes"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
	"sync"
	"time"

	"github.com/aead/cmac"
	"golang.org/x/crypto/sha3"

	"firestige.xyz/ntpctl/internal/config"
	"firestige.xyz/ntpctl/internal/core"
)

// MaxDigestLen is the longest digest carried after the key id.
const MaxDigestLen = 20

// Supported key types.
const (
	TypeMD5        = "MD5"
	TypeSHA1       = "SHA1"
	TypeSHA256     = "SHA256"
	TypeSHA3       = "SHA3-256"
	TypeAES128CMAC = "AES128CMAC"
)

// Key is one symmetric key.
type Key struct {
	ID      uint32
	Type    string
	Trusted bool
	secret  []byte
}

// Stats are the authentication counters reported as auth* system variables.
type Stats struct {
	Keys        int
	FreeKeys    int
	Lookups     uint64
	NotFound    uint64
	Uncached    uint64
	Expired     uint64
	Encryptions uint64
	Decryptions uint64
	ResetAt     time.Time
}

// Store is a concurrency-safe key table.
type Store struct {
	mu    sync.RWMutex
	keys  map[uint32]*Key
	cache uint32 // id of the last key looked up
	stats Stats
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		keys:  make(map[uint32]*Key),
		stats: Stats{ResetAt: time.Now()},
	}
}

// Load replaces the key table with the configured keys.
func (s *Store) Load(cfgs []config.KeyConfig) error {
	keys := make(map[uint32]*Key, len(cfgs))
	for _, c := range cfgs {
		k, err := newKey(c.ID, c.Type, c.Secret, c.Trusted)
		if err != nil {
			return fmt.Errorf("key %d: %w", c.ID, err)
		}
		keys[k.ID] = k
	}
	s.mu.Lock()
	s.keys = keys
	s.cache = 0
	s.mu.Unlock()
	return nil
}

// Add installs or replaces one key.
func (s *Store) Add(id uint32, typ, secret string, trusted bool) error {
	k, err := newKey(id, typ, secret, trusted)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.keys[id] = k
	s.mu.Unlock()
	return nil
}

// SetTrusted changes the trust bit of an installed key.
func (s *Store) SetTrusted(id uint32, trusted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return fmt.Errorf("%w: %d", core.ErrKeyNotFound, id)
	}
	k.Trusted = trusted
	return nil
}

// Trusted reports whether the key exists and is trusted.
func (s *Store) Trusted(id uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.lookupLocked(id)
	return k != nil && k.Trusted
}

// Verify checks a digest computed over msg with key id.
func (s *Store) Verify(id uint32, msg, digest []byte) bool {
	s.mu.Lock()
	k := s.lookupLocked(id)
	if k != nil {
		s.stats.Decryptions++
	}
	s.mu.Unlock()
	if k == nil || !k.Trusted {
		return false
	}
	want, err := k.digest(msg)
	if err != nil {
		return false
	}
	return len(digest) == len(want) && subtle.ConstantTimeCompare(want, digest) == 1
}

// Sign returns the digest of msg under key id.
func (s *Store) Sign(id uint32, msg []byte) ([]byte, error) {
	s.mu.Lock()
	k := s.lookupLocked(id)
	if k != nil {
		s.stats.Encryptions++
	}
	s.mu.Unlock()
	if k == nil {
		return nil, fmt.Errorf("%w: %d", core.ErrKeyNotFound, id)
	}
	if !k.Trusted {
		return nil, fmt.Errorf("%w: %d", core.ErrKeyUntrusted, id)
	}
	return k.digest(msg)
}

// Stats returns a copy of the counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.stats
	st.Keys = len(s.keys)
	return st
}

// ResetStats zeroes the counters.
func (s *Store) ResetStats() {
	s.mu.Lock()
	s.stats = Stats{ResetAt: time.Now()}
	s.mu.Unlock()
}

func (s *Store) lookupLocked(id uint32) *Key {
	s.stats.Lookups++
	k, ok := s.keys[id]
	if !ok {
		s.stats.NotFound++
		return nil
	}
	if s.cache != id {
		s.stats.Uncached++
		s.cache = id
	}
	return k
}

func newKey(id uint32, typ, secret string, trusted bool) (*Key, error) {
	if id == 0 {
		return nil, fmt.Errorf("key id must be nonzero")
	}
	typ = strings.ToUpper(typ)
	if typ == "" {
		typ = TypeMD5
	}
	switch typ {
	case TypeMD5, TypeSHA1, TypeSHA256, TypeSHA3, TypeAES128CMAC:
	default:
		return nil, fmt.Errorf("%w: %s", core.ErrUnsupportedKeyType, typ)
	}
	raw, err := decodeSecret(secret)
	if err != nil {
		return nil, err
	}
	if typ == TypeAES128CMAC {
		padded := make([]byte, aes.BlockSize)
		copy(padded, raw)
		raw = padded
	}
	return &Key{ID: id, Type: typ, Trusted: trusted, secret: raw}, nil
}

// decodeSecret treats secrets of up to 20 characters as ASCII and longer ones as hex.
func decodeSecret(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("empty secret")
	}
	if len(s) <= 20 {
		return []byte(s), nil
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("secret is neither short ASCII nor hex: %w", err)
	}
	return raw, nil
}

func (k *Key) digest(msg []byte) ([]byte, error) {
	var sum []byte
	switch k.Type {
	case TypeAES128CMAC:
		block, err := aes.NewCipher(k.secret)
		if err != nil {
			return nil, err
		}
		sum, err = cmac.Sum(msg, block, aes.BlockSize)
		if err != nil {
			return nil, err
		}
	default:
		h := k.hash()
		h.Write(k.secret)
		h.Write(msg)
		sum = h.Sum(nil)
	}
	if len(sum) > MaxDigestLen {
		sum = sum[:MaxDigestLen]
	}
	return sum, nil
}

func (k *Key) hash() hash.Hash {
	switch k.Type {
	case TypeSHA1:
		return sha1.New()
	case TypeSHA256:
		return sha256.New()
	case TypeSHA3:
		return sha3.New256()
	default:
		return md5.New()
	}
}
