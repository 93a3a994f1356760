// Package orders guards order submission against duplicates with
// content-derived idempotency keys remembered for a bounded window.
package orders

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "options-risk-engine/internal/errors"
	"options-risk-engine/internal/logging"
	"options-risk-engine/internal/models"
)

const (
	// DefaultMaxKeyLength is the longest key the broker accepts as an order tag.
	DefaultMaxKeyLength = 30
	// DefaultTTL is how long a key is remembered.
	DefaultTTL = 20 * time.Minute

	hashSuffixLen = 8
)

// Intents used when deriving keys.
const (
	IntentExit  = "exit"
	IntentEntry = "entry"
)

// NormalizeKey bounds raw to DefaultMaxKeyLength characters.
func NormalizeKey(raw string) string {
	return NormalizeKeyTo(raw, DefaultMaxKeyLength)
}

// NormalizeKeyTo bounds raw to limit characters. Keys that fit are returned
// unchanged. Longer keys keep a prefix and get "-" plus the first 8 hex
// characters of the SHA-256 of the whole raw key, so long keys sharing a
// prefix stay distinct.
func NormalizeKeyTo(raw string, limit int) string {
	if limit <= hashSuffixLen+1 {
		limit = DefaultMaxKeyLength
	}
	if len(raw) <= limit {
		return raw
	}
	sum := sha256.Sum256([]byte(raw))
	prefix := raw[:limit-hashSuffixLen-1]
	return prefix + "-" + hex.EncodeToString(sum[:])[:hashSuffixLen]
}

// DeriveKey builds a key from the order's identity and a time bucket. Two
// attempts for the same side, instrument and intent inside one bucket yield
// the same key.
func DeriveKey(side models.Side, securityID, intent string, at time.Time, bucket time.Duration) string {
	if bucket <= 0 {
		bucket = time.Minute
	}
	slot := at.UTC().Truncate(bucket).Unix()
	return fmt.Sprintf("%s:%s:%s:%d", sideCode(side), securityID, intent, slot)
}

// ExitKey is the key for the given exit attempt of a position. The attempt
// number only moves on after a definite rejection, so a retry after an
// ambiguous failure maps to the same key and is deduplicated.
func ExitKey(orderNo string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", IntentExit, orderNo, attempt)
}

func sideCode(s models.Side) string {
	switch s {
	case models.SideLongCall:
		return "LC"
	case models.SideLongPut:
		return "LP"
	default:
		return strings.ToUpper(string(s))
	}
}

// KeyStore remembers keys with a TTL.
type KeyStore interface {
	// Exists reports whether key is remembered and not expired.
	Exists(ctx context.Context, key string) (bool, error)
	// Set remembers key for ttl, overwriting any previous entry.
	Set(ctx context.Context, key string, ttl time.Duration) error
	// SetIfAbsent remembers key only when it is not already present and
	// reports whether it did so. It must be atomic.
	SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// FailOpenObserver is told whenever the store failed and the guard let the
// order through.
type FailOpenObserver interface {
	ObserveIdempotencyFailOpen(op string)
}

// Guard prevents the same logical order from being submitted twice within
// the TTL window. If the store is unavailable it fails open: the order is
// allowed and the failure is logged at warn level.
type Guard struct {
	store    KeyStore
	ttl      time.Duration
	maxLen   int
	logger   zerolog.Logger
	observer FailOpenObserver
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithTTL sets how long keys are remembered.
func WithTTL(ttl time.Duration) GuardOption {
	return func(g *Guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithMaxKeyLength sets the normalized key length.
func WithMaxKeyLength(n int) GuardOption {
	return func(g *Guard) {
		if n > hashSuffixLen+1 {
			g.maxLen = n
		}
	}
}

// WithFailOpenObserver installs o.
func WithFailOpenObserver(o FailOpenObserver) GuardOption {
	return func(g *Guard) { g.observer = o }
}

// NewGuard creates a guard over store.
func NewGuard(store KeyStore, logger zerolog.Logger, opts ...GuardOption) *Guard {
	g := &Guard{
		store:  store,
		ttl:    DefaultTTL,
		maxLen: DefaultMaxKeyLength,
		logger: logging.WithComponent(logger, "idempotency"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Normalize bounds key to the guard's configured length.
func (g *Guard) Normalize(key string) string {
	return NormalizeKeyTo(key, g.maxLen)
}

// Duplicate reports whether key was remembered within the TTL window.
// A store failure reports false.
func (g *Guard) Duplicate(ctx context.Context, key string) bool {
	key = g.Normalize(key)
	seen, err := g.store.Exists(ctx, key)
	if err != nil {
		g.failOpen("duplicate", key, err)
		return false
	}
	return seen
}

// Remember records key for the TTL window. It is called after every attempt
// whatever the broker said.
func (g *Guard) Remember(ctx context.Context, key string) {
	key = g.Normalize(key)
	if err := g.store.Set(ctx, key, g.ttl); err != nil {
		g.failOpen("remember", key, err)
	}
}

// Claim atomically checks and records key. It returns true when the caller
// owns the attempt. A store failure returns true.
func (g *Guard) Claim(ctx context.Context, key string) bool {
	key = g.Normalize(key)
	won, err := g.store.SetIfAbsent(ctx, key, g.ttl)
	if err != nil {
		g.failOpen("claim", key, err)
		return true
	}
	return won
}

func (g *Guard) failOpen(op, key string, err error) {
	g.logger.Warn().
		Err(fmt.Errorf("%w: %v", apperrors.ErrIdempotencyStore, err)).
		Str("op", op).
		Str("idempotency_key", key).
		Msg("Idempotency store unavailable, allowing order (fail open)")
	if g.observer != nil {
		g.observer.ObserveIdempotencyFailOpen(op)
	}
}

// MemoryKeyStore is an in-process KeyStore.
type MemoryKeyStore struct {
	mu   sync.Mutex
	keys map[string]time.Time
	now  func() time.Time
}

// NewMemoryKeyStore creates an empty store.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string]time.Time), now: time.Now}
}

// SetClock replaces the time source.
func (s *MemoryKeyStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MemoryKeyStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live(key), nil
}

func (s *MemoryKeyStore) Set(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key] = s.now().Add(ttl)
	s.sweep()
	return nil
}

func (s *MemoryKeyStore) SetIfAbsent(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live(key) {
		return false, nil
	}
	s.keys[key] = s.now().Add(ttl)
	return true, nil
}

// Len returns the number of stored keys, expired ones included.
func (s *MemoryKeyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

func (s *MemoryKeyStore) live(key string) bool {
	exp, ok := s.keys[key]
	if !ok {
		return false
	}
	if !s.now().Before(exp) {
		delete(s.keys, key)
		return false
	}
	return true
}

// sweep drops expired keys. Caller holds mu.
func (s *MemoryKeyStore) sweep() {
	now := s.now()
	for k, exp := range s.keys {
		if !now.Before(exp) {
			delete(s.keys, k)
		}
	}
}
