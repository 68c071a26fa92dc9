package tgui

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"
)

// TokenStore keeps callback payloads server-side when they would not fit
// in Telegram's 64-byte callback_data. Put returns a short token; the
// callback handler resolves it with Get. Entries expire after a TTL, so a
// stale button answers "expired" instead of acting on wrong data.
//
// Tokens start with '~' and never contain ':', which keeps them safe
// inside "group:action:payload" strings.
type TokenStore struct {
	mu        sync.Mutex
	ttl       time.Duration
	max       int
	nextSweep time.Time
	m         map[string]tokenEntry
}

type tokenEntry struct {
	v   string
	exp time.Time
}

const tokenSweepInterval = time.Minute

// NewTokenStore returns a store with a 15 minute TTL and room for 5000
// live entries.
func NewTokenStore() *TokenStore {
	return &TokenStore{
		ttl: 15 * time.Minute,
		max: 5000,
		m:   map[string]tokenEntry{},
	}
}

// WithTTL overrides the entry TTL.
func (s *TokenStore) WithTTL(ttl time.Duration) *TokenStore {
	if s == nil || ttl <= 0 {
		return s
	}
	s.mu.Lock()
	s.ttl = ttl
	s.mu.Unlock()
	return s
}

// Put stores v and returns its token.
func (s *TokenStore) Put(v string) string {
	if s == nil {
		return ""
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(now)

	for {
		var buf [6]byte
		_, _ = rand.Read(buf[:])
		tok := "~" + base64.RawURLEncoding.EncodeToString(buf[:])
		if _, exists := s.m[tok]; exists {
			continue
		}
		s.m[tok] = tokenEntry{v: v, exp: now.Add(s.ttl)}
		s.evictLocked()
		return tok
	}
}

// Get resolves tok. Expired or unknown tokens report false.
func (s *TokenStore) Get(tok string) (string, bool) {
	if s == nil || tok == "" {
		return "", false
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(now)

	e, ok := s.m[tok]
	if !ok {
		return "", false
	}
	if now.After(e.exp) {
		delete(s.m, tok)
		return "", false
	}
	return e.v, true
}

func (s *TokenStore) sweepLocked(now time.Time) {
	if now.Before(s.nextSweep) {
		return
	}
	for k, e := range s.m {
		if now.After(e.exp) {
			delete(s.m, k)
		}
	}
	s.nextSweep = now.Add(tokenSweepInterval)
}

func (s *TokenStore) evictLocked() {
	if s.max <= 0 || len(s.m) <= s.max {
		return
	}
	over := len(s.m) - s.max
	for k := range s.m {
		delete(s.m, k)
		over--
		if over <= 0 {
			return
		}
	}
}
