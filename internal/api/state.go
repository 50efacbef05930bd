package api

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"
)

const stateTTL = 10 * time.Minute

// stateStore holds the OAuth state tokens of consent flows in
// progress.
type stateStore struct {
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	issued map[string]time.Time
}

func newStateStore(ttl time.Duration) *stateStore {
	return &stateStore{ttl: ttl, now: time.Now, issued: map[string]time.Time{}}
}

// issue returns a fresh random state and forgets expired ones.
func (s *stateStore) issue() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	state := base64.RawURLEncoding.EncodeToString(b)

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, at := range s.issued {
		if now.Sub(at) > s.ttl {
			delete(s.issued, k)
		}
	}
	s.issued[state] = now
	return state, nil
}

// consume reports whether state was issued and has not expired.  A
// state is accepted once.
func (s *stateStore) consume(state string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.issued[state]
	if !ok {
		return false
	}
	delete(s.issued, state)
	return s.now().Sub(at) <= s.ttl
}
