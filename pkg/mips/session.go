package mips

import (
	"context"
	"net/http"
	"strings"
	"sync"
)

// session holds the sign-in cookies. All access goes through mu so that
// concurrent workers never observe a half-replaced cookie set, and only one
// sign-in runs at a time.
type session struct {
	mu      sync.Mutex
	cookies []*http.Cookie
	valid   bool
	gen     uint64
}

type signInFunc func(ctx context.Context) ([]*http.Cookie, error)

// ensure returns the current cookies, signing in first when the session is
// not valid. The returned generation identifies the cookie set.
func (s *session) ensure(ctx context.Context, signIn signInFunc) (string, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.valid {
		cookies, err := signIn(ctx)
		if err != nil {
			return "", s.gen, err
		}
		s.cookies = cookies
		s.valid = true
		s.gen++
	}
	return cookieHeader(s.cookies), s.gen, nil
}

// invalidate marks the session stale if it is still the given generation.
// A newer session obtained by another worker is left alone.
func (s *session) invalidate(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == gen {
		s.valid = false
	}
}

func (s *session) expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.valid = false
}

func (s *session) isValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valid
}

func cookieHeader(cookies []*http.Cookie) string {
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, (&http.Cookie{Name: c.Name, Value: c.Value}).String())
	}
	return strings.Join(parts, "; ")
}
