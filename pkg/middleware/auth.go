// Package middleware provides the HTTP middleware chain: request
// identification, structured request logging, panic recovery and session
// authentication.
package middleware

import (
	"context"
	"net/http"
	"strings"
	"sync"
)

// User is the authenticated principal attached to a request context.
type User struct {
	ID    string
	Name  string
	Admin bool
}

type contextKey string

const userKey contextKey = "user"

// WithUser returns a context carrying the authenticated user.
func WithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userKey, u)
}

// UserFromContext returns the authenticated user, if any.
func UserFromContext(ctx context.Context) (*User, bool) {
	u, ok := ctx.Value(userKey).(*User)
	return u, ok
}

// TokenValidator resolves a bearer token into a user. A nil user with a nil
// error means the token is unknown.
type TokenValidator interface {
	Validate(token string) (*User, error)
}

// TokenStore is an in-memory TokenValidator. Sufficient for a single-node
// host; sessions do not survive a restart.
type TokenStore struct {
	mu     sync.RWMutex
	tokens map[string]*User
}

// NewTokenStore creates an empty token store.
func NewTokenStore() *TokenStore {
	return &TokenStore{tokens: make(map[string]*User)}
}

// Issue associates a token with a user.
func (s *TokenStore) Issue(token string, u *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = u
}

// Revoke forgets a token.
func (s *TokenStore) Revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token)
}

// Validate implements TokenValidator.
func (s *TokenStore) Validate(token string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens[token], nil
}

// Authenticate resolves the request's bearer token (Authorization header or
// session cookie) and, when valid, attaches the user to the context. It
// never rejects: authorization decisions belong to the handlers downstream.
func Authenticate(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token != "" && validator != nil {
				if user, err := validator.Validate(token); err == nil && user != nil {
					r = r.WithContext(WithUser(r.Context(), user))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if c, err := r.Cookie("session"); err == nil {
		return c.Value
	}
	return ""
}
