package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func authProbe(validator TokenValidator) (http.Handler, *[]*User) {
	var seen []*User
	h := Authenticate(validator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, _ := UserFromContext(r.Context())
		seen = append(seen, u)
	}))
	return h, &seen
}

func TestAuthenticateBearerHeader(t *testing.T) {
	store := NewTokenStore()
	store.Issue("tok", &User{ID: "u1"})
	h, seen := authProbe(store)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer tok")
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.Len(t, *seen, 1)
	require.NotNil(t, (*seen)[0])
	assert.Equal(t, "u1", (*seen)[0].ID)
}

func TestAuthenticateSessionCookie(t *testing.T) {
	store := NewTokenStore()
	store.Issue("cookie-tok", &User{ID: "u2"})
	h, seen := authProbe(store)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "session", Value: "cookie-tok"})
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.Len(t, *seen, 1)
	require.NotNil(t, (*seen)[0])
	assert.Equal(t, "u2", (*seen)[0].ID)
}

func TestAuthenticateUnknownTokenIsAnonymous(t *testing.T) {
	h, seen := authProbe(NewTokenStore())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer nope")
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.Len(t, *seen, 1)
	assert.Nil(t, (*seen)[0])
}

func TestTokenRevoke(t *testing.T) {
	store := NewTokenStore()
	store.Issue("tok", &User{ID: "u1"})
	store.Revoke("tok")

	u, err := store.Validate("tok")
	require.NoError(t, err)
	assert.Nil(t, u)
}
