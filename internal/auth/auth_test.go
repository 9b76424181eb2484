package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/camofy/camofy/internal/appconfig"
)

func newService(t *testing.T) *Service {
	t.Helper()
	cfg, err := appconfig.Load(t.TempDir())
	require.NoError(t, err)
	return New(cfg)
}

func TestHashAndVerifyRoundTrip(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)
	require.NoError(t, verifyPassword("correct horse battery staple", hash))
	require.Error(t, verifyPassword("wrong password", hash))
}

func TestSetPasswordRejectsEmpty(t *testing.T) {
	s := newService(t)
	err := s.SetPassword("   ")
	require.Error(t, err)
	require.False(t, s.PasswordSet())
}

func TestLoginFailsWithoutPasswordSet(t *testing.T) {
	s := newService(t)
	_, _, err := s.Login("anything")
	require.Error(t, err)
}

func TestLoginSucceedsAndIssuesValidatableToken(t *testing.T) {
	s := newService(t)
	require.NoError(t, s.SetPassword("hunter2"))

	token, expiresAt, err := s.Login("hunter2")
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.True(t, expiresAt.After(time.Now()))
	require.True(t, s.Validate(token))
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	s := newService(t)
	require.NoError(t, s.SetPassword("hunter2"))

	_, _, err := s.Login("wrong")
	require.Error(t, err)
}

func TestLoginClearsCorruptStoredHash(t *testing.T) {
	s := newService(t)
	_, err := appconfig.Mutate(s.cfg, func(cfg *appconfig.AppConfig) struct{} {
		cfg.PanelPasswordHash = "not-a-valid-hash"
		return struct{}{}
	})
	require.NoError(t, err)

	_, _, err = s.Login("whatever")
	require.Error(t, err)
	require.False(t, s.PasswordSet())
}

func TestMiddlewareAllowsAllWhenNoPasswordSet(t *testing.T) {
	s := newService(t)
	called := false
	h := s.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	req := httptest.NewRequest(http.MethodGet, "/api/anything", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)
	require.True(t, called)
}

func TestMiddlewareRequiresTokenOncePasswordSet(t *testing.T) {
	s := newService(t)
	require.NoError(t, s.SetPassword("hunter2"))
	token, _, err := s.Login("hunter2")
	require.NoError(t, err)

	called := false
	h := s.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/anything", nil)
	h.ServeHTTP(rec, req)
	require.False(t, called)
	require.Contains(t, rec.Body.String(), "unauthorized")

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/anything", nil)
	req.Header.Set("X-Auth-Token", token)
	h.ServeHTTP(rec, req)
	require.True(t, called)
}

func TestMiddlewareAcceptsQueryParamToken(t *testing.T) {
	s := newService(t)
	require.NoError(t, s.SetPassword("hunter2"))
	token, _, err := s.Login("hunter2")
	require.NoError(t, err)

	called := false
	h := s.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ws/events?token="+token, nil)
	h.ServeHTTP(rec, req)
	require.True(t, called)
}

func TestMiddlewareAllowsPublicPathsWithoutToken(t *testing.T) {
	s := newService(t)
	require.NoError(t, s.SetPassword("hunter2"))

	called := false
	h := s.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)
	require.True(t, called)

	called = false
	req = httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)
	require.True(t, called)
}
