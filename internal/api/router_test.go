package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/camofy/camofy/internal/api/handlers"
	"github.com/camofy/camofy/internal/apierr"
	"github.com/camofy/camofy/internal/appconfig"
	"github.com/camofy/camofy/internal/auth"
	"github.com/camofy/camofy/internal/compose"
	"github.com/camofy/camofy/internal/config"
	"github.com/camofy/camofy/internal/core"
	"github.com/camofy/camofy/internal/events"
	"github.com/camofy/camofy/internal/profiles"
	"github.com/camofy/camofy/internal/selection"
	"github.com/camofy/camofy/internal/wshub"
)

func newTestRouter(t *testing.T) (http.Handler, *auth.Service) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{Host: "127.0.0.1", Port: 0, DataRoot: dir, LogLevel: "info"}

	appCfg, err := appconfig.Load(dir)
	require.NoError(t, err)

	bus := events.NewBus()
	composer := compose.New(dir)
	selectionMem := selection.New(appCfg)
	authSvc := auth.New(appCfg)
	coreCtl := core.New(dir, appCfg, composer, selectionMem, nil, bus)
	profileStore := profiles.New(dir, appCfg, composer, coreCtl, bus)
	hub := wshub.New(bus, func() []events.AppEvent { return nil })

	h := &handlers.Handlers{
		Cfg: appCfg, Profiles: profileStore, Core: coreCtl,
		Selection: selectionMem, Auth: authSvc, Bus: bus, Hub: hub,
	}

	return NewRouter(cfg, h, authSvc), authSvc
}

func TestHealthEndpointIsPublicAndUnauthenticated(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthStatusReflectsNoPasswordSet(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/auth/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var env apierr.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Equal(t, apierr.CodeOK, env.Code)
	data, ok := env.Data.(map[string]any)
	require.True(t, ok)
	require.Equal(t, false, data["password_set"])
}

func TestProtectedRouteRejectsMissingTokenOncePasswordSet(t *testing.T) {
	router, authSvc := newTestRouter(t)
	require.NoError(t, authSvc.SetPassword("correct-horse-battery-staple"))

	req := httptest.NewRequest(http.MethodGet, "/api/profiles", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var env apierr.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Equal(t, "unauthorized", env.Code)
}

func TestLoginThenAuthorizedRouteSucceeds(t *testing.T) {
	router, authSvc := newTestRouter(t)
	require.NoError(t, authSvc.SetPassword("correct-horse-battery-staple"))

	body, _ := json.Marshal(map[string]string{"password": "correct-horse-battery-staple"})
	loginReq := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
	loginRec := httptest.NewRecorder()
	router.ServeHTTP(loginRec, loginReq)

	var loginEnv apierr.Envelope
	require.NoError(t, json.Unmarshal(loginRec.Body.Bytes(), &loginEnv))
	require.Equal(t, apierr.CodeOK, loginEnv.Code)

	data := loginEnv.Data.(map[string]any)
	token := data["token"].(string)
	require.NotEmpty(t, token)

	req := httptest.NewRequest(http.MethodGet, "/api/profiles", nil)
	req.Header.Set("X-Auth-Token", token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var env apierr.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Equal(t, apierr.CodeOK, env.Code)
}

func TestCreateUserProfileAndList(t *testing.T) {
	router, _ := newTestRouter(t)

	body, _ := json.Marshal(map[string]string{"name": "laptop", "content": "mode: rule\n"})
	req := httptest.NewRequest(http.MethodPost, "/api/profiles/user/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var env apierr.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Equal(t, apierr.CodeOK, env.Code, rec.Body.String())

	listReq := httptest.NewRequest(http.MethodGet, "/api/profiles/", nil)
	listRec := httptest.NewRecorder()
	router.ServeHTTP(listRec, listReq)

	var listEnv apierr.Envelope
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &listEnv))
	profileList := listEnv.Data.([]any)
	require.Len(t, profileList, 1)
}
