package profiles

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/camofy/camofy/internal/appconfig"
	"github.com/camofy/camofy/internal/compose"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	cfg, err := appconfig.Load(dir)
	require.NoError(t, err)
	return New(dir, cfg, compose.New(dir), nil, nil)
}

func TestCreateRemoteActivatesFirstOnly(t *testing.T) {
	s := newTestStore(t)

	first, err := s.CreateRemote("first", "https://example.test/a")
	require.NoError(t, err)
	second, err := s.CreateRemote("second", "https://example.test/b")
	require.NoError(t, err)

	snap := s.cfg.Snapshot()
	require.Equal(t, first.ID, snap.ActiveSubscriptionID)
	require.NotEqual(t, second.ID, snap.ActiveSubscriptionID)
}

func TestCreateUserWritesPlaceholderWhenEmpty(t *testing.T) {
	s := newTestStore(t)

	meta, err := s.CreateUser("overrides", "")
	require.NoError(t, err)

	body, err := s.ReadYAML(meta)
	require.NoError(t, err)
	require.Equal(t, placeholderUserYAML, body)
}

func TestCreateUserRejectsInvalidYAML(t *testing.T) {
	s := newTestStore(t)

	_, err := s.CreateUser("bad", "rules: [this is not closed")
	require.Error(t, err)
}

func TestUpdateUserRecomposesMergedYAML(t *testing.T) {
	s := newTestStore(t)

	meta, err := s.CreateUser("overrides", "mode: global\n")
	require.NoError(t, err)

	err = s.UpdateUser(context.Background(), meta.ID, "mode: rule\n")
	require.NoError(t, err)

	merged, err := os.ReadFile(s.composer.MergedPath())
	require.NoError(t, err)
	require.Contains(t, string(merged), "mode: rule")
}

func TestDeleteRemoteFixesUpActiveID(t *testing.T) {
	s := newTestStore(t)

	first, err := s.CreateRemote("first", "https://example.test/a")
	require.NoError(t, err)
	second, err := s.CreateRemote("second", "https://example.test/b")
	require.NoError(t, err)

	require.NoError(t, s.DeleteRemote(first.ID))

	snap := s.cfg.Snapshot()
	require.Equal(t, second.ID, snap.ActiveSubscriptionID)

	require.NoError(t, s.DeleteRemote(second.ID))
	snap = s.cfg.Snapshot()
	require.Equal(t, "", snap.ActiveSubscriptionID)
}

func TestDeleteUserClearsActiveID(t *testing.T) {
	s := newTestStore(t)

	meta, err := s.CreateUser("overrides", "")
	require.NoError(t, err)
	require.NoError(t, s.DeleteUser(meta.ID))

	snap := s.cfg.Snapshot()
	require.Equal(t, "", snap.ActiveUserProfileID)
}

func TestFetchRemoteWritesBodyAndRecomposes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("proxies:\n  - name: A\nrules:\n  - MATCH,DIRECT\n"))
	}))
	defer srv.Close()

	s := newTestStore(t)
	meta, err := s.CreateRemote("remote", srv.URL)
	require.NoError(t, err)

	require.NoError(t, s.FetchRemote(context.Background(), meta.ID))

	got, ok := s.Get(meta.ID)
	require.True(t, ok)
	require.Equal(t, "ok", got.LastFetchStatus)
	require.NotNil(t, got.LastFetchTime)

	body, err := s.ReadYAML(got)
	require.NoError(t, err)
	require.Contains(t, body, "MATCH,DIRECT")

	require.FileExists(t, filepath.Join(s.dataRoot, "config", "merged.yaml"))
}

func TestFetchRemoteRecordsFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s := newTestStore(t)
	meta, err := s.CreateRemote("remote", srv.URL)
	require.NoError(t, err)

	err = s.FetchRemote(context.Background(), meta.ID)
	require.Error(t, err)

	got, ok := s.Get(meta.ID)
	require.True(t, ok)
	require.Equal(t, "request_failed", got.LastFetchStatus)
}
