package appconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadSynthesizesDefaults(t *testing.T) {
	dir := t.TempDir()
	s, err := Load(dir)
	require.NoError(t, err)

	snap := s.Snapshot()
	require.Equal(t, DefaultCron, snap.SubscriptionAutoUpdate.Cron)
	require.True(t, snap.SubscriptionAutoUpdate.Enabled)
	require.Equal(t, DefaultCron, snap.GeoIPAutoUpdate.Cron)

	_, err = os.Stat(filepath.Join(dir, "config", "app.json"))
	require.NoError(t, err)
}

func TestLoadRejectsUnparseableFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "app.json"), []byte("not json"), 0o644))

	_, err := Load(dir)
	require.Error(t, err)
}

func TestMutatePersistsAndMatchesMemory(t *testing.T) {
	dir := t.TempDir()
	s, err := Load(dir)
	require.NoError(t, err)

	_, err = Mutate(s, func(cfg *AppConfig) struct{} {
		cfg.CoreAutoStart = true
		cfg.Profiles = append(cfg.Profiles, ProfileMeta{ID: "p1", Kind: ProfileKindRemote})
		return struct{}{}
	})
	require.NoError(t, err)

	onDisk, err := os.ReadFile(filepath.Join(dir, "config", "app.json"))
	require.NoError(t, err)

	var parsed AppConfig
	require.NoError(t, json.Unmarshal(onDisk, &parsed))

	inMemory := s.Snapshot()
	require.Equal(t, inMemory, parsed)
}

func TestProxySelectionDedupeKeepsFirst(t *testing.T) {
	cfg := AppConfig{
		ProxySelections: []ProxySelectionSet{
			{SubscriptionID: "s1", Selections: []ProxySelection{{Group: "G", Node: "A"}}},
			{SubscriptionID: "s1", Selections: []ProxySelection{{Group: "G", Node: "B"}}},
		},
	}
	n := cfg.ApplyDefaults()
	require.Equal(t, 1, n)
	require.Len(t, cfg.ProxySelections, 1)
	require.Equal(t, "A", cfg.ProxySelections[0].Selections[0].Node)
}

func TestSnapshotIsACopy(t *testing.T) {
	dir := t.TempDir()
	s, err := Load(dir)
	require.NoError(t, err)

	snap := s.Snapshot()
	snap.Profiles = append(snap.Profiles, ProfileMeta{ID: "mutated-outside"})

	again := s.Snapshot()
	require.Len(t, again.Profiles, 0)
}
