package appconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

// fileName is the JSON sidecar relative to <data_root>/config.
const fileName = "app.json"

// Store is the single in-process source of truth for AppConfig. Readers
// take a copy under RLock; Mutate serializes writers and persists inside
// the same critical section the edit happened in, so on-disk ordering
// matches in-memory ordering (spec.md §5).
type Store struct {
	mu      sync.RWMutex
	cfg     AppConfig
	dataRoot string
}

// Load reads <data_root>/config/app.json, synthesizing defaults if the
// file is absent. An unparseable existing file is the one fatal
// configuration error (spec.md §4.1) — the caller should treat a non-nil
// error as a reason to abort startup.
func Load(dataRoot string) (*Store, error) {
	path := configPath(dataRoot)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := AppConfig{}
		cfg.ApplyDefaults()
		s := &Store{cfg: cfg, dataRoot: dataRoot}
		if perr := s.persistLocked(); perr != nil {
			log.Warn().Err(perr).Msg("failed to write initial app.json")
		}
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config_load_failed: reading %s: %w", path, err)
	}

	var cfg AppConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config_load_failed: parsing %s: %w", path, err)
	}
	if n := cfg.ApplyDefaults(); n > 0 {
		log.Warn().Int("count", n).Msg("deduplicated proxy_selections with duplicate keys on load")
	}

	return &Store{cfg: cfg, dataRoot: dataRoot}, nil
}

func configPath(dataRoot string) string {
	return filepath.Join(dataRoot, "config", fileName)
}

// Snapshot returns a deep copy of the current AppConfig, safe for the
// caller to read without further locking.
func (s *Store) Snapshot() AppConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return deepCopy(s.cfg)
}

// Mutate runs f against the live AppConfig under the write lock, then
// persists the result. On persist failure, the in-memory edit is kept
// (reverting introduces a second failure mode) and the error is returned
// so the caller can surface it; the caller must not treat persist failure
// as a reason to retry the edit.
func Mutate[R any](s *Store, f func(cfg *AppConfig) R) (R, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := f(&s.cfg)

	if err := s.persistLocked(); err != nil {
		return result, fmt.Errorf("config_save_failed: %w", err)
	}
	return result, nil
}

// persistLocked writes the current config via write-temp-then-rename.
// Caller must hold s.mu (read or write lock is irrelevant for a pure
// read of s.cfg, but Mutate always calls this under the write lock).
func (s *Store) persistLocked() error {
	dir := filepath.Join(s.dataRoot, "config")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(s.cfg, "", "  ")
	if err != nil {
		return err
	}

	final := configPath(s.dataRoot)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

func deepCopy(cfg AppConfig) AppConfig {
	out := cfg
	out.Profiles = append([]ProfileMeta(nil), cfg.Profiles...)
	out.ProxySelections = make([]ProxySelectionSet, len(cfg.ProxySelections))
	for i, set := range cfg.ProxySelections {
		out.ProxySelections[i] = set
		out.ProxySelections[i].Selections = append([]ProxySelection(nil), set.Selections...)
	}
	if cfg.SubscriptionAutoUpdate != nil {
		v := *cfg.SubscriptionAutoUpdate
		out.SubscriptionAutoUpdate = &v
	}
	if cfg.GeoIPAutoUpdate != nil {
		v := *cfg.GeoIPAutoUpdate
		out.GeoIPAutoUpdate = &v
	}
	return out
}
