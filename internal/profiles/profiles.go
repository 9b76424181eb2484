// Package profiles owns the remote-subscription and user-profile YAML
// files on disk and the CRUD/activate/fetch operations over them,
// grounded on original_source/src/subscriptions.rs and
// original_source/src/user_profiles.rs.
package profiles

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/camofy/camofy/internal/appconfig"
	"github.com/camofy/camofy/internal/compose"
	"github.com/camofy/camofy/internal/enginerpc"
	"github.com/camofy/camofy/internal/events"
)

// EngineReloader is the subset of internal/core.Controller a profile
// mutation needs to reload a running engine after merged.yaml changes.
type EngineReloader interface {
	RunningStatus() (running bool, pid int)
	EngineClient() (*enginerpc.Client, error)
}

// placeholderUserYAML is written for a user profile updated with empty
// content (spec.md §4.3).
const placeholderUserYAML = "# empty user profile\n"

// Store mediates profile CRUD against both appconfig.Store (metadata) and
// the filesystem (YAML bodies), and triggers the Config Composer after
// any change that should regenerate merged.yaml.
type Store struct {
	dataRoot string
	cfg      *appconfig.Store
	composer *compose.Composer
	reloader EngineReloader
	bus      *events.Bus
	client   *http.Client
}

func New(dataRoot string, cfg *appconfig.Store, composer *compose.Composer, reloader EngineReloader, bus *events.Bus) *Store {
	return &Store{
		dataRoot: dataRoot,
		cfg:      cfg,
		composer: composer,
		reloader: reloader,
		bus:      bus,
		client:   &http.Client{Timeout: 300 * time.Second},
	}
}

func (s *Store) absPath(relative string) string {
	return filepath.Join(s.dataRoot, "config", relative)
}

// List returns all profile metadata, remote and user.
func (s *Store) List() []appconfig.ProfileMeta {
	return s.cfg.Snapshot().Profiles
}

// Get returns one profile's metadata by ID.
func (s *Store) Get(id string) (appconfig.ProfileMeta, bool) {
	return s.cfg.Snapshot().FindProfile(id)
}

// ReadYAML returns the on-disk YAML body for a profile, or "" if the file
// is absent (treated as an empty document, not an error).
func (s *Store) ReadYAML(meta appconfig.ProfileMeta) (string, error) {
	data, err := os.ReadFile(s.absPath(meta.RelativePath))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// CreateRemote registers a new (not yet fetched) subscription profile.
func (s *Store) CreateRemote(name, url string) (appconfig.ProfileMeta, error) {
	id := uuid.NewString()
	meta := appconfig.ProfileMeta{
		ID:           id,
		Name:         name,
		Kind:         appconfig.ProfileKindRemote,
		URL:          url,
		RelativePath: filepath.Join("subscriptions", id, "subscription.yaml"),
	}
	return s.createProfile(meta)
}

// CreateUser registers a new user overlay profile, writing the
// placeholder sentinel if content is empty.
func (s *Store) CreateUser(name, content string) (appconfig.ProfileMeta, error) {
	id := uuid.NewString()
	meta := appconfig.ProfileMeta{
		ID:           id,
		Name:         name,
		Kind:         appconfig.ProfileKindUser,
		RelativePath: filepath.Join("user-profiles", id+".yaml"),
	}
	if content != "" {
		if err := validateYAML(content); err != nil {
			return appconfig.ProfileMeta{}, fmt.Errorf("user_profile_invalid_yaml: %w", err)
		}
	} else {
		content = placeholderUserYAML
	}

	meta, err := s.createProfile(meta)
	if err != nil {
		return appconfig.ProfileMeta{}, err
	}
	if err := s.writeFile(meta.RelativePath, content); err != nil {
		return appconfig.ProfileMeta{}, err
	}
	return meta, nil
}

// createProfile appends the metadata to AppConfig and, if no active
// profile of its kind exists yet, activates it (spec.md §4.3).
func (s *Store) createProfile(meta appconfig.ProfileMeta) (appconfig.ProfileMeta, error) {
	_, err := appconfig.Mutate(s.cfg, func(cfg *appconfig.AppConfig) struct{} {
		cfg.Profiles = append(cfg.Profiles, meta)
		switch meta.Kind {
		case appconfig.ProfileKindRemote:
			if cfg.ActiveSubscriptionID == "" {
				cfg.ActiveSubscriptionID = meta.ID
			}
		case appconfig.ProfileKindUser:
			if cfg.ActiveUserProfileID == "" {
				cfg.ActiveUserProfileID = meta.ID
			}
		}
		return struct{}{}
	})
	return meta, err
}

// UpdateUser overwrites a user profile's YAML content, requiring it parse
// successfully first (spec.md §4.3), then recomposes merged.yaml.
func (s *Store) UpdateUser(ctx context.Context, id, content string) error {
	meta, ok := s.Get(id)
	if !ok || meta.Kind != appconfig.ProfileKindUser {
		return fmt.Errorf("user_profile_not_found: %s", id)
	}

	if content == "" {
		content = placeholderUserYAML
	} else if err := validateYAML(content); err != nil {
		return fmt.Errorf("user_profile_invalid_yaml: %w", err)
	}

	if err := s.writeFile(meta.RelativePath, content); err != nil {
		return fmt.Errorf("subscription_save_failed: %w", err)
	}

	now := time.Now().UTC()
	_, err := appconfig.Mutate(s.cfg, func(cfg *appconfig.AppConfig) struct{} {
		for i := range cfg.Profiles {
			if cfg.Profiles[i].ID == id {
				cfg.Profiles[i].LastModifiedTime = &now
			}
		}
		return struct{}{}
	})
	if err != nil {
		return err
	}

	return s.Recompose(ctx, events.ReasonUserProfileUpdated)
}

// DeleteRemote removes a subscription profile's file and metadata. If it
// was active, the first remaining remote profile becomes active (or
// none, if there isn't one).
func (s *Store) DeleteRemote(id string) error {
	return s.delete(id, appconfig.ProfileKindRemote)
}

// DeleteUser removes a user profile's file and metadata, clearing the
// active user profile if it was active.
func (s *Store) DeleteUser(id string) error {
	return s.delete(id, appconfig.ProfileKindUser)
}

func (s *Store) delete(id string, kind appconfig.ProfileKind) error {
	meta, ok := s.Get(id)
	if !ok || meta.Kind != kind {
		if kind == appconfig.ProfileKindRemote {
			return fmt.Errorf("subscription_not_found: %s", id)
		}
		return fmt.Errorf("user_profile_not_found: %s", id)
	}

	_, err := appconfig.Mutate(s.cfg, func(cfg *appconfig.AppConfig) struct{} {
		filtered := cfg.Profiles[:0]
		for _, p := range cfg.Profiles {
			if p.ID != id {
				filtered = append(filtered, p)
			}
		}
		cfg.Profiles = filtered

		switch kind {
		case appconfig.ProfileKindRemote:
			if cfg.ActiveSubscriptionID == id {
				cfg.ActiveSubscriptionID = ""
				for _, p := range cfg.Profiles {
					if p.Kind == appconfig.ProfileKindRemote {
						cfg.ActiveSubscriptionID = p.ID
						break
					}
				}
			}
		case appconfig.ProfileKindUser:
			if cfg.ActiveUserProfileID == id {
				cfg.ActiveUserProfileID = ""
			}
		}
		return struct{}{}
	})
	if err != nil {
		return err
	}

	path := s.absPath(meta.RelativePath)
	if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
		log.Warn().Err(rmErr).Str("path", path).Msg("failed to remove profile file")
	}
	return nil
}

// ActivateRemote sets the active subscription.
func (s *Store) ActivateRemote(ctx context.Context, id string) error {
	if _, ok := s.Get(id); !ok {
		return fmt.Errorf("subscription_not_found: %s", id)
	}
	_, err := appconfig.Mutate(s.cfg, func(cfg *appconfig.AppConfig) struct{} {
		cfg.ActiveSubscriptionID = id
		return struct{}{}
	})
	if err != nil {
		return err
	}
	return s.Recompose(ctx, events.ReasonActiveSubscriptionChanged)
}

// ActivateUser sets the active user profile.
func (s *Store) ActivateUser(ctx context.Context, id string) error {
	if _, ok := s.Get(id); !ok {
		return fmt.Errorf("user_profile_not_found: %s", id)
	}
	_, err := appconfig.Mutate(s.cfg, func(cfg *appconfig.AppConfig) struct{} {
		cfg.ActiveUserProfileID = id
		return struct{}{}
	})
	if err != nil {
		return err
	}
	return s.Recompose(ctx, events.ReasonActiveUserProfileChanged)
}

// FetchRemote performs the HTTP GET -> write -> timestamp-update sequence
// for a subscription profile, retrying the request with bounded backoff
// before giving up (the upstream mirror on a constrained router's network
// is often flaky).
func (s *Store) FetchRemote(ctx context.Context, id string) error {
	meta, ok := s.Get(id)
	if !ok || meta.Kind != appconfig.ProfileKindRemote {
		return fmt.Errorf("subscription_not_found: %s", id)
	}
	if meta.URL == "" {
		return fmt.Errorf("subscription_url_missing: profile %s has no url", id)
	}

	var body []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, meta.URL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			s.recordFetchStatus(id, "request_failed")
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("upstream returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			s.recordFetchStatus(id, "request_failed")
			return backoff.Permanent(fmt.Errorf("upstream returned %d", resp.StatusCode))
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			s.recordFetchStatus(id, "body_read_failed")
			return backoff.Permanent(err)
		}
		body = data
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return fmt.Errorf("subscription_fetch_failed: %w", err)
	}

	if err := s.writeFile(meta.RelativePath, string(body)); err != nil {
		s.recordFetchStatus(id, "write_failed")
		return fmt.Errorf("subscription_save_failed: %w", err)
	}

	now := time.Now().UTC()
	_, err := appconfig.Mutate(s.cfg, func(cfg *appconfig.AppConfig) struct{} {
		for i := range cfg.Profiles {
			if cfg.Profiles[i].ID == id {
				cfg.Profiles[i].LastFetchTime = &now
				cfg.Profiles[i].LastFetchStatus = "ok"
			}
		}
		return struct{}{}
	})
	if err != nil {
		return err
	}

	return s.Recompose(ctx, events.ReasonSubscriptionFetched)
}

func (s *Store) recordFetchStatus(id, status string) {
	_, err := appconfig.Mutate(s.cfg, func(cfg *appconfig.AppConfig) struct{} {
		for i := range cfg.Profiles {
			if cfg.Profiles[i].ID == id {
				cfg.Profiles[i].LastFetchStatus = status
			}
		}
		return struct{}{}
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to persist subscription fetch status")
	}
}

// Recompose regenerates merged.yaml from the currently active profile
// pair, then — if the engine is running — asks it to reload from the
// freshly written file and broadcasts the outcome, mirroring
// original_source/src/config_manager.rs's reload_core_if_running.
// Called after any change to active profile content or selection.
func (s *Store) Recompose(ctx context.Context, reason events.ConfigChangeReason) error {
	snap := s.cfg.Snapshot()

	var remoteYAML, userYAML string
	if remote, ok := snap.ActiveSubscription(); ok {
		data, err := s.ReadYAML(remote)
		if err != nil {
			return fmt.Errorf("config_merge_failed: reading active subscription: %w", err)
		}
		remoteYAML = data
	}
	if user, ok := snap.ActiveUserProfile(); ok {
		data, err := s.ReadYAML(user)
		if err != nil {
			return fmt.Errorf("config_merge_failed: reading active user profile: %w", err)
		}
		userYAML = data
	}

	if err := s.composer.Compose(remoteYAML, userYAML); err != nil {
		return err
	}

	s.reloadCoreIfRunning(ctx, reason)
	return nil
}

// reloadCoreIfRunning never returns an error: the merged config is
// already written and on disk regardless of whether a live engine picks
// it up, so a reload failure is reported over the event bus, not
// propagated to the HTTP caller.
func (s *Store) reloadCoreIfRunning(ctx context.Context, reason events.ConfigChangeReason) {
	if s.reloader == nil {
		return
	}

	running, pid := s.reloader.RunningStatus()
	result := events.ReloadNotRunning
	if running {
		client, err := s.reloader.EngineClient()
		if err != nil {
			result = events.ReloadFailed(err.Error())
		} else if err := client.ReloadConfig(ctx, s.composer.MergedPath()); err != nil {
			log.Error().Err(err).Msg("failed to reload mihomo config")
			result = events.ReloadFailed(err.Error())
		} else {
			result = events.ReloadOK
		}
	}

	if s.bus == nil {
		return
	}
	s.bus.Publish(events.ConfigApplied(reason, result))

	var pidPtr *int
	if running {
		pidPtr = &pid
	}
	s.bus.Publish(events.CoreStatusChanged(running, pidPtr))
}

func (s *Store) writeFile(relative, content string) error {
	path := s.absPath(relative)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func validateYAML(content string) error {
	var out any
	return yaml.Unmarshal([]byte(content), &out)
}
