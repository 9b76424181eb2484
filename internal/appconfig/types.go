// Package appconfig is the sole authoritative in-process representation of
// the daemon's persisted configuration: a single JSON document held behind
// a readers-writer lock and mirrored to <data_root>/config/app.json.
package appconfig

import "time"

// ProfileKind distinguishes a fetched subscription from a hand-edited overlay.
type ProfileKind string

const (
	ProfileKindRemote ProfileKind = "remote"
	ProfileKindUser   ProfileKind = "user"
)

// TaskStatus is the outcome of the most recent scheduled-task run.
type TaskStatus string

const (
	TaskStatusOK      TaskStatus = "ok"
	TaskStatusSkipped TaskStatus = "skipped"
	TaskStatusError   TaskStatus = "error"
)

// DefaultCron is applied to both built-in scheduled tasks when missing.
const DefaultCron = "0 3 * * *"

// ProfileMeta describes one YAML profile file on disk, rooted at
// <data_root>/config.
type ProfileMeta struct {
	ID               string      `json:"id"`
	Name             string      `json:"name"`
	Kind             ProfileKind `json:"kind"`
	RelativePath     string      `json:"relative_path"`
	URL              string      `json:"url,omitempty"`
	LastFetchTime    *time.Time  `json:"last_fetch_time,omitempty"`
	LastFetchStatus  string      `json:"last_fetch_status,omitempty"`
	LastModifiedTime *time.Time  `json:"last_modified_time,omitempty"`
}

// ScheduledTaskConfig configures one of the two built-in cron tasks
// (subscription auto-update, GeoIP auto-update).
type ScheduledTaskConfig struct {
	Cron           string     `json:"cron"`
	Enabled        bool       `json:"enabled"`
	LastRunTime    *time.Time `json:"last_run_time,omitempty"`
	LastRunStatus  TaskStatus `json:"last_run_status,omitempty"`
	LastRunMessage string     `json:"last_run_message,omitempty"`
}

// ProxySelection is a single (group, node) pin within a ProxySelectionSet.
type ProxySelection struct {
	Group string `json:"group"`
	Node  string `json:"node"`
}

// ProxySelectionSet is the saved per-group node choice for one
// (active subscription, active user profile) tuple. SubscriptionID and
// UserProfileID may both be empty, which is itself a valid, distinct key.
type ProxySelectionSet struct {
	SubscriptionID string           `json:"subscription_id,omitempty"`
	UserProfileID  string           `json:"user_profile_id,omitempty"`
	Selections     []ProxySelection `json:"selections"`
}

// Key identifies the (subscription, user profile) tuple this set belongs to.
func (s ProxySelectionSet) Key() SelectionKey {
	return SelectionKey{SubscriptionID: s.SubscriptionID, UserProfileID: s.UserProfileID}
}

// SelectionKey is the equality key for ProxySelectionSet: null-vs-null
// counts as equal, matching spec.md §3's keying rule.
type SelectionKey struct {
	SubscriptionID string
	UserProfileID  string
}

// AppConfig is the persisted root document. It is held in memory under a
// readers-writer lock by Store and mirrored to app.json on every mutation.
type AppConfig struct {
	Profiles               []ProfileMeta          `json:"profiles"`
	ActiveSubscriptionID   string                 `json:"active_subscription_id,omitempty"`
	ActiveUserProfileID    string                 `json:"active_user_profile_id,omitempty"`
	PanelPasswordHash      string                 `json:"panel_password_hash,omitempty"`
	CoreAutoStart          bool                   `json:"core_auto_start"`
	SubscriptionAutoUpdate *ScheduledTaskConfig   `json:"subscription_auto_update,omitempty"`
	GeoIPAutoUpdate        *ScheduledTaskConfig   `json:"geoip_auto_update,omitempty"`
	ProxySelections        []ProxySelectionSet    `json:"proxy_selections"`
}

// ApplyDefaults fills in the task configs that must exist after load, per
// spec.md §3's "Defaults applied on load" rule, and deduplicates
// ProxySelections by key, keeping the first occurrence (spec.md §9, Open
// Question (a)).
func (c *AppConfig) ApplyDefaults() (dedupedCount int) {
	if c.SubscriptionAutoUpdate == nil {
		c.SubscriptionAutoUpdate = &ScheduledTaskConfig{Cron: DefaultCron, Enabled: true}
	}
	if c.GeoIPAutoUpdate == nil {
		c.GeoIPAutoUpdate = &ScheduledTaskConfig{Cron: DefaultCron, Enabled: true}
	}

	seen := make(map[SelectionKey]bool, len(c.ProxySelections))
	deduped := make([]ProxySelectionSet, 0, len(c.ProxySelections))
	for _, set := range c.ProxySelections {
		k := set.Key()
		if seen[k] {
			dedupedCount++
			continue
		}
		seen[k] = true
		deduped = append(deduped, set)
	}
	c.ProxySelections = deduped
	return dedupedCount
}

// FindProfile returns the profile with the given ID, if any.
func (c *AppConfig) FindProfile(id string) (ProfileMeta, bool) {
	for _, p := range c.Profiles {
		if p.ID == id {
			return p, true
		}
	}
	return ProfileMeta{}, false
}

// ActiveSubscription returns the currently active remote profile, if set.
func (c *AppConfig) ActiveSubscription() (ProfileMeta, bool) {
	if c.ActiveSubscriptionID == "" {
		return ProfileMeta{}, false
	}
	return c.FindProfile(c.ActiveSubscriptionID)
}

// ActiveUserProfile returns the currently active user profile, if set.
func (c *AppConfig) ActiveUserProfile() (ProfileMeta, bool) {
	if c.ActiveUserProfileID == "" {
		return ProfileMeta{}, false
	}
	return c.FindProfile(c.ActiveUserProfileID)
}

// SelectionSetForActive returns the ProxySelectionSet matching the
// currently active (subscription, user profile) tuple, if any.
func (c *AppConfig) SelectionSetForActive() (*ProxySelectionSet, int) {
	key := SelectionKey{SubscriptionID: c.ActiveSubscriptionID, UserProfileID: c.ActiveUserProfileID}
	for i := range c.ProxySelections {
		if c.ProxySelections[i].Key() == key {
			return &c.ProxySelections[i], i
		}
	}
	return nil, -1
}
