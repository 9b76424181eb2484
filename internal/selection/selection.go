// Package selection remembers which proxy node was last chosen in each
// selectable group, keyed by the active (subscription, user profile)
// pair, and can replay that memory against a freshly (re)started engine.
// Grounded on original_source/src/mihomo.rs's apply_saved_proxy_selection.
package selection

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/camofy/camofy/internal/appconfig"
	"github.com/camofy/camofy/internal/enginerpc"
)

// selectableTypes are the group kinds that support persistent node
// selection. GLOBAL is allowed unconditionally alongside them.
var selectableTypes = []string{"Selector", "URLTest", "Fallback", "LoadBalance"}

func isSelectable(groupType, groupName string) bool {
	if groupName == "GLOBAL" {
		return true
	}
	for _, t := range selectableTypes {
		if strings.EqualFold(t, groupType) {
			return true
		}
	}
	return false
}

// Memory records and replays proxy selections against appconfig.Store.
type Memory struct {
	cfg *appconfig.Store
}

func New(cfg *appconfig.Store) *Memory {
	return &Memory{cfg: cfg}
}

// Record saves that group -> node was selected under the currently
// active subscription/user-profile pair, replacing any prior selection
// for that group.
func (m *Memory) Record(group, node string) error {
	_, err := appconfig.Mutate(m.cfg, func(cfg *appconfig.AppConfig) struct{} {
		key := appconfig.SelectionKey{
			SubscriptionID: cfg.ActiveSubscriptionID,
			UserProfileID:  cfg.ActiveUserProfileID,
		}

		var set *appconfig.ProxySelectionSet
		for i := range cfg.ProxySelections {
			if cfg.ProxySelections[i].Key() == key {
				set = &cfg.ProxySelections[i]
				break
			}
		}
		if set == nil {
			cfg.ProxySelections = append(cfg.ProxySelections, appconfig.ProxySelectionSet{
				SubscriptionID: key.SubscriptionID,
				UserProfileID:  key.UserProfileID,
			})
			set = &cfg.ProxySelections[len(cfg.ProxySelections)-1]
		}

		for i := range set.Selections {
			if set.Selections[i].Group == group {
				set.Selections[i].Node = node
				return struct{}{}
			}
		}
		set.Selections = append(set.Selections, appconfig.ProxySelection{Group: group, Node: node})
		return struct{}{}
	})
	return err
}

// LoadCurrent returns the saved selections for the currently active
// profile pair, or nil if none exist.
func (m *Memory) LoadCurrent() []appconfig.ProxySelection {
	snap := m.cfg.Snapshot()
	set, idx := snap.SelectionSetForActive()
	if idx < 0 {
		return nil
	}
	return set.Selections
}

// ApplySaved replays the current profile's saved selections against the
// engine, skipping groups/nodes that no longer exist and groups whose
// type isn't selectable. Per-selection failures are collected and
// returned together rather than aborting the remaining selections.
func (m *Memory) ApplySaved(ctx context.Context, client *enginerpc.Client) error {
	saved := m.LoadCurrent()
	if len(saved) == 0 {
		log.Debug().Msg("no saved proxy selections for current profile; skip apply")
		return nil
	}

	view, err := client.FetchProxies(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch proxies view when applying saved selections: %w", err)
	}

	var errs []string
	applied := 0

	for _, sel := range saved {
		group := findGroup(view, sel.Group)
		if group == nil {
			log.Debug().Str("group", sel.Group).Msg("saved proxy selection group not found in current view; skip")
			continue
		}
		if !isSelectable(group.Type, group.Name) {
			log.Debug().Str("group", group.Name).Str("type", group.Type).Msg("group is not selectable; skip saved selection")
			continue
		}
		if group.Now == sel.Node {
			continue
		}
		if !nodeExists(group, sel.Node) {
			log.Debug().Str("node", sel.Node).Str("group", group.Name).Msg("saved proxy not found in group; skip")
			continue
		}

		if err := client.SelectNode(ctx, group.Name, sel.Node); err != nil {
			msg := fmt.Sprintf("failed to apply saved selection for group '%s' -> '%s': %v", group.Name, sel.Node, err)
			log.Warn().Msg(msg)
			errs = append(errs, msg)
			continue
		}
		applied++
		log.Info().Str("group", group.Name).Str("node", sel.Node).Msg("applied saved proxy selection")
	}

	if applied > 0 {
		log.Info().Int("count", applied).Msg("applied saved proxy selections for current profile")
	}

	if len(errs) > 0 {
		return fmt.Errorf("some saved proxy selections failed to apply: %s", strings.Join(errs, "; "))
	}
	return nil
}

func findGroup(view enginerpc.ProxiesView, name string) *enginerpc.ProxyGroup {
	for i := range view.Groups {
		if view.Groups[i].Name == name {
			return &view.Groups[i]
		}
	}
	return nil
}

func nodeExists(group *enginerpc.ProxyGroup, name string) bool {
	for _, n := range group.Nodes {
		if n.Name == name {
			return true
		}
	}
	return false
}
