package compose

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// CoreDefaults is the baked-in floor configuration that always wins over
// remote/user values for the keys it sets (control-socket path, DNS
// listener, TUN stack) — spec.md §4.4.
const CoreDefaults = `mixed-port: 7897
mode: rule
log-level: info
allow-lan: false
bind-address: "*"
ipv6: false
external-controller-unix: /tmp/verge/clash-verge-service.sock
dns:
  enable: true
  listen: 0.0.0.0:1053
  enhanced-mode: fake-ip
tun:
  enable: true
  stack: system
  auto-route: true
  auto-detect-interface: true
`

// Composer owns the merge pipeline and the atomic publish of merged.yaml.
type Composer struct {
	dataRoot string
}

func New(dataRoot string) *Composer {
	return &Composer{dataRoot: dataRoot}
}

func (c *Composer) configDir() string { return filepath.Join(c.dataRoot, "config") }

// MergedPath returns the absolute path of the published merged.yaml.
func (c *Composer) MergedPath() string { return filepath.Join(c.configDir(), "merged.yaml") }

func (c *Composer) defaultsPath() string { return filepath.Join(c.configDir(), "core-defaults.yaml") }

// Compose runs merge(A,B) then merge(result,D) and publishes merged.yaml
// via write-temp-then-rename. remoteYAML/userYAML may be empty (no active
// profile of that kind).
func (c *Composer) Compose(remoteYAML, userYAML string) error {
	a, err := decodeRoot(remoteYAML)
	if err != nil {
		return fmt.Errorf("config_merge_failed: remote profile: %w", err)
	}
	b, err := decodeRoot(userYAML)
	if err != nil {
		return fmt.Errorf("config_merge_failed: user profile: %w", err)
	}

	merged0, err := Merge(a, b)
	if err != nil {
		return err
	}

	merged1 := merged0
	if d, err := c.loadDefaults(); err != nil {
		log.Error().Err(err).Msg("core defaults parse failed; overlay skipped")
	} else {
		merged1, err = Merge(merged0, d)
		if err != nil {
			return err
		}
	}

	return c.publish(merged1)
}

// decodeRoot parses a YAML document into a map[string]any, accepting an
// empty/whitespace document as null. A non-mapping root is an error.
func decodeRoot(doc string) (map[string]any, error) {
	if len(trimSpace(doc)) == 0 {
		return nil, nil
	}

	var node yaml.Node
	if err := yaml.Unmarshal([]byte(doc), &node); err != nil {
		return nil, err
	}
	if len(node.Content) == 0 {
		return nil, nil
	}

	var raw any
	if err := node.Content[0].Decode(&raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}

	m, err := toStringMap(raw)
	if err != nil {
		return nil, fmt.Errorf("root must be a mapping or null: %w", err)
	}
	return m, nil
}

// toStringMap converts yaml.v3's default map[string]interface{} decode
// output (already string-keyed for YAML mapping nodes) into the
// map[string]any / []any shape Merge operates on, recursing into nested
// mappings and sequences.
func toStringMap(raw any) (map[string]any, error) {
	switch v := raw.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = normalize(val)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected mapping, got %T", raw)
	}
}

func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}

func trimSpace(s string) string {
	i, j := 0, len(s)
	for i < j && isSpace(s[i]) {
		i++
	}
	for j > i && isSpace(s[j-1]) {
		j--
	}
	return s[i:j]
}

func isSpace(b byte) bool { return b == ' ' || b == '\t' || b == '\n' || b == '\r' }

// loadDefaults reads config/core-defaults.yaml, writing the baked-in
// literal first if the file doesn't exist yet (spec.md §4.4).
func (c *Composer) loadDefaults() (map[string]any, error) {
	path := c.defaultsPath()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if mkErr := os.MkdirAll(c.configDir(), 0o755); mkErr != nil {
			return nil, mkErr
		}
		if writeErr := os.WriteFile(path, []byte(CoreDefaults), 0o644); writeErr != nil {
			return nil, writeErr
		}
		data = []byte(CoreDefaults)
	} else if err != nil {
		return nil, err
	}

	return decodeRoot(string(data))
}

// publish serializes merged with a canonical (lexicographically sorted)
// key order at every mapping level — chosen per spec.md §9's YAML
// ordering note, so repeated composition of the same inputs produces a
// byte-identical merged.yaml (the idempotence property in spec.md §8).
func (c *Composer) publish(merged map[string]any) error {
	node := toCanonicalNode(merged)

	out, err := yaml.Marshal(node)
	if err != nil {
		return fmt.Errorf("config_merge_failed: encoding merged.yaml: %w", err)
	}

	if err := os.MkdirAll(c.configDir(), 0o755); err != nil {
		return err
	}

	tmp := c.MergedPath() + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.MergedPath())
}

// toCanonicalNode builds a yaml.Node tree with mapping keys sorted
// alphabetically at every level, regardless of Go's randomized map
// iteration order.
func toCanonicalNode(v any) *yaml.Node {
	switch t := v.(type) {
	case map[string]any:
		node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k}
			node.Content = append(node.Content, keyNode, toCanonicalNode(t[k]))
		}
		return node
	case []any:
		node := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, item := range t {
			node.Content = append(node.Content, toCanonicalNode(item))
		}
		return node
	default:
		node := &yaml.Node{}
		_ = node.Encode(v)
		return node
	}
}
