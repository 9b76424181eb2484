// Package compose implements the deterministic merge of the active remote
// subscription YAML, the active user profile YAML, and the baked-in core
// defaults into a single merged.yaml published for the Core Controller to
// start the engine with. Grounded on spec.md §4.4 and
// original_source/src/user_profiles.rs's merge routine.
package compose

import "fmt"

// targetFields are the three sequence-valued keys that accept
// prepend-/append- directives instead of (or alongside) direct overrides.
var targetFields = []string{"rules", "proxies", "proxy-groups"}

// Merge implements merge(base, overlay) from spec.md §4.4. Either argument
// may be nil, representing a YAML null document. The returned map is a
// fresh value; base and overlay are not mutated.
func Merge(base, overlay map[string]any) (map[string]any, error) {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}
	if overlay == nil {
		return result, nil
	}

	handled := make(map[string]bool)

	for _, field := range targetFields {
		prependKey := "prepend-" + field
		appendKey := "append-" + field
		prependVal, hasPrepend := overlay[prependKey]
		appendVal, hasAppend := overlay[appendKey]
		handled[prependKey] = true
		handled[appendKey] = true

		if !hasPrepend && !hasAppend {
			continue
		}
		handled[field] = true

		var prependSeq, appendSeq, effective []any
		var err error
		if hasPrepend {
			if prependSeq, err = asSequence(prependKey, prependVal); err != nil {
				return nil, err
			}
		}
		if hasAppend {
			if appendSeq, err = asSequence(appendKey, appendVal); err != nil {
				return nil, err
			}
		}

		if overlayF, ok := overlay[field]; ok {
			if effective, err = asSequence(field, overlayF); err != nil {
				return nil, err
			}
		} else if baseF, ok := base[field]; ok {
			if effective, err = asSequence(field, baseF); err != nil {
				return nil, err
			}
		}

		final := make([]any, 0, len(prependSeq)+len(effective)+len(appendSeq))
		final = append(final, prependSeq...)
		final = append(final, effective...)
		final = append(final, appendSeq...)
		result[field] = final
	}

	for k, overlayVal := range overlay {
		if handled[k] {
			continue
		}

		baseVal, baseHas := base[k]
		if baseHas && k != "rules" && k != "proxies" {
			baseMap, baseIsMap := asMap(baseVal)
			overlayMap, overlayIsMap := asMap(overlayVal)
			if baseIsMap && overlayIsMap {
				merged, err := Merge(baseMap, overlayMap)
				if err != nil {
					return nil, err
				}
				result[k] = merged
				continue
			}
		}
		result[k] = overlayVal
	}

	return result, nil
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func asSequence(key string, v any) ([]any, error) {
	seq, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("config_merge_failed: %q must be a sequence", key)
	}
	return seq, nil
}
