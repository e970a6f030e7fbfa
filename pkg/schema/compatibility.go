package schema

import (
	"encoding/json"
	"fmt"
)

// ChangeType classifies a breaking schema change.
type ChangeType string

const (
	ChangeAddedRequiredField ChangeType = "added_required_field"
	ChangeRemovedField       ChangeType = "removed_field"
	ChangeTypeChanged        ChangeType = "type_changed"
	ChangeRemovedEnumValue   ChangeType = "removed_enum_value"
	ChangeConstraintNarrowed ChangeType = "constraint_narrowed"
)

// BreakingChange is one incompatibility found between two schema
// versions.
type BreakingChange struct {
	ChangeType  ChangeType `json:"change_type"`
	Path        string     `json:"path"` // JSON-pointer-like, e.g. "$.address.city"
	Description string     `json:"description"`
}

// CompatibilityResult is the outcome of a compatibility check.
type CompatibilityResult struct {
	IsCompatible    bool              `json:"is_compatible"`
	Mode            CompatibilityMode `json:"compatibility_mode"`
	BreakingChanges []BreakingChange  `json:"breaking_changes,omitempty"`
}

// Checker performs structural compatibility diffs of JSON Schema
// documents.
//
// Custom "format" changes are deliberately treated as non-breaking in
// every mode, and widened enum sets are compatible; only narrowing a
// constraint or removing an enum value breaks compatibility.
type Checker struct{}

// NewChecker creates a compatibility checker.
func NewChecker() *Checker {
	return &Checker{}
}

// Check diffs oldDef → newDef under the given mode.
//
//	backward: consumers on the new schema can read data written under
//	          the old one
//	forward:  consumers on the old schema can read data written under
//	          the new one
//	full:     union of both
//	none:     always compatible
func (c *Checker) Check(oldDef, newDef string, mode CompatibilityMode) (CompatibilityResult, error) {
	result := CompatibilityResult{IsCompatible: true, Mode: mode}
	if mode == CompatibilityNone || mode == "" {
		return result, nil
	}

	oldSchema, err := parseSchema(oldDef)
	if err != nil {
		return result, fmt.Errorf("parse old schema: %w", err)
	}
	newSchema, err := parseSchema(newDef)
	if err != nil {
		return result, fmt.Errorf("parse new schema: %w", err)
	}

	var changes []BreakingChange
	if mode == CompatibilityBackward || mode == CompatibilityFull {
		changes = append(changes, checkBackward(oldSchema, newSchema, "$")...)
	}
	if mode == CompatibilityForward || mode == CompatibilityFull {
		changes = append(changes, checkForward(oldSchema, newSchema, "$")...)
	}

	result.BreakingChanges = dedupeChanges(changes)
	result.IsCompatible = len(result.BreakingChanges) == 0
	return result, nil
}

func parseSchema(def string) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(def), &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// ------------------------------------------------------------------
// Backward: new readers, old data
// ------------------------------------------------------------------

func checkBackward(oldS, newS map[string]any, path string) []BreakingChange {
	var changes []BreakingChange

	oldProps := properties(oldS)
	newProps := properties(newS)
	oldReq := requiredSet(oldS)
	newReq := requiredSet(newS)

	// A field required by the new schema that old data never carried.
	for field := range newReq {
		if !oldReq[field] {
			if _, existed := oldProps[field]; !existed {
				changes = append(changes, BreakingChange{
					ChangeType:  ChangeAddedRequiredField,
					Path:        childPath(path, field),
					Description: fmt.Sprintf("required field %q added; existing data does not carry it", field),
				})
			} else {
				// Previously optional, now required: old data may omit it.
				changes = append(changes, BreakingChange{
					ChangeType:  ChangeAddedRequiredField,
					Path:        childPath(path, field),
					Description: fmt.Sprintf("field %q became required; existing data may omit it", field),
				})
			}
		}
	}

	for field, oldProp := range oldProps {
		newProp, ok := newProps[field]
		if !ok {
			// Removed fields are ignored by new readers.
			continue
		}
		changes = append(changes, compareProperty(oldProp, newProp, childPath(path, field), true)...)
	}

	return changes
}

// ------------------------------------------------------------------
// Forward: old readers, new data
// ------------------------------------------------------------------

func checkForward(oldS, newS map[string]any, path string) []BreakingChange {
	var changes []BreakingChange

	oldProps := properties(oldS)
	newProps := properties(newS)
	oldReq := requiredSet(oldS)

	// A field the old reader requires that new writers no longer produce.
	for field := range oldReq {
		if _, ok := newProps[field]; !ok {
			changes = append(changes, BreakingChange{
				ChangeType:  ChangeRemovedField,
				Path:        childPath(path, field),
				Description: fmt.Sprintf("required field %q removed; old consumers still expect it", field),
			})
		}
	}

	for field, oldProp := range oldProps {
		newProp, ok := newProps[field]
		if !ok {
			continue
		}
		changes = append(changes, compareProperty(oldProp, newProp, childPath(path, field), false)...)
	}

	return changes
}

// ------------------------------------------------------------------
// Per-property comparison
// ------------------------------------------------------------------

// compareProperty diffs one property across versions. Type changes
// break both directions; enum removal and constraint narrowing break
// backward only (widened enums and relaxed constraints are compatible).
func compareProperty(oldProp, newProp map[string]any, path string, backward bool) []BreakingChange {
	var changes []BreakingChange

	oldType, _ := oldProp["type"].(string)
	newType, _ := newProp["type"].(string)
	if oldType != "" && newType != "" && oldType != newType {
		changes = append(changes, BreakingChange{
			ChangeType:  ChangeTypeChanged,
			Path:        path,
			Description: fmt.Sprintf("type changed from %q to %q", oldType, newType),
		})
		return changes // deeper comparison is meaningless across types
	}

	if backward {
		changes = append(changes, compareEnums(oldProp, newProp, path)...)
		changes = append(changes, compareConstraints(oldProp, newProp, path)...)
	}

	// Recurse into nested objects and array items.
	if oldType == "object" || hasProperties(oldProp) {
		if backward {
			changes = append(changes, checkBackward(oldProp, newProp, path)...)
		} else {
			changes = append(changes, checkForward(oldProp, newProp, path)...)
		}
	}
	if oldItems, ok := oldProp["items"].(map[string]any); ok {
		if newItems, ok := newProp["items"].(map[string]any); ok {
			changes = append(changes, compareProperty(oldItems, newItems, path+"[]", backward)...)
		}
	}

	return changes
}

func compareEnums(oldProp, newProp map[string]any, path string) []BreakingChange {
	oldEnum := enumValues(oldProp)
	if oldEnum == nil {
		return nil
	}
	newEnum := enumValues(newProp)
	if newEnum == nil {
		// Enum constraint dropped entirely: values only widen.
		return nil
	}
	newSet := make(map[string]bool, len(newEnum))
	for _, v := range newEnum {
		newSet[v] = true
	}
	var changes []BreakingChange
	for _, v := range oldEnum {
		if !newSet[v] {
			changes = append(changes, BreakingChange{
				ChangeType:  ChangeRemovedEnumValue,
				Path:        path,
				Description: fmt.Sprintf("enum value %q removed", v),
			})
		}
	}
	return changes
}

// numeric constraints where an increase narrows the accepted range
var minConstraints = []string{"minLength", "minimum", "minItems", "minProperties", "exclusiveMinimum"}

// numeric constraints where a decrease narrows the accepted range
var maxConstraints = []string{"maxLength", "maximum", "maxItems", "maxProperties", "exclusiveMaximum"}

func compareConstraints(oldProp, newProp map[string]any, path string) []BreakingChange {
	var changes []BreakingChange
	for _, key := range minConstraints {
		oldV, oldOK := numberValue(oldProp[key])
		newV, newOK := numberValue(newProp[key])
		switch {
		case newOK && !oldOK, newOK && oldOK && newV > oldV:
			changes = append(changes, BreakingChange{
				ChangeType:  ChangeConstraintNarrowed,
				Path:        path,
				Description: fmt.Sprintf("%s tightened to %v", key, newV),
			})
		}
	}
	for _, key := range maxConstraints {
		oldV, oldOK := numberValue(oldProp[key])
		newV, newOK := numberValue(newProp[key])
		switch {
		case newOK && !oldOK, newOK && oldOK && newV < oldV:
			changes = append(changes, BreakingChange{
				ChangeType:  ChangeConstraintNarrowed,
				Path:        path,
				Description: fmt.Sprintf("%s tightened to %v", key, newV),
			})
		}
	}
	return changes
}

// ------------------------------------------------------------------
// JSON Schema document helpers
// ------------------------------------------------------------------

func properties(s map[string]any) map[string]map[string]any {
	raw, _ := s["properties"].(map[string]any)
	out := make(map[string]map[string]any, len(raw))
	for name, v := range raw {
		if prop, ok := v.(map[string]any); ok {
			out[name] = prop
		}
	}
	return out
}

func hasProperties(s map[string]any) bool {
	_, ok := s["properties"].(map[string]any)
	return ok
}

func requiredSet(s map[string]any) map[string]bool {
	raw, _ := s["required"].([]any)
	out := make(map[string]bool, len(raw))
	for _, v := range raw {
		if name, ok := v.(string); ok {
			out[name] = true
		}
	}
	return out
}

func enumValues(prop map[string]any) []string {
	raw, ok := prop["enum"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		out = append(out, fmt.Sprintf("%v", v))
	}
	return out
}

func numberValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func childPath(parent, field string) string {
	return parent + "." + field
}

func dedupeChanges(changes []BreakingChange) []BreakingChange {
	seen := make(map[string]bool, len(changes))
	var out []BreakingChange
	for _, c := range changes {
		key := string(c.ChangeType) + "|" + c.Path + "|" + c.Description
		if !seen[key] {
			seen[key] = true
			out = append(out, c)
		}
	}
	return out
}
