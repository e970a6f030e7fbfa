package schema

import "testing"

func check(t *testing.T, oldDef, newDef string, mode CompatibilityMode) CompatibilityResult {
	t.Helper()
	result, err := NewChecker().Check(oldDef, newDef, mode)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	return result
}

func TestChecker_NoneModeAlwaysCompatible(t *testing.T) {
	result := check(t, `{"type":"object"}`, `not even json parsed`, CompatibilityNone)
	if !result.IsCompatible {
		t.Error("none mode flagged a change")
	}
}

func TestChecker_AddedRequiredFieldBreaksBackward(t *testing.T) {
	oldDef := `{
		"type": "object",
		"properties": {"name": {"type": "string"}},
		"required": ["name"]
	}`
	newDef := `{
		"type": "object",
		"properties": {"name": {"type": "string"}, "email": {"type": "string"}},
		"required": ["name", "email"]
	}`

	result := check(t, oldDef, newDef, CompatibilityBackward)
	if result.IsCompatible {
		t.Fatal("added required field not flagged")
	}
	if len(result.BreakingChanges) != 1 {
		t.Fatalf("changes = %+v", result.BreakingChanges)
	}
	bc := result.BreakingChanges[0]
	if bc.ChangeType != ChangeAddedRequiredField || bc.Path != "$.email" {
		t.Errorf("change = %+v", bc)
	}
}

func TestChecker_AddedOptionalFieldIsCompatible(t *testing.T) {
	oldDef := `{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`
	newDef := `{"type":"object","properties":{"name":{"type":"string"},"nickname":{"type":"string"}},"required":["name"]}`

	for _, mode := range []CompatibilityMode{CompatibilityBackward, CompatibilityForward, CompatibilityFull} {
		if result := check(t, oldDef, newDef, mode); !result.IsCompatible {
			t.Errorf("%s: optional field flagged: %+v", mode, result.BreakingChanges)
		}
	}
}

func TestChecker_RemovedRequiredFieldBreaksForward(t *testing.T) {
	oldDef := `{"type":"object","properties":{"name":{"type":"string"},"age":{"type":"integer"}},"required":["name","age"]}`
	newDef := `{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`

	// Removal is invisible to new readers.
	if result := check(t, oldDef, newDef, CompatibilityBackward); !result.IsCompatible {
		t.Errorf("backward flagged removal: %+v", result.BreakingChanges)
	}

	result := check(t, oldDef, newDef, CompatibilityForward)
	if result.IsCompatible {
		t.Fatal("forward missed removed required field")
	}
	bc := result.BreakingChanges[0]
	if bc.ChangeType != ChangeRemovedField || bc.Path != "$.age" {
		t.Errorf("change = %+v", bc)
	}
}

func TestChecker_TypeChangeBreaksBothDirections(t *testing.T) {
	oldDef := `{"type":"object","properties":{"age":{"type":"integer"}}}`
	newDef := `{"type":"object","properties":{"age":{"type":"string"}}}`

	for _, mode := range []CompatibilityMode{CompatibilityBackward, CompatibilityForward} {
		result := check(t, oldDef, newDef, mode)
		if result.IsCompatible {
			t.Errorf("%s missed type change", mode)
			continue
		}
		if result.BreakingChanges[0].ChangeType != ChangeTypeChanged {
			t.Errorf("%s: change = %+v", mode, result.BreakingChanges[0])
		}
	}
}

func TestChecker_Enums(t *testing.T) {
	oldDef := `{"type":"object","properties":{"status":{"type":"string","enum":["open","closed"]}}}`

	// Widening the enum is compatible.
	widened := `{"type":"object","properties":{"status":{"type":"string","enum":["open","closed","archived"]}}}`
	if result := check(t, oldDef, widened, CompatibilityBackward); !result.IsCompatible {
		t.Errorf("widened enum flagged: %+v", result.BreakingChanges)
	}

	// Removing a value breaks backward.
	narrowed := `{"type":"object","properties":{"status":{"type":"string","enum":["open"]}}}`
	result := check(t, oldDef, narrowed, CompatibilityBackward)
	if result.IsCompatible {
		t.Fatal("removed enum value not flagged")
	}
	if result.BreakingChanges[0].ChangeType != ChangeRemovedEnumValue {
		t.Errorf("change = %+v", result.BreakingChanges[0])
	}
}

func TestChecker_ConstraintNarrowing(t *testing.T) {
	oldDef := `{"type":"object","properties":{"name":{"type":"string","maxLength":100}}}`

	relaxed := `{"type":"object","properties":{"name":{"type":"string","maxLength":200}}}`
	if result := check(t, oldDef, relaxed, CompatibilityBackward); !result.IsCompatible {
		t.Errorf("relaxed constraint flagged: %+v", result.BreakingChanges)
	}

	tightened := `{"type":"object","properties":{"name":{"type":"string","maxLength":10,"minLength":2}}}`
	result := check(t, oldDef, tightened, CompatibilityBackward)
	if result.IsCompatible {
		t.Fatal("tightened constraints not flagged")
	}
	if len(result.BreakingChanges) != 2 {
		t.Errorf("want maxLength and new minLength flagged, got %+v", result.BreakingChanges)
	}
}

func TestChecker_NestedObjectPath(t *testing.T) {
	oldDef := `{
		"type": "object",
		"properties": {
			"address": {
				"type": "object",
				"properties": {"city": {"type": "string"}},
				"required": ["city"]
			}
		}
	}`
	newDef := `{
		"type": "object",
		"properties": {
			"address": {
				"type": "object",
				"properties": {"city": {"type": "string"}, "zip": {"type": "string"}},
				"required": ["city", "zip"]
			}
		}
	}`

	result := check(t, oldDef, newDef, CompatibilityBackward)
	if result.IsCompatible {
		t.Fatal("nested required field not flagged")
	}
	if result.BreakingChanges[0].Path != "$.address.zip" {
		t.Errorf("path = %s, want $.address.zip", result.BreakingChanges[0].Path)
	}
}

func TestChecker_FullModeUnionsBothDirections(t *testing.T) {
	oldDef := `{"type":"object","properties":{"a":{"type":"string"},"b":{"type":"string"}},"required":["a","b"]}`
	newDef := `{"type":"object","properties":{"a":{"type":"string"},"c":{"type":"string"}},"required":["a","c"]}`

	result := check(t, oldDef, newDef, CompatibilityFull)
	if result.IsCompatible {
		t.Fatal("full mode missed changes")
	}
	found := map[ChangeType]bool{}
	for _, bc := range result.BreakingChanges {
		found[bc.ChangeType] = true
	}
	if !found[ChangeAddedRequiredField] || !found[ChangeRemovedField] {
		t.Errorf("want both directions flagged, got %+v", result.BreakingChanges)
	}
}

func TestChecker_FormatChangeIgnored(t *testing.T) {
	oldDef := `{"type":"object","properties":{"when":{"type":"string","format":"date-time"}}}`
	newDef := `{"type":"object","properties":{"when":{"type":"string","format":"date"}}}`

	if result := check(t, oldDef, newDef, CompatibilityFull); !result.IsCompatible {
		t.Errorf("format change flagged: %+v", result.BreakingChanges)
	}
}
