package types

import (
	"reflect"
	"testing"
)

func TestMergeFactsDeduplicatesByExactText(t *testing.T) {
	existing := []FactEntry{{Fact: "A"}, {Fact: "B"}}
	incoming := []FactEntry{{Fact: "A"}, {Fact: "C"}}

	got := MergeFacts(existing, incoming)
	want := []FactEntry{{Fact: "A"}, {Fact: "B"}, {Fact: "C"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("MergeFacts: got %v, want %v", got, want)
	}
}

func TestMergeFactsIsIdempotent(t *testing.T) {
	existing := []FactEntry{{Fact: "A"}, {Fact: "B"}}

	once := MergeFacts(existing, existing)
	twice := MergeFacts(once, existing)
	if !reflect.DeepEqual(once, existing) {
		t.Errorf("first merge: got %v, want %v", once, existing)
	}
	if !reflect.DeepEqual(twice, existing) {
		t.Errorf("second merge: got %v, want %v", twice, existing)
	}
}

func TestMergeFactsPreservesOrder(t *testing.T) {
	got := MergeFacts(nil, []FactEntry{{Fact: "z"}, {Fact: "a"}, {Fact: "m"}})
	want := []FactEntry{{Fact: "z"}, {Fact: "a"}, {Fact: "m"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("MergeFacts: got %v, want %v", got, want)
	}
}

func TestProfileDataMergeIsShallow(t *testing.T) {
	base := ProfileData{
		MedicalFacts: []FactEntry{{Fact: "existing"}},
		BabyProfile:  map[string]string{"name": "Ada", "weight": "4kg"},
	}
	patch := ProfileData{
		BabyProfile: map[string]string{"name": "Ada Jr"},
		NextActions: []FactEntry{{Fact: "book checkup"}},
	}

	got := base.Merge(patch)

	// Absent field carried over unchanged.
	if !reflect.DeepEqual(got.MedicalFacts, base.MedicalFacts) {
		t.Errorf("MedicalFacts: got %v, want %v", got.MedicalFacts, base.MedicalFacts)
	}
	// Present field replaces wholesale, not key-by-key.
	if !reflect.DeepEqual(got.BabyProfile, patch.BabyProfile) {
		t.Errorf("BabyProfile: got %v, want %v", got.BabyProfile, patch.BabyProfile)
	}
	if !reflect.DeepEqual(got.NextActions, patch.NextActions) {
		t.Errorf("NextActions: got %v, want %v", got.NextActions, patch.NextActions)
	}
}

func TestProfileDataMergeEmptySliceReplaces(t *testing.T) {
	base := ProfileData{NextActions: []FactEntry{{Fact: "old"}}}
	patch := ProfileData{NextActions: []FactEntry{}}

	got := base.Merge(patch)
	if len(got.NextActions) != 0 {
		t.Errorf("NextActions: got %v, want empty", got.NextActions)
	}
}

func TestProfileDataFromMapParsesRecognizedKeys(t *testing.T) {
	raw := map[string]any{
		"medical_facts": []any{
			map[string]any{"fact": "mild reflux"},
			"vitamin D daily",
		},
		"baby_profile":    map[string]any{"name": "Ada", "weight_kg": 4.2},
		"feeding_profile": map[string]any{"formula": "brand X"},
		"next_actions":    []any{map[string]any{"fact": "book 6-week checkup"}},
	}

	got, err := ProfileDataFromMap(raw)
	if err != nil {
		t.Fatalf("ProfileDataFromMap() failed: %v", err)
	}

	wantFacts := []FactEntry{{Fact: "mild reflux"}, {Fact: "vitamin D daily"}}
	if !reflect.DeepEqual(got.MedicalFacts, wantFacts) {
		t.Errorf("MedicalFacts: got %v, want %v", got.MedicalFacts, wantFacts)
	}
	if got.BabyProfile["weight_kg"] != "4.2" {
		t.Errorf("BabyProfile[weight_kg]: got %q, want %q", got.BabyProfile["weight_kg"], "4.2")
	}
	if got.FeedingProfile["formula"] != "brand X" {
		t.Errorf("FeedingProfile[formula]: got %q, want %q", got.FeedingProfile["formula"], "brand X")
	}
	if len(got.NextActions) != 1 || got.NextActions[0].Fact != "book 6-week checkup" {
		t.Errorf("NextActions: got %v", got.NextActions)
	}
}

func TestProfileDataFromMapFoldsUnknownKeysIntoFacts(t *testing.T) {
	raw := map[string]any{
		"medical_facts": []any{"known fact"},
		"sleep_notes":   "wakes twice a night",
		"allergy":       "none observed",
	}

	got, err := ProfileDataFromMap(raw)
	if err != nil {
		t.Fatalf("ProfileDataFromMap() failed: %v", err)
	}

	// Unknown keys appended after parsed facts, in sorted key order.
	want := []FactEntry{
		{Fact: "known fact"},
		{Fact: "allergy: none observed"},
		{Fact: "sleep_notes: wakes twice a night"},
	}
	if !reflect.DeepEqual(got.MedicalFacts, want) {
		t.Errorf("MedicalFacts: got %v, want %v", got.MedicalFacts, want)
	}
}

func TestProfileDataFromMapRejectsMalformedFields(t *testing.T) {
	cases := []struct {
		name string
		raw  map[string]any
	}{
		{"facts not a list", map[string]any{"medical_facts": "oops"}},
		{"fact entry not string or object", map[string]any{"medical_facts": []any{42}}},
		{"fact object without fact key", map[string]any{"next_actions": []any{map[string]any{"text": "x"}}}},
		{"snapshot not an object", map[string]any{"baby_profile": []any{"x"}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ProfileDataFromMap(tc.raw); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestProfileDataEmptyAndUpdates(t *testing.T) {
	var zero ProfileData
	if !zero.IsEmpty() {
		t.Error("zero value should be empty")
	}
	if zero.HasUpdates() {
		t.Error("zero value should carry no updates")
	}

	// Present-but-empty map is an update (it replaces the stored key) but
	// still renders as empty.
	d := ProfileData{BabyProfile: map[string]string{}}
	if !d.IsEmpty() {
		t.Error("empty map should count as empty content")
	}
	if !d.HasUpdates() {
		t.Error("present-but-empty map should count as an update")
	}
}
