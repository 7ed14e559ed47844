package types

import (
	"fmt"
	"sort"
	"time"
)

// Profile document keys recognized by the store. Anything else arriving from
// an upstream extraction step is folded into medical_facts before the closed
// ProfileData shape is built (see ProfileDataFromMap).
const (
	KeyMedicalFacts   = "medical_facts"
	KeyBabyProfile    = "baby_profile"
	KeyFeedingProfile = "feeding_profile"
	KeyNextActions    = "next_actions"
)

// FactEntry is a single free-text fact inside medical_facts or next_actions.
type FactEntry struct {
	Fact string `json:"fact"`
}

// ProfileData is the closed shape of a tenant's profile document. Each field
// maps to one of the four recognized top-level JSON keys. A nil slice or map
// means "key absent", which matters for merge-patch semantics: absent fields
// leave the stored value untouched, present fields replace it.
type ProfileData struct {
	MedicalFacts   []FactEntry       `json:"medical_facts,omitempty"`
	BabyProfile    map[string]string `json:"baby_profile,omitempty"`
	FeedingProfile map[string]string `json:"feeding_profile,omitempty"`
	NextActions    []FactEntry       `json:"next_actions,omitempty"`
}

// IsEmpty reports whether no field carries any content.
func (d ProfileData) IsEmpty() bool {
	return len(d.MedicalFacts) == 0 &&
		len(d.BabyProfile) == 0 &&
		len(d.FeedingProfile) == 0 &&
		len(d.NextActions) == 0
}

// HasUpdates reports whether any field is present, including present-but-empty
// fields, which still count as a merge-patch replacement.
func (d ProfileData) HasUpdates() bool {
	return d.MedicalFacts != nil || d.BabyProfile != nil ||
		d.FeedingProfile != nil || d.NextActions != nil
}

// Merge applies patch as a shallow merge-patch: each field present in patch
// (non-nil) replaces the corresponding field in d. Fields absent from patch
// are carried over unchanged.
func (d ProfileData) Merge(patch ProfileData) ProfileData {
	out := d
	if patch.MedicalFacts != nil {
		out.MedicalFacts = patch.MedicalFacts
	}
	if patch.BabyProfile != nil {
		out.BabyProfile = patch.BabyProfile
	}
	if patch.FeedingProfile != nil {
		out.FeedingProfile = patch.FeedingProfile
	}
	if patch.NextActions != nil {
		out.NextActions = patch.NextActions
	}
	return out
}

// MergeFacts combines two fact lists using exact-text deduplication. Existing
// entries come first in their original order, followed by incoming entries in
// input order, skipping any whose text already appears. The ingest
// orchestrator applies this to medical_facts only; all other fields follow
// plain merge-patch replacement.
func MergeFacts(existing, incoming []FactEntry) []FactEntry {
	seen := make(map[string]bool, len(existing))
	merged := make([]FactEntry, 0, len(existing)+len(incoming))
	for _, f := range existing {
		if seen[f.Fact] {
			continue
		}
		seen[f.Fact] = true
		merged = append(merged, f)
	}
	for _, f := range incoming {
		if seen[f.Fact] {
			continue
		}
		seen[f.Fact] = true
		merged = append(merged, f)
	}
	return merged
}

// ProfileDataFromMap normalizes a free-form JSON object into the closed
// ProfileData shape. The four recognized keys are parsed into their typed
// fields; every unrecognized top-level key is preserved losslessly as a
// "key: value" medical fact, appended in sorted key order so the result is
// deterministic.
func ProfileDataFromMap(raw map[string]any) (ProfileData, error) {
	var d ProfileData

	if v, ok := raw[KeyMedicalFacts]; ok {
		facts, err := parseFactList(KeyMedicalFacts, v)
		if err != nil {
			return ProfileData{}, err
		}
		d.MedicalFacts = facts
	}
	if v, ok := raw[KeyNextActions]; ok {
		facts, err := parseFactList(KeyNextActions, v)
		if err != nil {
			return ProfileData{}, err
		}
		d.NextActions = facts
	}
	if v, ok := raw[KeyBabyProfile]; ok {
		m, err := parseFlatObject(KeyBabyProfile, v)
		if err != nil {
			return ProfileData{}, err
		}
		d.BabyProfile = m
	}
	if v, ok := raw[KeyFeedingProfile]; ok {
		m, err := parseFlatObject(KeyFeedingProfile, v)
		if err != nil {
			return ProfileData{}, err
		}
		d.FeedingProfile = m
	}

	var extras []string
	for k := range raw {
		switch k {
		case KeyMedicalFacts, KeyBabyProfile, KeyFeedingProfile, KeyNextActions:
		default:
			extras = append(extras, k)
		}
	}
	sort.Strings(extras)
	for _, k := range extras {
		if d.MedicalFacts == nil {
			d.MedicalFacts = []FactEntry{}
		}
		d.MedicalFacts = append(d.MedicalFacts, FactEntry{
			Fact: fmt.Sprintf("%s: %s", k, stringify(raw[k])),
		})
	}

	return d, nil
}

// parseFactList accepts a list of {fact: string} objects or bare strings.
func parseFactList(key string, v any) ([]FactEntry, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("profile field %q must be a list, got %T", key, v)
	}
	facts := make([]FactEntry, 0, len(list))
	for i, item := range list {
		switch e := item.(type) {
		case string:
			facts = append(facts, FactEntry{Fact: e})
		case map[string]any:
			text, ok := e["fact"].(string)
			if !ok {
				return nil, fmt.Errorf("profile field %q entry %d has no string fact", key, i)
			}
			facts = append(facts, FactEntry{Fact: text})
		default:
			return nil, fmt.Errorf("profile field %q entry %d must be a string or object, got %T", key, i, item)
		}
	}
	return facts, nil
}

// parseFlatObject accepts a flat key/value object; non-string scalar values
// are stringified.
func parseFlatObject(key string, v any) (map[string]string, error) {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("profile field %q must be an object, got %T", key, v)
	}
	out := make(map[string]string, len(obj))
	for k, val := range obj {
		out[k] = stringify(val)
	}
	return out, nil
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// Profile is the single versioned document a tenant owns. Version starts at 1
// on first write and increments by exactly 1 on every successful update; it is
// the optimistic-concurrency token for UpsertProfile.
type Profile struct {
	TenantID          string      `json:"tenant_id"`
	Data              ProfileData `json:"data"`
	Version           int64       `json:"version"`
	LastInteractionAt time.Time   `json:"last_interaction_at"`
}
