// Package bracket compares generated bracket artifacts for preview flows.
package bracket

import (
	"bytes"
	"encoding/json"
)

// Change pairs the old and new serializations of a modified match.
type Change struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// DiffResult describes the structural difference between two engine results.
// Type is "new" when no prior bracket existed, "changed" otherwise.
type DiffResult struct {
	Type       string   `json:"type"`
	NewMatches []any    `json:"new_matches,omitempty"`
	Added      []any    `json:"added,omitempty"`
	Removed    []any    `json:"removed,omitempty"`
	Changed    []Change `json:"changed,omitempty"`
}

// Diff compares two engine results by match identifier. Matches present only
// in the new result are added, only in the old are removed, and present in
// both with differing serializations are changed. Pure function.
func Diff(oldResult, newResult map[string]any) DiffResult {
	newMatches := matchesOf(newResult)
	if oldResult == nil {
		return DiffResult{Type: "new", NewMatches: newMatches}
	}

	oldByID := indexByID(matchesOf(oldResult))
	newByID := indexByID(newMatches)

	result := DiffResult{Type: "changed"}
	for _, m := range newMatches {
		id, ok := matchID(m)
		if !ok {
			continue
		}
		old, existed := oldByID[id]
		if !existed {
			result.Added = append(result.Added, m)
			continue
		}
		if !sameShape(old, m) {
			result.Changed = append(result.Changed, Change{Old: old, New: m})
		}
	}
	for _, m := range matchesOf(oldResult) {
		id, ok := matchID(m)
		if !ok {
			continue
		}
		if _, exists := newByID[id]; !exists {
			result.Removed = append(result.Removed, m)
		}
	}
	return result
}

func matchesOf(result map[string]any) []any {
	if result == nil {
		return nil
	}
	matches, _ := result["matches"].([]any)
	return matches
}

func indexByID(matches []any) map[string]any {
	idx := make(map[string]any, len(matches))
	for _, m := range matches {
		if id, ok := matchID(m); ok {
			idx[id] = m
		}
	}
	return idx
}

func matchID(match any) (string, bool) {
	m, ok := match.(map[string]any)
	if !ok {
		return "", false
	}
	switch id := m["id"].(type) {
	case string:
		return id, true
	case float64:
		b, _ := json.Marshal(id)
		return string(b), true
	default:
		return "", false
	}
}

// sameShape compares serializations; json.Marshal of maps sorts keys, so
// structurally equal matches always serialize identically.
func sameShape(a, b any) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(aj, bj)
}
