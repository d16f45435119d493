package docstate

import (
	"encoding/json"
	"reflect"
)

// IsEmptyState reports whether a record carries no meaningful ephemeral state.
// A scroll offset of exactly zero does not count as state; scrolling back to
// the top of a document is indistinguishable from no scroll recorded.
func IsEmptyState(record *StateRecord) bool {
	if record == nil {
		return true
	}
	return record.Cursor == nil && !hasScroll(record) && record.ViewState == nil
}

func hasScroll(record *StateRecord) bool {
	return record != nil && record.Scroll != nil && *record.Scroll != 0
}

// SameState decides whether two snapshots are meaningfully identical, which
// doubles as the save-suppression test: identical or empty captures are never
// persisted.
func SameState(a, b *StateRecord) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	aEmpty := IsEmptyState(a)
	bEmpty := IsEmptyState(b)
	if aEmpty && bEmpty {
		return true
	}
	if aEmpty != bEmpty {
		return false
	}
	if (a.Cursor == nil) != (b.Cursor == nil) {
		return false
	}
	if a.Cursor != nil && *a.Cursor != *b.Cursor {
		return false
	}
	if hasScroll(a) != hasScroll(b) {
		return false
	}
	if hasScroll(a) && *a.Scroll != *b.Scroll {
		return false
	}
	return viewStateEqual(a.ViewState, b.ViewState)
}

// viewStateEqual compares the opaque view-state payloads structurally: object
// keys are order-independent, arrays order-dependent. Both sides are pushed
// through a JSON round trip first so in-memory captures and decoded records
// compare on equal footing.
func viewStateEqual(a, b map[string]any) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	ca, okA := canonicalValue(a)
	cb, okB := canonicalValue(b)
	if !okA || !okB {
		return reflect.DeepEqual(a, b)
	}
	return reflect.DeepEqual(ca, cb)
}

func canonicalValue(v any) (any, bool) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, false
	}
	return out, true
}
