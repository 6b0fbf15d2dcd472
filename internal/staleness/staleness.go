// Package staleness derives, per feature, whether the latest verification
// still covers the latest code change.
//
// Test logs and file changes are append-only, so derived state is a pure
// function of the two streams and is recomputed on read. The Engine may
// memoize results keyed by stream length; a memo is never trusted once
// either stream has grown.
package staleness

import (
	"encoding/json"
	"fmt"
	"time"
)

// TestLogEntry is one verification event against a feature.
type TestLogEntry struct {
	ID          int64     `json:"id"`
	ProjectID   string    `json:"project_id"`
	FeatureID   string    `json:"feature_id"`
	FeatureName string    `json:"feature_name"`
	TestType    string    `json:"test_type"`
	Target      string    `json:"target"`
	Result      string    `json:"result"`
	Verified    []string  `json:"verified"`
	Note        string    `json:"note,omitempty"`
	TestedAt    time.Time `json:"tested_at"`
}

// FileChangeEntry records that code belonging to a feature changed.
type FileChangeEntry struct {
	ID         int64     `json:"id"`
	ProjectID  string    `json:"project_id"`
	FeatureID  string    `json:"feature_id"`
	FilePath   string    `json:"file_path"`
	CommitHash string    `json:"commit_hash,omitempty"`
	ChangedAt  time.Time `json:"changed_at"`
}

// Flag is a boolean that serializes as 0/1, the form dashboard clients compare against.
type Flag bool

func (f Flag) MarshalJSON() ([]byte, error) {
	if f {
		return []byte("1"), nil
	}
	return []byte("0"), nil
}

func (f *Flag) UnmarshalJSON(b []byte) error {
	switch string(b) {
	case "1", "true":
		*f = true
	case "0", "false", "null":
		*f = false
	default:
		return fmt.Errorf("staleness: invalid flag %s", b)
	}
	return nil
}

// State is the derived, never-stored view of one feature. Empty strings and
// nil timestamps mean "none".
type State struct {
	LastModifiedAt *time.Time `json:"last_modified"`
	LastTestedAt   *time.Time `json:"last_tested"`
	LastTestType   string     `json:"last_test_type"`
	LastTestTarget string     `json:"last_test_target"`
	IsStale        Flag       `json:"is_stale"`
}

// Equal reports whether two states carry the same values.
func (s State) Equal(o State) bool {
	return timeEq(s.LastModifiedAt, o.LastModifiedAt) &&
		timeEq(s.LastTestedAt, o.LastTestedAt) &&
		s.LastTestType == o.LastTestType &&
		s.LastTestTarget == o.LastTestTarget &&
		s.IsStale == o.IsStale
}

func (s State) String() string {
	b, _ := json.Marshal(s)
	return string(b)
}

func timeEq(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// Derive reduces a feature's two streams into its State.
//
// The most recent test wins by TestedAt; on equal timestamps the higher row
// ID wins, and for equal IDs the later slice element wins. A feature with no
// file changes is never stale. A change at exactly the test time is covered
// by that test.
func Derive(tests []TestLogEntry, changes []FileChangeEntry) State {
	var st State

	var best *TestLogEntry
	for i := range tests {
		e := &tests[i]
		if best == nil ||
			e.TestedAt.After(best.TestedAt) ||
			(e.TestedAt.Equal(best.TestedAt) && e.ID >= best.ID) {
			best = e
		}
	}
	if best != nil {
		at := best.TestedAt
		st.LastTestedAt = &at
		st.LastTestType = best.TestType
		st.LastTestTarget = best.Target
	}

	for i := range changes {
		at := changes[i].ChangedAt
		if st.LastModifiedAt == nil || at.After(*st.LastModifiedAt) {
			st.LastModifiedAt = &at
		}
	}

	if st.LastModifiedAt != nil {
		st.IsStale = Flag(st.LastTestedAt == nil || st.LastModifiedAt.After(*st.LastTestedAt))
	}
	return st
}

// Transition names for the fresh/stale state machine.
const (
	BecameStale = "became_stale"
	BecameFresh = "became_fresh"
)

// Transition reports which edge, if any, separates two derivations of the same feature.
func Transition(before, after State) string {
	switch {
	case !bool(before.IsStale) && bool(after.IsStale):
		return BecameStale
	case bool(before.IsStale) && !bool(after.IsStale):
		return BecameFresh
	default:
		return ""
	}
}
