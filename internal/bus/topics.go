package bus

import "time"

// Topic prefixes.
const (
	// TopicChangePrefix carries every change notification; the suffix is the event kind.
	TopicChangePrefix = "change."

	// TopicStalenessTransition is published when a write flips a feature between fresh and stale.
	TopicStalenessTransition = "staleness.transition"
)

// ChangeTopic returns the bus topic for a change event kind.
func ChangeTopic(kind string) string {
	return TopicChangePrefix + kind
}

// ChangeNotice mirrors a room broadcast on the bus.
type ChangeNotice struct {
	Kind       string
	SubjectIDs map[string]string
}

// StalenessTransitionEvent is published when a feature's stale bit changes.
type StalenessTransitionEvent struct {
	FeatureID  string
	ProjectID  string
	Transition string // "became_stale" or "became_fresh"
	At         time.Time
}
