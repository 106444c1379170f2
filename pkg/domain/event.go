package domain

import "time"

// EventType is a platform interaction relevant to abuse detection.
type EventType string

const (
	EventView    EventType = "view"
	EventCopy    EventType = "copy"
	EventSave    EventType = "save"
	EventFork    EventType = "fork"
	EventComment EventType = "comment"
	EventVote    EventType = "vote"
)

var eventTypes = map[EventType]struct{}{
	EventView:    {},
	EventCopy:    {},
	EventSave:    {},
	EventFork:    {},
	EventComment: {},
	EventVote:    {},
}

func ValidEventType(t EventType) bool {
	_, ok := eventTypes[t]
	return ok
}

// AnomalyEvent is one recorded interaction. Identity and signature are
// opaque hashes; raw client addresses never enter this struct.
type AnomalyEvent struct {
	Timestamp     time.Time `json:"timestamp"`
	Type          EventType `json:"type"`
	IdentityHash  string    `json:"identity_hash"`
	SignatureHash string    `json:"signature_hash,omitempty"`
	SubjectID     string    `json:"subject_id,omitempty"`
	UserID        string    `json:"user_id,omitempty"`
}

// AnomalyScore is the composite verdict for one scored event set.
type AnomalyScore struct {
	Overall    float64         `json:"overall"`
	Components ScoreComponents `json:"components"`
	Metadata   ScoreMetadata   `json:"metadata"`
}

// ScoreComponents are the individual 0-1 signals before weighting.
type ScoreComponents struct {
	Burst       float64 `json:"burst"`
	Duplication float64 `json:"duplication"`
	Entropy     float64 `json:"entropy"`
	Velocity    float64 `json:"velocity"`
}

// ScoreMetadata carries the raw measurements behind the components, for
// operator inspection.
type ScoreMetadata struct {
	EventsPerMin     float64 `json:"events_per_min"`
	Baseline         float64 `json:"baseline"`
	DuplicateRatio   float64 `json:"duplicate_ratio"`
	SignatureEntropy float64 `json:"signature_entropy"`
	Velocity         float64 `json:"velocity"`
}
