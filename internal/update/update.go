// Package update defines the typed envelope for every live event pushed to
// subscribers: score changes, prediction revisions, odds movements, and
// generic notifications.
package update

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidUpdate marks an update rejected by structural validation.
// Malformed updates are logged and dropped at ingestion, never enqueued.
var ErrInvalidUpdate = errors.New("invalid update")

// Kind is the closed set of live-event types.
type Kind string

const (
	KindScore        Kind = "score"
	KindPrediction   Kind = "prediction"
	KindOdds         Kind = "odds"
	KindNotification Kind = "notification"
)

// Kinds lists every valid kind, in a stable order.
func Kinds() []Kind {
	return []Kind{KindScore, KindPrediction, KindOdds, KindNotification}
}

func (k Kind) valid() bool {
	switch k {
	case KindScore, KindPrediction, KindOdds, KindNotification:
		return true
	}
	return false
}

// Priority orders updates by urgency. It is metadata for consumers; the
// fanout queue itself stays FIFO per channel.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

func (p Priority) valid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Update is one live-event envelope. Values are immutable after construction:
// share freely across goroutines, never mutate in place.
//
// Timestamps are monotonic per SubjectID stream. Consumers may discard an
// update whose timestamp precedes the last one applied for that subject
// (latest wins); no ordering is guaranteed across subjects.
type Update struct {
	Kind               Kind            `json:"kind"`
	SubjectID          string          `json:"subject_id"`
	Payload            json.RawMessage `json:"payload,omitempty"`
	Priority           Priority        `json:"priority"`
	AffectedCategories []string        `json:"affected_categories"`
	Timestamp          time.Time       `json:"timestamp"`
}

// New validates and constructs an Update. Kind and SubjectID are mandatory,
// Priority must be one of the three levels. AffectedCategories may be empty
// (a global update) but is normalized so it is never nil. A zero timestamp
// is stamped with now.
func New(kind Kind, subjectID string, payload json.RawMessage, priority Priority, categories []string, timestamp time.Time) (Update, error) {
	if subjectID == "" {
		return Update{}, fmt.Errorf("%w: subject id is required", ErrInvalidUpdate)
	}
	if !kind.valid() {
		return Update{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidUpdate, kind)
	}
	if !priority.valid() {
		return Update{}, fmt.Errorf("%w: unknown priority %q", ErrInvalidUpdate, priority)
	}
	if categories == nil {
		categories = []string{}
	}
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	return Update{
		Kind:               kind,
		SubjectID:          subjectID,
		Payload:            payload,
		Priority:           priority,
		AffectedCategories: categories,
		Timestamp:          timestamp,
	}, nil
}

// Channels returns the channel names this update targets, following the
// "{category}:{subjectId}" convention (game:401, predictions:401, odds:401).
// An update with no affected categories targets no specific channel and is
// broadcast instead.
func (u Update) Channels() []string {
	if len(u.AffectedCategories) == 0 {
		return nil
	}
	channels := make([]string, 0, len(u.AffectedCategories))
	for _, category := range u.AffectedCategories {
		channels = append(channels, category+":"+u.SubjectID)
	}
	return channels
}

// Supersedes reports whether u replaces prev under latest-wins semantics:
// same subject, strictly newer timestamp. Updates for different subjects
// never supersede one another.
func (u Update) Supersedes(prev Update) bool {
	return u.SubjectID == prev.SubjectID && u.Timestamp.After(prev.Timestamp)
}

// Decode parses and validates an update from its wire form.
func Decode(data []byte) (Update, error) {
	var raw Update
	if err := json.Unmarshal(data, &raw); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	return New(raw.Kind, raw.SubjectID, raw.Payload, raw.Priority, raw.AffectedCategories, raw.Timestamp)
}
