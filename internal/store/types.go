package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a session or report id has no row.
var ErrNotFound = errors.New("not found")

// #region session-record
// SessionRecord is one analyzer session.
type SessionRecord struct {
	SessionID  string     `json:"session_id"`
	Exercise   string     `json:"exercise"`
	Source     string     `json:"source"` // "stream" | "replay"
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	ConfigJSON string     `json:"-"`
}

// #endregion session-record

// #region feedback-entry
// FeedbackEntry is a single row in the feedback_log table: the condensed outcome of one
// analyzed frame.
type FeedbackEntry struct {
	SessionID    string    `json:"session_id"`
	FrameIndex   int       `json:"frame_index"`
	Verdict      string    `json:"verdict"`
	Confidence   float64   `json:"confidence"`
	Rationale    string    `json:"rationale"`
	ValidReps    int       `json:"valid_reps"`
	MessagesJSON string    `json:"messages"`
	CreatedAt    time.Time `json:"created_at"`
}

// #endregion feedback-entry
