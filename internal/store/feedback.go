package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/danielpatrickdp/formcheck/internal/fusion"
)

// #region log-feedback
// LogFeedback appends the outcome of one analyzed frame to the feedback_log table.
func (s *Store) LogFeedback(sessionID string, frameIndex int, rec fusion.Record) error {
	msgs, err := json.Marshal(rec.Messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	at := rec.Timestamp
	if at.IsZero() {
		at = s.now()
	}
	_, err = s.db.Exec(
		`INSERT INTO feedback_log (session_id, frame_index, verdict, confidence, rationale, valid_reps, messages_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID,
		frameIndex,
		string(rec.Combined.Verdict),
		rec.Combined.Confidence,
		nullIfEmpty(string(rec.Combined.Rationale)),
		rec.Heuristic.ValidReps,
		string(msgs),
		at.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log feedback: %w", err)
	}
	return nil
}

// #endregion log-feedback

// #region list-feedback
// ListFeedback returns up to limit feedback rows of a session in frame order.
func (s *Store) ListFeedback(sessionID string, limit int) ([]FeedbackEntry, error) {
	rows, err := s.db.Query(
		`SELECT session_id, frame_index, verdict, confidence, rationale, valid_reps, messages_json, created_at
		 FROM feedback_log WHERE session_id = ? ORDER BY frame_index, id LIMIT ?`, sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	defer rows.Close()

	var out []FeedbackEntry
	for rows.Next() {
		var e FeedbackEntry
		var rationale, msgs *string
		var created string
		if err := rows.Scan(&e.SessionID, &e.FrameIndex, &e.Verdict, &e.Confidence, &rationale, &e.ValidReps, &msgs, &created); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if rationale != nil {
			e.Rationale = *rationale
		}
		if msgs != nil {
			e.MessagesJSON = *msgs
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// #endregion list-feedback

// #region helpers
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
